package sqlite

import (
	"context"
	"database/sql"
	"sort"
	"time"

	engram "github.com/nevindra/engram"
)

func (s *Store) AddNode(ctx context.Context, n engram.Node) (engram.Node, error) {
	props, err := encodeJSON(n.Properties)
	if err != nil {
		return engram.Node{}, storeErr("add node", err)
	}
	emb, err := encodeEmbedding(n.Embedding)
	if err != nil {
		return engram.Node{}, storeErr("add node", err)
	}
	now := time.Now().UTC()
	n.CreatedAt = now
	n.UpdatedAt = now
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO knowledge_nodes (id, user_id, label, node_type, properties, embedding, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.Label, n.NodeType, props, emb, unix(now), unix(now))
	if err != nil {
		s.logger.Error("add node failed", "label", n.Label, "error", err)
		return engram.Node{}, storeErr("add node", err)
	}
	s.logger.Debug("node stored", "id", n.ID, "label", n.Label)
	return n, nil
}

func (s *Store) GetNode(ctx context.Context, userID, id string) (engram.Node, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, label, node_type, properties, embedding, created_at, updated_at
		 FROM knowledge_nodes WHERE id = ? AND user_id = ?`, id, userID)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return engram.Node{}, false, nil
	}
	if err != nil {
		s.logger.Error("get node failed", "id", id, "error", err)
		return engram.Node{}, false, storeErr("get node", err)
	}
	return n, true, nil
}

func (s *Store) FindNode(ctx context.Context, userID, label, nodeType string) (engram.Node, bool, error) {
	query := `SELECT id, user_id, label, node_type, properties, embedding, created_at, updated_at
		 FROM knowledge_nodes WHERE user_id = ? AND label = ?`
	args := []any{userID, label}
	if nodeType != "" {
		query += ` AND node_type = ?`
		args = append(args, nodeType)
	}
	row := s.db.QueryRowContext(ctx, query+` LIMIT 1`, args...)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return engram.Node{}, false, nil
	}
	if err != nil {
		s.logger.Error("find node failed", "label", label, "error", err)
		return engram.Node{}, false, storeErr("find node", err)
	}
	return n, true, nil
}

func (s *Store) SearchNodes(ctx context.Context, q engram.NodeQuery) ([]engram.NodeMatch, error) {
	start := time.Now()
	query := `SELECT id, user_id, label, node_type, properties, embedding, created_at, updated_at
		 FROM knowledge_nodes WHERE user_id = ?`
	args := []any{q.UserID}
	if q.NodeType != "" {
		query += ` AND node_type = ?`
		args = append(args, q.NodeType)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("node search failed", "error", err)
		return nil, storeErr("search nodes", err)
	}
	defer rows.Close() //nolint:errcheck

	var matches []engram.NodeMatch
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, storeErr("search nodes", err)
		}
		sim := engram.Cosine(q.Embedding, n.Embedding)
		if sim < q.MinSimilarity {
			continue
		}
		matches = append(matches, engram.NodeMatch{Node: n, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("search nodes", err)
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ID < matches[j].ID
	})
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	s.logger.Debug("node search done", "matches", len(matches), "duration", time.Since(start))
	return matches, nil
}

func (s *Store) AddEdge(ctx context.Context, e engram.Edge) (engram.Edge, error) {
	// Both endpoints must exist and belong to the caller before the
	// insert is attempted. A missing node and another user's node are
	// indistinguishable to the caller.
	for _, nodeID := range []string{e.SourceID, e.TargetID} {
		_, ok, err := s.GetNode(ctx, e.UserID, nodeID)
		if err != nil {
			return engram.Edge{}, err
		}
		if !ok {
			return engram.Edge{}, &engram.ErrAuthorization{UserID: e.UserID, Resource: "node " + nodeID}
		}
	}
	props, err := encodeJSON(e.Properties)
	if err != nil {
		return engram.Edge{}, storeErr("add edge", err)
	}
	e.CreatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO knowledge_edges (id, user_id, source_id, target_id, edge_type, weight, properties, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.SourceID, e.TargetID, e.EdgeType, e.Weight, props, unix(e.CreatedAt))
	if err != nil {
		wrapped := storeErr("add edge", err)
		if conflict, ok := wrapped.(*engram.ErrStoreConflict); ok {
			conflict.Constraint = "knowledge_edges_unique"
		} else {
			s.logger.Error("add edge failed", "error", err)
		}
		return engram.Edge{}, wrapped
	}
	s.logger.Debug("edge stored", "id", e.ID, "type", e.EdgeType)
	return e, nil
}

func (s *Store) NodeEdges(ctx context.Context, userID, nodeID, edgeType string) ([]engram.Edge, error) {
	query := `SELECT id, user_id, source_id, target_id, edge_type, weight, properties, created_at
		 FROM knowledge_edges
		 WHERE user_id = ? AND (source_id = ? OR target_id = ?)`
	args := []any{userID, nodeID, nodeID}
	if edgeType != "" {
		query += ` AND edge_type = ?`
		args = append(args, edgeType)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		s.logger.Error("node edges failed", "error", err)
		return nil, storeErr("node edges", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []engram.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, storeErr("node edges", err)
		}
		out = append(out, e)
	}
	return out, storeErr("node edges", rows.Err())
}

func (s *Store) Neighbors(ctx context.Context, userID, nodeID string, dir engram.Direction, edgeType string) ([]engram.Node, error) {
	var cond string
	switch dir {
	case engram.DirectionOut:
		cond = `(e.source_id = ? AND n.id = e.target_id)`
	case engram.DirectionIn:
		cond = `(e.target_id = ? AND n.id = e.source_id)`
	default:
		cond = `((e.source_id = ? AND n.id = e.target_id) OR (e.target_id = ? AND n.id = e.source_id))`
	}
	query := `SELECT DISTINCT n.id, n.user_id, n.label, n.node_type, n.properties, n.embedding, n.created_at, n.updated_at
		 FROM knowledge_edges e
		 JOIN knowledge_nodes n ON n.user_id = e.user_id AND e.user_id = ? AND ` + cond
	args := []any{userID, nodeID}
	if dir != engram.DirectionOut && dir != engram.DirectionIn {
		args = append(args, nodeID)
	}
	if edgeType != "" {
		query += ` WHERE e.edge_type = ?`
		args = append(args, edgeType)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY n.id`, args...)
	if err != nil {
		s.logger.Error("neighbors failed", "error", err)
		return nil, storeErr("neighbors", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []engram.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, storeErr("neighbors", err)
		}
		out = append(out, n)
	}
	return out, storeErr("neighbors", rows.Err())
}

// FindPath runs a breadth-first search over the user's out-edges in Go.
// Per-user graphs are small; loading the adjacency once beats issuing a
// query per frontier level.
func (s *Store) FindPath(ctx context.Context, userID, fromID, toID string, maxDepth int, edgeTypes []string) ([]string, error) {
	start := time.Now()
	if _, ok, err := s.GetNode(ctx, userID, fromID); err != nil || !ok {
		return nil, err
	}
	query := `SELECT source_id, target_id FROM knowledge_edges WHERE user_id = ?`
	args := []any{userID}
	if len(edgeTypes) > 0 {
		query += ` AND edge_type IN (` + placeholders(len(edgeTypes)) + `)`
		args = append(args, toAny(edgeTypes)...)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("find path failed", "error", err)
		return nil, storeErr("find path", err)
	}
	defer rows.Close() //nolint:errcheck

	adj := make(map[string][]string)
	for rows.Next() {
		var src, tgt string
		if err := rows.Scan(&src, &tgt); err != nil {
			return nil, storeErr("find path", err)
		}
		adj[src] = append(adj[src], tgt)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("find path", err)
	}

	parent := map[string]string{fromID: ""}
	frontier := []string{fromID}
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, cur := range frontier {
			for _, tgt := range adj[cur] {
				if _, visited := parent[tgt]; visited {
					continue
				}
				parent[tgt] = cur
				if tgt == toID {
					var path []string
					for id := toID; id != ""; id = parent[id] {
						path = append([]string{id}, path...)
					}
					s.logger.Debug("path found", "hops", len(path)-1, "duration", time.Since(start))
					return path, nil
				}
				next = append(next, tgt)
			}
		}
		frontier = next
	}
	return nil, nil
}

func (s *Store) DeleteNode(ctx context.Context, userID, id string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storeErr("delete node", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`DELETE FROM knowledge_nodes WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		s.logger.Error("delete node failed", "id", id, "error", err)
		return false, storeErr("delete node", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("delete node", err)
	}
	if n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM knowledge_edges WHERE source_id = ? OR target_id = ?`, id, id); err != nil {
		s.logger.Error("delete node edges failed", "id", id, "error", err)
		return false, storeErr("delete node", err)
	}
	if err := tx.Commit(); err != nil {
		return false, storeErr("delete node", err)
	}
	return true, nil
}

func (s *Store) DeleteEdge(ctx context.Context, userID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM knowledge_edges WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		s.logger.Error("delete edge failed", "id", id, "error", err)
		return false, storeErr("delete edge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("delete edge", err)
	}
	return n > 0, nil
}

func (s *Store) GraphStats(ctx context.Context, userID string) (engram.GraphStats, error) {
	var stats engram.GraphStats
	row := s.db.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM knowledge_nodes WHERE user_id = ?),
			(SELECT COUNT(*) FROM knowledge_edges WHERE user_id = ?),
			(SELECT COUNT(DISTINCT node_type) FROM knowledge_nodes WHERE user_id = ?),
			(SELECT COUNT(DISTINCT edge_type) FROM knowledge_edges WHERE user_id = ?)`,
		userID, userID, userID, userID)
	if err := row.Scan(&stats.Nodes, &stats.Edges, &stats.NodeTypes, &stats.EdgeTypes); err != nil {
		s.logger.Error("graph stats failed", "error", err)
		return engram.GraphStats{}, storeErr("graph stats", err)
	}
	return stats, nil
}

func scanNode(row scanner) (engram.Node, error) {
	var n engram.Node
	var createdAt, updatedAt int64
	var props, emb sql.NullString
	err := row.Scan(&n.ID, &n.UserID, &n.Label, &n.NodeType, &props, &emb, &createdAt, &updatedAt)
	if err != nil {
		return engram.Node{}, err
	}
	n.Properties = decodeJSON(props)
	n.Embedding = decodeEmbedding(emb)
	n.CreatedAt = fromUnix(createdAt)
	n.UpdatedAt = fromUnix(updatedAt)
	return n, nil
}

func scanEdge(row scanner) (engram.Edge, error) {
	var e engram.Edge
	var createdAt int64
	var props sql.NullString
	err := row.Scan(&e.ID, &e.UserID, &e.SourceID, &e.TargetID, &e.EdgeType, &e.Weight, &props, &createdAt)
	if err != nil {
		return engram.Edge{}, err
	}
	e.Properties = decodeJSON(props)
	e.CreatedAt = fromUnix(createdAt)
	return e, nil
}
