package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	engram "github.com/nevindra/engram"
)

func (s *Store) AddNode(ctx context.Context, n engram.Node) (engram.Node, error) {
	props, err := metaJSON(n.Properties)
	if err != nil {
		return engram.Node{}, pgErr("add node", err)
	}
	now := time.Now().UTC()

	const returning = ` RETURNING id, user_id, label, node_type, properties, created_at, updated_at`
	var row pgx.Row
	if len(n.Embedding) > 0 {
		row = s.pool.QueryRow(ctx,
			`INSERT INTO knowledge_nodes (id, user_id, label, node_type, properties, embedding, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $7)`+returning,
			n.ID, n.UserID, n.Label, n.NodeType, props, pgvector.NewVector(n.Embedding), now.Unix())
	} else {
		row = s.pool.QueryRow(ctx,
			`INSERT INTO knowledge_nodes (id, user_id, label, node_type, properties, embedding, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5::jsonb, NULL, $6, $6)`+returning,
			n.ID, n.UserID, n.Label, n.NodeType, props, now.Unix())
	}
	stored, err := scanNode(row)
	if err != nil {
		return engram.Node{}, pgErr("add node", err)
	}
	stored.Embedding = n.Embedding
	return stored, nil
}

func (s *Store) GetNode(ctx context.Context, userID, id string) (engram.Node, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, label, node_type, properties, created_at, updated_at
		 FROM knowledge_nodes WHERE id = $1 AND user_id = $2`, id, userID)
	n, err := scanNode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return engram.Node{}, false, nil
	}
	if err != nil {
		return engram.Node{}, false, pgErr("get node", err)
	}
	return n, true, nil
}

func (s *Store) FindNode(ctx context.Context, userID, label, nodeType string) (engram.Node, bool, error) {
	query := `SELECT id, user_id, label, node_type, properties, created_at, updated_at
		 FROM knowledge_nodes WHERE user_id = $1 AND label = $2`
	args := []any{userID, label}
	if nodeType != "" {
		query += ` AND node_type = $3`
		args = append(args, nodeType)
	}
	row := s.pool.QueryRow(ctx, query+` LIMIT 1`, args...)
	n, err := scanNode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return engram.Node{}, false, nil
	}
	if err != nil {
		return engram.Node{}, false, pgErr("find node", err)
	}
	return n, true, nil
}

func (s *Store) SearchNodes(ctx context.Context, q engram.NodeQuery) ([]engram.NodeMatch, error) {
	emb := pgvector.NewVector(q.Embedding)
	query := `SELECT id, user_id, label, node_type, properties, created_at, updated_at,
			1 - (embedding <=> $1) AS similarity
		 FROM knowledge_nodes
		 WHERE user_id = $2 AND embedding IS NOT NULL AND 1 - (embedding <=> $1) >= $3`
	args := []any{emb, q.UserID, q.MinSimilarity}
	if q.NodeType != "" {
		query += ` AND node_type = $4`
		args = append(args, q.NodeType)
	}
	query += ` ORDER BY embedding <=> $1, id`
	if q.Limit > 0 {
		query += ` LIMIT ` + itoa(q.Limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, pgErr("search nodes", err)
	}
	defer rows.Close()

	var matches []engram.NodeMatch
	for rows.Next() {
		var m engram.NodeMatch
		var props []byte
		var createdAt, updatedAt int64
		err := rows.Scan(&m.ID, &m.UserID, &m.Label, &m.NodeType, &props, &createdAt, &updatedAt, &m.Similarity)
		if err != nil {
			return nil, pgErr("search nodes", err)
		}
		m.Properties = unmarshalMeta(props)
		m.CreatedAt = fromUnix(createdAt)
		m.UpdatedAt = fromUnix(updatedAt)
		matches = append(matches, m)
	}
	return matches, pgErr("search nodes", rows.Err())
}

func (s *Store) AddEdge(ctx context.Context, e engram.Edge) (engram.Edge, error) {
	// Endpoint ownership is checked here rather than left to the FK:
	// another user's node must look exactly like a missing one.
	for _, nodeID := range []string{e.SourceID, e.TargetID} {
		_, ok, err := s.GetNode(ctx, e.UserID, nodeID)
		if err != nil {
			return engram.Edge{}, err
		}
		if !ok {
			return engram.Edge{}, &engram.ErrAuthorization{UserID: e.UserID, Resource: "node " + nodeID}
		}
	}
	props, err := metaJSON(e.Properties)
	if err != nil {
		return engram.Edge{}, pgErr("add edge", err)
	}
	e.CreatedAt = time.Now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO knowledge_edges (id, user_id, source_id, target_id, edge_type, weight, properties, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)`,
		e.ID, e.UserID, e.SourceID, e.TargetID, e.EdgeType, e.Weight, props, e.CreatedAt.Unix())
	if err != nil {
		return engram.Edge{}, pgErr("add edge", err)
	}
	return e, nil
}

func (s *Store) NodeEdges(ctx context.Context, userID, nodeID, edgeType string) ([]engram.Edge, error) {
	query := `SELECT id, user_id, source_id, target_id, edge_type, weight, properties, created_at
		 FROM knowledge_edges
		 WHERE user_id = $1 AND (source_id = $2 OR target_id = $2)`
	args := []any{userID, nodeID}
	if edgeType != "" {
		query += ` AND edge_type = $3`
		args = append(args, edgeType)
	}
	rows, err := s.pool.Query(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, pgErr("node edges", err)
	}
	defer rows.Close()

	var out []engram.Edge
	for rows.Next() {
		var e engram.Edge
		var props []byte
		var createdAt int64
		err := rows.Scan(&e.ID, &e.UserID, &e.SourceID, &e.TargetID, &e.EdgeType, &e.Weight, &props, &createdAt)
		if err != nil {
			return nil, pgErr("node edges", err)
		}
		e.Properties = unmarshalMeta(props)
		e.CreatedAt = fromUnix(createdAt)
		out = append(out, e)
	}
	return out, pgErr("node edges", rows.Err())
}

func (s *Store) Neighbors(ctx context.Context, userID, nodeID string, dir engram.Direction, edgeType string) ([]engram.Node, error) {
	var cond string
	switch dir {
	case engram.DirectionOut:
		cond = `(e.source_id = $2 AND n.id = e.target_id)`
	case engram.DirectionIn:
		cond = `(e.target_id = $2 AND n.id = e.source_id)`
	default:
		cond = `((e.source_id = $2 AND n.id = e.target_id) OR (e.target_id = $2 AND n.id = e.source_id))`
	}
	query := `SELECT DISTINCT n.id, n.user_id, n.label, n.node_type, n.properties, n.created_at, n.updated_at
		 FROM knowledge_edges e
		 JOIN knowledge_nodes n ON n.user_id = e.user_id AND e.user_id = $1 AND ` + cond
	args := []any{userID, nodeID}
	if edgeType != "" {
		query += ` WHERE e.edge_type = $3`
		args = append(args, edgeType)
	}
	rows, err := s.pool.Query(ctx, query+` ORDER BY n.id`, args...)
	if err != nil {
		return nil, pgErr("neighbors", err)
	}
	defer rows.Close()

	var out []engram.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, pgErr("neighbors", err)
		}
		out = append(out, n)
	}
	return out, pgErr("neighbors", rows.Err())
}

// FindPath expands the user's out-edges with a recursive CTE, tracking
// the path as a text array to avoid cycles, and returns the shortest
// path that reaches the target within maxDepth hops.
func (s *Store) FindPath(ctx context.Context, userID, fromID, toID string, maxDepth int, edgeTypes []string) ([]string, error) {
	if _, ok, err := s.GetNode(ctx, userID, fromID); err != nil || !ok {
		return nil, err
	}
	typeFilter := ``
	args := []any{userID, fromID, toID, maxDepth}
	if len(edgeTypes) > 0 {
		typeFilter = ` AND e.edge_type = ANY($5)`
		args = append(args, edgeTypes)
	}
	query := `WITH RECURSIVE walk(node_id, path, depth) AS (
			SELECT $2::text, ARRAY[$2::text], 0
			UNION ALL
			SELECT e.target_id, w.path || e.target_id, w.depth + 1
			FROM knowledge_edges e
			JOIN walk w ON e.source_id = w.node_id
			WHERE e.user_id = $1 AND w.depth < $4 AND NOT e.target_id = ANY(w.path)` + typeFilter + `
		)
		SELECT path FROM walk WHERE node_id = $3 ORDER BY depth LIMIT 1`

	var path []string
	err := s.pool.QueryRow(ctx, query, args...).Scan(&path)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pgErr("find path", err)
	}
	return path, nil
}

func (s *Store) DeleteNode(ctx context.Context, userID, id string) (bool, error) {
	// Edges cascade via the FK.
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM knowledge_nodes WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return false, pgErr("delete node", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) DeleteEdge(ctx context.Context, userID, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM knowledge_edges WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return false, pgErr("delete edge", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) GraphStats(ctx context.Context, userID string) (engram.GraphStats, error) {
	var stats engram.GraphStats
	err := s.pool.QueryRow(ctx,
		`SELECT
			(SELECT COUNT(*) FROM knowledge_nodes WHERE user_id = $1),
			(SELECT COUNT(*) FROM knowledge_edges WHERE user_id = $1),
			(SELECT COUNT(DISTINCT node_type) FROM knowledge_nodes WHERE user_id = $1),
			(SELECT COUNT(DISTINCT edge_type) FROM knowledge_edges WHERE user_id = $1)`,
		userID).
		Scan(&stats.Nodes, &stats.Edges, &stats.NodeTypes, &stats.EdgeTypes)
	if err != nil {
		return engram.GraphStats{}, pgErr("graph stats", err)
	}
	return stats, nil
}

func scanNode(row scanner) (engram.Node, error) {
	var n engram.Node
	var props []byte
	var createdAt, updatedAt int64
	err := row.Scan(&n.ID, &n.UserID, &n.Label, &n.NodeType, &props, &createdAt, &updatedAt)
	if err != nil {
		return engram.Node{}, err
	}
	n.Properties = unmarshalMeta(props)
	n.CreatedAt = fromUnix(createdAt)
	n.UpdatedAt = fromUnix(updatedAt)
	return n, nil
}
