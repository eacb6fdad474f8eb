// Package discord implements the engram Frontend over the Discord REST
// API. Messages are fetched by polling configured channels; replies are
// split at Discord's 2000-character limit along markdown block
// boundaries, never inside a fenced code block.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	engram "github.com/nevindra/engram"
)

const defaultBaseURL = "https://discord.com/api/v10"

// DefaultPollInterval is how often each channel is checked for new
// messages.
const DefaultPollInterval = 2 * time.Second

// Client implements engram.Frontend for Discord.
type Client struct {
	token    string
	channels []string
	baseURL  string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger

	// last seen message id per channel, owned by the poll goroutine
	cursor map[string]string
	isDM   map[string]bool
}

// Option configures a Client.
type Option func(*Client)

// WithChannels sets the channel ids to poll. Without it, Poll returns an
// error: the REST transport has no way to discover channels.
func WithChannels(ids ...string) Option {
	return func(c *Client) { c.channels = ids }
}

// WithPollInterval sets the per-channel poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.interval = d }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.client = h }
}

// WithBaseURL overrides the API base, for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a Discord client with the given bot token.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		token:    token,
		baseURL:  defaultBaseURL,
		interval: DefaultPollInterval,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   slog.New(slog.DiscardHandler),
		cursor:   make(map[string]string),
		isDM:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Poll starts polling the configured channels and returns the event
// channel. The channel closes when ctx is cancelled.
func (c *Client) Poll(ctx context.Context) (<-chan engram.InboundEvent, error) {
	if len(c.channels) == 0 {
		return nil, fmt.Errorf("discord: no channels configured")
	}

	// Resolve channel types up front so events carry IsDM; fetch errors
	// degrade to guild-channel semantics.
	for _, id := range c.channels {
		ch, err := c.getChannel(ctx, id)
		if err != nil {
			c.logger.Warn("channel type lookup failed", "channel", id, "error", err)
			continue
		}
		c.isDM[id] = ch.Type == channelTypeDM
	}

	out := make(chan engram.InboundEvent)
	go c.pollLoop(ctx, out)
	return out, nil
}

func (c *Client) pollLoop(ctx context.Context, out chan<- engram.InboundEvent) {
	defer close(out)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Prime the cursors so only messages arriving after startup flow.
	for _, id := range c.channels {
		if msgs, err := c.getMessages(ctx, id, ""); err == nil && len(msgs) > 0 {
			c.cursor[id] = msgs[0].ID
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, id := range c.channels {
			msgs, err := c.getMessages(ctx, id, c.cursor[id])
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("poll failed", "channel", id, "error", err)
				continue
			}
			// The API returns newest first; deliver oldest first.
			for i := len(msgs) - 1; i >= 0; i-- {
				m := msgs[i]
				c.cursor[id] = m.ID
				ev := engram.InboundEvent{
					MessageID:  m.ID,
					AuthorID:   m.Author.ID,
					ChannelID:  m.ChannelID,
					Text:       m.Content,
					IsBot:      m.Author.Bot,
					IsDM:       c.isDM[id],
					ReceivedAt: time.Now(),
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// Send posts text to a channel, splitting at the 2000-character limit
// along markdown boundaries.
func (c *Client) Send(ctx context.Context, channelID, text string) error {
	for _, chunk := range SplitMessage(text, MaxMessageLength) {
		body := map[string]any{"content": chunk}
		if err := c.post(ctx, "/channels/"+channelID+"/messages", body, nil); err != nil {
			return err
		}
	}
	return nil
}

// Typing triggers the typing indicator. Discord shows it for ~10 seconds
// or until a message arrives.
func (c *Client) Typing(ctx context.Context, channelID string) error {
	return c.post(ctx, "/channels/"+channelID+"/typing", nil, nil)
}

func (c *Client) getChannel(ctx context.Context, id string) (*Channel, error) {
	var ch Channel
	if err := c.get(ctx, "/channels/"+id, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (c *Client) getMessages(ctx context.Context, channelID, after string) ([]Message, error) {
	q := url.Values{"limit": {"100"}}
	if after != "" {
		q.Set("after", after)
	}
	var msgs []Message
	if err := c.get(ctx, "/channels/"+channelID+"/messages?"+q.Encode(), &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	return c.do(ctx, http.MethodGet, path, nil, result)
}

func (c *Client) post(ctx context.Context, path string, body, result any) error {
	return c.do(ctx, http.MethodPost, path, body, result)
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("discord: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apiError{Status: resp.StatusCode, Body: string(raw)}
	}
	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("discord: decode response: %w", err)
	}
	return nil
}

// Compile-time check that Client implements the frontend contract.
var _ engram.Frontend = (*Client)(nil)
