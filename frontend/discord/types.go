package discord

import "fmt"

// Channel types from the Discord API. Only the DM distinction matters
// here.
const (
	channelTypeDM = 1
)

// User is a Discord user object.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot,omitempty"`
}

// Message is a Discord message object, trimmed to the fields the gateway
// consumes.
type Message struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Author    User   `json:"author"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// Channel is a Discord channel object.
type Channel struct {
	ID   string `json:"id"`
	Type int    `json:"type"`
}

// apiError is a non-2xx response from the Discord REST API.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("discord: HTTP %d: %s", e.Status, e.Body)
}
