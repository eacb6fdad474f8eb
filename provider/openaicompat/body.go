package openaicompat

import (
	"encoding/base64"
	"fmt"

	"github.com/nevindra/engram"
)

// BuildBody converts engram chat messages and a model name into an
// OpenAI-format request body. System messages stay in the messages array
// as role:"system". Options configure generation parameters.
func BuildBody(messages []engram.ChatMessage, model string, opts ...Option) ChatBody {
	body := ChatBody{
		Model:    model,
		Messages: make([]Message, 0, len(messages)),
	}
	for _, m := range messages {
		body.Messages = append(body.Messages, convertMessage(m))
	}
	for _, opt := range opts {
		opt(&body)
	}
	return body
}

func convertMessage(m engram.ChatMessage) Message {
	msg := Message{Role: m.Role, Name: m.Name}
	if len(m.Parts) == 0 {
		msg.Content = m.Content
		return msg
	}
	blocks := make([]ContentBlock, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.Image != nil {
			blocks = append(blocks, ContentBlock{
				Type:     "image_url",
				ImageURL: &ImageURL{URL: imageURL(p.Image)},
			})
			continue
		}
		blocks = append(blocks, ContentBlock{Type: "text", Text: p.Text})
	}
	msg.Content = blocks
	return msg
}

// imageURL returns the image reference as either the original URL or a
// base64 data URI for inline bytes.
func imageURL(img *engram.ImageData) string {
	if img.URL != "" {
		return img.URL
	}
	mime := img.MIME
	if mime == "" {
		mime = "image/png"
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(img.Data))
}
