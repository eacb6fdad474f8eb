package openaicompat

// Option configures a chat completions request body.
type Option func(*ChatBody)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(b *ChatBody) { b.Temperature = &t }
}

// WithTopP sets the nucleus sampling parameter.
func WithTopP(p float64) Option {
	return func(b *ChatBody) { b.TopP = &p }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(b *ChatBody) { b.MaxTokens = n }
}

// WithFrequencyPenalty sets the frequency penalty.
func WithFrequencyPenalty(p float64) Option {
	return func(b *ChatBody) { b.FrequencyPenalty = &p }
}

// WithPresencePenalty sets the presence penalty.
func WithPresencePenalty(p float64) Option {
	return func(b *ChatBody) { b.PresencePenalty = &p }
}

// WithStop sets stop sequences.
func WithStop(stop ...string) Option {
	return func(b *ChatBody) { b.Stop = stop }
}

// WithSeed sets the sampling seed for providers that support it.
func WithSeed(seed int) Option {
	return func(b *ChatBody) { b.Seed = &seed }
}
