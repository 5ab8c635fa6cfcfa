package provider

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// GenkitDriver serves one provider/model pair through a shared Genkit
// instance. One Genkit instance carries all provider plugins, so both sides
// of a conversation can talk to different backends while sharing transport
// setup, tracing and credentials handling.
type GenkitDriver struct {
	g        *genkit.Genkit
	provider string // genkit plugin prefix, e.g. "googleai"
	model    string // bare model name, e.g. "gemini-2.5-flash"
	logger   *slog.Logger
}

// NewGenkitDriver creates a driver bound to one provider-qualified model.
func NewGenkitDriver(g *genkit.Genkit, providerName, model string, logger *slog.Logger) *GenkitDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &GenkitDriver{g: g, provider: providerName, model: model, logger: logger}
}

// Name returns the provider identifier this driver serves.
func (d *GenkitDriver) Name() string { return d.provider }

// modelName returns the provider-qualified model name for Genkit.
func (d *GenkitDriver) modelName() string {
	return d.provider + "/" + d.model
}

// Chat produces a complete response and the backend's total token count.
func (d *GenkitDriver) Chat(ctx context.Context, messages []Message, temperature float32) (string, int, error) {
	resp, err := d.generate(ctx, messages, temperature, nil)
	if err != nil {
		return "", 0, err
	}
	return resp.Text(), usageTokens(resp), nil
}

// StreamChat produces a lazy chunk stream; generation runs in a background
// goroutine paced by the consumer (the chunk channel is unbuffered). Token
// usage is published through the stream once generation finishes.
func (d *GenkitDriver) StreamChat(ctx context.Context, messages []Message, temperature float32) (*Stream, error) {
	if len(messages) == 0 {
		return nil, ErrEmptyPrompt
	}

	stream, push, finish := NewStream()

	go func() {
		cb := func(ctx context.Context, chunk *ai.ModelResponseChunk) error {
			return push(ctx, chunk.Text())
		}
		resp, err := d.generate(ctx, messages, temperature, cb)
		if err != nil {
			finish(0, err)
			return
		}
		finish(usageTokens(resp), nil)
	}()

	return stream, nil
}

// generate runs one Genkit generation, retrying exactly once without the
// temperature parameter when the backend rejects it. Errors are classified
// so transient failures carry ErrTransient.
func (d *GenkitDriver) generate(ctx context.Context, messages []Message, temperature float32, cb ai.ModelStreamCallback) (*ai.ModelResponse, error) {
	if len(messages) == 0 {
		return nil, ErrEmptyPrompt
	}

	base := []ai.GenerateOption{
		ai.WithModelName(d.modelName()),
		ai.WithMessages(toGenkitMessages(messages)...),
	}
	var pushed bool
	if cb != nil {
		inner := cb
		base = append(base, ai.WithStreaming(func(ctx context.Context, chunk *ai.ModelResponseChunk) error {
			pushed = true
			return inner(ctx, chunk)
		}))
	}

	opts := append([]ai.GenerateOption{}, base...)
	opts = append(opts, ai.WithConfig(&ai.GenerationCommonConfig{
		Temperature: float64(temperature),
	}))

	resp, err := genkit.Generate(ctx, d.g, opts...)
	if err != nil && canRetryWithoutTemperature(err, pushed) {
		// Fixed-temperature model: drop the parameter and retry once.
		d.logger.Debug("temperature rejected, retrying without it",
			"model", d.modelName())
		resp, err = genkit.Generate(ctx, d.g, base...)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("generate with %s: %w", d.modelName(), err))
	}
	return resp, nil
}

// toGenkitMessages converts the driver message list to Genkit messages.
func toGenkitMessages(messages []Message) []*ai.Message {
	out := make([]*ai.Message, len(messages))
	for i, m := range messages {
		role := ai.RoleUser
		switch m.Role {
		case RoleSystem:
			role = ai.RoleSystem
		case RoleAssistant:
			role = ai.RoleModel
		case RoleUser:
			role = ai.RoleUser
		}
		out[i] = &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(m.Content)},
		}
	}
	return out
}

// usageTokens extracts the total token count, 0 when the backend reports none.
func usageTokens(resp *ai.ModelResponse) int {
	if resp == nil || resp.Usage == nil {
		return 0
	}
	return resp.Usage.TotalTokens
}
