// Package llm defines the callable contract the engine consumes and the
// built-in implementations behind it. The core never assumes a network
// transport: an echo implementation that returns a fixed patch works
// end-to-end.
package llm

import (
	"context"
	"os"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/openevolve/openevolve-go/pkg/config"
	"github.com/openevolve/openevolve-go/pkg/errors"
)

// Func is the single entry point the engine calls per slot.
type Func func(ctx context.Context, prompt string) (string, error)

// Echo returns a Func that ignores the prompt and replies with a fixed
// body. Used by tests and by "echo" mode configs.
func Echo(response string) Func {
	return func(ctx context.Context, prompt string) (string, error) {
		if err := errors.CheckContext(ctx, "llm call"); err != nil {
			return "", err
		}
		return response, nil
	}
}

// WithTimeout bounds each call. Deadline expiry maps to LLMTimeout so the
// slot is recorded as rejected with error "llm_timeout".
func WithTimeout(fn Func, timeout time.Duration) Func {
	return func(ctx context.Context, prompt string) (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		text, err := fn(callCtx, prompt)
		if err != nil {
			if callCtx.Err() == context.DeadlineExceeded {
				return "", errors.New(errors.LLMTimeout, "llm call timed out")
			}
			return "", err
		}
		return text, nil
	}
}

// NewOpenAI builds a Func against an OpenAI-compatible chat completion
// endpoint.
func NewOpenAI(cfg config.LLMConfig) (Func, error) {
	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	client := openai.NewClientWithConfig(clientCfg)

	model := cfg.Model
	if model == "" {
		return nil, errors.New(errors.ConfigError, "llm.model is required in openai mode")
	}

	return func(ctx context.Context, prompt string) (string, error) {
		resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       model,
			Temperature: float32(cfg.Temperature),
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
		})
		if err != nil {
			return "", errors.Wrap(err, errors.LLMError, "chat completion failed")
		}
		if len(resp.Choices) == 0 {
			return "", errors.New(errors.LLMError, "chat completion returned no choices")
		}
		return resp.Choices[0].Message.Content, nil
	}, nil
}

// FromConfig resolves the configured mode into a timeout-wrapped Func.
func FromConfig(cfg config.LLMConfig) (Func, error) {
	var fn Func
	switch cfg.Mode {
	case "echo":
		fn = Echo(`{"diffs": []}`)
	case "openai":
		var err error
		fn, err = NewOpenAI(cfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.WithFields(
			errors.New(errors.ConfigError, "unknown llm mode"),
			errors.Fields{"mode": cfg.Mode},
		)
	}
	return WithTimeout(fn, time.Duration(cfg.TimeoutS)*time.Second), nil
}
