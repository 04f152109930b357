// Package provider implements the sub-model call contract: one bounded
// request to a secondary LLM, returning raw text. Quota exhaustion, timeouts
// and generic request failures are distinguishable so retry policy can
// special-case them.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

var (
	// ErrQuotaExhausted marks insufficient balance / quota conditions.
	// Retrying these wastes time and money; callers must not.
	ErrQuotaExhausted = errors.New("provider: quota or balance exhausted")

	// ErrTimeout marks a request that ran out of time.
	ErrTimeout = errors.New("provider: request timed out")
)

// Request describes one sub-model call.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int64

	// Schema, when non-nil, is attached as a strict JSON-schema response
	// format. SchemaName names it for the API.
	Schema     map[string]any
	SchemaName string
}

// Caller is the minimal sub-model transport the agent framework consumes.
type Caller interface {
	Call(ctx context.Context, req Request) (string, error)
}

// IsQuotaError reports whether err is (or wraps) quota exhaustion.
func IsQuotaError(err error) bool {
	return errors.Is(err, ErrQuotaExhausted)
}

// IsTimeoutError reports whether err is (or wraps) a timeout.
func IsTimeoutError(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// OpenAICaller talks to any OpenAI-compatible endpoint (DeepSeek and
// OpenRouter included, via base URL).
type OpenAICaller struct {
	client *openai.Client
	model  string
}

func NewOpenAICaller(apiKey, baseURL, model string) (*OpenAICaller, error) {
	if apiKey == "" {
		return nil, errors.New("provider: api key is empty")
	}
	if model == "" {
		return nil, errors.New("provider: model is empty")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAICaller{client: &client, model: model}, nil
}

func (c *OpenAICaller) Call(ctx context.Context, req Request) (string, error) {
	if c.client == nil {
		return "", errors.New("provider: client is nil")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return "", errors.New("provider: prompt is empty")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2500
	}

	items := make([]responses.ResponseInputItemUnionParam, 0, 2)
	if req.System != "" {
		items = append(items, responses.ResponseInputItemParamOfMessage(req.System, responses.EasyInputMessageRoleDeveloper))
	}
	items = append(items, responses.ResponseInputItemParamOfMessage(req.Prompt, responses.EasyInputMessageRoleUser))

	params := responses.ResponseNewParams{
		Model:           c.model,
		MaxOutputTokens: openai.Int(maxTokens),
		Temperature:     openai.Float(req.Temperature),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: items,
		},
	}
	if req.Schema != nil {
		name := req.SchemaName
		if name == "" {
			name = "Output"
		}
		params.Text = responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:   name,
					Schema: req.Schema,
					Strict: openai.Bool(true),
					Type:   "json_schema",
				},
			},
		}
	}

	resp, err := callWithRetry(ctx, c.client, params)
	if err != nil {
		return "", classifyError(err)
	}
	return resp.OutputText(), nil
}

func callWithRetry(ctx context.Context, client *openai.Client, params responses.ResponseNewParams) (*responses.Response, error) {
	const maxRetries = 3
	rateLimitWaitTimes := []time.Duration{65 * time.Second, 100 * time.Second, 135 * time.Second}
	serverErrorWaitTimes := []time.Duration{5 * time.Second, 30 * time.Second, 60 * time.Second}

	for attempt := 0; attempt < maxRetries; attempt++ {
		resp, err := client.Responses.New(ctx, params)
		if err != nil {
			if isQuotaError(err) {
				// Quota will not self-resolve inside a retry window.
				return nil, err
			}
			if isRateLimitError(err) {
				if attempt < maxRetries-1 {
					if !sleepCtx(ctx, rateLimitWaitTimes[attempt]) {
						return nil, ctx.Err()
					}
					continue
				}
			} else if isServerError(err) {
				if attempt < maxRetries-1 {
					if !sleepCtx(ctx, serverErrorWaitTimes[attempt]) {
						return nil, ctx.Err()
					}
					continue
				}
			}
			return nil, err
		}
		return resp, nil
	}
	return nil, fmt.Errorf("failed after %d attempts due to API issues", maxRetries)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func classifyError(err error) error {
	switch {
	case err == nil:
		return nil
	case isQuotaError(err):
		return fmt.Errorf("%w: %v", ErrQuotaExhausted, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return err
	}
}

func isQuotaError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "402") ||
		strings.Contains(errStr, "insufficient balance") ||
		strings.Contains(errStr, "insufficient_quota") ||
		strings.Contains(errStr, "exceeded your current quota")
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests")
}

func isServerError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "server_error")
}
