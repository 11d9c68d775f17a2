// Package claude adapts the Anthropic Messages API to completion.Completer.
package claude

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"socratic-tutor/internal/completion"
	"socratic-tutor/internal/domain"
	"socratic-tutor/internal/integrations/paramstore"
)

const (
	defaultModel      = string(sdk.ModelClaudeHaiku4_5)
	defaultMaxTokens  = 1024
	defaultMaxRetries = 2
)

// StatusError carries the upstream HTTP status of a failed Messages call.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("claude: unexpected status %d: %v", e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

func (e *StatusError) HTTPStatusCode() int { return e.StatusCode }

// Client is a completion.Completer backed by the Anthropic SDK.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	maxRetries  int
	getter      paramstore.Getter
	paramPrefix string

	mu     sync.Mutex
	apiKey string
	model  string
	api    *sdk.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithMaxRetries overrides the SDK retry count for 429 and 5xx responses.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = strings.TrimSpace(key)
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		c.model = strings.TrimSpace(model)
	}
}

// WithParamStore resolves the API key from <prefix>/anthropic-token on first use.
func WithParamStore(getter paramstore.Getter, prefix string) Option {
	return func(c *Client) {
		c.getter = getter
		c.paramPrefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	}
}

func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: defaultMaxRetries,
		model:      defaultModel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.apiKey == "" && c.getter == nil {
		return nil, errors.New("claude: an API key or a paramstore getter is required")
	}
	if c.getter != nil && c.paramPrefix == "" {
		return nil, errors.New("claude: parameter prefix must not be empty")
	}
	if c.model == "" {
		c.model = defaultModel
	}
	return c, nil
}

// client builds the SDK client once the key is known. A failed key fetch is
// retried on the next call.
func (c *Client) client(ctx context.Context) (*sdk.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil {
		return c.api, nil
	}
	if c.apiKey == "" {
		key, err := paramstore.FetchToken(ctx, c.getter, c.paramPrefix+"/anthropic-token")
		if err != nil {
			return nil, fmt.Errorf("claude: %w", err)
		}
		c.apiKey = key
	}

	opts := []option.RequestOption{
		option.WithAPIKey(c.apiKey),
		option.WithMaxRetries(c.maxRetries),
	}
	if c.httpClient != nil {
		opts = append(opts, option.WithHTTPClient(c.httpClient))
	}
	if c.baseURL != "" {
		opts = append(opts, option.WithBaseURL(c.baseURL))
	}
	client := sdk.NewClient(opts...)
	c.api = &client
	return c.api, nil
}

// Complete sends one Messages request and returns the concatenated text blocks.
func (c *Client) Complete(ctx context.Context, req completion.Request) (string, error) {
	client, err := c.client(ctx)
	if err != nil {
		return "", err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := sdk.MessageNewParams{
		Model:       sdk.Model(c.model),
		MaxTokens:   int64(maxTokens),
		Messages:    toMessageParams(req.Messages),
		Temperature: sdk.Float(req.Temperature),
	}
	if system := systemPrompt(req); system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			return "", &StatusError{StatusCode: apiErr.StatusCode, Err: err}
		}
		return "", fmt.Errorf("claude: request failed: %w", err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if b, ok := block.AsAny().(sdk.TextBlock); ok {
			out.WriteString(b.Text)
		}
	}
	if out.Len() == 0 {
		return "", errors.New("claude: no text content in response")
	}
	return out.String(), nil
}

// systemPrompt folds JSON mode into the system prompt since the Messages API
// has no response_format switch.
func systemPrompt(req completion.Request) string {
	system := strings.TrimSpace(req.SystemPrompt)
	if !req.JSONMode && req.Schema == nil {
		return system
	}
	parts := []string{}
	if system != "" {
		parts = append(parts, system)
	}
	parts = append(parts, "Respond with a single JSON object and nothing else. Do not wrap it in code fences.")
	if req.Schema != nil && len(req.Schema.Definition) > 0 {
		parts = append(parts, "The object must validate against this JSON schema:\n"+string(req.Schema.Definition))
	}
	return strings.Join(parts, "\n\n")
}

// toMessageParams drops system turns and merges consecutive turns from the
// same role, which the Messages API rejects.
func toMessageParams(messages []domain.ChatMessage) []sdk.MessageParam {
	type turn struct {
		role domain.Role
		text []string
	}
	var turns []turn
	for _, msg := range messages {
		if msg.Role != domain.RoleUser && msg.Role != domain.RoleAssistant {
			continue
		}
		if n := len(turns); n > 0 && turns[n-1].role == msg.Role {
			turns[n-1].text = append(turns[n-1].text, msg.Content)
			continue
		}
		turns = append(turns, turn{role: msg.Role, text: []string{msg.Content}})
	}

	out := make([]sdk.MessageParam, 0, len(turns))
	for _, t := range turns {
		block := sdk.NewTextBlock(strings.Join(t.text, "\n\n"))
		if t.role == domain.RoleUser {
			out = append(out, sdk.NewUserMessage(block))
		} else {
			out = append(out, sdk.NewAssistantMessage(block))
		}
	}
	return out
}
