package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	goopenai "github.com/sashabaranov/go-openai"
)

const defaultCompletionModel = "gpt-4o-mini"

// CompletionClient answers through the single-call chat-completion protocol.
// There is no provider-side thread in this shape: thread ids are locally
// minted and only identify the conversation mapping in durable storage.
type CompletionClient struct {
	creds      *credentialSource
	model      string
	baseURL    string
	httpClient *http.Client

	once    sync.Once
	api     *goopenai.Client
	initErr error
}

type CompletionOption func(*CompletionClient)

func WithCompletionBaseURL(baseURL string) CompletionOption {
	return func(c *CompletionClient) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithCompletionHTTPClient(httpClient *http.Client) CompletionOption {
	return func(c *CompletionClient) {
		c.httpClient = httpClient
	}
}

// NewCompletionClient creates a CompletionClient backed by the given
// paramstore Getter. The underlying SDK client is built on first use, once
// the API key has been resolved.
func NewCompletionClient(ps Getter, paramPrefix, model string, opts ...CompletionOption) (*CompletionClient, error) {
	creds, err := newCredentialSource(ps, paramPrefix)
	if err != nil {
		return nil, err
	}
	c := &CompletionClient{
		creds: creds,
		model: strings.TrimSpace(model),
	}
	if c.model == "" {
		c.model = defaultCompletionModel
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// StartThread mints a local conversation id. The completion protocol keeps no
// state at the provider, so the id never leaves this service.
func (c *CompletionClient) StartThread(_ context.Context) (string, error) {
	return uuid.NewString(), nil
}

// Respond sends the message as a one-shot chat completion and returns the
// first choice's content.
func (c *CompletionClient) Respond(ctx context.Context, _, message string) (string, error) {
	api, err := c.resolveAPI(ctx)
	if err != nil {
		return "", err
	}

	resp, err := api.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: c.model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleUser, Content: message},
		},
	})
	if err != nil {
		var apiErr *goopenai.APIError
		if errors.As(err, &apiErr) {
			return "", &HTTPStatusError{
				StatusCode: apiErr.HTTPStatusCode,
				URL:        "chat/completions",
				Body:       apiErr.Message,
			}
		}
		return "", fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in completion response")
	}
	return resp.Choices[0].Message.Content, nil
}

// resolveAPI builds the SDK client on the first call, after fetching the API
// key, and reuses it for the lifetime of the process.
func (c *CompletionClient) resolveAPI(ctx context.Context) (*goopenai.Client, error) {
	c.once.Do(func() {
		creds, err := c.creds.resolve(ctx)
		if err != nil {
			c.initErr = err
			return
		}
		cfg := goopenai.DefaultConfig(creds.apiKey)
		if c.baseURL != "" {
			cfg.BaseURL = c.baseURL
		}
		if c.httpClient != nil {
			cfg.HTTPClient = c.httpClient
		}
		c.api = goopenai.NewClientWithConfig(cfg)
	})
	return c.api, c.initErr
}
