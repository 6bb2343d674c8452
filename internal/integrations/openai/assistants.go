package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"assistant-relay/internal/domain"
)

const (
	defaultPollInterval    = 500 * time.Millisecond
	defaultMaxPollAttempts = 30

	runStatusCompleted = "completed"
)

// terminalFailureStatuses are run states that can never produce a reply.
var terminalFailureStatuses = map[string]bool{
	"failed":          true,
	"cancelled":       true,
	"expired":         true,
	"requires_action": true,
	"incomplete":      true,
}

// createThreadResponse is the minimal response shape of the Threads endpoint.
type createThreadResponse struct {
	ID string `json:"id"`
}

// runRequest is the request shape for triggering an assistant run.
type runRequest struct {
	AssistantID string `json:"assistant_id"`
}

// runResponse is the minimal run shape used for trigger and status polling.
type runResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	LastError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error"`
}

// listMessagesResponse is the minimal response shape of the thread message
// list. Content is an array of typed parts; only text parts carry the reply.
type listMessagesResponse struct {
	Data []struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text struct {
				Value string `json:"value"`
			} `json:"text"`
		} `json:"content"`
	} `json:"data"`
}

// AssistantClient drives the four-step Assistants protocol: create thread,
// post message, trigger run, read the reply. Runs are polled to a terminal
// state before messages are read, so the reply is always the finished one.
type AssistantClient struct {
	baseURL         string
	httpClient      *http.Client
	creds           *credentialSource
	pollInterval    time.Duration
	maxPollAttempts int
}

type Option func(*AssistantClient)

func WithBaseURL(baseURL string) Option {
	return func(c *AssistantClient) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *AssistantClient) {
		c.httpClient = httpClient
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(c *AssistantClient) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

func WithMaxPollAttempts(n int) Option {
	return func(c *AssistantClient) {
		if n > 0 {
			c.maxPollAttempts = n
		}
	}
}

// NewAssistantClient creates an AssistantClient backed by the given
// paramstore Getter. Secrets are fetched on the first provider call and
// reused for the lifetime of the process.
func NewAssistantClient(ps Getter, paramPrefix string, opts ...Option) (*AssistantClient, error) {
	creds, err := newCredentialSource(ps, paramPrefix)
	if err != nil {
		return nil, err
	}
	c := &AssistantClient{
		baseURL:         "https://api.openai.com/v1",
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		creds:           creds,
		pollInterval:    defaultPollInterval,
		maxPollAttempts: defaultMaxPollAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolvedHTTPClient returns the configured HTTP client, or a default with a
// 10s timeout if none was set (e.g. in tests that nil out the field).
func (c *AssistantClient) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (c *AssistantClient) apiBase() string {
	base := strings.TrimRight(c.baseURL, "/")
	if base == "" {
		return "https://api.openai.com/v1"
	}
	return base
}

// StartThread creates a new provider thread and returns its id.
func (c *AssistantClient) StartThread(ctx context.Context) (string, error) {
	creds, err := c.creds.resolve(ctx)
	if err != nil {
		return "", err
	}

	raw, err := c.doJSON(ctx, http.MethodPost, c.apiBase()+"/threads", creds.apiKey, struct{}{})
	if err != nil {
		return "", fmt.Errorf("openai: create thread: %w", err)
	}

	var payload createThreadResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return "", fmt.Errorf("openai: decode thread response: %w", decErr)
	}
	if payload.ID == "" {
		return "", errors.New("openai: thread response missing id")
	}
	return payload.ID, nil
}

// Respond posts the user message to the thread, triggers an assistant run,
// waits for it to finish, and returns the assistant's reply text.
func (c *AssistantClient) Respond(ctx context.Context, threadID, message string) (string, error) {
	if threadID == "" {
		return "", errors.New("openai: thread id must not be empty")
	}

	creds, err := c.creds.resolve(ctx)
	if err != nil {
		return "", err
	}
	base := c.apiBase()

	_, err = c.doJSON(ctx, http.MethodPost, base+"/threads/"+threadID+"/messages", creds.apiKey, domain.ChatMessage{
		Role:    "user",
		Content: message,
	})
	if err != nil {
		return "", fmt.Errorf("openai: post message: %w", err)
	}

	raw, err := c.doJSON(ctx, http.MethodPost, base+"/threads/"+threadID+"/runs", creds.apiKey, runRequest{
		AssistantID: creds.assistantID,
	})
	if err != nil {
		return "", fmt.Errorf("openai: trigger run: %w", err)
	}
	var run runResponse
	if decErr := json.Unmarshal(raw, &run); decErr != nil {
		return "", fmt.Errorf("openai: decode run response: %w", decErr)
	}
	if run.ID == "" {
		return "", errors.New("openai: run response missing id")
	}

	if err := c.awaitRun(ctx, base, threadID, creds.apiKey, run); err != nil {
		return "", err
	}

	return c.latestAssistantReply(ctx, base, threadID, creds.apiKey)
}

// awaitRun polls the run until it completes, fails terminally, or the
// attempt budget runs out.
func (c *AssistantClient) awaitRun(ctx context.Context, base, threadID, apiKey string, run runResponse) error {
	status := run.Status
	for attempt := 0; ; attempt++ {
		if status == runStatusCompleted {
			return nil
		}
		if terminalFailureStatuses[status] {
			return fmt.Errorf("openai: run %s ended in status %q%s", run.ID, status, runLastError(run))
		}
		if attempt >= c.maxPollAttempts {
			return fmt.Errorf("openai: run %s did not complete after %d polls", run.ID, c.maxPollAttempts)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("openai: await run: %w", ctx.Err())
		case <-time.After(c.pollInterval):
		}

		raw, err := c.doJSON(ctx, http.MethodGet, base+"/threads/"+threadID+"/runs/"+run.ID, apiKey, nil)
		if err != nil {
			return fmt.Errorf("openai: poll run: %w", err)
		}
		if decErr := json.Unmarshal(raw, &run); decErr != nil {
			return fmt.Errorf("openai: decode run status: %w", decErr)
		}
		status = run.Status
	}
}

func runLastError(run runResponse) string {
	if run.LastError == nil {
		return ""
	}
	return fmt.Sprintf(": %s (%s)", run.LastError.Message, run.LastError.Code)
}

// latestAssistantReply reads the thread's messages newest-first and returns
// the text of the most recent assistant message.
func (c *AssistantClient) latestAssistantReply(ctx context.Context, base, threadID, apiKey string) (string, error) {
	raw, err := c.doJSON(ctx, http.MethodGet, base+"/threads/"+threadID+"/messages?order=desc&limit=20", apiKey, nil)
	if err != nil {
		return "", fmt.Errorf("openai: list messages: %w", err)
	}

	var payload listMessagesResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return "", fmt.Errorf("openai: decode message list: %w", decErr)
	}
	for _, msg := range payload.Data {
		if msg.Role != "assistant" {
			continue
		}
		for _, part := range msg.Content {
			if part.Type == "text" {
				return part.Text.Value, nil
			}
		}
	}
	return "", errors.New("openai: no assistant reply in thread")
}

// doJSON sends one authenticated JSON request and returns the raw body.
// Non-2xx responses become HTTPStatusError with the provider's error body.
func (c *AssistantClient) doJSON(ctx context.Context, method, url, apiKey string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("OpenAI-Beta", "assistants=v2")

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
