package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestAssistantClient(t *testing.T, srv *httptest.Server) *AssistantClient {
	t.Helper()
	c, err := NewAssistantClient(
		defaultGetter(),
		"/relay",
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
		WithPollInterval(time.Millisecond),
		WithMaxPollAttempts(10),
	)
	require.NoError(t, err)
	return c
}

// assistantServer scripts the four-step provider protocol. pollStatuses are
// served in order on run-status reads; the last one repeats.
type assistantServer struct {
	t            *testing.T
	runStatus    string
	pollStatuses []string
	polls        atomic.Int64
	messagePosts atomic.Int64
}

func (s *assistantServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(s.t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.Equal(s.t, "assistants=v2", r.Header.Get("OpenAI-Beta"))

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/threads":
			fmt.Fprint(w, `{"id":"thread-abc"}`)
		case r.Method == http.MethodPost && r.URL.Path == "/threads/thread-abc/messages":
			s.messagePosts.Add(1)
			fmt.Fprint(w, `{"id":"msg-1"}`)
		case r.Method == http.MethodPost && r.URL.Path == "/threads/thread-abc/runs":
			fmt.Fprintf(w, `{"id":"run-1","status":%q}`, s.runStatus)
		case r.Method == http.MethodGet && r.URL.Path == "/threads/thread-abc/runs/run-1":
			idx := int(s.polls.Add(1)) - 1
			if idx >= len(s.pollStatuses) {
				idx = len(s.pollStatuses) - 1
			}
			fmt.Fprintf(w, `{"id":"run-1","status":%q}`, s.pollStatuses[idx])
		case r.Method == http.MethodGet && r.URL.Path == "/threads/thread-abc/messages":
			require.Equal(s.t, "desc", r.URL.Query().Get("order"))
			fmt.Fprint(w, `{"data":[
				{"role":"assistant","content":[{"type":"text","text":{"value":"Hello from the assistant"}}]},
				{"role":"user","content":[{"type":"text","text":{"value":"hello"}}]}
			]}`)
		default:
			s.t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func TestNewAssistantClient_Validation(t *testing.T) {
	_, err := NewAssistantClient(nil, "/relay")
	require.Error(t, err)

	_, err = NewAssistantClient(defaultGetter(), "")
	require.Error(t, err)
}

func TestStartThread_HappyPath(t *testing.T) {
	script := &assistantServer{t: t}
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	c := newTestAssistantClient(t, srv)
	id, err := c.StartThread(context.Background())
	require.NoError(t, err)
	require.Equal(t, "thread-abc", id)
}

func TestStartThread_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"upstream exploded"}}`)
	}))
	defer srv.Close()

	c := newTestAssistantClient(t, srv)
	_, err := c.StartThread(context.Background())

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusInternalServerError, statusErr.HTTPStatusCode())
	require.Contains(t, statusErr.Body, "upstream exploded")
}

func TestStartThread_MissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	c := newTestAssistantClient(t, srv)
	_, err := c.StartThread(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing id")
}

func TestRespond_PollsRunToCompletion(t *testing.T) {
	script := &assistantServer{t: t, runStatus: "queued", pollStatuses: []string{"in_progress", "completed"}}
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	c := newTestAssistantClient(t, srv)
	reply, err := c.Respond(context.Background(), "thread-abc", "hello")
	require.NoError(t, err)
	require.Equal(t, "Hello from the assistant", reply)
	require.Equal(t, int64(1), script.messagePosts.Load())
	require.Equal(t, int64(2), script.polls.Load(), "messages must not be read before the run completes")
}

func TestRespond_RunAlreadyCompleted(t *testing.T) {
	script := &assistantServer{t: t, runStatus: "completed"}
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	c := newTestAssistantClient(t, srv)
	reply, err := c.Respond(context.Background(), "thread-abc", "hello")
	require.NoError(t, err)
	require.Equal(t, "Hello from the assistant", reply)
	require.Zero(t, script.polls.Load())
}

func TestRespond_RunFails(t *testing.T) {
	script := &assistantServer{t: t, runStatus: "queued", pollStatuses: []string{"failed"}}
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	c := newTestAssistantClient(t, srv)
	_, err := c.Respond(context.Background(), "thread-abc", "hello")
	require.Error(t, err)
	require.Contains(t, err.Error(), `status "failed"`)
}

func TestRespond_PollBudgetExhausted(t *testing.T) {
	script := &assistantServer{t: t, runStatus: "queued", pollStatuses: []string{"in_progress"}}
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	c, err := NewAssistantClient(
		defaultGetter(),
		"/relay",
		WithBaseURL(srv.URL),
		WithPollInterval(time.Millisecond),
		WithMaxPollAttempts(2),
	)
	require.NoError(t, err)

	_, err = c.Respond(context.Background(), "thread-abc", "hello")
	require.Error(t, err)
	require.Contains(t, err.Error(), "did not complete")
}

func TestRespond_EmptyThreadID(t *testing.T) {
	c, err := NewAssistantClient(defaultGetter(), "/relay")
	require.NoError(t, err)

	_, err = c.Respond(context.Background(), "", "hello")
	require.Error(t, err)
}

func TestRespond_MissingCredential(t *testing.T) {
	g := &fakeGetter{err: errors.New("ssm unavailable")}
	c, err := NewAssistantClient(g, "/relay")
	require.NoError(t, err)

	_, err = c.Respond(context.Background(), "thread-abc", "hello")

	var credErr *CredentialError
	require.ErrorAs(t, err, &credErr)
}

func TestCredentialsResolvedOncePerProcess(t *testing.T) {
	script := &assistantServer{t: t}
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	g := defaultGetter()
	c, err := NewAssistantClient(g, "/relay", WithBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = c.StartThread(context.Background())
	require.NoError(t, err)
	_, err = c.StartThread(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, g.calls, "one fetch per secret, ever")
}
