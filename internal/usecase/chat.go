package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"assistant-relay/internal/domain"
)

// Provider is the assistant protocol adapter. Both observed shapes satisfy
// it: the four-step thread/run protocol and the one-shot completion protocol.
type Provider interface {
	StartThread(ctx context.Context) (string, error)
	Respond(ctx context.Context, threadID, message string) (string, error)
}

// ThreadStore is the durable thread-mapping store consumed by the chat flow.
type ThreadStore interface {
	GetThread(ctx context.Context, userID string) (domain.ThreadRecord, bool, error)
	PutThread(ctx context.Context, rec domain.ThreadRecord) error
	AppendMessages(ctx context.Context, userID string, entries []domain.MessageEntry) error
}

// CounterStore is the per-user message counter store. Independent of the
// thread flow; only the greeting feature touches it.
type CounterStore interface {
	IncrementMessageCount(ctx context.Context, userID string) (int, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type credentialNamer interface {
	Credential() string
}

// ChatService relays user messages to the assistant provider against a
// per-user durable thread, and serves the independent greeting counter.
type ChatService struct {
	provider Provider
	threads  ThreadStore
	counters CounterStore
}

type ChatInput struct {
	UserID  string
	Message string
}

type ChatOutput struct {
	Reply    string
	ThreadID string
}

type GreetInput struct {
	UserID string
}

type GreetOutput struct {
	Reply string
	Count int
}

func NewChatService(provider Provider, threads ThreadStore, counters CounterStore) (*ChatService, error) {
	if provider == nil {
		return nil, errors.New("usecase: provider must not be nil")
	}
	if threads == nil {
		return nil, errors.New("usecase: thread store must not be nil")
	}
	if counters == nil {
		return nil, errors.New("usecase: counter store must not be nil")
	}
	return &ChatService{provider: provider, threads: threads, counters: counters}, nil
}

// Chat resolves the user's thread, relays the message, and records both sides
// of the exchange in the local message log. Every stage fails fast; no stage
// retries.
func (s *ChatService) Chat(ctx context.Context, in ChatInput) (ChatOutput, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return ChatOutput{}, newError(ErrorInvalidInput, "missing_user_id", nil)
	}
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return ChatOutput{}, newError(ErrorInvalidInput, "missing_message", nil)
	}

	threadID, err := s.resolveThread(ctx, userID)
	if err != nil {
		return ChatOutput{}, err
	}

	reply, err := s.provider.Respond(ctx, threadID, message)
	if err != nil {
		return ChatOutput{}, classifyProviderError("assistant_reply_failed", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	entries := []domain.MessageEntry{
		{Role: "user", Content: message, At: now},
		{Role: "assistant", Content: reply, At: now},
	}
	if err := s.threads.AppendMessages(ctx, userID, entries); err != nil {
		return ChatOutput{}, newError(ErrorStorage, "message_log_error", err)
	}

	return ChatOutput{Reply: reply, ThreadID: threadID}, nil
}

// Greet increments the user's message counter and returns the templated
// greeting carrying the new count.
func (s *ChatService) Greet(ctx context.Context, in GreetInput) (GreetOutput, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return GreetOutput{}, newError(ErrorInvalidInput, "missing_user_id", nil)
	}

	count, err := s.counters.IncrementMessageCount(ctx, userID)
	if err != nil {
		return GreetOutput{}, newError(ErrorStorage, "message_count_error", err)
	}

	return GreetOutput{Reply: fmt.Sprintf("hola %d", count), Count: count}, nil
}

// resolveThread returns the thread id for the user, creating and persisting
// one on first contact. The store's conditional insert closes the race
// between two concurrent first messages: the loser re-reads the winning row
// instead of leaving two divergent threads behind.
func (s *ChatService) resolveThread(ctx context.Context, userID string) (string, error) {
	rec, found, err := s.threads.GetThread(ctx, userID)
	if err != nil {
		return "", newError(ErrorStorage, "thread_lookup_error", err)
	}
	if found {
		return rec.ThreadID, nil
	}

	threadID, err := s.provider.StartThread(ctx)
	if err != nil {
		return "", classifyProviderError("thread_create_failed", err)
	}

	err = s.threads.PutThread(ctx, domain.ThreadRecord{
		UserID:    userID,
		ThreadID:  threadID,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err == nil {
		return threadID, nil
	}
	if !errors.Is(err, domain.ErrThreadExists) {
		return "", newError(ErrorStorage, "thread_insert_error", err)
	}

	// Lost the first-message race; the provider-side thread we created is
	// abandoned and the winning mapping is used instead.
	rec, found, err = s.threads.GetThread(ctx, userID)
	if err != nil {
		return "", newError(ErrorStorage, "thread_lookup_error", err)
	}
	if !found {
		return "", newError(ErrorStorage, "thread_conflict_error", errors.New("winning thread row not found after conflict"))
	}
	return rec.ThreadID, nil
}

// classifyProviderError separates misconfiguration from provider failures.
// Non-2xx provider responses and transport errors both abort the request;
// they differ only in the recorded reason.
func classifyProviderError(reason string, err error) *Error {
	var credErr credentialNamer
	if errors.As(err, &credErr) {
		return newError(ErrorConfig, "missing_credential", err)
	}
	var statusErr httpStatusCoder
	if errors.As(err, &statusErr) {
		return newError(ErrorProvider, reason, err)
	}
	return newError(ErrorProvider, reason+"_unreachable", err)
}
