package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

// Getter is the parameter-retrieval interface the clients depend on.
// paramstore.Client satisfies it.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// credentials holds the two provider secrets every request needs.
type credentials struct {
	apiKey      string
	assistantID string
}

// credentialSource resolves provider secrets from the parameter store on
// first use and caches the result for the lifetime of the process.
type credentialSource struct {
	getter Getter
	prefix string

	once  sync.Once
	creds credentials
	err   error
}

func newCredentialSource(getter Getter, paramPrefix string) (*credentialSource, error) {
	if getter == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	return &credentialSource{getter: getter, prefix: paramPrefix}, nil
}

func (s *credentialSource) tokenParameterName() string {
	return s.prefix + "/open-ai-token"
}

func (s *credentialSource) assistantParameterName() string {
	return s.prefix + "/assistant-id"
}

// resolve fetches both secrets on the first call and returns the cached
// result on every subsequent call within the same process lifetime.
func (s *credentialSource) resolve(ctx context.Context) (credentials, error) {
	s.once.Do(func() {
		apiKey, err := fetchAPIKey(ctx, s.getter, s.tokenParameterName())
		if err != nil {
			s.err = err
			return
		}
		assistantID, err := fetchAssistantID(ctx, s.getter, s.assistantParameterName())
		if err != nil {
			s.err = err
			return
		}
		s.creds = credentials{apiKey: apiKey, assistantID: assistantID}
	})
	return s.creds, s.err
}

func fetchAPIKey(ctx context.Context, getter Getter, name string) (string, error) {
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", &CredentialError{Name: name, Err: fmt.Errorf("fetch from paramstore: %w", err)}
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", &CredentialError{Name: name, Err: fmt.Errorf("unmarshal token value as JSON: %w", err)}
	}
	if tp.Token == "" {
		return "", &CredentialError{Name: name}
	}
	return tp.Token, nil
}

func fetchAssistantID(ctx context.Context, getter Getter, name string) (string, error) {
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", &CredentialError{Name: name, Err: fmt.Errorf("fetch from paramstore: %w", err)}
	}
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", &CredentialError{Name: name}
	}
	return id, nil
}
