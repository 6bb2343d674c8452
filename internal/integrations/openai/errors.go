package openai

import "fmt"

// HTTPStatusError captures non-2xx upstream responses with status-aware
// context. The provider's raw error body is preserved for server-side logs.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// CredentialError reports a missing or unreadable provider secret. This is a
// fatal misconfiguration, not a transient provider failure.
type CredentialError struct {
	Name string
	Err  error
}

func (e *CredentialError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("openai: credential %s is not configured", e.Name)
	}
	return fmt.Sprintf("openai: credential %s: %v", e.Name, e.Err)
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// Credential reports the parameter name of the missing secret. Callers can
// probe for it through a local interface instead of importing this package.
func (e *CredentialError) Credential() string {
	return e.Name
}
