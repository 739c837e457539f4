package authflow

import "fmt"

// TokenExchangeError reports a failed code-for-token exchange. Body holds the
// provider's response for logs only; Error never includes it.
type TokenExchangeError struct {
	Status int
	Body   string
	Reason string
	Err    error
}

func (e *TokenExchangeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("token exchange failed with status %d", e.Status)
	}
	return fmt.Sprintf("token exchange failed: %s", e.Reason)
}

func (e *TokenExchangeError) Unwrap() error {
	return e.Err
}
