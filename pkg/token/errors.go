package token

import (
	"errors"
	"fmt"
)

// ErrInvalidToken matches every *InvalidTokenError via errors.Is.
var ErrInvalidToken = errors.New("invalid token")

// Reason identifies why a token was rejected
type Reason string

const (
	ReasonMalformed            Reason = "malformed"
	ReasonUnsupportedAlgorithm Reason = "unsupported_algorithm"
	ReasonMissingKeyID         Reason = "missing_kid"
	ReasonBadSignature         Reason = "bad_signature"
	ReasonMissingExpiry        Reason = "missing_expiry"
	ReasonExpired              Reason = "expired"
	ReasonNotYetValid          Reason = "not_yet_valid"
	ReasonWrongAudience        Reason = "wrong_audience"
	ReasonWrongIssuer          Reason = "wrong_issuer"
	ReasonMissingEmail         Reason = "missing_email"
)

// InvalidTokenError reports a token that failed parsing, signature or claim checks.
// Its message is safe to show to clients.
type InvalidTokenError struct {
	Reason Reason
	Err    error
}

func (e *InvalidTokenError) Error() string {
	return fmt.Sprintf("invalid token: %s", e.Reason)
}

func (e *InvalidTokenError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrInvalidToken
func (e *InvalidTokenError) Is(target error) bool {
	return target == ErrInvalidToken
}

func invalid(reason Reason, err error) error {
	return &InvalidTokenError{Reason: reason, Err: err}
}
