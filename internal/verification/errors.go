package verification

import "errors"

// ValidationError marks caller input that can never succeed as sent (HTTP 400).
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

var (
	ErrInvalidPhone      = &ValidationError{Field: "phone", Reason: "must contain 10 to 15 digits"}
	ErrInvalidWebhookURL = &ValidationError{Field: "webhook_url", Reason: "must be an https URL"}

	// ErrSessionNotFound is returned for unknown or purged tokens (HTTP 404).
	ErrSessionNotFound = errors.New("verification session not found")
)

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
