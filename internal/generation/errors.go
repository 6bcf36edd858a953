package generation

import "errors"

var (
	ErrEmptyTopic      = errors.New("topic is empty")
	ErrBusy            = errors.New("generation capacity exhausted")
	ErrSessionNotFound = errors.New("session not found")
	// ErrSuperseded is returned to a caller whose run was replaced by a newer
	// StartGeneration on the same session before its outline was applied.
	ErrSuperseded = errors.New("generation superseded by a newer request")
)

// User-facing messages stored on the session.
const (
	OutlineFailureMessage    = "Failed to create the e-book plan. Try a different or more specific topic."
	MissingCredentialMessage = "API key not found. Set the API key environment variable to generate e-books."
	StoppedMessage           = "Generation stopped before every chapter was written. Start again to finish the book."
)

// ConfigError reports a missing or unusable setting that prevents generation.
type ConfigError struct {
	Key string
}

func (e *ConfigError) Error() string { return "missing configuration: " + e.Key }
