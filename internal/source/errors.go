package source

import (
	"errors"
	"fmt"
)

// ErrNoAdapter is returned when no registered adapter claims a URL.
var ErrNoAdapter = errors.New("no adapter recognizes this URL")

// AuthRequiredError reports that a source demands an authenticated session
// the current cookie state does not carry. The orchestrator recovers by
// opening the interactive login flow rather than failing the task.
type AuthRequiredError struct {
	Source string
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("source %s requires authentication", e.Source)
}

// ParseError reports that a source page had an unexpected structure.
type ParseError struct {
	Source string
	URL    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: unexpected page structure at %s: %s", e.Source, e.URL, e.Reason)
}
