package fetch

import (
	"bytes"
	"errors"
	"fmt"
)

// challengeMarkers are body fragments that identify a bot-wall interstitial.
// Matched case-insensitively; many walls serve these with HTTP 200, so the
// body scan is mandatory even on success statuses.
var challengeMarkers = [][]byte{
	[]byte("just a moment"),
	[]byte("checking your browser"),
	[]byte("attention required"),
	[]byte("challenge-form"),
	[]byte("cf-chl"),
	[]byte("verify you are human"),
}

// IsChallengeBody reports whether the body contains a known challenge marker.
func IsChallengeBody(body []byte) bool {
	lower := bytes.ToLower(body)
	for _, m := range challengeMarkers {
		if bytes.Contains(lower, m) {
			return true
		}
	}
	return false
}

// ErrChallenge is wrapped by ChallengeError and usable with errors.Is.
var ErrChallenge = errors.New("challenge detected")

// ChallengeError reports that a bot wall blocked the request and no strategy
// in the chain got past it.
type ChallengeError struct {
	URL string
}

func (e *ChallengeError) Error() string {
	return fmt.Sprintf("challenge detected at %s", e.URL)
}

func (e *ChallengeError) Unwrap() error { return ErrChallenge }

// NetworkError reports an ordinary transport or status failure with no
// recognizable challenge.
type NetworkError struct {
	URL    string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("request to %s failed with status %d", e.URL, e.Status)
}

func (e *NetworkError) Unwrap() error { return e.Err }
