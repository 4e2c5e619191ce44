// ABOUTME: Error taxonomy for turns and the user-facing text of error envelopes
// ABOUTME: Recognizes upstream rate limits from status codes and message text

package chat

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

var (
	// ErrValidation is returned before any side effect when a request is incomplete.
	ErrValidation = errors.New("validation failed")
	// ErrUpstream wraps failures of the primary agent.
	ErrUpstream = errors.New("upstream agent failure")
)

// RateLimitError reports that the upstream model throttled the request.
type RateLimitError struct {
	// RetryAfter is the suggested wait in seconds; zero when unknown.
	RetryAfter int
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limit exceeded, retry after %ds: %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limit exceeded: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

var retryAfterPattern = regexp.MustCompile(`Try again in (\d+) seconds`)

const rateLimitMarker = "Rate limit is exceeded"

// classifyUpstream wraps an agent failure as RateLimitError or ErrUpstream.
func classifyUpstream(err error) error {
	if err == nil {
		return nil
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return err
	}

	msg := err.Error()
	throttled := strings.Contains(msg, rateLimitMarker)

	var oaErr *openai.Error
	if errors.As(err, &oaErr) && oaErr.StatusCode == http.StatusTooManyRequests {
		throttled = true
	}
	var anErr *anthropic.Error
	if errors.As(err, &anErr) && anErr.StatusCode == http.StatusTooManyRequests {
		throttled = true
	}

	if throttled {
		rl := &RateLimitError{Err: err}
		if m := retryAfterPattern.FindStringSubmatch(msg); m != nil {
			rl.RetryAfter, _ = strconv.Atoi(m[1])
		}
		return rl
	}
	if errors.Is(err, ErrUpstream) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUpstream, err)
}

// UserMessage is the text placed in an error envelope for err. Upstream
// detail is logged, never shown.
func UserMessage(err error) string {
	var rl *RateLimitError
	switch {
	case errors.As(err, &rl):
		retry := "sometime"
		if rl.RetryAfter > 0 {
			retry = fmt.Sprintf("%d seconds", rl.RetryAfter)
		}
		return fmt.Sprintf("Rate limit is exceeded. Try again in %s.", retry)
	case errors.Is(err, ErrUpstream):
		return "An error occurred. Please try again later."
	default:
		return "An error occurred while processing the request."
	}
}
