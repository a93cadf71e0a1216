package accuracy

import "errors"

// Error taxonomy. Callers wrap these with fmt.Errorf("...: %w", err) and
// match with errors.Is.
var (
	// ErrInvalidQuery: empty or malformed query text, rejected before scoring.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrUpstreamUnavailable: chunk store, config store or feedback sink unreachable.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrConfigConflict: a conditional promotion found a different ACTIVE version than expected.
	ErrConfigConflict = errors.New("config conflict")

	ErrInvalidFeedback   = errors.New("invalid feedback")
	ErrInvalidConfig     = errors.New("invalid config")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConfigNotFound    = errors.New("config not found")
	ErrNoActiveConfig    = errors.New("no active config")
)
