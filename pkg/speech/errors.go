package speech

import "fmt"

// Kind classifies a failed speech service call so the session layer can
// decide what to tell the satellite.
type Kind int

const (
	// KindUnreachable covers network failures and timeouts reaching the
	// speech service.
	KindUnreachable Kind = iota
	// KindAuthRejected means the service refused the configured token.
	KindAuthRejected
	// KindMalformedAudio means the service rejected the submitted audio.
	KindMalformedAudio
	// KindBackend covers server-side failures and unusable responses.
	KindBackend
)

func (k Kind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindAuthRejected:
		return "auth_rejected"
	case KindMalformedAudio:
		return "malformed_audio"
	case KindBackend:
		return "backend"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the failure type for both transcription and synthesis calls.
type Error struct {
	Kind Kind
	Op   string // "transcribe" or "synthesize"
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("speech %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
