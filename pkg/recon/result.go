package recon

import "net/http"

// Stage is the last pipeline stage an event completed
type Stage int

const (
	StageReceived Stage = iota
	StageVerified
	StageRouted
	StageApplied
)

func (s Stage) String() string {
	switch s {
	case StageReceived:
		return "received"
	case StageVerified:
		return "verified"
	case StageRouted:
		return "routed"
	case StageApplied:
		return "applied"
	default:
		return "unknown"
	}
}

// Outcome is the terminal disposition of one event
type Outcome string

const (
	OutcomeApplied             Outcome = "applied"
	OutcomeAppliedWithWarnings Outcome = "applied_with_warnings"
	OutcomeDuplicate           Outcome = "duplicate"
	OutcomeIgnored             Outcome = "ignored"
	OutcomeRejected            Outcome = "rejected"
	OutcomeFailed              Outcome = "failed"
)

// Result is the tagged outcome of running one event through the engine.
type Result struct {
	Stage     Stage
	Outcome   Outcome
	Kind      ErrorKind
	EventID   string
	EventType EventType

	// SideEffects counts ledger writes durably committed for this delivery.
	SideEffects int
	Warnings    []string
	Err         error
}

// Clean reports whether the event needs no operator attention
func (r Result) Clean() bool {
	switch r.Outcome {
	case OutcomeApplied, OutcomeDuplicate:
		return true
	case OutcomeIgnored:
		return r.Kind == KindNone || r.Kind == KindUnknownEventType
	default:
		return false
	}
}

// Retryable reports whether the processor should redeliver the event.
// Only a transient failure that committed nothing asks for a retry.
func (r Result) Retryable() bool {
	return r.Outcome == OutcomeFailed && r.Kind == KindTransientStore && r.SideEffects == 0
}

// StatusCode maps the result to the HTTP status returned to the processor
func (r Result) StatusCode() int {
	switch {
	case r.Kind == KindVerification:
		return http.StatusBadRequest
	case r.Retryable():
		return http.StatusServiceUnavailable
	default:
		return http.StatusOK
	}
}

// AckBody is the JSON body returned to the processor
type AckBody struct {
	Received bool   `json:"received"`
	Error    string `json:"error,omitempty"`
}

// Acknowledge returns the status code and body for a result
func Acknowledge(r Result) (int, AckBody) {
	status := r.StatusCode()
	switch status {
	case http.StatusBadRequest:
		return status, AckBody{Error: "invalid signature"}
	case http.StatusServiceUnavailable:
		return status, AckBody{Error: "temporarily unavailable"}
	default:
		return status, AckBody{Received: true}
	}
}
