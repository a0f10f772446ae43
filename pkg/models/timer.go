package models

// TimerKind distinguishes the hard channel-imposed reply window from the
// soft operational response target.
type TimerKind string

const (
	// ReplyWindow is a channel-mandated deadline; once breached, outbound
	// dispatch on that channel fails fast instead of attempting delivery.
	ReplyWindow TimerKind = "REPLY_WINDOW"
	// ResponseSLA is the internal response-time target; breach escalates
	// the thread's visibility, never its dispatch eligibility.
	ResponseSLA TimerKind = "RESPONSE_SLA"
)

// TimerState is the lifecycle of an SLA timer.
type TimerState string

const (
	TimerActive    TimerState = "ACTIVE"
	TimerBreached  TimerState = "BREACHED"
	TimerCancelled TimerState = "CANCELLED"
)

// SLATimer is keyed per thread per kind; a thread may track a hard
// REPLY_WINDOW and a soft RESPONSE_SLA concurrently with independent
// deadlines and consequences.
type SLATimer struct {
	Thread string    `json:"thread"`
	Kind   TimerKind `json:"kind"`
	// Deadline (ns), derived from ingress receipt time.
	Deadline int64      `json:"deadline"`
	State    TimerState `json:"state"`
	// ArmedTS records when the timer was last (re)armed (ns).
	ArmedTS int64 `json:"armed_ts,omitempty"`
}
