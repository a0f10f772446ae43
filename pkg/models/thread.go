package models

// ThreadStatus is the single open status of a thread.
type ThreadStatus string

const (
	ThreadOpen      ThreadStatus = "OPEN"
	ThreadEscalated ThreadStatus = "ESCALATED"
	ThreadExpired   ThreadStatus = "EXPIRED"
	ThreadClosed    ThreadStatus = "CLOSED"
)

// Active reports whether the thread still accepts staff replies.
func (s ThreadStatus) Active() bool {
	return s == ThreadOpen || s == ThreadEscalated
}

// SLAUrgency is the console-facing urgency derived from the response SLA.
type SLAUrgency string

const (
	UrgencyGreen  SLAUrgency = "green"
	UrgencyYellow SLAUrgency = "yellow"
	UrgencyRed    SLAUrgency = "red"
)

// Thread is the unit of ongoing conversation with one Guest on one channel.
// A Guest has at most one thread in OPEN/ESCALATED per channel at a time.
type Thread struct {
	ID      string       `json:"id"`
	Guest   string       `json:"guest"`
	Channel Channel      `json:"channel"`
	Status  ThreadStatus `json:"status"`
	// AssignedStaff is an opaque staff identity; empty means unassigned.
	AssignedStaff string `json:"assigned_staff,omitempty"`
	// Timestamps (ns)
	CreatedTS      int64 `json:"created_ts"`
	LastInboundTS  int64 `json:"last_inbound_ts,omitempty"`
	LastOutboundTS int64 `json:"last_outbound_ts,omitempty"`
	ClosedTS       int64 `json:"closed_ts,omitempty"`
	// NextSeq is the next message sequence number; sequence numbers are
	// assigned at ingress and give the total per-thread order.
	NextSeq uint64 `json:"next_seq"`
	// NextUpdate is the next fan-out update sequence number.
	NextUpdate uint64 `json:"next_update"`
	// Urgency mirrors the response-SLA headroom for the console.
	Urgency SLAUrgency `json:"urgency,omitempty"`
}
