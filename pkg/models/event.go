package models

import "encoding/json"

// UnifiedEvent is the canonical inbound event every adapter normalizes its
// provider webhook into. Duplicate provider payloads decode to the same
// event so ingress dedup can discard repeats.
type UnifiedEvent struct {
	Channel       Channel `json:"channel"`
	ProviderMsgID string  `json:"provider_msg_id"`
	// SenderIdentity is the channel-native identity of the guest.
	SenderIdentity string  `json:"sender_identity"`
	SenderName     string  `json:"sender_name,omitempty"`
	Content        Content `json:"content"`
	// ReceivedTS is assigned at ingress (ns); provider timestamps are
	// never trusted for ordering or deadlines.
	ReceivedTS int64 `json:"received_ts"`
}

// OutboundCommand asks the dispatcher to deliver one staff reply through
// the adapter matching the thread's channel.
type OutboundCommand struct {
	MessageID string `json:"message_id"`
	Thread    string `json:"thread"`
	// Seq is the message's sequence inside the thread, used to correlate
	// delivery results back to the stored message.
	Seq     uint64  `json:"seq"`
	Channel Channel `json:"channel"`
	// Destination is the guest's channel identity.
	Destination string  `json:"destination"`
	Content     Content `json:"content"`
}

// DeliveryReceipt is the provider acknowledgement for an outbound send.
type DeliveryReceipt struct {
	ProviderMsgID string         `json:"provider_msg_id"`
	Status        DeliveryStatus `json:"status"`
}

// Classification splits delivery failures into those worth retrying and
// those that are final for this channel.
type Classification string

const (
	Retryable Classification = "RETRYABLE"
	Terminal  Classification = "TERMINAL"
)

// DeliveryError is a classified provider-level failure.
type DeliveryError struct {
	Channel Channel        `json:"channel,omitempty"`
	Class   Classification `json:"class"`
	Reason  string         `json:"reason"`
}

func (e *DeliveryError) Error() string { return string(e.Class) + ": " + e.Reason }

// UpdateKind enumerates the events pushed to console sessions.
type UpdateKind string

const (
	UpdateThreadCreated      UpdateKind = "thread_created"
	UpdateMessageAppended    UpdateKind = "message_appended"
	UpdateThreadStateChanged UpdateKind = "thread_state_changed"
	UpdateSLABreached        UpdateKind = "sla_breached"
	UpdateEnrichment         UpdateKind = "enrichment"
	UpdateDeliveryStatus     UpdateKind = "delivery_status"
	UpdateDeliveryFailed     UpdateKind = "delivery_failed"
	UpdateIdentityConflict   UpdateKind = "identity_conflict"
)

// Update is one ordered fan-out event for a thread. Updates are persisted
// under (thread, seq) so reconnecting sessions can replay gaps; consumers
// dedup by Seq.
type Update struct {
	Kind   UpdateKind `json:"kind"`
	Thread string     `json:"thread"`
	Seq    uint64     `json:"seq"`
	TS     int64      `json:"ts"`
	// Payload is the kind-specific body (Message, Thread, SLATimer, ...).
	Payload json.RawMessage `json:"payload,omitempty"`
}
