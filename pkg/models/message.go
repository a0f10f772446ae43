package models

// Direction of a message relative to the hub.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// ContentType enumerates the normalized content kinds.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentLocation ContentType = "location"
	ContentTemplate ContentType = "template"
)

// DeliveryStatus tracks an outbound message through the dispatcher.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "PENDING"
	DeliverySent      DeliveryStatus = "SENT"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	DeliveryFailed    DeliveryStatus = "FAILED"
)

// Content is the normalized message payload shared by all channels.
type Content struct {
	Type ContentType `json:"type"`
	Body string      `json:"body"`
	// MediaURL references channel-hosted media for image content.
	MediaURL string `json:"media_url,omitempty"`
	// Meta carries provider-specific leftovers (reply tokens, raw ids).
	Meta map[string]string `json:"meta,omitempty"`
}

// Enrichment is the best-effort AI assistance attached to a message after
// the fact; its absence never blocks the guest-visible path.
type Enrichment struct {
	TranslatedText string `json:"translated_text,omitempty"`
	IntentLabel    string `json:"intent_label,omitempty"`
	SuggestedReply string `json:"suggested_reply,omitempty"`
}

// Message is one normalized unit of communication. Immutable once created
// except for delivery-status updates and late enrichment.
type Message struct {
	ID     string `json:"id"`
	Thread string `json:"thread"`
	// Seq is the ingress-assigned sequence number; messages within a
	// thread are totally ordered by it, independent of provider clocks.
	Seq       uint64    `json:"seq"`
	Direction Direction `json:"direction"`
	Channel   Channel   `json:"channel"`
	// Sender is the channel identity for inbound, staff id for outbound.
	Sender  string  `json:"sender,omitempty"`
	Content Content `json:"content"`
	// ProviderMsgID is the provider-native id, used for dedup and
	// delivery-receipt correlation.
	ProviderMsgID string `json:"provider_msg_id,omitempty"`
	// TS is the ingress receipt time (ns), never a provider timestamp.
	TS            int64          `json:"ts"`
	Status        DeliveryStatus `json:"status,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	Enrichment    *Enrichment    `json:"enrichment,omitempty"`
}
