package adapters

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"guesthub/pkg/models"
)

// PushFunc delivers an outbound payload to a connected webchat browser
// session keyed by the guest's session identity.
type PushFunc func(sessionID string, payload []byte) error

// Webchat handles the hub's own browser widget. There is no external
// provider: inbound arrives on the webchat webhook route, outbound is
// pushed straight to the guest's live websocket session via push.
type Webchat struct {
	push PushFunc
}

func NewWebchat(push PushFunc) *Webchat {
	return &Webchat{push: push}
}

func (a *Webchat) Channel() models.Channel { return models.ChannelWebchat }

type webchatInbound struct {
	SessionID string `json:"session_id"`
	SenderID  string `json:"sender_id"`
	GuestName string `json:"guest_name"`
	MessageID string `json:"message_id"`
	Message   string `json:"message"`
}

func (a *Webchat) Normalize(payload []byte) (models.UnifiedEvent, error) {
	var w webchatInbound
	if err := json.Unmarshal(payload, &w); err != nil {
		return models.UnifiedEvent{}, decodeErr(a.Channel(), "invalid JSON: %v", err)
	}
	sender := w.SenderID
	if sender == "" {
		sender = w.SessionID
	}
	if sender == "" {
		return models.UnifiedEvent{}, decodeErr(a.Channel(), "missing session_id")
	}
	if w.Message == "" {
		return models.UnifiedEvent{}, decodeErr(a.Channel(), "empty message")
	}
	// browser widgets may not assign ids; mint one so dedup still works
	providerID := w.MessageID
	if providerID == "" {
		providerID = uuid.New().String()
	}
	return models.UnifiedEvent{
		Channel:        a.Channel(),
		ProviderMsgID:  providerID,
		SenderIdentity: sender,
		SenderName:     w.GuestName,
		Content:        models.Content{Type: models.ContentText, Body: w.Message},
		ReceivedTS:     time.Now().UnixNano(),
	}, nil
}

type webchatOutbound struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

func (a *Webchat) Send(ctx context.Context, cmd models.OutboundCommand) (models.DeliveryReceipt, error) {
	if a.push == nil {
		return models.DeliveryReceipt{}, &models.DeliveryError{Channel: a.Channel(), Class: models.Terminal, Reason: "webchat push not configured"}
	}
	payload, err := json.Marshal(webchatOutbound{Type: "message", MessageID: cmd.MessageID, Text: cmd.Content.Body})
	if err != nil {
		return models.DeliveryReceipt{}, &models.DeliveryError{Channel: a.Channel(), Class: models.Terminal, Reason: err.Error()}
	}
	if err := a.push(cmd.Destination, payload); err != nil {
		// session likely reconnecting; worth retrying
		return models.DeliveryReceipt{}, &models.DeliveryError{Channel: a.Channel(), Class: models.Retryable, Reason: err.Error()}
	}
	return models.DeliveryReceipt{ProviderMsgID: cmd.MessageID, Status: models.DeliveryDelivered}, nil
}
