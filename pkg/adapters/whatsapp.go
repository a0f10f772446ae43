package adapters

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"guesthub/pkg/config"
	"guesthub/pkg/models"
)

// WhatsApp handles webhooks in both the Twilio and the Meta Graph API
// shapes; senders arrive as "whatsapp:+14155550100" from Twilio and as a
// bare wa id from Meta, both normalized to the bare number.
type WhatsApp struct {
	cfg config.ChannelConfig
	c   *client
}

func NewWhatsApp(cfg config.ChannelConfig) *WhatsApp {
	return &WhatsApp{cfg: cfg, c: newClient(cfg)}
}

func (a *WhatsApp) Channel() models.Channel { return models.ChannelWhatsApp }

type waWebhook struct {
	// Meta Graph API
	From    string `json:"from"`
	Message struct {
		ID   string `json:"id"`
		Text struct {
			Body string `json:"body"`
		} `json:"text"`
		Image struct {
			URL string `json:"url"`
		} `json:"image"`
	} `json:"message"`
	// Twilio
	TwilioFrom string `json:"From"`
	TwilioBody string `json:"Body"`
	WaID       string `json:"WaId"`
	MessageSid string `json:"MessageSid"`
	// Generic
	Body        string `json:"body"`
	ProfileName string `json:"ProfileName"`
}

func (a *WhatsApp) Normalize(payload []byte) (models.UnifiedEvent, error) {
	var w waWebhook
	if err := json.Unmarshal(payload, &w); err != nil {
		return models.UnifiedEvent{}, decodeErr(a.Channel(), "invalid JSON: %v", err)
	}

	sender := w.From
	if sender == "" {
		sender = w.TwilioFrom
	}
	if sender == "" {
		sender = w.WaID
	}
	if sender == "" {
		return models.UnifiedEvent{}, decodeErr(a.Channel(), "missing sender")
	}
	sender = strings.TrimPrefix(sender, "whatsapp:")

	body := w.Body
	if body == "" {
		body = w.Message.Text.Body
	}
	if body == "" {
		body = w.TwilioBody
	}

	content := models.Content{Type: models.ContentText, Body: body}
	if w.Message.Image.URL != "" {
		content.Type = models.ContentImage
		content.MediaURL = w.Message.Image.URL
		if content.Body == "" {
			content.Body = "[Image]"
		}
	}
	if content.Body == "" && content.MediaURL == "" {
		return models.UnifiedEvent{}, decodeErr(a.Channel(), "empty message body")
	}

	providerID := w.Message.ID
	if providerID == "" {
		providerID = w.MessageSid
	}

	return models.UnifiedEvent{
		Channel:        a.Channel(),
		ProviderMsgID:  providerID,
		SenderIdentity: sender,
		SenderName:     w.ProfileName,
		Content:        content,
		ReceivedTS:     time.Now().UnixNano(),
	}, nil
}

type waOutbound struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type waSendResp struct {
	Sid string `json:"sid"`
	ID  string `json:"id"`
}

func (a *WhatsApp) Send(ctx context.Context, cmd models.OutboundCommand) (models.DeliveryReceipt, error) {
	to := cmd.Destination
	if !strings.HasPrefix(to, "whatsapp:") {
		to = "whatsapp:" + to
	}
	body, err := json.Marshal(waOutbound{To: to, Body: cmd.Content.Body})
	if err != nil {
		return models.DeliveryReceipt{}, &models.DeliveryError{Channel: a.Channel(), Class: models.Terminal, Reason: err.Error()}
	}
	respBody, err := a.c.postJSON(ctx, a.Channel(), a.cfg.Endpoint, body)
	if err != nil {
		return models.DeliveryReceipt{}, err
	}
	var resp waSendResp
	_ = json.Unmarshal(respBody, &resp)
	providerID := resp.Sid
	if providerID == "" {
		providerID = resp.ID
	}
	return models.DeliveryReceipt{ProviderMsgID: providerID, Status: models.DeliverySent}, nil
}
