package adapters

import (
	"context"
	"encoding/json"
	"time"

	"guesthub/pkg/config"
	"guesthub/pkg/models"
)

// Kakao handles KakaoTalk (i Open Builder skill) webhooks.
type Kakao struct {
	cfg config.ChannelConfig
	c   *client
}

func NewKakao(cfg config.ChannelConfig) *Kakao {
	return &Kakao{cfg: cfg, c: newClient(cfg)}
}

func (a *Kakao) Channel() models.Channel { return models.ChannelKakao }

type kakaoWebhook struct {
	UserRequest struct {
		User struct {
			ID         string `json:"id"`
			Properties struct {
				Nickname string `json:"nickname"`
			} `json:"properties"`
		} `json:"user"`
		Utterance string `json:"utterance"`
	} `json:"userRequest"`
	MessageID string `json:"messageId"`
}

func (a *Kakao) Normalize(payload []byte) (models.UnifiedEvent, error) {
	var w kakaoWebhook
	if err := json.Unmarshal(payload, &w); err != nil {
		return models.UnifiedEvent{}, decodeErr(a.Channel(), "invalid JSON: %v", err)
	}
	if w.UserRequest.User.ID == "" {
		return models.UnifiedEvent{}, decodeErr(a.Channel(), "missing user id")
	}
	if w.UserRequest.Utterance == "" {
		return models.UnifiedEvent{}, decodeErr(a.Channel(), "empty utterance")
	}
	return models.UnifiedEvent{
		Channel:        a.Channel(),
		ProviderMsgID:  w.MessageID,
		SenderIdentity: w.UserRequest.User.ID,
		SenderName:     w.UserRequest.User.Properties.Nickname,
		Content:        models.Content{Type: models.ContentText, Body: w.UserRequest.Utterance},
		ReceivedTS:     time.Now().UnixNano(),
	}, nil
}

type kakaoOutbound struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

func (a *Kakao) Send(ctx context.Context, cmd models.OutboundCommand) (models.DeliveryReceipt, error) {
	body, err := json.Marshal(kakaoOutbound{To: cmd.Destination, Text: cmd.Content.Body})
	if err != nil {
		return models.DeliveryReceipt{}, &models.DeliveryError{Channel: a.Channel(), Class: models.Terminal, Reason: err.Error()}
	}
	if _, err := a.c.postJSON(ctx, a.Channel(), a.cfg.Endpoint, body); err != nil {
		return models.DeliveryReceipt{}, err
	}
	return models.DeliveryReceipt{Status: models.DeliverySent}, nil
}
