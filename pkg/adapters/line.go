package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"guesthub/pkg/config"
	"guesthub/pkg/models"
)

// Line handles LINE Messaging API webhooks. LINE wraps messages in an
// events envelope and only the first message event is consumed; reply
// tokens are carried through content meta so outbound sends can use the
// cheaper reply endpoint while the token is fresh.
type Line struct {
	cfg config.ChannelConfig
	c   *client
}

func NewLine(cfg config.ChannelConfig) *Line {
	return &Line{cfg: cfg, c: newClient(cfg)}
}

func (a *Line) Channel() models.Channel { return models.ChannelLine }

type lineWebhook struct {
	Events []lineEvent `json:"events"`
}

type lineEvent struct {
	Type       string `json:"type"`
	ReplyToken string `json:"replyToken"`
	Source     struct {
		UserID  string `json:"userId"`
		GroupID string `json:"groupId"`
		RoomID  string `json:"roomId"`
	} `json:"source"`
	Message struct {
		ID      string  `json:"id"`
		Type    string  `json:"type"`
		Text    string  `json:"text"`
		Title   string  `json:"title"`
		Address string  `json:"address"`
		Lat     float64 `json:"latitude"`
		Lng     float64 `json:"longitude"`
	} `json:"message"`
}

func (a *Line) Normalize(payload []byte) (models.UnifiedEvent, error) {
	var w lineWebhook
	if err := json.Unmarshal(payload, &w); err != nil {
		return models.UnifiedEvent{}, decodeErr(a.Channel(), "invalid JSON: %v", err)
	}
	if len(w.Events) == 0 {
		return models.UnifiedEvent{}, decodeErr(a.Channel(), "no events in payload")
	}
	ev := w.Events[0]
	if ev.Type != "message" {
		return models.UnifiedEvent{}, decodeErr(a.Channel(), "unsupported event type %q", ev.Type)
	}

	sender := ev.Source.UserID
	if sender == "" {
		sender = ev.Source.GroupID
	}
	if sender == "" {
		sender = ev.Source.RoomID
	}
	if sender == "" {
		return models.UnifiedEvent{}, decodeErr(a.Channel(), "missing source identity")
	}

	content := models.Content{Meta: map[string]string{}}
	switch ev.Message.Type {
	case "text", "":
		content.Type = models.ContentText
		content.Body = ev.Message.Text
	case "image":
		content.Type = models.ContentImage
		content.Body = "[Image]"
	case "location":
		content.Type = models.ContentLocation
		title := ev.Message.Title
		if title == "" {
			title = "Location"
		}
		content.Body = fmt.Sprintf("%s: %s", title, ev.Message.Address)
		content.Meta["latitude"] = fmt.Sprintf("%f", ev.Message.Lat)
		content.Meta["longitude"] = fmt.Sprintf("%f", ev.Message.Lng)
	default:
		content.Type = models.ContentText
		content.Body = "[" + ev.Message.Type + "]"
	}
	if ev.ReplyToken != "" {
		content.Meta["line_reply_token"] = ev.ReplyToken
	}

	return models.UnifiedEvent{
		Channel:        a.Channel(),
		ProviderMsgID:  ev.Message.ID,
		SenderIdentity: sender,
		Content:        content,
		ReceivedTS:     time.Now().UnixNano(),
	}, nil
}

type lineTextMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type lineOutbound struct {
	To         string            `json:"to,omitempty"`
	ReplyToken string            `json:"replyToken,omitempty"`
	Messages   []lineTextMessage `json:"messages"`
}

func (a *Line) Send(ctx context.Context, cmd models.OutboundCommand) (models.DeliveryReceipt, error) {
	out := lineOutbound{Messages: []lineTextMessage{{Type: "text", Text: cmd.Content.Body}}}
	if tok := cmd.Content.Meta["line_reply_token"]; tok != "" {
		out.ReplyToken = tok
	} else {
		out.To = cmd.Destination
	}
	body, err := json.Marshal(out)
	if err != nil {
		return models.DeliveryReceipt{}, &models.DeliveryError{Channel: a.Channel(), Class: models.Terminal, Reason: err.Error()}
	}
	if _, err := a.c.postJSON(ctx, a.Channel(), a.cfg.Endpoint, body); err != nil {
		return models.DeliveryReceipt{}, err
	}
	return models.DeliveryReceipt{Status: models.DeliverySent}, nil
}
