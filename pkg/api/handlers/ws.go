package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"guesthub/pkg/models"
	"guesthub/pkg/validation"
)

// RegisterSockets mounts the console fan-out socket and the webchat guest
// socket.
func RegisterSockets(r *mux.Router) {
	r.HandleFunc("/ws/console", serveConsole).Methods(http.MethodGet)
	r.HandleFunc("/ws/webchat", serveWebchat).Methods(http.MethodGet)
}

func serveConsole(w http.ResponseWriter, r *http.Request) {
	deps.Hub.ServeConsole(w, r)
}

// serveWebchat runs the guest socket; messages typed in the widget go
// through the same normalize-then-ingest path as provider webhooks, and
// a rejected ingest surfaces as an error frame so the widget can retry.
func serveWebchat(w http.ResponseWriter, r *http.Request) {
	adapter, err := deps.Registry.Get(models.ChannelWebchat)
	if err != nil {
		http.Error(w, "webchat disabled", http.StatusNotFound)
		return
	}
	deps.Hub.ServeGuest(w, r, func(sessionID string, payload []byte) error {
		ev, err := adapter.Normalize(injectSession(sessionID, payload))
		if err != nil {
			return err
		}
		if err := validation.ValidateContent(ev.Content); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err = deps.Orch.HandleInbound(ctx, ev)
		return err
	})
}

// injectSession stamps the socket's session id into a raw widget frame so
// the adapter sees the sender identity even when the widget omits it.
func injectSession(sessionID string, payload []byte) []byte {
	var frame map[string]any
	if err := json.Unmarshal(payload, &frame); err != nil {
		return payload
	}
	if _, ok := frame["session_id"]; !ok {
		frame["session_id"] = sessionID
	}
	if _, ok := frame["message"]; !ok {
		if text, ok := frame["text"]; ok {
			frame["message"] = text
		}
	}
	out, err := json.Marshal(frame)
	if err != nil {
		return payload
	}
	return out
}
