package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"guesthub/pkg/adapters"
	"guesthub/pkg/logger"
	"guesthub/pkg/metrics"
	"guesthub/pkg/models"
	"guesthub/pkg/orchestrator"
	"guesthub/pkg/utils"
)

const maxWebhookBody = 1 << 20

// RegisterWebhooks mounts the provider ingress routes.
func RegisterWebhooks(r *mux.Router) {
	r.HandleFunc("/webhooks/{channel}", receiveWebhook).Methods(http.MethodPost)
	r.HandleFunc("/webhooks/{channel}", verifyWebhook).Methods(http.MethodGet)
}

// verifyWebhook answers provider subscription handshakes (Meta-style
// hub.challenge echo) when the verify token matches.
func verifyWebhook(w http.ResponseWriter, r *http.Request) {
	ch := models.Channel(mux.Vars(r)["channel"])
	cfg := deps.Cfg.Channel(string(ch))
	token := r.URL.Query().Get("hub.verify_token")
	if token == "" {
		token = r.URL.Query().Get("verify_token")
	}
	if cfg.VerifyToken == "" || token != cfg.VerifyToken {
		utils.JSONError(w, http.StatusForbidden, "verify token mismatch")
		return
	}
	if challenge := r.URL.Query().Get("hub.challenge"); challenge != "" {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(challenge))
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "verified"})
}

// receiveWebhook is the synchronous half of ingress: decode errors get a
// 400 so the provider stops retrying, persistence failures get a 503 so
// it retries, and anything acknowledged 200 is durable.
func receiveWebhook(w http.ResponseWriter, r *http.Request) {
	ch := models.Channel(mux.Vars(r)["channel"])
	if !ch.Valid() {
		utils.JSONError(w, http.StatusNotFound, "unknown channel")
		return
	}
	chCfg := deps.Cfg.Channel(string(ch))
	if chCfg.VerifyToken != "" && r.Header.Get("X-Verify-Token") != chCfg.VerifyToken {
		utils.JSONError(w, http.StatusForbidden, "verify token mismatch")
		return
	}

	adapter, err := deps.Registry.Get(ch)
	if err != nil {
		utils.JSONError(w, http.StatusNotFound, err.Error())
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	ev, err := adapter.Normalize(body)
	if err != nil {
		var de *adapters.DecodeError
		if errors.As(err, &de) {
			metrics.DecodeErrors.WithLabelValues(string(ch)).Inc()
			logger.Warn("webhook_decode_rejected", "channel", ch, "reason", de.Reason)
			utils.JSONError(w, http.StatusBadRequest, de.Reason)
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	msg, err := deps.Orch.HandleInbound(r.Context(), ev)
	switch {
	case errors.Is(err, orchestrator.ErrDuplicate):
		_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "duplicate"})
	case err != nil:
		logger.Error("webhook_ingest_failed", "channel", ch, "error", err)
		utils.JSONError(w, http.StatusServiceUnavailable, "not persisted, retry")
	default:
		_ = utils.JSONWrite(w, http.StatusOK, map[string]any{
			"status": "accepted", "thread": msg.Thread, "seq": msg.Seq,
		})
	}
}
