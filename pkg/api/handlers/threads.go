package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"guesthub/pkg/models"
	"guesthub/pkg/orchestrator"
	"guesthub/pkg/store"
	"guesthub/pkg/utils"
	"guesthub/pkg/validation"
)

// RegisterThreads mounts the console's thread routes.
func RegisterThreads(r *mux.Router) {
	r.HandleFunc("/threads", listThreads).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}", getThread).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}/messages", listThreadMessages).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}/updates", listThreadUpdates).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}/reply", replyThread).Methods(http.MethodPost)
	r.HandleFunc("/threads/{id}/escalate", escalateThread).Methods(http.MethodPost)
	r.HandleFunc("/threads/{id}/close", closeThread).Methods(http.MethodPost)
}

func listThreads(w http.ResponseWriter, r *http.Request) {
	status := models.ThreadStatus(r.URL.Query().Get("status"))
	threads, err := store.ListThreads(status)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if threads == nil {
		threads = []models.Thread{}
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"threads": threads})
}

func getThread(w http.ResponseWriter, r *http.Request) {
	t, err := store.GetThread(mux.Vars(r)["id"])
	if err != nil {
		if err == store.ErrNotFound {
			utils.JSONError(w, http.StatusNotFound, "thread not found")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, t)
}

func listThreadMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := store.GetThread(id); err != nil {
		utils.JSONError(w, http.StatusNotFound, "thread not found")
		return
	}
	msgs, err := store.ListMessages(id, queryUint(r, "since_seq"), queryInt(r, "limit"))
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"messages": msgs})
}

// listThreadUpdates is the HTTP replay path for clients that prefer
// polling over the websocket.
func listThreadUpdates(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ups, err := store.ListUpdates(id, queryUint(r, "since_seq"), queryInt(r, "limit"))
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ups == nil {
		ups = []models.Update{}
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"updates": ups})
}

type replyBody struct {
	Body     string `json:"body"`
	Type     string `json:"type,omitempty"`
	MediaURL string `json:"media_url,omitempty"`
}

func replyThread(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body replyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid reply body")
		return
	}
	ct := models.ContentType(body.Type)
	if ct == "" {
		ct = models.ContentText
	}
	content := models.Content{Type: ct, Body: body.Body, MediaURL: body.MediaURL}
	if err := validation.ValidateContent(content); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	msg, err := deps.Orch.HandleReply(r.Context(), id, staffID(r), content)
	if err != nil {
		writeActionError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusAccepted, msg)
}

func escalateThread(w http.ResponseWriter, r *http.Request) {
	t, err := deps.Orch.Escalate(r.Context(), mux.Vars(r)["id"], staffID(r))
	if err != nil {
		writeActionError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, t)
}

func closeThread(w http.ResponseWriter, r *http.Request) {
	t, err := deps.Orch.Close(r.Context(), mux.Vars(r)["id"], staffID(r))
	if err != nil {
		writeActionError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, t)
}

func writeActionError(w http.ResponseWriter, err error) {
	switch {
	case err == store.ErrNotFound:
		utils.JSONError(w, http.StatusNotFound, "thread not found")
	case errors.Is(err, orchestrator.ErrThreadNotActive):
		utils.JSONError(w, http.StatusConflict, err.Error())
	default:
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
	}
}
