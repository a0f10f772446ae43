package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"guesthub/pkg/models"
	"guesthub/pkg/store"
	"guesthub/pkg/utils"
)

// RegisterGuests mounts guest profile and identity routes.
func RegisterGuests(r *mux.Router) {
	r.HandleFunc("/guests/{id}", getGuest).Methods(http.MethodGet)
	r.HandleFunc("/guests/{id}/rebind", rebindGuest).Methods(http.MethodPost)
}

func getGuest(w http.ResponseWriter, r *http.Request) {
	g, err := store.GetGuest(mux.Vars(r)["id"])
	if err != nil {
		if err == store.ErrNotFound {
			utils.JSONError(w, http.StatusNotFound, "guest not found")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, g)
}

type rebindBody struct {
	Channel  string `json:"channel"`
	Identity string `json:"identity"`
}

// rebindGuest is the manual resolution for identity conflicts: it moves a
// channel identity onto the named guest.
func rebindGuest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body rebindBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Channel == "" || body.Identity == "" {
		utils.JSONError(w, http.StatusBadRequest, "channel and identity required")
		return
	}
	if err := deps.Orch.Rebind(r.Context(), id, models.Channel(body.Channel), body.Identity); err != nil {
		if strings.Contains(err.Error(), "unknown channel") {
			utils.JSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err == store.ErrNotFound || strings.Contains(err.Error(), store.ErrNotFound.Error()) {
			utils.JSONError(w, http.StatusNotFound, "guest not found")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	g, err := store.GetGuest(id)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, g)
}
