package handlers

import (
	"net/http"
	"os"

	"github.com/gorilla/mux"

	"guesthub/pkg/sla"
	"guesthub/pkg/store"
	"guesthub/pkg/utils"
)

// RegisterAdmin mounts operational endpoints for admin keys.
func RegisterAdmin(r *mux.Router) {
	r.HandleFunc("/admin/health", adminHealth).Methods(http.MethodGet)
	r.HandleFunc("/admin/stats", adminStats).Methods(http.MethodGet)
	r.HandleFunc("/admin/sla", adminSLA).Methods(http.MethodGet)
}

func adminHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if !store.Ready() {
		status = "store_unavailable"
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": status})
}

func adminStats(w http.ResponseWriter, _ *http.Request) {
	stats := map[string]any{
		"disk_usage_bytes": store.DiskUsage(),
		"fanout_sessions":  deps.Hub.Sessions(),
	}
	if deps.Disp != nil {
		stats["dispatch_depth"] = deps.Disp.Depth()
	}
	_ = utils.JSONWrite(w, http.StatusOK, stats)
}

func adminSLA(w http.ResponseWriter, _ *http.Request) {
	snap, err := sla.Snapshot()
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, snap)
}

// ServeOpenAPI serves the bundled API description consumed by the docs
// UI.
func ServeOpenAPI(w http.ResponseWriter, _ *http.Request) {
	data, err := os.ReadFile("docs/openapi.yaml")
	if err != nil {
		utils.JSONError(w, http.StatusNotFound, "openapi spec not found")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(data)
}
