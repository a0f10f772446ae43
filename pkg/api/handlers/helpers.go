package handlers

import (
	"net/http"
	"strconv"

	"guesthub/pkg/adapters"
	"guesthub/pkg/config"
	"guesthub/pkg/dispatch"
	"guesthub/pkg/fanout"
	"guesthub/pkg/orchestrator"
)

// Deps are the wired components the handlers act on.
type Deps struct {
	Cfg      *config.Config
	Orch     *orchestrator.Orchestrator
	Registry *adapters.Registry
	Hub      *fanout.Hub
	Disp     *dispatch.Dispatcher
}

var deps Deps

// Setup installs the handler dependencies; called once at startup before
// route registration.
func Setup(d Deps) { deps = d }

func staffID(r *http.Request) string {
	return r.Header.Get("X-Staff-ID")
}

func queryUint(r *http.Request, name string) uint64 {
	v, _ := strconv.ParseUint(r.URL.Query().Get(name), 10, 64)
	return v
}

func queryInt(r *http.Request, name string) int {
	v, _ := strconv.Atoi(r.URL.Query().Get(name))
	return v
}
