package app

import (
	"net/http"
	"time"

	"guesthub/pkg/api"
	"guesthub/pkg/api/handlers"
	"guesthub/pkg/banner"
	"guesthub/pkg/security"
	"guesthub/pkg/telemetry"
)

const httpDrainTimeout = 10 * time.Second

func (a *App) printBanner() {
	verStr := a.version
	if a.commit != "" && a.commit != "none" {
		verStr += " (" + a.commit + ")"
	}
	if a.buildDate != "" && a.buildDate != "unknown" {
		verStr += " @ " + a.buildDate
	}
	banner.Print(a.addr, a.dbPath, a.registryChannels(), verStr)
}

func (a *App) registryChannels() []string {
	chans := a.registry.Channels()
	out := make([]string, 0, len(chans))
	for _, c := range chans {
		out = append(out, string(c))
	}
	return out
}

// startHTTP builds the router, wraps it with the security middleware and
// serves in a goroutine; the returned channel carries any fatal error.
func (a *App) startHTTP() <-chan error {
	router := api.NewRouter(handlers.Deps{
		Cfg:      a.cfg,
		Orch:     a.orch,
		Registry: a.registry,
		Hub:      a.hub,
		Disp:     a.disp,
	})

	secCfg := security.SecConfig{
		AllowedOrigins: append([]string{}, a.cfg.Security.CORS.AllowedOrigins...),
		RPS:            a.cfg.Security.RateLimit.RPS,
		Burst:          a.cfg.Security.RateLimit.Burst,
		ConsoleKeys:    map[string]struct{}{},
		AdminKeys:      map[string]struct{}{},
	}
	for _, k := range a.cfg.Security.APIKeys.Console {
		secCfg.ConsoleKeys[k] = struct{}{}
	}
	for _, k := range a.cfg.Security.APIKeys.Admin {
		secCfg.AdminKeys[k] = struct{}{}
	}
	wrapped := telemetry.Middleware(security.Middleware(secCfg)(router))

	a.srv = &http.Server{Addr: a.addr, Handler: wrapped}

	errCh := make(chan error, 1)
	go func() {
		cert := a.cfg.Server.TLS.CertFile
		key := a.cfg.Server.TLS.KeyFile
		if cert != "" && key != "" {
			errCh <- a.srv.ListenAndServeTLS(cert, key)
		} else {
			errCh <- a.srv.ListenAndServe()
		}
	}()
	return errCh
}
