package main

import (
	"net/http"

	"github.com/mistifyio/selkie"
)

// GetHealth reports the daemon and its dependencies. The store check is
// authoritative; a degraded driver fleet still serves reads.
func GetHealth(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	svc := GetServices(r)

	status := "ok"
	components := map[string]string{
		"store":     "ok",
		"drivers":   "ok",
		"scheduler": "ok",
	}

	if err := svc.ctx.KV().Ping(); err != nil {
		components["store"] = "unavailable"
		status = "degraded"
	}

	ready, total := 0, 0
	err := svc.ctx.ForEachHost(func(h *selkie.Host) error {
		total++
		if h.Health == selkie.HostReady && h.IsAlive() {
			ready++
		}
		return nil
	})
	if err != nil && !svc.ctx.IsKeyNotFound(err) {
		components["drivers"] = "unknown"
		status = "degraded"
	} else if total > 0 && ready == 0 {
		components["drivers"] = "unavailable"
		status = "degraded"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	hr.JSON(code, map[string]interface{}{
		"status":     status,
		"components": components,
	})
}
