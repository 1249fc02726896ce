package main

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mistifyio/selkie"
)

// RegisterHostRoutes registers the hypervisor host routes
func RegisterHostRoutes(prefix string, router *mux.Router, m *metricsContext) {
	router.HandleFunc(prefix, m.timed("host_list", ListHosts)).Methods("GET")
	sub := router.PathPrefix(prefix).Subrouter()
	sub.HandleFunc("/{id}", m.timed("host_get", GetHost)).Methods("GET")
	sub.HandleFunc("/{id}/maintenance", m.timed("host_maintenance", SetHostMaintenance)).Methods("POST")
}

func getHost(r *http.Request) (*selkie.Host, error) {
	ctx := GetContext(r)
	id := mux.Vars(r)["id"]
	host, err := ctx.Host(id)
	if err != nil {
		if ctx.IsKeyNotFound(err) {
			return nil, selkie.NewError(selkie.ErrNotFound, "host %s not found", id)
		}
		return nil, err
	}
	return host, nil
}

// hostView augments the stored row with liveness and capacity numbers
func hostView(host *selkie.Host) map[string]interface{} {
	view := map[string]interface{}{
		"id":              host.ID,
		"address":         host.Address,
		"arch":            host.Arch,
		"vm_root":         host.VMRoot,
		"uplink":          host.Uplink,
		"health":          host.Health,
		"alive":           host.IsAlive(),
		"total_resources": host.TotalResources,
	}
	if avail, err := host.AvailableResources(); err == nil {
		view["available_resources"] = avail
	}
	if count, err := host.ActiveVMCount(); err == nil {
		view["active_vms"] = count
	}
	return view
}

// ListHosts gets a list of all registered hosts
func ListHosts(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	ctx := GetContext(r)
	hosts := make([]map[string]interface{}, 0)
	err := ctx.ForEachHost(func(h *selkie.Host) error {
		hosts = append(hosts, hostView(h))
		return nil
	})
	if err != nil && !ctx.IsKeyNotFound(err) {
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusOK, hosts)
}

// GetHost gets a particular host
func GetHost(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	host, err := getHost(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusOK, hostView(host))
}

// SetHostMaintenance toggles a host in or out of the maintenance pool.
// A host in maintenance takes no new placements and is skipped by the
// heartbeat sweep.
func SetHostMaintenance(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	host, err := getHost(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil {
		hr.JSONError(err)
		return
	}
	if req.Enabled {
		host.Health = selkie.HostMaintenance
	} else {
		host.Health = selkie.HostReady
	}
	if err := host.Save(); err != nil {
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusOK, hostView(host))
}
