package main

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mistifyio/selkie"
)

// RegisterIPRoutes registers the floating-ip pool routes
func RegisterIPRoutes(prefix string, router *mux.Router, m *metricsContext) {
	router.HandleFunc(prefix, m.timed("ip_list", ListFloatingIPs)).Methods("GET")
	router.HandleFunc(prefix, m.timed("ip_create", CreateFloatingIP)).Methods("POST")
	sub := router.PathPrefix(prefix).Subrouter()
	sub.HandleFunc("/{address}", m.timed("ip_get", GetFloatingIP)).Methods("GET")
	sub.HandleFunc("/{address}", m.timed("ip_delete", DeleteFloatingIP)).Methods("DELETE")
}

func getFloatingIP(r *http.Request) (*selkie.FloatingIP, error) {
	ctx := GetContext(r)
	address := mux.Vars(r)["address"]
	fip, err := ctx.FloatingIP(address)
	if err != nil {
		if ctx.IsKeyNotFound(err) {
			return nil, selkie.NewError(selkie.ErrNotFound, "floating ip %s not found", address)
		}
		return nil, err
	}
	return fip, nil
}

// ListFloatingIPs gets the public pool
func ListFloatingIPs(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	ctx := GetContext(r)
	fips := make(selkie.FloatingIPs, 0)
	err := ctx.ForEachFloatingIP(func(fip *selkie.FloatingIP) error {
		fips = append(fips, fip)
		return nil
	})
	if err != nil && !ctx.IsKeyNotFound(err) {
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusOK, fips)
}

// CreateFloatingIP adds one or more addresses to the pool. The body
// takes a single address or a comma-separated pool expression with
// CIDRs.
func CreateFloatingIP(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	ctx := GetContext(r)

	var req struct {
		Address string `json:"address"`
		Pool    string `json:"pool"`
	}
	if err := decodeBody(r, &req); err != nil {
		hr.JSONError(err)
		return
	}
	expr := req.Pool
	if expr == "" {
		expr = req.Address
	}
	addrs := selkie.SplitPool(expr)
	if len(addrs) == 0 {
		hr.JSONError(selkie.NewError(selkie.ErrValidation, "no usable addresses in %q", expr))
		return
	}

	added := make(selkie.FloatingIPs, 0, len(addrs))
	for _, addr := range addrs {
		if _, err := ctx.FloatingIP(addr); err == nil {
			continue
		}
		fip, err := ctx.NewFloatingIP(addr)
		if err != nil {
			hr.JSONError(err)
			return
		}
		if err := fip.Save(); err != nil {
			hr.JSONError(err)
			return
		}
		added = append(added, fip)
	}
	hr.JSON(http.StatusCreated, added)
}

// GetFloatingIP gets a particular pool address
func GetFloatingIP(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	fip, err := getFloatingIP(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusOK, fip)
}

// DeleteFloatingIP removes a free address from the pool
func DeleteFloatingIP(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	fip, err := getFloatingIP(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	if err := fip.Delete(); err != nil {
		hr.JSONError(err)
		return
	}
	hr.JSONMsg(http.StatusOK, "deleted")
}
