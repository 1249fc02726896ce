package main

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mistifyio/selkie"
	"github.com/mistifyio/selkie/pkg/jobqueue"
)

// RegisterMigrationRoutes registers the live-migration routes
func RegisterMigrationRoutes(prefix string, router *mux.Router, m *metricsContext) {
	router.HandleFunc(prefix, m.timed("migration_list", ListMigrations)).Methods("GET")
	router.HandleFunc(prefix, m.timed("migration_create", CreateMigration)).Methods("POST")
	sub := router.PathPrefix(prefix).Subrouter()
	sub.HandleFunc("/{vm}/status", m.timed("migration_status", GetMigrationStatus)).Methods("GET")
	sub.HandleFunc("/{vm}", m.timed("migration_cancel", CancelMigration)).Methods("DELETE")
}

// migrationVM resolves the {vm} var through the id and name indexes
func migrationVM(r *http.Request) (*selkie.VM, error) {
	ctx := GetContext(r)
	ref := mux.Vars(r)["vm"]
	vm, err := ctx.VM(ref)
	if err == nil {
		return vm, nil
	}
	if !ctx.IsKeyNotFound(err) {
		return nil, err
	}
	vm, err = ctx.VMByName(ref)
	if err != nil {
		if ctx.IsKeyNotFound(err) {
			return nil, selkie.NewError(selkie.ErrNotFound, "vm %s not found", ref)
		}
		return nil, err
	}
	return vm, nil
}

// ListMigrations gets every stored migration row
func ListMigrations(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	ctx := GetContext(r)
	migrations := make(selkie.Migrations, 0)
	err := ctx.ForEachMigration(func(m *selkie.Migration) error {
		migrations = append(migrations, m)
		return nil
	})
	if err != nil && !ctx.IsKeyNotFound(err) {
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusOK, migrations)
}

// CreateMigration starts a live migration and enqueues the run
func CreateMigration(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	ctx := GetContext(r)
	svc := GetServices(r)

	var req struct {
		VM             string `json:"vm"`
		VMName         string `json:"vm_name"`
		Destination    string `json:"destination"`
		DestinationURI string `json:"destination_uri"`
		BandwidthBPS   uint64 `json:"bandwidth_bps"`
		MaxDowntimeMS  uint64 `json:"max_downtime_ms"`
		Compressed     bool   `json:"compressed"`
	}
	if err := decodeBody(r, &req); err != nil {
		hr.JSONError(err)
		return
	}

	ref := req.VM
	if ref == "" {
		ref = req.VMName
	}
	vm, err := ctx.VM(ref)
	if err != nil {
		if !ctx.IsKeyNotFound(err) {
			hr.JSONError(err)
			return
		}
		vm, err = ctx.VMByName(ref)
		if err != nil {
			if ctx.IsKeyNotFound(err) {
				err = selkie.NewError(selkie.ErrNotFound, "vm %s not found", ref)
			}
			hr.JSONError(err)
			return
		}
	}

	dest := req.Destination
	if dest == "" {
		dest = req.DestinationURI
	}

	migration, err := svc.coord.StartMigration(vm.ID, dest, selkie.MigrationOptions{
		BandwidthBPS:  req.BandwidthBPS,
		MaxDowntimeMS: req.MaxDowntimeMS,
		Compressed:    req.Compressed,
	})
	if err != nil {
		hr.JSONError(err)
		return
	}

	job := svc.jobQueue.NewJob()
	job.Action = jobqueue.ActionMigrate
	job.VM = vm.ID
	if err := job.Save(jobTTL); err != nil {
		hr.JSONError(err)
		return
	}
	if _, err := svc.jobQueue.AddTask(job); err != nil {
		hr.JSONError(err)
		return
	}
	hr.Accepted(migration, job)
}

// GetMigrationStatus reports the stored migration row for a VM
func GetMigrationStatus(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	ctx := GetContext(r)
	vm, err := migrationVM(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	migration, err := ctx.Migration(vm.ID)
	if err != nil {
		if ctx.IsKeyNotFound(err) {
			err = selkie.NewError(selkie.ErrNotFound, "vm %s has no migration", vm.ID)
		}
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusOK, migration)
}

// CancelMigration aborts an in-flight migration
func CancelMigration(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	vm, err := migrationVM(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	cctx, cancel := context.WithTimeout(r.Context(), selkie.StepTimeout)
	defer cancel()
	if err := GetServices(r).coord.Cancel(cctx, vm.ID); err != nil {
		hr.JSONError(err)
		return
	}
	hr.JSONMsg(http.StatusOK, "cancelled")
}
