package main

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mistifyio/selkie"
)

// RegisterDiskRoutes registers the standalone disk routes
func RegisterDiskRoutes(prefix string, router *mux.Router, m *metricsContext) {
	router.HandleFunc(prefix, m.timed("disk_list", ListDisks)).Methods("GET")
	router.HandleFunc(prefix, m.timed("disk_create", CreateDisk)).Methods("POST")
	sub := router.PathPrefix(prefix).Subrouter()
	sub.HandleFunc("/{id}", m.timed("disk_get", GetDisk)).Methods("GET")
	sub.HandleFunc("/{id}", m.timed("disk_delete", DeleteDisk)).Methods("DELETE")
	sub.HandleFunc("/{id}/resize", m.timed("disk_resize", ResizeDisk)).Methods("POST")
}

func getDisk(r *http.Request) (*selkie.Disk, error) {
	ctx := GetContext(r)
	id := mux.Vars(r)["id"]
	disk, err := ctx.Disk(id)
	if err != nil {
		if ctx.IsKeyNotFound(err) {
			return nil, selkie.NewError(selkie.ErrNotFound, "disk %s not found", id)
		}
		return nil, err
	}
	return disk, nil
}

// ListDisks gets a list of all disks
func ListDisks(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	ctx := GetContext(r)
	disks := make(selkie.Disks, 0)
	err := ctx.ForEachDisk(func(d *selkie.Disk) error {
		disks = append(disks, d)
		return nil
	})
	if err != nil && !ctx.IsKeyNotFound(err) {
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusOK, disks)
}

// CreateDisk records a new block volume. The backing file is made when
// the disk first attaches to a VM, which decides its host.
func CreateDisk(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	ctx := GetContext(r)

	var req struct {
		Name   string `json:"name"`
		SizeGB uint64 `json:"size_gb"`
	}
	if err := decodeBody(r, &req); err != nil {
		hr.JSONError(err)
		return
	}

	disk := ctx.NewDisk()
	disk.Name = req.Name
	disk.SizeGB = req.SizeGB
	if err := disk.Save(); err != nil {
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusCreated, disk)
}

// GetDisk gets a particular disk
func GetDisk(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	disk, err := getDisk(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusOK, disk)
}

// DeleteDisk removes an unattached disk and its backing file
func DeleteDisk(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	ctx := GetContext(r)
	disk, err := getDisk(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	if disk.HostID != "" {
		host, herr := ctx.Host(disk.HostID)
		if herr == nil {
			if drv, derr := GetServices(r).drivers.driver(host); derr == nil {
				dctx, cancel := context.WithTimeout(r.Context(), selkie.StepTimeout)
				defer cancel()
				if verr := drv.DeleteVolume(dctx, disk); verr != nil {
					hr.JSONError(verr)
					return
				}
			}
		}
	}
	if err := disk.Delete(); err != nil {
		hr.JSONError(err)
		return
	}
	hr.JSONMsg(http.StatusOK, "deleted")
}

// ResizeDisk grows a volume. Shrinking is refused.
func ResizeDisk(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	ctx := GetContext(r)
	disk, err := getDisk(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	var req struct {
		SizeGB uint64 `json:"size_gb"`
	}
	if err := decodeBody(r, &req); err != nil {
		hr.JSONError(err)
		return
	}
	if req.SizeGB <= disk.SizeGB {
		hr.JSONError(selkie.NewError(selkie.ErrValidation, "disk %s: size_gb %d must be greater than %d", disk.ID, req.SizeGB, disk.SizeGB))
		return
	}

	disk.SizeGB = req.SizeGB
	if disk.HostID != "" {
		host, herr := ctx.Host(disk.HostID)
		if herr != nil {
			hr.JSONError(herr)
			return
		}
		drv, derr := GetServices(r).drivers.driver(host)
		if derr != nil {
			hr.JSONError(derr)
			return
		}
		dctx, cancel := context.WithTimeout(r.Context(), selkie.StepTimeout)
		defer cancel()
		if err := drv.ResizeVolume(dctx, disk); err != nil {
			hr.JSONError(err)
			return
		}
	}
	if err := disk.Save(); err != nil {
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusOK, disk)
}
