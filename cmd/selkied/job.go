package main

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mistifyio/selkie"
)

// RegisterJobRoutes registers the async job status routes
func RegisterJobRoutes(prefix string, router *mux.Router, m *metricsContext) {
	sub := router.PathPrefix(prefix).Subrouter()
	sub.HandleFunc("/{id}", m.timed("job_get", GetJob)).Methods("GET")
}

// GetJob reports one async job so clients can poll a 202 to completion
func GetJob(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	svc := GetServices(r)
	id := mux.Vars(r)["id"]
	job, err := svc.jobQueue.Job(id)
	if err != nil {
		if svc.ctx.IsKeyNotFound(err) {
			err = selkie.NewError(selkie.ErrNotFound, "job %s not found", id)
		}
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusOK, job)
}
