package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/mistifyio/selkie"
	"github.com/mistifyio/selkie/pkg/jobqueue"
	log "github.com/sirupsen/logrus"
	"github.com/tylerb/graceful"
)

type ctxKeyType int

const servicesKey ctxKeyType = 0

type (
	// services bundles everything the handlers need off a request
	services struct {
		ctx      *selkie.Context
		jobQueue *jobqueue.Client
		rec      *selkie.Reconciler
		coord    *selkie.Coordinator
		hub      *selkie.ConsoleHub
		signer   *consoleSigner
		drivers  *driverCache
	}

	// HTTPResponse is a wrapper for http.ResponseWriter which provides
	// access to several convenience methods
	HTTPResponse struct {
		http.ResponseWriter
	}
)

// Run starts the server
func Run(listen string, svc *services, m *metricsContext) *graceful.Server {
	router := mux.NewRouter()
	router.StrictSlash(true)

	commonMiddleware := alice.New(
		requestLogger,
		handlers.CompressHandler,
		recoverer,
		func(h http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				h.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), servicesKey, svc)))
			})
		},
	)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", m.timed("health", GetHealth)).Methods("GET")

	RegisterVPCRoutes("/vpcs", api, m)
	RegisterVMRoutes("/vms", api, m)
	RegisterDiskRoutes("/disks", api, m)
	RegisterIPRoutes("/ips", api, m)
	RegisterImageRoutes("/images", api, m)
	RegisterHostRoutes("/hosts", api, m)
	RegisterMigrationRoutes("/migrations", api, m)
	RegisterJobRoutes("/jobs", api, m)

	router.HandleFunc("/ws", ConsoleSocket)
	router.HandleFunc("/metrics",
		func(w http.ResponseWriter, r *http.Request) {
			hr := HTTPResponse{w}
			hr.JSON(http.StatusOK, m.sink)
		})

	server := &graceful.Server{
		Timeout: 5 * time.Second,
		Server: &http.Server{
			Addr:           listen,
			Handler:        commonMiddleware.Then(router),
			MaxHeaderBytes: 1 << 20,
		},
	}
	go listenAndServe(server)
	return server
}

func listenAndServe(server *graceful.Server) {
	if err := server.ListenAndServe(); err != nil {
		// Ignore the error from closing the listener, which is involved
		// in the graceful shutdown
		if !strings.Contains(err.Error(), "use of closed network connection") {
			log.WithField("error", err).Fatal("server error")
		}
	}
}

func requestLogger(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h.ServeHTTP(w, r)
		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"remote":   r.RemoteAddr,
			"duration": time.Since(start).String(),
		}).Info("request")
	})
}

func recoverer(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				log.WithFields(log.Fields{
					"panic": p,
					"stack": string(debug.Stack()),
				}).Error("handler panic")
				hr := HTTPResponse{w}
				hr.JSONError(selkie.NewError(selkie.ErrInternal, "%v", p))
			}
		}()
		h.ServeHTTP(w, r)
	})
}

// GetServices retrieves the services bundle for a request
func GetServices(r *http.Request) *services {
	if value := r.Context().Value(servicesKey); value != nil {
		return value.(*services)
	}
	return nil
}

// GetContext retrieves the selkie.Context for a request
func GetContext(r *http.Request) *selkie.Context {
	return GetServices(r).ctx
}

// JSON writes appropriate headers and JSON body to the http response
func (hr *HTTPResponse) JSON(code int, obj interface{}) {
	hr.Header().Set("Content-Type", "application/json")
	hr.WriteHeader(code)
	encoder := json.NewEncoder(hr)
	if err := encoder.Encode(obj); err != nil {
		log.WithField("error", err).Error("failed to encode response")
	}
}

// JSONError maps an error onto the wire envelope and its status code
func (hr *HTTPResponse) JSONError(err error) {
	code := selkie.ErrorCode(err)
	e, ok := err.(*selkie.Error)
	if !ok {
		e = selkie.NewError(code, "%s", err.Error())
	}
	hr.JSON(selkie.HTTPStatus(code), e)
}

// JSONMsg is a convenience method to write a JSON response with just a
// message string
func (hr *HTTPResponse) JSONMsg(code int, msg string) {
	hr.JSON(code, map[string]string{"message": msg})
}

// Accepted writes the 202 envelope pointing at the job status URL
func (hr *HTTPResponse) Accepted(resource interface{}, job *jobqueue.Job) {
	hr.JSON(http.StatusAccepted, map[string]interface{}{
		"status":   job.Status,
		"resource": resource,
		"job":      fmt.Sprintf("/api/jobs/%s", job.ID),
	})
}

// decodeBody parses a JSON request body into v
func decodeBody(r *http.Request, v interface{}) error {
	defer logx(r.Body.Close)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return selkie.NewError(selkie.ErrValidation, "invalid body: %s", err)
	}
	return nil
}

func logx(fn func() error) {
	if err := fn(); err != nil {
		log.WithField("error", err).Debug("deferred close failed")
	}
}
