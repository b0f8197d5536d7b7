// Package api serves the agent's HTTPS API.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"

	"github.com/gorilla/mux"

	"github.com/tynkerbase/tynkerbase-agent/diagnostics"
	"github.com/tynkerbase/tynkerbase-agent/log"
	"github.com/tynkerbase/tynkerbase-agent/session"
	"github.com/tynkerbase/tynkerbase-agent/stats"
	"github.com/tynkerbase/tynkerbase-agent/wire"
)

// Projects is the project directory tree.
type Projects interface {
	Create(name string) error
	Delete(name string) error
	List() ([]string, error)
	Ingest(name string, bundle wire.FileBundle) error
	Export(name string, ignore []string) (wire.FileBundle, error)
}

// Docker is the host container runtime.
type Docker interface {
	StartDaemon(ctx context.Context) error
	StopDaemon(ctx context.Context) error
	DaemonStatus(ctx context.Context) (bool, error)
	BuildImage(ctx context.Context, project string) error
	DeleteImage(ctx context.Context, project string) error
	ListImages(ctx context.Context) (string, error)
	RunContainer(ctx context.Context, config wire.ProjConfig) error
	StopContainer(ctx context.Context, project string) error
	DeleteContainer(ctx context.Context, project string) error
	ListContainers(ctx context.Context) (string, error)
	ListContainerStats(ctx context.Context) (string, error)
}

type Purger interface {
	Purge(ctx context.Context, name string, retries int) error
}

type Diagnostics interface {
	Measure(ctx context.Context, nodeID, name string) diagnostics.Report
}

// Server holds the handlers' dependencies.
type Server struct {
	Session      *session.Store
	Projects     Projects
	Docker       Docker
	Purger       Purger
	Diagnostics  Diagnostics
	PurgeRetries int
}

// RouterOptions configures the router around Server's routes.
type RouterOptions struct {
	BodyLimit    int64
	PprofEnabled bool
	Healthcheck  http.Handler
	Logger       *log.Logger
	Stats        stats.Stats
}

// NewRouter mounts the public and protected routes.
func NewRouter(s Server, opts RouterOptions) *mux.Router {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(notFound)
	router.MethodNotAllowedHandler = http.HandlerFunc(notFound)
	router.Use(LoggingMiddleware(opts.Logger, opts.Stats), BodyLimit(opts.BodyLimit))

	router.HandleFunc("/", alive).Methods(http.MethodGet)
	if opts.Healthcheck != nil {
		router.Handle("/healthcheck", opts.Healthcheck).Methods(http.MethodGet)
	}

	protected := router.NewRoute().Subrouter()
	protected.Use(AuthGuard(s.Session))
	s.ConfigureRoutes(protected)

	if opts.PprofEnabled {
		protected.HandleFunc("/debug/pprof/", pprof.Index)
		protected.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		protected.HandleFunc("/debug/pprof/profile", pprof.Profile)
		protected.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		protected.HandleFunc("/debug/pprof/trace", pprof.Trace)
		protected.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)
	}

	return router
}

// ConfigureRoutes mounts every protected endpoint on router.
func (s Server) ConfigureRoutes(router *mux.Router) {
	router.HandleFunc("/get-id", s.handleGetID).Methods(http.MethodGet)
	router.HandleFunc("/diags/get-diags", s.handleGetDiags).Methods(http.MethodGet)

	files := router.PathPrefix("/files/proj").Subrouter()
	files.HandleFunc("/create-proj", s.handleCreateProject).Methods(http.MethodGet).Queries("name", "{name}")
	files.HandleFunc("/add-files-to-proj", s.handleAddFiles).Methods(http.MethodPost).Queries("name", "{name}")
	files.HandleFunc("/delete-proj", s.handleDeleteProject).Methods(http.MethodGet).Queries("name", "{name}")
	files.HandleFunc("/pull-files", s.handlePullFiles).Methods(http.MethodGet).Queries("name", "{name}")
	files.HandleFunc("/list-projects", s.handleListProjects).Methods(http.MethodGet)
	files.HandleFunc("/purge-project", s.handlePurgeProject).Methods(http.MethodGet).Queries("name", "{name}")

	daemon := router.PathPrefix("/docker/daemon").Subrouter()
	daemon.HandleFunc("/start-docker-daemon", s.handleStartDaemon).Methods(http.MethodPost)
	daemon.HandleFunc("/end-docker-daemon", s.handleEndDaemon).Methods(http.MethodGet)
	daemon.HandleFunc("/get-daemon-status", s.handleDaemonStatus).Methods(http.MethodGet)

	proj := router.PathPrefix("/docker/proj").Subrouter()
	proj.HandleFunc("/build-img", s.handleBuildImage).Methods(http.MethodGet).Queries("name", "{name}")
	proj.HandleFunc("/delete-img", s.handleDeleteImage).Methods(http.MethodGet).Queries("name", "{name}")
	proj.HandleFunc("/list-imgs", s.handleListImages).Methods(http.MethodGet)
	proj.HandleFunc("/spawn-container", s.handleSpawnContainer).Methods(http.MethodPost)
	proj.HandleFunc("/pause-container", s.handlePauseContainer).Methods(http.MethodGet).Queries("name", "{name}")
	proj.HandleFunc("/delete-container", s.handleDeleteContainer).Methods(http.MethodGet).Queries("name", "{name}")
	proj.HandleFunc("/list-containers", s.handleListContainers).Methods(http.MethodGet)
	proj.HandleFunc("/list-container-stats", s.handleListContainerStats).Methods(http.MethodGet)
}

func alive(w http.ResponseWriter, r *http.Request) {
	respondText(w, http.StatusOK, "alive")
}

func notFound(w http.ResponseWriter, r *http.Request) {
	respondText(w, http.StatusNotFound, fmt.Sprintf("404: `%s` is not a valid path.", r.URL.RequestURI()))
}

func (s Server) handleGetID(w http.ResponseWriter, r *http.Request) {
	state, _ := s.Session.Get()
	respondText(w, http.StatusOK, state.NodeID)
}

func (s Server) handleGetDiags(w http.ResponseWriter, r *http.Request) {
	state, _ := s.Session.Get()
	respondJSON(w, s.Diagnostics.Measure(r.Context(), state.NodeID, state.Name))
}

const successBody = "success"

func respondText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func respondBinary(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", wire.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
