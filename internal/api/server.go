// Package api is the thin HTTP facade over the task engine, the expander,
// and the revision store.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"dispatch/internal/expander"
	"dispatch/internal/ports"
	"dispatch/internal/revstore"
	"dispatch/internal/tasks"
	"dispatch/internal/usecase/deleted"
	"dispatch/internal/usecase/largest"
	"dispatch/internal/usecase/talkscan"
)

// taskController pairs one engine namespace with its dedup cache.
type taskController struct {
	engine *tasks.Engine
	dedup  *tasks.DedupCache
}

func newTaskController(namespace string, logger *slog.Logger) *taskController {
	engine := tasks.NewEngine(namespace, logger)
	return &taskController{engine: engine, dedup: tasks.NewDedupCache(engine)}
}

// Server holds the shared state every handler consults.
type Server struct {
	logger    *slog.Logger
	sites     ports.SiteDirectory
	store     *revstore.Store
	expanders *expander.Registry

	deletedJob  *deleted.Reconstructor
	largestJob  *largest.Job
	talkScanner *talkscan.Scanner

	deletedCtl *taskController
	largestCtl *taskController
	talkCtl    *taskController
}

// Deps wires the server.
type Deps struct {
	Logger    *slog.Logger
	Sites     ports.SiteDirectory
	Store     *revstore.Store
	Expanders *expander.Registry
	Deleted   *deleted.Reconstructor
	Largest   *largest.Job
	TalkScan  *talkscan.Scanner
}

// NewServer builds the handler set and its per-controller task engines.
func NewServer(deps Deps) *Server {
	return &Server{
		logger:      deps.Logger,
		sites:       deps.Sites,
		store:       deps.Store,
		expanders:   deps.Expanders,
		deletedJob:  deps.Deleted,
		largestJob:  deps.Largest,
		talkScanner: deps.TalkScan,
		deletedCtl:  newTaskController("deleted-revisions", deps.Logger),
		largestCtl:  newTaskController("largest-edits", deps.Logger),
		talkCtl:     newTaskController("search-talk", deps.Logger),
	}
}

// Engines exposes the task engines for sweeping.
func (s *Server) Engines() []*tasks.Engine {
	return []*tasks.Engine{s.deletedCtl.engine, s.largestCtl.engine, s.talkCtl.engine}
}

// Router assembles the REST dialect over gorilla/mux.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)

	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/revisions/{wiki}", s.getRevisions).Methods(http.MethodGet)
	v1.HandleFunc("/revisions/{wiki}", s.postRevisions).Methods(http.MethodPost)

	v1.HandleFunc("/user/deleted-revisions", s.spawnDeleted).Methods(http.MethodPost)
	v1.HandleFunc("/user/deleted-revisions/{id}/progress", s.taskProgress(s.deletedCtl)).Methods(http.MethodGet)
	v1.HandleFunc("/user/deleted-revisions/{id}", s.taskResult(s.deletedCtl)).Methods(http.MethodGet)

	v1.HandleFunc("/user/largest-edits", s.spawnLargest).Methods(http.MethodPost)
	v1.HandleFunc("/user/largest-edits/{id}/progress", s.taskProgress(s.largestCtl)).Methods(http.MethodGet)
	v1.HandleFunc("/user/largest-edits/{id}", s.taskResult(s.largestCtl)).Methods(http.MethodGet)

	v1.HandleFunc("/user/search-talk", s.spawnTalkScan).Methods(http.MethodPost)
	v1.HandleFunc("/user/search-talk/{id}/progress", s.taskProgress(s.talkCtl)).Methods(http.MethodGet)
	v1.HandleFunc("/user/search-talk/{id}", s.taskResult(s.talkCtl)).Methods(http.MethodGet)

	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("Service active"))
}

// corsMiddleware allows cross-origin reads only for requests originating
// from a known wiki hostname.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			wiki, err := s.sites.ByOrigin(r.Context(), origin)
			if err == nil && wiki != nil {
				w.Header().Set("Access-Control-Allow-Origin", "*")
				w.Header().Add("Vary", "Origin")
			}
		}
		next.ServeHTTP(w, r)
	})
}
