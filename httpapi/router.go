// Package httpapi exposes the runtime's REST surface: program listing and
// introspection, action submission, log/ledger reads, and the guest-defined
// HTTP state views. It holds no domain logic of its own — every handler is a
// thin adapter over core.Runtime and internal/supervisor.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/sandboxrt/hostd/core"
	"github.com/sandboxrt/hostd/internal/supervisor"
)

// Server wires a Runtime and Supervisor into a mux.Router.
type Server struct {
	rt     *core.Runtime
	sup    *supervisor.Supervisor
	log    *logrus.Logger
	writer core.ActionWriter
}

// NewRouter builds the full route table. rateLimitPerSec <= 0 disables
// rate limiting entirely.
func NewRouter(rt *core.Runtime, sup *supervisor.Supervisor, log *logrus.Logger, rateLimitPerSec float64) *mux.Router {
	s := &Server{rt: rt, sup: sup, log: log, writer: rt}

	r := mux.NewRouter()
	r.Use(loggingMiddleware(log))
	if rateLimitPerSec > 0 {
		limiter := rate.NewLimiter(rate.Limit(rateLimitPerSec), int(rateLimitPerSec)+1)
		r.Use(rateLimitMiddleware(limiter))
	}

	r.HandleFunc("/", s.listPrograms).Methods(http.MethodGet)
	r.HandleFunc("/ledger", s.listLedger).Methods(http.MethodGet)
	r.HandleFunc("/ledger/{p1}/{p2}", s.ledgerBalances).Methods(http.MethodGet)

	r.HandleFunc("/{id}", s.programInfo).Methods(http.MethodGet)
	r.HandleFunc("/{id}/info", s.programInfo).Methods(http.MethodGet)
	r.HandleFunc("/{id}/desc", s.programDesc).Methods(http.MethodGet)
	r.HandleFunc("/{id}/meta", s.programMeta).Methods(http.MethodGet)
	r.HandleFunc("/{id}/symbols", s.programSymbols).Methods(http.MethodGet)
	r.HandleFunc("/{id}/pkg", s.programPackage).Methods(http.MethodGet)
	r.HandleFunc("/{id}/pkg/def", s.programPackageDef).Methods(http.MethodGet)
	r.HandleFunc("/{id}/pkg/source", s.programPackageSource).Methods(http.MethodGet)
	r.HandleFunc("/{id}/pkg/hash", s.programCodeHash).Methods(http.MethodGet)
	r.HandleFunc("/{id}/logs", s.programLogs).Methods(http.MethodGet)
	r.HandleFunc("/{id}/txs", s.programTxs).Methods(http.MethodGet)
	r.HandleFunc("/{id}/txs/{tx_id}", s.programTx).Methods(http.MethodGet)
	r.HandleFunc("/{id}/action", requireJSON(s.postAction)).Methods(http.MethodPost)
	r.HandleFunc("/{id}/owner", requireJSON(s.transferOwnership)).Methods(http.MethodPost)
	r.HandleFunc("/{id}/pause", requireJSON(s.pauseProgram)).Methods(http.MethodPost)
	r.HandleFunc("/{id}/resume", requireJSON(s.resumeProgram)).Methods(http.MethodPost)
	r.HandleFunc("/{id}/upgrade", requireJSON(s.upgradeProgram)).Methods(http.MethodPost)
	r.PathPrefix("/{id}/state").HandlerFunc(s.getState).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such route"})
	})

	return r
}

// ServerTimeouts are the http.Server fields cmd/hostd wires in; kept here so
// the timeout policy lives next to the routes it protects.
const (
	ReadTimeout  = 10 * time.Second
	WriteTimeout = 30 * time.Second
	IdleTimeout  = 60 * time.Second
)
