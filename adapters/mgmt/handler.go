// Package mgmt serves a small read-only management API over HTTP and a
// client for it. Every request needs HTTP basic auth.
//
//	GET /api/queues/{root}/{queue}/bindings
package mgmt

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/codewandler/esbus/core/bus"
	"github.com/codewandler/esbus/internal/codec"
)

var ErrUnauthorized = errors.New("unauthorized")

type HandlerConfig struct {
	Log         *slog.Logger
	Provisioner bus.Provisioner
	User        string
	Password    string
}

// BindingsResponse is the body of a bindings lookup.
type BindingsResponse struct {
	Root     string        `json:"root"`
	Queue    string        `json:"queue"`
	Bindings []bus.Binding `json:"bindings"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type Handler struct {
	log  *slog.Logger
	prov bus.Provisioner
	user []byte
	pass []byte
	mux  *http.ServeMux
}

func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Provisioner == nil {
		return nil, fmt.Errorf("%w: provisioner is required", bus.ErrInvalidConfig)
	}
	if cfg.User == "" || cfg.Password == "" {
		return nil, fmt.Errorf("%w: user and password are required", bus.ErrInvalidConfig)
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		log:  log.With(slog.String("component", "mgmt")),
		prov: cfg.Provisioner,
		user: []byte(cfg.User),
		pass: []byte(cfg.Password),
		mux:  http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /api/queues/{root}/{queue}/bindings", h.handleBindings)
	return h, nil
}

func (h *Handler) authorized(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	// both compares run so that timing does not reveal which one failed
	u := subtle.ConstantTimeCompare([]byte(user), h.user)
	p := subtle.ConstantTimeCompare([]byte(pass), h.pass)
	return u&p == 1
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="esbus"`)
		h.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: ErrUnauthorized.Error()})
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleBindings(w http.ResponseWriter, r *http.Request) {
	root, queue := r.PathValue("root"), r.PathValue("queue")
	bindings, err := h.prov.ListBindings(r.Context(), root, queue)
	switch {
	case errors.Is(err, bus.ErrNotFound):
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	case err != nil:
		h.log.Error("list bindings", slog.String("root", root), slog.String("queue", queue), slog.Any("error", err))
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	if bindings == nil {
		bindings = []bus.Binding{}
	}
	h.writeJSON(w, http.StatusOK, BindingsResponse{Root: root, Queue: queue, Bindings: bindings})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := codec.Default.Marshal(v)
	if err != nil {
		h.log.Error("encode response", slog.Any("error", err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", codec.Default.ContentType())
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

var _ http.Handler = (*Handler)(nil)
