package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"dlmm-keeper/internal/bus"
	"dlmm-keeper/internal/strategy"
	"dlmm-keeper/pkg/types"
)

// Consumer is the strategy-lifecycle surface the REST API fronts. Satisfied
// by *manager.Manager.
type Consumer interface {
	Create(typ types.StrategyType, name string, raw json.RawMessage) (*types.Instance, error)
	Start(ctx context.Context, id string) error
	Pause(id string) error
	Resume(id string) error
	Stop(ctx context.Context, id string) error
	Delete(id string) error
	Get(id string) (*types.Instance, error)
	List() []*types.Instance
	Templates() []strategy.Template
}

// Auditor runs an on-demand health audit for /api/health. Satisfied by
// *health.Checker.
type Auditor interface {
	Audit(ctx context.Context) []bus.Finding
}

// Info identifies the process on /api/info. The static fields come from
// startup; uptime, strategy count, and breaker state are filled per request.
type Info struct {
	Name              string    `json:"name"`
	Version           string    `json:"version"`
	Wallet            string    `json:"wallet,omitempty"`
	StartedAt         time.Time `json:"startedAt"`
	Uptime            string    `json:"uptime,omitempty"`
	Strategies        int       `json:"strategies"`
	AggregatorBreaker string    `json:"aggregatorBreaker,omitempty"`
}

// Handlers holds the REST handler dependencies.
type Handlers struct {
	consumer Consumer
	auditor  Auditor
	breaker  func() string
	info     Info
	logger   *slog.Logger
}

// NewHandlers wires the REST surface. auditor and breaker may be nil.
func NewHandlers(consumer Consumer, auditor Auditor, breaker func() string, info Info, logger *slog.Logger) *Handlers {
	return &Handlers{
		consumer: consumer,
		auditor:  auditor,
		breaker:  breaker,
		info:     info,
		logger:   logger.With("component", "api-handlers"),
	}
}

type createRequest struct {
	Type   string          `json:"type"`
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config"`
}

// HandleCreate registers a new strategy instance from {type, name, config}.
func (h *Handlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, r, types.Errorf(types.KindValidation, "api.create", "malformed request body"))
		return
	}

	inst, err := h.consumer.Create(types.StrategyType(req.Type), req.Name, req.Config)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	h.logger.Info("instance created", "id", inst.ID, "type", inst.Type)
	writeData(w, r, http.StatusCreated, inst)
}

func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, func(id string) error { return h.consumer.Start(r.Context(), id) })
}

func (h *Handlers) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.consumer.Pause)
}

func (h *Handlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.consumer.Resume)
}

func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, func(id string) error { return h.consumer.Stop(r.Context(), id) })
}

// lifecycle runs one state-changing operation and answers with the fresh
// instance record.
func (h *Handlers) lifecycle(w http.ResponseWriter, r *http.Request, op func(id string) error) {
	id := mux.Vars(r)["id"]
	if err := op(id); err != nil {
		writeErr(w, r, err)
		return
	}
	inst, err := h.consumer.Get(id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, inst)
}

func (h *Handlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.consumer.Delete(id); err != nil {
		writeErr(w, r, err)
		return
	}
	h.logger.Info("instance deleted", "id", id)
	writeData(w, r, http.StatusOK, map[string]string{"id": id})
}

func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	inst, err := h.consumer.Get(mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, inst)
}

func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	writeData(w, r, http.StatusOK, h.consumer.List())
}

func (h *Handlers) HandleTemplates(w http.ResponseWriter, r *http.Request) {
	writeData(w, r, http.StatusOK, h.consumer.Templates())
}

// HandleHealth reports ok, or degraded with the audit findings when a health
// checker is wired.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if h.auditor != nil {
		findings := h.auditor.Audit(r.Context())
		if len(findings) > 0 {
			body["status"] = "degraded"
		}
		body["findings"] = findings
	}
	writeData(w, r, http.StatusOK, body)
}

func (h *Handlers) HandleInfo(w http.ResponseWriter, r *http.Request) {
	info := h.info
	info.Uptime = time.Since(info.StartedAt).Round(time.Second).String()
	info.Strategies = len(h.consumer.List())
	if h.breaker != nil {
		info.AggregatorBreaker = h.breaker()
	}
	writeData(w, r, http.StatusOK, info)
}
