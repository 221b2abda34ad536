package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/aelpxy/roll/internal/constants"
	"github.com/aelpxy/roll/internal/fault"
	"github.com/aelpxy/roll/internal/metrics"
	"github.com/aelpxy/roll/internal/rollout"
	"github.com/aelpxy/roll/pkg/models"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service is what the HTTP surface drives; *rollout.Controller satisfies it.
type Service interface {
	StartRollout(ctx context.Context, req rollout.Request) (string, error)
	GetRolloutStatus(ctx context.Context, id string) (models.RolloutRecord, error)
	CancelRollout(ctx context.Context, id string) error
	History(ctx context.Context, workload string) ([]models.RolloutRecord, error)
	Rollback(ctx context.Context, workload string, version int) (string, error)
}

type ArtifactLister interface {
	ListArtifacts(ctx context.Context) ([]models.ArtifactRef, error)
}

var _ Service = (*rollout.Controller)(nil)

const maxBodyBytes = 1 << 20

type StartResponse struct {
	ID string `json:"id"`
}

type RollbackRequest struct {
	Version int `json:"version"`
}

type server struct {
	svc       Service
	artifacts ArtifactLister
}

func NewHandler(svc Service, artifacts ArtifactLister, r *mux.Router, logger log.Logger) http.Handler {
	s := server{svc: svc, artifacts: artifacts}
	logger = log.With(logger, "component", "api")

	for route, handler := range map[string]http.HandlerFunc{
		routeStartRollout:  s.startRollout,
		routeGetRollout:    s.getRollout,
		routeCancelRollout: s.cancelRollout,
		routeHistory:       s.history,
		routeRollback:      s.rollback,
		routeArtifacts:     s.listArtifacts,
		routePing:          ping,
	} {
		r.Get(route).Handler(instrument(route, handler, logger))
	}
	r.Get(routeMetrics).Handler(promhttp.Handler())

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, fault.Newf(fault.NotFound, "route", "no such endpoint: %s %s", req.Method, req.URL.Path))
	})
	return r
}

func (s server) startRollout(w http.ResponseWriter, r *http.Request) {
	var req rollout.Request
	if err := decodeStart(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.svc.StartRollout(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StartResponse{ID: id})
}

func (s server) getRollout(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.GetRolloutStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s server) cancelRollout(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.CancelRollout(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s server) history(w http.ResponseWriter, r *http.Request) {
	records, err := s.svc.History(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []models.RolloutRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s server) rollback(w http.ResponseWriter, r *http.Request) {
	var req RollbackRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Version < 1 {
		writeError(w, fault.Newf(fault.Validation, "rollback", "version must be at least 1, got %d", req.Version))
		return
	}
	id, err := s.svc.Rollback(r.Context(), mux.Vars(r)["name"], req.Version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StartResponse{ID: id})
}

func (s server) listArtifacts(w http.ResponseWriter, r *http.Request) {
	if s.artifacts == nil {
		writeJSON(w, http.StatusOK, []models.ArtifactRef{})
		return
	}
	artifacts, err := s.artifacts.ListArtifacts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if artifacts == nil {
		artifacts = []models.ArtifactRef{}
	}
	writeJSON(w, http.StatusOK, artifacts)
}

func ping(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func decode(r *http.Request, dest interface{}) error {
	return decodeReader(r.Body, dest)
}

func decodeReader(body io.Reader, dest interface{}) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return fault.New(fault.Validation, "decode", fmt.Errorf("invalid request body: %w", err))
	}
	return nil
}

// decodeStart applies the template defaults project files get: a template
// without a replicas key runs one replica, an explicit 0 is kept.
func decodeStart(r *http.Request, req *rollout.Request) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fault.New(fault.Validation, "decode", fmt.Errorf("failed to read request body: %w", err))
	}
	if err := decodeReader(bytes.NewReader(body), req); err != nil {
		return err
	}
	if req.Template == nil {
		return nil
	}

	var keys struct {
		Template struct {
			Replicas *int `json:"replicas"`
		} `json:"template"`
	}
	if err := json.Unmarshal(body, &keys); err == nil && keys.Template.Replicas == nil {
		req.Template.Replicas = constants.DefaultReplicas
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

// StatusCode maps an error's kind to the HTTP status it is served with.
func StatusCode(err error) int {
	switch fault.KindOf(err) {
	case fault.Validation:
		return http.StatusBadRequest
	case fault.NotFound:
		return http.StatusNotFound
	case fault.ConcurrentRollout, fault.NotCancellable:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	ferr, ok := err.(*fault.Error)
	if !ok {
		ferr = &fault.Error{Kind: fault.KindOf(err), Err: err}
	}
	writeJSON(w, StatusCode(err), ferr)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(route string, next http.Handler, logger log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		begin := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		took := time.Since(begin)
		metrics.RequestDuration.With(
			metrics.LabelMethod, r.Method,
			metrics.LabelRoute, route,
			metrics.LabelCode, strconv.Itoa(rec.code),
		).Observe(took.Seconds())

		lvl := level.Debug(logger)
		if rec.code >= http.StatusInternalServerError {
			lvl = level.Warn(logger)
		}
		lvl.Log("method", r.Method, "route", route, "url", r.URL.String(), "status", rec.code, "took", took)
	})
}
