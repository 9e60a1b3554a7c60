package runtime

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/drblury/phaseflow/internal/runtime/deadletter"
	"github.com/drblury/phaseflow/internal/runtime/jsoncodec"
	"github.com/drblury/phaseflow/internal/runtime/metrics"
	"github.com/drblury/phaseflow/internal/runtime/pipeline"
)

// PipelineInfo is the body of GET /api/pipeline.
type PipelineInfo struct {
	Name       string           `json:"name"`
	Phases     []pipeline.Phase `json:"phases"`
	Active     bool             `json:"active"`
	Workers    int              `json:"workers"`
	QueueLen   int              `json:"queue_len"`
	QueueCap   int              `json:"queue_cap"`
	InFlight   int64            `json:"in_flight"`
	Topics     []string         `json:"topics"`
	Sessions   int              `json:"sessions"`
	CacheItems int              `json:"cache_items"`
	Metrics    metrics.Snapshot `json:"metrics"`
}

// AdminHandler serves a read-only JSON view of the engine:
//
//	GET /api/pipeline
//	GET /api/deadletters?event_type=&limit=&offset=
func (e *Engine) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/pipeline", e.withCORS(e.handleGetPipeline))
	mux.HandleFunc("/api/deadletters", e.withCORS(e.handleGetDeadLetters))
	return mux
}

func (e *Engine) pipelineInfo() PipelineInfo {
	return PipelineInfo{
		Name:       e.pipeline.Name(),
		Phases:     e.pipeline.Phases().List(),
		Active:     e.pipeline.IsActive(),
		Workers:    e.dispatcher.Workers(),
		QueueLen:   e.dispatcher.QueueLen(),
		QueueCap:   e.dispatcher.QueueCap(),
		InFlight:   e.dispatcher.InFlight(),
		Topics:     e.Conf.ConsumeTopics,
		Sessions:   e.sessions.Len(),
		CacheItems: e.pipeline.Cache().Len(),
		Metrics:    e.metrics.GetSnapshot(),
	}
}

func (e *Engine) handleGetPipeline(w http.ResponseWriter, _ *http.Request) {
	e.writeJSON(w, e.pipelineInfo())
}

func (e *Engine) handleGetDeadLetters(w http.ResponseWriter, r *http.Request) {
	if e.store == nil {
		http.Error(w, "dead letter store not configured", http.StatusNotFound)
		return
	}
	q := r.URL.Query()
	filter := deadletter.Filter{EventType: q.Get("event_type")}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		http.Error(w, "invalid offset", http.StatusBadRequest)
		return
	}

	records, err := e.store.List(r.Context(), filter)
	if err != nil {
		e.Logger.Error("Failed to list dead letters", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	e.writeJSON(w, records)
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}

func (e *Engine) writeJSON(w http.ResponseWriter, v any) {
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		e.Logger.Error("Failed to encode admin response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (e *Engine) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(e.Conf.AdminCORSAllowedOrigins) > 0 {
			if allowed := e.allowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}
		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			next(w, r)
		default:
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		}
	}
}

// allowedCORSOrigin returns the Access-Control-Allow-Origin value for the
// request origin, or "" when it is not allowed.
func (e *Engine) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range e.Conf.AdminCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
