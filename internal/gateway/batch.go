package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/GateBatch/internal/auth"
	"github.com/AlexKimmel/GateBatch/internal/batch"
	"github.com/AlexKimmel/GateBatch/internal/executor"
	"github.com/AlexKimmel/GateBatch/internal/ratelimit"
	"github.com/AlexKimmel/GateBatch/internal/ratelimit/memory"
)

const defaultMaxItems = 1000

// BatchHandler serves POST /v1/batch and GET /v1/limits. Every request gets
// its own Scheduler; all of them draw from the provider's shared bucket.
type BatchHandler struct {
	exec     executor.Executor
	limiter  *memory.Limiter
	provider string
	policy   ratelimit.Policy
	opts     batch.Options
	maxItems int
	log      zerolog.Logger
}

type BatchConfig struct {
	Provider string
	// Policy overrides the provider defaults; zero fields keep them.
	Policy   ratelimit.Policy
	Options  batch.Options
	MaxItems int
}

func NewBatchHandler(exec executor.Executor, limiter *memory.Limiter, cfg BatchConfig, log zerolog.Logger) *BatchHandler {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = defaultMaxItems
	}
	if limiter == nil {
		limiter = memory.New()
	}
	return &BatchHandler{
		exec:     exec,
		limiter:  limiter,
		provider: cfg.Provider,
		policy:   cfg.Policy,
		opts:     cfg.Options,
		maxItems: cfg.MaxItems,
		log:      log.With().Str("component", "batch_handler").Logger(),
	}
}

// Register mounts the handler's routes on mux.
func (h *BatchHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/batch", h.ServeBatch)
	mux.HandleFunc("GET /v1/limits", h.ServeLimits)
}

type BatchRequest struct {
	Requests     []executor.Descriptor `json:"requests"`
	AbortOnError *bool                 `json:"abort_on_error,omitempty"`
}

type BatchResponse struct {
	Results []batch.Result `json:"results"`
	Stats   batch.Stats    `json:"stats"`
}

func (h *BatchHandler) ServeBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "Request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_json", "Malformed request body")
		return
	}
	if len(req.Requests) == 0 {
		writeError(w, http.StatusBadRequest, "empty_batch", "requests must not be empty")
		return
	}
	if len(req.Requests) > h.maxItems {
		writeError(w, http.StatusRequestEntityTooLarge, "batch_too_large",
			fmt.Sprintf("at most %d requests per batch", h.maxItems))
		return
	}

	opts := h.opts
	opts.Provider = h.provider
	opts.Limiter = h.limiter.Bucket(h.provider, h.policy)
	if req.AbortOnError != nil {
		opts.AbortOnError = *req.AbortOnError
	}
	log := hlog.FromRequest(r)
	if keyID, ok := auth.KeyIDFrom(r.Context()); ok {
		l := log.With().Str("key_id", keyID).Logger()
		log = &l
	}
	opts.Logger = *log

	s := batch.New(h.exec, opts)
	results, err := s.ProcessBatch(r.Context(), req.Requests)
	if err != nil {
		h.log.Error().Err(err).Msg("batch rejected")
		writeError(w, http.StatusServiceUnavailable, "executor_unavailable", "No executor configured")
		return
	}
	writeJSON(w, http.StatusOK, BatchResponse{Results: results, Stats: s.Stats()})
}

type limitsJSON struct {
	Provider       string  `json:"provider"`
	RPM            int     `json:"requests_per_minute"`
	Burst          int     `json:"burst"`
	TotalRequests  int64   `json:"total_requests"`
	WaitedRequests int64   `json:"waited_requests"`
	WaitRatio      float64 `json:"wait_ratio"`
	AvgWaitMS      int64   `json:"avg_wait_ms"`
	MaxWaitMS      int64   `json:"max_wait_ms"`
}

func (h *BatchHandler) ServeLimits(w http.ResponseWriter, _ *http.Request) {
	stats := h.limiter.Stats()
	out := make([]limitsJSON, 0, len(stats))
	for _, st := range stats {
		out = append(out, limitsJSON{
			Provider:       st.Provider,
			RPM:            st.Policy.RPM,
			Burst:          st.Policy.Burst,
			TotalRequests:  st.TotalRequests,
			WaitedRequests: st.WaitedRequests,
			WaitRatio:      st.WaitRatio(),
			AvgWaitMS:      st.AvgWait().Milliseconds(),
			MaxWaitMS:      st.MaxWait.Milliseconds(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"limits": out})
}
