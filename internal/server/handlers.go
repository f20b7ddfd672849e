package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"nhooyr.io/websocket"

	"github.com/quantdb/quantdb/internal/domain"
	"github.com/quantdb/quantdb/internal/service"
)

// envelope is the uniform success body: payload plus the request's
// cache accounting.
type envelope struct {
	Data interface{}   `json:"data"`
	Meta *service.Meta `json:"meta,omitempty"`
}

type apiError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

// statusFor maps a taxonomy code to an HTTP status. no_trading_days
// never reaches here: the daily handlers answer it with 200 and an
// empty array.
func statusFor(code string) int {
	switch code {
	case "invalid_symbol", "validation", "calendar_range":
		return http.StatusBadRequest
	case "upstream_overloaded":
		return http.StatusTooManyRequests
	case "upstream_fail", "cancelled":
		return http.StatusBadGateway
	case "data_unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) respondData(w http.ResponseWriter, data interface{}, meta service.Meta) {
	m := meta
	s.writeJSON(w, http.StatusOK, envelope{Data: data, Meta: &m})
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.ErrorCode(err)
	status := statusFor(code)

	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		msg = "internal error"
	}

	s.writeJSON(w, status, errorEnvelope{Error: apiError{
		Code:      code,
		Message:   msg,
		RequestID: w.Header().Get("X-Request-ID"),
	}})
}

func (s *Server) handleDailyBars(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := s.deps.Facade.GetDailyBars(r.Context(),
		chi.URLParam(r, "symbol"), q.Get("start"), q.Get("end"), q.Get("adjust"))
	if err != nil && !errors.Is(err, domain.ErrNoTradingDays) {
		s.respondError(w, r, err)
		return
	}
	s.respondData(w, res.Bars, res.Meta)
}

func (s *Server) handleIndexBars(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := s.deps.Facade.GetIndexBars(r.Context(),
		chi.URLParam(r, "symbol"), q.Get("start"), q.Get("end"), q.Get("period"))
	if err != nil && !errors.Is(err, domain.ErrNoTradingDays) {
		s.respondError(w, r, err)
		return
	}
	s.respondData(w, res.Bars, res.Meta)
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Facade.GetRealtime(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondData(w, res.Snapshot, res.Meta)
}

func (s *Server) handleRealtimeBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbols []string `json:"symbols"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, fmt.Errorf("%w: malformed JSON body: %v", domain.ErrValidation, err))
		return
	}

	res, err := s.deps.Facade.GetRealtimeBatch(r.Context(), req.Symbols)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondData(w, res.Entries, res.Meta)
}

func (s *Server) handleAssetInfo(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("refresh") == "true"
	res, err := s.deps.Facade.GetAssetInfo(r.Context(), chi.URLParam(r, "symbol"), force)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondData(w, res.Asset, res.Meta)
}

// financialPayload reshapes a financial result for the wire: the cached
// upstream records plus their fetch time.
type financialPayload struct {
	Kind      domain.FinancialKind `json:"kind"`
	FetchedAt time.Time            `json:"fetched_at"`
	Records   json.RawMessage      `json:"records"`
}

func (s *Server) handleFinancialSummary(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Facade.GetFinancialSummary(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondData(w, financialPayload{Kind: res.Kind, FetchedAt: res.FetchedAt, Records: res.Data}, res.Meta)
}

func (s *Server) handleFinancialIndicators(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Facade.GetFinancialIndicators(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondData(w, financialPayload{Kind: res.Kind, FetchedAt: res.FetchedAt, Records: res.Data}, res.Meta)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Facade.CacheStats(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{Data: res})
}

// clearPayload is ClearResult without its embedded meta, which the
// envelope already carries.
type clearPayload struct {
	Scope            string   `json:"scope"`
	Symbols          []string `json:"symbols,omitempty"`
	BarsDeleted      int64    `json:"bars_deleted"`
	IndexBarsDeleted int64    `json:"index_bars_deleted"`
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := s.deps.Facade.ClearCache(r.Context(), q.Get("scope"), q.Get("symbol"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondData(w, clearPayload{
		Scope:            res.Scope,
		Symbols:          res.Symbols,
		BarsDeleted:      res.BarsDeleted,
		IndexBarsDeleted: res.IndexBarsDeleted,
	}, res.Meta)
}

func (s *Server) handleRecentRequests(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.respondError(w, r, fmt.Errorf("%w: limit must be a positive integer", domain.ErrValidation))
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}

	records, err := s.deps.RequestLog.Recent(r.Context(), limit)
	if err != nil {
		s.respondError(w, r, fmt.Errorf("failed to read request log: %w", err))
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{Data: records})
}

func (s *Server) handleMonitorStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	err = s.deps.Hub.ServeConn(r.Context(), conn)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		conn.Close(websocket.StatusNormalClosure, "")
	default:
		s.log.Debug().Err(err).Msg("Monitor stream closed")
		conn.Close(websocket.StatusTryAgainLater, "stream closed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, dbStatus := "ok", "ok"
	code := http.StatusOK
	if s.deps.DB != nil {
		if err := s.deps.DB.HealthCheck(r.Context()); err != nil {
			s.log.Warn().Err(err).Msg("Health check failed")
			status, dbStatus = "degraded", "unavailable"
			code = http.StatusServiceUnavailable
		}
	}
	s.writeJSON(w, code, map[string]string{
		"status":   status,
		"database": dbStatus,
	})
}

type systemStatus struct {
	Status        string  `json:"status"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	Goroutines    int     `json:"goroutines"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemPercent    float64 `json:"mem_percent"`
	MemUsedMB     uint64  `json:"mem_used_mb"`
	DBSizeBytes   int64   `json:"db_size_bytes"`
	WALSizeBytes  int64   `json:"wal_size_bytes"`
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	status := systemStatus{
		Status:        "running",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
	}

	if pcts, err := cpu.Percent(100*time.Millisecond, false); err != nil {
		s.log.Warn().Err(err).Msg("Failed to sample CPU usage")
	} else if len(pcts) > 0 {
		status.CPUPercent = pcts[0]
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to read memory usage")
	} else {
		status.MemPercent = vm.UsedPercent
		status.MemUsedMB = vm.Used / 1024 / 1024
	}

	if s.deps.DB != nil {
		if st, err := s.deps.DB.GetStats(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to read database stats")
		} else {
			status.DBSizeBytes = st.SizeBytes
			status.WALSizeBytes = st.WALSizeBytes
		}
	}

	s.writeJSON(w, http.StatusOK, envelope{Data: status})
}
