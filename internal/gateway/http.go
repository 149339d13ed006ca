package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/attachehq/attache/internal/auth"
	"github.com/attachehq/attache/internal/channels"
	"github.com/attachehq/attache/internal/governor"
	"github.com/attachehq/attache/internal/linking"
	"github.com/attachehq/attache/internal/outbound"
	"github.com/attachehq/attache/internal/pipeline"
	"github.com/attachehq/attache/internal/storage"
	"github.com/attachehq/attache/pkg/models"
)

// maxWebhookBody caps pushed provider payloads.
const maxWebhookBody = 1 << 20 // 1MB

func (s *Server) startHTTPServer() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.HTTPPort)

	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.httpServer = server
	s.httpListener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("starting http server", "addr", addr)
	return nil
}

func (s *Server) startMetricsServer() error {
	if s.config.Server.MetricsPort <= 0 {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.MetricsPort)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	s.metricsServer = server

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server error", "error", err)
		}
	}()

	s.logger.Info("starting metrics server", "addr", addr)
	return nil
}

func (s *Server) stopHTTPServers(ctx context.Context) {
	shutdownCtx := ctx
	var cancel context.CancelFunc
	if shutdownCtx == nil {
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http server shutdown error", "error", err)
		}
		s.httpServer = nil
		s.httpListener = nil
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("metrics server shutdown error", "error", err)
		}
		s.metricsServer = nil
	}
}

// routes assembles the gateway's HTTP surface: health, provider
// webhooks, and the authenticated operator API.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /webhooks/{channel}", s.handleWebhook)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/v1/approvals", s.handleListApprovals)
	api.HandleFunc("POST /api/v1/approvals/{id}/approve", s.handleApprove)
	api.HandleFunc("POST /api/v1/approvals/{id}/reject", s.handleReject)
	api.HandleFunc("POST /api/v1/link-tokens", s.handleIssueLinkToken)
	api.HandleFunc("GET /api/v1/sessions/{id}/transcript", s.handleTranscript)
	api.HandleFunc("GET /api/v1/bindings", s.handleListBindings)
	api.HandleFunc("PUT /api/v1/bindings/{channel}", s.handlePutBinding)
	api.HandleFunc("DELETE /api/v1/bindings/{channel}", s.handleDeleteBinding)
	mux.Handle("/api/v1/", auth.Middleware(s.auth, s.logger)(api))

	return s.instrument(mux)
}

// instrument records request latency per route group. Labels use the
// route prefix, not the raw path, to keep cardinality bounded.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, routeLabel(r.URL.Path), strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routeLabel(path string) string {
	switch {
	case path == "/healthz":
		return "/healthz"
	case strings.HasPrefix(path, "/webhooks/"):
		return "/webhooks"
	case strings.HasPrefix(path, "/api/v1/"):
		return "/api/v1"
	default:
		return "other"
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleWebhook verifies a pushed provider payload and hands it to the
// matching adapter's own handler.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	channelType := models.ChannelType(r.PathValue("channel"))
	adapter, ok := s.channels.Get(channelType)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown channel")
		return
	}
	receiver, ok := adapter.(channels.WebhookReceiver)
	if !ok {
		writeError(w, http.StatusNotFound, "channel does not accept webhooks")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	if !adapter.VerifyWebhook(body, r.Header) {
		s.logger.Warn("webhook signature verification failed", "channel", channelType)
		writeError(w, http.StatusForbidden, "signature verification failed")
		return
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	receiver.WebhookHandler().ServeHTTP(w, r)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	pending, err := s.governor.Pending(r.Context(), tenantID)
	if err != nil {
		s.apiError(w, err)
		return
	}
	if pending == nil {
		pending = []*models.ToolExecution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.authorizeExecution(w, r, id) {
		return
	}

	var body struct {
		EditedParams json.RawMessage `json:"edited_params,omitempty"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	result, err := s.pipeline.Resume(r.Context(), pipeline.Decision{
		ExecutionID:  id,
		Reviewer:     reviewerName(r),
		Approve:      true,
		EditedParams: body.EditedParams,
	})
	if err != nil {
		s.apiError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runSummary(result))
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.authorizeExecution(w, r, id) {
		return
	}

	var body struct {
		Instruction string `json:"instruction,omitempty"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	result, err := s.pipeline.Resume(r.Context(), pipeline.Decision{
		ExecutionID: id,
		Reviewer:    reviewerName(r),
		Approve:     false,
		Instruction: body.Instruction,
	})
	if err != nil {
		s.apiError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runSummary(result))
}

func (s *Server) handleIssueLinkToken(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	token, err := s.linking.IssueToken(r.Context(), tenantID, reviewerName(r))
	if err != nil {
		s.apiError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":      token.Token,
		"tenant_id":  token.TenantID,
		"expires_at": token.ExpiresAt,
	})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := s.stores.sessions.Get(r.Context(), id)
	if err != nil {
		s.apiError(w, err)
		return
	}
	if !tenantAllowed(r, session.TenantID) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	history, err := s.stores.sessions.History(r.Context(), id, limit)
	if err != nil {
		s.apiError(w, err)
		return
	}
	if history == nil {
		history = []*models.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"messages":   history,
	})
}

func (s *Server) handleListBindings(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	bindings, err := s.stores.bindings.ListByTenant(r.Context(), tenantID)
	if err != nil {
		s.apiError(w, err)
		return
	}
	if bindings == nil {
		bindings = []*outbound.Binding{}
	}
	// Binding marshals without credentials; only which channels are bound
	// leaves the process.
	writeJSON(w, http.StatusOK, map[string]any{"bindings": bindings})
}

func (s *Server) handlePutBinding(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	channel := models.ChannelType(r.PathValue("channel"))

	var body struct {
		Credentials map[string]string `json:"credentials"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.Credentials) == 0 {
		writeError(w, http.StatusBadRequest, "credentials are required")
		return
	}

	binding := &outbound.Binding{
		TenantID:    tenantID,
		Channel:     channel,
		Credentials: outbound.Credentials(body.Credentials),
	}
	if err := s.stores.bindings.Put(r.Context(), binding); err != nil {
		s.apiError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, binding)
}

func (s *Server) handleDeleteBinding(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	channel := models.ChannelType(r.PathValue("channel"))
	if err := s.stores.bindings.Delete(r.Context(), tenantID, channel); err != nil {
		s.apiError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requestTenant resolves which tenant an API request acts on. Tenant
// credentials are pinned to their own tenant; platform operators name one
// with ?tenant=. The bool is false when a response was already written.
func (s *Server) requestTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	if user, ok := auth.UserFromContext(r.Context()); ok && user.TenantID != "" {
		return user.TenantID, true
	}
	if tenant := r.URL.Query().Get("tenant"); tenant != "" {
		return tenant, true
	}
	writeError(w, http.StatusBadRequest, "tenant is required")
	return "", false
}

// authorizeExecution checks that the caller may decide the given
// proposal. Out-of-scope records read as absent.
func (s *Server) authorizeExecution(w http.ResponseWriter, r *http.Request, id string) bool {
	exec, err := s.governor.Get(r.Context(), id)
	if err != nil {
		s.apiError(w, err)
		return false
	}
	if !tenantAllowed(r, exec.TenantID) {
		writeError(w, http.StatusNotFound, "not found")
		return false
	}
	return true
}

// tenantAllowed reports whether the request's credential may touch the
// given tenant. Platform operators and disabled auth may touch any.
func tenantAllowed(r *http.Request, tenantID string) bool {
	user, ok := auth.UserFromContext(r.Context())
	if !ok || user.TenantID == "" {
		return true
	}
	return user.TenantID == tenantID
}

// reviewerName identifies the acting human in decision records.
func reviewerName(r *http.Request) string {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		return "operator"
	}
	if user.Email != "" {
		return user.Email
	}
	return user.ID
}

func runSummary(result *pipeline.RunResult) map[string]any {
	summary := map[string]any{
		"run_id":     result.RunID,
		"tenant_id":  result.TenantID,
		"session_id": result.SessionID,
		"status":     result.Status,
		"reply":      result.Reply,
		"delivered":  result.Delivered,
	}
	if result.Held != nil {
		summary["held_execution_id"] = result.Held.ID
	}
	return summary
}

// decodeBody decodes a JSON request body into v. An empty body leaves v
// zero valued. The bool is false when an error response was written.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
	if errors.Is(err, io.EOF) {
		return true
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) apiError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, governor.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "proposal already decided")
	case errors.Is(err, linking.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	default:
		s.logger.Error("api error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
