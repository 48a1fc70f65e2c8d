// Package httpx exposes the engine's operator surface: triggering and
// inspecting deployments, rollbacks, log streaming and health.
package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stackdock/stackdock/internal/domain"
	"github.com/stackdock/stackdock/internal/repository"
	"github.com/stackdock/stackdock/internal/service/dispatch"
	"github.com/stackdock/stackdock/internal/service/lifecycle"
	"github.com/stackdock/stackdock/internal/service/rollback"
	"github.com/stackdock/stackdock/internal/service/trigger"
	"github.com/stackdock/stackdock/internal/ws"
)

const healthCheckTimeout = 2 * time.Second

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	dispatcher  *dispatch.Dispatcher
	engine      *lifecycle.Service
	rollbacks   *rollback.Manager
	rules       *trigger.Engine
	deployments repository.DeploymentRepository
	logs        repository.LogRepository
	hub         *ws.Hub
	upgrader    websocket.Upgrader
	dbHealth    func(context.Context) error
}

// NewRouter assembles routes with dependencies.
func NewRouter(
	logger *slog.Logger,
	dispatcher *dispatch.Dispatcher,
	engine *lifecycle.Service,
	rollbacks *rollback.Manager,
	rules *trigger.Engine,
	deployments repository.DeploymentRepository,
	logs repository.LogRepository,
	hub *ws.Hub,
	dbHealth func(context.Context) error,
) *Router {
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      logger,
		dispatcher:  dispatcher,
		engine:      engine,
		rollbacks:   rollbacks,
		rules:       rules,
		deployments: deployments,
		logs:        logs,
		hub:         hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		dbHealth: dbHealth,
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/events/", r.audit(r.handleEvents))
	r.mux.HandleFunc("/services/", r.audit(r.handleServiceSubroutes))
	r.mux.HandleFunc("/deployments/", r.audit(r.handleDeploymentSubroutes))
	r.mux.HandleFunc("/rollbacks", r.audit(r.handleRollbacks))
	r.mux.HandleFunc("/rollbacks/", r.audit(r.handleRollbackSubroutes))
	r.mux.HandleFunc("/rules/stats", r.audit(r.handleRuleStats))
	r.mux.HandleFunc("/ws/logs", r.audit(r.handleLogsWS))
}

func (r *Router) handleRuleStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	projectID := req.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id query parameter required")
		return
	}
	stats, err := r.rules.Stats(req.Context(), projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleEvents receives a trigger event for a service and routes it through
// the rule engine into the deployment pipeline.
func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	serviceID := strings.TrimPrefix(req.URL.Path, "/events/")
	if serviceID == "" || strings.Contains(serviceID, "/") {
		r.notFound(w)
		return
	}
	var payload struct {
		Type          string                  `json:"type"`
		Branch        string                  `json:"branch"`
		Tag           string                  `json:"tag"`
		CommitSHA     string                  `json:"commit_sha"`
		CommitMessage string                  `json:"commit_message"`
		Author        string                  `json:"author"`
		ChangedFiles  []string                `json:"changed_files"`
		PullRequest   *domain.PullRequestInfo `json:"pull_request"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	event := domain.TriggerEvent{
		Type:          domain.EventType(payload.Type),
		Branch:        payload.Branch,
		Tag:           payload.Tag,
		CommitSHA:     payload.CommitSHA,
		CommitMessage: payload.CommitMessage,
		Author:        payload.Author,
		ChangedFiles:  payload.ChangedFiles,
		PullRequest:   payload.PullRequest,
		ReceivedAt:    time.Now().UTC(),
	}
	outcome, err := r.dispatcher.HandleEvent(req.Context(), serviceID, event)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, outcome)
}

func (r *Router) handleServiceSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/services/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" {
		r.notFound(w)
		return
	}
	serviceID := parts[0]
	switch parts[1] {
	case "deployments":
		r.handleServiceDeployments(w, req, serviceID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleServiceDeployments(w http.ResponseWriter, req *http.Request, serviceID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	deployments, err := r.deployments.ListDeploymentsByService(req.Context(), serviceID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, deployments)
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/deployments/")
	parts := strings.Split(trimmed, "/")
	if parts[0] == "" {
		r.notFound(w)
		return
	}
	deploymentID := parts[0]
	if len(parts) == 1 {
		r.handleDeployment(w, req, deploymentID)
		return
	}
	if len(parts) != 2 {
		r.notFound(w)
		return
	}
	switch parts[1] {
	case "logs":
		r.handleDeploymentLogs(w, req, deploymentID)
	case "rollbacks":
		r.handleDeploymentRollbacks(w, req, deploymentID)
	case "resume":
		r.handleDeploymentResume(w, req, deploymentID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleDeployment(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	deployment, err := r.deployments.GetDeploymentByID(req.Context(), deploymentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deployment)
}

func (r *Router) handleDeploymentLogs(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	entries, err := r.logs.ListLogsByDeployment(req.Context(), deploymentID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (r *Router) handleDeploymentRollbacks(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	history, err := r.rollbacks.History(req.Context(), deploymentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// handleDeploymentResume re-enters the recovery path for a stuck deployment
// on operator request.
func (r *Router) handleDeploymentResume(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if err := r.engine.ResumeFromPhase(req.Context(), deploymentID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "resumed"})
}

func (r *Router) handleRollbacks(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		FromDeploymentID string `json:"from_deployment_id"`
		ToDeploymentID   string `json:"to_deployment_id"`
		TriggeredBy      string `json:"triggered_by"`
		Reason           string `json:"reason"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rb, err := r.rollbacks.Start(req.Context(), payload.FromDeploymentID, payload.ToDeploymentID, payload.TriggeredBy, payload.Reason)
	if err != nil {
		// Validation failures stay 400, known domain conflicts get coded.
		switch {
		case errors.Is(err, rollback.ErrRollbackInProgress), errors.Is(err, repository.ErrNotFound):
			writeDomainError(w, err)
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, rb)
}

func (r *Router) handleRollbackSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/rollbacks/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	rollbackID := parts[0]
	switch parts[1] {
	case "complete":
		rb, err := r.rollbacks.Complete(req.Context(), rollbackID)
		if err != nil {
			r.rollbackError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rb)
	case "fail":
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(req.Body).Decode(&payload)
		rb, err := r.rollbacks.Fail(req.Context(), rollbackID, payload.Error)
		if err != nil {
			r.rollbackError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rb)
	default:
		r.notFound(w)
	}
}

func (r *Router) rollbackError(w http.ResponseWriter, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		writeDomainError(w, err)
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

// handleLogsWS streams deployment log entries over a websocket.
func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	deploymentID := req.URL.Query().Get("deployment_id")
	if deploymentID == "" {
		writeError(w, http.StatusBadRequest, "deployment_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn)
	r.hub.Register(deploymentID, client)
	go func() {
		defer func() {
			r.hub.Unregister(deploymentID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{"status": "down", "error": err.Error()}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
