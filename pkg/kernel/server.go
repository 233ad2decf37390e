package kernel

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/oapi-codegen/runtime"

	"github.com/manthysbr/ticketflow/internal/core/domain"
	"github.com/manthysbr/ticketflow/internal/core/ports"
	"github.com/manthysbr/ticketflow/internal/core/services"
	"github.com/manthysbr/ticketflow/internal/metrics"
)

//go:embed openapi.yaml
var openapiSpec []byte

const (
	defaultCheckpointLimit = 20
	wsPingInterval         = 30 * time.Second
	wsWriteTimeout         = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Deps are the services the HTTP API exposes
type Deps struct {
	Orchestrator *services.Orchestrator
	Retriever    *services.ContextRetriever
	Maintenance  *services.Maintenance
	Contexts     ports.ContextStore
	Checkpoints  ports.CheckpointStore
	EventBus     *services.EventBus
	// SendComments posts final responses back to the tracker on /v1/tickets/process.
	SendComments bool
	// RetentionDays applies to /v1/maintenance when the request omits days.
	RetentionDays int
}

type Server struct {
	logger *slog.Logger
	deps   Deps
	router routers.Router
}

// NewServer loads the embedded OpenAPI document used for request validation.
func NewServer(logger *slog.Logger, deps Deps) (*Server, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiSpec)
	if err != nil {
		return nil, fmt.Errorf("failed to load openapi document: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("invalid openapi document: %w", err)
	}
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to build openapi router: %w", err)
	}
	return &Server{logger: logger, deps: deps, router: router}, nil
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.observe, s.validate)

	r.HandleFunc("/v1/tickets/process", s.handleProcess).Methods(http.MethodPost)
	r.HandleFunc("/v1/tickets/process_test", s.handleProcessDryRun).Methods(http.MethodPost)
	r.HandleFunc("/v1/tickets/batch", s.handleBatch).Methods(http.MethodPost)

	p := r.PathPrefix("/v1/projects/{projectId}").Subrouter()
	p.HandleFunc("/context", s.handleGetContext).Methods(http.MethodGet)
	p.HandleFunc("/stats", s.handleGetStats).Methods(http.MethodGet)
	p.HandleFunc("/checkpoints", s.handleListCheckpoints).Methods(http.MethodGet)
	p.HandleFunc("/compress", s.handleCompress).Methods(http.MethodPost)
	p.HandleFunc("/resume", s.handleResume).Methods(http.MethodPost)
	p.HandleFunc("/events", s.handleProjectSSE).Methods(http.MethodGet)
	p.HandleFunc("/events/ws", s.handleProjectWS).Methods(http.MethodGet)

	r.HandleFunc("/v1/events", s.handleGlobalSSE).Methods(http.MethodGet)
	r.HandleFunc("/v1/maintenance", s.handleMaintenance).Methods(http.MethodPost)
	r.HandleFunc("/v1/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/info", s.handleInfo).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	return r
}

// --- Tickets ---

// handleProcess runs one ticket, posting the reply when the tracker is enabled.
// POST /v1/tickets/process
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	s.process(w, r, s.deps.SendComments)
}

// handleProcessDryRun runs one ticket without touching the tracker.
// POST /v1/tickets/process_test
func (s *Server) handleProcessDryRun(w http.ResponseWriter, r *http.Request) {
	s.process(w, r, false)
}

func (s *Server) process(w http.ResponseWriter, r *http.Request, send bool) {
	var req domain.IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	res, err := s.deps.Orchestrator.Process(r.Context(), req, services.ProcessOptions{SendComment: send})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type batchRequest struct {
	Issues   []domain.IssueRequest `json:"issues"`
	Parallel bool                  `json:"parallel"`
}

// POST /v1/tickets/batch
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	res, err := s.deps.Orchestrator.ProcessBatch(r.Context(), req.Issues, services.BatchOptions{
		Parallel:    req.Parallel,
		SendComment: s.deps.SendComments,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Projects ---

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	projectID, ok := s.projectID(w, r)
	if !ok {
		return
	}
	rc, err := s.deps.Retriever.RetrieveContext(r.Context(), projectID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	projectID, ok := s.projectID(w, r)
	if !ok {
		return
	}
	stats, err := s.deps.Contexts.ProjectStats(r.Context(), projectID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleListCheckpoints returns the newest checkpoints of a project thread.
// GET /v1/projects/{projectId}/checkpoints?limit=N
func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	projectID, ok := s.projectID(w, r)
	if !ok {
		return
	}

	var limit *int
	if err := runtime.BindQueryParameter("form", true, false, "limit", r.URL.Query(), &limit); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit", err.Error())
		return
	}
	n := defaultCheckpointLimit
	if limit != nil {
		n = *limit
	}

	threadID := domain.ThreadID(projectID)
	cps, err := s.deps.Checkpoints.ListCheckpoints(r.Context(), threadID, n)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if cps == nil {
		cps = []domain.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id":   threadID,
		"checkpoints": cps,
		"count":       len(cps),
	})
}

// POST /v1/projects/{projectId}/compress
func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	projectID, ok := s.projectID(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Maintenance.CompressProject(r.Context(), projectID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project_id": projectID,
		"compressed": res != nil,
		"result":     res,
	})
}

// handleProjectSSE streams workflow and compression events of one project.
// GET /v1/projects/{projectId}/events
func (s *Server) handleProjectSSE(w http.ResponseWriter, r *http.Request) {
	projectID, ok := s.projectID(w, r)
	if !ok {
		return
	}
	ch, unsub := s.deps.EventBus.Subscribe(projectID)
	defer unsub()
	s.streamSSE(w, r, ch)
}

// handleGlobalSSE streams the events of every project.
// GET /v1/events
func (s *Server) handleGlobalSSE(w http.ResponseWriter, r *http.Request) {
	ch, unsub := s.deps.EventBus.SubscribeGlobal()
	defer unsub()
	s.streamSSE(w, r, ch)
}

func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, ch <-chan services.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, evt.Data)
			flusher.Flush()
		}
	}
}

type wsEvent struct {
	Type      services.EventType `json:"type"`
	ProjectID string             `json:"project_id"`
	Data      json.RawMessage    `json:"data"`
}

// handleProjectWS is the websocket flavour of handleProjectSSE.
// GET /v1/projects/{projectId}/events/ws
func (s *Server) handleProjectWS(w http.ResponseWriter, r *http.Request) {
	projectID, ok := s.projectID(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "project_id", projectID, "error", err)
		return
	}
	defer conn.Close()

	ch, unsub := s.deps.EventBus.Subscribe(projectID)
	defer unsub()

	// The read loop only exists to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("websocket closed", "project_id", projectID, "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case evt, ok := <-ch:
			if !ok {
				return
			}
			msg := wsEvent{Type: evt.Type, ProjectID: evt.ProjectID, Data: json.RawMessage(evt.Data)}
			if !json.Valid(msg.Data) {
				quoted, _ := json.Marshal(evt.Data)
				msg.Data = quoted
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug("websocket write failed", "project_id", projectID, "error", err)
				return
			}
		}
	}
}

// handleResume continues the latest checkpoint of a project.
// POST /v1/projects/{projectId}/resume
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	projectID, ok := s.projectID(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Orchestrator.Resume(r.Context(), projectID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Operations ---

// handleMaintenance purges old turns and compresses contexts over threshold.
// POST /v1/maintenance?days=N
func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var days int
	var skipCleanup, skipCompress bool
	for name, dest := range map[string]any{"days": &days, "skip_cleanup": &skipCleanup, "skip_compress": &skipCompress} {
		if err := runtime.BindQueryParameter("form", true, false, name, q, dest); err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+name, err.Error())
			return
		}
	}

	if days == 0 {
		days = s.deps.RetentionDays
	}

	stats := s.deps.Maintenance.Run(r.Context(), services.MaintenanceOptions{
		DeleteOldTurns:   !skipCleanup,
		CompressContexts: !skipCompress,
		DaysToKeep:       days,
	})
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.deps.Orchestrator.Health(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	body := map[string]any{"status": "healthy"}
	if stats, err := s.deps.Contexts.StoreStats(ctx); err != nil {
		s.logger.Warn("store stats unavailable", "error", err)
	} else {
		body["store"] = stats
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Orchestrator.Info())
}

// projectID binds the path parameter, writing a 400 when it is malformed.
func (s *Server) projectID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var id string
	err := runtime.BindStyledParameterWithLocation("simple", false, "projectId", runtime.ParamLocationPath, mux.Vars(r)["projectId"], &id)
	if err != nil || id == "" {
		detail := "projectId is required"
		if err != nil {
			detail = err.Error()
		}
		writeError(w, http.StatusBadRequest, "invalid project id", detail)
		return "", false
	}
	return id, true
}

// --- Middleware ---

// validate checks requests against the OpenAPI document. Paths the document
// does not describe pass through untouched.
func (s *Server) validate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, pathParams, err := s.router.FindRoute(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: pathParams,
			Route:      route,
			Options: &openapi3filter.Options{
				AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
			},
		}
		if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
			writeError(w, http.StatusBadRequest, "request failed validation", err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// observe logs and counts every routed request by its path template.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.RecordHTTPRequest(r.Method, route, rec.status)
		s.logger.Debug("http request", "method", r.Method, "route", route, "status", rec.status, "duration", time.Since(start))
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

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// --- Responses ---

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "invalid request", verr.Fields)
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrBatchTooLarge):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, domain.ErrProjectContextNotFound), errors.Is(err, domain.ErrCheckpointNotFound):
		writeError(w, http.StatusNotFound, err.Error(), nil)
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string, details any) {
	body := map[string]any{"error": msg}
	if details != nil {
		body["details"] = details
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
