// Package gateway is the HTTP surface: chat streaming, admin and
// knowledge CRUD, workflow webhooks, inbound email, health and metrics.
// Handlers stay thin; domain behavior lives in the packages they call.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fireflydesk/flydesk/internal/agent"
	"github.com/fireflydesk/flydesk/internal/agent/prompt"
	"github.com/fireflydesk/flydesk/internal/agent/routing"
	"github.com/fireflydesk/flydesk/internal/audit"
	"github.com/fireflydesk/flydesk/internal/auth"
	"github.com/fireflydesk/flydesk/internal/catalog"
	"github.com/fireflydesk/flydesk/internal/channels"
	"github.com/fireflydesk/flydesk/internal/jobs"
	"github.com/fireflydesk/flydesk/internal/llm"
	"github.com/fireflydesk/flydesk/internal/observability"
	"github.com/fireflydesk/flydesk/internal/ratelimit"
	"github.com/fireflydesk/flydesk/internal/storage"
	"github.com/fireflydesk/flydesk/internal/workflows"
)

// DocumentIndex deletes a document together with its indexed chunks.
// *knowledge.Indexer satisfies it; when nil the gateway falls back to a
// bare store delete.
type DocumentIndex interface {
	DeleteDocument(ctx context.Context, docID string) error
}

// Config wires the server's dependencies. Stores and Executor are
// required; everything else degrades gracefully when nil.
type Config struct {
	Addr        string
	DevMode     bool
	CORSOrigins []string
	// MaxAttachmentMB caps each inline chat attachment. 0 means only the
	// default body limit applies.
	MaxAttachmentMB int

	Stores   storage.StoreSet
	Executor *agent.Executor
	Enricher *prompt.Enricher
	Engine   *workflows.Engine
	Runner   *jobs.Runner
	LLMs     *llm.Registry
	Routing  *routing.Store
	Cipher   *catalog.Cipher
	Verifier *auth.Verifier
	Limiter  ratelimit.Limiter
	Channels *channels.Router
	Recorder *audit.Recorder
	Index    DocumentIndex

	Metrics      *observability.Metrics
	Tracer       *observability.Tracer
	PromRegistry *prometheus.Registry
	Logger       *slog.Logger
}

// Server serves the Firefly Desk HTTP API.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	listener net.Listener
	server   *http.Server
	started  time.Time
}

// NewServer validates required dependencies and builds the route table.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Stores.Conversations == nil {
		return nil, fmt.Errorf("gateway: stores are required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("gateway: executor is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.NewFixedWindow(0)
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
	}
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Handler exposes the full middleware-wrapped route table, for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Unauthenticated surface. Webhook tokens and provider payloads carry
	// their own proof; health and metrics are for the platform.
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.cfg.PromRegistry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.PromRegistry, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /api/llm/status", s.handleLLMStatus)
	mux.HandleFunc("POST /api/webhooks/{token}", s.handleWorkflowWebhook)
	mux.HandleFunc("POST /api/email/inbound/{provider}", s.handleEmailInbound)

	// Authenticated surface. Rate limiting keys on the session user and
	// runs after the permission check, so 403 wins over 429.
	user := func(h http.HandlerFunc) http.Handler {
		return s.requireSession(s.rateLimited(h))
	}
	perm := func(p string, h http.HandlerFunc) http.Handler {
		return s.requireSession(s.requirePermission(p, s.rateLimited(h)))
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return s.requireSession(s.requireAdmin(s.rateLimited(h)))
	}

	mux.Handle("POST /api/chat/messages", perm("chat:send", s.handleChatMessage))
	mux.Handle("GET /api/chat/ws", perm("chat:send", s.handleChatWS))
	mux.Handle("POST /api/chat/confirm", user(s.handleChatConfirm))
	mux.Handle("GET /api/chat/conversations", user(s.handleConversationList))
	mux.Handle("GET /api/chat/conversations/{id}", user(s.handleConversationGet))
	mux.Handle("DELETE /api/chat/conversations/{id}", user(s.handleConversationDelete))

	mux.Handle("GET /api/admin/model-routing", admin(s.handleRoutingGet))
	mux.Handle("PUT /api/admin/model-routing", admin(s.handleRoutingPut))

	mux.Handle("GET /api/workspaces", user(s.handleWorkspaceList))
	mux.Handle("POST /api/workspaces", user(s.handleWorkspaceCreate))
	mux.Handle("DELETE /api/workspaces/{id}", user(s.handleWorkspaceDelete))

	mux.Handle("GET /api/knowledge/documents", user(s.handleDocumentList))
	mux.Handle("POST /api/knowledge/documents", user(s.handleDocumentCreate))
	mux.Handle("GET /api/knowledge/documents/{id}", user(s.handleDocumentGet))
	mux.Handle("PUT /api/knowledge/documents/{id}", user(s.handleDocumentUpdate))
	mux.Handle("DELETE /api/knowledge/documents/{id}", user(s.handleDocumentDelete))

	mux.Handle("GET /api/credentials", admin(s.handleCredentialList))
	mux.Handle("POST /api/credentials", admin(s.handleCredentialPut))
	mux.Handle("DELETE /api/credentials/{id}", admin(s.handleCredentialDelete))

	mux.Handle("GET /api/audit/events", user(s.handleAuditQuery))

	mux.Handle("POST /api/workflows", user(s.handleWorkflowStart))
	mux.Handle("GET /api/workflows", user(s.handleWorkflowList))
	mux.Handle("GET /api/workflows/{id}", user(s.handleWorkflowStatus))
	mux.Handle("POST /api/workflows/{id}/cancel", user(s.handleWorkflowCancel))
	mux.Handle("POST /api/workflows/{id}/input", user(s.handleWorkflowInput))

	mux.Handle("GET /api/jobs", user(s.handleJobList))
	mux.Handle("GET /api/jobs/{id}", user(s.handleJobGet))
	mux.Handle("POST /api/jobs/{id}/cancel", user(s.handleJobCancel))

	return s.withRecovery(s.withRequestLog(s.withTracing(s.withCORS(mux))))
}

// Start listens and serves in the background. It returns once the
// listener is bound so callers can report the address immediately.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.listener = listener
	s.started = time.Now()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("gateway listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"version": Version,
	})
}

// Version is stamped by the main package at startup.
var Version = "dev"
