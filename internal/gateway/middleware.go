package gateway

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/fireflydesk/flydesk/internal/auth"
)

// withRecovery turns handler panics into 500s instead of dropping the
// connection.
func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic",
					"path", r.URL.Path,
					"panic", rec,
					"stack", string(debug.Stack()))
				if s.cfg.Metrics != nil {
					s.cfg.Metrics.RecordError("gateway", "panic")
				}
				jsonError(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", duration,
			"remote_addr", r.RemoteAddr)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordHTTPRequest(r.Method, routePattern(r), strconv.Itoa(wrapped.status), duration.Seconds())
		}
	})
}

// withTracing opens a server span per request. Health and metrics probes
// are skipped; they would drown real traffic.
func (s *Server) withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		ctx, span := s.cfg.Tracer.TraceHTTPRequest(r.Context(), r.Method, r.URL.Path)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// routePattern prefers the matched mux pattern so metrics do not explode
// on path cardinality.
func routePattern(r *http.Request) string {
	if p := r.Pattern; p != "" {
		if _, path, ok := strings.Cut(p, " "); ok {
			return path
		}
		return p
	}
	return r.URL.Path
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		allowed := false
		for _, o := range s.cfg.CORSOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
		}
		if allowed && origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireSession authenticates the request and stores the session on the
// context. A bearer header is the primary carrier; a token query param is
// accepted for EventSource and websocket clients that cannot set headers.
// With no verifier configured, dev mode grants a wildcard session and
// production refuses.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Verifier == nil || !s.cfg.Verifier.Enabled() {
			if !s.cfg.DevMode {
				jsonError(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			ctx := auth.WithSession(r.Context(), auth.NewDevSession(r.Header.Get("X-Dev-User")))
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		token := bearerToken(r)
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		sess, err := s.cfg.Verifier.Validate(token)
		if err != nil {
			s.logger.Warn("token validation failed", "error", err)
			jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithSession(r.Context(), sess)))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func (s *Server) requirePermission(perm string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := auth.SessionFromContext(r.Context())
		if !ok {
			jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !sess.HasPermission(perm) {
			if s.cfg.Recorder != nil {
				s.cfg.Recorder.RecordAccessDenied(sess.UserID, r.URL.Path, "missing permission "+perm)
			}
			jsonError(w, fmt.Sprintf("missing permission %s", perm), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := auth.SessionFromContext(r.Context())
		if !ok {
			jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !isAdmin(sess) {
			if s.cfg.Recorder != nil {
				s.cfg.Recorder.RecordAccessDenied(sess.UserID, r.URL.Path, "admin role required")
			}
			jsonError(w, "admin role required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimited enforces the per-user budget. Limiter backend errors fail
// open and are logged.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := auth.SessionFromContext(r.Context())
		if !ok {
			jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		decision, err := s.cfg.Limiter.Allow(r.Context(), sess.UserID)
		if err != nil {
			s.logger.Warn("rate limiter error", "error", err)
		}
		if !decision.Allowed {
			seconds := int(decision.RetryAfter.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			jsonError(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// responseWriter captures the status code for logging. Flush and Hijack
// pass through so SSE streaming and websocket upgrades work behind the
// logging middleware.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("response writer does not support hijacking")
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }
