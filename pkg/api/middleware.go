package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/NoHeadDotDev/minifly/pkg/log"
)

type ctxKey int

const (
	ctxKeyLog ctxKey = iota
	ctxKeyCorrelationID
)

const correlationHeader = "X-Minifly-Request-Id"

// recoveryMiddleware turns a panicking handler into a rendered Internal
// error instead of taking the whole process down, matching the teacher's
// habit of never letting a single command's failure crash the UI loop.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				entryFromRequest(r, s.Log).Errorf("panic in handler: %v", rec)
				writeError(w, entryFromRequest(r, s.Log), errInternalPanic(rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// correlationMiddleware assigns (or reuses) a correlation id and a
// request-scoped deadline, then stashes both on the request context.
func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get(correlationHeader)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		w.Header().Set(correlationHeader, correlationID)
		w.Header().Set("X-Minifly-Region", "local")

		timeout := s.Cfg.UserConfig.Server.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		ctx = context.WithValue(ctx, ctxKeyCorrelationID, correlationID)

		vars := mux.Vars(r)
		entry := log.ForRequest(s.Log, correlationID, vars["app"], vars["id"])
		ctx = context.WithValue(ctx, ctxKeyLog, entry)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware records one structured line per request, timing it and
// capturing the eventual status code.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		entryFromRequest(r, s.Log).WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      sw.status,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("request")
	})
}

// authMiddleware enforces a bearer token, skipped entirely in --dev mode or
// when no token is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Cfg.Dev || s.Cfg.UserConfig.Server.AuthToken == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		want := "Bearer " + s.Cfg.UserConfig.Server.AuthToken
		if r.Header.Get("Authorization") != want {
			writeError(w, entryFromRequest(r, s.Log), errUnauthorized())
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func entryFromRequest(r *http.Request, fallback *logrus.Entry) *logrus.Entry {
	if entry, ok := r.Context().Value(ctxKeyLog).(*logrus.Entry); ok {
		return entry
	}
	return fallback
}

func correlationIDFromRequest(r *http.Request) string {
	if id, ok := r.Context().Value(ctxKeyCorrelationID).(string); ok {
		return id
	}
	return ""
}
