package api

import (
	"crypto/subtle"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/listsync/internal/metrics"
	"github.com/foxzi/listsync/internal/page"
	"github.com/foxzi/listsync/internal/ratelimit"
)

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"bytes", ww.BytesWritten(),
			"remote_addr", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// authMiddleware checks API key authentication
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" {
			// No API key configured, allow all
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			auth = r.Header.Get("X-API-Key")
		}
		auth = strings.TrimPrefix(auth, "Bearer ")

		if subtle.ConstantTimeCompare([]byte(auth), []byte(s.config.APIKey)) != 1 {
			s.logger.Warn("unauthorized API request",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			metrics.IncAPIErrors("unauthorized")
			sendError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// bodyLimitMiddleware caps request bodies at api.max_body_bytes
func (s *Server) bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.MaxBodyBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// allowSubmission counts a submission against the rate limits. It writes a
// 429 response and returns false when a limit is exhausted.
func (s *Server) allowSubmission(w http.ResponseWriter, r *http.Request, pg *page.Page) bool {
	if s.limiter == nil {
		return true
	}

	req := &ratelimit.Request{SiteID: pg.SiteID, PageID: pg.ID}
	if addr, ok := s.ipFilter.ClientAddr(r); ok {
		req.IP = addr.String()
	}

	result, err := s.limiter.Allow(r.Context(), req)
	if err != nil {
		// Fail open
		s.logger.Error("rate limit check failed", "error", err)
		return true
	}
	if result.Allowed {
		return true
	}

	s.logger.Warn("submission rate limited",
		"page_id", pg.ID,
		"level", result.DeniedBy,
		"key", result.DeniedKey,
	)
	retryAfter := int(math.Ceil(result.RetryAfter.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", fmt.Sprint(retryAfter))
	sendError(w, http.StatusTooManyRequests, "Too many submissions, please try again later")
	return false
}
