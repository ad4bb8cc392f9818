package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestServerHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New()
	m.SubscriptionsTotal.WithLabelValues("subscribed").Inc()

	tests := []struct {
		name       string
		allowedIPs []string
		path       string
		remoteAddr string
		wantStatus int
	}{
		{"metrics open", nil, "/metrics", "203.0.113.5:1234", http.StatusOK},
		{"metrics allowed", []string{"10.0.0.0/8"}, "/metrics", "10.1.2.3:1234", http.StatusOK},
		{"metrics denied", []string{"10.0.0.0/8"}, "/metrics", "203.0.113.5:1234", http.StatusForbidden},
		{"health not filtered", []string{"10.0.0.0/8"}, "/health", "203.0.113.5:1234", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(m, ":0", "/metrics", tt.allowedIPs, logger)
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.RemoteAddr = tt.remoteAddr
			rec := httptest.NewRecorder()

			s.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.path == "/metrics" && rec.Code == http.StatusOK {
				if !strings.Contains(rec.Body.String(), "listsync_subscriptions_total") {
					t.Error("metrics output missing listsync_subscriptions_total")
				}
			}
		})
	}
}

func TestNewServerDefaults(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(New(), "", "", nil, logger)
	if s.addr != ":9090" {
		t.Errorf("addr = %q, want :9090", s.addr)
	}
	if s.path != "/metrics" {
		t.Errorf("path = %q, want /metrics", s.path)
	}
}
