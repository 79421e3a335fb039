package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func testRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		OTPRate:         rate.Limit(1.0 / 60.0),
		OTPBurst:        2,
		LoginRate:       rate.Limit(1.0 / 60.0),
		LoginBurst:      3,
		CleanupInterval: time.Minute,
	}
}

func serveFrom(handler http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/auth/user/send-otp", nil)
	req.RemoteAddr = remoteAddr
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiter_OTP_AllowsBurstThenRejects(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()
	handler := rl.OTPMiddleware()(okHandler())

	for i := range 2 {
		if w := serveFrom(handler, "192.0.2.1:1234"); w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, w.Code)
		}
	}

	w := serveFrom(handler, "192.0.2.1:5678")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q, want 60", w.Header().Get("Retry-After"))
	}
}

func TestRateLimiter_PerClientIP(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()
	handler := rl.OTPMiddleware()(okHandler())

	serveFrom(handler, "192.0.2.1:1")
	serveFrom(handler, "192.0.2.1:2")

	if w := serveFrom(handler, "198.51.100.7:1"); w.Code != http.StatusOK {
		t.Errorf("other client: status = %d, want 200", w.Code)
	}
	if rl.OTPLimiterCount() != 2 {
		t.Errorf("OTPLimiterCount = %d, want 2", rl.OTPLimiterCount())
	}
}

func TestRateLimiter_BucketsAreIndependent(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()
	otpHandler := rl.OTPMiddleware()(okHandler())
	loginHandler := rl.LoginMiddleware()(okHandler())

	serveFrom(otpHandler, "192.0.2.1:1")
	serveFrom(otpHandler, "192.0.2.1:1")
	if w := serveFrom(otpHandler, "192.0.2.1:1"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("otp: status = %d, want 429", w.Code)
	}

	for i := range 3 {
		if w := serveFrom(loginHandler, "192.0.2.1:1"); w.Code != http.StatusOK {
			t.Fatalf("login request %d: status = %d, want 200", i, w.Code)
		}
	}
	if w := serveFrom(loginHandler, "192.0.2.1:1"); w.Code != http.StatusTooManyRequests {
		t.Errorf("login: status = %d, want 429", w.Code)
	}
	if rl.LoginLimiterCount() != 1 {
		t.Errorf("LoginLimiterCount = %d, want 1", rl.LoginLimiterCount())
	}
}

func TestRateLimiter_CleanupEvictsIdleEntries(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	rl.otp.get("192.0.2.1", time.Now().Add(-time.Hour))
	rl.otp.get("192.0.2.2", time.Now())

	rl.cleanup()

	if rl.OTPLimiterCount() != 1 {
		t.Errorf("OTPLimiterCount = %d, want 1 after cleanup", rl.OTPLimiterCount())
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	rl.Stop()
	rl.Stop()
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"192.0.2.1:1234", "192.0.2.1"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"192.0.2.9", "192.0.2.9"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remoteAddr
		if got := clientIP(req); got != tt.want {
			t.Errorf("clientIP(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}
