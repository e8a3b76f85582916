package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHandleHealth_returnsOK(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	rec := httptest.NewRecorder()
	HandleHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "1.2.3" || resp.Commit != "abc1234" {
		t.Errorf("response = %+v", resp)
	}
}

func serveReady(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return rec.Code, resp
}

func healthy() HealthChecker {
	return HealthCheckFunc(func(context.Context) error { return nil })
}

func TestHandleReady_noCheckers(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{})
	if code != http.StatusOK || resp.Status != "ready" {
		t.Errorf("code = %d, status = %q", code, resp.Status)
	}
	if len(resp.Checks) != 0 {
		t.Errorf("checks = %v, want none", resp.Checks)
	}
}

func TestHandleReady_allHealthy(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		DefinitionStore:  healthy(),
		InstanceStore:    healthy(),
		Scheduler:        healthy(),
		IdempotencyStore: healthy(),
	})
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	if len(resp.Checks) != 4 {
		t.Errorf("checks = %d, want 4", len(resp.Checks))
	}
	for name, c := range resp.Checks {
		if c.Status != "ok" {
			t.Errorf("%s status = %q", name, c.Status)
		}
	}
}

func TestHandleReady_schedulerDown(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		InstanceStore: healthy(),
		Scheduler:     HealthCheckFunc(func(context.Context) error { return errors.New("redis: connection refused") }),
	})
	if code != http.StatusServiceUnavailable || resp.Status != "not_ready" {
		t.Fatalf("code = %d, status = %q", code, resp.Status)
	}
	if got := resp.Checks["scheduler"]; got.Status != "error" || got.Error != "redis: connection refused" {
		t.Errorf("scheduler check = %+v", got)
	}
	if resp.Checks["instance_store"].Status != "ok" {
		t.Errorf("instance_store check = %+v", resp.Checks["instance_store"])
	}
}

func TestHandleReady_checkTimesOut(t *testing.T) {
	slow := HealthCheckFunc(func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Minute):
			return nil
		}
	})
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	ctx, cancel := context.WithTimeout(req.Context(), 50*time.Millisecond)
	defer cancel()

	rec := httptest.NewRecorder()
	HandleReady(ReadinessChecks{DefinitionStore: slow}).ServeHTTP(rec, req.WithContext(ctx))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
