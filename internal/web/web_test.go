package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"calplan/internal/calsync"
	"calplan/internal/config"
	"calplan/internal/model"
	"calplan/internal/provider"
	"calplan/internal/store"
)

type fakeSyncer struct {
	calls  []string
	result calsync.Result
	count  int
	err    error
}

func (f *fakeSyncer) SyncCalendar(_ context.Context, id string) (calsync.Result, error) {
	f.calls = append(f.calls, "calendar:"+id)
	return f.result, f.err
}

func (f *fakeSyncer) SyncAllCalendars(context.Context) (int, error) {
	f.calls = append(f.calls, "all")
	return f.count, f.err
}

type fakePlanner struct {
	calls []string
	count int
	err   error
}

func (f *fakePlanner) AutoScheduleTasks(_ context.Context, id string) (int, error) {
	f.calls = append(f.calls, "schedule:"+id)
	return f.count, f.err
}

func (f *fakePlanner) ClearScheduledTasks(_ context.Context, id string) (int, error) {
	f.calls = append(f.calls, "clear:"+id)
	return f.count, f.err
}

func (f *fakePlanner) DeferOverdueTasks(context.Context) (int, error) {
	f.calls = append(f.calls, "defer")
	return f.count, f.err
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func newTestServer(cfg *config.Config, syncer *fakeSyncer, planner *fakePlanner, db Pinger) *httptest.Server {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	s := NewServer(cfg, syncer, planner, db)
	return httptest.NewServer(s.Handler())
}

func do(t *testing.T, method, url string, user, pass string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp, body
}

func TestRoutes(t *testing.T) {
	syncer := &fakeSyncer{result: calsync.Result{Created: 2, Updated: 1}, count: 3}
	planner := &fakePlanner{count: 4}
	srv := newTestServer(nil, syncer, planner, fakePinger{})
	defer srv.Close()

	tests := []struct {
		method, path string
		wantKey      string
		want         float64
	}{
		{http.MethodPost, "/api/sync", "count", 3},
		{http.MethodPost, "/api/calendars/cal-1/sync", "created", 2},
		{http.MethodPost, "/api/users/u-1/schedule", "count", 4},
		{http.MethodDelete, "/api/users/u-1/schedule", "count", 4},
		{http.MethodPost, "/api/tasks/defer", "count", 4},
	}
	for _, tt := range tests {
		resp, body := do(t, tt.method, srv.URL+tt.path, "", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s %s status = %d", tt.method, tt.path, resp.StatusCode)
		}
		if body[tt.wantKey] != tt.want {
			t.Fatalf("%s %s body = %v", tt.method, tt.path, body)
		}
	}

	if got := strings.Join(syncer.calls, ","); got != "all,calendar:cal-1" {
		t.Fatalf("syncer calls = %s", got)
	}
	if got := strings.Join(planner.calls, ","); got != "schedule:u-1,clear:u-1,defer" {
		t.Fatalf("planner calls = %s", got)
	}

	resp, _ := do(t, http.MethodGet, srv.URL+"/api/sync", "", "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /api/sync status = %d", resp.StatusCode)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("calendar x: %w", store.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("user x: %w", model.ErrInvalidWorkHours), http.StatusUnprocessableEntity},
		{fmt.Errorf("sync: %w", provider.ErrAuth), http.StatusBadGateway},
		{&provider.Error{Provider: model.ProviderGoogle, StatusCode: 503}, http.StatusServiceUnavailable},
		{&provider.Error{Provider: model.ProviderGoogle, StatusCode: 400}, http.StatusInternalServerError},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		syncer := &fakeSyncer{err: tt.err}
		srv := newTestServer(nil, syncer, &fakePlanner{}, nil)
		resp, body := do(t, http.MethodPost, srv.URL+"/api/calendars/x/sync", "", "")
		srv.Close()
		if resp.StatusCode != tt.want {
			t.Fatalf("%v: status = %d, want %d", tt.err, resp.StatusCode, tt.want)
		}
		if body["error"] != tt.err.Error() {
			t.Fatalf("%v: body = %v", tt.err, body)
		}
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(nil, &fakeSyncer{}, &fakePlanner{}, fakePinger{})
	resp, _ := do(t, http.MethodGet, srv.URL+"/health", "", "")
	srv.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	srv = newTestServer(nil, &fakeSyncer{}, &fakePlanner{}, fakePinger{err: errors.New("closed")})
	defer srv.Close()
	resp, _ = do(t, http.MethodGet, srv.URL+"/health", "", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy status = %d", resp.StatusCode)
	}
}

func TestBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "ops", Password: "pw"}
	planner := &fakePlanner{}
	srv := newTestServer(cfg, &fakeSyncer{}, planner, nil)
	defer srv.Close()

	if resp, _ := do(t, http.MethodGet, srv.URL+"/health", "", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("health behind auth: %d", resp.StatusCode)
	}
	resp, _ := do(t, http.MethodPost, srv.URL+"/api/tasks/defer", "", "")
	if resp.StatusCode != http.StatusUnauthorized || resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatalf("no credentials: %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodPost, srv.URL+"/api/tasks/defer", "ops", "nope"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong password: %d", resp.StatusCode)
	}
	if len(planner.calls) != 0 {
		t.Fatalf("unauthorized requests reached the planner: %v", planner.calls)
	}
	if resp, _ := do(t, http.MethodPost, srv.URL+"/api/tasks/defer", "ops", "pw"); resp.StatusCode != http.StatusOK {
		t.Fatalf("valid credentials: %d", resp.StatusCode)
	}
}

func TestStatusReportsRecordedRuns(t *testing.T) {
	s := NewServer(config.DefaultConfig(), &fakeSyncer{count: 2}, &fakePlanner{}, nil)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	s.Record(JobAutoSchedule, now.Add(-1500*time.Millisecond), 5, errors.New("user u-2: bad timezone"))

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	if resp, _ := do(t, http.MethodPost, srv.URL+"/api/sync", "", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("sync status = %d", resp.StatusCode)
	}

	_, body := do(t, http.MethodGet, srv.URL+"/api/status", "", "")
	jobs, ok := body["jobs"].(map[string]any)
	if !ok {
		t.Fatalf("status body = %v", body)
	}
	sched, _ := jobs[JobAutoSchedule].(map[string]any)
	if sched["count"] != float64(5) || sched["error"] != "user u-2: bad timezone" || sched["duration"] != "1.5s" {
		t.Fatalf("auto_schedule run = %v", sched)
	}
	sync, _ := jobs[JobCalendarSync].(map[string]any)
	if sync["count"] != float64(2) {
		t.Fatalf("calendar_sync run = %v", sync)
	}
	if _, ok := sync["error"]; ok {
		t.Fatalf("successful run reported an error: %v", sync)
	}
}
