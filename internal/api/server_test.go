package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"attendsync/internal/attendance"
	"attendsync/internal/config"
	"attendsync/internal/metrics"
	"attendsync/internal/model"
	"attendsync/internal/publish"
	"attendsync/internal/subscription"
)

type fakeSubs struct {
	started  []string
	syncFrom time.Time
	syncTo   time.Time
}

func (f *fakeSubs) StartSubscription(_ context.Context, id string) error {
	switch id {
	case "ghost":
		return subscription.ErrDeviceNotFound
	case "store":
		return subscription.ErrDeviceInactive
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeSubs) StopSubscription(context.Context, string) error { return nil }
func (f *fakeSubs) Reconnect(context.Context, string) error        { return nil }

func (f *fakeSubs) GetStatus(_ context.Context, id string) model.DeviceStatus {
	if id == "ghost" {
		return model.DeviceStatus{DeviceID: id, ConnectionStatus: model.ConnectionNotFound}
	}
	return model.DeviceStatus{DeviceID: id, ConnectionStatus: model.ConnectionConnected, State: model.StateStreaming}
}

func (f *fakeSubs) GetAllStatuses(ctx context.Context) []model.DeviceStatus {
	return []model.DeviceStatus{f.GetStatus(ctx, "gate")}
}

func (f *fakeSubs) SyncRecords(_ context.Context, id string, from, to time.Time) (subscription.SyncResult, error) {
	f.syncFrom, f.syncTo = from, to
	return subscription.SyncResult{DeviceID: id, Pulled: 3, Inserted: 2, Duplicates: 1}, nil
}

func (f *fakeSubs) State(string) model.SubscriptionState { return model.StateStreaming }

type fakeReports struct{ date time.Time }

func (f *fakeReports) Daily(_ context.Context, personID string, date time.Time) (attendance.Report, error) {
	if personID == "ghost" {
		return attendance.Report{}, attendance.ErrPersonNotFound
	}
	f.date = date
	return attendance.Report{PersonID: personID, Date: date.Format("2006-01-02"), HoursInside: 8}, nil
}

type testServer struct {
	handler http.Handler
	subs    *fakeSubs
	reports *fakeReports
	recent  *publish.Recent
	stats   *metrics.Store
}

func newTestServer() *testServer {
	ts := &testServer{
		subs:    &fakeSubs{},
		reports: &fakeReports{},
		recent:  publish.NewRecent(10),
		stats:   metrics.NewStore(10),
	}
	ts.handler = NewServer(Options{
		Config:        config.NewStaticManager(config.DefaultConfig()),
		Subscriptions: ts.subs,
		Reports:       ts.reports,
		Recent:        ts.recent,
		Stats:         ts.stats,
		Version:       "test",
	}).Handler()
	return ts
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func TestDeviceRoutes(t *testing.T) {
	ts := newTestServer()
	if rr := ts.do(http.MethodGet, "/devices", ""); rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"count":1`) {
		t.Fatalf("list: %d %s", rr.Code, rr.Body.String())
	}
	if rr := ts.do(http.MethodGet, "/devices/ghost", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown device: %d", rr.Code)
	}
	if rr := ts.do(http.MethodPost, "/devices/gate/subscribe", ""); rr.Code != http.StatusOK {
		t.Fatalf("subscribe: %d", rr.Code)
	}
	if len(ts.subs.started) != 1 || ts.subs.started[0] != "gate" {
		t.Fatalf("started: %v", ts.subs.started)
	}
	if rr := ts.do(http.MethodPost, "/devices/ghost/subscribe", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("subscribe unknown: %d", rr.Code)
	}
	if rr := ts.do(http.MethodPost, "/devices/store/subscribe", ""); rr.Code != http.StatusConflict {
		t.Fatalf("subscribe inactive: %d", rr.Code)
	}
}

func TestSyncRoute(t *testing.T) {
	ts := newTestServer()
	rr := ts.do(http.MethodPost, "/devices/gate/sync?from=2026-03-01T00:00:00Z&to=2026-03-02T00:00:00Z", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("sync: %d %s", rr.Code, rr.Body.String())
	}
	var res subscription.SyncResult
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil || res.Inserted != 2 {
		t.Fatalf("sync body: %s", rr.Body.String())
	}
	if ts.subs.syncTo.Sub(ts.subs.syncFrom) != 24*time.Hour {
		t.Fatalf("range: %s - %s", ts.subs.syncFrom, ts.subs.syncTo)
	}
	if rr := ts.do(http.MethodPost, "/devices/gate/sync?from=yesterday", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad from: %d", rr.Code)
	}
}

func TestRecentEventsAndClear(t *testing.T) {
	ts := newTestServer()
	ts.recent.Notify(context.Background(), model.NormalizedEvent{ID: "e1", Timestamp: time.Now()})
	ts.stats.Record("192.168.1.64", time.Now(), metrics.OutcomePersisted)

	rr := ts.do(http.MethodGet, "/events/recent?limit=5", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"e1"`) {
		t.Fatalf("recent: %d %s", rr.Code, rr.Body.String())
	}
	if rr := ts.do(http.MethodGet, "/stats/192.168.1.64", ""); rr.Code != http.StatusOK {
		t.Fatalf("stats: %d", rr.Code)
	}
	if rr := ts.do(http.MethodPost, "/admin/clear", `{"target":"events"}`); rr.Code != http.StatusOK {
		t.Fatalf("clear: %d", rr.Code)
	}
	if ts.recent.Len() != 0 || len(ts.stats.GetAll()) != 1 {
		t.Fatalf("clear events touched the wrong buffers")
	}
	if rr := ts.do(http.MethodPost, "/admin/clear", `{"target":"everything"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown target: %d", rr.Code)
	}
}

func TestAttendanceRoute(t *testing.T) {
	ts := newTestServer()
	rr := ts.do(http.MethodGet, "/attendance/p1?date=2026-03-02", "")
	if rr.Code != http.StatusOK || ts.reports.date.Format("2006-01-02") != "2026-03-02" {
		t.Fatalf("attendance: %d %s", rr.Code, rr.Body.String())
	}
	if rr := ts.do(http.MethodGet, "/attendance/p1?date=03/02/2026", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad date: %d", rr.Code)
	}
	if rr := ts.do(http.MethodGet, "/attendance/ghost", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown person: %d", rr.Code)
	}
}

func TestStatusAndMetrics(t *testing.T) {
	ts := newTestServer()
	rr := ts.do(http.MethodGet, "/status", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"version":"test"`) {
		t.Fatalf("status: %d %s", rr.Code, rr.Body.String())
	}
	if rr := ts.do(http.MethodGet, "/metrics", ""); rr.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rr.Code)
	}
}
