package supervisor

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"attendsync/internal/config"
)

type fakeServer struct {
	mu       sync.Mutex
	stop     chan struct{}
	failWith error
	shutdown bool
}

func newFakeServer() *fakeServer { return &fakeServer{stop: make(chan struct{})} }

func (f *fakeServer) ListenAndServe() error {
	if f.failWith != nil {
		return f.failWith
	}
	<-f.stop
	return http.ErrServerClosed
}

func (f *fakeServer) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
	close(f.stop)
	return nil
}

func TestHTTPServiceShutsDownOnCancel(t *testing.T) {
	srv := newFakeServer()
	svc := NewHTTPService("api", srv, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not return")
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if !srv.shutdown {
		t.Fatalf("shutdown not called")
	}
}

func TestHTTPServiceReportsListenFailure(t *testing.T) {
	srv := newFakeServer()
	srv.failWith = errors.New("address already in use")
	err := NewHTTPService("push", srv, time.Second).Serve(context.Background())
	if err == nil || err.Error() != "push failed: address already in use" {
		t.Fatalf("serve returned %v", err)
	}
}

type fakeSubs struct {
	mu      sync.Mutex
	started int
	stopped int
}

func (f *fakeSubs) StartAll(context.Context) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return 2
}

func (f *fakeSubs) StopAll(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func TestSubscriptionServiceLifecycle(t *testing.T) {
	subs := &fakeSubs{}
	svc := NewSubscriptionService(subs, config.SubscriptionConfig{Autostart: true, StopTimeout: time.Second}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	cancel()
	<-done
	subs.mu.Lock()
	defer subs.mu.Unlock()
	if subs.started != 1 || subs.stopped != 1 {
		t.Fatalf("started=%d stopped=%d", subs.started, subs.stopped)
	}
}
