package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

type countingService struct {
	starts atomic.Int32
	fail   bool
}

func (s *countingService) Serve(ctx context.Context) error {
	s.starts.Add(1)
	if s.fail {
		return errors.New("boom")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *countingService) String() string { return "counting" }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTreeRestartsFailingService(t *testing.T) {
	tree := NewTree(quietLogger(), TreeConfig{FailureBackoff: time.Millisecond, FailureThreshold: 100})
	flaky := &countingService{fail: true}
	tree.AddWorkerService(flaky)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = tree.Serve(ctx)

	if flaky.starts.Load() < 2 {
		t.Fatalf("service started %d times, want restarts", flaky.starts.Load())
	}
}

func TestTreeStopsServicesOnCancel(t *testing.T) {
	tree := NewTree(quietLogger(), TreeConfig{})
	svc := &countingService{}
	tree.AddDataService(svc)
	tree.AddAPIService(&countingService{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tree.Serve(ctx) }()

	deadline := time.Now().Add(time.Second)
	for svc.starts.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not stop")
	}
}

type fakeServer struct {
	stop     chan struct{}
	shutdown atomic.Bool
}

func (f *fakeServer) ListenAndServe() error {
	<-f.stop
	return http.ErrServerClosed
}

func (f *fakeServer) Shutdown(context.Context) error {
	f.shutdown.Store(true)
	close(f.stop)
	return nil
}

func TestHTTPServiceGracefulShutdown(t *testing.T) {
	srv := &fakeServer{stop: make(chan struct{})}
	svc := NewHTTPService(srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("service did not stop")
	}
	if !srv.shutdown.Load() {
		t.Fatal("Shutdown not called")
	}
}

type brokenServer struct{}

func (brokenServer) ListenAndServe() error          { return errors.New("address in use") }
func (brokenServer) Shutdown(context.Context) error { return nil }

func TestHTTPServiceListenError(t *testing.T) {
	err := NewHTTPService(brokenServer{}, 0).Serve(context.Background())
	if err == nil {
		t.Fatal("expected listen error")
	}
}
