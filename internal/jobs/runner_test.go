package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vibelabs/vibe-server/internal/config"
	"github.com/vibelabs/vibe-server/internal/store"
)

func newTestRunner(t *testing.T, workers int) (*Runner, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("NewSQLite() failed: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	r := NewRunner(repo, config.JobsConfig{Workers: workers, MaxAttempts: 3})
	r.backoffBase = time.Millisecond
	return r, repo
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestRunnerExecutesJob(t *testing.T) {
	r, _ := newTestRunner(t, 1)

	type payload struct {
		Value string `json:"value"`
	}

	var got atomic.Value
	r.Register("test/run", func(_ context.Context, run *Run) error {
		var p payload
		if err := run.Bind(&p); err != nil {
			return err
		}
		got.Store(p.Value)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	if _, err := r.Enqueue(ctx, "test/run", payload{Value: "hello"}); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		v, ok := got.Load().(string)
		return ok && v == "hello"
	})
}

func TestRunnerRetriesAndReplaysSteps(t *testing.T) {
	r, _ := newTestRunner(t, 1)

	var stepExecutions atomic.Int32
	var handlerCalls atomic.Int32
	done := make(chan struct{})

	r.Register("test/retry", func(ctx context.Context, run *Run) error {
		call := handlerCalls.Add(1)

		// The step body must execute once; later attempts replay the cache.
		v, err := Step(ctx, run, "expensive", func(context.Context) (string, error) {
			stepExecutions.Add(1)
			return "cached-value", nil
		})
		if err != nil {
			return err
		}
		if v != "cached-value" {
			t.Errorf("unexpected step value %q", v)
		}

		if call < 3 {
			return errors.New("transient failure")
		}
		close(done)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	if _, err := r.Enqueue(ctx, "test/retry", map[string]string{}); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("job did not complete within deadline")
	}

	if n := stepExecutions.Load(); n != 1 {
		t.Errorf("expected step body to run once, ran %d times", n)
	}
	if n := handlerCalls.Load(); n != 3 {
		t.Errorf("expected 3 handler attempts, got %d", n)
	}
}

func TestRunnerFailsAfterMaxAttempts(t *testing.T) {
	r, repo := newTestRunner(t, 1)

	var calls atomic.Int32
	r.Register("test/fail", func(context.Context, *Run) error {
		calls.Add(1)
		return errors.New("permanent failure")
	})

	var mu sync.Mutex
	var events []Event
	r.OnEvent(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	jobID, err := r.Enqueue(ctx, "test/fail", map[string]string{})
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	waitFor(t, 10*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			if e.Type == EventFailed {
				return true
			}
		}
		return false
	})

	if n := calls.Load(); n != 3 {
		t.Errorf("expected 3 attempts before permanent failure, got %d", n)
	}

	// No further claims for a terminally failed job.
	job, err := repo.ClaimJob(ctx)
	if err != nil {
		t.Fatalf("ClaimJob() failed: %v", err)
	}
	if job != nil && job.ID == jobID {
		t.Errorf("terminally failed job was claimed again")
	}
}

func TestRunnerEventsCarryScope(t *testing.T) {
	r, _ := newTestRunner(t, 1)

	r.Register("test/scoped", func(ctx context.Context, run *Run) error {
		_, err := Step(ctx, run, "noop", func(context.Context) (string, error) {
			return "done", nil
		})
		return err
	})

	var mu sync.Mutex
	var events []Event
	r.OnEvent(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	payload := map[string]string{
		"value":      "build it",
		"project_id": "project-1",
		"user_id":    "anon_user1",
	}
	if _, err := r.Enqueue(ctx, "test/scoped", payload); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			if e.Type == EventSucceeded {
				return true
			}
		}
		return false
	})

	mu.Lock()
	defer mu.Unlock()
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	// Every lifecycle event carries the job's owner so observers can
	// filter per user and project.
	for _, e := range events {
		if e.ProjectID != "project-1" || e.UserID != "anon_user1" {
			t.Errorf("event %s/%s missing scope: project=%q user=%q",
				e.Type, e.Step, e.ProjectID, e.UserID)
		}
	}
}

func TestKeyedMutexSerializes(t *testing.T) {
	var km KeyedMutex
	var inCritical atomic.Int32
	var maxSeen atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("project-1")
			defer unlock()
			n := inCritical.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			inCritical.Add(-1)
		}()
	}
	wg.Wait()

	if maxSeen.Load() != 1 {
		t.Errorf("expected exclusive access per key, saw %d concurrent holders", maxSeen.Load())
	}
}
