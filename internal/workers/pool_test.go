package workers

import (
	"errors"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
)

func TestSubmitWaitRunsTaskAndReturnsItsError(t *testing.T) {
	p := NewPool(zap.NewNop(), DefaultPoolConfig("test"))
	p.Start()
	defer p.Stop()

	var ran atomic.Bool
	err := p.SubmitWait(TaskFunc(func() error {
		ran.Store(true)
		return nil
	}))
	if err != nil {
		t.Fatalf("submitwait: %v", err)
	}
	if !ran.Load() {
		t.Fatal("expected the task to have run")
	}

	wantErr := errors.New("boom")
	if err := p.SubmitWait(TaskFunc(func() error { return wantErr })); !errors.Is(err, wantErr) {
		t.Fatalf("expected the task's own error to propagate, got %v", err)
	}

	stats := p.Stats()
	if stats.TasksCompleted != 1 || stats.TasksFailed != 1 {
		t.Fatalf("expected 1 completed and 1 failed task, got %+v", stats)
	}
}

func TestSubmitBeforeStartFailsFast(t *testing.T) {
	p := NewPool(zap.NewNop(), DefaultPoolConfig("test"))
	if err := p.Submit(TaskFunc(func() error { return nil })); !errors.Is(err, ErrPoolStopped) {
		t.Fatalf("expected ErrPoolStopped before Start, got %v", err)
	}
}

func TestPanicInTaskIsRecoveredAsAnError(t *testing.T) {
	p := NewPool(zap.NewNop(), DefaultPoolConfig("test"))
	p.Start()
	defer p.Stop()

	err := p.SubmitWait(TaskFunc(func() error {
		panic("analyst exploded")
	}))
	var panicErr *PanicError
	if !errors.As(err, &panicErr) {
		t.Fatalf("expected a *PanicError, got %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	p := NewPool(zap.NewNop(), DefaultPoolConfig("test"))
	p.Start()

	if err := p.Stop(); err != nil {
		t.Fatalf("expected a clean stop, got %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("expected a second Stop to be a no-op, got %v", err)
	}
	if p.IsRunning() {
		t.Fatal("expected the pool to report stopped")
	}
}
