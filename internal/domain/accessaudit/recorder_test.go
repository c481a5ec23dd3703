package accessaudit

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRecorder_WritesAsync(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	rec := NewRecorder(RecorderConfig{BufferSize: 8, Workers: 2}, svc, nil, zerolog.Nop())

	for i := 0; i < 5; i++ {
		if err := rec.Record(entry("dr-b", "p1", ActionRead, time.Time{})); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	rec.Close()
	if repo.count() != 5 {
		t.Errorf("expected 5 entries after drain, got %d", repo.count())
	}
}

func TestRecorder_WriteFailureIsReported(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	repo.failErr = errors.New("connection reset")
	rec := NewRecorder(RecorderConfig{BufferSize: 4, Workers: 1}, svc, nil, zerolog.Nop())
	defer rec.Close()

	if err := rec.Record(entry("dr-b", "p1", ActionRead, time.Time{})); err != nil {
		t.Fatalf("expected enqueue to succeed, got %v", err)
	}
	select {
	case err := <-rec.Errors():
		var we *WriteError
		if !errors.As(err, &we) {
			t.Fatalf("expected *WriteError, got %T", err)
		}
		if we.Entry.PatientUUID != "p1" {
			t.Errorf("expected entry for p1, got %s", we.Entry.PatientUUID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write failure")
	}
}

func TestRecorder_FullBuffer(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	repo.block = make(chan struct{})
	repo.entered = make(chan struct{}, 4)
	rec := NewRecorder(RecorderConfig{BufferSize: 1, Workers: 1}, svc, nil, zerolog.Nop())

	if err := rec.Record(entry("dr-b", "p1", ActionRead, time.Time{})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-repo.entered
	if err := rec.Record(entry("dr-b", "p2", ActionRead, time.Time{})); err != nil {
		t.Fatalf("expected the buffer slot to be free, got %v", err)
	}
	if err := rec.Record(entry("dr-b", "p3", ActionRead, time.Time{})); !errors.Is(err, ErrRecorderFull) {
		t.Errorf("expected ErrRecorderFull, got %v", err)
	}
	select {
	case err := <-rec.Errors():
		if !errors.Is(err, ErrRecorderFull) {
			t.Errorf("expected ErrRecorderFull on the error channel, got %v", err)
		}
	default:
		t.Error("expected the dropped entry to be reported")
	}

	close(repo.block)
	rec.Close()
	if repo.count() != 2 {
		t.Errorf("expected 2 written entries, got %d", repo.count())
	}
}

func TestRecorder_FullBufferDoesNotBlock(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	repo.block = make(chan struct{})
	repo.entered = make(chan struct{}, 64)
	rec := NewRecorder(RecorderConfig{BufferSize: 1, Workers: 1, WriteTimeout: 5 * time.Second}, svc, nil, zerolog.Nop())
	defer func() {
		close(repo.block)
		rec.Close()
	}()

	rec.Record(entry("dr-b", "p1", ActionRead, time.Time{}))
	<-repo.entered
	rec.Record(entry("dr-b", "p2", ActionRead, time.Time{}))

	// Nobody reads Errors(); once it fills, further drops must still return at once.
	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := rec.Record(entry("dr-b", "p3", ActionRead, time.Time{})); !errors.Is(err, ErrRecorderFull) {
			t.Fatalf("expected ErrRecorderFull, got %v", err)
		}
	}
	if d := time.Since(start); d > 500*time.Millisecond {
		t.Errorf("expected Record to return immediately, took %v", d)
	}
}

func TestRecorder_ClosedIsReported(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	rec := NewRecorder(RecorderConfig{BufferSize: 2, Workers: 1}, svc, nil, zerolog.Nop())
	rec.Close()

	if err := rec.Record(entry("dr-b", "p1", ActionRead, time.Time{})); !errors.Is(err, ErrRecorderClosed) {
		t.Fatalf("expected ErrRecorderClosed, got %v", err)
	}
	select {
	case err := <-rec.Errors():
		if !errors.Is(err, ErrRecorderClosed) {
			t.Errorf("expected ErrRecorderClosed on the error channel, got %v", err)
		}
	default:
		t.Error("expected the rejected entry to be reported")
	}
}
