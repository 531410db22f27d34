package packaging

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/adapter/repo"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/domain"
)

func newTestService(t *testing.T, images ImageGenerator) (*Service, *repo.MemoryPackageStore) {
	t.Helper()
	store := repo.NewMemoryPackageStore()
	svc := NewService(newTestOrchestrator(t, images, nil, 2), store, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc, store
}

func smallMission(id string) domain.PackageConfig {
	return domain.PackageConfig{
		PackageID:  id,
		MissionID:  "m1",
		Characters: []domain.CharacterSpec{{ID: "jett"}},
		UIIcons:    []domain.UIIconSpec{{ID: "coin"}},
	}
}

func TestSubmitWaitReturnsResult(t *testing.T) {
	svc, _ := newTestService(t, funcImages(okImage))
	id, result, err := svc.Submit(context.Background(), smallMission(""), true)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if id == "" || result == nil || result.PackageID != id {
		t.Fatalf("unexpected submit outcome id=%q result=%+v", id, result)
	}
	if result.Succeeded != 2 {
		t.Fatalf("succeeded = %d", result.Succeeded)
	}

	ctx := context.Background()
	progress, err := svc.Progress(ctx, id)
	if err != nil {
		t.Fatalf("Progress error: %v", err)
	}
	if progress.State != domain.PackageStateCompleted || progress.Percentage != 100 {
		t.Fatalf("unexpected progress %+v", progress)
	}
	manifest, err := svc.Manifest(ctx, id)
	if err != nil || manifest.TotalAssets != 2 {
		t.Fatalf("Manifest = %+v, %v", manifest, err)
	}
	stored, err := svc.Result(ctx, id)
	if err != nil || stored.Succeeded != 2 {
		t.Fatalf("Result = %+v, %v", stored, err)
	}
}

func TestSubmitAsyncWatchUntilDone(t *testing.T) {
	release := make(chan struct{})
	images := funcImages(func(ctx context.Context, req domain.GenerationRequest, d time.Duration) domain.GenerationResult {
		<-release
		return okImage(ctx, req, d)
	})
	svc, _ := newTestService(t, images)
	id, result, err := svc.Submit(context.Background(), smallMission("async-1"), false)
	if err != nil || result != nil || id != "async-1" {
		t.Fatalf("unexpected async submit id=%q result=%v err=%v", id, result, err)
	}

	updates, stop, err := svc.Watch(context.Background(), id)
	if err != nil {
		t.Fatalf("Watch error: %v", err)
	}
	defer stop()
	close(release)

	var last domain.GenerationProgress
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case p, ok := <-updates:
			if !ok {
				done = true
				continue
			}
			last = p
		case <-timeout:
			t.Fatal("watch never finished")
		}
	}
	// Slow watchers may miss intermediate snapshots but the store has the
	// final one.
	final, err := svc.Progress(context.Background(), id)
	if err != nil {
		t.Fatalf("Progress error: %v", err)
	}
	if final.State != domain.PackageStateCompleted {
		t.Fatalf("final state %s (last watched %s)", final.State, last.State)
	}
}

func TestSubmitRejectsDuplicateRunningID(t *testing.T) {
	release := make(chan struct{})
	images := funcImages(func(ctx context.Context, req domain.GenerationRequest, d time.Duration) domain.GenerationResult {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return okImage(ctx, req, d)
	})
	svc, _ := newTestService(t, images)
	defer close(release)
	if _, _, err := svc.Submit(context.Background(), smallMission("dup"), false); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, _, err := svc.Submit(context.Background(), smallMission("dup"), false)
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
}

func TestCancelRunningPackage(t *testing.T) {
	started := make(chan struct{}, 4)
	images := funcImages(func(ctx context.Context, req domain.GenerationRequest, d time.Duration) domain.GenerationResult {
		started <- struct{}{}
		<-ctx.Done()
		err := ctx.Err()
		return domain.GenerationResult{Status: domain.JobStatusCancelled, Err: err, Error: err.Error()}
	})
	svc, _ := newTestService(t, images)
	ctx := context.Background()
	id, _, err := svc.Submit(ctx, smallMission("cancel-me"), false)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	<-started
	if err := svc.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if res, err := svc.Result(ctx, id); err == nil {
			if !res.Cancelled || res.Manifest == nil || !res.Manifest.Partial {
				t.Fatalf("unexpected result %+v", res)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("cancelled package never produced a result")
		}
		time.Sleep(10 * time.Millisecond)
	}
	p, err := svc.Progress(ctx, id)
	if err != nil || p.State != domain.PackageStateCancelled {
		t.Fatalf("progress = %+v, %v", p, err)
	}
}

func TestUnknownPackage(t *testing.T) {
	svc, _ := newTestService(t, funcImages(okImage))
	ctx := context.Background()
	if err := svc.Cancel(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Cancel err = %v", err)
	}
	if _, _, err := svc.Watch(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Watch err = %v", err)
	}
	if _, _, err := svc.Submit(ctx, smallMission("../escape"), false); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Submit err = %v", err)
	}
}

func TestConcurrentPackagesShareServerSlots(t *testing.T) {
	var inFlight, peak atomic.Int32
	images := funcImages(func(ctx context.Context, req domain.GenerationRequest, d time.Duration) domain.GenerationResult {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return okImage(ctx, req, d)
	})
	store := repo.NewMemoryPackageStore()
	svc := NewService(newTestOrchestrator(t, images, nil, 1), store, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	ctx := context.Background()
	ids := []string{"slots-a", "slots-b"}
	for _, id := range ids {
		cfg := domain.PackageConfig{
			PackageID:   id,
			MissionID:   "m1",
			Concurrency: 3,
			UIIcons:     []domain.UIIconSpec{{ID: "coin"}, {ID: "gem"}, {ID: "star"}},
		}
		if _, _, err := svc.Submit(ctx, cfg, false); err != nil {
			t.Fatalf("Submit %s: %v", id, err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for _, id := range ids {
		for {
			res, err := svc.Result(ctx, id)
			if err == nil {
				if res.Succeeded != 3 {
					t.Fatalf("%s succeeded = %d", id, res.Succeeded)
				}
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("%s never finished", id)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	if got := peak.Load(); got != 1 {
		t.Fatalf("peak in-flight generations = %d, want 1", got)
	}
}
