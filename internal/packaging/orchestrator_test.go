package packaging

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/comfy"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/domain"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/providers/audio"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/tracker"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/workflow"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\nfake")

// stubSubmitter numbers submissions and fails the ones listed in fail.
type stubSubmitter struct {
	mu   sync.Mutex
	n    int
	fail map[int]error
}

func (s *stubSubmitter) Submit(ctx context.Context, graph workflow.Graph) (domain.JobHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	if err, ok := s.fail[s.n]; ok {
		return domain.JobHandle{}, err
	}
	return domain.JobHandle{PromptID: fmt.Sprintf("p%d", s.n), Number: s.n, SubmittedAt: time.Now()}, nil
}

// stubJobClient completes every job on the first poll unless hang is set.
type stubJobClient struct {
	hang    bool
	cancels atomic.Int32
}

func (c *stubJobClient) FetchArtifacts(ctx context.Context, handle domain.JobHandle) ([]domain.ArtifactRef, error) {
	return []domain.ArtifactRef{{NodeID: "8", Filename: handle.PromptID + "_00001_.png", Type: "output"}}, nil
}

func (c *stubJobClient) Download(ctx context.Context, ref domain.ArtifactRef) ([]byte, string, error) {
	return pngBytes, "image/png", nil
}

func (c *stubJobClient) Cancel(ctx context.Context, handle domain.JobHandle) (bool, error) {
	c.cancels.Add(1)
	return true, nil
}

func (c *stubJobClient) Poll(ctx context.Context, handle domain.JobHandle) (comfy.JobState, error) {
	if c.hang {
		return comfy.JobState{Status: domain.JobStatusExecuting}, nil
	}
	return comfy.JobState{Status: domain.JobStatusCompleted}, nil
}

func newComfyGenerator(sub *stubSubmitter, client *stubJobClient) *ComfyGenerator {
	t := tracker.New(tracker.Options{Client: client, PollInterval: time.Millisecond})
	return NewComfyGenerator(workflow.NewBuilder(func() int64 { return 42 }), sub, t, nil)
}

// funcImages adapts a function to ImageGenerator.
type funcImages func(ctx context.Context, req domain.GenerationRequest, deadline time.Duration) domain.GenerationResult

func (f funcImages) Generate(ctx context.Context, req domain.GenerationRequest, deadline time.Duration) domain.GenerationResult {
	return f(ctx, req, deadline)
}

func okImage(ctx context.Context, req domain.GenerationRequest, _ time.Duration) domain.GenerationResult {
	return domain.GenerationResult{
		Success:   true,
		JobID:     "job-" + req.OutputFilename,
		Status:    domain.JobStatusCompleted,
		Artifacts: []domain.Artifact{{Ref: domain.ArtifactRef{Filename: req.OutputFilename + ".png"}, MIME: "image/png", Data: pngBytes}},
	}
}

type stubAudio struct{ calls atomic.Int32 }

func (a *stubAudio) Speech(ctx context.Context, req audio.SpeechRequest) (*audio.Clip, error) {
	a.calls.Add(1)
	return &audio.Clip{Data: []byte("RIFF" + req.Text), MIME: "audio/wav"}, nil
}

func (a *stubAudio) Effect(ctx context.Context, req audio.EffectRequest) (*audio.Clip, error) {
	a.calls.Add(1)
	return &audio.Clip{Data: []byte("RIFF" + req.Description), MIME: "audio/wav"}, nil
}

func testDefaults() domain.GenerationDefaults {
	return domain.GenerationDefaults{
		Checkpoint: "sd_xl_base_1.0.safetensors",
		Sampler:    "euler_ancestral",
		Scheduler:  "normal",
		Steps:      20,
		CFGScale:   7,
	}
}

func newTestOrchestrator(t *testing.T, images ImageGenerator, aud AudioGenerator, maxConcurrent int) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(Options{
		Images:        images,
		Audio:         aud,
		Planner:       NewPlanner(nil, testDefaults()),
		StorageRoot:   t.TempDir(),
		MaxConcurrent: maxConcurrent,
		JobTimeout:    5 * time.Second,
		SigningKey:    []byte("secret"),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator error: %v", err)
	}
	return o
}

func phaseStats(m *domain.AssetManifest, phase domain.Phase) domain.PhaseStats {
	for _, s := range m.Phases {
		if s.Phase == phase {
			return s
		}
	}
	return domain.PhaseStats{}
}

func TestGenerateToleratesSingleFailure(t *testing.T) {
	sub := &stubSubmitter{fail: map[int]error{3: fmt.Errorf("comfy: submit: %w", domain.ErrUnreachableService)}}
	o := newTestOrchestrator(t, newComfyGenerator(sub, &stubJobClient{}), nil, 1)

	cfg := domain.PackageConfig{
		MissionID: "m1",
		Characters: []domain.CharacterSpec{{
			ID:        "jett",
			Portraits: []string{"a", "b", "c", "d", "e"},
		}},
		Locations: []domain.LocationSpec{{ID: "airport"}},
	}
	result, err := o.Generate(context.Background(), "pkg1", cfg, nil)
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}

	chars := phaseStats(result.Manifest, domain.PhaseCharacters)
	if chars.Requested != 5 || chars.Succeeded != 4 || chars.Failed != 1 {
		t.Fatalf("unexpected character stats %+v", chars)
	}
	if len(result.Failures) != 1 {
		t.Fatalf("expected 1 failure, got %+v", result.Failures)
	}
	f := result.Failures[0]
	if f.Phase != domain.PhaseCharacters || f.AssetID != "jett_portrait_c" || f.Status != domain.JobStatusFailed {
		t.Fatalf("unexpected failure record %+v", f)
	}
	if !strings.Contains(f.Error, domain.ErrUnreachableService.Error()) {
		t.Fatalf("failure error = %q", f.Error)
	}
	if bg := phaseStats(result.Manifest, domain.PhaseBackgrounds); bg.Succeeded != 1 {
		t.Fatalf("next phase did not run: %+v", bg)
	}
	if result.Succeeded != result.Requested-1 {
		t.Fatalf("succeeded %d of %d", result.Succeeded, result.Requested)
	}
	if result.Manifest.TotalAssets != 5 || len(result.Manifest.Items) != 5 {
		t.Fatalf("manifest items = %d", len(result.Manifest.Items))
	}
	// Items keep call order.
	wantIDs := []string{"jett_portrait_a", "jett_portrait_b", "jett_portrait_d", "jett_portrait_e", "airport_background_day"}
	for i, item := range result.Manifest.Items {
		if item.AssetID != wantIDs[i] {
			t.Fatalf("item %d = %s, want %s", i, item.AssetID, wantIDs[i])
		}
		if item.Checksum != Checksum(pngBytes) || item.Size != int64(len(pngBytes)) {
			t.Fatalf("item %s has wrong checksum or size", item.AssetID)
		}
	}
	if result.Manifest.Items[0].Path != "characters/portraits/jett_a.png" {
		t.Fatalf("unexpected path %s", result.Manifest.Items[0].Path)
	}

	raw, err := os.ReadFile(result.ManifestPath)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var onDisk domain.AssetManifest
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if !Verify(&onDisk, []byte("secret")) {
		t.Fatalf("persisted manifest signature does not verify")
	}
	if onDisk.Partial {
		t.Fatalf("complete package marked partial")
	}
}

func TestGenerateCancelKeepsCompletedPhases(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan struct{})
	var once sync.Once
	images := funcImages(func(ctx context.Context, req domain.GenerationRequest, d time.Duration) domain.GenerationResult {
		if req.Type != domain.GenerationTypeBackground {
			return okImage(ctx, req, d)
		}
		once.Do(func() { close(started) })
		<-ctx.Done()
		err := fmt.Errorf("%w: %w", domain.ErrCancelled, ctx.Err())
		return domain.GenerationResult{Status: domain.JobStatusCancelled, Err: err, Error: err.Error()}
	})
	o := newTestOrchestrator(t, images, nil, 2)
	go func() {
		<-started
		cancel()
	}()

	cfg := domain.PackageConfig{
		MissionID:  "m1",
		Characters: []domain.CharacterSpec{{ID: "jett", Portraits: []string{"front", "side"}}},
		Locations:  []domain.LocationSpec{{ID: "airport", Variants: []string{"day", "night"}}},
		UIIcons:    []domain.UIIconSpec{{ID: "coin"}},
	}
	result, err := o.Generate(ctx, "pkg-cancel", cfg, nil)
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if !result.Cancelled || !result.Manifest.Partial {
		t.Fatalf("expected cancelled partial result, got cancelled=%v partial=%v", result.Cancelled, result.Manifest.Partial)
	}
	if got := phaseStats(result.Manifest, domain.PhaseCharacters).Succeeded; got != 2 {
		t.Fatalf("completed phase lost items: %d", got)
	}
	if ui := phaseStats(result.Manifest, domain.PhaseUI); ui.Requested != 0 {
		t.Fatalf("phase after cancellation ran: %+v", ui)
	}
	for _, f := range result.Failures {
		if f.Phase != domain.PhaseBackgrounds || f.Status != domain.JobStatusCancelled {
			t.Fatalf("unexpected failure %+v", f)
		}
	}

	raw, err := os.ReadFile(result.ManifestPath)
	if err != nil {
		t.Fatalf("partial manifest not persisted: %v", err)
	}
	var onDisk domain.AssetManifest
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if len(onDisk.Items) != 2 || onDisk.Items[0].AssetID != "jett_portrait_front" {
		t.Fatalf("unexpected persisted items %+v", onDisk.Items)
	}
	if _, err := os.Stat(filepath.Join(result.OutputDir, filepath.FromSlash(onDisk.Items[0].Path))); err != nil {
		t.Fatalf("artifact of completed phase missing: %v", err)
	}
}

func TestGenerateRecordsTimeoutAsFailure(t *testing.T) {
	client := &stubJobClient{hang: true}
	sub := &stubSubmitter{}
	o, err := NewOrchestrator(Options{
		Images:      newComfyGenerator(sub, client),
		Planner:     NewPlanner(nil, testDefaults()),
		StorageRoot: t.TempDir(),
		JobTimeout:  50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator error: %v", err)
	}
	cfg := domain.PackageConfig{
		MissionID: "m1",
		UIIcons:   []domain.UIIconSpec{{ID: "coin", Subject: "gold coin"}},
	}

	done := make(chan struct{})
	var result *domain.PackageResult
	go func() {
		defer close(done)
		result, err = o.Generate(context.Background(), "pkg-timeout", cfg, nil)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator stalled on a stuck job")
	}
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if len(result.Failures) != 1 || result.Failures[0].Status != domain.JobStatusTimedOut {
		t.Fatalf("expected timed out failure, got %+v", result.Failures)
	}
	if !strings.Contains(result.Failures[0].Error, domain.ErrTimedOut.Error()) {
		t.Fatalf("failure error = %q", result.Failures[0].Error)
	}
	if client.cancels.Load() != 1 {
		t.Fatalf("expected one remote cancel, got %d", client.cancels.Load())
	}
	if result.Cancelled {
		t.Fatalf("a job timeout must not cancel the package")
	}
}

func TestGenerateCapsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	images := funcImages(func(ctx context.Context, req domain.GenerationRequest, d time.Duration) domain.GenerationResult {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return okImage(ctx, req, d)
	})
	o := newTestOrchestrator(t, images, nil, 2)
	cfg := domain.PackageConfig{
		MissionID:   "m1",
		Concurrency: 10,
		Characters:  []domain.CharacterSpec{{ID: "jett", Portraits: []string{"1", "2", "3", "4", "5", "6"}}},
	}
	if got := o.Concurrency(cfg); got != 2 {
		t.Fatalf("Concurrency = %d, want 2", got)
	}
	result, err := o.Generate(context.Background(), "pkg-cap", cfg, nil)
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if result.Succeeded != 6 {
		t.Fatalf("succeeded = %d", result.Succeeded)
	}
	if peak.Load() > 2 {
		t.Fatalf("peak in-flight %d exceeds server limit", peak.Load())
	}
}

func TestGenerateAudioAnimationsAndArchive(t *testing.T) {
	aud := &stubAudio{}
	o := newTestOrchestrator(t, funcImages(okImage), aud, 2)
	cfg := domain.PackageConfig{
		MissionID: "m1",
		Characters: []domain.CharacterSpec{{
			ID:         "jett",
			VoiceLines: []domain.VoiceLineSpec{{ID: "hello", Text: "Ready!"}},
		}},
		Transformation: &domain.TransformationSpec{CharacterID: "jett", From: "plane", To: "robot", Frames: 3},
		SoundEffects:   []domain.SoundEffectSpec{{ID: "whoosh", Description: "jet whoosh"}},
		Animations:     true,
		Archive:        true,
	}
	result, err := o.Generate(context.Background(), "pkg-full", cfg, nil)
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if len(result.Failures) != 0 {
		t.Fatalf("unexpected failures %+v", result.Failures)
	}
	if aud.calls.Load() != 2 {
		t.Fatalf("audio calls = %d, want 2", aud.calls.Load())
	}

	var plan *domain.AssetManifestItem
	for i, item := range result.Manifest.Items {
		if item.AssetType == domain.AssetTypeAnimationPlan {
			plan = &result.Manifest.Items[i]
		}
	}
	if plan == nil || plan.Path != "animations/jett_transformation.json" {
		t.Fatalf("animation plan missing: %+v", plan)
	}
	raw, err := os.ReadFile(filepath.Join(result.OutputDir, filepath.FromSlash(plan.Path)))
	if err != nil {
		t.Fatalf("read plan: %v", err)
	}
	var spec AnimationSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	if len(spec.Frames) != 3 || spec.Frames[0].Path != "transformations/jett_01.png" {
		t.Fatalf("unexpected plan %+v", spec)
	}

	if result.ArchivePath == "" {
		t.Fatalf("archive not produced")
	}
	zr, err := zip.OpenReader(result.ArchivePath)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer zr.Close()
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	for _, want := range []string{ManifestFile, "audio/voice/jett_hello.wav", "audio/sfx/whoosh.wav", plan.Path} {
		if !names[want] {
			t.Fatalf("archive missing %s (has %v)", want, names)
		}
	}
}

func TestGenerateSkipsAudioWithoutService(t *testing.T) {
	o := newTestOrchestrator(t, funcImages(okImage), nil, 1)
	cfg := domain.PackageConfig{
		MissionID:    "m1",
		Characters:   []domain.CharacterSpec{{ID: "jett", VoiceLines: []domain.VoiceLineSpec{{ID: "l1", Text: "hi"}}}},
		SoundEffects: []domain.SoundEffectSpec{{ID: "boom", Description: "boom"}},
		SkipPhases:   []domain.Phase{domain.PhaseBackgrounds},
	}
	result, err := o.Generate(context.Background(), "pkg-skip", cfg, nil)
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	for _, phase := range []domain.Phase{domain.PhaseVoice, domain.PhaseSounds, domain.PhaseBackgrounds} {
		if !phaseStats(result.Manifest, phase).Skipped {
			t.Fatalf("phase %s should be skipped", phase)
		}
	}
	if result.Succeeded != 1 {
		t.Fatalf("succeeded = %d", result.Succeeded)
	}
}

func TestGenerateReportsProgressPerPhase(t *testing.T) {
	o := newTestOrchestrator(t, funcImages(okImage), nil, 2)
	var (
		mu     sync.Mutex
		events []domain.GenerationProgress
	)
	report := func(p domain.GenerationProgress) {
		mu.Lock()
		events = append(events, p)
		mu.Unlock()
	}
	cfg := domain.PackageConfig{
		MissionID:  "m1",
		Characters: []domain.CharacterSpec{{ID: "jett", Portraits: []string{"a", "b"}}},
		Locations:  []domain.LocationSpec{{ID: "airport"}},
	}
	if _, err := o.Generate(context.Background(), "pkg-progress", cfg, report); err != nil {
		t.Fatalf("Generate error: %v", err)
	}

	charactersDone := -1
	firstBackground := -1
	for i, ev := range events {
		if ev.Phase == domain.PhaseCharacters && ev.Message == "phase characters finished" {
			charactersDone = i
		}
		if ev.Phase == domain.PhaseBackgrounds && firstBackground < 0 {
			firstBackground = i
		}
	}
	if charactersDone < 0 || firstBackground < 0 || charactersDone > firstBackground {
		t.Fatalf("characters progress not published before backgrounds (%d, %d)", charactersDone, firstBackground)
	}
	if charactersDone >= 0 && events[charactersDone].CurrentStep != 2 {
		t.Fatalf("step after characters = %d, want 2", events[charactersDone].CurrentStep)
	}
	last := events[len(events)-1]
	if last.State != domain.PackageStateCompleted || last.Percentage != 100 || last.TotalSteps != 4 {
		t.Fatalf("unexpected final progress %+v", last)
	}
}

func TestGenerateRejectsInvalidConfig(t *testing.T) {
	o := newTestOrchestrator(t, funcImages(okImage), nil, 1)
	_, err := o.Generate(context.Background(), "bad", domain.PackageConfig{}, nil)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}
