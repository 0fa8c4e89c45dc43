package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"PromptToVideo-server/models"
)

type stubScript struct {
	plans []ScenePlan
	err   error
	calls int32
}

func (s *stubScript) GenerateScript(ctx context.Context, topic, style string) ([]ScenePlan, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.err != nil {
		return nil, s.err
	}
	return s.plans, nil
}

// stubVoice keys durations and failures by narration text and counts
// synthesis calls so tests can prove what resume re-executes.
type stubVoice struct {
	mu        sync.Mutex
	durations map[string]float64
	fail      map[string]bool
	calls     map[string]int
}

func (v *stubVoice) Synthesize(ctx context.Context, text string) (SynthesisResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.calls == nil {
		v.calls = make(map[string]int)
	}
	v.calls[text]++
	if v.fail[text] {
		return SynthesisResult{}, errors.New("tts unavailable")
	}
	return SynthesisResult{AudioUrl: "tmp://" + text + ".mp3", Duration: v.durations[text]}, nil
}

func (v *stubVoice) TranscribeWithTimings(ctx context.Context, audioUrl string) (Transcript, error) {
	return Transcript{}, nil
}

func (v *stubVoice) synthCalls(text string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[text]
}

type stubShots struct {
	byNarration map[string][]ShotProposal
}

func (s *stubShots) PlanShots(ctx context.Context, scene models.Scene, actualDuration float64) ([]ShotProposal, error) {
	return s.byNarration[scene.Narration], nil
}

type stubVideo struct{}

func (stubVideo) GenerateClip(ctx context.Context, description string, durationSec int) (string, error) {
	return fmt.Sprintf("gen://%s/%ds", description, durationSec), nil
}

type stubComposer struct{}

func (stubComposer) TrimToDuration(ctx context.Context, clipUrl string, targetSec float64) (string, error) {
	return clipUrl + "?trimmed", nil
}

func (stubComposer) Concat(ctx context.Context, clipUrls []string) (string, error) {
	return "concat://" + strings.Join(clipUrls, "|"), nil
}

func (stubComposer) MergeAudio(ctx context.Context, clipUrl, audioUrl string) (string, error) {
	return clipUrl + "+narration", nil
}

type stubAssets struct{}

func (stubAssets) Rehome(ctx context.Context, sourceUrl, objectName string) (string, error) {
	return "store://" + objectName, nil
}

// syncLauncher executes phases inline. Launch duplicates and re-launches of
// finished phases fall out of the claim commit exactly as they do on the queue.
type syncLauncher struct {
	d *Director
}

func (l *syncLauncher) LaunchPhase(projectID, phaseKey string) error {
	return l.d.ExecutePhase(context.Background(), projectID, phaseKey)
}

type noopLauncher struct{}

func (noopLauncher) LaunchPhase(projectID, phaseKey string) error { return nil }

func testOptions() DirectorOptions {
	return DirectorOptions{
		RetryAttempts:    1,
		RetryBackoff:     time.Millisecond,
		CallTimeout:      time.Second,
		VideoConcurrency: 2,
	}
}

func newPipelineDirector(store Store, providers Providers) *Director {
	launcher := &syncLauncher{}
	d := NewDirector(store, providers, stubAssets{}, launcher, testOptions())
	launcher.d = d
	return d
}

func threeSceneProviders(voice *stubVoice) Providers {
	return Providers{
		Script: &stubScript{plans: []ScenePlan{
			{Text: "tide pool at dawn", Narration: "A", EstimatedDuration: 5},
			{Text: "crabs foraging", Narration: "B", EstimatedDuration: 5},
			{Text: "the tide returns", Narration: "C", EstimatedDuration: 5},
		}},
		Voice: voice,
		Shots: &stubShots{byNarration: map[string][]ShotProposal{
			"A": {{Description: "wide", ApproxDuration: 1}, {Description: "close", ApproxDuration: 1}},
			"B": {{Description: "one", ApproxDuration: 3}, {Description: "two", ApproxDuration: 3}, {Description: "three", ApproxDuration: 3}},
			// C has no proposals and degrades to a single full-scene shot.
		}},
		Video:    stubVideo{},
		Composer: stubComposer{},
	}
}

func TestPipelineRunsToCompletion(t *testing.T) {
	store := NewMemoryStore()
	voice := &stubVoice{durations: map[string]float64{"A": 2, "B": 3, "C": 3.1}}
	d := newPipelineDirector(store, threeSceneProviders(voice))

	if err := d.Start("proj-ok", "tide pools", "calm"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap, err := store.Snapshot("proj-ok")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Project.Status != models.ProjectStatusCompleted {
		t.Fatalf("project status = %s (%s), want completed", snap.Project.Status, snap.Project.Message)
	}
	if snap.Project.Progress != 100 {
		t.Errorf("progress = %d, want 100", snap.Project.Progress)
	}
	if want := "store://projects/proj-ok/final.mp4"; snap.Project.ArtifactUrl != want {
		t.Errorf("artifact url = %q, want %q", snap.Project.ArtifactUrl, want)
	}

	if len(snap.Phases) != 12 {
		t.Errorf("phase count = %d, want 12", len(snap.Phases))
	}
	for i := range snap.Phases {
		if snap.Phases[i].Status != models.PhaseStatusCompleted {
			t.Errorf("phase %s status = %s, want completed", snap.Phases[i].Key, snap.Phases[i].Status)
		}
	}

	if len(snap.Scenes) != 3 {
		t.Fatalf("scene count = %d, want 3", len(snap.Scenes))
	}
	wantDurations := map[string]float64{"A": 2, "B": 3, "C": 3.1}
	wantShots := map[string]int{"A": 2, "B": 3, "C": 1}
	for _, sc := range snap.Scenes {
		if sc.ActualDuration != wantDurations[sc.Narration] {
			t.Errorf("scene %s actual duration = %v, want %v", sc.ID, sc.ActualDuration, wantDurations[sc.Narration])
		}
		if len(sc.Shots) != wantShots[sc.Narration] {
			t.Errorf("scene %s shot count = %d, want %d", sc.ID, len(sc.Shots), wantShots[sc.Narration])
		}
		if err := ValidateShotPartition(sc.ActualDuration, sc.Shots); err != nil {
			t.Errorf("scene %s shots violate partition: %v", sc.ID, err)
		}
		if sc.ClipUrl == "" {
			t.Errorf("scene %s has no composed clip", sc.ID)
		}
		if sc.Audio == nil || math.Abs(sc.Audio.Duration-sc.ActualDuration) > shotToleranceSec {
			t.Errorf("scene %s actual duration diverges from its audio asset", sc.ID)
		}
	}

	// Scene B's oversized proposals must have been rescaled 3:3:3 -> 1:1:1.
	sceneB := snap.Scenes[1]
	for i, sh := range sceneB.Shots {
		if !almostEqual(sh.Duration(), 1) {
			t.Errorf("scene B shot %d duration = %v, want 1", i, sh.Duration())
		}
	}

	// The audit log alone must reproduce the finished state.
	history, err := store.History("proj-ok")
	if err != nil {
		t.Fatal(err)
	}
	replayed, err := Replay(history)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !reflect.DeepEqual(snap, replayed) {
		t.Error("replayed snapshot diverges from live snapshot")
	}
}

func TestStartRejectsRunningProject(t *testing.T) {
	store := NewMemoryStore()
	voice := &stubVoice{durations: map[string]float64{"A": 2, "B": 3, "C": 3.1}}
	// noopLauncher leaves the project running with the script phase pending.
	d := NewDirector(store, threeSceneProviders(voice), stubAssets{}, noopLauncher{}, testOptions())

	if err := d.Start("proj-dup", "tide pools", ""); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := d.Start("proj-dup", "tide pools", ""); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start error = %v, want ErrAlreadyRunning", err)
	}
}

func TestAudioFailureHaltsBarrierAndResumeRetriesOnlyFailedBranch(t *testing.T) {
	store := NewMemoryStore()
	voice := &stubVoice{
		durations: map[string]float64{"A": 2, "B": 3, "C": 3.1},
		fail:      map[string]bool{"C": true},
	}
	d := newPipelineDirector(store, threeSceneProviders(voice))

	if err := d.Start("proj-fail", "tide pools", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap, err := store.Snapshot("proj-fail")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Project.Status != models.ProjectStatusFailed {
		t.Fatalf("project status = %s, want failed", snap.Project.Status)
	}

	audioC := "audio:proj-fail_scene_003"
	if rec := snap.Phase(audioC); rec.Status != models.PhaseStatusFailed || !strings.Contains(rec.Error, "tts unavailable") {
		t.Errorf("audio C phase: status=%s error=%q", rec.Status, rec.Error)
	}
	for _, key := range []string{"audio:proj-fail_scene_001", "audio:proj-fail_scene_002"} {
		if rec := snap.Phase(key); rec.Status != models.PhaseStatusCompleted {
			t.Errorf("phase %s status = %s, want completed", key, rec.Status)
		}
	}
	// The barrier held: nothing downstream of the audio fan-in ever started.
	for _, key := range []string{models.PhaseRetiming, models.PhaseCompose, "shots:proj-fail_scene_001", "video:proj-fail_scene_001"} {
		if rec := snap.Phase(key); rec.Status != models.PhaseStatusPending {
			t.Errorf("phase %s status = %s, want pending", key, rec.Status)
		}
	}

	// Provider recovers; resume must redo only the failed branch.
	voice.mu.Lock()
	voice.fail["C"] = false
	voice.mu.Unlock()
	if err := d.Resume("proj-fail"); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	snap, err = store.Snapshot("proj-fail")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Project.Status != models.ProjectStatusCompleted {
		t.Fatalf("project status after resume = %s (%s), want completed", snap.Project.Status, snap.Project.Message)
	}
	if got := voice.synthCalls("A"); got != 1 {
		t.Errorf("scene A synthesized %d times, want 1", got)
	}
	if got := voice.synthCalls("C"); got != 2 {
		t.Errorf("scene C synthesized %d times, want 2", got)
	}
	if rec := snap.Phase("audio:proj-fail_scene_001"); rec.Attempt != 1 {
		t.Errorf("audio A attempt = %d, want 1", rec.Attempt)
	}
	if rec := snap.Phase(audioC); rec.Attempt != 2 || rec.Error != "" {
		t.Errorf("audio C after resume: attempt=%d error=%q", rec.Attempt, rec.Error)
	}
}

func TestResumeLeavesFinishedProjectUntouched(t *testing.T) {
	store := NewMemoryStore()
	voice := &stubVoice{durations: map[string]float64{"A": 2, "B": 3, "C": 3.1}}
	d := newPipelineDirector(store, threeSceneProviders(voice))

	if err := d.Start("proj-done", "tide pools", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap, err := store.Snapshot("proj-done")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Project.Status != models.ProjectStatusCompleted {
		t.Fatalf("project status = %s, want completed", snap.Project.Status)
	}

	if err := d.Resume("proj-done"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	snap, err = store.Snapshot("proj-done")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Project.Status != models.ProjectStatusCompleted {
		t.Errorf("project status after Resume = %s, want completed to stick", snap.Project.Status)
	}

	// Start on a finished project routes through the same guard.
	if err := d.Start("proj-done", "tide pools", ""); err != nil {
		t.Fatalf("Start on finished project: %v", err)
	}
	snap, _ = store.Snapshot("proj-done")
	if snap.Project.Status != models.ProjectStatusCompleted {
		t.Errorf("project status after re-Start = %s, want completed", snap.Project.Status)
	}
	for _, narration := range []string{"A", "B", "C"} {
		if got := voice.synthCalls(narration); got != 1 {
			t.Errorf("scene %s synthesized %d times after resume of finished project, want 1", narration, got)
		}
	}
}

func TestScriptProviderFailureFallsBackToSingleScene(t *testing.T) {
	store := NewMemoryStore()
	voice := &stubVoice{durations: map[string]float64{"the request": 4}}
	providers := Providers{
		Script:   &stubScript{err: errors.New("model overloaded")},
		Voice:    voice,
		Shots:    &stubShots{},
		Video:    stubVideo{},
		Composer: stubComposer{},
	}
	d := newPipelineDirector(store, providers)

	if err := d.Start("proj-fb", "the request", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap, err := store.Snapshot("proj-fb")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Project.Status != models.ProjectStatusCompleted {
		t.Fatalf("project status = %s (%s), want completed", snap.Project.Status, snap.Project.Message)
	}
	if len(snap.Scenes) != 1 {
		t.Fatalf("scene count = %d, want 1", len(snap.Scenes))
	}
	sc := snap.Scenes[0]
	if sc.Narration != "the request" || sc.ActualDuration != 4 {
		t.Errorf("fallback scene: narration=%q actual=%v", sc.Narration, sc.ActualDuration)
	}
	if len(sc.Shots) != 1 || !almostEqual(sc.Shots[0].EndSec, 4) {
		t.Errorf("fallback scene shots: %+v", sc.Shots)
	}
}

func TestConcurrentExecuteRunsPhaseOnce(t *testing.T) {
	store := NewMemoryStore()
	script := &stubScript{plans: []ScenePlan{{Text: "only", Narration: "only", EstimatedDuration: 3}}}
	voice := &stubVoice{durations: map[string]float64{"only": 3}}
	providers := Providers{Script: script, Voice: voice, Shots: &stubShots{}, Video: stubVideo{}, Composer: stubComposer{}}
	d := NewDirector(store, providers, stubAssets{}, noopLauncher{}, testOptions())

	if err := d.Start("proj-race", "one scene", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.ExecutePhase(context.Background(), "proj-race", models.PhaseScript); err != nil {
				t.Errorf("ExecutePhase: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&script.calls); got != 1 {
		t.Errorf("script provider called %d times, want 1", got)
	}
	snap, err := store.Snapshot("proj-race")
	if err != nil {
		t.Fatal(err)
	}
	rec := snap.Phase(models.PhaseScript)
	if rec.Status != models.PhaseStatusCompleted || rec.Attempt != 1 {
		t.Errorf("script phase after race: status=%s attempt=%d", rec.Status, rec.Attempt)
	}
}

func TestCancelStopsFurtherLaunches(t *testing.T) {
	store := NewMemoryStore()
	voice := &stubVoice{durations: map[string]float64{"A": 2, "B": 3, "C": 3.1}}
	d := NewDirector(store, threeSceneProviders(voice), stubAssets{}, noopLauncher{}, testOptions())

	if err := d.Start("proj-cancel", "tide pools", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := d.Cancel("proj-cancel"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// A queued execution arriving after cancellation is a no-op.
	if err := d.ExecutePhase(context.Background(), "proj-cancel", models.PhaseScript); err != nil {
		t.Fatalf("ExecutePhase after cancel: %v", err)
	}
	snap, err := store.Snapshot("proj-cancel")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Project.Status != models.ProjectStatusFailed || snap.Project.Message != "cancelled" {
		t.Errorf("project after cancel: status=%s message=%q", snap.Project.Status, snap.Project.Message)
	}
	if rec := snap.Phase(models.PhaseScript); rec.Status != models.PhaseStatusPending {
		t.Errorf("script phase after cancel = %s, want pending", rec.Status)
	}
}
