package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"PromptToVideo-server/models"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var ErrAlreadyRunning = errors.New("project already running")

// Launcher hands a ready phase to the execution substrate. Production wiring
// enqueues an asynq task; tests run the phase directly.
type Launcher interface {
	LaunchPhase(projectID, phaseKey string) error
}

type DirectorOptions struct {
	RetryAttempts    int
	RetryBackoff     time.Duration
	CallTimeout      time.Duration // per external provider call
	VideoConcurrency int           // clip generations in flight per scene
}

// Director executes the phase graph of one project:
//
//	script -> {audio:scene} -> retiming -> {shots:scene -> video:scene} -> compose
//
// Retiming is a barrier over every scene's audio phase; compose is a barrier
// over every scene's video phase. Per-scene branches between the barriers run
// independently. The only synchronization point is the ready-set computation
// in Advance plus the claim commit that flips a phase pending -> running.
type Director struct {
	Store     Store
	Providers Providers
	Assets    AssetStore
	Launcher  Launcher

	retry       retryPolicy
	callTimeout time.Duration
	videoJobs   int

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc // projectID/phaseKey -> cancel
}

func NewDirector(store Store, providers Providers, assets AssetStore, launcher Launcher, opts DirectorOptions) *Director {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Minute
	}
	if opts.VideoConcurrency <= 0 {
		opts.VideoConcurrency = 2
	}
	return &Director{
		Store:       store,
		Providers:   providers,
		Assets:      assets,
		Launcher:    launcher,
		retry:       retryPolicy{Attempts: opts.RetryAttempts, Backoff: opts.RetryBackoff},
		callTimeout: opts.CallTimeout,
		videoJobs:   opts.VideoConcurrency,
		cancels:     make(map[string]context.CancelFunc),
	}
}

// Start creates the project and launches the leftmost ready phase. A project
// that is already running is rejected with ErrAlreadyRunning.
func (d *Director) Start(projectID, request, style string) error {
	if snap, err := d.Store.Snapshot(projectID); err == nil {
		if snap.Project.Status == models.ProjectStatusRunning {
			return ErrAlreadyRunning
		}
		return d.Resume(projectID)
	} else if !errors.Is(err, ErrProjectNotFound) {
		return err
	}

	now := time.Now()
	project := models.Project{
		ID:        projectID,
		Request:   request,
		Style:     style,
		Status:    models.ProjectStatusRunning,
		Message:   "project created",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := d.Store.Commit(projectID, Mutation{Kind: MutProjectCreated, Project: &project}); err != nil {
		return fmt.Errorf("create project: %w", err)
	}

	script := models.PhaseRecord{
		ID:        uuid.NewString(),
		ProjectId: projectID,
		Key:       models.PhaseScript,
		Name:      models.PhaseScript,
		Status:    models.PhaseStatusPending,
		CreatedAt: now,
	}
	if _, err := d.Store.Commit(projectID, Mutation{Kind: MutPhasesAdded, Phases: []models.PhaseRecord{script}}); err != nil {
		return fmt.Errorf("seed phases: %w", err)
	}
	return d.Advance(projectID)
}

// Advance computes the ready set from a fresh snapshot and launches each ready
// phase. Launch duplicates are harmless: the claim commit admits exactly one
// execution per (project, phase) attempt.
func (d *Director) Advance(projectID string) error {
	snap, err := d.Store.Snapshot(projectID)
	if err != nil {
		return err
	}
	if snap.Project.Status != models.ProjectStatusRunning {
		// Failed or finished projects launch nothing new; in-flight siblings
		// are left to run out.
		return nil
	}
	for _, key := range readyPhases(snap) {
		if err := d.Launcher.LaunchPhase(projectID, key); err != nil {
			log.Printf("[Director] launch %s/%s failed: %v", projectID, key, err)
		}
	}
	return nil
}

func readyPhases(snap *Snapshot) []string {
	var ready []string
	for i := range snap.Phases {
		rec := &snap.Phases[i]
		if rec.Status != models.PhaseStatusPending {
			continue
		}
		ok := true
		for _, dep := range rec.DependsOn {
			depRec := snap.Phase(dep)
			if depRec == nil || depRec.Status != models.PhaseStatusCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, rec.Key)
		}
	}
	return ready
}

// ExecutePhase claims and runs one phase to completion. It is safe to call
// concurrently and repeatedly for the same phase: losers of the claim race
// return without side effects.
func (d *Director) ExecutePhase(ctx context.Context, projectID, phaseKey string) error {
	snap, err := d.Store.Snapshot(projectID)
	if err != nil {
		return err
	}
	if snap.Project.Status != models.ProjectStatusRunning {
		return nil
	}
	rec := snap.Phase(phaseKey)
	if rec == nil || rec.Status != models.PhaseStatusPending {
		return nil
	}

	token := uuid.NewString()
	if _, err := d.Store.Commit(projectID, Mutation{Kind: MutPhaseClaimed, PhaseKey: phaseKey, Token: token}); err != nil {
		if errors.Is(err, ErrPhaseConflict) {
			return nil // another caller won the launch race
		}
		return fmt.Errorf("claim %s: %w", phaseKey, err)
	}
	log.Printf("[Director] %s/%s running (attempt token %s)", projectID, phaseKey, token[:8])

	phaseCtx, cancel := context.WithCancel(ctx)
	d.registerCancel(projectID, phaseKey, cancel)
	defer d.unregisterCancel(projectID, phaseKey)
	defer cancel()

	result, runErr := d.runPhase(phaseCtx, projectID, phaseKey)
	if runErr != nil {
		d.ReportFailure(projectID, phaseKey, token, runErr)
		return nil // pipeline failure, not a queue failure
	}

	if _, err := d.Store.Commit(projectID, Mutation{
		Kind: MutPhaseCompleted, PhaseKey: phaseKey, Token: token, Result: result,
	}); err != nil {
		if errors.Is(err, ErrPhaseConflict) {
			// The attempt was superseded while running (reset and re-claimed
			// by a resume); the live attempt owns the phase now.
			log.Printf("[Director] %s/%s completion from superseded attempt dropped", projectID, phaseKey)
			return nil
		}
		d.ReportFailure(projectID, phaseKey, token, fmt.Errorf("commit completion: %w", err))
		return nil
	}
	log.Printf("[Director] %s/%s completed", projectID, phaseKey)
	return d.Advance(projectID)
}

// ReportFailure fails the phase and the project. The failure commit carries
// the reporting attempt's token; a superseded attempt loses it and fails
// nothing. Sibling branches that are already running finish on their own;
// Advance launches nothing for a failed project, so the halt is per-branch,
// not a hard stop.
func (d *Director) ReportFailure(projectID, phaseKey, token string, cause error) {
	log.Printf("[Director] %s/%s failed: %v", projectID, phaseKey, cause)
	if _, err := d.Store.Commit(projectID, Mutation{
		Kind: MutPhaseFailed, PhaseKey: phaseKey, Token: token, Error: cause.Error(),
	}); err != nil {
		if errors.Is(err, ErrPhaseConflict) {
			log.Printf("[Director] %s/%s failure from superseded attempt dropped", projectID, phaseKey)
			return
		}
		log.Printf("[Director] record phase failure failed: %v", err)
	}
	if _, err := d.Store.Commit(projectID, Mutation{
		Kind:    MutProjectStatus,
		Status:  models.ProjectStatusFailed,
		Message: fmt.Sprintf("phase %s failed: %v", phaseKey, cause),
	}); err != nil {
		log.Printf("[Director] record project failure failed: %v", err)
	}
}

// Resume rebuilds pipeline state from the store after a crash or a failure.
// Phases recorded running are treated as failed (in-flight work is never
// resumable); failed phases are reset to pending for a fresh attempt;
// completed phases are never redone. A finished project has nothing to
// resume and keeps its terminal status.
func (d *Director) Resume(projectID string) error {
	snap, err := d.Store.Snapshot(projectID)
	if err != nil {
		return err
	}
	if snap.Project.Status == models.ProjectStatusCompleted {
		return nil
	}
	unfinished := false
	for i := range snap.Phases {
		if snap.Phases[i].Status != models.PhaseStatusCompleted {
			unfinished = true
			break
		}
	}
	if !unfinished {
		return nil
	}
	for i := range snap.Phases {
		rec := &snap.Phases[i]
		switch rec.Status {
		case models.PhaseStatusRunning:
			if _, err := d.Store.Commit(projectID, Mutation{
				Kind: MutPhaseFailed, PhaseKey: rec.Key, Token: rec.Token, Error: "interrupted",
			}); err != nil {
				return fmt.Errorf("demote %s: %w", rec.Key, err)
			}
			fallthrough
		case models.PhaseStatusFailed:
			if _, err := d.Store.Commit(projectID, Mutation{Kind: MutPhaseReset, PhaseKey: rec.Key}); err != nil {
				return fmt.Errorf("reset %s: %w", rec.Key, err)
			}
		}
	}
	if _, err := d.Store.Commit(projectID, Mutation{
		Kind: MutProjectStatus, Status: models.ProjectStatusRunning, Message: "resumed",
	}); err != nil {
		return err
	}
	return d.Advance(projectID)
}

// Cancel marks the project failed and signals in-flight phase executions to
// stop at their next suspension point. Committed records are not rolled back.
func (d *Director) Cancel(projectID string) error {
	if _, err := d.Store.Commit(projectID, Mutation{
		Kind: MutProjectStatus, Status: models.ProjectStatusFailed, Message: "cancelled",
	}); err != nil {
		return err
	}
	d.cancelMu.Lock()
	defer d.cancelMu.Unlock()
	prefix := projectID + "/"
	for key, cancel := range d.cancels {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			cancel()
			delete(d.cancels, key)
		}
	}
	return nil
}

func (d *Director) registerCancel(projectID, phaseKey string, cancel context.CancelFunc) {
	d.cancelMu.Lock()
	defer d.cancelMu.Unlock()
	d.cancels[projectID+"/"+phaseKey] = cancel
}

func (d *Director) unregisterCancel(projectID, phaseKey string) {
	d.cancelMu.Lock()
	defer d.cancelMu.Unlock()
	delete(d.cancels, projectID+"/"+phaseKey)
}

func (d *Director) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.callTimeout)
}

func (d *Director) runPhase(ctx context.Context, projectID, phaseKey string) (string, error) {
	name, sceneID := models.SplitPhaseKey(phaseKey)
	switch name {
	case models.PhaseScript:
		return d.runScriptPhase(ctx, projectID)
	case models.PhaseAudio:
		return d.runAudioPhase(ctx, projectID, sceneID)
	case models.PhaseRetiming:
		return d.runRetimingPhase(projectID)
	case models.PhaseShots:
		return d.runShotsPhase(ctx, projectID, sceneID)
	case models.PhaseVideo:
		return d.runVideoPhase(ctx, projectID, sceneID)
	case models.PhaseCompose:
		return d.runComposePhase(ctx, projectID)
	default:
		return "", fmt.Errorf("unknown phase: %s", phaseKey)
	}
}

// runScriptPhase turns the user request into the scene set and materializes
// the rest of the phase graph. The scene set is frozen here.
func (d *Director) runScriptPhase(ctx context.Context, projectID string) (string, error) {
	snap, err := d.Store.Snapshot(projectID)
	if err != nil {
		return "", err
	}

	var plans []ScenePlan
	genErr := d.retry.do(ctx, "script", func(ctx context.Context) error {
		callCtx, cancel := d.callCtx(ctx)
		defer cancel()
		got, err := d.Providers.Script.GenerateScript(callCtx, snap.Project.Request, snap.Project.Style)
		if err != nil {
			return err
		}
		plans = got
		return nil
	})
	if genErr != nil {
		// Deterministic stub instead of aborting the whole project.
		log.Printf("[Director] script provider failed, using fallback scene: %v", genErr)
		plans = fallbackScript(snap.Project.Request)
	}

	now := time.Now()
	scenes := make([]models.Scene, len(plans))
	for i, plan := range plans {
		scenes[i] = models.Scene{
			ID:              fmt.Sprintf("%s_scene_%03d", projectID, i+1),
			ProjectId:       projectID,
			Order:           i + 1,
			Description:     plan.Text,
			Narration:       plan.Narration,
			PlannedDuration: plan.EstimatedDuration,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
	}
	if _, err := d.Store.Commit(projectID, Mutation{Kind: MutScenesPlanned, Scenes: scenes}); err != nil {
		return "", err
	}
	if _, err := d.Store.Commit(projectID, Mutation{
		Kind: MutPhasesAdded, Phases: buildScenePhases(projectID, scenes, now),
	}); err != nil {
		return "", err
	}
	return encodeResult(map[string]interface{}{"scene_count": len(scenes)}), nil
}

// buildScenePhases materializes the per-scene branches and both barriers once
// the scene set is known.
func buildScenePhases(projectID string, scenes []models.Scene, now time.Time) []models.PhaseRecord {
	rec := func(name, sceneID string, deps []string) models.PhaseRecord {
		return models.PhaseRecord{
			ID:        uuid.NewString(),
			ProjectId: projectID,
			Key:       models.PhaseKey(name, sceneID),
			Name:      name,
			SceneId:   sceneID,
			Status:    models.PhaseStatusPending,
			DependsOn: deps,
			CreatedAt: now,
		}
	}

	var phases []models.PhaseRecord
	audioKeys := make([]string, len(scenes))
	for i, sc := range scenes {
		audioKeys[i] = models.PhaseKey(models.PhaseAudio, sc.ID)
		phases = append(phases, rec(models.PhaseAudio, sc.ID, []string{models.PhaseScript}))
	}
	// Retiming is a barrier over every scene's audio, not a per-scene edge:
	// shot planning needs the full runtime envelope before any windows are cut.
	phases = append(phases, rec(models.PhaseRetiming, "", audioKeys))
	videoKeys := make([]string, len(scenes))
	for i, sc := range scenes {
		shotsKey := models.PhaseKey(models.PhaseShots, sc.ID)
		videoKeys[i] = models.PhaseKey(models.PhaseVideo, sc.ID)
		phases = append(phases, rec(models.PhaseShots, sc.ID, []string{models.PhaseRetiming}))
		phases = append(phases, rec(models.PhaseVideo, sc.ID, []string{shotsKey}))
	}
	phases = append(phases, rec(models.PhaseCompose, "", videoKeys))
	return phases
}

func fallbackScript(request string) []ScenePlan {
	return []ScenePlan{{
		Text:              request,
		Narration:         request,
		EstimatedDuration: 8,
	}}
}

// runAudioPhase synthesizes narration for one scene and attaches the measured
// asset. The transcript with word timings is best effort; the duration is not.
func (d *Director) runAudioPhase(ctx context.Context, projectID, sceneID string) (string, error) {
	snap, err := d.Store.Snapshot(projectID)
	if err != nil {
		return "", err
	}
	scene := snap.Scene(sceneID)
	if scene == nil {
		return "", fmt.Errorf("scene %s not found", sceneID)
	}

	var synth SynthesisResult
	if err := d.retry.do(ctx, "voice", func(ctx context.Context) error {
		callCtx, cancel := d.callCtx(ctx)
		defer cancel()
		got, err := d.Providers.Voice.Synthesize(callCtx, scene.Narration)
		if err != nil {
			return err
		}
		synth = got
		return nil
	}); err != nil {
		return "", err
	}

	var words models.WordTimings
	if err := d.retry.do(ctx, "transcribe", func(ctx context.Context) error {
		callCtx, cancel := d.callCtx(ctx)
		defer cancel()
		t, err := d.Providers.Voice.TranscribeWithTimings(callCtx, synth.AudioUrl)
		if err != nil {
			return err
		}
		words = t.Words
		return nil
	}); err != nil {
		// Word timings enrich the asset but do not gate the pipeline.
		log.Printf("[Director] transcription failed for %s, keeping empty timings: %v", sceneID, err)
		words = nil
	}

	objectName := fmt.Sprintf("projects/%s/scenes/%s/narration.mp3", projectID, sceneID)
	audioUrl, err := d.Assets.Rehome(ctx, synth.AudioUrl, objectName)
	if err != nil {
		return "", fmt.Errorf("store narration: %w", err)
	}

	asset := models.AudioAsset{
		ID:        uuid.NewString(),
		SceneId:   sceneID,
		Url:       audioUrl,
		Duration:  synth.Duration,
		Words:     words,
		CreatedAt: time.Now(),
	}
	if _, err := d.Store.Commit(projectID, Mutation{Kind: MutAudioAttached, SceneID: sceneID, Audio: &asset}); err != nil {
		return "", err
	}
	return encodeResult(map[string]interface{}{"duration": synth.Duration}), nil
}

// runRetimingPhase overwrites every scene's planned duration with the measured
// audio duration. Pure over the scene set; runs only once every audio phase
// has completed (the dependency barrier guarantees the order, AudioDurations
// re-checks it).
func (d *Director) runRetimingPhase(projectID string) (string, error) {
	snap, err := d.Store.Snapshot(projectID)
	if err != nil {
		return "", err
	}
	durations, err := AudioDurations(snap.Scenes)
	if err != nil {
		return "", err
	}
	for _, sc := range snap.Scenes {
		if _, err := d.Store.Commit(projectID, Mutation{
			Kind: MutSceneRetimed, SceneID: sc.ID, Actual: durations[sc.ID],
		}); err != nil {
			return "", err
		}
	}
	return encodeResult(map[string]interface{}{"scene_count": len(snap.Scenes)}), nil
}

// runShotsPhase asks the planner for shot proposals and reconciles them
// against the scene's actual duration. Provider errors and empty proposals
// both degrade to a single full-scene shot.
func (d *Director) runShotsPhase(ctx context.Context, projectID, sceneID string) (string, error) {
	snap, err := d.Store.Snapshot(projectID)
	if err != nil {
		return "", err
	}
	scene := snap.Scene(sceneID)
	if scene == nil {
		return "", fmt.Errorf("scene %s not found", sceneID)
	}
	if scene.ActualDuration <= 0 {
		return "", fmt.Errorf("scene %s not retimed: %w", sceneID, ErrTimingInvariant)
	}

	var proposals []ShotProposal
	if err := d.retry.do(ctx, "shot-planning", func(ctx context.Context) error {
		callCtx, cancel := d.callCtx(ctx)
		defer cancel()
		got, err := d.Providers.Shots.PlanShots(callCtx, *scene, scene.ActualDuration)
		if err != nil {
			return err
		}
		proposals = got
		return nil
	}); err != nil {
		log.Printf("[Director] shot planning failed for %s, falling back to full-scene shot: %v", sceneID, err)
		proposals = nil
	}

	shots := ReconcileShots(sceneID, scene.ActualDuration, proposals)
	if _, err := d.Store.Commit(projectID, Mutation{Kind: MutShotsPlanned, SceneID: sceneID, Shots: shots}); err != nil {
		return "", err
	}
	return encodeResult(map[string]interface{}{"shot_count": len(shots)}), nil
}

// runVideoPhase produces one composed clip for a scene: a generated and
// trimmed clip per shot, concatenated and merged with the narration.
func (d *Director) runVideoPhase(ctx context.Context, projectID, sceneID string) (string, error) {
	snap, err := d.Store.Snapshot(projectID)
	if err != nil {
		return "", err
	}
	scene := snap.Scene(sceneID)
	if scene == nil {
		return "", fmt.Errorf("scene %s not found", sceneID)
	}
	if len(scene.Shots) == 0 {
		return "", fmt.Errorf("scene %s has no shots", sceneID)
	}
	if scene.Audio == nil {
		return "", fmt.Errorf("scene %s has no audio asset", sceneID)
	}

	clips := make([]string, len(scene.Shots))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(d.videoJobs)
	for i := range scene.Shots {
		shot := scene.Shots[i]
		idx := i
		group.Go(func() error {
			wholeSec := int(math.Round(shot.Duration()))
			if wholeSec < 1 {
				wholeSec = 1
			}
			var clipUrl string
			if err := d.retry.do(groupCtx, "video", func(ctx context.Context) error {
				callCtx, cancel := d.callCtx(ctx)
				defer cancel()
				got, err := d.Providers.Video.GenerateClip(callCtx, shot.Description, wholeSec)
				if err != nil {
					return err
				}
				clipUrl = got
				return nil
			}); err != nil {
				return fmt.Errorf("shot %s: %w", shot.ID, err)
			}
			trimmed, err := d.Providers.Composer.TrimToDuration(groupCtx, clipUrl, shot.Duration())
			if err != nil {
				return fmt.Errorf("trim shot %s: %w", shot.ID, err)
			}
			clips[idx] = trimmed
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return "", err
	}

	sceneClip := clips[0]
	if len(clips) > 1 {
		sceneClip, err = d.Providers.Composer.Concat(ctx, clips)
		if err != nil {
			return "", fmt.Errorf("concat shots: %w", err)
		}
	}
	merged, err := d.Providers.Composer.MergeAudio(ctx, sceneClip, scene.Audio.Url)
	if err != nil {
		return "", fmt.Errorf("merge narration: %w", err)
	}

	objectName := fmt.Sprintf("projects/%s/scenes/%s/clip.mp4", projectID, sceneID)
	clipUrl, err := d.Assets.Rehome(ctx, merged, objectName)
	if err != nil {
		return "", fmt.Errorf("store clip: %w", err)
	}
	if _, err := d.Store.Commit(projectID, Mutation{Kind: MutClipComposed, SceneID: sceneID, ClipUrl: clipUrl}); err != nil {
		return "", err
	}
	return encodeResult(map[string]interface{}{"clip_url": clipUrl}), nil
}

// runComposePhase concatenates the finished scene clips into the final
// artifact and completes the project.
func (d *Director) runComposePhase(ctx context.Context, projectID string) (string, error) {
	snap, err := d.Store.Snapshot(projectID)
	if err != nil {
		return "", err
	}
	clipUrls := make([]string, 0, len(snap.Scenes))
	for _, sc := range snap.Scenes {
		if sc.ClipUrl == "" {
			return "", fmt.Errorf("scene %s has no composed clip", sc.ID)
		}
		clipUrls = append(clipUrls, sc.ClipUrl)
	}

	finalUrl := clipUrls[0]
	if len(clipUrls) > 1 {
		finalUrl, err = d.Providers.Composer.Concat(ctx, clipUrls)
		if err != nil {
			return "", fmt.Errorf("concat scenes: %w", err)
		}
	}
	objectName := fmt.Sprintf("projects/%s/final.mp4", projectID)
	artifactUrl, err := d.Assets.Rehome(ctx, finalUrl, objectName)
	if err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	if _, err := d.Store.Commit(projectID, Mutation{Kind: MutArtifactFinalized, ArtifactUrl: artifactUrl}); err != nil {
		return "", err
	}
	return encodeResult(map[string]interface{}{"artifact_url": artifactUrl}), nil
}

func encodeResult(v map[string]interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
