package service

import (
	"errors"
	"fmt"
	"time"

	"PromptToVideo-server/models"
)

var (
	ErrProjectNotFound = errors.New("project not found")
	// ErrPhaseConflict: the claimed phase was not pending. The loser of a
	// concurrent launch race sees this and walks away.
	ErrPhaseConflict = errors.New("phase not claimable")
)

// Snapshot is the materialized current state of one project. Scenes carry
// their shots and audio asset; Phases carry the full graph.
type Snapshot struct {
	Project models.Project       `json:"project"`
	Scenes  []models.Scene       `json:"scenes"`
	Phases  []models.PhaseRecord `json:"phases"`
}

func (s *Snapshot) Scene(id string) *models.Scene {
	for i := range s.Scenes {
		if s.Scenes[i].ID == id {
			return &s.Scenes[i]
		}
	}
	return nil
}

func (s *Snapshot) Phase(key string) *models.PhaseRecord {
	for i := range s.Phases {
		if s.Phases[i].Key == key {
			return &s.Phases[i]
		}
	}
	return nil
}

func (s *Snapshot) clone() *Snapshot {
	out := &Snapshot{Project: s.Project}
	out.Scenes = make([]models.Scene, len(s.Scenes))
	for i, sc := range s.Scenes {
		c := sc
		c.Shots = append([]models.Shot(nil), sc.Shots...)
		if sc.Audio != nil {
			a := *sc.Audio
			a.Words = append(models.WordTimings(nil), sc.Audio.Words...)
			c.Audio = &a
		}
		out.Scenes[i] = c
	}
	out.Phases = make([]models.PhaseRecord, len(s.Phases))
	for i, p := range s.Phases {
		c := p
		c.DependsOn = append(models.StringList(nil), p.DependsOn...)
		out.Phases[i] = c
	}
	return out
}

// Mutation kinds. Every committed mutation is appended to the audit log and
// replaying the log in order rebuilds the snapshot.
const (
	MutProjectCreated    = "project_created"
	MutProjectStatus     = "project_status"
	MutScenesPlanned     = "scenes_planned"
	MutPhasesAdded       = "phases_added"
	MutPhaseClaimed      = "phase_claimed"
	MutPhaseCompleted    = "phase_completed"
	MutPhaseFailed       = "phase_failed"
	MutPhaseReset        = "phase_reset"
	MutAudioAttached     = "audio_attached"
	MutSceneRetimed      = "scene_retimed"
	MutShotsPlanned      = "shots_planned"
	MutClipComposed      = "clip_composed"
	MutArtifactFinalized = "artifact_finalized"
)

type Mutation struct {
	Kind string    `json:"kind"`
	At   time.Time `json:"at"`

	Project *models.Project      `json:"project,omitempty"`
	Status  string               `json:"status,omitempty"`
	Message string               `json:"message,omitempty"`
	Scenes  []models.Scene       `json:"scenes,omitempty"`
	Phases  []models.PhaseRecord `json:"phases,omitempty"`

	PhaseKey string `json:"phaseKey,omitempty"`
	Token    string `json:"token,omitempty"`
	Result   string `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`

	SceneID     string             `json:"sceneId,omitempty"`
	Audio       *models.AudioAsset `json:"audio,omitempty"`
	Actual      float64            `json:"actual,omitempty"`
	Shots       []models.Shot      `json:"shots,omitempty"`
	ClipUrl     string             `json:"clipUrl,omitempty"`
	ArtifactUrl string             `json:"artifactUrl,omitempty"`
}

// Store is the single source of truth for project state. Commit applies a
// mutation to the snapshot and appends one audit record atomically; commits
// are serialized per project, unrelated projects stay fully concurrent.
type Store interface {
	Snapshot(projectID string) (*Snapshot, error)
	Commit(projectID string, m Mutation) (*Snapshot, error)
	History(projectID string) ([]Mutation, error)
	// List returns the project rows only, newest first.
	List() ([]models.Project, error)
	// Delete removes the project and everything hanging off it, audit log
	// included.
	Delete(projectID string) error
}

// apply is the one transition function shared by live commits and replay.
// Transitions are idempotent: applying a record to a snapshot that already
// reflects it is a no-op.
func apply(s *Snapshot, m Mutation) error {
	switch m.Kind {
	case MutProjectCreated:
		if m.Project == nil {
			return fmt.Errorf("project_created without project")
		}
		if s.Project.ID == m.Project.ID {
			return nil
		}
		s.Project = *m.Project

	case MutProjectStatus:
		s.Project.Status = m.Status
		if m.Message != "" {
			s.Project.Message = m.Message
		}
		s.Project.UpdatedAt = m.At

	case MutScenesPlanned:
		// The scene set is fixed at script completion; a second planning
		// result cannot resize it.
		if len(s.Scenes) > 0 {
			return nil
		}
		s.Scenes = append([]models.Scene(nil), m.Scenes...)

	case MutPhasesAdded:
		for _, p := range m.Phases {
			if s.Phase(p.Key) == nil {
				s.Phases = append(s.Phases, p)
			}
		}

	case MutPhaseClaimed:
		rec := s.Phase(m.PhaseKey)
		if rec == nil {
			return fmt.Errorf("phase %s: %w", m.PhaseKey, ErrPhaseConflict)
		}
		if rec.Status == models.PhaseStatusRunning && rec.Token == m.Token {
			return nil
		}
		if rec.Status != models.PhaseStatusPending {
			return fmt.Errorf("phase %s is %s: %w", m.PhaseKey, rec.Status, ErrPhaseConflict)
		}
		rec.Status = models.PhaseStatusRunning
		rec.Token = m.Token
		rec.Attempt++
		rec.StartedAt = m.At
		rec.UpdatedAt = m.At
		s.Project.CurrentPhase = rec.Name
		s.Project.UpdatedAt = m.At

	case MutPhaseCompleted:
		rec := s.Phase(m.PhaseKey)
		if rec == nil {
			return fmt.Errorf("phase %s not found", m.PhaseKey)
		}
		if rec.Status == models.PhaseStatusCompleted {
			return nil
		}
		// Only the attempt holding the current token may finish the phase. A
		// stale attempt that was reset and re-claimed meanwhile loses here.
		if rec.Token != m.Token {
			return fmt.Errorf("phase %s completion from stale attempt: %w", m.PhaseKey, ErrPhaseConflict)
		}
		rec.Status = models.PhaseStatusCompleted
		rec.Result = m.Result
		rec.Error = ""
		rec.FinishedAt = m.At
		rec.UpdatedAt = m.At
		recomputeProgress(s, m.At)

	case MutPhaseFailed:
		rec := s.Phase(m.PhaseKey)
		if rec == nil {
			return fmt.Errorf("phase %s not found", m.PhaseKey)
		}
		if rec.Status == models.PhaseStatusFailed && rec.Error == m.Error {
			return nil
		}
		if rec.Token != m.Token {
			return fmt.Errorf("phase %s failure from stale attempt: %w", m.PhaseKey, ErrPhaseConflict)
		}
		rec.Status = models.PhaseStatusFailed
		rec.Error = m.Error
		rec.FinishedAt = m.At
		rec.UpdatedAt = m.At

	case MutPhaseReset:
		rec := s.Phase(m.PhaseKey)
		if rec == nil {
			return fmt.Errorf("phase %s not found", m.PhaseKey)
		}
		if rec.Status == models.PhaseStatusPending || rec.Status == models.PhaseStatusCompleted {
			return nil
		}
		rec.Status = models.PhaseStatusPending
		rec.Token = ""
		rec.Error = ""
		rec.UpdatedAt = m.At

	case MutAudioAttached:
		sc := s.Scene(m.SceneID)
		if sc == nil {
			return fmt.Errorf("scene %s not found", m.SceneID)
		}
		if sc.Audio != nil {
			return nil // audio assets are write-once
		}
		a := *m.Audio
		sc.Audio = &a
		sc.UpdatedAt = m.At

	case MutSceneRetimed:
		sc := s.Scene(m.SceneID)
		if sc == nil {
			return fmt.Errorf("scene %s not found", m.SceneID)
		}
		sc.ActualDuration = m.Actual
		sc.UpdatedAt = m.At

	case MutShotsPlanned:
		sc := s.Scene(m.SceneID)
		if sc == nil {
			return fmt.Errorf("scene %s not found", m.SceneID)
		}
		sc.Shots = append([]models.Shot(nil), m.Shots...)
		sc.UpdatedAt = m.At

	case MutClipComposed:
		sc := s.Scene(m.SceneID)
		if sc == nil {
			return fmt.Errorf("scene %s not found", m.SceneID)
		}
		sc.ClipUrl = m.ClipUrl
		sc.UpdatedAt = m.At

	case MutArtifactFinalized:
		s.Project.ArtifactUrl = m.ArtifactUrl
		s.Project.Status = models.ProjectStatusCompleted
		s.Project.Progress = 100
		s.Project.Message = "completed"
		s.Project.UpdatedAt = m.At

	default:
		return fmt.Errorf("unknown mutation kind: %s", m.Kind)
	}
	return nil
}

func recomputeProgress(s *Snapshot, at time.Time) {
	if len(s.Phases) == 0 {
		return
	}
	done := 0
	for i := range s.Phases {
		if s.Phases[i].Status == models.PhaseStatusCompleted {
			done++
		}
	}
	s.Project.Progress = done * 100 / len(s.Phases)
	s.Project.UpdatedAt = at
}

// Replay folds an audit history over an empty snapshot. Given the full history
// of a project it reproduces the live snapshot exactly.
func Replay(history []Mutation) (*Snapshot, error) {
	s := &Snapshot{}
	for i, m := range history {
		if err := apply(s, m); err != nil {
			return nil, fmt.Errorf("replay record %d (%s): %w", i, m.Kind, err)
		}
	}
	return s, nil
}
