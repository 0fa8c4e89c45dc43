package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"PromptToVideo-server/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DBStore is the durable Store. Each commit runs in one transaction holding a
// row lock on the project, which serializes commits per project while leaving
// unrelated projects concurrent. The audit append rides the same transaction,
// so a mutation and its log record land together or not at all.
type DBStore struct {
	DB *gorm.DB
}

func NewDBStore(db *gorm.DB) *DBStore {
	return &DBStore{DB: db}
}

func (s *DBStore) Snapshot(projectID string) (*Snapshot, error) {
	return loadSnapshot(s.DB, projectID)
}

func loadSnapshot(tx *gorm.DB, projectID string) (*Snapshot, error) {
	var snap Snapshot
	if err := tx.First(&snap.Project, "id = ?", projectID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("load project: %w", err)
	}
	if err := tx.Order("`order` ASC").Find(&snap.Scenes, "project_id = ?", projectID).Error; err != nil {
		return nil, fmt.Errorf("load scenes: %w", err)
	}
	for i := range snap.Scenes {
		sc := &snap.Scenes[i]
		if err := tx.Order("`order` ASC").Find(&sc.Shots, "scene_id = ?", sc.ID).Error; err != nil {
			return nil, fmt.Errorf("load shots: %w", err)
		}
		var audio models.AudioAsset
		err := tx.First(&audio, "scene_id = ?", sc.ID).Error
		switch {
		case err == nil:
			sc.Audio = &audio
		case errors.Is(err, gorm.ErrRecordNotFound):
			// no narration yet
		default:
			return nil, fmt.Errorf("load audio: %w", err)
		}
	}
	if err := tx.Order("created_at ASC, id ASC").Find(&snap.Phases, "project_id = ?", projectID).Error; err != nil {
		return nil, fmt.Errorf("load phases: %w", err)
	}
	return &snap, nil
}

func (s *DBStore) Commit(projectID string, m Mutation) (*Snapshot, error) {
	if m.At.IsZero() {
		m.At = time.Now()
	}
	var snap *Snapshot
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if m.Kind != MutProjectCreated {
			// Lock the project row for the duration of the commit.
			var locked models.Project
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				First(&locked, "id = ?", projectID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrProjectNotFound
				}
				return fmt.Errorf("lock project: %w", err)
			}
		}

		cur := &Snapshot{}
		if m.Kind != MutProjectCreated {
			loaded, err := loadSnapshot(tx, projectID)
			if err != nil {
				return err
			}
			cur = loaded
		}
		if err := apply(cur, m); err != nil {
			return err
		}
		if err := persistMutation(tx, cur, m); err != nil {
			return fmt.Errorf("persist: %w", err)
		}
		if err := appendAudit(tx, projectID, m); err != nil {
			return fmt.Errorf("audit: %w", err)
		}
		snap = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// persistMutation writes the rows a mutation touched. The snapshot has already
// been advanced by apply, so rows are copied out of it.
func persistMutation(tx *gorm.DB, snap *Snapshot, m Mutation) error {
	saveProject := func() error { return tx.Save(&snap.Project).Error }
	savePhase := func(key string) error {
		rec := snap.Phase(key)
		if rec == nil {
			return fmt.Errorf("phase %s missing after apply", key)
		}
		return tx.Save(rec).Error
	}

	switch m.Kind {
	case MutProjectCreated:
		return tx.Create(&snap.Project).Error

	case MutProjectStatus, MutArtifactFinalized:
		return saveProject()

	case MutScenesPlanned:
		if len(snap.Scenes) > 0 {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&snap.Scenes).Error; err != nil {
				return err
			}
		}
		return saveProject()

	case MutPhasesAdded:
		for i := range m.Phases {
			rec := snap.Phase(m.Phases[i].Key)
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(rec).Error; err != nil {
				return err
			}
		}
		return nil

	case MutPhaseClaimed, MutPhaseCompleted, MutPhaseFailed, MutPhaseReset:
		if err := savePhase(m.PhaseKey); err != nil {
			return err
		}
		return saveProject()

	case MutAudioAttached:
		sc := snap.Scene(m.SceneID)
		if sc == nil || sc.Audio == nil {
			return fmt.Errorf("scene %s missing audio after apply", m.SceneID)
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(sc.Audio).Error

	case MutSceneRetimed, MutClipComposed:
		sc := snap.Scene(m.SceneID)
		if sc == nil {
			return fmt.Errorf("scene %s missing after apply", m.SceneID)
		}
		return tx.Save(sc).Error

	case MutShotsPlanned:
		sc := snap.Scene(m.SceneID)
		if sc == nil {
			return fmt.Errorf("scene %s missing after apply", m.SceneID)
		}
		if err := tx.Where("scene_id = ?", m.SceneID).Delete(&models.Shot{}).Error; err != nil {
			return err
		}
		if len(sc.Shots) == 0 {
			return nil
		}
		return tx.Create(&sc.Shots).Error

	default:
		return fmt.Errorf("unknown mutation kind: %s", m.Kind)
	}
}

func appendAudit(tx *gorm.DB, projectID string, m Mutation) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var lastSeq uint64
	row := tx.Model(&models.AuditRecord{}).
		Where("project_id = ?", projectID).
		Select("COALESCE(MAX(seq), 0)")
	if err := row.Scan(&lastSeq).Error; err != nil {
		return err
	}
	rec := models.AuditRecord{
		ProjectId: projectID,
		Seq:       lastSeq + 1,
		Kind:      m.Kind,
		Data:      data,
		CreatedAt: m.At,
	}
	return tx.Create(&rec).Error
}

func (s *DBStore) List() ([]models.Project, error) {
	var projects []models.Project
	if err := s.DB.Order("created_at DESC").Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

func (s *DBStore) Delete(projectID string) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		var project models.Project
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&project, "id = ?", projectID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrProjectNotFound
			}
			return fmt.Errorf("lock project: %w", err)
		}

		var sceneIDs []string
		if err := tx.Model(&models.Scene{}).Where("project_id = ?", projectID).
			Pluck("id", &sceneIDs).Error; err != nil {
			return fmt.Errorf("list scenes: %w", err)
		}
		if len(sceneIDs) > 0 {
			if err := tx.Where("scene_id IN ?", sceneIDs).Delete(&models.Shot{}).Error; err != nil {
				return fmt.Errorf("delete shots: %w", err)
			}
			if err := tx.Where("scene_id IN ?", sceneIDs).Delete(&models.AudioAsset{}).Error; err != nil {
				return fmt.Errorf("delete audio: %w", err)
			}
		}
		for _, model := range []interface{}{&models.Scene{}, &models.PhaseRecord{}, &models.AuditRecord{}} {
			if err := tx.Where("project_id = ?", projectID).Delete(model).Error; err != nil {
				return fmt.Errorf("cascade delete: %w", err)
			}
		}
		return tx.Delete(&project).Error
	})
}

func (s *DBStore) History(projectID string) ([]Mutation, error) {
	var records []models.AuditRecord
	if err := s.DB.Order("seq ASC").Find(&records, "project_id = ?", projectID).Error; err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	out := make([]Mutation, 0, len(records))
	for _, rec := range records {
		var m Mutation
		if err := json.Unmarshal(rec.Data, &m); err != nil {
			return nil, fmt.Errorf("decode audit record %d: %w", rec.Seq, err)
		}
		out = append(out, m)
	}
	return out, nil
}
