package service

import (
	"errors"
	"fmt"
	"math"

	"PromptToVideo-server/models"
)

// Shot windows must partition the scene's actual duration within this bound.
const shotToleranceSec = 0.010

var ErrTimingInvariant = errors.New("shot partition invariant violated")

// ShotProposal is what the shot-planning provider returns: a description and a
// rough duration. Ids and exact windows are assigned here, not by the provider.
type ShotProposal struct {
	Description    string  `json:"description"`
	ApproxDuration float64 `json:"approx_duration"`
}

func roundMs(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// AudioDurations reads the measured narration duration of every scene. It is
// the input to the retiming barrier and fails if any scene is missing audio.
func AudioDurations(scenes []models.Scene) (map[string]float64, error) {
	out := make(map[string]float64, len(scenes))
	for i := range scenes {
		sc := &scenes[i]
		if sc.Audio == nil || sc.Audio.Duration <= 0 {
			return nil, fmt.Errorf("scene %s has no measured audio duration: %w", sc.ID, ErrTimingInvariant)
		}
		out[sc.ID] = roundMs(sc.Audio.Duration)
	}
	return out, nil
}

// ReconcileShots turns provider proposals into a validated shot list for one
// scene. Proposals summing to the actual duration within tolerance are kept;
// otherwise every duration is scaled by actual/proposedSum. Zero proposals, or
// a partition that still cannot be satisfied, degrade to a single full-scene
// shot. Shot ids are always renumbered to sceneID_shot_NNN.
func ReconcileShots(sceneID string, actual float64, proposals []ShotProposal) []models.Shot {
	actual = roundMs(actual)
	if actual <= 0 {
		return nil
	}

	durations := make([]float64, 0, len(proposals))
	descriptions := make([]string, 0, len(proposals))
	proposedSum := 0.0
	for _, p := range proposals {
		if p.ApproxDuration <= 0 {
			continue
		}
		durations = append(durations, p.ApproxDuration)
		descriptions = append(descriptions, p.Description)
		proposedSum += p.ApproxDuration
	}

	if len(durations) == 0 || proposedSum <= 0 {
		return fullSceneShot(sceneID, actual)
	}

	if math.Abs(proposedSum-actual) > shotToleranceSec {
		scale := actual / proposedSum
		for i := range durations {
			durations[i] *= scale
		}
	}

	shots := buildWindows(sceneID, actual, durations, descriptions)
	if err := ValidateShotPartition(actual, shots); err != nil {
		return fullSceneShot(sceneID, actual)
	}
	return shots
}

// buildWindows lays shots out contiguously from 0 by cumulative sum, rounding
// boundaries to milliseconds. The final window is pinned to the scene end so
// rounding drift never leaks past the last shot.
func buildWindows(sceneID string, actual float64, durations []float64, descriptions []string) []models.Shot {
	shots := make([]models.Shot, len(durations))
	cursor := 0.0
	for i, d := range durations {
		start := roundMs(cursor)
		cursor += d
		end := roundMs(cursor)
		if i == len(durations)-1 {
			end = actual
		}
		shots[i] = models.Shot{
			ID:          fmt.Sprintf("%s_shot_%03d", sceneID, i+1),
			SceneId:     sceneID,
			Order:       i + 1,
			Description: descriptions[i],
			StartSec:    start,
			EndSec:      end,
		}
	}
	return shots
}

func fullSceneShot(sceneID string, actual float64) []models.Shot {
	return []models.Shot{{
		ID:       fmt.Sprintf("%s_shot_%03d", sceneID, 1),
		SceneId:  sceneID,
		Order:    1,
		StartSec: 0,
		EndSec:   actual,
	}}
}

// ValidateShotPartition checks the invariant: windows contiguous from 0,
// non-overlapping, and summing to the actual duration within tolerance.
func ValidateShotPartition(actual float64, shots []models.Shot) error {
	if len(shots) == 0 {
		return fmt.Errorf("no shots: %w", ErrTimingInvariant)
	}
	cursor := 0.0
	sum := 0.0
	for i, sh := range shots {
		if math.Abs(sh.StartSec-cursor) > shotToleranceSec {
			return fmt.Errorf("shot %d starts at %.3f, expected %.3f: %w", i, sh.StartSec, cursor, ErrTimingInvariant)
		}
		if sh.EndSec <= sh.StartSec {
			return fmt.Errorf("shot %d has empty window: %w", i, ErrTimingInvariant)
		}
		sum += sh.EndSec - sh.StartSec
		cursor = sh.EndSec
	}
	if math.Abs(sum-actual) > shotToleranceSec {
		return fmt.Errorf("shots sum to %.3f, scene lasts %.3f: %w", sum, actual, ErrTimingInvariant)
	}
	return nil
}
