package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"PromptToVideo-server/models"
)

// ProviderError marks a failed or malformed external generation call. Callers
// decide between a local fallback and failing the owning phase.
type ProviderError struct {
	Capability string
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Capability, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ScenePlan is a provider-proposed scene. Identifiers are assigned by the
// pipeline at script completion, never taken from the provider.
type ScenePlan struct {
	Text              string  `json:"text"`
	Narration         string  `json:"narration"`
	EstimatedDuration float64 `json:"estimated_duration"`
}

type SynthesisResult struct {
	AudioUrl string  `json:"audio_url"`
	Duration float64 `json:"duration"`
}

type Transcript struct {
	Text  string             `json:"text"`
	Words models.WordTimings `json:"words"`
}

type ScriptProvider interface {
	GenerateScript(ctx context.Context, topic, style string) ([]ScenePlan, error)
}

type VoiceProvider interface {
	Synthesize(ctx context.Context, text string) (SynthesisResult, error)
	TranscribeWithTimings(ctx context.Context, audioUrl string) (Transcript, error)
}

type ShotPlanner interface {
	// An empty proposal list is a valid, if degenerate, response.
	PlanShots(ctx context.Context, scene models.Scene, actualDuration float64) ([]ShotProposal, error)
}

type VideoProvider interface {
	// Duration is a whole-second approximation; exact trimming belongs to the
	// media composer.
	GenerateClip(ctx context.Context, description string, durationSec int) (string, error)
}

// MediaComposer trims, concatenates and merges finished material. Inputs and
// outputs are clip handles (URLs).
type MediaComposer interface {
	TrimToDuration(ctx context.Context, clipUrl string, targetSec float64) (string, error)
	Concat(ctx context.Context, clipUrls []string) (string, error)
	MergeAudio(ctx context.Context, clipUrl, audioUrl string) (string, error)
}

// IntentProvider extracts intent key/values from one dialogue turn.
type IntentProvider interface {
	ExtractIntent(ctx context.Context, text string, current map[string]string) (map[string]string, error)
}

// Providers bundles the generation capabilities the director consumes. The
// director depends on these interfaces only; providers never see the director.
type Providers struct {
	Script   ScriptProvider
	Voice    VoiceProvider
	Shots    ShotPlanner
	Video    VideoProvider
	Composer MediaComposer
}

// retryPolicy is the declared bounded-retry behavior shared by all provider
// calls: a fixed small attempt count with linear backoff, then surface the
// last error as a ProviderError.
type retryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

func (p retryPolicy) do(ctx context.Context, capability string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return &ProviderError{Capability: capability, Err: err}
		}
		if err := fn(ctx); err != nil {
			lastErr = err
			log.Printf("[Provider] %s attempt %d/%d failed: %v", capability, i+1, attempts, err)
			if i < attempts-1 {
				select {
				case <-time.After(p.Backoff * time.Duration(i+1)):
				case <-ctx.Done():
					return &ProviderError{Capability: capability, Err: ctx.Err()}
				}
			}
			continue
		}
		return nil
	}
	return &ProviderError{Capability: capability, Err: lastErr}
}
