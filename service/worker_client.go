package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"PromptToVideo-server/models"

	"github.com/google/uuid"
)

// WorkerClient speaks the generation worker protocol: POST /v1/generate to
// submit a job, then poll GET /v1/jobs/{id} until it settles. Every provider
// capability is one job type on the same worker.
type WorkerClient struct {
	BaseURL      string
	HTTP         *http.Client
	PollInterval time.Duration
}

func NewWorkerClient(baseURL string) *WorkerClient {
	return &WorkerClient{
		BaseURL:      baseURL,
		HTTP:         &http.Client{},
		PollInterval: 3 * time.Second,
	}
}

type workerJobResult struct {
	ResourceType string  `json:"resource_type"`
	ResourceId   string  `json:"resource_id"`
	ResourceUrl  string  `json:"resource_url"`
	Duration     float64 `json:"duration"`
}

func (w *WorkerClient) generate(ctx context.Context, jobType string, params map[string]interface{}) (workerJobResult, error) {
	var zero workerJobResult

	reqBody := map[string]interface{}{
		"id":         uuid.NewString(),
		"type":       jobType,
		"parameters": params,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return zero, fmt.Errorf("marshal request failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.BaseURL+"/v1/generate", bytes.NewBuffer(jsonBody))
	if err != nil {
		return zero, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.HTTP.Do(req)
	if err != nil {
		return zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return zero, fmt.Errorf("worker status code: %d", resp.StatusCode)
	}

	var respData map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return zero, fmt.Errorf("decode response failed: %w", err)
	}

	jobID, ok := respData["id"].(string)
	if !ok {
		if jobID, ok = respData["job_id"].(string); !ok {
			return zero, fmt.Errorf("response missing 'id'")
		}
	}

	return w.pollJob(ctx, jobID)
}

func (w *WorkerClient) pollJob(ctx context.Context, jobID string) (workerJobResult, error) {
	var zero workerJobResult
	jobURL := fmt.Sprintf("%s/v1/jobs/%s", w.BaseURL, jobID)

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("polling canceled: %w", ctx.Err())
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, jobURL, nil)
			if err != nil {
				return zero, err
			}
			resp, err := w.HTTP.Do(req)
			if err != nil {
				// Transient network error, keep polling; ctx cancellation is
				// caught above.
				continue
			}

			var job struct {
				Status string          `json:"status"`
				Error  string          `json:"error"`
				Result workerJobResult `json:"result"`
			}
			decodeErr := json.NewDecoder(resp.Body).Decode(&job)
			resp.Body.Close()
			if decodeErr != nil {
				continue
			}

			switch job.Status {
			case "finished", "success", "completed", "succeeded":
				return job.Result, nil
			case "failed", "error":
				return zero, fmt.Errorf("worker reported failure: %s", job.Error)
			}
		}
	}
}

// fetchJSON downloads a worker result document and decodes it.
func (w *WorkerClient) fetchJSON(ctx context.Context, url string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := w.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download status: %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// --- provider implementations ---

func (w *WorkerClient) GenerateScript(ctx context.Context, topic, style string) ([]ScenePlan, error) {
	result, err := w.generate(ctx, "generate_script", map[string]interface{}{
		"topic": topic,
		"style": style,
	})
	if err != nil {
		return nil, err
	}
	if result.ResourceUrl == "" {
		return nil, fmt.Errorf("script result missing resource_url")
	}
	var doc struct {
		Scenes []ScenePlan `json:"scenes"`
	}
	if err := w.fetchJSON(ctx, result.ResourceUrl, &doc); err != nil {
		return nil, fmt.Errorf("fetch script: %w", err)
	}
	if len(doc.Scenes) == 0 {
		return nil, fmt.Errorf("script result contains no scenes")
	}
	return doc.Scenes, nil
}

func (w *WorkerClient) Synthesize(ctx context.Context, text string) (SynthesisResult, error) {
	result, err := w.generate(ctx, "synthesize_speech", map[string]interface{}{
		"text": text,
	})
	if err != nil {
		return SynthesisResult{}, err
	}
	if result.ResourceUrl == "" || result.Duration <= 0 {
		return SynthesisResult{}, fmt.Errorf("speech result missing audio or duration")
	}
	return SynthesisResult{AudioUrl: result.ResourceUrl, Duration: result.Duration}, nil
}

func (w *WorkerClient) TranscribeWithTimings(ctx context.Context, audioUrl string) (Transcript, error) {
	result, err := w.generate(ctx, "transcribe_audio", map[string]interface{}{
		"audio_url": audioUrl,
	})
	if err != nil {
		return Transcript{}, err
	}
	var t Transcript
	if result.ResourceUrl == "" {
		return t, fmt.Errorf("transcript result missing resource_url")
	}
	if err := w.fetchJSON(ctx, result.ResourceUrl, &t); err != nil {
		return t, fmt.Errorf("fetch transcript: %w", err)
	}
	return t, nil
}

func (w *WorkerClient) PlanShots(ctx context.Context, scene models.Scene, actualDuration float64) ([]ShotProposal, error) {
	result, err := w.generate(ctx, "plan_shots", map[string]interface{}{
		"scene_id":    scene.ID,
		"description": scene.Description,
		"narration":   scene.Narration,
		"duration":    actualDuration,
	})
	if err != nil {
		return nil, err
	}
	if result.ResourceUrl == "" {
		// Degenerate but valid: no shots proposed.
		return nil, nil
	}
	var doc struct {
		Shots []ShotProposal `json:"shots"`
	}
	if err := w.fetchJSON(ctx, result.ResourceUrl, &doc); err != nil {
		return nil, fmt.Errorf("fetch shots: %w", err)
	}
	return doc.Shots, nil
}

func (w *WorkerClient) GenerateClip(ctx context.Context, description string, durationSec int) (string, error) {
	result, err := w.generate(ctx, "generate_video", map[string]interface{}{
		"description":  description,
		"duration_sec": durationSec,
	})
	if err != nil {
		return "", err
	}
	if result.ResourceUrl == "" {
		return "", fmt.Errorf("video result missing resource_url")
	}
	return result.ResourceUrl, nil
}

func (w *WorkerClient) ExtractIntent(ctx context.Context, text string, current map[string]string) (map[string]string, error) {
	result, err := w.generate(ctx, "extract_intent", map[string]interface{}{
		"text":    text,
		"current": current,
	})
	if err != nil {
		return nil, err
	}
	if result.ResourceUrl == "" {
		return nil, fmt.Errorf("intent result missing resource_url")
	}
	var doc struct {
		Intent map[string]string `json:"intent"`
	}
	if err := w.fetchJSON(ctx, result.ResourceUrl, &doc); err != nil {
		return nil, fmt.Errorf("fetch intent: %w", err)
	}
	return doc.Intent, nil
}
