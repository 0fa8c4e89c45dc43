package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"PromptToVideo-server/config"

	"github.com/hibiken/asynq"
)

// Processor consumes phase-execution tasks from the queue and runs them
// through the director. Claim arbitration lives in the director, so a
// duplicate or stale task is a cheap no-op here.
type Processor struct {
	Director *Director
}

func NewProcessor(director *Director) *Processor {
	return &Processor{Director: director}
}

func (p *Processor) StartProcessor(concurrency int) {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     config.AppConfig.Redis.Addr,
			Password: config.AppConfig.Redis.Password,
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"default": 1,
			},
		},
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeExecutePhase, p.HandleExecutePhase)

	log.Printf("Starting phase processor with concurrency %d...", concurrency)
	go func() {
		if err := srv.Run(mux); err != nil {
			log.Fatalf("could not run server: %v", err)
		}
	}()
}

func (p *Processor) HandleExecutePhase(ctx context.Context, t *asynq.Task) error {
	var payload PhasePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	log.Printf("Processing phase: project=%s phase=%s", payload.ProjectID, payload.PhaseKey)
	if err := p.Director.ExecutePhase(ctx, payload.ProjectID, payload.PhaseKey); err != nil {
		// Storage-level trouble; the phase itself records its own failures.
		log.Printf("ExecutePhase %s/%s: %v", payload.ProjectID, payload.PhaseKey, err)
		return err
	}
	return nil
}
