package service

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"PromptToVideo-server/config"

	"github.com/hibiken/asynq"
)

const TypeExecutePhase = "phase:execute"

type PhasePayload struct {
	ProjectID string `json:"project_id"`
	PhaseKey  string `json:"phase_key"`
}

var QueueClient *asynq.Client

func InitQueue() {
	QueueClient = asynq.NewClient(asynq.RedisClientOpt{
		Addr:     config.AppConfig.Redis.Addr,
		Password: config.AppConfig.Redis.Password,
	})
}

// QueueLauncher enqueues ready phases as asynq tasks. Retries are owned by
// the pipeline (resume + provider retry policy), not by the queue, so a task
// runs at most once per enqueue.
type QueueLauncher struct{}

func (QueueLauncher) LaunchPhase(projectID, phaseKey string) error {
	payload, err := json.Marshal(PhasePayload{ProjectID: projectID, PhaseKey: phaseKey})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(TypeExecutePhase, payload,
		asynq.MaxRetry(0),
		asynq.Timeout(60*time.Minute), // generation is slow
		asynq.Retention(24*time.Hour),
	)

	info, err := QueueClient.Enqueue(task)
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}

	log.Printf("[Queue] phase enqueued: project=%s phase=%s queue_id=%s", projectID, phaseKey, info.ID)
	return nil
}
