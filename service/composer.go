package service

import (
	"context"
	"fmt"
)

// WorkerComposer runs media compositing through the same worker protocol the
// generation providers use: trim/concat/merge are job types with clip handles
// in, one clip handle out.
type WorkerComposer struct {
	Client *WorkerClient
}

func NewWorkerComposer(client *WorkerClient) *WorkerComposer {
	return &WorkerComposer{Client: client}
}

func (c *WorkerComposer) TrimToDuration(ctx context.Context, clipUrl string, targetSec float64) (string, error) {
	result, err := c.Client.generate(ctx, "trim_video", map[string]interface{}{
		"clip_url":   clipUrl,
		"target_sec": targetSec,
	})
	if err != nil {
		return "", err
	}
	if result.ResourceUrl == "" {
		return "", fmt.Errorf("trim result missing resource_url")
	}
	return result.ResourceUrl, nil
}

func (c *WorkerComposer) Concat(ctx context.Context, clipUrls []string) (string, error) {
	if len(clipUrls) == 0 {
		return "", fmt.Errorf("no clips to concat")
	}
	result, err := c.Client.generate(ctx, "concat_videos", map[string]interface{}{
		"clip_urls": clipUrls,
	})
	if err != nil {
		return "", err
	}
	if result.ResourceUrl == "" {
		return "", fmt.Errorf("concat result missing resource_url")
	}
	return result.ResourceUrl, nil
}

func (c *WorkerComposer) MergeAudio(ctx context.Context, clipUrl, audioUrl string) (string, error) {
	result, err := c.Client.generate(ctx, "merge_audio", map[string]interface{}{
		"clip_url":  clipUrl,
		"audio_url": audioUrl,
	})
	if err != nil {
		return "", err
	}
	if result.ResourceUrl == "" {
		return "", fmt.Errorf("merge result missing resource_url")
	}
	return result.ResourceUrl, nil
}
