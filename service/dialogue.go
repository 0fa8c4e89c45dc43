package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"PromptToVideo-server/models"

	"github.com/google/uuid"
)

var (
	ErrConversationClosed   = errors.New("conversation closed")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationNotReady = errors.New("conversation not ready to generate")
)

// Intent fields that must all be present before the dialogue becomes ready.
var requiredIntentFields = []string{"topic", "duration", "tone"}

type ConversationRepo interface {
	Create(c *models.Conversation) error
	Get(id string) (*models.Conversation, error)
	Save(c *models.Conversation) error
}

// Dialogue is the clarification state machine gating pipeline entry:
// collecting -> ready -> closed. Intent accumulates monotonically across
// turns. Readiness is surfaced, never acted on: only an explicit Confirm
// creates the project and hands off.
type Dialogue struct {
	Repo        ConversationRepo
	Intent      IntentProvider
	Director    *Director
	CallTimeout time.Duration
}

func NewDialogue(repo ConversationRepo, intent IntentProvider, director *Director) *Dialogue {
	return &Dialogue{
		Repo:        repo,
		Intent:      intent,
		Director:    director,
		CallTimeout: 30 * time.Second,
	}
}

func (d *Dialogue) Open() (*models.Conversation, error) {
	now := time.Now()
	c := &models.Conversation{
		ID:        uuid.NewString(),
		State:     models.ConversationStateCollecting,
		Messages:  models.MessageList{},
		Intent:    models.IntentMap{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.Repo.Create(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (d *Dialogue) Get(conversationID string) (*models.Conversation, error) {
	return d.Repo.Get(conversationID)
}

type TurnResult struct {
	Conversation *models.Conversation
	Ready        bool
	Missing      []string
	Reply        string
}

// AddMessage records one user turn, merges the extracted intent and
// re-evaluates readiness. Messages after hand-off are rejected.
func (d *Dialogue) AddMessage(ctx context.Context, conversationID, content string) (*TurnResult, error) {
	c, err := d.Repo.Get(conversationID)
	if err != nil {
		return nil, err
	}
	if c.State == models.ConversationStateClosed {
		return nil, ErrConversationClosed
	}

	now := time.Now()
	c.Messages = append(c.Messages, models.ConversationMessage{
		ID:        uuid.NewString(),
		Role:      "user",
		Content:   content,
		Timestamp: now,
	})

	extracted, err := d.extractIntent(ctx, content, c.Intent)
	if err != nil {
		log.Printf("[Dialogue] intent provider failed, using keyword fallback: %v", err)
		extracted = fallbackIntent(content, c.Intent)
	}
	mergeIntent(c.Intent, extracted)

	missing := missingIntentFields(c.Intent)
	if len(missing) == 0 {
		c.Ready = true
		c.State = models.ConversationStateReady
	}

	reply := d.composeReply(c.Ready, missing)
	c.Messages = append(c.Messages, models.ConversationMessage{
		ID:        uuid.NewString(),
		Role:      "assistant",
		Content:   reply,
		Timestamp: now,
	})

	if err := d.Repo.Save(c); err != nil {
		return nil, err
	}
	return &TurnResult{Conversation: c, Ready: c.Ready, Missing: missing, Reply: reply}, nil
}

// Confirm hands the accumulated intent to the pipeline. The conversation
// becomes terminal; further messages fail with ErrConversationClosed.
func (d *Dialogue) Confirm(conversationID string) (string, error) {
	c, err := d.Repo.Get(conversationID)
	if err != nil {
		return "", err
	}
	if c.State == models.ConversationStateClosed {
		return "", ErrConversationClosed
	}
	if !c.Ready {
		return "", fmt.Errorf("%w: missing %s", ErrConversationNotReady, strings.Join(missingIntentFields(c.Intent), ", "))
	}

	// Close before starting the pipeline so a storage hiccup can never leave
	// an open conversation pointing at a running project; a second Confirm
	// would mint a second project.
	projectID := uuid.NewString()
	c.ProjectId = projectID
	c.State = models.ConversationStateClosed
	if err := d.Repo.Save(c); err != nil {
		c.ProjectId = ""
		c.State = models.ConversationStateReady
		return "", err
	}

	if err := d.Director.Start(projectID, buildRequest(c.Intent), c.Intent["tone"]); err != nil {
		// The pipeline never started; reopen so the user can retry.
		c.ProjectId = ""
		c.State = models.ConversationStateReady
		if saveErr := d.Repo.Save(c); saveErr != nil {
			log.Printf("[Dialogue] reopen after failed hand-off: %v", saveErr)
		}
		return "", err
	}
	log.Printf("[Dialogue] conversation %s handed off to project %s", conversationID, projectID)
	return projectID, nil
}

func (d *Dialogue) extractIntent(ctx context.Context, text string, current models.IntentMap) (map[string]string, error) {
	if d.Intent == nil {
		return fallbackIntent(text, current), nil
	}
	callCtx, cancel := context.WithTimeout(ctx, d.CallTimeout)
	defer cancel()
	return d.Intent.ExtractIntent(callCtx, text, current)
}

func (d *Dialogue) composeReply(ready bool, missing []string) string {
	if ready {
		return "I have everything I need. Confirm to start generating your video."
	}
	return fmt.Sprintf("Could you tell me more about the %s of your video?", strings.Join(missing, " and "))
}

// mergeIntent applies the monotonic merge rule: a non-empty value overwrites,
// an empty value never erases what a previous turn established.
func mergeIntent(dst models.IntentMap, src map[string]string) {
	for key, value := range src {
		if strings.TrimSpace(value) == "" {
			continue
		}
		dst[key] = value
	}
}

func missingIntentFields(intent models.IntentMap) []string {
	var missing []string
	for _, field := range requiredIntentFields {
		if strings.TrimSpace(intent[field]) == "" {
			missing = append(missing, field)
		}
	}
	return missing
}

func buildRequest(intent models.IntentMap) string {
	parts := []string{intent["topic"]}
	if v := intent["key_elements"]; v != "" {
		parts = append(parts, "featuring "+v)
	}
	if v := intent["duration"]; v != "" {
		parts = append(parts, "about "+v)
	}
	return strings.Join(parts, ", ")
}

var durationPattern = regexp.MustCompile(`(\d+)\s*(seconds?|secs?|minutes?|mins?)`)

var toneWords = []string{"calm", "dramatic", "funny", "exciting", "upbeat", "serious", "epic", "cozy"}

// fallbackIntent is the keyword analysis used when the intent provider is
// unavailable: duration from a number+unit pattern, tone from a short word
// list, and the whole message as topic when none is known yet.
func fallbackIntent(text string, current models.IntentMap) map[string]string {
	out := map[string]string{}
	lower := strings.ToLower(text)

	if m := durationPattern.FindStringSubmatch(lower); m != nil {
		out["duration"] = m[1] + " " + m[2]
	}
	for _, tone := range toneWords {
		if strings.Contains(lower, tone) {
			out["tone"] = tone
			break
		}
	}
	if strings.TrimSpace(current["topic"]) == "" && strings.TrimSpace(text) != "" {
		out["topic"] = strings.TrimSpace(text)
	}
	return out
}
