package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"PromptToVideo-server/models"
)

type memConversations struct {
	m map[string]*models.Conversation
}

func newMemConversations() *memConversations {
	return &memConversations{m: make(map[string]*models.Conversation)}
}

func (r *memConversations) Create(c *models.Conversation) error {
	r.m[c.ID] = c
	return nil
}

func (r *memConversations) Get(id string) (*models.Conversation, error) {
	c, ok := r.m[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return c, nil
}

func (r *memConversations) Save(c *models.Conversation) error {
	r.m[c.ID] = c
	return nil
}

// stubIntent returns one scripted extraction per turn, then empty maps.
type stubIntent struct {
	turns []map[string]string
	next  int
	err   error
}

func (s *stubIntent) ExtractIntent(ctx context.Context, text string, current map[string]string) (map[string]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.next >= len(s.turns) {
		return map[string]string{}, nil
	}
	out := s.turns[s.next]
	s.next++
	return out, nil
}

func newTestDialogue(intent IntentProvider) (*Dialogue, Store) {
	store := NewMemoryStore()
	voice := &stubVoice{durations: map[string]float64{}}
	providers := Providers{
		Script:   &stubScript{err: errors.New("no script provider in test")},
		Voice:    voice,
		Shots:    &stubShots{},
		Video:    stubVideo{},
		Composer: stubComposer{},
	}
	director := NewDirector(store, providers, stubAssets{}, noopLauncher{}, testOptions())
	return NewDialogue(newMemConversations(), intent, director), store
}

func TestDialogueBecomesReadyOnceIntentIsComplete(t *testing.T) {
	intent := &stubIntent{turns: []map[string]string{
		{"topic": "the northern lights"},
		{"duration": "30 seconds", "tone": "calm"},
	}}
	d, _ := newTestDialogue(intent)

	conv, err := d.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if conv.State != models.ConversationStateCollecting {
		t.Fatalf("new conversation state = %s, want collecting", conv.State)
	}

	turn, err := d.AddMessage(context.Background(), conv.ID, "I want a video about the northern lights")
	if err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	if turn.Ready {
		t.Error("conversation ready after turn 1, want collecting")
	}
	for _, field := range []string{"duration", "tone"} {
		found := false
		for _, m := range turn.Missing {
			if m == field {
				found = true
			}
		}
		if !found {
			t.Errorf("turn 1 missing fields %v, want %s listed", turn.Missing, field)
		}
	}
	if !strings.Contains(turn.Reply, "duration") {
		t.Errorf("turn 1 reply %q does not ask for the missing fields", turn.Reply)
	}

	turn, err = d.AddMessage(context.Background(), conv.ID, "make it 30 seconds and calm")
	if err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	if !turn.Ready || len(turn.Missing) != 0 {
		t.Fatalf("turn 2 ready=%v missing=%v, want ready with nothing missing", turn.Ready, turn.Missing)
	}
	if turn.Conversation.State != models.ConversationStateReady {
		t.Errorf("state after turn 2 = %s, want ready", turn.Conversation.State)
	}
	// Two turns, each with a user message and an assistant reply.
	if got := len(turn.Conversation.Messages); got != 4 {
		t.Errorf("message count = %d, want 4", got)
	}
}

func TestIntentMergeIsMonotonic(t *testing.T) {
	intent := &stubIntent{turns: []map[string]string{
		{"topic": "volcano documentary", "duration": "45 seconds", "tone": "dramatic"},
		{"topic": "", "tone": "  ", "duration": "60 seconds"},
	}}
	d, _ := newTestDialogue(intent)

	conv, err := d.Open()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.AddMessage(context.Background(), conv.ID, "a dramatic 45 second volcano documentary"); err != nil {
		t.Fatal(err)
	}
	turn, err := d.AddMessage(context.Background(), conv.ID, "actually make it 60 seconds")
	if err != nil {
		t.Fatal(err)
	}

	got := turn.Conversation.Intent
	if got["topic"] != "volcano documentary" {
		t.Errorf("empty extraction erased topic: %q", got["topic"])
	}
	if got["tone"] != "dramatic" {
		t.Errorf("blank extraction erased tone: %q", got["tone"])
	}
	if got["duration"] != "60 seconds" {
		t.Errorf("non-empty extraction did not overwrite duration: %q", got["duration"])
	}
	if !turn.Ready {
		t.Error("conversation lost readiness on a monotonic update")
	}
}

func TestFallbackIntentWhenProviderFails(t *testing.T) {
	d, _ := newTestDialogue(&stubIntent{err: errors.New("intent model down")})

	conv, err := d.Open()
	if err != nil {
		t.Fatal(err)
	}
	turn, err := d.AddMessage(context.Background(), conv.ID, "A calm video about tide pools, 45 seconds long")
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	got := turn.Conversation.Intent
	if got["duration"] != "45 seconds" {
		t.Errorf("fallback duration = %q, want \"45 seconds\"", got["duration"])
	}
	if got["tone"] != "calm" {
		t.Errorf("fallback tone = %q, want \"calm\"", got["tone"])
	}
	if got["topic"] == "" {
		t.Error("fallback left topic empty")
	}
	if !turn.Ready {
		t.Errorf("conversation not ready after complete fallback extraction: missing %v", turn.Missing)
	}
}

func TestConfirmRequiresReadiness(t *testing.T) {
	d, _ := newTestDialogue(&stubIntent{turns: []map[string]string{{"topic": "just a topic"}}})

	conv, err := d.Open()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.AddMessage(context.Background(), conv.ID, "just a topic"); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Confirm(conv.ID); !errors.Is(err, ErrConversationNotReady) {
		t.Errorf("Confirm error = %v, want ErrConversationNotReady", err)
	}
}

func TestConfirmHandsOffAndClosesConversation(t *testing.T) {
	intent := &stubIntent{turns: []map[string]string{
		{"topic": "the northern lights", "duration": "30 seconds", "tone": "calm"},
	}}
	d, store := newTestDialogue(intent)

	conv, err := d.Open()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.AddMessage(context.Background(), conv.ID, "a calm 30 second video about the northern lights"); err != nil {
		t.Fatal(err)
	}

	projectID, err := d.Confirm(conv.ID)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if projectID == "" {
		t.Fatal("Confirm returned empty project id")
	}

	snap, err := store.Snapshot(projectID)
	if err != nil {
		t.Fatalf("project was not created: %v", err)
	}
	if !strings.Contains(snap.Project.Request, "the northern lights") || !strings.Contains(snap.Project.Request, "30 seconds") {
		t.Errorf("handed-off request %q misses the accumulated intent", snap.Project.Request)
	}
	if snap.Project.Style != "calm" {
		t.Errorf("handed-off style = %q, want calm", snap.Project.Style)
	}

	after, err := d.Get(conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.State != models.ConversationStateClosed || after.ProjectId != projectID {
		t.Errorf("conversation after hand-off: state=%s projectId=%s", after.State, after.ProjectId)
	}

	if _, err := d.AddMessage(context.Background(), conv.ID, "one more thing"); !errors.Is(err, ErrConversationClosed) {
		t.Errorf("AddMessage after hand-off error = %v, want ErrConversationClosed", err)
	}
	if _, err := d.Confirm(conv.ID); !errors.Is(err, ErrConversationClosed) {
		t.Errorf("second Confirm error = %v, want ErrConversationClosed", err)
	}
}

// flakySaveConversations fails the next n Save calls, then behaves normally.
type flakySaveConversations struct {
	*memConversations
	failSaves int
}

func (r *flakySaveConversations) Save(c *models.Conversation) error {
	if r.failSaves > 0 {
		r.failSaves--
		return errors.New("write timeout")
	}
	return r.memConversations.Save(c)
}

func TestConfirmSaveFailureStartsNoPipeline(t *testing.T) {
	store := NewMemoryStore()
	voice := &stubVoice{durations: map[string]float64{}}
	providers := Providers{
		Script:   &stubScript{err: errors.New("unused")},
		Voice:    voice,
		Shots:    &stubShots{},
		Video:    stubVideo{},
		Composer: stubComposer{},
	}
	director := NewDirector(store, providers, stubAssets{}, noopLauncher{}, testOptions())
	repo := &flakySaveConversations{memConversations: newMemConversations()}
	intent := &stubIntent{turns: []map[string]string{
		{"topic": "glaciers", "duration": "20 seconds", "tone": "epic"},
	}}
	d := NewDialogue(repo, intent, director)

	conv, err := d.Open()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.AddMessage(context.Background(), conv.ID, "an epic 20 second video about glaciers"); err != nil {
		t.Fatal(err)
	}

	// The closing save fails; no project may exist afterwards.
	repo.failSaves = 1
	if _, err := d.Confirm(conv.ID); err == nil {
		t.Fatal("Confirm succeeded despite save failure")
	}
	projects, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 0 {
		t.Fatalf("pipeline started before the conversation was closed: %d projects", len(projects))
	}

	// The conversation is still confirmable, and the retry creates exactly
	// one project.
	projectID, err := d.Confirm(conv.ID)
	if err != nil {
		t.Fatalf("retry Confirm: %v", err)
	}
	projects, err = store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 1 || projects[0].ID != projectID {
		t.Errorf("projects after retry: %+v", projects)
	}
	after, err := d.Get(conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.State != models.ConversationStateClosed || after.ProjectId != projectID {
		t.Errorf("conversation after retry: state=%s projectId=%s", after.State, after.ProjectId)
	}
}

func TestAddMessageUnknownConversation(t *testing.T) {
	d, _ := newTestDialogue(&stubIntent{})
	if _, err := d.AddMessage(context.Background(), "missing", "hello"); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("error = %v, want ErrConversationNotFound", err)
	}
}
