package loop

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kestrelsoft/ras/internal/channel"
	"github.com/kestrelsoft/ras/internal/dispatch"
	"github.com/kestrelsoft/ras/internal/ledger"
	"github.com/kestrelsoft/ras/internal/logging"
	"github.com/kestrelsoft/ras/internal/model"
	"github.com/kestrelsoft/ras/internal/sessionstore"
	"github.com/kestrelsoft/ras/internal/tools"
)

// scriptedProvider replays a fixed sequence of raw JSON bodies, one per
// call, regardless of the prompt it is given.
type scriptedProvider struct {
	name   string
	bodies []string
	calls  int
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Complete(ctx context.Context, prompt, formatHint string) (dispatch.CompletionResult, error) {
	if p.calls >= len(p.bodies) {
		return dispatch.CompletionResult{}, fmt.Errorf("scriptedProvider: no more scripted responses")
	}
	body := p.bodies[p.calls]
	p.calls++
	return dispatch.CompletionResult{Text: body}, nil
}

func newTestDriver(t *testing.T, provider dispatch.Provider) (*Driver, sessionstore.Store, *channel.Hub) {
	t.Helper()
	store := sessionstore.NewMemoryStore()
	hub := channel.NewHub(8)
	logger := logging.New(logging.Config{})
	d := dispatch.New(map[string]dispatch.Provider{"test": provider}, logger, nil, 5*time.Second)
	catalog := tools.NewCatalog()
	invoker := tools.NewInvoker(catalog, ledger.NewMemoryLedger())
	driver := New(store, d, catalog, invoker, hub, logger, nil, []string{"test"}, 1)
	return driver, store, hub
}

func newRunningSession(t *testing.T, store sessionstore.Store, id string) {
	t.Helper()
	sess := &model.Session{
		ID:           id,
		OwnerUserID:  "u1",
		Status:       model.StatusRunning,
		ResearchGoal: "find the answer",
		CreatedAt:    time.Now(),
		Config:       model.Config{MaxConversationLen: 100, PreserveExchanges: 10},
	}
	if err := store.Create(context.Background(), sess); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestIterateTransitionsToCompletedOnFinalResponse(t *testing.T) {
	provider := &scriptedProvider{name: "test", bodies: []string{
		`{"reasoning":"done thinking","user_answer":"the answer is 42","title":"Answer","is_final":true,"actions":[]}`,
	}}
	driver, store, hub := newTestDriver(t, provider)
	newRunningSession(t, store, "s1")

	sub, unsub := hub.Subscribe("s1")
	defer unsub()

	done, err := driver.iterate(context.Background(), "s1")
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if !done {
		t.Fatal("expected iterate to report done on a final response")
	}

	snap, err := store.Snapshot(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Status != model.StatusCompleted {
		t.Errorf("Status = %v, want Completed", snap.Status)
	}
	if len(snap.History) != 1 || snap.History[0].Sender != model.SenderAgent {
		t.Fatalf("History = %+v, want one agent entry", snap.History)
	}

	var sawProgress, sawCompleted bool
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.Events():
			switch ev.Type {
			case channel.EventProgress:
				sawProgress = true
			case channel.EventCompleted:
				sawCompleted = true
				if ev.Title != "Answer" {
					t.Errorf("Title = %q, want Answer", ev.Title)
				}
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	if !sawProgress || !sawCompleted {
		t.Errorf("sawProgress=%v sawCompleted=%v, want both true", sawProgress, sawCompleted)
	}
}

func TestIterateExecutesActionsWhenNotFinal(t *testing.T) {
	provider := &scriptedProvider{name: "test", bodies: []string{
		`{"reasoning":"need a tool","user_answer":"working on it","is_final":false,"actions":[{"name":"unknown_tool","parameters":{}}]}`,
	}}
	driver, store, _ := newTestDriver(t, provider)
	newRunningSession(t, store, "s1")

	done, err := driver.iterate(context.Background(), "s1")
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if done {
		t.Fatal("expected iterate to report not-done for a non-final response")
	}

	snap, err := store.Snapshot(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.History) != 2 {
		t.Fatalf("History length = %d, want 2 (agent + tool)", len(snap.History))
	}
	if snap.History[1].Sender != model.SenderTool {
		t.Errorf("second entry sender = %v, want Tool", snap.History[1].Sender)
	}
	if snap.History[1].ToolResponse == nil || snap.History[1].ToolResponse.Error == "" {
		t.Error("expected the tool entry to carry an unknown-tool error")
	}
}

func TestIterateTransitionsToErrorWhenDispatchExhausted(t *testing.T) {
	provider := &scriptedProvider{name: "test", bodies: []string{}}
	driver, store, _ := newTestDriver(t, provider)
	newRunningSession(t, store, "s1")

	done, err := driver.iterate(context.Background(), "s1")
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if !done {
		t.Fatal("expected iterate to report done when dispatch is exhausted")
	}
	snap, err := store.Snapshot(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Status != model.StatusError {
		t.Errorf("Status = %v, want Error", snap.Status)
	}
}

func TestNeedsCompactionRespectsPreserveExchanges(t *testing.T) {
	s := &model.Session{
		Config:  model.Config{MaxConversationLen: 5, PreserveExchanges: 2},
		History: make([]model.ConversationEntry, 3),
	}
	if !needsCompaction(s) {
		t.Error("expected compaction to be needed at history length 3 with threshold 3")
	}
	s.History = make([]model.ConversationEntry, 2)
	if needsCompaction(s) {
		t.Error("did not expect compaction below threshold")
	}
}
