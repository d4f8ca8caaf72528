// Package loop implements the Research-Loop Driver: the state machine that
// advances one session turn by turn, alternating typed LLM dispatch (C1)
// with tool execution (C2) until the agent reports a final answer, an
// interrupt or timeout lands, or an unrecoverable error occurs. Grounded on
// this codebase's own iteration-driver idiom for advancing a long-running
// background job one step at a time under a cancellable context, adapted to
// the prompt/compaction/action cycle the original research-loop module
// implements in start_research.rs and post_message.rs.
package loop

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kestrelsoft/ras/internal/channel"
	"github.com/kestrelsoft/ras/internal/dispatch"
	"github.com/kestrelsoft/ras/internal/logging"
	"github.com/kestrelsoft/ras/internal/model"
	"github.com/kestrelsoft/ras/internal/sessionstore"
	"github.com/kestrelsoft/ras/internal/tools"
	"github.com/kestrelsoft/ras/internal/tracing"
)

// compactionSummary is the typed shape a compaction dispatch call decodes
// into: a handful of standalone facts that survive summarization of the
// turns being dropped from history.
type compactionSummary struct {
	Facts []string `json:"facts" jsonschema_description:"Standalone facts worth preserving from the summarized turns."`
}

// Driver advances sessions through the research loop. It satisfies
// supervisor.Driver.
type Driver struct {
	store    sessionstore.Store
	dispatch *dispatch.Dispatcher
	catalog  *tools.Catalog
	invoker  *tools.Invoker
	hub      *channel.Hub
	logger   *logging.Logger
	tracer   *tracing.Tracer

	candidateModels []string
	retries         int
}

// New builds a Driver over the given dependencies. candidateModels and
// retries are the module's default dispatch list and retry budget, used
// whenever a call site does not override them. A nil tracer disables
// per-iteration spans.
func New(store sessionstore.Store, d *dispatch.Dispatcher, catalog *tools.Catalog, invoker *tools.Invoker, hub *channel.Hub, logger *logging.Logger, tracer *tracing.Tracer, candidateModels []string, retries int) *Driver {
	return &Driver{
		store:           store,
		dispatch:        d,
		catalog:         catalog,
		invoker:         invoker,
		hub:             hub,
		logger:          logger,
		tracer:          tracer,
		candidateModels: candidateModels,
		retries:         retries,
	}
}

// Run drives sessionID through successive iterations until it reaches a
// terminal status or ctx is cancelled. It always leaves the session in a
// terminal status before returning nil; a non-nil return means the
// supervisor should transition the session to Error itself, since the
// driver could not determine an outcome (e.g. the store is unreachable).
func (d *Driver) Run(ctx context.Context, sessionID string) error {
	for {
		select {
		case <-ctx.Done():
			_, _ = d.store.TryTransition(context.Background(), sessionID, model.StatusRunning, model.StatusInterrupted)
			return nil
		default:
		}

		done, err := d.iterate(ctx, sessionID)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// iterate runs exactly one turn of the state machine in §4.4, reporting
// whether the session reached a terminal status.
func (d *Driver) iterate(ctx context.Context, sessionID string) (bool, error) {
	ctx, span := d.tracer.StartIteration(ctx, sessionID)
	defer span.End()

	snap, err := d.store.Snapshot(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("loop: snapshot: %w", err)
	}

	if needsCompaction(snap) {
		if err := d.compact(ctx, sessionID, snap); err != nil {
			d.logger.Error(ctx, "loop: compaction failed, continuing uncompacted", "error", err, "session_id", sessionID)
		} else if snap, err = d.store.Snapshot(ctx, sessionID); err != nil {
			return false, fmt.Errorf("loop: snapshot after compaction: %w", err)
		}
	}

	prompt := buildAgentPrompt(snap, d.catalog)
	resp, err := dispatch.Dispatch[model.AgentResponse](ctx, d.dispatch, prompt, nil, dispatch.Options{
		Candidates: d.candidateModels,
		Retries:    d.retries,
	})
	if err != nil {
		_, _ = d.store.TryTransition(ctx, sessionID, model.StatusRunning, model.StatusError)
		return true, nil
	}
	if err := resp.Validate(); err != nil {
		d.logger.Error(ctx, "loop: agent response violated the final-response invariant", "error", err, "session_id", sessionID)
		_, _ = d.store.TryTransition(ctx, sessionID, model.StatusRunning, model.StatusError)
		return true, nil
	}

	now := time.Now()
	agentEntry := model.ConversationEntry{
		Sender:    model.SenderAgent,
		Message:   resp.UserAnswer,
		Timestamp: now,
	}
	if len(resp.Actions) > 0 {
		agentEntry.ToolChoice = &resp.Actions[0]
	}
	if err := d.store.WithSession(ctx, sessionID, func(s *model.Session) error {
		s.History = append(s.History, agentEntry)
		return nil
	}); err != nil {
		return false, fmt.Errorf("loop: appending agent entry: %w", err)
	}
	d.hub.Publish(sessionID, channel.Event{Type: channel.EventProgress, Timestamp: now, UserAnswer: resp.UserAnswer})

	if resp.IsFinal {
		applied, err := d.store.TryTransition(ctx, sessionID, model.StatusRunning, model.StatusCompleted)
		if err != nil {
			return false, fmt.Errorf("loop: transition to completed: %w", err)
		}
		if applied {
			d.hub.Publish(sessionID, channel.Event{Type: channel.EventCompleted, Timestamp: time.Now(), Title: resp.Title, FinalAnswer: resp.UserAnswer})
		}
		return true, nil
	}

	for _, action := range resp.Actions {
		select {
		case <-ctx.Done():
			return false, nil
		default:
		}
		if current, err := d.store.Snapshot(ctx, sessionID); err == nil && current.Status != model.StatusRunning {
			return true, nil
		}
		d.runAction(ctx, sessionID, snap.OwnerUserID, snap.OwnerOrgID, action)
	}

	return false, nil
}

func (d *Driver) runAction(ctx context.Context, sessionID, ownerUserID, ownerOrgID string, action model.ToolChoice) {
	result := d.invoker.Invoke(ctx, action, sessionID, ownerUserID, ownerOrgID)
	entry := model.ConversationEntry{
		Sender:       model.SenderTool,
		Message:      result.User,
		Timestamp:    time.Now(),
		ToolResponse: &result,
	}
	if err := d.store.WithSession(ctx, sessionID, func(s *model.Session) error {
		s.History = append(s.History, entry)
		return nil
	}); err != nil {
		d.logger.Error(ctx, "loop: appending tool entry", "error", err, "session_id", sessionID)
		return
	}
	d.hub.Publish(sessionID, channel.Event{Type: channel.EventToolResult, Timestamp: entry.Timestamp, ToolUser: result.User})
}

// needsCompaction reports whether history has grown to the point a
// compaction pass should run before the next agent turn is built, per
// max_conversation_length - preserve_exchanges.
func needsCompaction(s *model.Session) bool {
	if s.Config.MaxConversationLen <= 0 {
		return false
	}
	threshold := s.Config.MaxConversationLen - s.Config.PreserveExchanges
	if threshold < 0 {
		threshold = 0
	}
	return len(s.History) >= threshold
}

// buildAgentPrompt renders the deterministic prompt text from §4.4 step 3:
// system prelude, preserved context, the research goal, the retained
// history tail, and the tool catalog's descriptions. The Agent Response
// output schema itself is rendered by Dispatch, not here.
func buildAgentPrompt(s *model.Session, catalog *tools.Catalog) string {
	var b strings.Builder
	b.WriteString("You are driving one research session to completion. ")
	b.WriteString("Respond with reasoning, a user-facing answer, and either a final answer or the next actions to take.\n\n")

	if len(s.Context) > 0 {
		b.WriteString("<PRESERVED_CONTEXT>\n")
		for _, c := range s.Context {
			b.WriteString("- " + c.Text + "\n")
		}
		b.WriteString("</PRESERVED_CONTEXT>\n\n")
	}

	b.WriteString("<RESEARCH_GOAL>\n" + s.ResearchGoal + "\n</RESEARCH_GOAL>\n\n")

	tail := s.History
	if s.Config.PreserveExchanges > 0 && len(tail) > s.Config.PreserveExchanges {
		tail = tail[len(tail)-s.Config.PreserveExchanges:]
	}
	if len(tail) > 0 {
		b.WriteString("<HISTORY>\n")
		for _, entry := range tail {
			b.WriteString(fmt.Sprintf("[%s] %s\n", entry.Sender, entry.Message))
		}
		b.WriteString("</HISTORY>\n\n")
	}

	descs := catalog.Descriptions()
	if len(descs) > 0 {
		names := make([]string, 0, len(descs))
		for name := range descs {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString("<AVAILABLE_TOOLS>\n")
		for _, name := range names {
			b.WriteString(fmt.Sprintf("- %s: %s\n", name, descs[name]))
		}
		b.WriteString("</AVAILABLE_TOOLS>\n")
	}

	return b.String()
}

// compact summarizes the portion of history that will be dropped into
// ContextEntry facts, retaining only the most recent PreserveExchanges
// turns as-is. Compaction is itself a typed LLM call, per §4.4 step 2.
func (d *Driver) compact(ctx context.Context, sessionID string, s *model.Session) error {
	cut := len(s.History) - s.Config.PreserveExchanges
	if cut <= 0 {
		return nil
	}
	dropped := s.History[:cut]

	var b strings.Builder
	b.WriteString("Summarize the following conversation turns into a short list of standalone facts worth preserving:\n\n")
	for _, entry := range dropped {
		b.WriteString(fmt.Sprintf("[%s] %s\n", entry.Sender, entry.Message))
	}

	summary, err := dispatch.Dispatch[compactionSummary](ctx, d.dispatch, b.String(), nil, dispatch.Options{
		Candidates: d.candidateModels,
		Retries:    d.retries,
	})
	if err != nil {
		return fmt.Errorf("loop: compaction dispatch: %w", err)
	}

	now := time.Now()
	return d.store.WithSession(ctx, sessionID, func(sess *model.Session) error {
		if len(sess.History) < cut {
			return nil
		}
		for i, fact := range summary.Facts {
			sess.Context = append(sess.Context, model.ContextEntry{
				ID:        fmt.Sprintf("%s-%d", sessionID, len(sess.Context)+i),
				Text:      fact,
				CreatedAt: now,
			})
		}
		sess.History = append([]model.ConversationEntry(nil), sess.History[cut:]...)
		return nil
	})
}
