package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/parlorhq/parlor/internal/conversation"
	"github.com/parlorhq/parlor/internal/dedup"
	"github.com/parlorhq/parlor/internal/generator"
	"github.com/parlorhq/parlor/internal/message"
)

// State names the phase a turn is in. Transitions are linear; terminal
// streaming states feed the save decision.
type State string

const (
	StateEnsuring  State = "conversation_ensuring"
	StateUserSaved State = "user_saved"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
	StateErrored   State = "errored"
)

// Sink receives the forwarded stream. Ready is called exactly once, after
// the user message is durable and before the first event, so transports can
// commit response headers carrying the durable conversation id.
type Sink interface {
	Ready(conversationID string) error
	Send(ev generator.Event) error
}

// Result summarises a finished turn.
type Result struct {
	ConversationID string
	State          State
	Saved          bool
	Usage          *generator.Usage
}

// Orchestrator drives one generation turn end to end: ensure the
// conversation row, durably save the user message, stream tokens to the
// sink, then decide whether the assistant message is saved.
type Orchestrator struct {
	conversations *conversation.Store
	writer        *message.Writer
	prior         dedup.PriorStore
	gen           generator.Generator
	resolver      *dedup.Resolver
	enricher      *conversation.Enricher
	registry      *Registry
	logger        *slog.Logger
}

func NewOrchestrator(
	log *slog.Logger,
	conversations *conversation.Store,
	writer *message.Writer,
	prior dedup.PriorStore,
	gen generator.Generator,
	resolver *dedup.Resolver,
	enricher *conversation.Enricher,
	registry *Registry,
) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		conversations: conversations,
		writer:        writer,
		prior:         prior,
		gen:           gen,
		resolver:      resolver,
		enricher:      enricher,
		registry:      registry,
		logger:        log.With(slog.String("service", "stream_orchestrator")),
	}
}

// Run executes the turn. Pre-stream persistence failures other than access
// denial degrade to an unpersisted stream; the caller still gets tokens.
// Generator failures surface as errors so the transport can report them.
func (o *Orchestrator) Run(ctx context.Context, turn *Turn, sink Sink) (Result, error) {
	if turn.Bridge == nil {
		turn.Bridge = NewBridge(ctx)
	}
	defer turn.Bridge.Release()

	res := Result{State: StateEnsuring}

	convID, created, persistable, err := o.ensure(ctx, turn)
	if err != nil {
		// Only access denial aborts the turn before streaming.
		return res, err
	}
	res.ConversationID = convID

	// The user message must be durable before the first token is
	// requested, so a provider crash mid-stream can never lose it.
	if persistable {
		if _, err := o.writer.SaveUser(ctx, convID, turn.UserParts); err != nil {
			o.logger.Error("user message save failed, streaming unpersisted",
				slog.String("conversation_id", convID),
				slog.String("error", err.Error()),
			)
			persistable = false
		}
	}
	res.State = StateUserSaved

	if err := sink.Ready(convID); err != nil {
		return res, fmt.Errorf("sink not ready: %w", err)
	}

	if o.registry != nil && convID != "" {
		o.registry.Register(convID, turn.Bridge)
		defer o.registry.Unregister(convID)
	}

	res.State = StateStreaming
	acc, usage, err := o.consume(ctx, turn, sink)
	if err != nil {
		res.State = StateErrored
		return res, err
	}
	res.Usage = usage

	if turn.Bridge.Aborted() {
		// Aborted turns never save the assistant message, even when a
		// stop marker made the partial look complete.
		res.State = StateAborted
		o.logger.Info("turn aborted",
			slog.String("conversation_id", convID),
			slog.String("cause", string(turn.Bridge.Cause())),
		)
		return res, nil
	}
	res.State = StateCompleted

	if persistable {
		// The response is already delivered; the save must not depend on
		// the request connection still being open.
		res.Saved = o.saveAssistant(context.WithoutCancel(ctx), convID, acc, usage)
		if created {
			o.enrichTitle(ctx, convID, turn)
		}
	}
	return res, nil
}

// ensure resolves the durable conversation id. A non-nil error means access
// was denied; any other failure degrades to an unpersisted turn, keeping the
// client's id for the response.
func (o *Orchestrator) ensure(ctx context.Context, turn *Turn) (id string, created, persistable bool, denied error) {
	owner := conversation.Owner{
		UserID:   turn.Identity.UserID,
		AnonHash: turn.Identity.AnonHash,
	}

	id, created, err := o.conversations.Ensure(ctx, owner, turn.ConversationID, turn.Title)
	if err != nil {
		if errors.Is(err, conversation.ErrAccessDenied) {
			return "", false, false, err
		}
		o.logger.Error("conversation ensure failed, streaming unpersisted",
			slog.String("conversation_id", turn.ConversationID),
			slog.String("error", err.Error()),
		)
		return turn.ConversationID, false, false, nil
	}
	return id, created, true, nil
}

// consume drains the generator, forwarding deltas to the sink and
// accumulating the assistant message parts.
func (o *Orchestrator) consume(ctx context.Context, turn *Turn, sink Sink) ([]message.ContentPart, *generator.Usage, error) {
	events, err := o.gen.Stream(turn.Bridge.Context(), turn.Messages, turn.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("start stream: %w", err)
	}

	var (
		text      string
		reasoning string
		usage     *generator.Usage
		streamErr error
	)
	done := ctx.Done()
	for {
		select {
		case <-done:
			turn.Bridge.Abort(AbortRequest)
			// Keep draining; the generator closes the channel promptly
			// once its context is cancelled.
			done = nil
		case ev, ok := <-events:
			if !ok {
				if streamErr != nil {
					return nil, nil, streamErr
				}
				if !turn.Bridge.Aborted() {
					// Channel closed with no terminal event.
					return nil, nil, fmt.Errorf("stream ended without finish: %w", generator.ErrProvider)
				}
				return assemble(text, reasoning), nil, nil
			}
			switch ev.Type {
			case generator.EventTextDelta:
				text += ev.Text
				o.forward(turn, sink, ev)
			case generator.EventReasoningDelta:
				reasoning += ev.Text
				o.forward(turn, sink, ev)
			case generator.EventFinish:
				// Finish is terminal: once the generator has reported a
				// complete response, a late client disconnect must not
				// reclassify the turn as aborted.
				usage = ev.Usage
				o.forward(turn, sink, ev)
				return assemble(text, reasoning), usage, nil
			case generator.EventAbort:
				turn.Bridge.Abort(AbortProvider)
			case generator.EventError:
				streamErr = ev.Err
				if streamErr == nil {
					streamErr = generator.ErrProvider
				}
			}
		}
	}
}

// forward pushes an event to the sink; a dead client converges on the
// request abort path.
func (o *Orchestrator) forward(turn *Turn, sink Sink, ev generator.Event) {
	if turn.Bridge.Aborted() {
		return
	}
	if err := sink.Send(ev); err != nil {
		turn.Bridge.Abort(AbortRequest)
	}
}

// saveAssistant persists the completed response once the inline duplicate
// gate clears. Failures are logged, never surfaced: the client already has
// the tokens.
func (o *Orchestrator) saveAssistant(ctx context.Context, convID string, parts []message.ContentPart, usage *generator.Usage) bool {
	if !message.HasContent(parts) {
		return false
	}
	candidate := message.Message{
		ConversationID: convID,
		Role:           message.RoleAssistant,
		Parts:          parts,
		PlainText:      message.ProjectPlainText(parts),
		CreatedAt:      time.Now().UTC(),
	}
	skip, err := o.resolver.ShouldSkip(ctx, o.prior, candidate)
	if err != nil {
		o.logger.Error("duplicate gate failed, saving anyway",
			slog.String("conversation_id", convID),
			slog.String("error", err.Error()),
		)
	}
	if skip {
		o.logger.Info("assistant message skipped as duplicate",
			slog.String("conversation_id", convID),
		)
		return false
	}

	var meta *message.GenerationMetadata
	if usage != nil {
		meta = &message.GenerationMetadata{
			Model:             usage.Model,
			InputTokens:       usage.InputTokens,
			OutputTokens:      usage.OutputTokens,
			TotalTokens:       usage.TotalTokens,
			CompletionSeconds: usage.CompletionSeconds,
		}
	}
	saved, err := o.writer.SaveAssistant(ctx, convID, candidate.Parts, meta)
	if err != nil {
		o.logger.Error("assistant message save failed",
			slog.String("conversation_id", convID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return saved
}

// enrichTitle kicks off title enrichment without tying it to the request
// lifetime; the response is already complete when it runs.
func (o *Orchestrator) enrichTitle(ctx context.Context, convID string, turn *Turn) {
	if o.enricher == nil {
		return
	}
	text := message.ProjectPlainText(turn.UserParts)
	bg := context.WithoutCancel(ctx)
	go o.enricher.Enrich(bg, convID, text)
}

// assemble builds the assistant message parts from the accumulated deltas.
func assemble(text, reasoning string) []message.ContentPart {
	var parts []message.ContentPart
	if reasoning != "" {
		parts = append(parts, message.ContentPart{Kind: message.PartReasoning, Text: reasoning})
	}
	if text != "" {
		parts = append(parts, message.ContentPart{Kind: message.PartText, Text: text})
	}
	return parts
}
