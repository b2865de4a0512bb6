// Package engine implements the turn engine: the orchestrator that advances
// a story by one utterance. It guarantees at most one in-flight advancement
// per story across processes via a named lock, assembles a bounded prompt
// from the unbounded history, streams generated tokens to the bus while the
// model call is in flight, folds old history into the rolling summary when
// the buffer outgrows its budget, and records failure state so clients can
// react.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/MrWong99/fabula/internal/bus"
	"github.com/MrWong99/fabula/internal/energy"
	"github.com/MrWong99/fabula/internal/lock"
	"github.com/MrWong99/fabula/internal/observe"
	"github.com/MrWong99/fabula/internal/store"
	"github.com/MrWong99/fabula/internal/story"
	"github.com/MrWong99/fabula/pkg/provider/llm"
	"github.com/MrWong99/fabula/pkg/tokens"
)

// Sampling parameters of the generation call. Penalties push the model away
// from repeating itself, which matters in long role-play sessions.
const (
	generationTemperature = 1.075
	presencePenalty       = 1
	frequencyPenalty      = 1
)

// Config holds the engine's token budgets and timing knobs. See the config
// package for the defaults.
type Config struct {
	HardBufferLimit   int
	SoftBufferLimit   int
	InputTokenLimit   int
	ReplyTokenLimit   int
	SummaryTokenLimit int
	SummaryReplyLimit int
	HeartbeatInterval time.Duration
	BusyLeaseTTL      time.Duration
}

// Engine advances stories turn by turn. All dependencies are interfaces;
// construct with [New]. Safe for concurrent use across different stories;
// per-story mutual exclusion is enforced by the locker.
type Engine struct {
	store    store.Store
	locker   lock.Locker
	bus      bus.Bus
	provider llm.Provider
	counter  tokens.Counter
	gate     energy.Gate
	registry *TurnRegistry
	metrics  *observe.Metrics
	cfg      Config

	compact compactor
}

// New creates an Engine. The soft/hard buffer relation is a construction-time
// assertion: violating it is a configuration error, not a runtime condition.
func New(st store.Store, locker lock.Locker, b bus.Bus, provider llm.Provider,
	counter tokens.Counter, gate energy.Gate, registry *TurnRegistry,
	metrics *observe.Metrics, cfg Config) (*Engine, error) {

	if cfg.SoftBufferLimit <= 0 || cfg.SoftBufferLimit >= cfg.HardBufferLimit {
		return nil, fmt.Errorf("engine: soft buffer limit %d must be positive and below hard limit %d",
			cfg.SoftBufferLimit, cfg.HardBufferLimit)
	}
	if gate == nil {
		gate = energy.Unlimited
	}
	return &Engine{
		store:    st,
		locker:   locker,
		bus:      b,
		provider: provider,
		counter:  counter,
		gate:     gate,
		registry: registry,
		metrics:  metrics,
		cfg:      cfg,
		compact: compactor{
			provider:   provider,
			softLimit:  cfg.SoftBufferLimit,
			hardLimit:  cfg.HardBufferLimit,
			budget:     cfg.SummaryTokenLimit,
			replyLimit: cfg.SummaryReplyLimit,
		},
	}, nil
}

// Advance moves the story forward by one generated utterance and returns the
// new message's id. If userMessage is non-empty it is first persisted as the
// human character's line.
//
// Precondition failures (missing story, oversized input, exhausted
// entitlement, lock contention) surface before any busy state becomes
// visible. Upstream failures after the lock is held leave the human line
// persisted, record a sticky failure reason, and surface as *UpstreamError.
func (e *Engine) Advance(ctx context.Context, storyID string, userMessage string) (int64, error) {
	st, err := e.store.GetStory(ctx, storyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("engine: load story: %w", err)
	}

	// Validation and entitlement fail before the lock so observers never see
	// a busy flicker for a request that cannot run.
	var userTokens int
	if userMessage != "" {
		userTokens, err = e.counter.Count(userMessage)
		if err != nil {
			return 0, fmt.Errorf("engine: count input tokens: %w", err)
		}
		if userTokens > e.cfg.InputTokenLimit {
			return 0, fmt.Errorf("%w: %d tokens, cap %d", ErrPayloadTooLarge, userTokens, e.cfg.InputTokenLimit)
		}
	}
	balance, err := e.gate.Balance(ctx, st.OwnerID)
	if err != nil {
		return 0, fmt.Errorf("engine: check energy balance: %w", err)
	}
	if balance < 1 {
		return 0, fmt.Errorf("%w: insufficient energy", ErrPreconditionFailed)
	}

	release, ok, err := e.locker.TryAcquire(ctx, storyID)
	if err != nil {
		return 0, fmt.Errorf("engine: acquire story lock: %w", err)
	}
	if !ok {
		return 0, ErrBusy
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("failed to release story lock", "story", storyID, "error", err)
		}
	}()

	stop := e.registry.begin(ctx, e.bus, storyID, e.cfg.HeartbeatInterval, e.cfg.BusyLeaseTTL)
	defer stop()

	e.metrics.ActiveTurns.Add(ctx, 1)
	defer e.metrics.ActiveTurns.Add(ctx, -1)
	start := timeNow()

	id, err := e.advanceLocked(ctx, st, userMessage, userTokens)

	e.metrics.GenerationDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		e.metrics.RecordTurn(ctx, storyID, "error")
		return 0, err
	}
	e.metrics.RecordTurn(ctx, storyID, "ok")
	return id, nil
}

// advanceLocked runs the story-mutating part of a turn. The caller holds the
// story lock and owns busy signalling.
func (e *Engine) advanceLocked(ctx context.Context, st *story.Story, userMessage string, userTokens int) (int64, error) {
	if userMessage != "" {
		if _, err := e.store.Append(ctx, &story.Message{
			StoryID:     st.ID,
			CharID:      st.HumanCharID,
			Text:        userMessage,
			TokenLength: userTokens,
		}); err != nil {
			return 0, fmt.Errorf("engine: append human message: %w", err)
		}
	}

	cast, err := e.store.Characters(ctx, append([]int64{story.NarratorID}, st.CastIDs...))
	if err != nil {
		return 0, fmt.Errorf("engine: load cast: %w", err)
	}
	speaker := e.pickSpeaker(st, cast)

	buffer, err := e.store.Buffer(ctx, st.ID, st.Checkpoint)
	if err != nil {
		return 0, fmt.Errorf("engine: load buffer: %w", err)
	}

	prompt := assembleContext(contextInput{
		story:           st,
		cast:            cast,
		speaker:         speaker,
		buffer:          buffer,
		replyTokenLimit: e.cfg.ReplyTokenLimit,
		now:             timeNow(),
	})

	// The id is reserved before the model call so token events can name the
	// message they belong to while it is still being generated.
	msgID, err := e.store.ReserveMessageID(ctx)
	if err != nil {
		return 0, fmt.Errorf("engine: reserve message id: %w", err)
	}

	text, usage, err := e.generate(ctx, st.ID, msgID, prompt)
	if err != nil {
		e.recordFailure(ctx, st.ID, err)
		return 0, err
	}

	charID, line := attribute(text, cast, st.HumanCharID)
	lineTokens, err := e.counter.Count(line)
	if err != nil {
		return 0, fmt.Errorf("engine: count reply tokens: %w", err)
	}

	msg := &story.Message{
		ID:          msgID,
		StoryID:     st.ID,
		CharID:      charID,
		Text:        line,
		TokenLength: lineTokens,
		TokenUsage:  usage.TotalTokens,
		EnergyUsage: 1,
	}
	if _, err := e.store.Append(ctx, msg); err != nil {
		return 0, fmt.Errorf("engine: append generated message: %w", err)
	}

	// The human speaks next.
	if err := e.store.SetTurn(ctx, st.ID, st.HumanCharID); err != nil {
		return 0, fmt.Errorf("engine: set turn pointer: %w", err)
	}

	e.runCompaction(ctx, st, cast, buffer, msg)

	// Success clears a sticky failure reason.
	if err := e.store.SetReason(ctx, st.ID, ""); err != nil {
		slog.Warn("failed to clear failure reason", "story", st.ID, "error", err)
	}
	if err := e.bus.PublishReason(ctx, st.ID, ""); err != nil {
		slog.Warn("failed to publish reason clear", "story", st.ID, "error", err)
	}

	return msgID, nil
}

// pickSpeaker nominates the character generating the next line: the turn
// pointer when it names an AI cast member, otherwise a random AI cast member.
func (e *Engine) pickSpeaker(st *story.Story, cast []story.Character) story.Character {
	speakerID := st.TurnCharID
	if speakerID == st.HumanCharID || !st.InCast(speakerID) {
		ai := st.AICastIDs()
		speakerID = ai[rand.IntN(len(ai))]
	}
	for _, c := range cast {
		if c.ID == speakerID {
			return c
		}
	}
	// Unreachable while the cast invariant holds; the narrator keeps the
	// story moving if it ever breaks.
	return cast[0]
}

// generate runs the streaming model call, republishing each text chunk on
// the story's token topic, and returns the accumulated reply.
func (e *Engine) generate(ctx context.Context, storyID string, msgID int64, prompt []llm.Message) (string, llm.Usage, error) {
	req := llm.CompletionRequest{
		Messages:         prompt,
		Temperature:      generationTemperature,
		MaxTokens:        e.cfg.ReplyTokenLimit,
		PresencePenalty:  presencePenalty,
		FrequencyPenalty: frequencyPenalty,
	}

	var usage llm.Usage
	stream, err := e.provider.StreamCompletion(ctx, req)
	if err != nil {
		return "", usage, upstream(err)
	}

	var text []byte
	for chunk := range stream {
		if chunk.FinishReason == "error" {
			return "", usage, &UpstreamError{Message: chunk.Text}
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if chunk.Text == "" {
			continue
		}
		text = append(text, chunk.Text...)
		if err := e.bus.PublishToken(ctx, storyID, bus.TokenEvent{MessageID: msgID, Token: chunk.Text}); err != nil {
			slog.Warn("failed to publish token", "story", storyID, "error", err)
		}
		e.metrics.StreamedTokens.Add(ctx, 1)
	}

	if len(text) == 0 {
		return "", usage, &UpstreamError{Message: "backend returned no text"}
	}
	return string(text), usage, nil
}

// runCompaction folds the oldest buffered messages into the rolling summary
// when the buffer, including the just-appended message, exceeds the hard
// limit. Failures are deferred, never fatal: the summary and checkpoint stay
// untouched and the next turn retries with a larger buffer.
func (e *Engine) runCompaction(ctx context.Context, st *story.Story, cast []story.Character, buffer []story.Message, appended *story.Message) {
	full := append(append([]story.Message(nil), buffer...), *appended)
	plan := planCompaction(full, e.cfg.SoftBufferLimit, e.cfg.HardBufferLimit)
	if plan == nil {
		return
	}

	start := timeNow()
	summary, err := e.compact.summarise(ctx, st, cast, plan)
	e.metrics.SummariseDuration.Record(ctx, time.Since(start).Seconds())
	if err == nil {
		err = e.store.CommitCompaction(ctx, st.ID, summary, plan.checkpoint)
	}
	if err != nil {
		e.metrics.CompactionFailures.Add(ctx, 1)
		slog.Warn("compaction deferred", "story", st.ID, "error", err)
		return
	}
	slog.Info("compacted story history",
		"story", st.ID,
		"checkpoint", plan.checkpoint,
		"summarised_messages", len(plan.toSummarise))
}

// recordFailure persists and broadcasts a generation failure. Consecutive
// failures overwrite the recorded reason rather than accumulating.
func (e *Engine) recordFailure(ctx context.Context, storyID string, genErr error) {
	var ue *UpstreamError
	if !errors.As(genErr, &ue) {
		return
	}
	e.metrics.RecordUpstreamError(ctx, strconv.Itoa(ue.Status))
	if err := e.store.SetReason(ctx, storyID, ue.Message); err != nil {
		slog.Warn("failed to record failure reason", "story", storyID, "error", err)
	}
	if err := e.bus.PublishReason(ctx, storyID, ue.Message); err != nil {
		slog.Warn("failed to publish failure reason", "story", storyID, "error", err)
	}
}

// upstream converts a backend error into the engine's error kind, keeping
// the HTTP status when the provider reported one.
func upstream(err error) error {
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		return &UpstreamError{Status: apiErr.StatusCode, Message: apiErr.Message}
	}
	return &UpstreamError{Message: err.Error()}
}
