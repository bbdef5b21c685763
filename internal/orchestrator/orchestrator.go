// Package orchestrator drives the conversation loop: LLM rounds, tool
// dispatch, and assembly of the final assistant reply.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/defipilot/defipilot/internal/format"
	"github.com/defipilot/defipilot/internal/llm"
	"github.com/defipilot/defipilot/internal/observability"
	"github.com/defipilot/defipilot/internal/sessions"
	"github.com/defipilot/defipilot/internal/tools"
	"github.com/defipilot/defipilot/internal/ui"
	"github.com/defipilot/defipilot/pkg/models"
)

const apologyContent = "I'm sorry, I ran into a problem while working on that. Please try again in a moment."

// Config configures the orchestrator.
type Config struct {
	// SystemPrompt is sent with every LLM round.
	SystemPrompt string

	// MaxRounds bounds LLM rounds per inbound message. Defaults to 5.
	MaxRounds int

	// RequestTimeout bounds one whole process() invocation. Defaults to 60s.
	RequestTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxRounds <= 0 {
		c.MaxRounds = 5
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
}

// Orchestrator runs the round loop for one deployment. Safe for concurrent
// use; per-session ordering comes from the store's session locks.
type Orchestrator struct {
	config    Config
	adapter   *llm.Adapter
	registry  *tools.Registry
	validator *tools.Validator
	executor  *tools.Executor
	store     *sessions.Store
	formatter *format.Formatter
	intents   *ui.Generator
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// New wires the orchestrator from its collaborators.
func New(
	config Config,
	adapter *llm.Adapter,
	registry *tools.Registry,
	executor *tools.Executor,
	store *sessions.Store,
	logger *slog.Logger,
	metrics *observability.Metrics,
) *Orchestrator {
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		config:    config,
		adapter:   adapter,
		registry:  registry,
		validator: tools.NewValidator(registry, logger),
		executor:  executor,
		store:     store,
		formatter: format.New(logger),
		intents:   ui.NewGenerator(),
		logger:    logger.With("component", "orchestrator"),
		metrics:   metrics,
	}
}

// Process handles one inbound user message and returns the assembled reply.
// Same-session calls are serialized; the reply is always non-nil, carrying
// an error descriptor when the LLM could not be reached.
func (o *Orchestrator) Process(ctx context.Context, sessionID, userText string, history []models.Message) *models.AssistantReply {
	return o.run(ctx, sessionID, userText, history, nil)
}

// ProcessStream behaves like Process but forwards text deltas of the final
// LLM round to sink. The sink receives deltas in order and then exactly one
// terminal event: Done on success, Err on failure.
func (o *Orchestrator) ProcessStream(ctx context.Context, sessionID, userText string, history []models.Message, sink llm.Sink) *models.AssistantReply {
	return o.run(ctx, sessionID, userText, history, sink)
}

func (o *Orchestrator) run(ctx context.Context, sessionID, userText string, history []models.Message, sink llm.Sink) *models.AssistantReply {
	var reply *models.AssistantReply

	err := o.store.WithLock(ctx, sessionID, func() error {
		reqCtx, cancel := context.WithTimeout(ctx, o.config.RequestTimeout)
		defer cancel()

		reply = o.converse(reqCtx, sessionID, userText, history, sink)
		return nil
	})
	if err != nil {
		// Lock acquisition lost to cancellation; no history was touched.
		reply = o.failureReply(sessionID, err, nil)
		if sink != nil {
			sink(llm.StreamEvent{Err: err})
		}
		return reply
	}

	if sink != nil {
		if reply.Error != nil {
			sink(llm.StreamEvent{Err: replyError{reply.Error}})
		} else {
			sink(llm.StreamEvent{Done: true})
		}
	}
	return reply
}

// converse runs the round loop. Caller holds the session lock.
func (o *Orchestrator) converse(ctx context.Context, sessionID, userText string, history []models.Message, sink llm.Sink) *models.AssistantReply {
	o.bootstrapHistory(sessionID, history)

	checkpoint := o.store.GetOrCreate(sessionID).Messages

	session := o.store.Append(sessionID, models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Content:   userText,
		Timestamp: time.Now(),
	})

	var allExecutions []models.ToolExecution
	var lastContent string
	specs := o.registry.Specs()

	for round := 1; round <= o.config.MaxRounds; round++ {
		req := &llm.Request{
			System:   o.config.SystemPrompt,
			Messages: session.Messages,
			Tools:    specs,
		}

		completion, err := o.generate(ctx, req, sink)
		if err != nil {
			if ctx.Err() != nil {
				// Cancelled round: revert to the pre-request history so no
				// partial exchange is left behind.
				o.store.Replace(sessionID, checkpoint)
			}
			o.logger.Error("llm round failed", "session_id", sessionID, "round", round, "error", err)
			return o.failureReply(sessionID, err, allExecutions)
		}

		lastContent = completion.Content

		// Only calls that survive validation go into history. A recorded
		// call id with no matching tool message would poison every later
		// round for this session.
		calls := o.validator.Filter(completion.ToolCalls)
		session = o.store.Append(sessionID, models.Message{
			ID:        uuid.NewString(),
			Role:      models.RoleAssistant,
			Content:   completion.Content,
			ToolCalls: calls,
			Timestamp: time.Now(),
		})

		if len(calls) == 0 {
			if len(completion.ToolCalls) > 0 {
				o.logger.Warn("all tool calls invalid, ending round loop",
					"session_id", sessionID, "round", round)
			}
			break
		}

		executions := o.executor.ExecuteAll(ctx, calls)
		allExecutions = append(allExecutions, executions...)

		for _, exec := range executions {
			session = o.store.Append(sessionID, models.Message{
				ID:         uuid.NewString(),
				Role:       models.RoleTool,
				Content:    exec.ContentJSON(),
				ToolCallID: exec.ToolCallID,
				Timestamp:  time.Now(),
			})
		}

		// A round where every call failed permanently cannot make progress;
		// another LLM turn would just request the same tools again.
		if allFailedPermanently(executions) {
			o.logger.Warn("all tool calls failed permanently, ending round loop",
				"session_id", sessionID, "round", round)
			break
		}
	}

	reply := &models.AssistantReply{
		Message: models.Message{
			ID:        uuid.NewString(),
			Role:      models.RoleAssistant,
			Content:   lastContent,
			Timestamp: time.Now(),
		},
		ToolResults:      allExecutions,
		FormattedResults: o.formatter.Format(allExecutions),
		UIIntents:        o.intents.Generate(allExecutions, userText, lastContent),
	}
	return reply
}

// generate runs one LLM round. Streaming is only used on rounds that could
// be final; a round that returns tool calls aborts its stream silently and
// the next round streams again.
func (o *Orchestrator) generate(ctx context.Context, req *llm.Request, sink llm.Sink) (*llm.Completion, error) {
	if sink == nil {
		return o.adapter.Generate(ctx, req)
	}

	// Forward deltas only; the orchestrator owns the single terminal event.
	return o.adapter.GenerateStream(ctx, req, func(ev llm.StreamEvent) {
		if ev.Delta != "" {
			sink(llm.StreamEvent{Delta: ev.Delta})
		}
	})
}

// bootstrapHistory seeds a brand-new session from client-provided history.
// An existing session's server-side history always wins.
func (o *Orchestrator) bootstrapHistory(sessionID string, history []models.Message) {
	if len(history) == 0 {
		return
	}
	existing, ok := o.store.Get(sessionID)
	if ok && len(existing.Messages) > 0 {
		return
	}
	for _, msg := range history {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now()
		}
		o.store.Append(sessionID, msg)
	}
}

func (o *Orchestrator) failureReply(sessionID string, err error, executions []models.ToolExecution) *models.AssistantReply {
	if o.metrics != nil {
		o.metrics.ErrorCounter.WithLabelValues("orchestrator", llm.Describe(err).Code).Inc()
	}
	return &models.AssistantReply{
		Message: models.Message{
			ID:        uuid.NewString(),
			Role:      models.RoleAssistant,
			Content:   apologyContent,
			Timestamp: time.Now(),
		},
		ToolResults:      executions,
		FormattedResults: o.formatter.Format(executions),
		Error:            llm.Describe(err),
	}
}

// allFailedPermanently reports whether every execution failed with a
// non-retryable classification.
func allFailedPermanently(executions []models.ToolExecution) bool {
	if len(executions) == 0 {
		return false
	}
	for _, exec := range executions {
		if exec.Success {
			return false
		}
		desc := models.NewErrorDescriptor(exec.ErrorCode, exec.Error)
		if desc.Classification.Retryable {
			return false
		}
	}
	return true
}

// replyError adapts an error descriptor back into an error for stream
// terminal events.
type replyError struct {
	desc *models.ErrorDescriptor
}

func (e replyError) Error() string {
	return e.desc.Message
}

// Descriptor exposes the wrapped descriptor for frame building.
func (e replyError) Descriptor() *models.ErrorDescriptor {
	return e.desc
}
