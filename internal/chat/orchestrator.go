// Package chat runs one streaming, tool-calling chat turn: a first model
// pass that may request tool calls, the calls themselves, and a second pass
// that answers with their results.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/orca-platform/orca-server/internal/llm"
	"github.com/orca-platform/orca-server/internal/logging"
	"github.com/orca-platform/orca-server/internal/metrics"
	"github.com/orca-platform/orca-server/internal/telemetry"
	"github.com/orca-platform/orca-server/internal/tools"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const DefaultModel = "gpt-4o"

var ErrEmptyHistory = errors.New("chat history is empty")

type Streamer interface {
	StreamChat(ctx context.Context, req llm.ChatRequest) (*llm.Stream, error)
}

type ToolExecutor interface {
	Execute(ctx context.Context, userID string, call tools.Call) string
}

type ConnectionLister interface {
	ConnectedProviders(ctx context.Context, userID string) (map[string]bool, error)
}

type Options struct {
	Model   string
	Metrics metrics.Recorder
}

type Orchestrator struct {
	llm     Streamer
	tools   ToolExecutor
	conns   ConnectionLister
	model   string
	metrics metrics.Recorder
}

func NewOrchestrator(streamer Streamer, executor ToolExecutor, conns ConnectionLister, opts Options) *Orchestrator {
	o := &Orchestrator{
		llm:     streamer,
		tools:   executor,
		conns:   conns,
		model:   opts.Model,
		metrics: opts.Metrics,
	}
	if o.model == "" {
		o.model = DefaultModel
	}
	if o.metrics == nil {
		o.metrics = metrics.Nop{}
	}
	return o
}

// Turn is a chat turn whose first model pass has been opened.
type Turn struct {
	o        *Orchestrator
	ctx      context.Context
	userID   string
	set      tools.Set
	messages []llm.Message
	first    *llm.Stream
	span     trace.Span
	toolRuns int
}

// Begin composes the prompt for userID's connected tools and opens the first
// model pass. Nothing has been written when it fails, so callers can still
// answer with an error status.
func (o *Orchestrator) Begin(ctx context.Context, userID string, history []llm.Message) (*Turn, error) {
	if len(history) == 0 {
		return nil, ErrEmptyHistory
	}
	ctx, span := telemetry.StartSpan(ctx, "chat.turn")

	connected, err := o.conns.ConnectedProviders(ctx, userID)
	if err != nil {
		// The turn still works with the tools that need no connection.
		logging.FromContext(ctx).Warn().Err(err).Msg("failed to load connected providers")
		connected = nil
	}
	set := tools.SetFor(connected)
	span.SetAttributes(
		attribute.Bool("chat.tools.email", set.Email),
		attribute.Bool("chat.tools.meetings", set.Meetings),
	)

	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: llm.Text(SystemPrompt(set))})
	messages = append(messages, history...)

	stream, err := o.llm.StreamChat(ctx, llm.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Tools:    tools.Definitions(set),
	})
	if err != nil {
		o.metrics.RecordChatTurn("error")
		telemetry.EndSpan(span, err)
		return nil, fmt.Errorf("open model stream: %w", err)
	}

	return &Turn{
		o:        o,
		ctx:      ctx,
		userID:   userID,
		set:      set,
		messages: messages,
		first:    stream,
		span:     span,
	}, nil
}

// Run is Begin followed by Stream.
func (o *Orchestrator) Run(ctx context.Context, userID string, history []llm.Message, out io.Writer) (*Turn, error) {
	turn, err := o.Begin(ctx, userID, history)
	if err != nil {
		return nil, err
	}
	return turn, turn.Stream(out)
}

// Stream forwards model text to out as it arrives. When the first pass asks
// for tools they are run one after another and a second pass, offered no
// tools, answers with their results. Any stream error ends the turn.
func (t *Turn) Stream(out io.Writer) (err error) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		if err != nil {
			outcome = "error"
		}
		t.o.metrics.RecordChatTurn(outcome)
		t.span.SetAttributes(attribute.Int("chat.tool_calls", t.toolRuns))
		telemetry.EndSpan(t.span, err)
		logging.FromContext(t.ctx).Info().
			Str("outcome", outcome).
			Int("tool_calls", t.toolRuns).
			Dur("duration", time.Since(start)).
			Msg("💬 chat turn finished")
	}()

	text, calls, err := forward(t.first, out, true)
	if err != nil {
		return fmt.Errorf("first pass: %w", err)
	}
	if len(calls) == 0 {
		return nil
	}
	outcome = "tools"

	assistant := llm.Message{Role: llm.RoleAssistant, ToolCalls: calls}
	if text != "" {
		assistant.Content = llm.Text(text)
	}
	t.messages = append(t.messages, assistant)

	for _, call := range calls {
		if err := t.ctx.Err(); err != nil {
			return err
		}
		result := t.o.tools.Execute(t.ctx, t.userID, tools.Call{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
		t.toolRuns++
		t.messages = append(t.messages, llm.Message{
			Role:       llm.RoleTool,
			Content:    llm.Text(result),
			ToolCallID: call.ID,
		})
	}

	second, err := t.o.llm.StreamChat(t.ctx, llm.ChatRequest{
		Model:    t.o.model,
		Messages: t.messages,
	})
	if err != nil {
		return fmt.Errorf("open follow-up stream: %w", err)
	}
	if _, _, err := forward(second, out, false); err != nil {
		return fmt.Errorf("follow-up pass: %w", err)
	}
	return nil
}

// Messages is the conversation as sent to the model, including the system
// prompt, the assistant tool call message and the tool results.
func (t *Turn) Messages() []llm.Message {
	return t.messages
}

// Tools is the tool set offered in the first pass.
func (t *Turn) Tools() tools.Set {
	return t.set
}

type flusher interface {
	Flush()
}

// forward copies the text of the first choice of each chunk to out and,
// when collect is set, accumulates tool call fragments. It always closes s.
func forward(s *llm.Stream, out io.Writer, collect bool) (string, []llm.ToolCall, error) {
	return forwardGuarded(s, out, collect, newLoopGuard())
}

func forwardGuarded(s *llm.Stream, out io.Writer, collect bool, guard *loopGuard) (string, []llm.ToolCall, error) {
	defer s.Close()
	guard.watch(s)
	defer guard.stop()

	f, _ := out.(flusher)
	var text []byte
	var calls []llm.ToolCall
	for s.Next() {
		choices := s.Chunk().Choices
		if len(choices) == 0 {
			if err := guard.check(""); err != nil {
				return "", nil, err
			}
			continue
		}
		delta := choices[0].Delta
		if err := guard.check(deltaPayload(delta)); err != nil {
			return "", nil, err
		}
		if delta.Content != "" {
			text = append(text, delta.Content...)
			if _, err := io.WriteString(out, delta.Content); err != nil {
				return "", nil, fmt.Errorf("write response: %w", err)
			}
			if f != nil {
				f.Flush()
			}
		}
		if collect && len(delta.ToolCalls) > 0 {
			calls = Accumulate(calls, delta.ToolCalls)
		}
	}
	if guard.Stalled() {
		return "", nil, ErrStreamStalled
	}
	if err := s.Err(); err != nil {
		return "", nil, err
	}
	return string(text), calls, nil
}

// deltaPayload is what the loop guard compares between chunks.
func deltaPayload(d llm.Delta) string {
	if len(d.ToolCalls) == 0 {
		return d.Content
	}
	var b strings.Builder
	b.WriteString(d.Content)
	for _, tc := range d.ToolCalls {
		b.WriteString(tc.ID)
		b.WriteString(tc.Function.Name)
		b.WriteString(tc.Function.Arguments)
	}
	return b.String()
}
