// Package orchestrator runs chat turns: history in, model stream out, tool
// calls dispatched and folded back, events pushed to the session's channels.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/xiy/agent-core/internal/apperr"
	"github.com/xiy/agent-core/internal/catalog"
	"github.com/xiy/agent-core/internal/clock"
	"github.com/xiy/agent-core/internal/config"
	"github.com/xiy/agent-core/internal/llm"
	"github.com/xiy/agent-core/pkg/types"
)

// ErrStopped is returned by Chat after Shutdown.
var ErrStopped = errors.New("orchestrator stopped")

// Sessions is the slice of the session store a turn needs.
type Sessions interface {
	AppendMessage(ctx context.Context, id string, msg types.Message) error
	GetRecent(ctx context.Context, id string, n int) ([]types.Message, error)
	GetMono(ctx context.Context, id string) ([]types.MonoItem, error)
	AddMono(ctx context.Context, id, payload string, ttl time.Duration) (types.MonoItem, error)
}

// Memories backs the memory builtins.
type Memories interface {
	Write(ctx context.Context, in types.WriteInput) (types.MemoryRecord, error)
	Search(ctx context.Context, f types.SearchFilter) ([]types.MemoryRecord, error)
}

// Tools is the registry snapshot source.
type Tools interface {
	ListTools() []types.ToolEntry
}

// Dispatcher calls plugin tools.
type Dispatcher interface {
	Dispatch(ctx context.Context, ref types.ToolRef, args json.RawMessage) (json.RawMessage, error)
}

// Emitter delivers turn events.
type Emitter interface {
	EmitTurnEvent(sessionID string, ev types.PushEvent) int
}

// Transcriber turns audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Synthesizer starts a speech stream for a reply and returns its mime type
// and stream id.
type Synthesizer interface {
	Synthesize(ctx context.Context, sessionID, text string) (mimeType, streamID string, err error)
}

// Deps are the collaborators of a turn. Transcriber and Synthesizer are
// optional.
type Deps struct {
	Model       llm.Model
	Sessions    Sessions
	Memories    Memories
	Tools       Tools
	Dispatcher  Dispatcher
	Events      Emitter
	Transcriber Transcriber
	Synthesizer Synthesizer
}

// ChatRequest is one user input. Image and Audio are base64 in JSON.
type ChatRequest struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id,omitempty"`
	Image     []byte `json:"image,omitempty"`
	Audio     []byte `json:"audio,omitempty"`
}

// ChatAccepted is returned before the turn runs.
type ChatAccepted struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// Orchestrator owns the lifetime of asynchronous turns.
type Orchestrator struct {
	deps    Deps
	cfg     config.LLMConfig
	monoTTL time.Duration
	clock   clock.Clock
	logger  *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	locks map[string]*turnLock
}

type turnLock struct {
	mu   sync.Mutex
	refs int
}

// New builds an Orchestrator. A nil model means no provider is configured.
func New(deps Deps, cfg config.Config, clk clock.Clock, logger *log.Logger) *Orchestrator {
	if clk == nil {
		clk = clock.Real()
	}
	if deps.Model == nil {
		deps.Model = llm.Unavailable{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		deps:    deps,
		cfg:     cfg.LLM,
		monoTTL: time.Duration(cfg.Session.DefaultMonoTTLSeconds) * time.Second,
		clock:   clk,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		locks:   map[string]*turnLock{},
	}
}

// Chat validates req, assigns a session id when missing and starts the turn
// in the background.
func (o *Orchestrator) Chat(_ context.Context, req ChatRequest) (ChatAccepted, error) {
	const op = "chat"
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" && len(req.Image) == 0 && len(req.Audio) == 0 {
		return ChatAccepted{}, apperr.Validation(op, "text, image or audio is required")
	}
	if req.Text == "" && len(req.Image) == 0 && o.deps.Transcriber == nil {
		return ChatAccepted{}, apperr.Validation(op, "audio input needs a speech recognizer")
	}
	if strings.TrimSpace(req.SessionID) == "" {
		req.SessionID = "sess_" + uuid.NewString()
	}

	// Checked under o.mu so Shutdown cannot slip between the check and Add.
	o.mu.Lock()
	if o.ctx.Err() != nil {
		o.mu.Unlock()
		return ChatAccepted{}, ErrStopped
	}
	o.wg.Add(1)
	o.mu.Unlock()
	go func() {
		defer o.wg.Done()
		if err := o.RunTurn(o.ctx, req); err != nil {
			o.logger.Warn("chat turn failed", "session", req.SessionID, "error", err)
		}
	}()
	return ChatAccepted{Status: "accepted", SessionID: req.SessionID, Message: "processing"}, nil
}

// Wait blocks until every started turn has finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Shutdown cancels running turns and waits for them.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	o.cancel()
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) lock(id string) func() {
	o.mu.Lock()
	l, ok := o.locks[id]
	if !ok {
		l = &turnLock{}
		o.locks[id] = l
	}
	l.refs++
	o.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		o.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.locks, id)
		}
		o.mu.Unlock()
	}
}

// Catalog names the current registry tools together with the builtins,
// exactly as the model sees them.
func (o *Orchestrator) Catalog() *catalog.Catalog {
	return o.CatalogFor(o.deps.Tools.ListTools())
}

// CatalogFor builds the model-facing catalog from a registry snapshot the
// caller already holds.
func (o *Orchestrator) CatalogFor(entries []types.ToolEntry) *catalog.Catalog {
	return catalog.Build(entries, builtinTools())
}

func (o *Orchestrator) emit(sessionID string, ev types.PushEvent) {
	o.deps.Events.EmitTurnEvent(sessionID, ev)
}

// RunTurn executes one turn synchronously. Turns of the same session never
// overlap.
func (o *Orchestrator) RunTurn(ctx context.Context, req ChatRequest) error {
	sid := req.SessionID
	unlock := o.lock(sid)
	defer unlock()

	started := o.clock.Now()
	o.emit(sid, types.NewThinking())

	text := strings.TrimSpace(req.Text)
	if len(req.Audio) > 0 && o.deps.Transcriber != nil {
		heard, err := o.deps.Transcriber.Transcribe(ctx, req.Audio)
		if err != nil {
			o.logger.Warn("transcription failed", "session", sid, "error", err)
		} else if heard = strings.TrimSpace(heard); heard != "" {
			text = strings.TrimSpace(text + "\n" + heard)
		}
	}
	userMsg := types.Message{Role: types.RoleUser, Content: text, Timestamp: o.clock.Now().UTC()}
	if len(req.Image) > 0 {
		userMsg.Metadata = map[string]any{"image_bytes": len(req.Image)}
		if userMsg.Content == "" {
			userMsg.Content = "[image]"
		}
	}
	if userMsg.Content == "" {
		return o.fail(ctx, sid, nil, apperr.Validation("chat turn", "no usable input after transcription"))
	}

	history, err := o.deps.Sessions.GetRecent(ctx, sid, o.cfg.HistoryWindow)
	if err != nil {
		o.logger.Warn("history unavailable", "session", sid, "error", err)
		history = nil
	}
	mono, err := o.deps.Sessions.GetMono(ctx, sid)
	if err != nil {
		o.logger.Warn("mono context unavailable", "session", sid, "error", err)
	}

	cat := o.Catalog()
	defs := toolDefinitions(cat)
	msgs := append(historyMessages(history), llm.Message{Role: types.RoleUser, Content: userMsg.Content})
	system := systemPrompt(o.cfg.SystemPrompt, mono)

	var reply strings.Builder
	for round := 0; ; round++ {
		mreq := llm.Request{System: system, Messages: msgs, Stream: true}
		last := round >= o.cfg.MaxToolRounds
		if !last {
			mreq.Tools = defs
		}
		streamed := false
		resp, err := llm.Collect(ctx, o.deps.Model, mreq, func(delta string) {
			streamed = true
			o.emit(sid, types.NewTextChunk(delta, false))
		})
		if err != nil {
			return o.fail(ctx, sid, &userMsg, fmt.Errorf("generate: %w", err))
		}
		if !streamed && resp.Text != "" {
			o.emit(sid, types.NewTextChunk(resp.Text, false))
		}
		reply.WriteString(resp.Text)
		if len(resp.ToolCalls) == 0 || last {
			break
		}

		calls := make([]types.ToolCall, len(resp.ToolCalls))
		for i, call := range resp.ToolCalls {
			if call.ID == "" {
				call.ID = fmt.Sprintf("call_%d_%d", round, i)
			}
			calls[i] = call
		}
		msgs = append(msgs, llm.Message{Role: types.RoleAssistant, Content: resp.Text, ToolCalls: calls})
		for _, call := range calls {
			result := o.invoke(ctx, sid, cat, call)
			msgs = append(msgs, llm.Message{Role: types.RoleTool, Content: result, ToolCallID: call.ID})
		}
	}

	o.emit(sid, types.NewTextChunk("", true))
	answer := reply.String()
	if o.deps.Synthesizer != nil && strings.TrimSpace(answer) != "" {
		mime, streamID, err := o.deps.Synthesizer.Synthesize(ctx, sid, answer)
		if err != nil {
			o.logger.Warn("speech synthesis failed", "session", sid, "error", err)
		} else {
			o.emit(sid, types.NewAudioStreamStart(mime, streamID))
		}
	}

	if err := o.deps.Sessions.AppendMessage(ctx, sid, userMsg); err != nil {
		return o.fail(ctx, sid, nil, err)
	}
	assistant := types.Message{Role: types.RoleAssistant, Content: answer, Timestamp: o.clock.Now().UTC()}
	if err := o.deps.Sessions.AppendMessage(ctx, sid, assistant); err != nil {
		return o.fail(ctx, sid, nil, err)
	}

	o.emit(sid, types.NewResponseDone(types.StatusCompleted))
	o.logger.Debug("chat turn completed", "session", sid, "duration", o.clock.Now().Sub(started))
	return nil
}

// fail persists the user message when given and reports the turn as failed.
func (o *Orchestrator) fail(ctx context.Context, sid string, userMsg *types.Message, cause error) error {
	if userMsg != nil {
		// Outlive a cancelled turn so the input is not lost.
		saveCtx := context.WithoutCancel(ctx)
		if err := o.deps.Sessions.AppendMessage(saveCtx, sid, *userMsg); err != nil {
			o.logger.Error("persist user message", "session", sid, "error", err)
		}
	}
	ev := types.NewResponseDone(types.StatusError)
	ev.Data["message"] = cause.Error()
	o.emit(sid, ev)
	return cause
}

// invoke runs one tool call and returns the JSON text handed back to the
// model. Failures are reported to the model rather than aborting the turn.
func (o *Orchestrator) invoke(ctx context.Context, sid string, cat *catalog.Catalog, call types.ToolCall) string {
	entry, ok := cat.Resolve(call.Name)
	if !ok {
		return errorResult(apperr.NotFound("tool call", "unknown tool %q", call.Name))
	}
	if entry.Builtin {
		out, err := o.runBuiltin(ctx, sid, entry.Tool.Name, call.Arguments)
		if err != nil {
			return errorResult(err)
		}
		return out
	}

	raw, err := o.deps.Dispatcher.Dispatch(ctx, entry.Ref, call.Arguments)
	if err != nil {
		return errorResult(err)
	}
	for _, action := range pluginActions(raw) {
		o.emit(sid, action)
	}
	return string(raw)
}

// pluginActions extracts UI actions a plugin attached to its result as
// {"actions":[{"type":"...", ...}]}.
func pluginActions(raw json.RawMessage) []types.PushEvent {
	var body struct {
		Actions []map[string]any `json:"actions"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil
	}
	out := make([]types.PushEvent, 0, len(body.Actions))
	for _, a := range body.Actions {
		kind, _ := a["type"].(string)
		if kind == "" {
			continue
		}
		delete(a, "type")
		out = append(out, types.NewAction(kind, a))
	}
	return out
}

func errorResult(err error) string {
	body, _ := json.Marshal(map[string]any{
		"status":  "error",
		"code":    string(apperr.KindOf(err)),
		"message": err.Error(),
	})
	return string(body)
}

func toolDefinitions(cat *catalog.Catalog) []llm.ToolDefinition {
	defs := cat.Definitions()
	out := make([]llm.ToolDefinition, len(defs))
	for i, d := range defs {
		out[i] = llm.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	return out
}

func historyMessages(history []types.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history)+1)
	for _, m := range history {
		switch m.Role {
		case types.RoleUser, types.RoleAssistant, types.RoleSystem:
			if m.Content == "" {
				continue
			}
			out = append(out, llm.Message{Role: m.Role, Content: m.Content})
		}
	}
	return out
}

func systemPrompt(base string, mono []types.MonoItem) string {
	if len(mono) == 0 {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	if base != "" {
		b.WriteString("\n\n")
	}
	b.WriteString("Keep in mind for now:")
	for _, m := range mono {
		b.WriteString("\n- ")
		b.WriteString(m.Payload)
	}
	return b.String()
}
