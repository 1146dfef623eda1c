package chat

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/skychat/backend/internal/metrics"
	"github.com/zhouzirui/skychat/backend/internal/model/chat"
)

// ErrReplyPending is returned when a submission arrives while a reply is still being produced.
var ErrReplyPending = errors.New("a reply is already in progress")

// DefaultGreeting is committed when the restored log is empty.
const DefaultGreeting = "Hi! Ask me anything. This is a simple demo with dummy responses."

// scrollEvery controls how often streaming asks the presenter to scroll.
const scrollEvery = 5

// Settings controls reply pacing.
type Settings struct {
	Streaming   bool
	TypingDelay time.Duration
	LatencyMin  time.Duration
	LatencyMax  time.Duration
	Greeting    string
}

// DefaultSettings mirrors the demo's stock behavior.
func DefaultSettings() Settings {
	return Settings{
		Streaming:   true,
		TypingDelay: 12 * time.Millisecond,
		LatencyMin:  500 * time.Millisecond,
		LatencyMax:  1100 * time.Millisecond,
		Greeting:    DefaultGreeting,
	}
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Option customizes an Engine.
type Option func(*Engine)

// WithSleeper replaces the timer used for latency and typing pauses.
func WithSleeper(s Sleeper) Option {
	return func(e *Engine) { e.sleep = s }
}

// WithClock replaces the source of message timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRandSource makes latency jitter deterministic.
func WithRandSource(src rand.Source) Option {
	return func(e *Engine) { e.rng = rand.New(src) }
}

// Engine owns the message log and drives the send/reply lifecycle.
type Engine struct {
	// saveMu orders each log snapshot with its Save and presenter calls, so a Clear can
	// never be overwritten by an older snapshot.
	saveMu sync.Mutex

	mu       sync.Mutex
	messages []chat.Message
	pending  bool
	settings Settings

	history   Persistence
	presenter Presenter
	replies   ReplySource

	sleep Sleeper
	now   func() time.Time
	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewEngine wires the engine to its collaborators. The log starts empty; call Restore to load it.
func NewEngine(settings Settings, history Persistence, presenter Presenter, replies ReplySource, opts ...Option) *Engine {
	e := &Engine{
		settings:  settings,
		history:   history,
		presenter: presenter,
		replies:   replies,
		sleep:     sleepContext,
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Restore loads the persisted log. An empty log is seeded with the greeting.
func (e *Engine) Restore(ctx context.Context) {
	restored := e.history.Load(ctx)

	e.mu.Lock()
	e.messages = append([]chat.Message(nil), restored...)
	greeting := e.settings.Greeting
	e.mu.Unlock()

	if len(restored) == 0 {
		if greeting != "" {
			e.commit(ctx, chat.RoleAssistant, greeting)
		}
		return
	}

	e.presenter.RenderAll(restored)
	e.presenter.ScrollToEnd()
	log.Info().Int("messages", len(restored)).Msg("chat: restored history")
}

// Messages returns a copy of the committed log.
func (e *Engine) Messages() []chat.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]chat.Message(nil), e.messages...)
}

// Pending reports whether a reply is in progress.
func (e *Engine) Pending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// Settings returns the current pacing settings.
func (e *Engine) Settings() Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// Configure replaces the pacing settings. A submission already in flight keeps the old values.
func (e *Engine) Configure(settings Settings) {
	e.mu.Lock()
	e.settings = settings
	e.mu.Unlock()
}

// Submit appends text as a user message and blocks until the assistant reply is committed.
// Blank text is ignored. Cancelling ctx abandons the reply without committing it.
func (e *Engine) Submit(ctx context.Context, text string) error {
	text, settings, err := e.reserve(text)
	if err != nil || text == "" {
		return err
	}
	return e.run(ctx, text, settings)
}

// Send starts Submit in the background and returns a handle to it.
// Blank text yields a task that is already done.
func (e *Engine) Send(ctx context.Context, text string) (*Task, error) {
	text, settings, err := e.reserve(text)
	if err != nil {
		return nil, err
	}

	task := newTask(ctx)
	if text == "" {
		task.finish(nil)
		return task, nil
	}

	go func() {
		task.finish(e.run(task.ctx, text, settings))
	}()
	return task, nil
}

// Clear empties the log and the persisted snapshot.
func (e *Engine) Clear(ctx context.Context) {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	e.mu.Lock()
	e.messages = nil
	e.mu.Unlock()

	e.history.Save(context.WithoutCancel(ctx), nil)
	e.presenter.RenderAll(nil)
	e.presenter.ScrollToEnd()
	log.Info().Msg("chat: log cleared")
}

// ExportTranscript renders the log as labelled paragraphs.
func (e *Engine) ExportTranscript() string {
	return Transcript(e.Messages())
}

// Transcript formats messages as "You: ..." / "AI: ..." entries separated by blank lines.
func Transcript(messages []chat.Message) string {
	lines := make([]string, 0, len(messages))
	for _, msg := range messages {
		lines = append(lines, msg.Role.Label()+msg.Content)
	}
	return strings.Join(lines, "\n\n")
}

func (e *Engine) reserve(text string) (string, Settings, error) {
	text = strings.TrimSpace(text)

	e.mu.Lock()
	defer e.mu.Unlock()
	if text == "" {
		return "", e.settings, nil
	}
	if e.pending {
		return "", e.settings, ErrReplyPending
	}
	e.pending = true
	return text, e.settings, nil
}

func (e *Engine) release() {
	e.mu.Lock()
	e.pending = false
	e.mu.Unlock()
	e.presenter.SetSubmitEnabled(true)
}

func (e *Engine) run(ctx context.Context, text string, settings Settings) (err error) {
	started := time.Now()
	defer func() {
		e.release()
		status := "ok"
		if err != nil {
			status = "aborted"
		}
		metrics.ObserveReply(status, time.Since(started))
	}()

	e.commit(ctx, chat.RoleUser, text)
	e.presenter.SetSubmitEnabled(false)

	typing := e.presenter.AppendTypingNode()
	e.presenter.ScrollToEnd()

	reply, err := e.awaitReply(ctx, settings, text)
	if err == nil {
		err = e.reveal(ctx, typing, reply, settings)
	}
	e.presenter.RemoveNode(typing)
	if err != nil {
		log.Warn().Err(err).Msg("chat: reply abandoned")
		return err
	}

	e.commit(ctx, chat.RoleAssistant, reply)
	return nil
}

func (e *Engine) awaitReply(ctx context.Context, settings Settings, text string) (string, error) {
	if err := e.sleep(ctx, e.latency(settings)); err != nil {
		return "", err
	}
	reply, err := e.replies.Reply(ctx, text)
	if err != nil {
		return "", fmt.Errorf("reply source failed: %w", err)
	}
	return reply, nil
}

func (e *Engine) latency(settings Settings) time.Duration {
	span := settings.LatencyMax - settings.LatencyMin
	if span <= 0 {
		return settings.LatencyMin
	}
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return settings.LatencyMin + time.Duration(e.rng.Int63n(int64(span)))
}

func (e *Engine) reveal(ctx context.Context, h NodeHandle, reply string, settings Settings) error {
	if !settings.Streaming {
		e.presenter.UpdateNode(h, reply, reply)
		return nil
	}
	return e.stream(ctx, h, reply, settings.TypingDelay)
}

// stream reveals reply one rune at a time. Invalid UTF-8 is revealed byte by byte so the
// final state always equals reply.
func (e *Engine) stream(ctx context.Context, h NodeHandle, reply string, delay time.Duration) error {
	for i, offset := 0, 0; offset < len(reply); i++ {
		_, size := utf8.DecodeRuneInString(reply[offset:])
		next := offset + size
		e.presenter.UpdateNode(h, reply[:next], reply[offset:next])
		offset = next

		if delay > 0 {
			if err := e.sleep(ctx, delay); err != nil {
				return err
			}
		} else {
			runtime.Gosched()
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		if i%scrollEvery == 0 {
			e.presenter.ScrollToEnd()
		}
	}
	return nil
}

func (e *Engine) commit(ctx context.Context, role chat.Role, content string) chat.Message {
	msg := chat.NewMessage(role, content, e.now())

	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	e.mu.Lock()
	e.messages = append(e.messages, msg)
	snapshot := append([]chat.Message(nil), e.messages...)
	e.mu.Unlock()

	e.history.Save(context.WithoutCancel(ctx), snapshot)
	e.presenter.AppendNode(role, content)
	e.presenter.ScrollToEnd()
	metrics.ObserveMessage(string(role))
	return msg
}
