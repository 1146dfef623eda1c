// Package sky spawns and retires the decorative cloud particles.
package sky

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/skychat/backend/internal/metrics"
	"github.com/zhouzirui/skychat/backend/internal/model/sky"
)

// Retirement paths, also used as metric labels.
const (
	RetiredByCompletion = "completion"
	RetiredByFallback   = "fallback"
	RetiredByClose      = "close"
)

// Surface displays particles. onDone must be called once the particle's animation has
// finished; calling it more than once, or after the fallback timer fired, is harmless.
type Surface interface {
	Mount(p sky.Particle, onDone func())
	Unmount(id string)
	Freeze()
	Thaw()
}

// Config controls spawn pacing.
type Config struct {
	SpawnInterval time.Duration
	InitialBurst  int
	FrameInterval time.Duration
	SafetyMargin  time.Duration
}

// DefaultConfig spawns one cloud a second after a burst of 16.
func DefaultConfig() Config {
	return Config{
		SpawnInterval: time.Second,
		InitialBurst:  16,
		FrameInterval: 16 * time.Millisecond,
		SafetyMargin:  2 * time.Second,
	}
}

// AfterFunc runs f once after d unless the returned stop function is called first.
// f must not be invoked synchronously.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

// FrameSource returns a channel delivering one timestamp per display frame and a release func.
type FrameSource func(interval time.Duration) (<-chan time.Time, func())

func timeAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

func tickerFrames(interval time.Duration) (<-chan time.Time, func()) {
	ticker := time.NewTicker(interval)
	return ticker.C, ticker.Stop
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithAfterFunc replaces the fallback retirement timer.
func WithAfterFunc(f AfterFunc) Option {
	return func(s *Scheduler) { s.afterFunc = f }
}

// WithFrameSource replaces the frame ticker.
func WithFrameSource(f FrameSource) Option {
	return func(s *Scheduler) { s.frames = f }
}

// WithClock replaces the clock used for fallback deadlines.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// clockState carries time between frames. It is reset on every start so a long pause
// never turns into a burst of spawns.
type clockState struct {
	last        time.Time
	started     bool
	accumulated time.Duration
}

func (c *clockState) advance(now time.Time, interval time.Duration) int {
	if !c.started {
		c.started = true
		c.last = now
		return 0
	}

	elapsed := now.Sub(c.last)
	if elapsed < 0 {
		elapsed = 0
	}
	c.last = now
	c.accumulated += elapsed

	spawns := 0
	for interval > 0 && c.accumulated >= interval {
		spawns++
		c.accumulated -= interval
	}
	return spawns
}

type liveParticle struct {
	particle  sky.Particle
	deadline  time.Time
	remaining time.Duration
	stop      func() bool
}

// Scheduler spawns particles at a fixed cadence while running.
type Scheduler struct {
	cfg       Config
	surface   Surface
	gen       *Generator
	afterFunc AfterFunc
	frames    FrameSource
	now       func() time.Time

	mu       sync.Mutex
	running  bool
	closed   bool
	frozen   bool
	stopCh   chan struct{}
	loopDone chan struct{}
	clock    clockState
	live     map[string]*liveParticle
}

// NewScheduler builds a stopped scheduler.
func NewScheduler(cfg Config, surface Surface, gen *Generator, opts ...Option) *Scheduler {
	if gen == nil {
		gen = NewGenerator(nil)
	}
	s := &Scheduler{
		cfg:       cfg,
		surface:   surface,
		gen:       gen,
		afterFunc: timeAfterFunc,
		frames:    tickerFrames,
		now:       time.Now,
		live:      make(map[string]*liveParticle),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Seed spawns the initial burst.
func (s *Scheduler) Seed() {
	for i := 0; i < s.cfg.InitialBurst; i++ {
		s.spawn(true)
	}
}

// Start begins the frame loop. It is a no-op while running or after Close.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.closed {
		return
	}

	s.running = true
	s.clock = clockState{}
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})
	go s.loop(s.stopCh, s.loopDone)

	metrics.SetSchedulerRunning(true)
	log.Debug().Msg("sky: scheduler started")
}

// Stop halts the frame loop and waits for it to exit. It is a no-op while stopped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.loopDone
	s.mu.Unlock()

	<-done
	metrics.SetSchedulerRunning(false)
	log.Debug().Msg("sky: scheduler stopped")
}

// Running reports whether the frame loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SetVisible couples the scheduler to page visibility. Hidden pages stop spawning and
// freeze both the animations and the fallback timers.
func (s *Scheduler) SetVisible(visible bool) {
	if !visible {
		s.Stop()
		s.freeze()
		return
	}
	s.thaw()
	s.Start()
}

// Tick processes one display frame and returns how many particles it spawned.
// The first tick after Start only records the baseline.
func (s *Scheduler) Tick(now time.Time) int {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return 0
	}
	spawns := s.clock.advance(now, s.cfg.SpawnInterval)
	s.mu.Unlock()

	for i := 0; i < spawns; i++ {
		s.spawn(false)
	}
	return spawns
}

// Accumulated returns the leftover time carried to the next tick.
func (s *Scheduler) Accumulated() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.accumulated
}

// Complete retires a particle whose animation finished. It reports whether the particle was live.
func (s *Scheduler) Complete(id string) bool {
	return s.retire(id, RetiredByCompletion)
}

// Live returns the number of mounted particles.
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Close stops the loop and retires every particle. The scheduler cannot be restarted.
func (s *Scheduler) Close() {
	s.Stop()

	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.retire(id, RetiredByClose)
	}
}

func (s *Scheduler) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	frames, release := s.frames(s.cfg.FrameInterval)
	defer release()

	for {
		select {
		case <-stop:
			return
		case now := <-frames:
			s.Tick(now)
		}
	}
}

func (s *Scheduler) spawn(initial bool) {
	p := s.gen.Next(initial)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	entry := &liveParticle{particle: p, remaining: p.Lifetime(s.cfg.SafetyMargin)}
	s.live[p.ID] = entry
	s.mu.Unlock()

	metrics.ObserveSpawn(initial)
	s.surface.Mount(p, func() { s.retire(p.ID, RetiredByCompletion) })

	s.mu.Lock()
	if current, ok := s.live[p.ID]; ok && current == entry && !s.frozen {
		s.armLocked(entry)
	}
	s.mu.Unlock()
}

func (s *Scheduler) armLocked(entry *liveParticle) {
	id := entry.particle.ID
	entry.deadline = s.now().Add(entry.remaining)
	entry.stop = s.afterFunc(entry.remaining, func() { s.retire(id, RetiredByFallback) })
}

func (s *Scheduler) retire(id, path string) bool {
	s.mu.Lock()
	entry, ok := s.live[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.live, id)
	if entry.stop != nil {
		entry.stop()
	}
	s.mu.Unlock()

	s.surface.Unmount(id)
	metrics.ObserveRetire(path)
	return true
}

func (s *Scheduler) freeze() {
	s.mu.Lock()
	if s.frozen {
		s.mu.Unlock()
		return
	}
	s.frozen = true
	now := s.now()
	for _, entry := range s.live {
		if entry.stop == nil {
			continue
		}
		entry.stop()
		entry.stop = nil
		entry.remaining = entry.deadline.Sub(now)
		if entry.remaining < 0 {
			entry.remaining = 0
		}
	}
	s.mu.Unlock()

	s.surface.Freeze()
}

func (s *Scheduler) thaw() {
	s.mu.Lock()
	if !s.frozen {
		s.mu.Unlock()
		return
	}
	s.frozen = false
	for _, entry := range s.live {
		s.armLocked(entry)
	}
	s.mu.Unlock()

	s.surface.Thaw()
}
