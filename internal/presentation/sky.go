package presentation

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/skychat/backend/internal/events"
	"github.com/zhouzirui/skychat/backend/internal/model/sky"
)

// Sky event names.
const (
	EventMount   = "mount"
	EventUnmount = "unmount"
	EventFreeze  = "freeze"
	EventThaw    = "thaw"
)

// SkySurface publishes particle lifecycle events on the sky topic and routes
// animation-end notifications from clients back to the scheduler.
type SkySurface struct {
	pub Publisher

	mu        sync.Mutex
	mounted   map[string]sky.Particle
	callbacks map[string]func()
	frozen    bool
}

// NewSkySurface builds a surface publishing to pub.
func NewSkySurface(pub Publisher) *SkySurface {
	return &SkySurface{
		pub:       pub,
		mounted:   make(map[string]sky.Particle),
		callbacks: make(map[string]func()),
	}
}

func (s *SkySurface) publish(event string, data any) {
	if err := s.pub.Publish(events.TopicSky, event, data); err != nil {
		log.Warn().Err(err).Str("event", event).Msg("presentation: sky publish failed")
	}
}

func (s *SkySurface) Mount(p sky.Particle, onDone func()) {
	s.mu.Lock()
	s.mounted[p.ID] = p
	s.callbacks[p.ID] = onDone
	s.mu.Unlock()

	s.publish(EventMount, p.ToWire())
}

func (s *SkySurface) Unmount(id string) {
	s.mu.Lock()
	delete(s.mounted, id)
	delete(s.callbacks, id)
	s.mu.Unlock()

	s.publish(EventUnmount, map[string]string{"id": id})
}

func (s *SkySurface) Freeze() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
	s.publish(EventFreeze, nil)
}

func (s *SkySurface) Thaw() {
	s.mu.Lock()
	s.frozen = false
	s.mu.Unlock()
	s.publish(EventThaw, nil)
}

// Notify reports that a client saw the animation for id end. It returns false for
// unknown or already retired particles.
func (s *SkySurface) Notify(id string) bool {
	s.mu.Lock()
	cb, ok := s.callbacks[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	cb()
	return true
}

// Mounted returns the particles currently on screen ordered by ID, for client snapshots.
func (s *SkySurface) Mounted() []sky.Wire {
	s.mu.Lock()
	out := make([]sky.Wire, 0, len(s.mounted))
	for _, p := range s.mounted {
		out = append(out, p.ToWire())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Frozen reports whether animations are paused.
func (s *SkySurface) Frozen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frozen
}
