package presentation

import (
	"github.com/zhouzirui/skychat/backend/internal/model/chat"
	"github.com/zhouzirui/skychat/backend/internal/model/sky"
)

// Snapshot is the full state a newly connected client renders before applying events.
type Snapshot struct {
	Messages  []chat.Message `json:"messages"`
	Pending   bool           `json:"pending"`
	Particles []sky.Wire     `json:"particles"`
	Frozen    bool           `json:"frozen"`
}

// ChatState exposes the committed log.
type ChatState interface {
	Messages() []chat.Message
	Pending() bool
}

// Snapshotter builds snapshots from the engine and, when the sky is enabled, the surface.
func Snapshotter(state ChatState, surface *SkySurface) func() any {
	return func() any {
		snap := Snapshot{
			Messages:  state.Messages(),
			Pending:   state.Pending(),
			Particles: []sky.Wire{},
		}
		if snap.Messages == nil {
			snap.Messages = []chat.Message{}
		}
		if surface != nil {
			snap.Particles = surface.Mounted()
			snap.Frozen = surface.Frozen()
		}
		return snap
	}
}
