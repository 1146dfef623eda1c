package sky

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/skychat/backend/internal/model/sky"
)

const (
	imageCount = 12

	baseDuration   = 12.0 // seconds
	durationJitter = 4.0
	maxStartDelay  = 10.0

	minZ    = -2000.0
	zSpread = 1000.0
)

// Images lists the cloud sprites particles are drawn from.
func Images() []string {
	images := make([]string, imageCount)
	for i := range images {
		images[i] = fmt.Sprintf("img/webp/%d.webp", i+1)
	}
	return images
}

// Generator draws randomized particle parameters.
type Generator struct {
	mu     sync.Mutex
	rng    *rand.Rand
	images []string
	newID  func() string
}

// NewGenerator builds a Generator. A nil src is seeded from the clock.
func NewGenerator(src rand.Source) *Generator {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Generator{rng: rand.New(src), images: Images(), newID: uuid.NewString}
}

// Next returns a fresh particle. Initial particles get a negative delay so the seeded
// set starts at staggered points of its flight.
func (g *Generator) Next(initial bool) sky.Particle {
	g.mu.Lock()
	defer g.mu.Unlock()

	p := sky.Particle{ID: g.newID(), Initial: initial}
	p.Image = g.images[g.rng.Intn(len(g.images))]

	if g.rng.Float64() < 0.5 {
		p.LeftPct = g.rng.Float64()*50 - 75
	} else {
		p.LeftPct = g.rng.Float64()*50 + 50
	}
	p.TopPct = 20 + g.rng.Float64()*80

	p.ZStart = minZ + g.rng.Float64()*zSpread
	p.DriftPct = (g.rng.Float64() - 0.5) * 20

	// farther clouds drift slower
	depthFactor := 1 + math.Abs(p.ZStart)/2000*0.5
	seconds := (baseDuration + g.rng.Float64()*durationJitter) * depthFactor
	p.Duration = secondsToDuration(round2(seconds))

	if initial {
		p.Delay = secondsToDuration(-g.rng.Float64() * maxStartDelay)
	}
	p.OpacityPeak = round2(0.3 + g.rng.Float64()*0.5)
	return p
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
