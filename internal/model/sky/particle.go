package sky

import "time"

// Particle describes one decorative cloud. All fields are fixed at spawn time.
type Particle struct {
	ID          string        `json:"id"`
	Image       string        `json:"image"`
	LeftPct     float64       `json:"leftPct"`
	TopPct      float64       `json:"topPct"`
	ZStart      float64       `json:"zStart"`
	DriftPct    float64       `json:"driftPct"`
	Duration    time.Duration `json:"-"`
	Delay       time.Duration `json:"-"`
	OpacityPeak float64       `json:"opacityPeak"`
	Initial     bool          `json:"initial"`
}

// Lifetime is the worst-case time the particle stays on screen, plus margin.
// A negative delay starts the animation mid-flight and never extends the lifetime.
func (p Particle) Lifetime(margin time.Duration) time.Duration {
	delay := p.Delay
	if delay < 0 {
		delay = 0
	}
	return p.Duration + delay + margin
}

// Wire is the JSON form pushed to the browser, with CSS-ready second values.
type Wire struct {
	Particle
	DurationSeconds float64 `json:"durationSeconds"`
	DelaySeconds    float64 `json:"delaySeconds"`
}

// ToWire converts the particle to its browser representation.
func (p Particle) ToWire() Wire {
	return Wire{
		Particle:        p,
		DurationSeconds: p.Duration.Seconds(),
		DelaySeconds:    p.Delay.Seconds(),
	}
}
