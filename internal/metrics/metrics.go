package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skychat_messages_committed_total",
		Help: "Messages appended to the conversation log grouped by role",
	}, []string{"role"})

	replyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "skychat_reply_duration_seconds",
		Help:    "Time from user submission to committed assistant reply",
		Buckets: []float64{0.5, 1, 2, 4, 8, 16, 32},
	}, []string{"status"})

	particlesSpawned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skychat_particles_spawned_total",
		Help: "Cloud particles spawned grouped by phase",
	}, []string{"phase"})

	particlesRetired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skychat_particles_retired_total",
		Help: "Cloud particles removed grouped by the path that retired them",
	}, []string{"path"})

	particlesLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skychat_particles_live",
		Help: "Cloud particles currently mounted",
	})

	schedulerRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skychat_scheduler_running",
		Help: "1 while the particle scheduler loop is running",
	})
)

// ObserveMessage counts a committed message.
func ObserveMessage(role string) {
	if role == "" {
		role = "unknown"
	}
	messagesCommitted.WithLabelValues(role).Inc()
}

// ObserveReply records how long a submission took and how it ended.
func ObserveReply(status string, duration time.Duration) {
	if status == "" {
		status = "unknown"
	}
	replyDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveSpawn counts a spawned particle.
func ObserveSpawn(initial bool) {
	phase := "cadence"
	if initial {
		phase = "seed"
	}
	particlesSpawned.WithLabelValues(phase).Inc()
	particlesLive.Inc()
}

// ObserveRetire counts a removed particle.
func ObserveRetire(path string) {
	particlesRetired.WithLabelValues(path).Inc()
	particlesLive.Dec()
}

// SetSchedulerRunning flips the scheduler gauge.
func SetSchedulerRunning(running bool) {
	if running {
		schedulerRunning.Set(1)
		return
	}
	schedulerRunning.Set(0)
}
