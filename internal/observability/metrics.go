package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RedisErrors counts keyspace errors by command name.
	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beacon_redis_errors_total",
		Help: "Total number of Redis errors by command",
	}, []string{"command"})

	// ActiveSockets is the gauge of currently attached socket sessions.
	ActiveSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "beacon_active_sockets",
		Help: "Number of active socket sessions on this instance",
	})

	// FramesTotal counts frames by direction and type.
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beacon_frames_total",
		Help: "Total frames processed by direction and frame type",
	}, []string{"direction", "frame_type"})

	// FrameErrors counts error frames emitted by stable code.
	FrameErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beacon_frame_errors_total",
		Help: "Total error frames emitted by code",
	}, []string{"code"})

	// BackpressureDrops counts outbound frames dropped due to backpressure.
	BackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beacon_backpressure_drops_total",
		Help: "Total outbound frames dropped due to slow consumers",
	}, []string{"reason"})

	// RateLimitRejections counts sliding-window rejections by scope.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beacon_rate_limit_rejections_total",
		Help: "Total rate-limited frames by scope",
	}, []string{"scope"})

	// BusEvents counts cross-instance bus deliveries by channel.
	BusEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beacon_bus_events_total",
		Help: "Total cross-instance events received by channel",
	}, []string{"channel"})

	// BusDropped counts undecodable cross-instance events by channel.
	BusDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beacon_bus_dropped_total",
		Help: "Total cross-instance events dropped due to decode failure",
	}, []string{"channel"})

	// SweepRemovals counts stale presence entries removed by the sweep.
	SweepRemovals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beacon_presence_sweep_removals_total",
		Help: "Total stale presence entries removed by the background sweep",
	}, []string{"kind"})

	// GraceTimersActive is the gauge of pending local disconnect grace timers.
	GraceTimersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "beacon_grace_timers_active",
		Help: "Number of pending local disconnect grace timers",
	})
)
