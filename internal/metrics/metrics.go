package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors, registered via Register.
var (
	regOK atomic.Bool

	appStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appstead",
			Subsystem: "app",
			Name:      "starts_total",
			Help:      "Number of successful app starts.",
		}, []string{"app"},
	)
	appStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appstead",
			Subsystem: "app",
			Name:      "stops_total",
			Help:      "Number of app stops (graceful or kill).",
		}, []string{"app"},
	)
	appRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appstead",
			Subsystem: "app",
			Name:      "restarts_total",
			Help:      "Number of automatic relaunches by the supervisor.",
		}, []string{"app"},
	)
	runningApps = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "appstead",
			Subsystem: "app",
			Name:      "running",
			Help:      "Current number of apps in RUNNING state.",
		},
	)
	scheduleFires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appstead",
			Subsystem: "schedule",
			Name:      "fires_total",
			Help:      "Number of schedule fires that launched an execution.",
		}, []string{"app"},
	)
	scheduleSkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appstead",
			Subsystem: "schedule",
			Name:      "skips_total",
			Help:      "Number of fires skipped because a run was still active.",
		}, []string{"app"},
	)
	scheduleNextFire = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "appstead",
			Subsystem: "schedule",
			Name:      "next_fire_timestamp",
			Help:      "Unix time of the next computed fire per schedule.",
		}, []string{"app", "schedule"},
	)
	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "appstead",
			Subsystem: "execution",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of finalized executions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"app", "status"},
	)
	executionTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appstead",
			Subsystem: "execution",
			Name:      "timeouts_total",
			Help:      "Number of executions force-killed at their timeout.",
		}, []string{"app"},
	)
)

// Register registers all collectors with reg (defaults to the global
// registry when nil). Safe to call more than once.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	cs := []prometheus.Collector{
		appStarts, appStops, appRestarts, runningApps,
		scheduleFires, scheduleSkips, scheduleNextFire,
		executionDuration, executionTimeouts,
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler exposes the default registry over HTTP.
func Handler() http.Handler { return promhttp.Handler() }

func IncStart(app string)   { appStarts.WithLabelValues(app).Inc() }
func IncStop(app string)    { appStops.WithLabelValues(app).Inc() }
func IncRestart(app string) { appRestarts.WithLabelValues(app).Inc() }

func SetRunningApps(n int) { runningApps.Set(float64(n)) }

func IncScheduleFire(app string) { scheduleFires.WithLabelValues(app).Inc() }
func IncScheduleSkip(app string) { scheduleSkips.WithLabelValues(app).Inc() }

func SetScheduleNextFire(app, schedule string, unix float64) {
	scheduleNextFire.WithLabelValues(app, schedule).Set(unix)
}

func ObserveExecutionDuration(app, status string, seconds float64) {
	executionDuration.WithLabelValues(app, status).Observe(seconds)
}

func IncExecutionTimeout(app string) { executionTimeouts.WithLabelValues(app).Inc() }
