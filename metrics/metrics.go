package metrics

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/perfinfra/jmrunner/types"
)

const (
	MetricsNamespace = "jmrunner"
)

var (
	Debug                bool = false
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "runs_total",
		Help:      "Count of runs by profile and final state",
	}, []string{
		"profile",
		"state",
	})

	activeRuns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "active_runs",
		Help:      "Number of non-terminal runs per profile",
	}, []string{
		"profile",
	})

	spawnErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "spawn_errors_total",
		Help:      "Count of engine spawn failures",
	}, []string{
		"profile",
	})

	terminationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "terminations_total",
		Help:      "Count of termination attempts by outcome",
	}, []string{
		"outcome",
	})

	runDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Duration of the most recently finished run per profile",
	}, []string{
		"profile",
	})

	httpResponsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "http_responses_total",
		Help:      "Count of API responses by status code",
	}, []string{
		"status_code",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

// RecordRunFinished records the terminal state and duration of a run.
func RecordRunFinished(profile types.Profile, state types.RunState, duration time.Duration) {
	if Debug {
		log.Debug("metric inc",
			"m", "runs_total",
			"profile", profile,
			"state", state,
			"duration", duration)
	}
	runsTotal.WithLabelValues(string(profile), string(state)).Inc()
	runDuration.WithLabelValues(string(profile)).Set(duration.Seconds())
}

// RecordActiveRuns sets the active-run gauge for a profile.
func RecordActiveRuns(profile types.Profile, n int) {
	activeRuns.WithLabelValues(string(profile)).Set(float64(n))
}

// RecordSpawnError counts a failed engine spawn.
func RecordSpawnError(profile types.Profile) {
	spawnErrorsTotal.WithLabelValues(string(profile)).Inc()
}

// RecordTermination counts a termination attempt; outcome is "confirmed"
// when the process was seen to die and "stuck" when it outlived the kill.
func RecordTermination(outcome string) {
	terminationsTotal.WithLabelValues(outcome).Inc()
}

// RecordHTTPResponse counts an API response by status code.
func RecordHTTPResponse(statusCode int) {
	httpResponsesTotal.WithLabelValues(fmt.Sprintf("%d", statusCode)).Inc()
}
