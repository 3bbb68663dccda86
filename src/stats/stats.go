// Package stats records per-phase timings and the final outcome of one
// hybrid build invocation, pushing them to a Prometheus pushgateway the
// way please's own src/metrics/prometheus.go pushes build/cache/test
// counters and histograms - a transient CLI process can't wait for
// Prometheus to scrape it, so it has to push on exit instead.
package stats

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("stats")

// Phase names one of the named timers a hybrid build reports, matching
// the phase vocabulary a build-report consumer expects to see.
type Phase string

// Named phases, in the order they normally occur.
const (
	LocalPreparation           Phase = "LOCAL_PREPARATION"
	LocalGraphConstruction     Phase = "LOCAL_GRAPH_CONSTRUCTION"
	PerformLocalBuild          Phase = "PERFORM_LOCAL_BUILD"
	PostBuildAnalysis          Phase = "POST_BUILD_ANALYSIS"
	PostDistributedBuildSteps  Phase = "POST_DISTRIBUTED_BUILD_LOCAL_STEPS"
)

var allPhases = []Phase{
	LocalPreparation,
	LocalGraphConstruction,
	PerformLocalBuild,
	PostBuildAnalysis,
	PostDistributedBuildSteps,
}

var buckets = []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 25.0, 50.0, 100.0, 250.0, 500.0}

// ClientStats accumulates one build invocation's timings and final
// outcome. It's safe for concurrent use since the orchestrator marks
// phases from multiple goroutines (local and remote run concurrently).
type ClientStats struct {
	mu sync.Mutex

	start        time.Time
	phaseStart   time.Time
	currentPhase Phase
	durations    map[Phase]time.Duration

	localExitCode  int
	remoteExitCode int
	fellBack       bool
	errMsg         string

	registry  *prometheus.Registry
	histogram *prometheus.HistogramVec
	exitGauge *prometheus.GaugeVec
}

// New creates a ClientStats and its Prometheus registry, ready to accept
// MarkPhase/SetExitCodes/SetFallback/SetError calls.
func New() *ClientStats {
	constLabels := prometheus.Labels{}
	registry := prometheus.NewRegistry()
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "distbuild_phase_duration_seconds",
		Help:        "Duration of each named phase of a hybrid build",
		Buckets:     buckets,
		ConstLabels: constLabels,
	}, []string{"phase"})
	exitGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "distbuild_exit_code",
		Help:        "Final local/remote exit codes of the last build",
		ConstLabels: constLabels,
	}, []string{"side"})

	registry.MustRegister(histogram, exitGauge)

	now := time.Now()
	return &ClientStats{
		start:        now,
		phaseStart:   now,
		currentPhase: LocalPreparation,
		durations:    map[Phase]time.Duration{},
		registry:     registry,
		histogram:    histogram,
		exitGauge:    exitGauge,
	}
}

// MarkPhase closes out whatever phase was previously running (if any)
// and starts timing name. Call it once per phase transition; the last
// phase is closed out by Finish.
func (s *ClientStats) MarkPhase(name Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.durations[s.currentPhase] += now.Sub(s.phaseStart)
	s.phaseStart = now
	s.currentPhase = name
}

// SetExitCodes records the local and remote side's exit codes.
func (s *ClientStats) SetExitCodes(local, remote int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localExitCode = local
	s.remoteExitCode = remote
}

// SetFallback records whether this build fell back from remote to local.
func (s *ClientStats) SetFallback(fellBack bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fellBack = fellBack
}

// SetError records the fatal error message for this build, if any.
func (s *ClientStats) SetError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errMsg = msg
}

// Summary is the structured, human/machine-readable snapshot written
// alongside the Prometheus push.
type Summary struct {
	Durations      map[Phase]time.Duration
	LocalExitCode  int
	RemoteExitCode int
	FellBack       bool
	Error          string
	TotalDuration  time.Duration
}

// Finish closes out the currently running phase, builds the final
// Summary, and pushes everything to the given pushgateway URL if
// non-empty (a no-op push target just skips the network call, the same
// tolerant behaviour please's metrics.InitFromConfig has for an unset
// PushGatewayURL).
func (s *ClientStats) Finish(pushGatewayURL string) Summary {
	s.mu.Lock()
	now := time.Now()
	s.durations[s.currentPhase] += now.Sub(s.phaseStart)
	summary := Summary{
		Durations:      cloneDurations(s.durations),
		LocalExitCode:  s.localExitCode,
		RemoteExitCode: s.remoteExitCode,
		FellBack:       s.fellBack,
		Error:          s.errMsg,
		TotalDuration:  now.Sub(s.start),
	}
	for phase, d := range s.durations {
		s.histogram.WithLabelValues(string(phase)).Observe(d.Seconds())
	}
	s.exitGauge.WithLabelValues("local").Set(float64(s.localExitCode))
	s.exitGauge.WithLabelValues("remote").Set(float64(s.remoteExitCode))
	s.mu.Unlock()

	if pushGatewayURL != "" {
		if err := push.New(pushGatewayURL, "distbuild").Gatherer(s.registry).Push(); err != nil {
			log.Warning("failed to push build stats: %s", err)
		}
	}
	return summary
}

func cloneDurations(d map[Phase]time.Duration) map[Phase]time.Duration {
	out := make(map[Phase]time.Duration, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// WriteSummaryFile writes summary as a simple human-readable report to
// path, the --build-report-equivalent this package owns (the real
// --build-report target-by-target format lives with the local build
// executor, out of scope here).
func WriteSummaryFile(path string, summary Summary) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("writing stats summary: %w", err)
	}
	defer f.Close()
	for _, phase := range allPhases {
		if d, ok := summary.Durations[phase]; ok {
			fmt.Fprintf(f, "%s: %s\n", phase, d)
		}
	}
	fmt.Fprintf(f, "local_exit_code: %d\n", summary.LocalExitCode)
	fmt.Fprintf(f, "remote_exit_code: %d\n", summary.RemoteExitCode)
	fmt.Fprintf(f, "fell_back: %t\n", summary.FellBack)
	if summary.Error != "" {
		fmt.Fprintf(f, "error: %s\n", summary.Error)
	}
	fmt.Fprintf(f, "total_duration: %s\n", summary.TotalDuration)
	return nil
}
