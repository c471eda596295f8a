// Package metrics exposes the prometheus counters and gauges the finality
// core emits at its observable boundaries: fork database block adds, vote
// outcomes, QC completions, root advances, fork switches, and fork-db
// size (§4.6, §4.7). Call sites reach these as package-level functions
// rather than through an injected collector, matching how the rest of the
// corpus (github.com/prysmaticlabs/prysm's beacon-chain/sync package)
// registers promauto metrics once at package init and calls them directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	blocksAdded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "savanna_finality_blocks_added_total",
			Help: "Count of blocks added to the fork database, by outcome.",
		},
		[]string{"outcome"},
	)

	votesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "savanna_finality_votes_total",
			Help: "Count of votes processed by aggregating QCs, by result.",
		},
		[]string{"result"},
	)

	qcCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "savanna_finality_qc_completed_total",
			Help: "Count of aggregating QCs that reached quorum.",
		},
	)

	rootAdvances = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "savanna_finality_root_advances_total",
			Help: "Count of fork database root advances (finalizations).",
		},
	)

	forkSwitches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "savanna_finality_fork_switches_total",
			Help: "Count of best-branch changes to a previously non-best fork.",
		},
	)

	equivocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "savanna_finality_equivocations_total",
			Help: "Count of rejected votes that produced equivocation evidence, by kind.",
		},
		[]string{"kind"},
	)

	forkDBSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "savanna_finality_forkdb_blocks",
			Help: "Current number of candidate block-states held by the fork database.",
		},
	)
)

// RecordBlockAdded increments the blocks-added counter for the given
// fork database AddOutcome string (e.g. "added", "fork_switch", "duplicate").
func RecordBlockAdded(outcome string) {
	blocksAdded.WithLabelValues(outcome).Inc()
	if outcome == "fork_switch" {
		forkSwitches.Inc()
	}
}

// RecordVote increments the votes-processed counter for the given
// qc.VoteResult string (e.g. "success", "duplicate", "unknown_public_key").
func RecordVote(result string) {
	votesProcessed.WithLabelValues(result).Inc()
}

// RecordQCCompleted increments the QC-completed counter.
func RecordQCCompleted() {
	qcCompleted.Inc()
}

// RecordRootAdvance increments the root-advance counter.
func RecordRootAdvance() {
	rootAdvances.Inc()
}

// RecordEquivocation increments the equivocation counter for the given
// kind ("duplicate_mode_mismatch" or "conflicting_dual_vote").
func RecordEquivocation(kind string) {
	equivocations.WithLabelValues(kind).Inc()
}

// SetForkDBSize sets the fork-db size gauge to n.
func SetForkDBSize(n int) {
	forkDBSize.Set(float64(n))
}
