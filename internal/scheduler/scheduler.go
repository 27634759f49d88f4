// Package scheduler implements job-to-drone matchmaking: a distance
// clustered greedy scheduler grounded directly on pool resource costs, and
// an HTCondor-flavoured ClassAd matchmaker that ranks and filters
// candidates through Requirements/Rank/PreJobRank expressions.
package scheduler

import (
	"sort"

	"github.com/samber/lo"

	"github.com/MatterMiners/lapis/internal/job"
	"github.com/MatterMiners/lapis/internal/kernel"
)

// Sample is pushed to the monitoring queue whenever the job queue or the
// scheduler's own bookkeeping changes.
type Sample struct {
	Scheduler any
	QueueLen  int
}

// jobQueue is a simple FIFO slice of pending jobs, mutated in place the way
// the source iterates and deletes by index during one scheduling pass.
type jobQueue []*job.Job

func (q jobQueue) indexOf(j *job.Job) int {
	for i, c := range q {
		if c == j {
			return i
		}
	}
	return -1
}

// capacityKeys returns resources' keys that name an actual drone capacity
// dimension (cores, memory, disk, ...), excluding "walltime" — a job's
// duration, not something a drone allocates space for.
func capacityKeys(resources map[string]float64) []string {
	out := lo.Keys(requestedResourceMap(resources))
	sort.Strings(out)
	return out
}

// requestedResourceMap returns resources with "walltime" removed, for
// feeding into mapKeys alongside a drone's pool resources.
func requestedResourceMap(resources map[string]float64) map[string]float64 {
	return lo.OmitByKeys(resources, []string{"walltime"})
}

// mapKeys returns the deduplicated union of every map's keys, sorted for
// a stable iteration order across scheduling passes.
func mapKeys(ms ...map[string]float64) []string {
	var out []string
	for _, m := range ms {
		out = lo.Union(out, lo.Keys(m))
	}
	sort.Strings(out)
	return out
}

// runUntilDrained repeatedly calls schedule every interval, stopping once
// the upstream feed has closed, the job queue is empty, and no job is
// in-flight. Shared by both scheduler implementations' Run loops.
func runUntilDrained(t *kernel.Task, interval float64, schedule func(), done func() bool) {
	for {
		schedule()
		t.Delay(interval)
		if t.Cancelled() {
			return
		}
		if done() {
			return
		}
	}
}
