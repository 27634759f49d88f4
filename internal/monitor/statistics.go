package monitor

import (
	"fmt"
	"math"
	"reflect"

	"github.com/MatterMiners/lapis/internal/drone"
	"github.com/MatterMiners/lapis/internal/job"
	"github.com/MatterMiners/lapis/internal/pool"
	"github.com/MatterMiners/lapis/internal/scheduler"
	"github.com/MatterMiners/lapis/internal/storage"
)

// identity returns a stable per-process tag for an object with no natural
// name of its own (a Pool or Drone), derived from its pointer identity.
func identity(v any) string {
	return fmt.Sprintf("%p", v)
}

func jobCount(p pool.Pool) int {
	n := 0
	for _, d := range p.Drones() {
		n += d.Jobs()
	}
	return n
}

func cobaldStatus(s pool.Sample) []Record {
	p := s.Pool
	return []Record{{
		Name: "cobald_status",
		Fields: map[string]any{
			"pool_type":   s.Type,
			"pool":        identity(p),
			"allocation":  p.Allocation(),
			"utilisation": p.Utilisation(),
			"demand":      p.Demand(),
			"supply":      p.Supply(),
			"job_count":   jobCount(p),
		},
	}}
}

func userDemand(s pool.Sample) []Record {
	return []Record{{
		Name:   "user_demand",
		Fields: map[string]any{"value": s.Pool.Demand()},
	}}
}

func resourceStatus(s drone.Sample) []Record {
	id := identity(s.Drone)
	statuses := s.Drone.ResourceStatuses()
	out := make([]Record, 0, len(statuses))
	for resourceType, rs := range statuses {
		out = append(out, Record{
			Name: "resource_status",
			Fields: map[string]any{
				"resource_type":   resourceType,
				"pool":            id,
				"used_ratio":      rs.Used,
				"requested_ratio": rs.Requested,
			},
		})
	}
	return out
}

// jobEvent reports queueing and outcome fields as they become known: a job
// still waiting carries only queue_time, a dispatched one adds
// waiting_time, a finished one adds wall_time/success, and a kill-on-overuse
// cancellation adds one exceeded_<resource> field per overrun key.
func jobEvent(s job.Sample) []Record {
	j := s.Job
	fields := map[string]any{
		"pool":       identity(j.Drone),
		"job":        j.Name,
		"queue_time": j.QueueDate,
	}
	if wt := j.WaitingTime(); !math.IsInf(wt, 1) {
		fields["waiting_time"] = wt
	}
	if j.Success != job.Unknown {
		fields["wall_time"] = j.Walltime()
		fields["success"] = j.Success == job.Succeeded
	}
	if j.Success == job.Failed && j.FailedMatches > 0 {
		fields["refused_by"] = "scheduler"
	}
	for resourceType, amount := range s.Exceeded {
		fields["exceeded_"+resourceType] = amount
	}
	return []Record{{Name: "job_event", Fields: fields}}
}

func storageStatus(s storage.Sample) []Record {
	elem := s.Storage
	return []Record{{
		Name: "storage_status",
		Fields: map[string]any{
			"storage":       elem.Name(),
			"usedstorage":   elem.Used(),
			"storagesize":   elem.Size(),
			"numberoffiles": elem.NumberOfFiles(),
		},
	}}
}

func pipeStatus(s storage.PipeSample) []Record {
	scale := 1.0
	if s.RequestedThroughput > 0 && s.Throughput < s.RequestedThroughput {
		scale = s.Throughput / s.RequestedThroughput
	}
	return []Record{{
		Name: "pipe_status",
		Fields: map[string]any{
			"pipe":                 s.Name,
			"throughput":           s.Throughput,
			"requested_throughput": s.RequestedThroughput,
			"throughput_scale":     scale,
			"no_subscribers":       s.NoSubscribers,
		},
	}}
}

func hitrateEvaluation(s storage.HitrateSample) []Record {
	return []Record{{
		Name: "hitrate_evaluation",
		Fields: map[string]any{
			"hitrate":      s.Hitrate,
			"volume":       s.UsedSize,
			"providesfile": s.ProvidesFile,
		},
	}}
}

// schedulerStatus is a supplemental statistic beyond the spec's minimum
// shapes, reporting pending queue depth for whichever scheduler is in use.
func schedulerStatus(s scheduler.Sample) []Record {
	return []Record{{
		Name: "scheduler_status",
		Fields: map[string]any{
			"scheduler":    identity(s.Scheduler),
			"queue_length": s.QueueLen,
		},
	}}
}

func defaultWhitelist() map[reflect.Type][]Statistic {
	typeOf := func(v any) reflect.Type { return reflect.TypeOf(v) }
	return map[reflect.Type][]Statistic{
		typeOf(pool.Sample{}):           {wrap(cobaldStatus), wrap(userDemand)},
		typeOf(drone.Sample{}):          {wrap(resourceStatus)},
		typeOf(job.Sample{}):            {wrap(jobEvent)},
		typeOf(storage.Sample{}):        {wrap(storageStatus)},
		typeOf(storage.PipeSample{}):    {wrap(pipeStatus)},
		typeOf(storage.HitrateSample{}): {wrap(hitrateEvaluation)},
		typeOf(scheduler.Sample{}):      {wrap(schedulerStatus)},
	}
}
