package main

import (
	"fmt"
	"math"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MatterMiners/lapis/internal/drone"
	"github.com/MatterMiners/lapis/internal/job"
	"github.com/MatterMiners/lapis/internal/kernel"
	"github.com/MatterMiners/lapis/internal/monitor"
	"github.com/MatterMiners/lapis/internal/pool"
	"github.com/MatterMiners/lapis/internal/scheduler"
	"github.com/MatterMiners/lapis/internal/sim"
	"github.com/MatterMiners/lapis/internal/simio"
	"github.com/MatterMiners/lapis/internal/storage"
)

// poolFiles bundles the pool-export paths a run subcommand was given,
// tagged by whether each should become a StaticPool or an ElasticPool.
type poolFiles struct {
	static  []string
	dynamic []string
}

// runInputs bundles the flags every subcommand shares, beyond the elastic
// vs static split, which each subcommand supplies on top.
type runInputs struct {
	jobFile          string
	jobFormat        string
	storageIndex     string
	storageContent   string
	site             string
	remoteThroughput float64
	cacheHitrate     float64
	hasCacheHitrate  bool
}

func addSharedRunFlags(cmd *cobra.Command, in *runInputs) {
	flags := cmd.Flags()
	flags.StringVar(&in.jobFile, "job-file", "", "path to a job trace (required)")
	flags.StringVar(&in.jobFormat, "job-format", "htcondor", "job trace format: htcondor|swf")
	flags.StringVar(&in.storageIndex, "storage-index-file", "", "path to a storage index CSV")
	flags.StringVar(&in.storageContent, "storage-content-file", "", "path to a storage content CSV")
	flags.StringVar(&in.site, "site", "", "site name whose per-file hitrates this run's connection should key requests by")
	flags.Float64Var(&in.remoteThroughput, "remote-throughput", 0, "wide-area link throughput in bytes/s (default 1 GB/s)")
	flags.Float64Var(&in.cacheHitrate, "cache-hitrate", 0, "if set, serve all input files through a single HitrateStorage at this hitrate")
	_ = cmd.MarkFlagRequired("job-file")
}

func runSimulator(cmd *cobra.Command, opts *Options, in *runInputs, files poolFiles) error {
	opts.UntilSet = cmd.Flags().Changed("until")
	opts.HasCalcEfficiency = cmd.Flags().Changed("calculation-efficiency")
	in.hasCacheHitrate = cmd.Flags().Changed("cache-hitrate")

	logger, err := newLogger(opts)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	e := kernel.New()
	monitorQueue := kernel.NewQueue[any](e)
	dispatcher := monitor.New(monitor.Config{Queue: monitorQueue, Logger: logger, DedupWindow: 0})

	if opts.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(dispatcher.Registry(), promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: opts.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		defer srv.Close() //nolint:errcheck
	}

	var connection *storage.Connection
	if in.storageIndex != "" || in.hasCacheHitrate {
		connection = storage.NewConnection(e, storage.Config{
			Site:             in.site,
			RemoteThroughput: in.remoteThroughput,
			FileBasedCaching: in.storageIndex != "",
			Monitor:          monitorQueue,
			Rand:             newRand(opts),
		})
		if in.hasCacheHitrate {
			connection.AddStorage(storage.NewHitrateStorage(e, storage.HitrateConfig{
				Name:    "hitrate",
				Hitrate: in.cacheHitrate,
			}))
		}
		if in.storageIndex != "" {
			if err := loadStorageElements(e, connection, in, monitorQueue); err != nil {
				return err
			}
		}
	}

	stream := kernel.NewQueue[*job.Job](e)
	sched := scheduler.NewCondorJobScheduler(stream, monitorQueue)

	pools, err := buildPools(e, files, sched, connection, opts, monitorQueue)
	if err != nil {
		return err
	}

	jobs, err := loadJobs(in)
	if err != nil {
		return err
	}

	var controllers []sim.Controller
	for _, p := range pools {
		if ep, ok := p.(*pool.ElasticPool); ok {
			controllers = append(controllers, pool.NewRelativeSupplyController(ep, 0.2, 0.8, 0.9, 1.5, 10))
		}
	}

	var until *float64
	if opts.UntilSet {
		u := opts.Until
		until = &u
	}

	s := sim.New(e, sim.Config{
		Queue:       stream,
		Pools:       pools,
		Connection:  connection,
		Controllers: controllers,
		Scheduler:   sched,
		Monitor:     dispatcher,
		Reader: func(t *kernel.Task, queue *kernel.Queue[*job.Job]) {
			idx := 0
			job.ReplayToQueue(t, func() (*job.Job, bool) {
				if idx >= len(jobs) {
					return nil, false
				}
				j := jobs[idx]
				idx++
				return j, true
			}, queue)
		},
	})

	s.Run(until)
	logger.Info("run complete", zap.Float64("duration", s.Duration()), zap.Int("jobs", len(jobs)))
	return nil
}

func loadJobs(in *runInputs) ([]*job.Job, error) {
	f, err := os.Open(in.jobFile)
	if err != nil {
		return nil, fmt.Errorf("lapissim: opening job file: %w", err)
	}
	defer f.Close()

	var jobs []*job.Job
	switch in.jobFormat {
	case "swf":
		for j := range simio.SWFJobReader(f) {
			jobs = append(jobs, j)
		}
	case "htcondor", "":
		for j := range simio.HTCondorJobReader(f, zap.NewNop()) {
			jobs = append(jobs, j)
		}
	default:
		return nil, fmt.Errorf("lapissim: unknown job format %q", in.jobFormat)
	}
	return jobs, nil
}

func loadStorageElements(e *kernel.Engine, connection *storage.Connection, in *runInputs, monitorQueue *kernel.Queue[any]) error {
	index, err := os.Open(in.storageIndex)
	if err != nil {
		return fmt.Errorf("lapissim: opening storage index: %w", err)
	}
	defer index.Close()

	var content *os.File
	if in.storageContent != "" {
		content, err = os.Open(in.storageContent)
		if err != nil {
			return fmt.Errorf("lapissim: opening storage content: %w", err)
		}
		defer content.Close()
	}

	var specs []simio.StorageSpec
	if content != nil {
		specs, err = simio.StorageCSVReader(index, content)
	} else {
		specs, err = simio.StorageCSVReader(index, nil)
	}
	if err != nil {
		return fmt.Errorf("lapissim: reading storage CSV: %w", err)
	}

	for _, spec := range specs {
		elem := storage.NewStorageElement(e, storage.ElementConfig{
			Name:            spec.Name,
			Site:            spec.Site,
			Size:            spec.StorageSize,
			ThroughputLimit: spec.ThroughputLimit,
			Monitor:         monitorQueue,
		})
		elem.Seed(spec.Files)
		connection.AddStorage(elem)
	}
	return nil
}

func buildPools(e *kernel.Engine, files poolFiles, sched *scheduler.CondorJobScheduler, connection *storage.Connection, opts *Options, monitorQueue *kernel.Queue[any]) ([]pool.Pool, error) {
	var pools []pool.Pool

	makeDroneFor := func(resources map[string]float64) pool.MakeDrone {
		return func(schedulingDuration float64) *drone.Drone {
			cfg := drone.Config{
				Scheduler:          sched,
				PoolResources:      resources,
				IgnoreResources:    []string{"disk"},
				SchedulingDuration: schedulingDuration,
				CalculationEff:     opts.CalculationEfficiency,
				HasCalculationEff:  opts.HasCalcEfficiency,
				Monitor:            monitorQueue,
			}
			if connection != nil {
				cfg.Connection = connection
			}
			return drone.New(e, cfg)
		}
	}

	for _, path := range files.static {
		specs, err := readPoolFile(path)
		if err != nil {
			return nil, err
		}
		for _, spec := range specs {
			if math.IsInf(spec.Capacity, 1) {
				return nil, fmt.Errorf("lapissim: pool %q in %s has no fixed count (Count=None); give it via --dynamic-pool-file instead of --pool-file/--static-pool-file", spec.Site, path)
			}
			pools = append(pools, pool.NewStaticPool(spec.Capacity, makeDroneFor(spec.PoolResources), monitorQueue))
		}
	}
	for _, path := range files.dynamic {
		specs, err := readPoolFile(path)
		if err != nil {
			return nil, err
		}
		for _, spec := range specs {
			pools = append(pools, pool.NewElasticPool(spec.Capacity, makeDroneFor(spec.PoolResources), monitorQueue))
		}
	}
	return pools, nil
}

func readPoolFile(path string) ([]simio.PoolSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("lapissim: opening pool file %s: %w", path, err)
	}
	defer f.Close()
	specs, err := simio.HTCondorPoolReader(f)
	if err != nil {
		return nil, fmt.Errorf("lapissim: reading pool file %s: %w", path, err)
	}
	return specs, nil
}
