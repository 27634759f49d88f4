package monitor

import (
	"reflect"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/hashstructure/v2"
	cache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/MatterMiners/lapis/internal/kernel"
)

// Config bundles a Dispatcher's construction parameters. A nil Logger falls
// back to zap.NewNop, a nil Registry to a fresh prometheus.NewRegistry.
type Config struct {
	Queue    *kernel.Queue[any]
	Logger   *zap.Logger
	Registry *prometheus.Registry
	// DedupWindow suppresses an identical repeat of the same record within
	// this real-time window; zero disables deduplication. This is a
	// wall-clock window, not simulated time: its purpose is to keep a
	// fast-forwarded run's real log output from flooding on a flapping
	// condition, not to model anything about the simulation itself.
	DedupWindow time.Duration
}

// Dispatcher drains a sampling queue, turns each arriving object into
// records via a per-concrete-type Statistic whitelist, and routes the
// records to structured logging and Prometheus.
type Dispatcher struct {
	queue     *kernel.Queue[any]
	runID     uuid.UUID
	logger    *zap.Logger
	registry  *prometheus.Registry
	whitelist map[reflect.Type][]Statistic
	gauges    map[string]*prometheus.GaugeVec
	dedup     *cache.Cache
}

// New returns a Dispatcher with the default statistic whitelist (spec §6's
// log record shapes) already registered.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	d := &Dispatcher{
		queue:     cfg.Queue,
		runID:     uuid.New(),
		logger:    logger,
		registry:  registry,
		whitelist: defaultWhitelist(),
		gauges:    make(map[string]*prometheus.GaugeVec),
	}
	if cfg.DedupWindow > 0 {
		d.dedup = cache.New(cfg.DedupWindow, cfg.DedupWindow*2)
	}
	return d
}

// RunID returns the UUID tagging every record this dispatcher emits.
func (d *Dispatcher) RunID() uuid.UUID { return d.runID }

// Registry returns the Prometheus registry records are projected onto, for
// wiring into an HTTP exposition handler.
func (d *Dispatcher) Registry() *prometheus.Registry { return d.registry }

// Register adds fn as an additional statistic for objects of T's concrete
// type, alongside (not replacing) whatever is already registered for it.
func Register[T any](d *Dispatcher, fn func(T) []Record) {
	t := reflect.TypeOf(*new(T))
	d.whitelist[t] = append(d.whitelist[t], wrap(fn))
}

// Run drains the queue until it is closed or the task is cancelled,
// dispatching every arrival as it is observed.
func (d *Dispatcher) Run(t *kernel.Task) {
	for {
		obj, ok, cancelled := d.queue.Get(t)
		if cancelled || !ok {
			return
		}
		d.dispatch(obj, t.Now())
	}
}

func (d *Dispatcher) dispatch(obj any, now float64) {
	for _, stat := range d.whitelist[reflect.TypeOf(obj)] {
		for _, rec := range stat(obj) {
			d.emit(rec, now)
		}
	}
}

func (d *Dispatcher) emit(rec Record, now float64) {
	keys := make([]string, 0, len(rec.Fields))
	for k := range rec.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if d.dedup != nil {
		key, err := dedupKey(rec)
		if err == nil {
			if _, found := d.dedup.Get(key); found {
				return
			}
			d.dedup.SetDefault(key, struct{}{})
		}
	}

	fields := make([]zap.Field, 0, len(keys)+2)
	fields = append(fields, zap.Float64("sim_time", now), zap.String("run_id", d.runID.String()))
	for _, k := range keys {
		fields = append(fields, zap.Any(k, rec.Fields[k]))
	}
	d.logger.Named(rec.Name).Info(rec.Name, fields...)

	d.observe(rec, keys)
}

// observe projects rec's numeric/bool fields onto Prometheus gauges named
// lapis_<record>_<field>, labelled by its string fields (sorted for a
// stable label set across calls for the same record name).
func (d *Dispatcher) observe(rec Record, sortedKeys []string) {
	var labelKeys []string
	labelValues := make(map[string]string, len(sortedKeys))
	for _, k := range sortedKeys {
		if s, ok := rec.Fields[k].(string); ok {
			labelKeys = append(labelKeys, k)
			labelValues[k] = s
		}
	}
	values := make([]string, len(labelKeys))
	for i, k := range labelKeys {
		values[i] = labelValues[k]
	}

	for _, k := range sortedKeys {
		v, ok := gaugeValue(rec.Fields[k])
		if !ok {
			continue
		}
		name := "lapis_" + rec.Name + "_" + k
		gv, ok := d.gauges[name]
		if !ok {
			gv = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, labelKeys)
			d.registry.MustRegister(gv)
			d.gauges[name] = gv
		}
		gv.WithLabelValues(values...).Set(v)
	}
}

func gaugeValue(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// dedupKey hashes a record's name and field set into a stable string,
// so two structurally identical records within the dedup window collapse
// to the same key regardless of map iteration order.
func dedupKey(rec Record) (string, error) {
	sum, err := hashstructure.Hash(struct {
		Name   string
		Fields map[string]any
	}{rec.Name, rec.Fields}, hashstructure.FormatV2, nil)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(sum, 16), nil
}
