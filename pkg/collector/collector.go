package collector

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"
)

const (
	namespace = "celestia"

	// DefaultPruneAfter is the number of consecutive non-empty leaderboard
	// polls a node may be missing from before its series are dropped.
	//
	DefaultPruneAfter = 10
)

// Sources of data, used as the `source` label of the last refresh gauge.
//
const (
	SourceLeaderboard = "leaderboard"
	SourceLocal       = "local"
)

// Registry holds every gauge published by the exporter.
//
// All metrics are registered once at construction time; afterwards only
// their values (and label sets) change.
//
type Registry struct {
	registry *prometheus.Registry

	// gauges indexes every gauge vector by its fully qualified name so
	// that values can be set generically.
	//
	gauges map[string]*prometheus.GaugeVec

	nodes *nodeCollector
	local *localCollector

	lastRefresh *prometheus.GaugeVec

	log logr.Logger
}

// Option is a type used by functional arguments to mutate the registry to
// override default behavior.
//
type Option func(r *Registry)

// WithPruneAfter overrides the number of consecutive non-empty polls a node
// can be absent from before its series are removed. Zero disables pruning.
//
func WithPruneAfter(v uint64) Option {
	return func(r *Registry) {
		r.nodes.pruneAfter = v
	}
}

// WithQuantiles overrides the quantiles (quantile -> epsilon) computed for
// the leaderboard-wide summaries.
//
func WithQuantiles(v map[float64]float64) Option {
	return func(r *Registry) {
		r.nodes.quantiles = v
	}
}

// WithLogger overrides the default development logger.
//
func WithLogger(v logr.Logger) Option {
	return func(r *Registry) {
		r.log = v
	}
}

// NewRegistry instantiates a registry with all of the exporter's metrics
// registered. No process or Go runtime collectors are added.
//
func NewRegistry(opts ...Option) (*Registry, error) {
	defaultLogger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("zap new development: %w", err)
	}

	r := &Registry{
		registry: prometheus.NewRegistry(),
		gauges:   map[string]*prometheus.GaugeVec{},
		nodes:    newNodeCollector(),
		local:    newLocalCollector(),
		lastRefresh: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "exporter",
			Name:      "last_refresh_timestamp_seconds",
			Help:      "unix time of the last refresh that produced data, per source",
		}, []string{"source"}),
		log: zapr.NewLogger(defaultLogger.Named("collector")),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.nodes.log = r.log.WithName("nodes")
	r.local.log = r.log.WithName("local")

	gauges := map[string]*prometheus.GaugeVec{
		prometheus.BuildFQName(namespace, "exporter", "last_refresh_timestamp_seconds"): r.lastRefresh,
	}
	for name, vec := range r.nodes.gauges() {
		gauges[name] = vec
	}
	for name, vec := range r.local.gauges() {
		gauges[name] = vec
	}

	for name, vec := range gauges {
		if err := r.registry.Register(vec); err != nil {
			return nil, fmt.Errorf("register '%s': %w", name, err)
		}

		r.gauges[name] = vec
	}

	for _, c := range r.nodes.collectors() {
		if err := r.registry.Register(c); err != nil {
			return nil, fmt.Errorf("register: %w", err)
		}
	}

	return r, nil
}

// Set sets the value of the series of gauge `name` identified by
// `labelValues`, creating the series if it doesn't exist yet.
//
func (r *Registry) Set(name string, labelValues []string, value float64) error {
	vec, found := r.gauges[name]
	if !found {
		return fmt.Errorf("unknown metric '%s'", name)
	}

	gauge, err := vec.GetMetricWithLabelValues(labelValues...)
	if err != nil {
		return fmt.Errorf("metric '%s' labels %v: %w", name, labelValues, err)
	}

	gauge.Set(value)
	return nil
}

// MarkRefresh records that `source` produced data at `t`.
//
func (r *Registry) MarkRefresh(source string, t time.Time) {
	r.lastRefresh.WithLabelValues(source).
		Set(float64(t.UnixNano()) / float64(time.Second))
}

// Names lists the fully qualified names of every gauge that can be Set.
//
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gauges))
	for name := range r.gauges {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

// Gatherer gives access to the underlying registry for serving.
//
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Render produces the text exposition of the current state. Families are
// sorted by name and series by label values, so the same state always
// renders the same way.
//
func (r *Registry) Render() (string, error) {
	families, err := r.registry.Gather()
	if err != nil {
		return "", fmt.Errorf("gather: %w", err)
	}

	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return "", fmt.Errorf("family '%s' to text: %w", mf.GetName(), err)
		}
	}

	return buf.String(), nil
}

// SeriesCount returns how many series are currently exposed.
//
func (r *Registry) SeriesCount() (int, error) {
	families, err := r.registry.Gather()
	if err != nil {
		return 0, fmt.Errorf("gather: %w", err)
	}

	count := 0
	for _, mf := range families {
		count += len(mf.GetMetric())
	}

	return count, nil
}
