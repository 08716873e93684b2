package collector

import (
	"sync"

	"github.com/beorn7/perks/quantile"
	"github.com/prometheus/client_golang/prometheus"
)

// defaultQuantiles is the default quantiles to compute for a given data stream
// that we want to summarize.
//
// these (quantile -> epsilon) will be used by default by any Summary unless
// initialized with the `SummaryQuantiles` option to override it.
//
var defaultQuantiles = map[float64]float64{
	0.05: 0.01,
	0.25: 0.01,
	0.50: 0.01,
	0.75: 0.01,
	0.95: 0.01,
	0.99: 0.01,
	1.00: 0.01,
}

// Summary summarizes a stream of observations, computing count, sum and the
// configured quantiles.
//
type Summary struct {
	count     uint64
	sum       float64
	quantiles map[float64]float64

	stream   *quantile.Stream
	computed bool
}

type SummaryOption func(s *Summary)

func SummaryQuantiles(v map[float64]float64) SummaryOption {
	return func(s *Summary) {
		s.quantiles = cloneMap(v)
	}
}

func NewSummary(opts ...SummaryOption) *Summary {
	summary := &Summary{
		quantiles: cloneMap(defaultQuantiles),
	}

	for _, opt := range opts {
		opt(summary)
	}

	summary.stream = quantile.NewTargeted(summary.quantiles)

	return summary
}

func (s *Summary) Insert(v float64) {
	s.sum += v
	s.stream.Insert(v)
	s.count++
	s.computed = false
}

func (s *Summary) Count() uint64 {
	return s.count
}

func (s *Summary) Quantiles() map[float64]float64 {
	s.compute()
	return cloneMap(s.quantiles)
}

func (s *Summary) Sum() float64 {
	return s.sum
}

func (s *Summary) compute() {
	if s.computed {
		return
	}

	for phi := range s.quantiles {
		s.quantiles[phi] = s.stream.Query(phi)
	}

	s.computed = true
}

func cloneMap(o map[float64]float64) map[float64]float64 {
	m := make(map[float64]float64, len(o))
	for k, v := range o {
		m[k] = v
	}

	return m
}

// summaryCollector exposes the last Summary handed to it as a constant
// prometheus summary. Nothing is exposed until the first Update.
//
type summaryCollector struct {
	desc *prometheus.Desc

	mu        sync.Mutex
	set       bool
	count     uint64
	sum       float64
	quantiles map[float64]float64
}

var _ prometheus.Collector = (*summaryCollector)(nil)

func newSummaryCollector(name, help string) *summaryCollector {
	return &summaryCollector{
		desc: prometheus.NewDesc(name, help, nil, nil),
	}
}

func (c *summaryCollector) Update(s *Summary) {
	quantiles := s.Quantiles()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.set = true
	c.count = s.Count()
	c.sum = s.Sum()
	c.quantiles = quantiles
}

func (c *summaryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *summaryCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.set {
		return
	}

	ch <- prometheus.MustNewConstSummary(
		c.desc,
		c.count, c.sum, c.quantiles,
	)
}
