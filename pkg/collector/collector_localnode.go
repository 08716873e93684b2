package collector

import (
	"strconv"
	"sync"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cirocosta/celestia-exporter/pkg/localnode"
)

// localCollector holds the gauges describing the node running next to the
// exporter.
//
type localCollector struct {
	bandwidthTotalIn  *prometheus.GaugeVec
	bandwidthTotalOut *prometheus.GaugeVec
	bandwidthRateIn   *prometheus.GaugeVec
	bandwidthRateOut  *prometheus.GaugeVec

	info    *prometheus.GaugeVec
	balance *prometheus.GaugeVec

	dasHeadOfSampledChain *prometheus.GaugeVec
	dasHeadOfCatchup      *prometheus.GaugeVec
	dasNetworkHeadHeight  *prometheus.GaugeVec
	dasConcurrency        *prometheus.GaugeVec
	dasWorkers            *prometheus.GaugeVec
	dasIsRunning          *prometheus.GaugeVec
	dasCatchUpDone        *prometheus.GaugeVec

	queryUp *prometheus.GaugeVec

	mu sync.Mutex

	// label values currently set on `info` and `balance`, replaced only
	// after the new series exists.
	//
	infoLabels    []string
	balanceLabels []string

	// byName indexes the vectors above by fully qualified name.
	//
	byName map[string]*prometheus.GaugeVec

	log logr.Logger
}

func newLocalCollector() *localCollector {
	byName := map[string]*prometheus.GaugeVec{}

	newLocalGauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "local",
			Name:      name,
			Help:      help,
		}, labels)

		byName[prometheus.BuildFQName(namespace, "local", name)] = vec
		return vec
	}

	return &localCollector{
		byName: byName,

		bandwidthTotalIn: newLocalGauge("bandwidth_total_in_bytes",
			"total number of bytes received by the local node"),
		bandwidthTotalOut: newLocalGauge("bandwidth_total_out_bytes",
			"total number of bytes sent by the local node"),
		bandwidthRateIn: newLocalGauge("bandwidth_rate_in_bytes_per_second",
			"current receive rate of the local node"),
		bandwidthRateOut: newLocalGauge("bandwidth_rate_out_bytes_per_second",
			"current send rate of the local node"),

		info: newLocalGauge("node_info",
			"information about the local node, always 1",
			"type", "api_version"),
		balance: newLocalGauge("wallet_balance",
			"balance of the local node's account",
			"address", "denom"),

		dasHeadOfSampledChain: newLocalGauge("das_head_of_sampled_chain",
			"height up to which every header has been sampled"),
		dasHeadOfCatchup: newLocalGauge("das_head_of_catchup",
			"height the catch-up routine has reached"),
		dasNetworkHeadHeight: newLocalGauge("das_network_head_height",
			"network head height known to the sampler"),
		dasConcurrency: newLocalGauge("das_concurrency",
			"number of sampling workers allowed to run concurrently"),
		dasWorkers: newLocalGauge("das_workers",
			"number of sampling workers currently running"),
		dasIsRunning: newLocalGauge("das_is_running",
			"whether the sampler is running"),
		dasCatchUpDone: newLocalGauge("das_catch_up_done",
			"whether the sampler has caught up with the network head"),

		queryUp: newLocalGauge("query_up",
			"whether the last run of a query against the local node succeeded",
			"query"),
	}
}

func (c *localCollector) gauges() map[string]*prometheus.GaugeVec {
	return c.byName
}

func (c *localCollector) apply(stats *localnode.Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, name := range localnode.Queries() {
		c.queryUp.WithLabelValues(name).Set(boolToFloat64(stats.Available(name)))
	}

	if b := stats.Bandwidth; b != nil {
		c.bandwidthTotalIn.WithLabelValues().Set(b.TotalIn)
		c.bandwidthTotalOut.WithLabelValues().Set(b.TotalOut)
		c.bandwidthRateIn.WithLabelValues().Set(b.RateIn)
		c.bandwidthRateOut.WithLabelValues().Set(b.RateOut)
	}

	if info := stats.Info; info != nil {
		c.infoLabels = replaceSeries(c.info, c.infoLabels,
			[]string{strconv.Itoa(info.Type), info.APIVersion}, 1)
	}

	// the address label comes from a different query than the amount, so
	// both have to be known.
	if stats.Balance != nil && stats.Address != nil {
		amount, err := stats.Balance.Value()
		if err != nil {
			c.log.Error(err, "balance")
		} else {
			c.balanceLabels = replaceSeries(c.balance, c.balanceLabels,
				[]string{*stats.Address, stats.Balance.Denom}, amount)
		}
	}

	if s := stats.Sampling; s != nil {
		c.dasHeadOfSampledChain.WithLabelValues().Set(float64(s.HeadOfSampledChain))
		c.dasHeadOfCatchup.WithLabelValues().Set(float64(s.HeadOfCatchup))
		c.dasNetworkHeadHeight.WithLabelValues().Set(float64(s.NetworkHeadHeight))
		c.dasConcurrency.WithLabelValues().Set(float64(s.Concurrency))
		c.dasWorkers.WithLabelValues().Set(float64(len(s.Workers)))
		c.dasIsRunning.WithLabelValues().Set(boolToFloat64(s.IsRunning))
		c.dasCatchUpDone.WithLabelValues().Set(boolToFloat64(s.CatchUpDone))
	}
}

// ApplyLocalStats publishes a local node snapshot. Fields that couldn't be
// retrieved keep their previous values; their queries are reported as down.
//
func (r *Registry) ApplyLocalStats(stats *localnode.Stats) {
	if stats == nil {
		return
	}

	r.local.apply(stats)
}

// replaceSeries sets the series identified by `next` and then drops the one
// identified by `prev`, so a scrape always finds one of the two.
//
func replaceSeries(vec *prometheus.GaugeVec, prev, next []string, value float64) []string {
	vec.WithLabelValues(next...).Set(value)

	if prev != nil && !equalLabels(prev, next) {
		vec.DeleteLabelValues(prev...)
	}

	return next
}

func equalLabels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

func boolToFloat64(b bool) float64 {
	if b {
		return 1
	}

	return 0
}
