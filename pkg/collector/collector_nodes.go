package collector

import (
	"sync"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cirocosta/celestia-exporter/pkg/leaderboard"
)

const nodeIDLabel = "node_id"

// nodeGauge describes one per-node gauge: its name within the `node`
// subsystem and how to extract its value from a leaderboard row. A false
// second return leaves the series untouched for that row.
//
type nodeGauge struct {
	name  string
	help  string
	value func(n *leaderboard.Node) (float64, bool)
}

func number(f func(n *leaderboard.Node) leaderboard.Number) func(*leaderboard.Node) (float64, bool) {
	return func(n *leaderboard.Node) (float64, bool) {
		return f(n).Float64(), true
	}
}

func millis(f func(n *leaderboard.Node) leaderboard.Timestamp) func(*leaderboard.Node) (float64, bool) {
	return func(n *leaderboard.Node) (float64, bool) {
		return f(n).Millis()
	}
}

var nodeGauges = []nodeGauge{
	{
		"node_type", "type of the node as reported to the leaderboard",
		number(func(n *leaderboard.Node) leaderboard.Number { return n.NodeType }),
	},
	{
		"latest_metrics_time", "time (unix ms) at which the node last reported metrics",
		millis(func(n *leaderboard.Node) leaderboard.Timestamp { return n.LatestMetricsTime }),
	},
	{
		"uptime", "uptime score of the node",
		number(func(n *leaderboard.Node) leaderboard.Number { return n.Uptime }),
	},
	{
		"last_pfb_timestamp", "time (unix ms) of the last pay-for-blobs transaction",
		millis(func(n *leaderboard.Node) leaderboard.Timestamp { return n.LastPFBTimestamp }),
	},
	{
		"pfb_count", "number of pay-for-blobs transactions submitted",
		number(func(n *leaderboard.Node) leaderboard.Number { return n.PFBCount }),
	},
	{
		"head", "height of the node's local head",
		number(func(n *leaderboard.Node) leaderboard.Number { return n.Head }),
	},
	{
		"network_height", "height of the network as seen by the node",
		number(func(n *leaderboard.Node) leaderboard.Number { return n.NetworkHeight }),
	},
	{
		"das_latest_sampled_timestamp", "time (unix ms) of the latest data availability sample",
		millis(func(n *leaderboard.Node) leaderboard.Timestamp { return n.DASLatestSampledTimestamp }),
	},
	{
		"das_network_head", "network head known to the sampler",
		number(func(n *leaderboard.Node) leaderboard.Number { return n.DASNetworkHead }),
	},
	{
		"das_sampled_chain_head", "head of the contiguously sampled chain",
		number(func(n *leaderboard.Node) leaderboard.Number { return n.DASSampledChainHead }),
	},
	{
		"das_sampled_headers_counter", "number of headers sampled",
		number(func(n *leaderboard.Node) leaderboard.Number { return n.DASSampledHeadersCounter }),
	},
	{
		"das_total_sampled_headers", "total number of headers sampled",
		number(func(n *leaderboard.Node) leaderboard.Number { return n.DASTotalSampledHeaders }),
	},
	{
		"total_synced_headers", "total number of headers synced",
		number(func(n *leaderboard.Node) leaderboard.Number { return n.TotalSyncedHeaders }),
	},
	{
		"start_time", "time (unix ms) at which the node first started",
		millis(func(n *leaderboard.Node) leaderboard.Timestamp { return n.StartTime }),
	},
	{
		"last_restart_time", "time (unix ms) at which the node last restarted",
		millis(func(n *leaderboard.Node) leaderboard.Timestamp { return n.LastRestartTime }),
	},
	{
		"node_runtime_counter_in_seconds", "runtime of the node since its last restart",
		number(func(n *leaderboard.Node) leaderboard.Number { return n.NodeRuntimeCounterInSeconds }),
	},
	{
		"last_accumulative_node_runtime_counter_in_seconds", "accumulated runtime of the node across restarts",
		number(func(n *leaderboard.Node) leaderboard.Number { return n.LastAccumulativeNodeRuntimeCounterInSeconds }),
	},
}

// nodeCollector keeps the per-node gauges up to date with the leaderboard
// and prunes the series of nodes that stopped showing up.
//
type nodeCollector struct {
	vecs      []*prometheus.GaugeVec
	count     *prometheus.GaugeVec
	uptime    *summaryCollector
	quantiles map[float64]float64

	// pruneAfter is the number of consecutive non-empty polls a node can
	// be absent from before its series are deleted. 0 never deletes.
	//
	pruneAfter uint64

	mu       sync.Mutex
	cycle    uint64
	lastSeen map[string]uint64

	log logr.Logger
}

func newNodeCollector() *nodeCollector {
	c := &nodeCollector{
		vecs: make([]*prometheus.GaugeVec, len(nodeGauges)),
		count: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "count",
			Help:      "number of nodes listed in the last non-empty leaderboard poll",
		}, nil),
		uptime: newSummaryCollector(
			prometheus.BuildFQName(namespace, "leaderboard", "uptime"),
			"distribution of the uptime score across the leaderboard",
		),
		quantiles:  defaultQuantiles,
		pruneAfter: DefaultPruneAfter,
		lastSeen:   map[string]uint64{},
	}

	for idx, g := range nodeGauges {
		c.vecs[idx] = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      g.name,
			Help:      g.help,
		}, []string{nodeIDLabel})
	}

	return c
}

func (c *nodeCollector) gauges() map[string]*prometheus.GaugeVec {
	m := make(map[string]*prometheus.GaugeVec, len(nodeGauges)+1)
	m[prometheus.BuildFQName(namespace, "node", "count")] = c.count
	for idx, g := range nodeGauges {
		m[prometheus.BuildFQName(namespace, "node", g.name)] = c.vecs[idx]
	}

	return m
}

func (c *nodeCollector) collectors() []prometheus.Collector {
	return []prometheus.Collector{c.uptime}
}

// apply sets every per-node gauge from `nodes`, returning how many series
// were pruned.
//
func (c *nodeCollector) apply(nodes []leaderboard.Node) int {
	if len(nodes) == 0 {
		return 0
	}

	uptime := NewSummary(SummaryQuantiles(c.quantiles))
	seen := make(map[string]struct{}, len(nodes))

	for idx := range nodes {
		node := &nodes[idx]
		if node.NodeID == "" {
			c.log.Info("skipping row without node id")
			continue
		}

		for gidx, g := range nodeGauges {
			v, ok := g.value(node)
			if !ok {
				continue
			}

			c.vecs[gidx].WithLabelValues(node.NodeID).Set(v)
		}

		if _, dup := seen[node.NodeID]; !dup {
			uptime.Insert(node.Uptime.Float64())
		}
		seen[node.NodeID] = struct{}{}
	}

	if len(seen) == 0 {
		return 0
	}

	c.count.WithLabelValues().Set(float64(len(seen)))
	c.uptime.Update(uptime)

	return c.track(seen)
}

func (c *nodeCollector) track(seen map[string]struct{}) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cycle++
	for id := range seen {
		c.lastSeen[id] = c.cycle
	}

	if c.pruneAfter == 0 {
		return 0
	}

	pruned := 0
	for id, last := range c.lastSeen {
		if c.cycle-last < c.pruneAfter {
			continue
		}

		for _, vec := range c.vecs {
			vec.DeleteLabelValues(id)
		}

		delete(c.lastSeen, id)
		pruned++

		c.log.V(1).Info("pruned stale node", "node_id", id, "last_seen_cycle", last)
	}

	return pruned
}

// ApplyNodes publishes the latest leaderboard rows.
//
// An empty list is treated as "no information": nothing is touched, so
// values from the previous successful poll remain and no node gets closer
// to being pruned.
//
func (r *Registry) ApplyNodes(nodes []leaderboard.Node) {
	if len(nodes) == 0 {
		r.log.Info("no nodes to apply, keeping previous values")
		return
	}

	pruned := r.nodes.apply(nodes)

	r.log.V(1).Info("applied nodes",
		"nodes", len(nodes),
		"pruned", pruned,
	)
}
