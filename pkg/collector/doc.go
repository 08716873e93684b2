// Package collector provides the core functionality of this exporter.
//
// It owns every metric the exporter publishes, kept in a private prometheus
// registry: per-node gauges fed from the leaderboard, gauges describing the
// local node (when one is configured), and a handful of exporter-level
// gauges. Values are set whenever a refresh completes and served as-is on
// every scrape, so a scrape never waits on the leaderboard or the node.
//
package collector
