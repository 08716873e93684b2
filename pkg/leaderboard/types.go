package leaderboard

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Page is a single page of the light nodes listing as returned by the
// leaderboard API.
//
type Page struct {
	Pagination Pagination `json:"pagination"`
	Rows       []Node     `json:"rows"`
}

// Pagination carries the paging information of a listing.
//
type Pagination struct {
	TotalPages Number `json:"total_pages"`
}

// Node is one row of the leaderboard: the latest statistics reported by a
// light node.
//
type Node struct {
	NodeID   string `json:"node_id"`
	NodeType Number `json:"node_type"`

	Uptime        Number `json:"uptime"`
	PFBCount      Number `json:"pfb_count"`
	Head          Number `json:"head"`
	NetworkHeight Number `json:"network_height"`

	DASNetworkHead           Number `json:"das_network_head"`
	DASSampledChainHead      Number `json:"das_sampled_chain_head"`
	DASSampledHeadersCounter Number `json:"das_sampled_headers_counter"`
	DASTotalSampledHeaders   Number `json:"das_total_sampled_headers"`
	TotalSyncedHeaders       Number `json:"total_synced_headers"`

	NodeRuntimeCounterInSeconds                 Number `json:"node_runtime_counter_in_seconds"`
	LastAccumulativeNodeRuntimeCounterInSeconds Number `json:"last_accumulative_node_runtime_counter_in_seconds"`

	LatestMetricsTime         Timestamp `json:"latest_metrics_time"`
	LastPFBTimestamp          Timestamp `json:"last_pfb_timestamp"`
	DASLatestSampledTimestamp Timestamp `json:"das_latest_sampled_timestamp"`
	StartTime                 Timestamp `json:"start_time"`
	LastRestartTime           Timestamp `json:"last_restart_time"`
}

// Number is a float that accepts both JSON numbers and numeric strings, as
// the leaderboard is not consistent about quoting large values.
//
type Number float64

func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)

	if bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("unmarshal string: %w", err)
		}

		if s == "" {
			*n = 0
			return nil
		}

		data = []byte(s)
	}

	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("parse number '%s': %w", data, err)
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("non-finite number '%s'", data)
	}

	*n = Number(v)
	return nil
}

// Float64 returns the underlying value.
//
func (n Number) Float64() float64 {
	return float64(n)
}

// Timestamp is an optional point in time. A null, empty or unparseable value
// results in an invalid timestamp rather than a decode failure so that one
// malformed field doesn't discard a whole page.
//
type Timestamp struct {
	time.Time
	Valid bool
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	*t = Timestamp{}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}

	for _, layout := range timestampLayouts {
		v, err := time.Parse(layout, s)
		if err == nil {
			*t = Timestamp{Time: v, Valid: true}
			return nil
		}
	}

	return nil
}

// Millis returns the timestamp in milliseconds since the epoch and whether
// it's set at all.
//
func (t Timestamp) Millis() (float64, bool) {
	if !t.Valid {
		return 0, false
	}

	return float64(t.Time.UnixMilli()), true
}
