package localnode

import (
	"fmt"
	"strconv"
)

// Stats is a best-effort snapshot of a local node's state. Fields are nil
// whenever the query that provides them failed, in which case the failure is
// recorded in Errors under the query's name.
//
type Stats struct {
	Bandwidth *BandwidthStats
	Info      *NodeInfo
	Address   *string
	Balance   *Balance
	Sampling  *SamplingStats

	Errors map[string]error
}

// Available tells whether the query named `name` succeeded.
//
func (s *Stats) Available(name string) bool {
	_, failed := s.Errors[name]
	return !failed
}

// Unavailable builds the Stats of a fetch that couldn't run at all: every
// query failed with `err` and no field is known.
//
func Unavailable(err error) *Stats {
	stats := &Stats{Errors: make(map[string]error, len(queries))}
	for _, q := range queries {
		stats.Errors[q.name] = err
	}

	return stats
}

// BandwidthStats is the result of `p2p BandwidthStats`.
//
type BandwidthStats struct {
	TotalIn  float64 `json:"TotalIn"`
	TotalOut float64 `json:"TotalOut"`
	RateIn   float64 `json:"RateIn"`
	RateOut  float64 `json:"RateOut"`
}

// NodeInfo is the result of `node Info`.
//
type NodeInfo struct {
	Type       int    `json:"type"`
	APIVersion string `json:"api_version"`
}

// Balance is the result of `state Balance`.
//
type Balance struct {
	Denom  string `json:"denom"`
	Amount string `json:"amount"`
}

// Value parses the amount, which the node reports as a decimal string.
//
func (b *Balance) Value() (float64, error) {
	v, err := strconv.ParseFloat(b.Amount, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount '%s': %w", b.Amount, err)
	}

	return v, nil
}

// SamplingStats is the result of `das SamplingStats`.
//
type SamplingStats struct {
	HeadOfSampledChain uint64        `json:"head_of_sampled_chain"`
	HeadOfCatchup      uint64        `json:"head_of_catchup"`
	NetworkHeadHeight  uint64        `json:"network_head_height"`
	Workers            []interface{} `json:"workers"`
	Concurrency        int           `json:"concurrency"`
	CatchUpDone        bool          `json:"catch_up_done"`
	IsRunning          bool          `json:"is_running"`
}
