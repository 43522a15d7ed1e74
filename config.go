package swmc

import (
	"encoding/json"
	"os"
)

// Config holds the tunables a running subsystem needs: ring topology, wait-station
// pool sizing and the hotness daemon's defaults (spec §4.2-§4.5, §6).
type Config struct {
	// SelfNode is this process's node id.
	SelfNode NodeID `json:"selfNode"`
	// NodeCount is the total number of participating nodes (N in spec §4.2).
	NodeCount int `json:"nodeCount"`
	// RingBase is the absolute shared-window offset where the ring area begins.
	RingBase uint64 `json:"ringBase"`
	// RingCapacity is the number of slots per (sender,receiver) ring. Must be a power
	// of two; spec §4.2 uses 65536 in production, small values (e.g. 4) in tests.
	RingCapacity uint32 `json:"ringCapacity"`
	// WaitStationPoolSize bounds the wait-station id space (spec §4.3, 16-bit, order
	// 64K in production).
	WaitStationPoolSize int `json:"waitStationPoolSize"`
	// AsyncPressureThresholdPct is the wait-station pool occupancy percentage for the
	// async-to-sync fallback (spec §4.1/§4.3, 80%). No code reads it: waitstation.Registry
	// fixes its soft threshold at 80% of capacity.
	AsyncPressureThresholdPct int `json:"asyncPressureThresholdPct"`
	// ReplicaActiveCapacity/ReplicaInactiveCapacity are sizes for the two-list reclaim
	// structure (spec §4.4). No code reads them: replica.Pool's lists have no fixed bound.
	ReplicaActiveCapacity   int `json:"replicaActiveCapacity"`
	ReplicaInactiveCapacity int `json:"replicaInactiveCapacity"`
	// SamplingIntervalSeconds is a replication interval for the hotness daemon (spec
	// §4.5, default 60). No code reads it: node.StartReplicationDaemon takes the
	// interval as an argument.
	SamplingIntervalSeconds int `json:"samplingIntervalSeconds"`
	// HotPagePercent is a top-P% for computing the hotness threshold from the histogram
	// (spec §4.5, default 20). No code reads it: node.StartReplicationDaemon takes the
	// percentile as an argument.
	HotPagePercent int `json:"hotPagePercent"`
}

// DefaultConfig returns the production defaults named throughout spec §4-§6.
func DefaultConfig() Config {
	return Config{
		NodeCount:                 2,
		RingCapacity:              65536,
		WaitStationPoolSize:       65536,
		AsyncPressureThresholdPct: 80,
		ReplicaActiveCapacity:     4096,
		ReplicaInactiveCapacity:   4096,
		SamplingIntervalSeconds:   60,
		HotPagePercent:            20,
	}
}

// LoadConfig reads a JSON-encoded Config from filename, overlaying it onto
// DefaultConfig: a field the file omits keeps its default, while a field the file sets
// (to zero included) takes the file's value, matching the teacher's LoadConfiguration
// shape.
func LoadConfig(filename string) (Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, err
	}
	c := DefaultConfig()
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, err
	}
	return c, nil
}
