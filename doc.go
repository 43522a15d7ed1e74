// Package swmc implements a software-maintained cache-coherence layer for memory that
// is physically shared among multiple host nodes over a fabric interconnect (the
// "shared window"). Hardware gives raw access but no coherence guarantees across
// nodes, so each node's local cache and the shared medium can disagree; this package
// maintains per-page MSI-like coherence (Modified/Shared/Invalid, with transient
// states) entirely in software using cache-line flushes, page replicas and inter-node
// messages.
//
// The three tightly coupled subsystems live in their own packages: fault (the fault
// handler and MSI state machine), ring (the inter-node messaging ring), and replica
// (the replica pool and aging/reclaim manager). This root package holds the shared
// leaf types, error model, logging and retry helpers, worker concurrency wrapper and
// configuration loader used across all of them.
//
// This package is not meant to be used directly by application code; see node.Node
// for the assembled, operable subsystem.
package swmc
