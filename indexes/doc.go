// Package indexes provides the lazily maintained secondary indices of a tank.
//
// # Overview
//
// An index maps a normalized field, extracted from every record of the append
// log, to the offsets of the records holding it. Indices are never updated on
// the write path: Log.Put only commits records and wakes the index Worker,
// which catches up in the background.
//
// # Key layout in Pebble
//
// The index store is a Pebble database separate from the append log.
//
//   - Index definition:  "MD" + iid -> TLV: I iid, N propname, S syntype,
//     P datapath (repeated, in declaration order)
//
//   - Index progress:    "MP" + iid -> u64be nextoffset, ngood, nnormfail
//
//   - Deleting marker:   "MX" + iid -> empty
//
//   - Index entry:       'E' + iid + enc(value) + u64be(offset) ->
//     msgpack(value). The offset is part of the key so that many records can
//     share a value; enc is the sortable encoding from package keys.
//
//   - Reverse entry:     'V' + u64be(offset) + iid -> enc(value)
//
// iids are random 16-byte UUIDs, unrelated to the user-facing propname, so a
// deleted index can be purged while a new index with the same name fills up.
//
// # Worker
//
// Worker is the only writer of the index store. It runs one goroutine that
// loops over:
//
//  1. Draining the command mailbox (AddIndex, DelIndex, PauseIndex,
//     ResumeIndex, GetIndices). Each command carries a one-shot response
//     slot; callers wait on it up to Options.CommandTimeout and then get
//     ErrTimedOut. A timed out command is not cancelled.
//
//  2. Scanning up to ChunkSize records from the lowest nextoffset of the
//     active, non-paused indices. For every record and every index that has
//     not seen it, nextoffset moves past the record, the datapaths are tried
//     in order and the first non-null field is normalized. Entries and the
//     new progress commit in one batch, so progress never runs ahead of the
//     entries it accounts for.
//
//  3. Purging up to RemoveChunkSize entries of deleted indices. An index
//     whose entries are all gone leaves the deleting set.
//
// When an iteration did no work the worker blocks until the log wakes it or
// a command arrives. Normalization failures only bump nnormfail. Corrupt
// metadata (ErrCorruptStorage) stops the worker; any other error is logged
// and retried after RetryInterval.
//
// Paused indices are kept in memory only. Reopening a tank resumes all of
// them.
//
// # Queries
//
// Query reads through Pebble snapshots and never coordinates with the
// worker: entries that are not indexed yet are simply absent. Each query is
// one forward walk from SeekGE(prefix) while keys keep the prefix. Cursors
// hold their snapshot until exhausted or closed.
//
// # Metrics
//
// Prometheus metrics report indexed rows, normalization failures, purged
// entries, per-index lag, worker state and command latencies.
package indexes
