// Package redisstore implements eventstore.Store on Redis so that several
// server instances can replay each other's streams.
//
// Design Notes
//   - Metadata: one hash per stream (session, last_seq, mode, retry, sealed)
//   - Events: one Redis Stream per stream with entry ids "<seq>-0"
//   - Atomicity: append, mode switch and seal are single Lua scripts that bump
//     the sequence, XADD and refresh expirations together
//   - Readers: XRANGE to catch up, then XREAD BLOCK; metadata is re-checked
//     after every wake so mode switches and seals are observed. Mode switches
//     and seals append a control entry to wake blocked readers promptly
//   - Expiry: PEXPIRE on both keys, min(sliding, absolute remaining)
//
// Trade-offs
//
//	Events of a stream expire together (Redis cannot expire single entries),
//	so a partially evicted log is never observed.
//	Scripts touch the per-session index key named in the metadata hash, which
//	is fine on a single node or a sentinel setup but not on Redis Cluster.
//
// Example:
//
//	store, err := redisstore.NewFromEnv()
//	if err != nil { ... }
//	defer store.Close()
package redisstore
