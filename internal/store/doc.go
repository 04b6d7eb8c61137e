// Package store holds the broker's token and session state.
//
// The TokenStore contract maps opaque RS tokens to upstream provider tokens
// and keeps the short-lived authorization flow state (transactions and
// single-use codes). SessionStore keeps caller session bookkeeping with a
// sliding expiry.
//
// Three backends implement Store:
//
//   - MemoryStore is authoritative for a single process and sweeps expired
//     entries in the background.
//   - FileStore wraps MemoryStore and persists RS records to one optionally
//     encrypted file, coalescing bursts of mutations into a single write.
//   - RedisStore writes to an in-process MemoryStore first and then, best
//     effort, to Redis (or Valkey). Reads prefer the Redis value.
//
// Every collection is bounded. At capacity the oldest-created entries are
// evicted first.
package store
