// Package redisstream provides a Redis Streams transport for xdispatch.
//
// Transport name: "redis-streams"
//
// One stream per topic. Every entry carries the partition key; a subscription
// routes entries with equal keys to the same worker goroutine, so the worker
// index is the partition and per-key order is preserved.
//
// Config keys:
// - addr: "host:port" (default "127.0.0.1:6379")
// - consumer: consumer name (default "xdispatch-<host>-<pid>")
// - concurrency: number of ordered workers/partitions (default 8)
// - batch_size: XREADGROUP COUNT (default 128)
// - block: XREADGROUP BLOCK duration (default 5s)
// - auto_create: create group/stream if missing (default true)
// - auto_delete_on_ack: XDEL after XACK (default false)
// - max_len_approx: approximate MAXLEN trimming on XADD (default 0 = off)
// - claim_min_idle / claim_batch / claim_interval: pending entry recovery
//
// Dead-lettering is handled by the bus; Nack leaves the entry pending so the
// claim loop can hand it out again.
//
// Example:
//
//	bus, _ := xdispatch.NewBusBuilder().
//	    WithTransport(redisstream.TransportName, map[string]any{
//	        "addr":        "localhost:6379",
//	        "consumer":    "dispatch-1",
//	        "concurrency": 16,
//	        "block":       "5s",
//	    }).
//	    Build()
package redisstream
