// Package redis provides a Redis adapter for a2abus.
//
// Transport name: "redis"
//
// Broadcast endpoints map to Pub/Sub channels named
// "<namespace>:pub:<endpoint>:<topic>". Subscribers PSUBSCRIBE to the escaped
// "<namespace>:pub:<endpoint>:<filter>*" pattern, which gives the same literal
// prefix match as in-process delivery.
//
// Query endpoints map to the stream "<namespace>:query:<endpoint>", read through a
// consumer group. Each request entry names a one-shot reply list; the replier
// LPUSHes exactly one reply there and acknowledges the entry, and the requester
// BLPOPs it.
//
// Minimal config keys:
// - addr: "host:port" (default "127.0.0.1:6379")
// - namespace: key prefix (default "a2abus")
// - group: consumer group of query repliers (default "a2abus")
// - consumer: consumer name (default "a2abus-<host>-<pid>")
// - block: XREADGROUP / BLPOP poll interval (default 1s)
// - reply_ttl: lifetime of an uncollected reply (default 1m)
// - max_len_approx: approximate cap of each query stream (default 10000)
//
// Example builder usage:
//
//	bus, _ := a2abus.NewBusBuilder().
//	    WithTransport(redis.TransportName, map[string]any{
//	        "addr":      "localhost:6379",
//	        "namespace": "agents",
//	        "block":     "2s",
//	    }).
//	    Build()
package redis
