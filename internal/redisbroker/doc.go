// Package redisbroker implements queue.Backend on Redis.
//
// Every queue keeps its keys under a hash tag, "<prefix>:{<queue>}:", so a
// queue lives in one cluster slot and its Lua scripts may touch job hashes
// they compute at run time:
//
//	job:<id>    hash with the job fields
//	wait        zset, score orders by priority then insertion
//	delayed     zset scored by run-at milliseconds
//	active      zset scored by lease expiry milliseconds
//	completed   zset scored by finish milliseconds
//	failed      zset scored by finish milliseconds
//	seq         insertion counter
//	repeat:defs hash of repeat name to JSON definition
//	repeat:next zset of repeat name scored by next run milliseconds
//
// State transitions run as Lua scripts and are atomic with respect to other
// clients.
package redisbroker
