package fuse

import "hash/fnv"

// shardIndex maps a key onto one of n shards. Both the window store and
// the filter map shard the same way so a key's state never crosses locks.
func shardIndex(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
