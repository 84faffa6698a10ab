package hashtable

// HashUint32 and HashUint64 are the hash functions the engine wires into
// New for its uint32/uint64-keyed tables (page ids, transaction ids,
// lock resource ids). fibonacci hashing: multiply by a fixed-point
// approximation of 2^64/phi (HashUint32 then keeps the high 32 bits of
// the product, HashUint64 keeps the whole wrapped product), which spreads
// sequential keys (page ids allocated in order) across buckets far
// better than the identity function would.
const fibMultiplier64 = 0x9E3779B97F4A7C15

func HashUint32(v uint32) uint64 {
	return (uint64(v) * fibMultiplier64) >> 32
}

func HashUint64(v uint64) uint64 {
	return v * fibMultiplier64
}
