// Package cachekey computes the stable fingerprint identifying a cached
// query response within a user/host/default-database context.
package cachekey

import (
	"encoding/binary"
	"hash/crc64"
)

// table is the CRC-64 polynomial table shared by every key computation.
// ISO is the variant used throughout: stable across runs and machines,
// which is the only requirement the spec places on the algorithm choice.
var table = crc64.MakeTable(crc64.ISO)

// Key identifies one cached response. An empty User implies an empty
// Host and vice versa; that invariant is enforced by New, not by this
// struct, so callers building a Key by hand must preserve it themselves.
type Key struct {
	User       string
	Host       string
	DataHash   uint64
	FullHash   uint64
}

// New computes a Key for a query running as user@host against
// defaultDB, with the given query text. DataHash covers defaultDB and
// query only, so two different accounts running the same query share
// it; FullHash continues the running CRC over user and host, so it is
// unique per account even if DataHash collides.
func New(user, host, defaultDB, query string) Key {
	crc := crc64.New(table)
	crc.Write([]byte(defaultDB))
	crc.Write([]byte(query))
	dataHash := crc.Sum64()

	crc.Write([]byte(user))
	crc.Write([]byte(host))
	fullHash := crc.Sum64()

	return Key{
		User:     user,
		Host:     host,
		DataHash: dataHash,
		FullHash: fullHash,
	}
}

// Equal reports whether two keys identify the same cached response. All
// four fields must match; FullHash alone is not treated as sufficient
// since it is only a fingerprint.
func (k Key) Equal(other Key) bool {
	return k.User == other.User &&
		k.Host == other.Host &&
		k.DataHash == other.DataHash &&
		k.FullHash == other.FullHash
}

// Hash returns the value used to bucket this key in hash-based
// collections. It is FullHash, not a combination of all fields: the
// contract only requires Equal keys to collide, not that Hash be
// collision-free for unequal keys.
func (k Key) Hash() uint64 {
	return k.FullHash
}

// ToBytes serializes the key the way remote storages address it over
// the wire: user, host, DataHash (little-endian), FullHash
// (little-endian).
func (k Key) ToBytes() []byte {
	buf := make([]byte, 0, len(k.User)+len(k.Host)+16)
	buf = append(buf, k.User...)
	buf = append(buf, k.Host...)

	var hashBuf [16]byte
	binary.LittleEndian.PutUint64(hashBuf[0:8], k.DataHash)
	binary.LittleEndian.PutUint64(hashBuf[8:16], k.FullHash)
	return append(buf, hashBuf[:]...)
}

// String renders a short debug form; it is not used for equality or
// hashing and carries no stability guarantee across versions.
func (k Key) String() string {
	return k.User + "@" + k.Host + "/" + hex64(k.FullHash)
}

func hex64(v uint64) string {
	const digits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf)
}
