// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package dedupe caches fully-decoded member payloads so that repeated
// Unbundle requests for the same (archive, member) pair skip re-walking
// the Huffman tree. It adapts the lazy, keyed-blob caching idea from the
// original decompression cache, but simplified: a huffbundle member is
// already randomly addressable by its trailer offset and size, so there
// is no streaming stepper to resume, only a whole decoded blob to remember.
package dedupe

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-tinylfu"
)

// DefaultCapacity is the number of decoded member blobs the cache will
// hold before evicting, via TinyLFU's admission policy, the
// least-valuable entry.
const DefaultCapacity = 256

// Cache memoizes decoded member payloads keyed by archive path, member
// name, offset, and a content fingerprint (the fingerprint disambiguates
// two archives that occupy the same path at different times within the
// process, e.g. a rewritten archive file, which the offset alone cannot).
type Cache struct {
	t *tinylfu.T[string, []byte]
}

// New returns a cache holding up to capacity decoded blobs. The sketch's
// count-min width follows the spinner block cache's own ratio (10x
// capacity).
func New(capacity int) *Cache {
	return &Cache{t: tinylfu.New[string, []byte](capacity, capacity*10, keyHash)}
}

func keyHash(k string) uint64 {
	return xxhash.Sum64String(k)
}

// Key derives a cache key from an archive path, a member name within it,
// the member's byte offset in that archive, and a content fingerprint (see
// Fingerprint) identifying the live contents of the archive at that path.
// Folding the fingerprint in means a Bundle that overwrites archivePath
// with different members can never collide with an entry cached from the
// archive it replaced: the first member of any archive always lands at
// offset 0 regardless of content, so the path/name/offset triple alone is
// not enough to tell the old and new archives apart.
func Key(archivePath, memberName string, offset int64, fingerprint uint64) string {
	return archivePath + "\x00" + memberName + "\x00" + strconv.FormatInt(offset, 10) + "\x00" + strconv.FormatUint(fingerprint, 16)
}

// Fingerprint folds arbitrary identifying bytes (e.g. an archive's size,
// modification time, and trailer) into a single value suitable for Key.
func Fingerprint(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// Get returns the cached decoded payload for key, if present.
func (c *Cache) Get(key string) ([]byte, bool) {
	return c.t.Get(key)
}

// Put stores the decoded payload for key, replacing any prior entry.
func (c *Cache) Put(key string, payload []byte) {
	c.t.Add(key, payload)
}
