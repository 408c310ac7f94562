// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package catalog maintains an optional, LSM-backed cross-archive index
// mapping (archive path, member name) to the trailer fields needed to
// open that member directly: size, compressed size, and offset. It lets
// a caller holding many archives answer "which archive contains file X"
// without reopening and re-parsing every trailer.
//
// The catalog is purely an accelerator. The archive's own trailer (see
// internal/archive) remains the single source of truth; the entry for
// every member listed in the live trailer is overwritten whenever that
// trailer is parsed. Entries for names that a rewritten archive no longer
// contains are not removed.
package catalog

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble/v2"
)

// Entry mirrors the trailer fields needed to locate and size a member
// without re-reading its archive.
type Entry struct {
	Size           int64
	CompressedSize int64
	Offset         int64
}

// Catalog wraps a pebble database storing two key families: a forward
// index ("a\x00"+archivePath+"\x00"+memberName -> Entry) for validating
// and refreshing a known archive's members, and a reverse index
// ("m\x00"+memberName+"\x00"+archivePath -> nothing) for answering "which
// archives contain this name" by range scan.
type Catalog struct {
	db *pebble.DB
}

// Open opens (creating if necessary) the catalog database rooted at dir.
func Open(dir string) (*Catalog, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("catalog: opening %s: %w", dir, err)
	}
	return &Catalog{db: db}, nil
}

// Close releases the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

func forwardKey(archivePath, memberName string) []byte {
	return []byte("a\x00" + archivePath + "\x00" + memberName)
}

func reverseKey(memberName, archivePath string) []byte {
	return []byte("m\x00" + memberName + "\x00" + archivePath)
}

func encodeEntry(e Entry) []byte {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf[0:8], uint64(e.Size))
	binary.BigEndian.PutUint64(buf[8:16], uint64(e.CompressedSize))
	binary.BigEndian.PutUint64(buf[16:24], uint64(e.Offset))
	return buf
}

func decodeEntry(buf []byte) (Entry, error) {
	if len(buf) != 24 {
		return Entry{}, fmt.Errorf("catalog: malformed entry of %d bytes", len(buf))
	}
	return Entry{
		Size:           int64(binary.BigEndian.Uint64(buf[0:8])),
		CompressedSize: int64(binary.BigEndian.Uint64(buf[8:16])),
		Offset:         int64(binary.BigEndian.Uint64(buf[16:24])),
	}, nil
}

// Put records (or overwrites) the catalog entry for one member of
// archivePath. It is called once per member after a successful Bundle,
// and again after Unbundle re-parses a trailer, so the entry of every
// member in the live trailer reflects that trailer. It does not delete
// entries for members absent from the trailer.
func (c *Catalog) Put(archivePath, memberName string, e Entry) error {
	batch := c.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(forwardKey(archivePath, memberName), encodeEntry(e), nil); err != nil {
		return err
	}
	if err := batch.Set(reverseKey(memberName, archivePath), nil, nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// Lookup returns the recorded entry for (archivePath, memberName), if any.
func (c *Catalog) Lookup(archivePath, memberName string) (Entry, bool, error) {
	v, closer, err := c.db.Get(forwardKey(archivePath, memberName))
	if err == pebble.ErrNotFound {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	defer closer.Close()
	e, derr := decodeEntry(v)
	if derr != nil {
		return Entry{}, false, derr
	}
	return e, true, nil
}

// FindArchives returns every archive path known to contain a member
// named memberName, via a range scan over the reverse index.
func (c *Catalog) FindArchives(memberName string) ([]string, error) {
	prefix := []byte("m\x00" + memberName + "\x00")
	upper := append(append([]byte{}, prefix...), 0xff)
	it, err := c.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var archives []string
	for it.First(); it.Valid(); it.Next() {
		archives = append(archives, string(it.Key()[len(prefix):]))
	}
	return archives, it.Error()
}

// Forget removes the forward and reverse entries recorded for each of
// memberNames within archivePath. Entries for other members of
// archivePath are left in place.
func (c *Catalog) Forget(archivePath string, memberNames []string) error {
	batch := c.db.NewBatch()
	defer batch.Close()
	for _, name := range memberNames {
		if err := batch.Delete(forwardKey(archivePath, name), nil); err != nil {
			return err
		}
		if err := batch.Delete(reverseKey(name, archivePath), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}
