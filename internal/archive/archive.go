// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package archive implements the container format: per-member compressed
// blobs concatenated in call order, followed by a trailer giving each
// member's name, original size, compressed size, and (recomputed on read)
// offset (spec §4.6). Bundle runs pass 1 for every member before fixing
// any offset, then fans pass 2 out across disjoint byte ranges of the
// archive file; Unbundle parses the trailer and decodes requested members,
// also in parallel.
package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/elliotnunn/huffbundle/internal/bitio"
	"github.com/elliotnunn/huffbundle/internal/catalog"
	"github.com/elliotnunn/huffbundle/internal/dedupe"
	"github.com/elliotnunn/huffbundle/internal/filecodec"
	"github.com/elliotnunn/huffbundle/internal/huffman"
	"github.com/elliotnunn/huffbundle/internal/xzimport"
)

// decodeCache memoizes whole decoded member payloads across Unbundle
// calls within this process, keyed by archive path, member name, offset,
// and a fingerprint of the archive's current size/mtime/trailer (see
// internal/dedupe). A second unbundle of the same archive in the same
// process (a program calling Unbundle repeatedly; the CLI calls it once
// per run) skips re-walking the Huffman tree entirely; the
// fingerprint in the key means a Bundle that later overwrites the same
// path invalidates the old entries implicitly rather than returning
// stale bytes for the rewritten archive.
var decodeCache = dedupe.New(dedupe.DefaultCapacity)

// catalogDB is the optional cross-archive index (internal/catalog). It is
// nil unless the caller opts in via ConfigureCatalog (wired to
// HUFFBUNDLE_CATALOG by the CLI); Bundle and Unbundle both tolerate a nil
// catalogDB by skipping the index update or lookup entirely.
var catalogDB *catalog.Catalog

// ConfigureCatalog installs (or, passed nil, disables) the cross-archive
// catalog that Bundle and Unbundle opportunistically maintain.
func ConfigureCatalog(c *catalog.Catalog) {
	catalogDB = c
}

// workerLimit bounds how many members are compressed or decoded
// concurrently, following the HUFFBUNDLE_WORKERS environment variable
// (the memlimit.go BEGB pattern), default runtime.NumCPU().
var workerLimit = calcWorkerLimit()

func calcWorkerLimit() int {
	if e := os.Getenv("HUFFBUNDLE_WORKERS"); e != "" {
		n, err := strconv.Atoi(e)
		if err != nil || n <= 0 {
			panic("malformed HUFFBUNDLE_WORKERS environment variable, should be a positive integer: " + e)
		}
		return n
	}
	return runtime.NumCPU()
}

// ErrFormat classifies a malformed archive: a truncated trailer length
// field, a trailer_length pointing before the start of the file, or a
// trailer entry whose compressed_size runs past the start of the trailer.
var ErrFormat = errors.New("archive: malformed archive")

// ErrNameNotFound is returned by Unbundle when a requested member name has
// no matching trailer entry.
var ErrNameNotFound = errors.New("archive: member not found")

// Member is one archive trailer entry: a file's name (basename only, per
// §4.6), its original size, its compressed blob size, and the byte offset
// within the archive payload where that blob begins.
type Member struct {
	Name           string
	Size           int64
	CompressedSize int64
	Offset         int64
}

// EncodeTrailer serialises members into the trailer layout of §4.6: a
// file_count, each entry's name_length/name/size/compressed_size, and a
// trailing trailer_length that counts the whole trailer including itself.
func EncodeTrailer(members []Member) []byte {
	var buf bytes.Buffer
	var tmp [8]byte
	putU64 := func(v uint64) {
		binary.BigEndian.PutUint64(tmp[:], v)
		buf.Write(tmp[:])
	}

	putU64(uint64(len(members)))
	for _, m := range members {
		putU64(uint64(len(m.Name)))
		buf.WriteString(m.Name)
		putU64(uint64(m.Size))
		putU64(uint64(m.CompressedSize))
	}
	trailerLength := uint64(buf.Len()) + 8
	putU64(trailerLength)
	return buf.Bytes()
}

// DecodeTrailer locates and parses the trailer of an archive of the given
// size, readable through ra, and recomputes each member's Offset by
// running a prefix sum over CompressedSize in trailer order (§4.6 step 2).
func DecodeTrailer(ra io.ReaderAt, fileSize int64) ([]Member, error) {
	if fileSize < 8 {
		return nil, fmt.Errorf("%w: archive of %d bytes is shorter than the trailer_length field", ErrFormat, fileSize)
	}

	var tail [8]byte
	if _, err := ra.ReadAt(tail[:], fileSize-8); err != nil {
		return nil, fmt.Errorf("archive: reading trailer_length: %w", err)
	}
	trailerLength := binary.BigEndian.Uint64(tail[:])
	if trailerLength < 8 || int64(trailerLength) > fileSize {
		return nil, fmt.Errorf("%w: trailer_length %d exceeds archive size %d", ErrFormat, trailerLength, fileSize)
	}

	trailerStart := fileSize - int64(trailerLength)
	buf := make([]byte, trailerLength)
	if _, err := ra.ReadAt(buf, trailerStart); err != nil {
		return nil, fmt.Errorf("archive: reading trailer: %w", err)
	}

	cur := buf
	readU64 := func() (uint64, error) {
		if len(cur) < 8 {
			return 0, fmt.Errorf("%w: trailer truncated", ErrFormat)
		}
		v := binary.BigEndian.Uint64(cur[:8])
		cur = cur[8:]
		return v, nil
	}

	fileCount, err := readU64()
	if err != nil {
		return nil, err
	}

	members := make([]Member, 0, fileCount)
	var offset, sumCompressed int64
	for i := uint64(0); i < fileCount; i++ {
		nameLength, err := readU64()
		if err != nil {
			return nil, err
		}
		if nameLength > uint64(len(cur)) {
			return nil, fmt.Errorf("%w: trailer entry %d name_length %d runs past trailer", ErrFormat, i, nameLength)
		}
		name := string(cur[:nameLength])
		cur = cur[nameLength:]

		size, err := readU64()
		if err != nil {
			return nil, err
		}
		compressedSize, err := readU64()
		if err != nil {
			return nil, err
		}

		members = append(members, Member{
			Name:           name,
			Size:           int64(size),
			CompressedSize: int64(compressedSize),
			Offset:         offset,
		})
		offset += int64(compressedSize)
		sumCompressed += int64(compressedSize)
	}

	trailerLengthRepeat, err := readU64()
	if err != nil {
		return nil, err
	}
	if trailerLengthRepeat != trailerLength {
		return nil, fmt.Errorf("%w: trailer_length mismatch (%d at start of field, %d repeated)", ErrFormat, trailerLength, trailerLengthRepeat)
	}
	if len(cur) != 0 {
		return nil, fmt.Errorf("%w: %d unexpected trailing bytes in trailer", ErrFormat, len(cur))
	}
	if sumCompressed > trailerStart {
		return nil, fmt.Errorf("%w: member blobs total %d bytes, exceeding the %d bytes before the trailer", ErrFormat, sumCompressed, trailerStart)
	}

	return members, nil
}

// archiveFingerprint derives a dedupe.Fingerprint for the live contents of
// an archive from its size, modification time, and trailer bytes, so that
// two different archives that pass through the same path at different
// times (or a rewritten archive whose first member happens to share a
// name with the one it replaced) hash to different decodeCache keys.
func archiveFingerprint(fi os.FileInfo, members []Member) uint64 {
	var buf bytes.Buffer
	var tmp [16]byte
	binary.BigEndian.PutUint64(tmp[0:8], uint64(fi.Size()))
	binary.BigEndian.PutUint64(tmp[8:16], uint64(fi.ModTime().UnixNano()))
	buf.Write(tmp[:])
	buf.Write(EncodeTrailer(members))
	return dedupe.Fingerprint(buf.Bytes())
}

type pass1Result struct {
	name           string
	size           int64
	root           *huffman.Node
	compressedSize int64
	xzData         []byte // non-nil when path was xz-compressed and pass 1 already decoded it
}

// openMemberSource returns a seekable view of path's bytes for pass 1: the
// raw file unless it begins with the xz magic, in which case it is
// decompressed fully into memory once (and that decompressed slice is
// returned alongside, so pass 2 can reuse it instead of decoding twice).
func openMemberSource(path string) (src io.ReadSeeker, xzData []byte, cleanup func(), err error) {
	xr, ok, xerr := xzimport.Open(path)
	if xerr != nil {
		return nil, nil, nil, xerr
	}
	if ok {
		data, rerr := io.ReadAll(xr)
		xr.Close()
		if rerr != nil {
			return nil, nil, nil, fmt.Errorf("archive: decompressing %s: %w", path, rerr)
		}
		return bytes.NewReader(data), data, func() {}, nil
	}

	f, ferr := os.Open(path)
	if ferr != nil {
		return nil, nil, nil, ferr
	}
	return f, nil, func() { f.Close() }, nil
}

// Bundle compresses each named input file independently and writes the
// resulting archive to archivePath. Pass 1 (frequency counting and tree
// construction) runs to completion for every member before any member's
// offset is known; pass 2 then writes each member's blob to its own
// disjoint byte range of the archive file, in parallel (spec §5). On any
// error the partial archive file is removed.
func Bundle(archivePath string, inputPaths []string) (err error) {
	slog.Info("bundleStart", "archive", archivePath, "members", len(inputPaths))

	out, err := os.OpenFile(archivePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("archive: creating %s: %w", archivePath, err)
	}
	defer func() {
		out.Close()
		if err != nil {
			slog.Warn("bundleFailedCleanup", "archive", archivePath, "err", err)
			os.Remove(archivePath)
		}
	}()

	results := make([]pass1Result, len(inputPaths))
	g := new(errgroup.Group)
	g.SetLimit(workerLimit)
	for i, path := range inputPaths {
		i, path := i, path
		g.Go(func() error {
			src, xzData, cleanup, oerr := openMemberSource(path)
			if oerr != nil {
				return fmt.Errorf("archive: opening %s: %w", path, oerr)
			}
			defer cleanup()

			freq, size, aerr := filecodec.Analyze(src)
			if aerr != nil {
				return fmt.Errorf("archive: analysing %s: %w", path, aerr)
			}
			root := huffman.Build(freq)
			_, _, compressedSize, lerr := filecodec.Layout(root)
			if lerr != nil {
				return fmt.Errorf("archive: laying out %s: %w", path, lerr)
			}

			results[i] = pass1Result{
				name:           filepath.Base(path),
				size:           size,
				root:           root,
				compressedSize: compressedSize,
				xzData:         xzData,
			}
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return err
	}

	members := make([]Member, len(results))
	var offset int64
	for i, r := range results {
		members[i] = Member{Name: r.name, Size: r.size, CompressedSize: r.compressedSize, Offset: offset}
		offset += r.compressedSize
	}
	trailerOffset := offset

	// Pre-size the file once, before any worker maps a window: each
	// mmapWriter independently extends the file to back its own window,
	// and concurrent Truncate calls to different lengths would race.
	if err = out.Truncate(trailerOffset); err != nil {
		return fmt.Errorf("archive: pre-sizing archive: %w", err)
	}

	g2 := new(errgroup.Group)
	g2.SetLimit(workerLimit)
	for i, path := range inputPaths {
		i, path, r := i, path, results[i]
		g2.Go(func() error {
			var src io.ReadSeeker
			if r.xzData != nil {
				// Already decompressed in pass 1; reuse it rather than
				// running the xz decoder a second time.
				src = bytes.NewReader(r.xzData)
			} else {
				f, ferr := os.Open(path)
				if ferr != nil {
					return fmt.Errorf("archive: reopening %s: %w", path, ferr)
				}
				defer f.Close()
				src = f
			}

			result, eerr := filecodec.EmitBlob(r.root, src, out, members[i].Offset, bitio.WithMmap())
			if eerr != nil {
				return fmt.Errorf("archive: emitting %s: %w", path, eerr)
			}
			if result.CompressedSize != r.compressedSize {
				return fmt.Errorf("archive: %s compressed to %d bytes, pass 1 predicted %d", path, result.CompressedSize, r.compressedSize)
			}
			return nil
		})
	}
	if err = g2.Wait(); err != nil {
		return err
	}

	trailer := EncodeTrailer(members)
	if _, err = out.WriteAt(trailer, trailerOffset); err != nil {
		return fmt.Errorf("archive: writing trailer: %w", err)
	}
	if err = out.Truncate(trailerOffset + int64(len(trailer))); err != nil {
		return fmt.Errorf("archive: truncating to final size: %w", err)
	}

	if catalogDB != nil {
		for _, m := range members {
			if cerr := catalogDB.Put(archivePath, m.Name, catalog.Entry{Size: m.Size, CompressedSize: m.CompressedSize, Offset: m.Offset}); cerr != nil {
				slog.Warn("catalogPutFailed", "archive", archivePath, "member", m.Name, "err", cerr)
			}
		}
	}

	slog.Info("bundleDone", "archive", archivePath, "members", len(members), "size", trailerOffset+int64(len(trailer)))
	return nil
}

// Unbundle reads the archive at archivePath and writes the requested
// members (all of them if names is empty) into outDir, named by their
// trailer basename. Decoding of distinct members is independent and runs
// in parallel; a failure leaves whatever members already decoded in place
// (spec §7).
func Unbundle(archivePath string, names []string, outDir string) error {
	slog.Info("unbundleStart", "archive", archivePath, "requested", len(names))

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("archive: opening %s: %w", archivePath, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("archive: stat %s: %w", archivePath, err)
	}

	members, err := DecodeTrailer(f, fi.Size())
	if err != nil {
		return err
	}

	// Fold the archive's size, modification time, and trailer into the
	// decodeCache key so a Bundle that later overwrites archivePath with
	// different members (or the same path reused for an unrelated archive)
	// can never return a stale payload decoded from what used to be there
	// (spec §8.1 round-trip).
	fingerprint := archiveFingerprint(fi, members)

	if catalogDB != nil {
		for _, m := range members {
			if cerr := catalogDB.Put(archivePath, m.Name, catalog.Entry{Size: m.Size, CompressedSize: m.CompressedSize, Offset: m.Offset}); cerr != nil {
				slog.Warn("catalogPutFailed", "archive", archivePath, "member", m.Name, "err", cerr)
			}
		}
	}

	byName := make(map[string]Member, len(members))
	for _, m := range members {
		byName[m.Name] = m
	}

	wanted := members
	if len(names) > 0 {
		wanted = make([]Member, 0, len(names))
		for _, name := range names {
			m, ok := byName[name]
			if !ok {
				return fmt.Errorf("%w: %q", ErrNameNotFound, name)
			}
			wanted = append(wanted, m)
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(workerLimit)
	for _, m := range wanted {
		m := m
		g.Go(func() error {
			outPath := filepath.Join(outDir, m.Name)
			dst, cerr := os.Create(outPath)
			if cerr != nil {
				return fmt.Errorf("archive: creating %s: %w", outPath, cerr)
			}
			defer dst.Close()

			key := dedupe.Key(archivePath, m.Name, m.Offset, fingerprint)
			if payload, hit := decodeCache.Get(key); hit {
				slog.Info("decodeCacheHit", "archive", archivePath, "member", m.Name)
				_, werr := dst.Write(payload)
				return werr
			}

			var buf bytes.Buffer
			if derr := filecodec.Decompress(f, m.Offset, m.CompressedSize, m.Size, &buf, bitio.WithMmap()); derr != nil {
				return fmt.Errorf("archive: decoding %s: %w", m.Name, derr)
			}
			decodeCache.Put(key, buf.Bytes())
			if _, werr := dst.Write(buf.Bytes()); werr != nil {
				return werr
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("unbundleDone", "archive", archivePath, "extracted", len(wanted))
	return nil
}
