// Copyright (c) Elliot Nunn
// Licensed under the MIT license

//go:build unix

package bitio

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// mmapWriter writes sequentially into a page-aligned mmap window over f,
// remapping the next window as the cursor crosses a boundary. The file is
// extended (ftruncate) as needed to back each new window; callers that
// pre-size the archive (as internal/archive does from the pre-computed
// compressed_size) never pay for this beyond the final partial window.
type mmapWriter struct {
	f        *os.File
	fd       int
	winStart int64
	win      []byte
	cursor   int64
}

func newMmapWriter(f *os.File, off int64) (*mmapWriter, error) {
	w := &mmapWriter{f: f, fd: int(f.Fd()), cursor: off}
	if err := w.mapWindow(windowStart(off)); err != nil {
		return nil, err
	}
	return w, nil
}

func windowStart(off int64) int64 {
	return (off / int64(windowBytes)) * int64(windowBytes)
}

func (w *mmapWriter) mapWindow(start int64) error {
	if w.win != nil {
		if err := unix.Munmap(w.win); err != nil {
			return err
		}
		w.win = nil
	}
	need := start + int64(windowBytes)
	if fi, err := w.f.Stat(); err != nil {
		return err
	} else if fi.Size() < need {
		if err := w.f.Truncate(need); err != nil {
			return err
		}
	}
	m, err := unix.Mmap(w.fd, start, windowBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return err
	}
	w.win = m
	w.winStart = start
	return nil
}

func (w *mmapWriter) writeByte(b byte) error {
	if w.cursor >= w.winStart+int64(windowBytes) {
		if err := w.mapWindow(w.winStart + int64(windowBytes)); err != nil {
			return err
		}
	}
	w.win[w.cursor-w.winStart] = b
	w.cursor++
	return nil
}

func (w *mmapWriter) close() error {
	if w.win == nil {
		return nil
	}
	err := unix.Munmap(w.win)
	w.win = nil
	return err
}

// mmapReader reads sequentially from a page-aligned mmap window over f,
// bounded to [off, off+maxLen).
type mmapReader struct {
	f        *os.File
	fd       int
	limit    int64
	winStart int64
	win      []byte
	cursor   int64
}

func newMmapReader(f *os.File, off, maxLen int64) (*mmapReader, error) {
	r := &mmapReader{f: f, fd: int(f.Fd()), cursor: off, limit: off + maxLen}
	if err := r.mapWindow(windowStart(off)); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *mmapReader) mapWindow(start int64) error {
	if r.win != nil {
		if err := unix.Munmap(r.win); err != nil {
			return err
		}
		r.win = nil
	}
	fi, err := r.f.Stat()
	if err != nil {
		return err
	}
	size := int64(windowBytes)
	if start+size > fi.Size() {
		size = fi.Size() - start
	}
	if size <= 0 {
		r.win = nil
		r.winStart = start
		return nil
	}
	m, err := unix.Mmap(r.fd, start, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return err
	}
	r.win = m
	r.winStart = start
	return nil
}

func (r *mmapReader) readByte() (byte, error) {
	if r.cursor >= r.limit {
		return 0, io.EOF
	}
	if r.cursor >= r.winStart+int64(windowBytes) || r.win == nil {
		if err := r.mapWindow(windowStart(r.cursor)); err != nil {
			return 0, err
		}
	}
	idx := r.cursor - r.winStart
	if idx >= int64(len(r.win)) {
		return 0, io.EOF
	}
	b := r.win[idx]
	r.cursor++
	return b, nil
}

func (r *mmapReader) close() error {
	if r.win == nil {
		return nil
	}
	err := unix.Munmap(r.win)
	r.win = nil
	return err
}
