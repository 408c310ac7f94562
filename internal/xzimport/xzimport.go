// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package xzimport transparently decompresses xz-compressed input files
// ahead of Huffman compression, so bundling an already-xz'd file feeds
// its original bytes (which the byte-frequency model can actually exploit)
// to the codec instead of re-compressing noise. Grounded in the header
// probe used to recognise compressed streams before handing them to a
// format-specific reader.
package xzimport

import (
	"bufio"
	"io"
	"os"

	"github.com/therootcompany/xz"
)

// magic is the six-byte xz stream header.
var magic = []byte("\xFD7zXZ\x00")

// Open returns a reader over path's decompressed contents if it begins
// with the xz magic, and ok=false (with the file left untouched, ready
// for the caller to read its raw bytes) otherwise.
func Open(path string) (r io.ReadCloser, ok bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}

	head := make([]byte, len(magic))
	n, err := io.ReadFull(f, head)
	if (err != nil && err != io.ErrUnexpectedEOF) || n != len(magic) || string(head) != string(magic) {
		f.Close()
		return nil, false, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, false, err
	}

	xr, err := xz.NewReader(bufio.NewReader(f), xz.DefaultDictMax)
	if err != nil {
		f.Close()
		return nil, false, err
	}
	return &readCloser{Reader: xr, underlying: f}, true, nil
}

type readCloser struct {
	io.Reader
	underlying *os.File
}

func (rc *readCloser) Close() error {
	return rc.underlying.Close()
}
