// Copyright (c) Elliot Nunn
// Licensed under the MIT license

//go:build !unix

package bitio

import (
	"errors"
	"os"
)

var errMmapUnavailable = errors.New("bitio: mmap backend unavailable on this platform")

func newMmapWriter(f *os.File, off int64) (byteSink, error) {
	return nil, errMmapUnavailable
}

func newMmapReader(f *os.File, off, maxLen int64) (byteSource, error) {
	return nil, errMmapUnavailable
}
