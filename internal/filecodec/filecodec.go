// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package filecodec implements the two-pass compression and the
// streaming decompression of one archive member (spec §4.5): pass one
// counts byte frequencies, pass two emits the serialised tree followed by
// the encoded payload; decompression reads the tree once and then walks
// it bit by bit, exactly size times, with no end marker.
package filecodec

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/elliotnunn/huffbundle/internal/bitio"
	"github.com/elliotnunn/huffbundle/internal/huffman"
	"github.com/elliotnunn/huffbundle/internal/treecodec"
)

// ErrShortPayload is returned by Decompress when the bit stream is
// exhausted before size bytes have been produced.
var ErrShortPayload = errors.New("filecodec: payload truncated before declared size")

// CompressResult reports the layout of one compressed blob: the
// serialised tree immediately followed by the encoded payload, padded to
// a byte boundary.
type CompressResult struct {
	Size           int64 // original member size, in bytes
	TreeBits       int64
	PayloadBits    int64
	CompressedSize int64 // bytes written: ceil((TreeBits+PayloadBits)/8)
}

// Analyze performs pass 1: it reads r to EOF, returning the 256-entry
// byte-frequency table and the total size in bytes. It does not touch any
// bit stream, so the archive container can run this for every member
// before any member's offset is known (the barrier in spec §5).
func Analyze(r io.Reader) (freq [256]int64, size int64, err error) {
	br := bufio.NewReaderSize(r, 64*1024)
	buf := make([]byte, 64*1024)
	for {
		n, rerr := br.Read(buf)
		for _, b := range buf[:n] {
			freq[b]++
		}
		size += int64(n)
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return freq, size, rerr
		}
		if n == 0 {
			break
		}
	}
	return freq, size, nil
}

// Layout returns the tree and payload bit counts, and the resulting
// compressed byte size, for a tree already built from pass 1's
// frequencies. The archive container calls this right after Analyze to
// learn each member's compressed_size before any member's offset is fixed.
func Layout(root *huffman.Node) (treeBits, payloadBits, compressedSize int64, err error) {
	leaves := treecodec.CountLeaves(root)
	treeBits, err = treecodec.SerializedSizeBits(leaves)
	if err != nil {
		return 0, 0, 0, err
	}
	payloadBits = root.BitCount
	compressedSize = (treeBits + payloadBits + 7) / 8
	return treeBits, payloadBits, compressedSize, nil
}

// EmitBlob performs pass 2 for a member whose tree was already built from
// pass 1 (and whose compressed_size is therefore already known): it
// writes the serialised tree followed by the encoded payload to f at byte
// offset off. src must be positioned at the start of the member's bytes
// (pass 1 leaves it at EOF, so the caller rewinds or reopens between
// passes).
func EmitBlob(root *huffman.Node, src io.Reader, f *os.File, off int64, opts ...bitio.Option) (CompressResult, error) {
	treeBits, payloadBits, compressedSize, err := Layout(root)
	if err != nil {
		return CompressResult{}, err
	}

	w, err := bitio.NewWriter(f, off, opts...)
	if err != nil {
		return CompressResult{}, err
	}
	table, err := treecodec.Serialize(w, root)
	if err != nil {
		w.Close()
		return CompressResult{}, fmt.Errorf("filecodec: serialising tree: %w", err)
	}

	br := bufio.NewReaderSize(src, 64*1024)
	buf := make([]byte, 64*1024)
	var size int64
	for {
		n, rerr := br.Read(buf)
		for _, b := range buf[:n] {
			code, ok := table[b]
			if !ok {
				w.Close()
				return CompressResult{}, fmt.Errorf("filecodec: no code for byte %d", b)
			}
			if err := w.WriteBits(code); err != nil {
				w.Close()
				return CompressResult{}, err
			}
		}
		size += int64(n)
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			w.Close()
			return CompressResult{}, fmt.Errorf("filecodec: reading pass 2: %w", rerr)
		}
		if n == 0 {
			break
		}
	}

	if err := w.Close(); err != nil {
		return CompressResult{}, err
	}

	return CompressResult{
		Size:           size,
		TreeBits:       treeBits,
		PayloadBits:    payloadBits,
		CompressedSize: compressedSize,
	}, nil
}

// Compress runs both passes for one member: src is read twice (once to
// count frequencies, once to emit the payload, so it must support
// Seek(0, io.SeekStart) between passes), and the blob is written to f
// starting at byte offset off. It is the single-member convenience
// wrapper around Analyze, huffman.Build, and EmitBlob; the archive
// container uses those directly so it can fix offsets between passes.
func Compress(src io.ReadSeeker, f *os.File, off int64, opts ...bitio.Option) (CompressResult, *huffman.Node, error) {
	freq, _, err := Analyze(src)
	if err != nil {
		return CompressResult{}, nil, fmt.Errorf("filecodec: counting frequencies: %w", err)
	}

	root := huffman.Build(freq)

	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return CompressResult{}, nil, fmt.Errorf("filecodec: rewinding for pass 2: %w", err)
	}

	result, err := EmitBlob(root, src, f, off, opts...)
	if err != nil {
		return CompressResult{}, nil, err
	}
	return result, root, nil
}

// Decompress reads the blob at [off, off+compressedSize) from f,
// deserialises its tree, and writes exactly size decoded bytes to dst.
// There is no end-of-payload marker; the decoder stops once it has
// produced size bytes, which is why size must come from the trailer.
func Decompress(f *os.File, off, compressedSize, size int64, dst io.Writer, opts ...bitio.Option) error {
	r, err := bitio.NewReader(f, off, compressedSize, opts...)
	if err != nil {
		return err
	}
	defer r.Close()

	root, err := treecodec.Deserialize(r)
	if err != nil {
		return fmt.Errorf("filecodec: deserialising tree: %w", err)
	}

	bw := bufio.NewWriterSize(dst, 64*1024)
	for produced := int64(0); produced < size; produced++ {
		n := root
		for !n.IsLeaf() {
			bit, err := r.ReadBit()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrShortPayload, err)
			}
			if bit == 0 {
				n = n.Left
			} else {
				n = n.Right
			}
		}
		if err := bw.WriteByte(n.Symbol); err != nil {
			return err
		}
	}
	return bw.Flush()
}
