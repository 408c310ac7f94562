// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package treecodec implements the self-delimiting pre-order serialisation
// of a Huffman tree and its symmetric deserialisation, and builds the
// per-symbol code table as a side effect of serialising (the interleaved
// form; see spec §4.4 and the accompanying design notes on why the
// interleaved variant was chosen over a separate code-table pass).
package treecodec

import (
	"errors"
	"fmt"

	"github.com/elliotnunn/huffbundle/internal/bitbuf"
	"github.com/elliotnunn/huffbundle/internal/bitio"
	"github.com/elliotnunn/huffbundle/internal/huffman"
)

// ErrTruncated is returned when deserialisation exhausts the bit stream
// before producing a complete tree.
var ErrTruncated = errors.New("treecodec: truncated tree")

// CodeTable maps a symbol to the bit sequence (code word) assigned to it.
// Entries exist only for symbols that occur in the tree (including
// degenerate filler leaves, per §4.3), and the caller must not mutate the
// returned buffers.
type CodeTable map[byte]*bitbuf.Buf

// Serialize walks root in pre-order, writing bit 0 for an inner node
// (recursing left then right) and bit 1 followed by the 8-bit LSB-first
// symbol value for a leaf, and returns the code table built along the way.
//
// Real leaves (Count > 0) always win the code-table slot for their symbol
// over a synthetic filler leaf sharing the same value, regardless of which
// is visited first in pre-order: filler entries are provisional and are
// replaced the first time the corresponding real leaf is reached.
func Serialize(w *bitio.Writer, root *huffman.Node) (CodeTable, error) {
	table := make(CodeTable)
	registeredReal := make(map[byte]bool)
	path := bitbuf.New()
	if err := serializeNode(w, path, root, table, registeredReal); err != nil {
		return nil, err
	}
	return table, nil
}

func serializeNode(w *bitio.Writer, path *bitbuf.Buf, n *huffman.Node, table CodeTable, registeredReal map[byte]bool) error {
	if n.IsLeaf() {
		marker := bitbuf.New()
		marker.Push(1)
		if err := w.WriteBits(marker); err != nil {
			return err
		}
		sym := bitbuf.New()
		for i := 0; i < 8; i++ {
			sym.Push(int(n.Symbol>>uint(i)) & 1)
		}
		if err := w.WriteBits(sym); err != nil {
			return err
		}

		if !registeredReal[n.Symbol] {
			table[n.Symbol] = path.Copy()
			if n.Count > 0 {
				registeredReal[n.Symbol] = true
			}
		}
		return nil
	}

	marker := bitbuf.New()
	marker.Push(0)
	if err := w.WriteBits(marker); err != nil {
		return err
	}

	path.Push(0)
	if err := serializeNode(w, path, n.Left, table, registeredReal); err != nil {
		return err
	}
	path.Pop()

	path.Push(1)
	if err := serializeNode(w, path, n.Right, table, registeredReal); err != nil {
		return err
	}
	path.Pop()

	return nil
}

// Deserialize reads a tree written by Serialize back from r.
func Deserialize(r *bitio.Reader) (*huffman.Node, error) {
	n, err := deserializeNode(r)
	if err != nil {
		if errors.Is(err, errEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}
	return n, nil
}

var errEOF = errors.New("treecodec: unexpected end of stream")

func deserializeNode(r *bitio.Reader) (*huffman.Node, error) {
	tag, err := r.ReadBit()
	if err != nil {
		return nil, errEOF
	}
	if tag == 1 {
		var sym byte
		for i := 0; i < 8; i++ {
			b, err := r.ReadBit()
			if err != nil {
				return nil, errEOF
			}
			if b != 0 {
				sym |= 1 << uint(i)
			}
		}
		return &huffman.Node{Symbol: sym}, nil
	}

	left, err := deserializeNode(r)
	if err != nil {
		return nil, err
	}
	right, err := deserializeNode(r)
	if err != nil {
		return nil, err
	}
	return &huffman.Node{Left: left, Right: right}, nil
}

// SerializedSizeBits returns the number of bits the serialised form of a
// tree with lfinal leaves occupies: lfinal*9 + (lfinal-1), the closed form
// from §4.4 that lets a caller pre-compute archive layout without walking
// the tree. lfinal must be >= 2 (the builder guarantees this via filler).
func SerializedSizeBits(lfinal int) (int64, error) {
	if lfinal < 2 {
		return 0, fmt.Errorf("treecodec: lfinal=%d, want >= 2", lfinal)
	}
	return int64(lfinal)*9 + int64(lfinal-1), nil
}

// CountLeaves returns the number of leaves in the tree rooted at n.
func CountLeaves(n *huffman.Node) int {
	if n.IsLeaf() {
		return 1
	}
	return CountLeaves(n.Left) + CountLeaves(n.Right)
}
