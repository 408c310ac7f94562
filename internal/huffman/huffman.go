// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package huffman builds a static Huffman tree from a byte-frequency table.
// A tree is a strict binary tree: every inner node owns exactly two
// children, and every leaf holds one byte value. There are no ownership
// cycles, so an ordinary post-order walk is enough to visit or destroy one.
package huffman

// Node is either an inner node (Left and Right non-nil) or a leaf
// (Left and Right nil, Symbol set). Count is the occurrence weight: for a
// leaf, the frequency it was built from; for an inner node, the sum of its
// children's counts.
//
// BitCount precomputes, for the subtree rooted here, the number of payload
// bits the encoder will emit for every occurrence of every symbol beneath
// it (the weighted external path length). Leaves contribute 0; an inner
// node's BitCount is (Left.BitCount+Left.Count)+(Right.BitCount+Right.Count).
// After the tree is fully built, root.BitCount is exactly the payload size
// in bits — used to pre-size the archive without walking the tree.
type Node struct {
	Left, Right *Node
	Symbol      byte
	Count       int64
	BitCount    int64
}

// IsLeaf reports whether n is a leaf node.
func (n *Node) IsLeaf() bool {
	return n.Left == nil && n.Right == nil
}

// Build constructs a Huffman tree from freq, a mapping from symbol to
// occurrence count covering only symbols that appear in the input
// (count == 0 entries are ignored, matching §4.3's "materialise a leaf for
// every symbol with count > 0").
//
// If fewer than two symbols occur, synthetic filler leaves with value 0
// and count 0 are appended until there are two, guaranteeing at least one
// inner node so every real symbol gets a non-empty code (§4.3 step 2).
// Ties in weight during merging are broken by insertion order: the
// working set behaves as a stable queue, so earlier insertions are
// consumed first, matching the source's repeated-stable-sort approach.
func Build(freq [256]int64) *Node {
	var leaves []*Node
	for sym := 0; sym < 256; sym++ {
		if freq[sym] > 0 {
			leaves = append(leaves, &Node{Symbol: byte(sym), Count: freq[sym]})
		}
	}

	// Degenerate-alphabet filler: guarantee at least two leaves.
	// A synthetic leaf uses value 0; if 0 already occurs as a real leaf,
	// the filler still gets its own node (they share a symbol value but
	// are distinct leaves) since the builder only ever needs a second
	// weight-0 leaf to force an inner node to exist.
	for len(leaves) < 2 {
		leaves = append(leaves, &Node{Symbol: 0, Count: 0})
	}

	return build(leaves)
}

// build runs the merge loop: repeatedly combine the two lowest-weight
// nodes (ties broken by queue order) until one node — the root — remains.
func build(work []*Node) *Node {
	for len(work) > 1 {
		i, j := twoLowest(work)
		// i < j by construction of twoLowest.
		left, right := work[i], work[j]
		merged := &Node{
			Left:     left,
			Right:    right,
			Count:    left.Count + right.Count,
			BitCount: (left.BitCount + left.Count) + (right.BitCount + right.Count),
		}

		next := make([]*Node, 0, len(work)-1)
		for k, n := range work {
			if k == i || k == j {
				continue
			}
			next = append(next, n)
		}
		next = append(next, merged)
		work = next
	}
	return work[0]
}

// twoLowest returns the indices (i < j) of the two lowest-Count nodes in
// work, preferring earlier indices on ties so that earlier insertions into
// the working set are consumed first.
func twoLowest(work []*Node) (i, j int) {
	i, j = -1, -1
	for k, n := range work {
		if i == -1 || n.Count < work[i].Count {
			j = i
			i = k
		} else if j == -1 || n.Count < work[j].Count {
			j = k
		}
	}
	if i > j {
		i, j = j, i
	}
	return i, j
}
