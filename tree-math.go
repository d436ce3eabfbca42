package mls

import "fmt"

// The below functions provide the index calculus for the tree structures used in MLS.
// They are premised on a "flat" representation of a full binary tree.  Leaf nodes
// are even-numbered nodes, with the n-th leaf at 2*n.  Intermediate nodes are held in
// odd-numbered nodes.  The number of leaves is always a power of two, so every
// intermediate node has both children.  For example, an 8-leaf tree:
//
//                      X
//          X                       X
//    X           X           X           X
// X     X     X     X     X     X     X     X
// 0  1  2  3  4  5  6  7  8  9  a  b  c  d  e
//
// Growing the tree doubles it: the old root becomes the left child of the new
// root and no existing node changes index.  The basic rule is that the
// high-order bits of parent and child nodes have the following relation:
//
//    01x = <00x, 10x>

type LeafIndex uint32
type LeafCount uint32
type NodeIndex uint32
type NodeCount uint32

func toNodeIndex(leaf LeafIndex) NodeIndex {
	return NodeIndex(2 * leaf)
}

func toLeafIndex(node NodeIndex) LeafIndex {
	if node&0x01 != 0 {
		panic(fmt.Errorf("only even node indices are leaves: %d", node))
	}
	return LeafIndex(node >> 1)
}

// Position of the most significant 1 bit
func log2(x NodeCount) uint {
	if x == 0 {
		return 0
	}

	k := uint(0)
	for (x >> k) > 0 {
		k += 1
	}
	return k - 1
}

// Position of the least significant 0 bit
func level(x NodeIndex) uint {
	if x&0x01 == 0 {
		return 0
	}

	k := uint(0)
	for (x>>k)&0x01 == 1 {
		k += 1
	}
	return k
}

func isPowerOfTwo(n LeafCount) bool {
	return n != 0 && n&(n-1) == 0
}

// Smallest power of two holding n leaves
func fullSize(n LeafCount) LeafCount {
	size := LeafCount(1)
	for size < n {
		size <<= 1
	}
	return size
}

// Number of nodes for a tree of size N
func nodeWidth(n LeafCount) NodeCount {
	if n == 0 {
		return 0
	}
	return NodeCount(2*(n-1) + 1)
}

// Number of leaves in a tree of width W
func leafWidth(w NodeCount) LeafCount {
	if w == 0 {
		return 0
	}

	if w&1 == 0 {
		panic(fmt.Errorf("only odd node counts describe trees"))
	}
	return LeafCount((w >> 1) + 1)
}

// Index of the root of the tree with N leaves
func root(n LeafCount) NodeIndex {
	w := nodeWidth(n)
	return NodeIndex((1 << log2(w)) - 1)
}

// Left child of x
func left(x NodeIndex) NodeIndex {
	k := level(x)
	if k == 0 {
		return x
	}

	return x ^ (0x01 << (k - 1))
}

// Right child of x
func right(x NodeIndex) NodeIndex {
	k := level(x)
	if k == 0 {
		return x
	}

	return x ^ (0x03 << (k - 1))
}

// Immediate parent of x in an unbounded tree
func parentStep(x NodeIndex) NodeIndex {
	// xy01 -> x011
	k := level(x)
	one := uint(1)
	return NodeIndex((uint(x) | (one << k)) & ^(one << (k + 1)))
}

// Parent of x; the root's parent is itself
func parent(x NodeIndex, n LeafCount) NodeIndex {
	if x == root(n) {
		return x
	}
	return parentStep(x)
}

// Sibling of x; the root's sibling is itself
func sibling(x NodeIndex, n LeafCount) NodeIndex {
	p := parent(x, n)
	if x < p {
		return right(p)
	} else if x > p {
		return left(p)
	}
	return p
}

// Direct path for x
// Ordered from the parent of x to the root, excluding x itself
func dirpath(x NodeIndex, n LeafCount) []NodeIndex {
	d := []NodeIndex{}
	r := root(n)
	for p := x; p != r; {
		p = parent(p, n)
		d = append(d, p)
	}
	return d
}

// Copath for x
// Ordered from x's sibling to the root's child, one entry per dirpath node
func copath(x NodeIndex, n LeafCount) []NodeIndex {
	d := dirpath(x, n)
	c := make([]NodeIndex, len(d))
	prev := x
	for i, p := range d {
		c[i] = sibling(prev, n)
		prev = p
	}
	return c
}

// Lowest common ancestor of two leaves
func ancestor(l, r LeafIndex) NodeIndex {
	ln, rn := toNodeIndex(l), toNodeIndex(r)
	if ln == rn {
		return ln
	}

	k := uint(0)
	for ln != rn {
		ln >>= 1
		rn >>= 1
		k += 1
	}

	prefix := uint(ln) << k
	stop := uint(1) << (k - 1)
	return NodeIndex(prefix + (stop - 1))
}

// Whether node x lies in the subtree rooted at a
func inSubtree(x, a NodeIndex) bool {
	span := NodeIndex(1<<level(a)) - 1
	return x >= a-span && x <= a+span
}
