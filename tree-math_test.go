package mls

import (
	"testing"

	"github.com/cisco/go-tls-syntax"
	"github.com/stretchr/testify/require"
)

func TestTreeMathSizes(t *testing.T) {
	require.Equal(t, uint(0), log2(1))
	require.Equal(t, uint(1), log2(2))
	require.Equal(t, uint(3), log2(15))

	require.Equal(t, uint(0), level(0))
	require.Equal(t, uint(1), level(1))
	require.Equal(t, uint(1), level(5))
	require.Equal(t, uint(2), level(3))
	require.Equal(t, uint(3), level(7))

	require.Equal(t, NodeCount(15), nodeWidth(8))
	require.Equal(t, LeafCount(8), leafWidth(15))
	require.Equal(t, LeafCount(1), fullSize(1))
	require.Equal(t, LeafCount(8), fullSize(5))
	require.True(t, isPowerOfTwo(4))
	require.False(t, isPowerOfTwo(6))
	require.False(t, isPowerOfTwo(0))

	require.Panics(t, func() { toLeafIndex(3) })
	require.Panics(t, func() { leafWidth(4) })
}

func TestTreeMathRelations(t *testing.T) {
	n := LeafCount(8)

	require.Equal(t, NodeIndex(0), root(1))
	require.Equal(t, NodeIndex(1), root(2))
	require.Equal(t, NodeIndex(3), root(4))
	require.Equal(t, NodeIndex(7), root(8))

	require.Equal(t, NodeIndex(0), left(0))
	require.Equal(t, NodeIndex(1), left(3))
	require.Equal(t, NodeIndex(5), right(3))
	require.Equal(t, NodeIndex(3), left(7))
	require.Equal(t, NodeIndex(11), right(7))

	require.Equal(t, NodeIndex(1), parent(0, n))
	require.Equal(t, NodeIndex(3), parent(5, n))
	require.Equal(t, NodeIndex(9), parent(8, n))
	require.Equal(t, NodeIndex(7), parent(7, n))

	require.Equal(t, NodeIndex(2), sibling(0, n))
	require.Equal(t, NodeIndex(5), sibling(1, n))
	require.Equal(t, NodeIndex(3), sibling(11, n))
	require.Equal(t, NodeIndex(7), sibling(7, n))

	// Growing the tree keeps indices: the old root gets a parent
	require.Equal(t, NodeIndex(15), parent(7, 16))

	require.Equal(t, []NodeIndex{1, 3, 7}, dirpath(0, n))
	require.Equal(t, []NodeIndex{2, 5, 11}, copath(0, n))
	require.Equal(t, []NodeIndex{9, 11, 7}, dirpath(8, n))
	require.Equal(t, []NodeIndex{10, 13, 3}, copath(8, n))
	require.Equal(t, []NodeIndex{}, dirpath(0, 1))

	require.Equal(t, NodeIndex(0), ancestor(0, 0))
	require.Equal(t, NodeIndex(1), ancestor(0, 1))
	require.Equal(t, NodeIndex(3), ancestor(0, 2))
	require.Equal(t, NodeIndex(5), ancestor(2, 3))
	require.Equal(t, NodeIndex(7), ancestor(0, 7))
	require.Equal(t, ancestor(1, 6), ancestor(6, 1))

	require.True(t, inSubtree(0, 3))
	require.True(t, inSubtree(6, 3))
	require.False(t, inSubtree(8, 3))
	require.True(t, inSubtree(5, 5))
	require.False(t, inSubtree(3, 5))
}

// Every leaf's copath node covers exactly the leaves the matching dirpath
// node adds.
func TestTreeMathCopathCoversTree(t *testing.T) {
	for _, n := range []LeafCount{1, 2, 4, 8, 16} {
		for l := LeafIndex(0); LeafCount(l) < n; l++ {
			x := toNodeIndex(l)
			covered := map[LeafIndex]bool{l: true}
			for _, c := range copath(x, n) {
				for o := LeafIndex(0); LeafCount(o) < n; o++ {
					if inSubtree(toNodeIndex(o), c) {
						require.False(t, covered[o])
						covered[o] = true
					}
				}
			}
			require.Equal(t, int(n), len(covered))
		}
	}
}

///
/// Test Vectors
///

type TreeMathTestVectors struct {
	NumLeaves LeafCount
	Root      []NodeIndex `tls:"head=4"`
	Left      []NodeIndex `tls:"head=4"`
	Right     []NodeIndex `tls:"head=4"`
	Parent    []NodeIndex `tls:"head=4"`
	Sibling   []NodeIndex `tls:"head=4"`
}

func generateTreeMathVectors(t *testing.T) []byte {
	tv := TreeMathTestVectors{NumLeaves: 32}

	for n := LeafCount(1); n <= tv.NumLeaves; n <<= 1 {
		tv.Root = append(tv.Root, root(n))
	}

	w := nodeWidth(tv.NumLeaves)
	for x := NodeIndex(0); NodeCount(x) < w; x++ {
		tv.Left = append(tv.Left, left(x))
		tv.Right = append(tv.Right, right(x))
		tv.Parent = append(tv.Parent, parent(x, tv.NumLeaves))
		tv.Sibling = append(tv.Sibling, sibling(x, tv.NumLeaves))
	}

	vec, err := syntax.Marshal(tv)
	require.Nil(t, err)
	return vec
}

func verifyTreeMathVectors(t *testing.T, data []byte) {
	var tv TreeMathTestVectors
	_, err := syntax.Unmarshal(data, &tv)
	require.Nil(t, err)

	i := 0
	for n := LeafCount(1); n <= tv.NumLeaves; n <<= 1 {
		require.Equal(t, tv.Root[i], root(n))
		i++
	}

	w := nodeWidth(tv.NumLeaves)
	require.Equal(t, int(w), len(tv.Left))
	for x := NodeIndex(0); NodeCount(x) < w; x++ {
		require.Equal(t, tv.Left[x], left(x))
		require.Equal(t, tv.Right[x], right(x))
		require.Equal(t, tv.Parent[x], parent(x, tv.NumLeaves))
		require.Equal(t, tv.Sibling[x], sibling(x, tv.NumLeaves))
	}
}
