package mls

import (
	"bytes"
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

type NodeType uint8

const (
	NodeTypeLeaf   NodeType = 1
	NodeTypeParent NodeType = 2
)

func (nt NodeType) ValidForTLS() error {
	return validateEnum(nt, NodeTypeLeaf, NodeTypeParent)
}

// struct {
//     HPKEPublicKey encryption_key;
//     uint32 unmerged_leaves<0..2^32-1>;
// } ParentNode;
type ParentNode struct {
	PublicKey      HPKEPublicKey
	UnmergedLeaves []LeafIndex `tls:"head=4"`
}

func (n *ParentNode) addUnmerged(l LeafIndex) {
	for _, u := range n.UnmergedLeaves {
		if u == l {
			return
		}
	}
	n.UnmergedLeaves = append(n.UnmergedLeaves, l)
}

func (n ParentNode) clone() ParentNode {
	out := ParentNode{
		PublicKey:      HPKEPublicKey{Data: dup(n.PublicKey.Data)},
		UnmergedLeaves: make([]LeafIndex, len(n.UnmergedLeaves)),
	}
	copy(out.UnmergedLeaves, n.UnmergedLeaves)
	return out
}

// struct {
//     NodeType node_type;
//     select (Node.node_type) {
//         case leaf:   LeafNode leaf_node;
//         case parent: ParentNode parent_node;
//     };
// } Node;
type Node struct {
	Leaf   *LeafNode
	Parent *ParentNode
}

func (n Node) Type() NodeType {
	if n.Leaf != nil {
		return NodeTypeLeaf
	}
	return NodeTypeParent
}

func (n Node) PublicKey() HPKEPublicKey {
	if n.Leaf != nil {
		return n.Leaf.EncryptionKey
	}
	return n.Parent.PublicKey
}

func (n Node) clone() Node {
	switch {
	case n.Leaf != nil:
		leaf := n.Leaf.clone()
		return Node{Leaf: &leaf}
	case n.Parent != nil:
		parent := n.Parent.clone()
		return Node{Parent: &parent}
	}
	return Node{}
}

func (n Node) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	err := s.Write(n.Type())
	if err != nil {
		return nil, err
	}

	switch {
	case n.Leaf != nil:
		err = s.Write(n.Leaf)
	case n.Parent != nil:
		err = s.Write(n.Parent)
	default:
		err = fmt.Errorf("mls.tree: empty node")
	}

	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (n *Node) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var nodeType NodeType
	_, err := s.Read(&nodeType)
	if err != nil {
		return 0, err
	}

	switch nodeType {
	case NodeTypeLeaf:
		n.Leaf = new(LeafNode)
		_, err = s.Read(n.Leaf)
	case NodeTypeParent:
		n.Parent = new(ParentNode)
		_, err = s.Read(n.Parent)
	default:
		err = fmt.Errorf("mls.tree: unknown node type %d", nodeType)
	}

	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

type OptionalNode struct {
	Node *Node `tls:"optional"`
}

func (n OptionalNode) Blank() bool {
	return n.Node == nil
}

func (n *OptionalNode) SetToBlank() {
	n.Node = nil
}

func (n OptionalNode) Clone() OptionalNode {
	if n.Node == nil {
		return OptionalNode{}
	}

	node := n.Node.clone()
	return OptionalNode{Node: &node}
}

///
/// RatchetTree
///

// RatchetTree is the public half of the group's TreeKEM state, identical at
// every member for a given epoch.
type RatchetTree struct {
	Suite CipherSuite    `tls:"omit"`
	Nodes []OptionalNode `tls:"head=4"`
}

func NewRatchetTree(suite CipherSuite) *RatchetTree {
	return &RatchetTree{Suite: suite}
}

func (t RatchetTree) Size() LeafCount {
	return leafWidth(NodeCount(len(t.Nodes)))
}

// validate checks the shape of a tree received from another member.
func (t RatchetTree) validate() error {
	w := NodeCount(len(t.Nodes))
	if w == 0 || w&1 == 0 || !isPowerOfTwo(leafWidth(w)) {
		return fmt.Errorf("mls.tree: malformed tree width %d", w)
	}

	for i, n := range t.Nodes {
		if n.Blank() {
			continue
		}

		isLeaf := level(NodeIndex(i)) == 0
		switch {
		case isLeaf && n.Node.Leaf == nil:
			return fmt.Errorf("mls.tree: parent node at leaf position %d", i)
		case !isLeaf && n.Node.Parent == nil:
			return fmt.Errorf("mls.tree: leaf node at parent position %d", i)
		}
	}
	return nil
}

func (t RatchetTree) LeafNode(index LeafIndex) (*LeafNode, bool) {
	ni := toNodeIndex(index)
	if int(ni) >= len(t.Nodes) || t.Nodes[ni].Blank() {
		return nil, false
	}
	return t.Nodes[ni].Node.Leaf, true
}

func (t RatchetTree) HasLeaf(index LeafIndex) bool {
	_, ok := t.LeafNode(index)
	return ok
}

// Members lists the occupied leaves in index order.
func (t RatchetTree) Members() []LeafIndex {
	out := []LeafIndex{}
	for i := LeafIndex(0); LeafCount(i) < t.Size(); i++ {
		if t.HasLeaf(i) {
			out = append(out, i)
		}
	}
	return out
}

func (t RatchetTree) Find(leaf LeafNode) (LeafIndex, bool) {
	for _, i := range t.Members() {
		n, _ := t.LeafNode(i)
		if n.Equals(leaf) {
			return i, true
		}
	}
	return 0, false
}

func (t RatchetTree) findSignatureKey(pub SignaturePublicKey) (LeafIndex, bool) {
	for _, i := range t.Members() {
		n, _ := t.LeafNode(i)
		if n.Credential.PublicKey().Equals(pub) {
			return i, true
		}
	}
	return 0, false
}

// AddLeaf places a leaf in the leftmost blank slot, doubling the tree if
// there is none, and marks it unmerged on every populated ancestor.
func (t *RatchetTree) AddLeaf(leaf LeafNode) LeafIndex {
	index := LeafIndex(0)
	size := t.Size()
	for LeafCount(index) < size && t.HasLeaf(index) {
		index++
	}

	if LeafCount(index) >= size {
		t.extend()
	}

	n := toNodeIndex(index)
	t.Nodes[n] = OptionalNode{Node: &Node{Leaf: &leaf}}

	for _, p := range dirpath(n, t.Size()) {
		if t.Nodes[p].Blank() {
			continue
		}
		t.Nodes[p].Node.Parent.addUnmerged(index)
	}

	return index
}

func (t *RatchetTree) extend() {
	size := t.Size()
	next := LeafCount(1)
	if size > 0 {
		next = 2 * size
	}

	for NodeCount(len(t.Nodes)) < nodeWidth(next) {
		t.Nodes = append(t.Nodes, OptionalNode{})
	}
}

// UpdateLeaf replaces a member's leaf and blanks its direct path.
func (t *RatchetTree) UpdateLeaf(index LeafIndex, leaf LeafNode) {
	t.BlankPath(index)
	t.Nodes[toNodeIndex(index)] = OptionalNode{Node: &Node{Leaf: &leaf}}
}

// RemoveLeaf blanks a member's leaf and direct path, then drops any wholly
// blank right half of the tree.
func (t *RatchetTree) RemoveLeaf(index LeafIndex) {
	t.BlankPath(index)
	t.truncate()
}

func (t *RatchetTree) BlankPath(index LeafIndex) {
	if len(t.Nodes) == 0 {
		return
	}

	ni := toNodeIndex(index)
	t.Nodes[ni].SetToBlank()
	for _, n := range dirpath(ni, t.Size()) {
		t.Nodes[n].SetToBlank()
	}
}

func (t *RatchetTree) truncate() {
	for t.Size() > 1 {
		r := root(t.Size())
		for i := int(r) + 1; i < len(t.Nodes); i++ {
			if !t.Nodes[i].Blank() {
				return
			}
		}

		t.Nodes = t.Nodes[:nodeWidth(t.Size()/2)]
	}
}

// Merge installs the public keys of a committer's update path.
func (t *RatchetTree) Merge(from LeafIndex, path UpdatePath) error {
	ni := toNodeIndex(from)
	dp := dirpath(ni, t.Size())
	if len(dp) != len(path.Nodes) {
		return fmt.Errorf("mls.tree: malformed update path: %d nodes for %d ancestors", len(path.Nodes), len(dp))
	}

	leaf := path.LeafNode.clone()
	t.Nodes[ni] = OptionalNode{Node: &Node{Leaf: &leaf}}
	for i, n := range dp {
		pub := HPKEPublicKey{Data: dup(path.Nodes[i].EncryptionKey.Data)}
		t.Nodes[n] = OptionalNode{Node: &Node{Parent: &ParentNode{PublicKey: pub}}}
	}

	return nil
}

// resolve returns the minimal set of populated nodes covering the subtree
// under index.
func (t RatchetTree) resolve(index NodeIndex) []NodeIndex {
	// Resolution of non-blank is node + unmerged leaves
	if !t.Nodes[index].Blank() {
		res := []NodeIndex{index}
		if level(index) > 0 {
			for _, v := range t.Nodes[index].Node.Parent.UnmergedLeaves {
				res = append(res, toNodeIndex(v))
			}
		}
		return res
	}

	// Resolution of blank leaf is the empty list
	if level(index) == 0 {
		return []NodeIndex{}
	}

	// Resolution of blank intermediate node is concatenation of the resolutions
	// of the children
	l := t.resolve(left(index))
	r := t.resolve(right(index))
	return append(l, r...)
}

///
/// Tree hash
///

// struct {
//     uint32 leaf_index;
//     optional<LeafNode> leaf_node;
// } LeafNodeHashInput;
type leafNodeHashInput struct {
	LeafIndex LeafIndex
	LeafNode  *LeafNode `tls:"optional"`
}

// struct {
//     optional<ParentNode> parent_node;
//     opaque left_hash<0..255>;
//     opaque right_hash<0..255>;
// } ParentNodeHashInput;
type parentNodeHashInput struct {
	ParentNode *ParentNode `tls:"optional"`
	LeftHash   []byte      `tls:"head=1"`
	RightHash  []byte      `tls:"head=1"`
}

func (t RatchetTree) nodeHash(index NodeIndex) ([]byte, error) {
	var input []byte
	var err error
	if level(index) == 0 {
		in := leafNodeHashInput{LeafIndex: toLeafIndex(index)}
		if !t.Nodes[index].Blank() {
			in.LeafNode = t.Nodes[index].Node.Leaf
		}
		input, err = marshalAll(NodeTypeLeaf, in)
	} else {
		in := parentNodeHashInput{}
		if !t.Nodes[index].Blank() {
			in.ParentNode = t.Nodes[index].Node.Parent
		}

		in.LeftHash, err = t.nodeHash(left(index))
		if err != nil {
			return nil, err
		}

		in.RightHash, err = t.nodeHash(right(index))
		if err != nil {
			return nil, err
		}

		input, err = marshalAll(NodeTypeParent, in)
	}

	if err != nil {
		return nil, err
	}
	return t.Suite.Digest(input), nil
}

func (t RatchetTree) RootHash() ([]byte, error) {
	if len(t.Nodes) == 0 {
		return nil, fmt.Errorf("mls.tree: empty tree")
	}
	return t.nodeHash(root(t.Size()))
}

func (t RatchetTree) Clone() RatchetTree {
	next := RatchetTree{
		Suite: t.Suite,
		Nodes: make([]OptionalNode, len(t.Nodes)),
	}

	for i, n := range t.Nodes {
		next.Nodes[i] = n.Clone()
	}
	return next
}

func (t RatchetTree) Equals(o RatchetTree) bool {
	lhs, err := syntax.Marshal(t)
	if err != nil {
		return false
	}

	rhs, err := syntax.Marshal(o)
	if err != nil {
		return false
	}

	return t.Suite == o.Suite && bytes.Equal(lhs, rhs)
}
