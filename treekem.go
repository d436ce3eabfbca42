package mls

import (
	"fmt"
)

// TreeKEMPrivateKey holds the private keys a member knows for nodes of the
// ratchet tree: its own leaf and some of its ancestors.
type TreeKEMPrivateKey struct {
	Suite       CipherSuite
	Index       LeafIndex
	PrivateKeys map[NodeIndex]HPKEPrivateKey `tls:"head=4"`

	// Only populated between deriving a path and handing it to joiners
	PathSecrets map[NodeIndex]Bytes1 `tls:"omit"`
}

func newTreeKEMPrivateKey(suite CipherSuite, index LeafIndex) *TreeKEMPrivateKey {
	return &TreeKEMPrivateKey{
		Suite:       suite,
		Index:       index,
		PrivateKeys: map[NodeIndex]HPKEPrivateKey{},
		PathSecrets: map[NodeIndex]Bytes1{},
	}
}

// NewTreeKEMPrivateKey derives the leaf key and every path secret up to the
// root from a fresh leaf secret.
func NewTreeKEMPrivateKey(suite CipherSuite, size LeafCount, index LeafIndex, leafSecret []byte) (*TreeKEMPrivateKey, error) {
	priv := newTreeKEMPrivateKey(suite, index)
	err := priv.setPathSecrets(toNodeIndex(index), size, leafSecret)
	if err != nil {
		return nil, err
	}
	return priv, nil
}

func NewTreeKEMPrivateKeyForJoiner(suite CipherSuite, index LeafIndex, size LeafCount, leafPriv HPKEPrivateKey, intersect NodeIndex, pathSecret []byte) (*TreeKEMPrivateKey, error) {
	priv := newTreeKEMPrivateKey(suite, index)
	priv.PrivateKeys[toNodeIndex(index)] = leafPriv

	if pathSecret == nil {
		return priv, nil
	}

	err := priv.setPathSecrets(intersect, size, pathSecret)
	if err != nil {
		return nil, err
	}
	return priv, nil
}

func (priv TreeKEMPrivateKey) pathStep(pathSecret []byte) []byte {
	return priv.Suite.deriveSecret(pathSecret, "path")
}

func (priv TreeKEMPrivateKey) nodeSecret(pathSecret []byte) []byte {
	return priv.Suite.deriveSecret(pathSecret, "node")
}

// setPathSecrets hashes a path secret from start up to the root, deriving
// the key pair of every node along the way.
func (priv *TreeKEMPrivateKey) setPathSecrets(start NodeIndex, size LeafCount, secret []byte) error {
	r := root(size)
	pathSecret := secret
	for n := start; ; n = parent(n, size) {
		nodePriv, err := priv.Suite.hpke().Derive(priv.nodeSecret(pathSecret))
		if err != nil {
			return err
		}

		priv.PathSecrets[n] = dup(pathSecret)
		priv.PrivateKeys[n] = nodePriv

		if n == r {
			return nil
		}
		pathSecret = priv.pathStep(pathSecret)
	}
}

// commitSecret is one step past the root's path secret.
func (priv TreeKEMPrivateKey) commitSecret(size LeafCount) ([]byte, error) {
	secret, ok := priv.PathSecrets[root(size)]
	if !ok {
		return nil, fmt.Errorf("mls.treekem: no path secret for root")
	}
	return priv.pathStep(secret), nil
}

// PathSecret returns the secret a joiner at leaf `to` needs: the one at our
// lowest common ancestor.
func (priv TreeKEMPrivateKey) PathSecret(to LeafIndex) (NodeIndex, []byte, bool) {
	n := ancestor(priv.Index, to)
	secret, ok := priv.PathSecrets[n]
	if !ok {
		return 0, nil, false
	}
	return n, dup(secret), true
}

func (priv *TreeKEMPrivateKey) clearPathSecrets() {
	for n, secret := range priv.PathSecrets {
		zeroize(secret)
		delete(priv.PathSecrets, n)
	}
}

// prune forgets private keys whose node is now blank or carries a different
// public key.
func (priv *TreeKEMPrivateKey) prune(t RatchetTree) {
	for n, key := range priv.PrivateKeys {
		if int(n) < len(t.Nodes) && !t.Nodes[n].Blank() && t.Nodes[n].Node.PublicKey().Equals(key.PublicKey) {
			continue
		}

		zeroize(key.Data)
		delete(priv.PrivateKeys, n)
	}
}

func (priv TreeKEMPrivateKey) Consistent(t RatchetTree) bool {
	if priv.Suite != t.Suite {
		return false
	}

	for n, key := range priv.PrivateKeys {
		if int(n) >= len(t.Nodes) || t.Nodes[n].Blank() {
			return false
		}

		if !t.Nodes[n].Node.PublicKey().Equals(key.PublicKey) {
			return false
		}
	}
	return true
}

func (priv TreeKEMPrivateKey) clone() TreeKEMPrivateKey {
	out := TreeKEMPrivateKey{
		Suite:       priv.Suite,
		Index:       priv.Index,
		PrivateKeys: make(map[NodeIndex]HPKEPrivateKey, len(priv.PrivateKeys)),
		PathSecrets: make(map[NodeIndex]Bytes1, len(priv.PathSecrets)),
	}

	for n, key := range priv.PrivateKeys {
		out.PrivateKeys[n] = HPKEPrivateKey{
			Data:      dup(key.Data),
			PublicKey: HPKEPublicKey{Data: dup(key.PublicKey.Data)},
		}
	}

	for n, secret := range priv.PathSecrets {
		out.PathSecrets[n] = dup(secret)
	}
	return out
}

// Decap recovers the path secrets a committer at `from` encrypted for us.
// The tree must already have the committer's path merged.  It returns the
// new private state and the commit secret.
func (priv TreeKEMPrivateKey) Decap(from LeafIndex, t RatchetTree, context []byte, path UpdatePath, excluded []LeafIndex) (*TreeKEMPrivateKey, []byte, error) {
	size := t.Size()
	fromNode := toNodeIndex(from)
	myNode := toNodeIndex(priv.Index)
	if fromNode == myNode {
		return nil, nil, fmt.Errorf("mls.treekem: cannot decap own path")
	}

	dp := dirpath(fromNode, size)
	cp := copath(fromNode, size)
	if len(dp) != len(path.Nodes) {
		return nil, nil, fmt.Errorf("mls.treekem: path length %d, want %d", len(path.Nodes), len(dp))
	}

	step := -1
	for i, c := range cp {
		if inSubtree(myNode, c) {
			step = i
			break
		}
	}
	if step < 0 {
		return nil, nil, fmt.Errorf("mls.treekem: leaf %d not covered by path from %d", priv.Index, from)
	}

	res := t.filteredResolution(cp[step], excluded)
	cts := path.Nodes[step].EncryptedPathSecret
	if len(cts) != len(res) {
		return nil, nil, fmt.Errorf("mls.treekem: %d ciphertexts for resolution of %d", len(cts), len(res))
	}

	var pathSecret []byte
	for i, n := range res {
		nodePriv, ok := priv.PrivateKeys[n]
		if !ok {
			continue
		}

		var err error
		pathSecret, err = priv.Suite.KEMDecap(nodePriv, "UpdatePathNode", context, cts[i])
		if err != nil {
			return nil, nil, err
		}
		break
	}

	if pathSecret == nil {
		return nil, nil, fmt.Errorf("mls.treekem: no private key for any node in resolution")
	}

	out := priv.clone()
	out.clearPathSecrets()
	if err := out.setPathSecrets(dp[step], size, pathSecret); err != nil {
		return nil, nil, err
	}

	for i := step; i < len(dp); i++ {
		derived := out.PrivateKeys[dp[i]].PublicKey
		if !derived.Equals(path.Nodes[i].EncryptionKey) {
			return nil, nil, fmt.Errorf("mls.treekem: derived key does not match path at node %d", dp[i])
		}
	}

	commitSecret, err := out.commitSecret(size)
	if err != nil {
		return nil, nil, err
	}
	return &out, commitSecret, nil
}

func (t RatchetTree) filteredResolution(index NodeIndex, excluded []LeafIndex) []NodeIndex {
	out := []NodeIndex{}
	for _, n := range t.resolve(index) {
		skip := false
		for _, e := range excluded {
			if n == toNodeIndex(e) {
				skip = true
				break
			}
		}

		if !skip {
			out = append(out, n)
		}
	}
	return out
}

// Encap generates a fresh path for leaf `from`, merges its public keys into
// the tree and encrypts each path secret to the resolution of the matching
// copath node.  Leaves in `excluded` (joiners in this commit) are skipped;
// they receive their path secret in the Welcome.  The context is computed
// after the merge so it can cover the new tree hash.
func (t *RatchetTree) Encap(from LeafIndex, groupID, leafSecret []byte, sigPriv *SignaturePrivateKey, excluded []LeafIndex, contextFn func() ([]byte, error)) (*TreeKEMPrivateKey, *UpdatePath, error) {
	size := t.Size()
	current, ok := t.LeafNode(from)
	if !ok {
		return nil, nil, fmt.Errorf("mls.treekem: encap from blank leaf %d", from)
	}

	priv, err := NewTreeKEMPrivateKey(t.Suite, size, from, leafSecret)
	if err != nil {
		return nil, nil, err
	}

	fromNode := toNodeIndex(from)
	leaf := current.clone()
	leaf.EncryptionKey = priv.PrivateKeys[fromNode].PublicKey
	leaf.Source = LeafNodeSourceCommit
	if err := leaf.sign(t.Suite, sigPriv, groupID, from); err != nil {
		return nil, nil, err
	}

	dp := dirpath(fromNode, size)
	cp := copath(fromNode, size)
	path := &UpdatePath{
		LeafNode: leaf,
		Nodes:    make([]UpdatePathNode, len(dp)),
	}
	for i, n := range dp {
		path.Nodes[i].EncryptionKey = priv.PrivateKeys[n].PublicKey
	}

	if err := t.Merge(from, *path); err != nil {
		return nil, nil, err
	}

	context, err := contextFn()
	if err != nil {
		return nil, nil, err
	}

	for i, n := range dp {
		pathSecret := priv.PathSecrets[n]
		res := t.filteredResolution(cp[i], excluded)
		path.Nodes[i].EncryptedPathSecret = make([]HPKECiphertext, len(res))
		for j, r := range res {
			nodePub := t.Nodes[r].Node.PublicKey()
			path.Nodes[i].EncryptedPathSecret[j], err = t.Suite.KEMEncap(nodePub, "UpdatePathNode", context, pathSecret)
			if err != nil {
				return nil, nil, err
			}
		}
	}

	return priv, path, nil
}
