package mls

import (
	"encoding/binary"
	"fmt"
)

type keyAndNonce struct {
	Key   []byte `tls:"head=1"`
	Nonce []byte `tls:"head=1"`
}

func (k keyAndNonce) clone() keyAndNonce {
	return keyAndNonce{
		Key:   dup(k.Key),
		Nonce: dup(k.Nonce),
	}
}

func (k keyAndNonce) zeroize() {
	zeroize(k.Key)
	zeroize(k.Nonce)
}

///
/// Hash ratchet
///

type hashRatchet struct {
	Suite          CipherSuite
	Node           NodeIndex
	NextSecret     []byte `tls:"head=1"`
	NextGeneration uint32
	Cache          map[uint32]keyAndNonce `tls:"head=4"`
	KeySize        uint32
	NonceSize      uint32
	SecretSize     uint32
}

func newHashRatchet(suite CipherSuite, node NodeIndex, baseSecret []byte) *hashRatchet {
	return &hashRatchet{
		Suite:          suite,
		Node:           node,
		NextSecret:     baseSecret,
		NextGeneration: 0,
		Cache:          map[uint32]keyAndNonce{},
		KeySize:        uint32(suite.Constants().KeySize),
		NonceSize:      uint32(suite.Constants().NonceSize),
		SecretSize:     uint32(suite.Constants().SecretSize),
	}
}

func (hr *hashRatchet) step() (uint32, keyAndNonce) {
	generation := hr.NextGeneration
	ctx := make([]byte, 4)
	binary.BigEndian.PutUint32(ctx, generation)

	key := hr.Suite.expandWithLabel(hr.NextSecret, "key", ctx, int(hr.KeySize))
	nonce := hr.Suite.expandWithLabel(hr.NextSecret, "nonce", ctx, int(hr.NonceSize))
	secret := hr.Suite.expandWithLabel(hr.NextSecret, "secret", ctx, int(hr.SecretSize))

	hr.NextGeneration += 1
	zeroize(hr.NextSecret)
	hr.NextSecret = secret

	return generation, keyAndNonce{key, nonce}
}

// Next is the sending side: the key is handed out and never retained.
func (hr *hashRatchet) Next() (uint32, keyAndNonce) {
	return hr.step()
}

// Get is the receiving side.  Keys for skipped generations stay cached while
// they are within `window` generations of the head, so late frames can still
// be opened.  A generation that was already consumed is a replay.
func (hr *hashRatchet) Get(generation, window, maxForward uint32) (keyAndNonce, error) {
	if kn, ok := hr.Cache[generation]; ok {
		return kn.clone(), nil
	}

	if generation < hr.NextGeneration {
		if hr.NextGeneration-generation-1 > window {
			return keyAndNonce{}, fmt.Errorf("mls.keys: generation %d expired (head %d)", generation, hr.NextGeneration)
		}
		return keyAndNonce{}, fmt.Errorf("mls.keys: %w: generation %d", ErrReplayDetected, generation)
	}

	if generation-hr.NextGeneration > maxForward {
		return keyAndNonce{}, fmt.Errorf("mls.keys: generation %d too far ahead of %d", generation, hr.NextGeneration)
	}

	for hr.NextGeneration <= generation {
		g, kn := hr.step()
		hr.Cache[g] = kn
	}

	hr.evict(window)
	return hr.Cache[generation].clone(), nil
}

func (hr *hashRatchet) evict(window uint32) {
	for g, kn := range hr.Cache {
		if hr.NextGeneration-g-1 > window {
			kn.zeroize()
			delete(hr.Cache, g)
		}
	}
}

func (hr *hashRatchet) Erase(generation uint32) {
	if kn, ok := hr.Cache[generation]; ok {
		kn.zeroize()
		delete(hr.Cache, generation)
	}
}

func (hr *hashRatchet) zeroize() {
	zeroize(hr.NextSecret)
	for g := range hr.Cache {
		hr.Erase(g)
	}
}

///
/// Secret tree
///

// secretTree derives per-sender secrets down a tree of the group's shape
// from the epoch's encryption secret.  Interior secrets are deleted as soon
// as both children exist, and leaf secrets once handed out.
type secretTree struct {
	CipherSuite CipherSuite
	SecretSize  uint32
	Root        NodeIndex
	Size        LeafCount
	Secrets     map[NodeIndex]Bytes1 `tls:"head=4"`
}

func newSecretTree(suite CipherSuite, size LeafCount, rootSecret []byte) *secretTree {
	st := &secretTree{
		CipherSuite: suite,
		SecretSize:  uint32(suite.Constants().SecretSize),
		Root:        root(size),
		Size:        size,
		Secrets:     map[NodeIndex]Bytes1{},
	}

	st.Secrets[st.Root] = dup(rootSecret)
	return st
}

func (st *secretTree) Get(sender LeafIndex) ([]byte, error) {
	if LeafCount(sender) >= st.Size {
		return nil, fmt.Errorf("mls.keys: %w: leaf %d outside tree of %d", ErrUnknownSender, sender, st.Size)
	}

	// Find an ancestor that is populated
	senderNode := toNodeIndex(sender)
	d := append([]NodeIndex{senderNode}, dirpath(senderNode, st.Size)...)
	curr := -1
	for i, node := range d {
		if _, ok := st.Secrets[node]; ok {
			curr = i
			break
		}
	}

	if curr < 0 {
		return nil, fmt.Errorf("mls.keys: secret for leaf %d already consumed", sender)
	}

	// Derive down
	for ; curr > 0; curr -= 1 {
		node := d[curr]
		L := left(node)
		R := right(node)

		secret := st.Secrets[node]
		st.Secrets[L] = st.CipherSuite.expandWithLabel(secret, "tree", []byte("left"), int(st.SecretSize))
		st.Secrets[R] = st.CipherSuite.expandWithLabel(secret, "tree", []byte("right"), int(st.SecretSize))
		zeroize(secret)
		delete(st.Secrets, node)
	}

	// Copy and return the leaf
	out := dup(st.Secrets[senderNode])
	zeroize(st.Secrets[senderNode])
	delete(st.Secrets, senderNode)
	return out, nil
}

func (st *secretTree) zeroize() {
	for n, secret := range st.Secrets {
		zeroize(secret)
		delete(st.Secrets, n)
	}
}

///
/// Group key source
///

type groupKeySource struct {
	Tree     secretTree
	Ratchets map[LeafIndex]*hashRatchet `tls:"head=4"`
}

func newGroupKeySource(suite CipherSuite, size LeafCount, encryptionSecret []byte) *groupKeySource {
	return &groupKeySource{
		Tree:     *newSecretTree(suite, size, encryptionSecret),
		Ratchets: map[LeafIndex]*hashRatchet{},
	}
}

func (gks *groupKeySource) ratchet(sender LeafIndex) (*hashRatchet, error) {
	if r, ok := gks.Ratchets[sender]; ok {
		return r, nil
	}

	leafSecret, err := gks.Tree.Get(sender)
	if err != nil {
		return nil, err
	}

	suite := gks.Tree.CipherSuite
	base := suite.expandWithLabel(leafSecret, "application", []byte{}, suite.Constants().SecretSize)
	zeroize(leafSecret)

	gks.Ratchets[sender] = newHashRatchet(suite, toNodeIndex(sender), base)
	return gks.Ratchets[sender], nil
}

func (gks *groupKeySource) Next(sender LeafIndex) (uint32, keyAndNonce, error) {
	r, err := gks.ratchet(sender)
	if err != nil {
		return 0, keyAndNonce{}, err
	}

	generation, kn := r.Next()
	return generation, kn, nil
}

// Get derives the key and nonce for one sender generation.
func (gks *groupKeySource) Get(sender LeafIndex, generation, window, maxForward uint32) (keyAndNonce, error) {
	r, err := gks.ratchet(sender)
	if err != nil {
		return keyAndNonce{}, err
	}
	return r.Get(generation, window, maxForward)
}

func (gks *groupKeySource) Erase(sender LeafIndex, generation uint32) {
	if r, ok := gks.Ratchets[sender]; ok {
		r.Erase(generation)
	}
}

func (gks *groupKeySource) zeroize() {
	gks.Tree.zeroize()
	for _, r := range gks.Ratchets {
		r.zeroize()
	}
}

///
/// Welcome keys
///

func welcomeKeyAndNonce(suite CipherSuite, joinerSecret []byte) keyAndNonce {
	pskSecret := suite.KDFExtract(joinerSecret, suite.zero())
	welcomeSecret := suite.deriveSecret(pskSecret, "welcome")

	return keyAndNonce{
		Key:   suite.expandWithLabel(welcomeSecret, "key", []byte{}, suite.Constants().KeySize),
		Nonce: suite.expandWithLabel(welcomeSecret, "nonce", []byte{}, suite.Constants().NonceSize),
	}
}

///
/// Key schedule epoch
///

//                  init_secret_[n-1]
//                         |
//                         V
//    commit_secret -> KDF.Extract
//                         |
//                         V
//                ExpandWithLabel(., "joiner", GroupContext_[n], Nh)
//                         |
//                         V
//                    joiner_secret ---> "welcome"
//                         |
//                         V
//            ExpandWithLabel(Extract(., 0), "member", GroupContext_[n], Nh)
//                         |
//                         V
//                    member_secret
//                         |
//                         +--> "encryption", "exporter", "confirm", "membership"
//                         |
//                         V
//                    init_secret_[n]
type keyScheduleEpoch struct {
	Suite        CipherSuite
	GroupContext []byte `tls:"head=4"`

	JoinerSecret     []byte `tls:"head=1"`
	MemberSecret     []byte `tls:"head=1"`
	EncryptionSecret []byte `tls:"head=1"`
	ExporterSecret   []byte `tls:"head=1"`
	ConfirmationKey  []byte `tls:"head=1"`
	MembershipKey    []byte `tls:"head=1"`
	InitSecret       []byte `tls:"head=1"`

	ApplicationKeys *groupKeySource `tls:"optional"`
}

func newKeyScheduleEpoch(suite CipherSuite, size LeafCount, joinerSecret, context []byte) *keyScheduleEpoch {
	pskSecret := suite.KDFExtract(joinerSecret, suite.zero())
	memberSecret := suite.expandWithLabel(pskSecret, "member", context, suite.Constants().SecretSize)

	encryptionSecret := suite.deriveSecret(memberSecret, "encryption")

	return &keyScheduleEpoch{
		Suite:        suite,
		GroupContext: dup(context),

		JoinerSecret:     dup(joinerSecret),
		MemberSecret:     memberSecret,
		EncryptionSecret: encryptionSecret,
		ExporterSecret:   suite.deriveSecret(memberSecret, "exporter"),
		ConfirmationKey:  suite.deriveSecret(memberSecret, "confirm"),
		MembershipKey:    suite.deriveSecret(memberSecret, "membership"),
		InitSecret:       suite.deriveSecret(memberSecret, "init"),

		ApplicationKeys: newGroupKeySource(suite, size, encryptionSecret),
	}
}

func (kse *keyScheduleEpoch) Next(size LeafCount, commitSecret, context []byte) *keyScheduleEpoch {
	prk := kse.Suite.KDFExtract(kse.InitSecret, commitSecret)
	joinerSecret := kse.Suite.expandWithLabel(prk, "joiner", context, kse.Suite.Constants().SecretSize)
	return newKeyScheduleEpoch(kse.Suite, size, joinerSecret, context)
}

// forgetEntry drops the secrets only needed while the epoch is being
// entered.
func (kse *keyScheduleEpoch) forgetEntry() {
	zeroize(kse.JoinerSecret)
	zeroize(kse.MemberSecret)
	kse.JoinerSecret = []byte{}
	kse.MemberSecret = []byte{}
}

func (kse *keyScheduleEpoch) confirmationTag(confirmedTranscriptHash []byte) []byte {
	return kse.Suite.mac(kse.ConfirmationKey, confirmedTranscriptHash)
}

func (kse *keyScheduleEpoch) Export(label string, context []byte, keyLength int) []byte {
	derived := kse.Suite.deriveSecret(kse.ExporterSecret, label)
	return kse.Suite.expandWithLabel(derived, "exported", kse.Suite.Digest(context), keyLength)
}

// retire wipes everything but the application keys, which live on in the
// epoch's reader.
func (kse *keyScheduleEpoch) retire() {
	for _, s := range [][]byte{
		kse.JoinerSecret, kse.MemberSecret, kse.EncryptionSecret, kse.ExporterSecret,
		kse.ConfirmationKey, kse.MembershipKey, kse.InitSecret,
	} {
		zeroize(s)
	}
}

func (kse *keyScheduleEpoch) zeroize() {
	kse.retire()
	if kse.ApplicationKeys != nil {
		kse.ApplicationKeys.zeroize()
	}
}
