package mls

import (
	"bytes"
	"fmt"
	"time"

	"github.com/cisco/go-tls-syntax"
)

type GroupStatus uint8

const (
	GroupStatusActive GroupStatus = 1
	GroupStatusClosed GroupStatus = 2
)

func (gs GroupStatus) ValidForTLS() error {
	return validateEnum(gs, GroupStatusActive, GroupStatusClosed)
}

func (gs GroupStatus) String() string {
	switch gs {
	case GroupStatusActive:
		return "active"
	case GroupStatusClosed:
		return "closed"
	}
	return fmt.Sprintf("GroupStatus(%d)", uint8(gs))
}

///
/// State
///

type State struct {
	// Shared confirmed state
	CipherSuite             CipherSuite
	GroupID                 []byte `tls:"head=1"`
	Epoch                   Epoch
	Tree                    RatchetTree
	ConfirmedTranscriptHash []byte          `tls:"head=1"`
	InterimTranscriptHash   []byte          `tls:"head=1"`
	ConsumedKeyPackages     []KeyPackageRef `tls:"head=4"`
	Status                  GroupStatus

	// Per-participant non-secret state
	Index            LeafIndex
	PendingProposals []MLSPlaintext `tls:"head=4"`

	// Secret state
	IdentityPriv SignaturePrivateKey
	TreePriv     TreeKEMPrivateKey
	UpdateKeys   []HPKEPrivateKey `tls:"head=4"`
	Keys         keyScheduleEpoch
}

// NewGroup creates a one-member group at epoch 0 from the creator's own key
// package.  The epoch secrets come from fresh randomness.
func NewGroup(groupID []byte, bundle KeyPackageBundle) (*State, error) {
	suite := bundle.KeyPackage.CipherSuite
	if !suite.supported() {
		return nil, fmt.Errorf("mls.state: %w: %v", ErrUnsupportedCipherSuite, suite)
	}

	if len(groupID) == 0 || len(groupID) > 255 {
		return nil, fmt.Errorf("mls.state: group id length %d out of range", len(groupID))
	}

	ref, err := bundle.KeyPackage.Ref()
	if err != nil {
		return nil, err
	}

	tree := NewRatchetTree(suite)
	index := tree.AddLeaf(bundle.KeyPackage.LeafNode.clone())

	treePriv := newTreeKEMPrivateKey(suite, index)
	treePriv.PrivateKeys[toNodeIndex(index)] = bundle.LeafPriv

	s := &State{
		CipherSuite:             suite,
		GroupID:                 dup(groupID),
		Epoch:                   0,
		Tree:                    *tree,
		ConfirmedTranscriptHash: []byte{},
		InterimTranscriptHash:   []byte{},
		ConsumedKeyPackages:     []KeyPackageRef{ref},
		Status:                  GroupStatusActive,
		Index:                   index,
		PendingProposals:        []MLSPlaintext{},
		IdentityPriv:            bundle.SigPriv,
		TreePriv:                *treePriv,
		UpdateKeys:              []HPKEPrivateKey{},
	}

	ctx, err := s.encodedContext()
	if err != nil {
		return nil, err
	}

	joinerSecret, err := randomBytes(suite.Constants().SecretSize)
	if err != nil {
		return nil, err
	}

	s.Keys = *newKeyScheduleEpoch(suite, s.Tree.Size(), joinerSecret, ctx)
	s.Keys.forgetEntry()
	zeroize(joinerSecret)
	return s, nil
}

// NewJoinedState enters a group through a Welcome addressed to one of our
// key packages.
func NewJoinedState(bundle KeyPackageBundle, welcome Welcome) (*State, error) {
	suite := welcome.CipherSuite
	if bundle.KeyPackage.CipherSuite != suite {
		return nil, fmt.Errorf("mls.state: %w: welcome uses %v, key package %v", ErrUnsupportedCipherSuite, suite, bundle.KeyPackage.CipherSuite)
	}

	kpIndex, ok := welcome.Find(bundle.KeyPackage)
	if !ok {
		return nil, fmt.Errorf("mls.state: %w: welcome not addressed to key package", ErrUnknownGroup)
	}

	gs, err := welcome.decryptSecrets(kpIndex, bundle.InitPriv)
	if err != nil {
		return nil, err
	}
	defer zeroize(gs.JoinerSecret)

	gi, err := welcome.decryptGroupInfo(gs.JoinerSecret)
	if err != nil {
		return nil, err
	}

	if err := gi.verify(); err != nil {
		return nil, err
	}

	index, ok := gi.Tree.Find(bundle.KeyPackage.LeafNode)
	if !ok {
		return nil, fmt.Errorf("mls.state: %w: new joiner not in the tree", ErrMalformedMessage)
	}

	var pathSecret []byte
	if gs.PathSecret != nil {
		pathSecret = gs.PathSecret.Data
	}

	size := gi.Tree.Size()
	treePriv, err := NewTreeKEMPrivateKeyForJoiner(suite, index, size, bundle.LeafPriv, ancestor(index, gi.Signer), pathSecret)
	if err != nil {
		return nil, err
	}
	treePriv.clearPathSecrets()

	if !treePriv.Consistent(gi.Tree) {
		return nil, fmt.Errorf("mls.state: %w: path secret inconsistent with tree", ErrMalformedMessage)
	}

	s := &State{
		CipherSuite:             suite,
		GroupID:                 dup(gi.GroupContext.GroupID),
		Epoch:                   gi.GroupContext.Epoch,
		Tree:                    gi.Tree,
		ConfirmedTranscriptHash: dup(gi.GroupContext.ConfirmedTranscriptHash),
		ConsumedKeyPackages:     gi.ConsumedKeyPackages,
		Status:                  GroupStatusActive,
		Index:                   index,
		PendingProposals:        []MLSPlaintext{},
		IdentityPriv:            bundle.SigPriv,
		TreePriv:                *treePriv,
		UpdateKeys:              []HPKEPrivateKey{},
	}

	ctx, err := syntax.Marshal(gi.GroupContext)
	if err != nil {
		return nil, err
	}

	s.Keys = *newKeyScheduleEpoch(suite, size, gs.JoinerSecret, ctx)
	s.Keys.forgetEntry()

	if !suite.verifyMAC(s.Keys.ConfirmationKey, s.ConfirmedTranscriptHash, gi.ConfirmationTag) {
		return nil, fmt.Errorf("mls.state: %w: confirmation failed to verify", ErrInvalidCommit)
	}

	s.InterimTranscriptHash, err = s.interimHash(s.ConfirmedTranscriptHash, gi.ConfirmationTag)
	if err != nil {
		return nil, err
	}

	return s, nil
}

///
/// Proposals
///

// ProposeAdd checks the key package as the proposer, including its
// lifetime, then signs and queues the proposal.
func (s *State) ProposeAdd(kp KeyPackage, now time.Time) (*MLSPlaintext, error) {
	if err := kp.VerifyLifetime(now); err != nil {
		return nil, err
	}

	return s.propose(Proposal{Add: &AddProposal{KeyPackage: kp}})
}

// ProposeUpdate replaces our leaf key.  The private half is cached until a
// commit containing the proposal arrives.
func (s *State) ProposeUpdate() (*MLSPlaintext, error) {
	current, ok := s.Tree.LeafNode(s.Index)
	if !ok {
		return nil, fmt.Errorf("mls.state: own leaf %d is blank", s.Index)
	}

	leafPriv, err := s.CipherSuite.hpke().Generate()
	if err != nil {
		return nil, err
	}

	leaf := current.clone()
	leaf.EncryptionKey = leafPriv.PublicKey
	leaf.Source = LeafNodeSourceUpdate
	if err := leaf.sign(s.CipherSuite, &s.IdentityPriv, s.GroupID, s.Index); err != nil {
		return nil, err
	}

	pt, err := s.propose(Proposal{Update: &UpdateProposal{LeafNode: leaf}})
	if err != nil {
		return nil, err
	}

	s.UpdateKeys = append(s.UpdateKeys, leafPriv)
	return pt, nil
}

func (s *State) ProposeRemove(removed LeafIndex) (*MLSPlaintext, error) {
	return s.propose(Proposal{Remove: &RemoveProposal{Removed: removed}})
}

func (s *State) propose(p Proposal) (*MLSPlaintext, error) {
	if s.Status != GroupStatusActive {
		return nil, fmt.Errorf("mls.state: %w", ErrGroupClosed)
	}

	if err := s.validateProposal(CommittedProposal{Sender: s.Index, Proposal: p}); err != nil {
		return nil, err
	}

	pt, err := s.signHandshake(HandshakeContent{Proposal: &p}, nil)
	if err != nil {
		return nil, err
	}

	s.PendingProposals = append(s.PendingProposals, *pt)
	return pt, nil
}

///
/// Commit
///

// Commit bundles every pending proposal that is still valid into a commit
// with a fresh update path.  It returns the commit message, a Welcome if
// anyone was added, and the state of the next epoch.  The receiver is not
// modified.
func (s *State) Commit(leafSecret []byte, now time.Time) (*MLSPlaintext, *Welcome, *State, error) {
	if s.Status != GroupStatusActive {
		return nil, nil, nil, fmt.Errorf("mls.state: %w", ErrGroupClosed)
	}

	if leafSecret == nil {
		var err error
		leafSecret, err = randomBytes(s.CipherSuite.Constants().SecretSize)
		if err != nil {
			return nil, nil, nil, err
		}
		defer zeroize(leafSecret)
	}

	commit := Commit{Proposals: s.selectProposals(now)}

	next := s.clone()
	joiners, err := next.apply(commit.Proposals)
	if err != nil {
		return nil, nil, nil, err
	}

	joinerLeaves := make([]LeafIndex, len(joiners))
	for i, j := range joiners {
		joinerLeaves[i] = j.index
	}

	contextFn := func() ([]byte, error) { return next.provisionalContext() }
	treePriv, path, err := next.Tree.Encap(s.Index, s.GroupID, leafSecret, &s.IdentityPriv, joinerLeaves, contextFn)
	if err != nil {
		return nil, nil, nil, err
	}
	commit.Path = path
	next.TreePriv = *treePriv

	commitSecret, err := next.TreePriv.commitSecret(next.Tree.Size())
	if err != nil {
		return nil, nil, nil, err
	}

	pt, err := s.signHandshake(HandshakeContent{Commit: &commit}, func(pt *MLSPlaintext) error {
		if err := next.advance(s, pt, commitSecret); err != nil {
			return err
		}

		pt.ConfirmationTag = next.Keys.confirmationTag(next.ConfirmedTranscriptHash)
		next.InterimTranscriptHash, err = next.interimHash(next.ConfirmedTranscriptHash, pt.ConfirmationTag)
		return err
	})
	if err != nil {
		return nil, nil, nil, err
	}

	var welcome *Welcome
	if len(joiners) > 0 {
		welcome, err = next.welcome(s, pt.ConfirmationTag, joiners)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	next.Keys.forgetEntry()
	next.TreePriv.clearPathSecrets()
	next.PendingProposals = []MLSPlaintext{}
	next.UpdateKeys = []HPKEPrivateKey{}
	return pt, welcome, next, nil
}

// selectProposals picks the pending proposals the committer can vouch for.
// Our own Updates are dropped since the commit path replaces our leaf
// anyway; so is anything that has gone stale or conflicts with an earlier
// proposal.
func (s State) selectProposals(now time.Time) []CommittedProposal {
	selected := []CommittedProposal{}
	for _, pp := range s.PendingProposals {
		cp := CommittedProposal{Sender: pp.Sender, Proposal: *pp.Content.Proposal}
		switch cp.Proposal.Type() {
		case ProposalTypeUpdate:
			if cp.Sender == s.Index {
				continue
			}
		case ProposalTypeAdd:
			if cp.Proposal.Add.KeyPackage.VerifyLifetime(now) != nil {
				continue
			}
		}

		candidate := append(selected[:len(selected):len(selected)], cp)
		if s.validateProposals(s.Index, candidate) != nil {
			continue
		}
		selected = candidate
	}
	return selected
}

type joiner struct {
	index      LeafIndex
	keyPackage KeyPackage
}

func (s State) welcome(prev *State, confirmationTag []byte, joiners []joiner) (*Welcome, error) {
	ctx, err := s.groupContext()
	if err != nil {
		return nil, err
	}

	gi := &GroupInfo{
		GroupContext:        ctx,
		Tree:                s.Tree.Clone(),
		ConfirmationTag:     dup(confirmationTag),
		ConsumedKeyPackages: s.ConsumedKeyPackages,
	}

	if err := gi.sign(s.Index, &prev.IdentityPriv); err != nil {
		return nil, fmt.Errorf("mls.state: group info: %w", err)
	}

	welcome, err := newWelcome(s.CipherSuite, s.Keys.JoinerSecret, gi)
	if err != nil {
		return nil, err
	}

	for _, j := range joiners {
		_, pathSecret, ok := s.TreePriv.PathSecret(j.index)
		if !ok {
			return nil, fmt.Errorf("mls.state: no path secret for new joiner at %d", j.index)
		}

		err := welcome.EncryptTo(j.keyPackage, s.Keys.JoinerSecret, pathSecret)
		zeroize(pathSecret)
		if err != nil {
			return nil, err
		}
	}

	return welcome, nil
}

///
/// Handle
///

// Handle processes a handshake message from another member.  A proposal is
// queued on the receiver and nil is returned; a commit yields the state of
// the next epoch and leaves the receiver untouched.
func (s *State) Handle(pt *MLSPlaintext) (*State, error) {
	if s.Status != GroupStatusActive {
		return nil, fmt.Errorf("mls.state: %w", ErrGroupClosed)
	}

	if !bytes.Equal(pt.GroupID, s.GroupID) {
		return nil, fmt.Errorf("mls.state: %w: group id mismatch", ErrMalformedMessage)
	}

	if pt.Epoch != s.Epoch {
		return nil, fmt.Errorf("mls.state: %w: have %d, got %d", ErrEpochMismatch, s.Epoch, pt.Epoch)
	}

	if pt.Sender == s.Index {
		return nil, fmt.Errorf("mls.state: own handshake messages are not processed")
	}

	if err := s.verifyHandshake(pt); err != nil {
		return nil, rejectHandshake(pt, err)
	}

	if pt.Content.Type() == ContentTypeProposal {
		cp := CommittedProposal{Sender: pt.Sender, Proposal: *pt.Content.Proposal}
		if err := s.validateProposal(cp); err != nil {
			return nil, err
		}

		s.queueProposal(*pt)
		return nil, nil
	}

	return s.handleCommit(pt)
}

func (s State) verifyHandshake(pt *MLSPlaintext) error {
	sender, ok := s.Tree.LeafNode(pt.Sender)
	if !ok {
		return fmt.Errorf("mls.state: %w: leaf %d", ErrUnknownSender, pt.Sender)
	}

	ctx, err := s.groupContext()
	if err != nil {
		return err
	}

	if !pt.verifyMembershipTag(s.CipherSuite, ctx, s.Keys.MembershipKey) {
		return fmt.Errorf("mls.state: %w: membership tag", ErrAuthenticationFailed)
	}

	return pt.verify(s.CipherSuite, ctx, sender.Credential.PublicKey())
}

func rejectHandshake(pt *MLSPlaintext, cause error) error {
	if pt.Content.Type() == ContentTypeCommit {
		return fmt.Errorf("mls.state: %w: %w", ErrInvalidCommit, cause)
	}
	return fmt.Errorf("mls.state: %w: %w", ErrInvalidProposal, cause)
}

// Duplicate deliveries of the same proposal are queued once.
func (s *State) queueProposal(pt MLSPlaintext) {
	for _, pp := range s.PendingProposals {
		if bytes.Equal(pp.Signature, pt.Signature) {
			return
		}
	}
	s.PendingProposals = append(s.PendingProposals, pt)
}

func (s *State) handleCommit(pt *MLSPlaintext) (*State, error) {
	commit := pt.Content.Commit
	if err := s.validateProposals(pt.Sender, commit.Proposals); err != nil {
		return nil, err
	}

	if commit.Path == nil && commit.pathRequired() {
		return nil, commitError("missing required update path")
	}

	for _, cp := range commit.Proposals {
		if cp.Proposal.Type() == ProposalTypeRemove && cp.Proposal.Remove.Removed == s.Index {
			return nil, fmt.Errorf("mls.state: %w: by leaf %d at epoch %d", ErrRemovedFromGroup, pt.Sender, s.Epoch)
		}
	}

	next := s.clone()
	joiners, err := next.apply(commit.Proposals)
	if err != nil {
		return nil, err
	}

	commitSecret := s.CipherSuite.zero()
	if commit.Path != nil {
		commitSecret, err = next.mergePath(pt.Sender, *commit.Path, joiners)
		if err != nil {
			return nil, err
		}
	}

	next.TreePriv.prune(next.Tree)
	if !next.TreePriv.Consistent(next.Tree) {
		return nil, commitError("private keys inconsistent with tree")
	}

	if err := next.advance(s, pt, commitSecret); err != nil {
		return nil, err
	}

	if !s.CipherSuite.verifyMAC(next.Keys.ConfirmationKey, next.ConfirmedTranscriptHash, pt.ConfirmationTag) {
		return nil, commitError("confirmation failed to verify")
	}

	next.InterimTranscriptHash, err = next.interimHash(next.ConfirmedTranscriptHash, pt.ConfirmationTag)
	if err != nil {
		return nil, err
	}

	next.Keys.forgetEntry()
	next.PendingProposals = []MLSPlaintext{}
	next.UpdateKeys = []HPKEPrivateKey{}
	return next, nil
}

// mergePath installs a committer's update path and decrypts the path secret
// addressed to our subtree.
func (s *State) mergePath(from LeafIndex, path UpdatePath, joiners []joiner) ([]byte, error) {
	current, _ := s.Tree.LeafNode(from)
	if path.LeafNode.Source != LeafNodeSourceCommit {
		return nil, commitError("path leaf has source %d", path.LeafNode.Source)
	}

	if !path.LeafNode.Credential.PublicKey().Equals(*current.Credential.PublicKey()) {
		return nil, commitError("path leaf changes the committer's signature key")
	}

	if err := path.LeafNode.verify(s.CipherSuite, s.GroupID, from); err != nil {
		return nil, fmt.Errorf("mls.state: %w: path leaf: %w", ErrInvalidCommit, err)
	}

	if err := s.Tree.Merge(from, path); err != nil {
		return nil, fmt.Errorf("mls.state: %w: %w", ErrInvalidCommit, err)
	}

	ctx, err := s.provisionalContext()
	if err != nil {
		return nil, err
	}

	excluded := make([]LeafIndex, len(joiners))
	for i, j := range joiners {
		excluded[i] = j.index
	}

	treePriv, commitSecret, err := s.TreePriv.Decap(from, s.Tree, ctx, path, excluded)
	if err != nil {
		return nil, fmt.Errorf("mls.state: %w: %w", ErrInvalidCommit, err)
	}

	treePriv.clearPathSecrets()
	s.TreePriv = *treePriv
	return commitSecret, nil
}

// advance moves the receiver, which holds the post-commit tree, into the
// next epoch.  prev is the state the commit was sent in.
func (s *State) advance(prev *State, pt *MLSPlaintext, commitSecret []byte) error {
	content, err := pt.commitContent()
	if err != nil {
		return err
	}

	digest := s.CipherSuite.newDigest()
	digest.Write(prev.InterimTranscriptHash)
	digest.Write(content)
	s.ConfirmedTranscriptHash = digest.Sum(nil)

	s.Epoch = prev.Epoch + 1

	ctx, err := s.encodedContext()
	if err != nil {
		return err
	}
	s.Keys = *prev.Keys.Next(s.Tree.Size(), commitSecret, ctx)
	return nil
}

func (s State) interimHash(confirmed, confirmationTag []byte) ([]byte, error) {
	authData, err := MLSPlaintext{ConfirmationTag: confirmationTag}.commitAuthData()
	if err != nil {
		return nil, err
	}

	digest := s.CipherSuite.newDigest()
	digest.Write(confirmed)
	digest.Write(authData)
	return digest.Sum(nil), nil
}

///
/// Proposal validation and application
///

// validateProposal holds the checks that apply to a proposal on its own.
func (s State) validateProposal(cp CommittedProposal) error {
	if !s.Tree.HasLeaf(cp.Sender) {
		return fmt.Errorf("mls.state: %w: %w: proposer %d", ErrInvalidProposal, ErrUnknownSender, cp.Sender)
	}

	p := cp.Proposal
	switch p.Type() {
	case ProposalTypeAdd:
		kp := p.Add.KeyPackage
		if err := kp.Verify(s.CipherSuite); err != nil {
			return fmt.Errorf("mls.state: %w: %w", ErrInvalidProposal, err)
		}

		ref, err := kp.Ref()
		if err != nil {
			return err
		}

		if s.consumed(ref) {
			return fmt.Errorf("mls.state: %w: %w: key package already used", ErrInvalidProposal, ErrInvalidKeyPackage)
		}

		if _, found := s.Tree.findSignatureKey(*kp.LeafNode.Credential.PublicKey()); found {
			return fmt.Errorf("mls.state: %w: signature key already in group", ErrInvalidProposal)
		}

	case ProposalTypeUpdate:
		leaf := p.Update.LeafNode
		current, _ := s.Tree.LeafNode(cp.Sender)
		if leaf.Source != LeafNodeSourceUpdate {
			return fmt.Errorf("mls.state: %w: update leaf has source %d", ErrInvalidProposal, leaf.Source)
		}

		if !leaf.Credential.PublicKey().Equals(*current.Credential.PublicKey()) {
			return fmt.Errorf("mls.state: %w: update changes signature key", ErrInvalidProposal)
		}

		if err := leaf.verify(s.CipherSuite, s.GroupID, cp.Sender); err != nil {
			return fmt.Errorf("mls.state: %w: %w", ErrInvalidProposal, err)
		}

	case ProposalTypeRemove:
		if !s.Tree.HasLeaf(p.Remove.Removed) {
			return fmt.Errorf("mls.state: %w: remove of blank leaf %d", ErrInvalidProposal, p.Remove.Removed)
		}
	}

	return nil
}

// validateProposals is run identically by the committer and every receiver
// over the full proposal list of a commit.
func (s State) validateProposals(committer LeafIndex, proposals []CommittedProposal) error {
	touched := map[LeafIndex]bool{}
	refs := []KeyPackageRef{}
	sigKeys := []SignaturePublicKey{}

	for _, cp := range proposals {
		if err := s.validateProposal(cp); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidCommit, err)
		}

		p := cp.Proposal
		switch p.Type() {
		case ProposalTypeAdd:
			kp := p.Add.KeyPackage
			ref, err := kp.Ref()
			if err != nil {
				return err
			}

			for _, r := range refs {
				if r.Equals(ref) {
					return commitError("key package added twice")
				}
			}
			refs = append(refs, ref)

			sigKey := *kp.LeafNode.Credential.PublicKey()
			for _, k := range sigKeys {
				if k.Equals(sigKey) {
					return commitError("signature key added twice")
				}
			}
			sigKeys = append(sigKeys, sigKey)

		case ProposalTypeUpdate:
			if cp.Sender == committer {
				return commitError("committer included its own update")
			}

			if touched[cp.Sender] {
				return commitError("leaf %d changed twice", cp.Sender)
			}
			touched[cp.Sender] = true

		case ProposalTypeRemove:
			removed := p.Remove.Removed
			if removed == committer {
				return commitError("committer removes itself")
			}

			if touched[removed] {
				return commitError("leaf %d changed twice", removed)
			}
			touched[removed] = true
		}
	}

	return nil
}

func (s State) consumed(ref KeyPackageRef) bool {
	for _, c := range s.ConsumedKeyPackages {
		if c.Equals(ref) {
			return true
		}
	}
	return false
}

// apply performs updates, then removes, then adds in the order given.
func (s *State) apply(proposals []CommittedProposal) ([]joiner, error) {
	for _, cp := range proposals {
		if cp.Proposal.Type() != ProposalTypeUpdate {
			continue
		}

		s.Tree.UpdateLeaf(cp.Sender, cp.Proposal.Update.LeafNode.clone())
		if cp.Sender == s.Index {
			if err := s.installUpdateKey(cp.Proposal.Update.LeafNode.EncryptionKey); err != nil {
				return nil, err
			}
		}
	}

	for _, cp := range proposals {
		if cp.Proposal.Type() != ProposalTypeRemove {
			continue
		}
		s.Tree.RemoveLeaf(cp.Proposal.Remove.Removed)
	}

	joiners := []joiner{}
	for _, cp := range proposals {
		if cp.Proposal.Type() != ProposalTypeAdd {
			continue
		}

		kp := cp.Proposal.Add.KeyPackage
		ref, err := kp.Ref()
		if err != nil {
			return nil, err
		}

		index := s.Tree.AddLeaf(kp.LeafNode.clone())
		s.ConsumedKeyPackages = append(s.ConsumedKeyPackages, ref)
		joiners = append(joiners, joiner{index: index, keyPackage: kp})
	}

	s.TreePriv.prune(s.Tree)
	return joiners, nil
}

func (s *State) installUpdateKey(pub HPKEPublicKey) error {
	for _, key := range s.UpdateKeys {
		if key.PublicKey.Equals(pub) {
			s.TreePriv.PrivateKeys[toNodeIndex(s.Index)] = HPKEPrivateKey{
				Data:      dup(key.Data),
				PublicKey: HPKEPublicKey{Data: dup(key.PublicKey.Data)},
			}
			return nil
		}
	}
	return commitError("no cached private key for own update")
}

///
/// Helpers
///

func (s State) groupContext() (GroupContext, error) {
	treeHash, err := s.Tree.RootHash()
	if err != nil {
		return GroupContext{}, err
	}

	return GroupContext{
		Version:                 ProtocolVersionMLS10,
		CipherSuite:             s.CipherSuite,
		GroupID:                 s.GroupID,
		Epoch:                   s.Epoch,
		TreeHash:                treeHash,
		ConfirmedTranscriptHash: s.ConfirmedTranscriptHash,
	}, nil
}

func (s State) encodedContext() ([]byte, error) {
	ctx, err := s.groupContext()
	if err != nil {
		return nil, err
	}
	return syntax.Marshal(ctx)
}

// provisionalContext is the context path secrets are encrypted under: the
// next epoch number and tree, with the transcript still at the old epoch.
func (s State) provisionalContext() ([]byte, error) {
	ctx, err := s.groupContext()
	if err != nil {
		return nil, err
	}

	ctx.Epoch += 1
	return syntax.Marshal(ctx)
}

// signHandshake frames content from us at the current epoch.  finish, when
// given, runs between signing and tagging so a commit can pick up its
// confirmation tag.
func (s State) signHandshake(content HandshakeContent, finish func(pt *MLSPlaintext) error) (*MLSPlaintext, error) {
	ctx, err := s.groupContext()
	if err != nil {
		return nil, err
	}

	pt := &MLSPlaintext{
		GroupID:           dup(s.GroupID),
		Epoch:             s.Epoch,
		Sender:            s.Index,
		AuthenticatedData: []byte{},
		Content:           content,
		ConfirmationTag:   []byte{},
	}

	if err := pt.sign(s.CipherSuite, ctx, &s.IdentityPriv); err != nil {
		return nil, err
	}

	if finish != nil {
		if err := finish(pt); err != nil {
			return nil, err
		}
	}

	if err := pt.setMembershipTag(s.CipherSuite, ctx, s.Keys.MembershipKey); err != nil {
		return nil, err
	}
	return pt, nil
}

// Member describes an occupied leaf.
type Member struct {
	Index    LeafIndex
	Identity []byte
}

func (s State) Members() []Member {
	out := []Member{}
	for _, i := range s.Tree.Members() {
		leaf, _ := s.Tree.LeafNode(i)
		out = append(out, Member{Index: i, Identity: dup(leaf.Credential.Identity())})
	}
	return out
}

func (s State) ExportSecret(label string, context []byte, length int) []byte {
	return s.Keys.Export(label, context, length)
}

// clone copies everything a transition rewrites.  The key schedule is
// shared until the transition replaces it.
func (s State) clone() *State {
	out := &State{
		CipherSuite:             s.CipherSuite,
		GroupID:                 dup(s.GroupID),
		Epoch:                   s.Epoch,
		Tree:                    s.Tree.Clone(),
		ConfirmedTranscriptHash: dup(s.ConfirmedTranscriptHash),
		InterimTranscriptHash:   dup(s.InterimTranscriptHash),
		ConsumedKeyPackages:     make([]KeyPackageRef, len(s.ConsumedKeyPackages)),
		Status:                  s.Status,
		Index:                   s.Index,
		PendingProposals:        make([]MLSPlaintext, len(s.PendingProposals)),
		IdentityPriv:            s.IdentityPriv,
		TreePriv:                s.TreePriv.clone(),
		UpdateKeys:              make([]HPKEPrivateKey, len(s.UpdateKeys)),
		Keys:                    s.Keys,
	}

	copy(out.ConsumedKeyPackages, s.ConsumedKeyPackages)
	copy(out.PendingProposals, s.PendingProposals)
	copy(out.UpdateKeys, s.UpdateKeys)
	return out
}

// Equals compares the shared group state of two members.
func (s State) Equals(o State) bool {
	suite := s.CipherSuite == o.CipherSuite
	groupID := bytes.Equal(s.GroupID, o.GroupID)
	epoch := s.Epoch == o.Epoch
	tree := s.Tree.Equals(o.Tree)
	cth := bytes.Equal(s.ConfirmedTranscriptHash, o.ConfirmedTranscriptHash)
	ith := bytes.Equal(s.InterimTranscriptHash, o.InterimTranscriptHash)
	keys := bytes.Equal(s.Keys.EncryptionSecret, o.Keys.EncryptionSecret) &&
		bytes.Equal(s.Keys.ExporterSecret, o.Keys.ExporterSecret) &&
		bytes.Equal(s.Keys.ConfirmationKey, o.Keys.ConfirmationKey) &&
		bytes.Equal(s.Keys.MembershipKey, o.Keys.MembershipKey) &&
		bytes.Equal(s.Keys.InitSecret, o.Keys.InitSecret)

	return suite && groupID && epoch && tree && cth && ith && keys
}
