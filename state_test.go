package mls

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	testMessage = unhex("01020304")
	testAAD     = []byte("aad")
	testWindow  = uint32(32)
	testForward = uint32(1024)
)

func newTestBundles(t *testing.T, size int) []*KeyPackageBundle {
	bundles := make([]*KeyPackageBundle, size)
	for i := range bundles {
		bundles[i] = newTestBundle(t, suite, fmt.Sprintf("member-%d", i))
	}
	return bundles
}

// newTestGroup has the first bundle create a group and add everyone else in
// a single commit.
func newTestGroup(t *testing.T, bundles []*KeyPackageBundle) []*State {
	creator, err := NewGroup(groupID, *bundles[0])
	require.Nil(t, err)

	states := []*State{creator}
	if len(bundles) == 1 {
		return states
	}

	for _, b := range bundles[1:] {
		_, err := creator.ProposeAdd(b.KeyPackage, testNow)
		require.Nil(t, err)
	}

	_, welcome, next, err := creator.Commit(nil, testNow)
	require.Nil(t, err)
	require.NotNil(t, welcome)
	states[0] = next

	for _, b := range bundles[1:] {
		joined, err := NewJoinedState(*b, *welcome)
		require.Nil(t, err)
		states = append(states, joined)
	}

	requireSameGroup(t, states)
	return states
}

func requireSameGroup(t *testing.T, states []*State) {
	for i, s := range states[1:] {
		require.True(t, states[0].Equals(*s), "member %d diverged", i+1)
	}
}

// commitAll has states[committer] commit and every other member process it.
func commitAll(t *testing.T, states []*State, committer int) *MLSPlaintext {
	pt, _, next, err := states[committer].Commit(nil, testNow)
	require.Nil(t, err)

	for i, s := range states {
		if i == committer {
			continue
		}

		states[i], err = s.Handle(pt)
		require.Nil(t, err)
		require.NotNil(t, states[i])
	}

	states[committer] = next
	requireSameGroup(t, states)
	return pt
}

func requireExchange(t *testing.T, states []*State) {
	for i, sender := range states {
		fm, err := sender.Protect(testMessage, testAAD)
		require.Nil(t, err)

		for j, receiver := range states {
			if i == j {
				continue
			}

			pt, err := receiver.Unprotect(fm, testWindow, testForward)
			require.Nil(t, err)
			require.Equal(t, testMessage, pt)
		}
	}
}

func TestStateTwoPerson(t *testing.T) {
	bundles := newTestBundles(t, 2)

	alice0, err := NewGroup(groupID, *bundles[0])
	require.Nil(t, err)
	require.Equal(t, Epoch(0), alice0.Epoch)
	require.Equal(t, LeafIndex(0), alice0.Index)

	_, err = alice0.ProposeAdd(bundles[1].KeyPackage, testNow)
	require.Nil(t, err)
	require.Len(t, alice0.PendingProposals, 1)

	pt, welcome, alice1, err := alice0.Commit(nil, testNow)
	require.Nil(t, err)
	require.NotNil(t, welcome)
	require.Equal(t, ContentTypeCommit, pt.Content.Type())
	require.Len(t, pt.Content.Commit.Proposals, 1)
	require.NotNil(t, pt.Content.Commit.Path)

	// Committing does not touch the old state
	require.Equal(t, Epoch(0), alice0.Epoch)
	require.Equal(t, Epoch(1), alice1.Epoch)
	require.Empty(t, alice1.PendingProposals)

	bob1, err := NewJoinedState(*bundles[1], *welcome)
	require.Nil(t, err)
	require.Equal(t, LeafIndex(1), bob1.Index)
	require.True(t, alice1.Equals(*bob1))

	states := []*State{alice1, bob1}
	requireExchange(t, states)

	require.Equal(t, alice1.ExportSecret("test", []byte("ctx"), 32), bob1.ExportSecret("test", []byte("ctx"), 32))

	members := bob1.Members()
	require.Len(t, members, 2)
	require.Equal(t, []byte("member-0"), members[0].Identity)
	require.Equal(t, []byte("member-1"), members[1].Identity)
}

func TestStateMulti(t *testing.T) {
	states := newTestGroup(t, newTestBundles(t, 5))
	require.Len(t, states[0].Members(), 5)
	requireExchange(t, states)

	// Everyone takes a turn committing
	for i := range states {
		commitAll(t, states, i)
		requireExchange(t, states)
	}
	require.Equal(t, Epoch(6), states[0].Epoch)
}

func TestStateUpdate(t *testing.T) {
	states := newTestGroup(t, newTestBundles(t, 3))
	before, _ := states[1].Tree.LeafNode(1)
	beforeKey := before.EncryptionKey

	update, err := states[1].ProposeUpdate()
	require.Nil(t, err)
	require.Len(t, states[1].UpdateKeys, 1)

	for _, i := range []int{0, 2} {
		next, err := states[i].Handle(update)
		require.Nil(t, err)
		require.Nil(t, next)
		require.Len(t, states[i].PendingProposals, 1)
	}

	// Duplicate delivery queues once
	_, err = states[2].Handle(update)
	require.Nil(t, err)
	require.Len(t, states[2].PendingProposals, 1)

	commit := commitAll(t, states, 0)
	require.Len(t, commit.Content.Commit.Proposals, 1)
	require.Equal(t, ProposalTypeUpdate, commit.Content.Commit.Proposals[0].Proposal.Type())

	after, _ := states[2].Tree.LeafNode(1)
	require.False(t, beforeKey.Equals(after.EncryptionKey))
	require.Empty(t, states[1].UpdateKeys)

	requireExchange(t, states)
}

func TestStateRemove(t *testing.T) {
	states := newTestGroup(t, newTestBundles(t, 3))
	removed := states[2]

	remove, err := states[0].ProposeRemove(2)
	require.Nil(t, err)

	for _, s := range states[1:] {
		_, err := s.Handle(remove)
		require.Nil(t, err)
	}

	commit, _, next0, err := states[0].Commit(nil, testNow)
	require.Nil(t, err)

	next1, err := states[1].Handle(commit)
	require.Nil(t, err)
	require.True(t, next0.Equals(*next1))
	require.Len(t, next1.Members(), 2)
	require.Equal(t, LeafCount(2), next1.Tree.Size())

	_, err = removed.Handle(commit)
	require.ErrorIs(t, err, ErrRemovedFromGroup)

	// Even past that check, none of the path secrets is encrypted to it
	excluded := removed.clone()
	joiners, err := excluded.apply(commit.Content.Commit.Proposals)
	require.Nil(t, err)

	_, err = excluded.mergePath(commit.Sender, *commit.Content.Commit.Path, joiners)
	require.Error(t, err)

	// The removed member cannot read the new epoch
	fm, err := next0.Protect(testMessage, nil)
	require.Nil(t, err)

	_, err = removed.Unprotect(fm, testWindow, testForward)
	require.ErrorIs(t, err, ErrDecryptionFailed)
	require.ErrorIs(t, err, ErrEpochMismatch)

	requireExchange(t, []*State{next0, next1})
}

func TestStateEmptyCommit(t *testing.T) {
	states := newTestGroup(t, newTestBundles(t, 2))
	commit := commitAll(t, states, 1)
	require.Empty(t, commit.Content.Commit.Proposals)
	require.NotNil(t, commit.Content.Commit.Path)
	requireExchange(t, states)
}

func TestStateHandshakeFailuresLeaveStateUntouched(t *testing.T) {
	states := newTestGroup(t, newTestBundles(t, 2))
	pt, _, next, err := states[0].Commit(nil, testNow)
	require.Nil(t, err)

	bob, err := states[1].Handle(pt)
	require.Nil(t, err)

	// The same commit again is from a past epoch
	_, err = bob.Handle(pt)
	require.ErrorIs(t, err, ErrEpochMismatch)
	require.True(t, next.Equals(*bob))

	// An older epoch's member cannot commit into the new one
	stale, _, _, err := states[1].Commit(nil, testNow)
	require.Nil(t, err)
	_, err = next.Handle(stale)
	require.ErrorIs(t, err, ErrEpochMismatch)
	require.True(t, next.Equals(*bob))
}

func TestStateTamperedHandshake(t *testing.T) {
	states := newTestGroup(t, newTestBundles(t, 2))
	alice, bob := states[0], states[1]

	proposal, err := alice.ProposeUpdate()
	require.Nil(t, err)

	forged := *proposal
	forged.Signature = dup(forged.Signature)
	forged.Signature[0] ^= 0xff
	_, err = bob.Handle(&forged)
	require.ErrorIs(t, err, ErrInvalidProposal)
	require.Empty(t, bob.PendingProposals)

	unknown := *proposal
	unknown.Sender = 7
	_, err = bob.Handle(&unknown)
	require.ErrorIs(t, err, ErrUnknownSender)

	wrongGroup := *proposal
	wrongGroup.GroupID = []byte("other")
	_, err = bob.Handle(&wrongGroup)
	require.ErrorIs(t, err, ErrMalformedMessage)

	_, err = alice.Handle(proposal)
	require.Error(t, err)
}

func TestStateConfirmationTag(t *testing.T) {
	states := newTestGroup(t, newTestBundles(t, 2))
	alice, bob := states[0], states[1]

	commit, _, _, err := alice.Commit(nil, testNow)
	require.Nil(t, err)

	// A flipped tag no longer matches the membership tag
	tampered := *commit
	tampered.ConfirmationTag = dup(commit.ConfirmationTag)
	tampered.ConfirmationTag[0] ^= 0xff
	_, err = bob.Handle(&tampered)
	require.ErrorIs(t, err, ErrInvalidCommit)

	// Even with a valid membership tag the confirmation must match the
	// epoch both sides derive
	ctx, err := bob.groupContext()
	require.Nil(t, err)
	require.Nil(t, tampered.setMembershipTag(suite, ctx, bob.Keys.MembershipKey))

	_, err = bob.Handle(&tampered)
	require.ErrorIs(t, err, ErrInvalidCommit)
	require.Equal(t, Epoch(1), bob.Epoch)

	next, err := bob.Handle(commit)
	require.Nil(t, err)
	require.Equal(t, Epoch(2), next.Epoch)
}

func TestStateReusedKeyPackage(t *testing.T) {
	bundles := newTestBundles(t, 2)
	states := newTestGroup(t, bundles)

	_, err := states[0].ProposeAdd(bundles[1].KeyPackage, testNow)
	require.ErrorIs(t, err, ErrInvalidProposal)
	require.ErrorIs(t, err, ErrInvalidKeyPackage)

	// A fresh package for a signature key already in the group
	cred := NewBasicCredential([]byte("member-1"), suite.Scheme(), &bundles[1].SigPriv)
	again, err := GenerateKeyPackage(suite, cred, KeyPackageOpts{})
	require.Nil(t, err)

	_, err = states[0].ProposeAdd(again.KeyPackage, testNow)
	require.ErrorIs(t, err, ErrInvalidProposal)
}

func TestStateExpiredKeyPackage(t *testing.T) {
	states := newTestGroup(t, newTestBundles(t, 1))
	late := newTestBundle(t, suite, "late")

	_, err := states[0].ProposeAdd(late.KeyPackage, testNow.Add(24*time.Hour))
	require.ErrorIs(t, err, ErrInvalidKeyPackage)
	require.Empty(t, states[0].PendingProposals)
}

func TestStateCommitSkipsConflictingProposals(t *testing.T) {
	states := newTestGroup(t, newTestBundles(t, 2))
	joiner := newTestBundle(t, suite, "joiner")

	_, err := states[0].ProposeAdd(joiner.KeyPackage, testNow)
	require.Nil(t, err)
	_, err = states[0].ProposeAdd(joiner.KeyPackage, testNow)
	require.Nil(t, err)

	// Removing ourselves is never committed
	_, err = states[0].ProposeRemove(0)
	require.Nil(t, err)
	require.Len(t, states[0].PendingProposals, 3)

	commit, welcome, next, err := states[0].Commit(nil, testNow)
	require.Nil(t, err)
	require.Len(t, commit.Content.Commit.Proposals, 1)
	require.NotNil(t, welcome)
	require.Len(t, next.Members(), 3)

	bob, err := states[1].Handle(commit)
	require.Nil(t, err)

	joined, err := NewJoinedState(*joiner, *welcome)
	require.Nil(t, err)
	requireSameGroup(t, []*State{next, bob, joined})
}

func TestStateApplicationMessages(t *testing.T) {
	states := newTestGroup(t, newTestBundles(t, 2))
	alice, bob := states[0], states[1]

	frames := make([]*FramedMessage, 3)
	for i := range frames {
		var err error
		frames[i], err = alice.Protect([]byte{byte(i)}, testAAD)
		require.Nil(t, err)
		require.Equal(t, uint32(i), frames[i].Generation)
	}

	// Out of order within the window
	for i := len(frames) - 1; i >= 0; i-- {
		pt, err := bob.Unprotect(frames[i], testWindow, testForward)
		require.Nil(t, err)
		require.Equal(t, []byte{byte(i)}, pt)
	}

	_, err := bob.Unprotect(frames[1], testWindow, testForward)
	require.ErrorIs(t, err, ErrDecryptionFailed)
	require.ErrorIs(t, err, ErrReplayDetected)

	// The ciphertext and the authenticated data are both covered
	fm, err := alice.Protect(testMessage, testAAD)
	require.Nil(t, err)

	forged := *fm
	forged.AuthenticatedData = []byte("other")
	_, err = bob.Unprotect(&forged, testWindow, testForward)
	require.ErrorIs(t, err, ErrDecryptionFailed)

	forged = *fm
	forged.Ciphertext = dup(fm.Ciphertext)
	forged.Ciphertext[0] ^= 0xff
	_, err = bob.Unprotect(&forged, testWindow, testForward)
	require.ErrorIs(t, err, ErrDecryptionFailed)

	// A forged frame does not burn the key for the real one
	pt, err := bob.Unprotect(fm, testWindow, testForward)
	require.Nil(t, err)
	require.Equal(t, testMessage, pt)

	_, err = alice.Unprotect(fm, testWindow, testForward)
	require.ErrorIs(t, err, ErrDecryptionFailed)

	far := *fm
	far.Epoch = 5
	_, err = bob.Unprotect(&far, testWindow, testForward)
	require.ErrorIs(t, err, ErrEpochMismatch)
}

func TestStateClosed(t *testing.T) {
	states := newTestGroup(t, newTestBundles(t, 2))
	closed := states[1].clone()
	closed.Status = GroupStatusClosed

	_, err := closed.Protect(testMessage, nil)
	require.ErrorIs(t, err, ErrGroupClosed)

	_, err = closed.ProposeRemove(0)
	require.ErrorIs(t, err, ErrGroupClosed)

	_, _, _, err = closed.Commit(nil, testNow)
	require.ErrorIs(t, err, ErrGroupClosed)

	fm, err := states[0].Protect(testMessage, nil)
	require.Nil(t, err)
	_, err = closed.Unprotect(fm, testWindow, testForward)
	require.ErrorIs(t, err, ErrGroupClosed)
}

func TestStateMarshal(t *testing.T) {
	states := newTestGroup(t, newTestBundles(t, 3))

	data, err := marshalState(states[1])
	require.Nil(t, err)

	restored, err := unmarshalState(data)
	require.Nil(t, err)
	require.True(t, states[1].Equals(*restored))

	// The restored copy keeps working
	commitAll(t, []*State{states[0], restored, states[2]}, 1)

	_, err = unmarshalState(data[:len(data)-1])
	require.ErrorIs(t, err, ErrStateCorrupted)

	_, err = unmarshalState(append(dup(data), 0))
	require.ErrorIs(t, err, ErrStateCorrupted)

	bad := dup(data)
	bad[0] = 9
	_, err = unmarshalState(bad)
	require.ErrorIs(t, err, ErrStateCorrupted)

	// Private keys that do not match the tree are caught on load
	stray, err := suite.hpke().Generate()
	require.Nil(t, err)

	mismatched := states[2].clone()
	mismatched.TreePriv.PrivateKeys[toNodeIndex(2)] = stray
	data, err = marshalState(mismatched)
	require.Nil(t, err)
	_, err = unmarshalState(data)
	require.ErrorIs(t, err, ErrStateCorrupted)
}

func TestEpochReaderMarshal(t *testing.T) {
	states := newTestGroup(t, newTestBundles(t, 2))
	alice, bob := states[0], states[1]

	fm, err := alice.Protect(testMessage, nil)
	require.Nil(t, err)

	data, err := marshalEpochReader(bob.reader())
	require.Nil(t, err)

	r, err := unmarshalEpochReader(data)
	require.Nil(t, err)

	pt, err := r.unprotect(fm, testWindow, testForward)
	require.Nil(t, err)
	require.Equal(t, testMessage, pt)

	r.zeroize()
	_, err = unmarshalEpochReader(data[1:])
	require.ErrorIs(t, err, ErrStateCorrupted)
}
