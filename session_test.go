package mls

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/binkos/mls-messenger-sample/storage"
	"github.com/binkos/mls-messenger-sample/storage/dsstore"
)

const noExcept = -1

type SessionTest struct {
	t        *testing.T
	ctx      context.Context
	cfg      Config
	Sessions []*Session
	Stores   []storage.Store
}

func newSessionTest(t *testing.T, size int, cfg Config) *SessionTest {
	st := &SessionTest{t: t, ctx: context.Background(), cfg: cfg.withDefaults()}

	states := newTestGroup(t, newTestBundles(t, size))
	for _, state := range states {
		store := dsstore.NewMemory()
		sess, err := newSession(groupID, state, store, st.cfg)
		require.Nil(t, err)
		require.Nil(t, sess.persist(st.ctx, state, nil))

		st.Sessions = append(st.Sessions, sess)
		st.Stores = append(st.Stores, store)
	}

	st.Check()
	return st
}

// Broadcast delivers a handshake message to every session but one.
func (st *SessionTest) Broadcast(data []byte, except int) {
	m, err := DecodeMessage(data)
	require.Nil(st.t, err)
	require.Equal(st.t, WireFormatHandshake, m.WireFormat())

	for i, sess := range st.Sessions {
		if i == except {
			continue
		}

		_, err := sess.handleHandshake(st.ctx, m.Handshake)
		require.Nil(st.t, err)
	}
}

func (st *SessionTest) Commit(from int) {
	data, err := st.Sessions[from].commit(st.ctx)
	require.Nil(st.t, err)

	st.Broadcast(data, from)
	st.Check()
}

// Check asserts that every session is in the same epoch with the same view
// of the group.
func (st *SessionTest) Check() {
	first := st.Sessions[0].state
	for i, sess := range st.Sessions[1:] {
		require.Equal(st.t, first.Epoch, sess.Epoch(), "member %d", i+1)
		require.True(st.t, first.Equals(*sess.state), "member %d diverged", i+1)
	}
}

func TestSessionCommitRounds(t *testing.T) {
	st := newSessionTest(t, 4, testConfig())

	for i := range st.Sessions {
		st.Commit(i)
	}
	require.Equal(t, Epoch(5), st.Sessions[0].Epoch())

	update, err := st.Sessions[2].propose(st.ctx, (*State).ProposeUpdate)
	require.Nil(t, err)
	st.Broadcast(update, 2)
	st.Commit(1)

	for i, sender := range st.Sessions {
		data, err := sender.protect(st.ctx, []byte("round"), nil)
		require.Nil(t, err)

		m, err := DecodeMessage(data)
		require.Nil(t, err)

		for j, receiver := range st.Sessions {
			res, err := receiver.handleFramed(st.ctx, m.Framed)
			require.Nil(t, err)

			if i == j {
				require.Equal(t, ResultIgnored, res.Kind)
				continue
			}
			require.Equal(t, []byte("round"), res.Plaintext)
			require.Equal(t, LeafIndex(i), res.Sender)
		}
	}
}

func TestSessionProposeFailure(t *testing.T) {
	st := newSessionTest(t, 2, testConfig())
	before := st.Sessions[0].state

	_, err := st.Sessions[0].propose(st.ctx, func(s *State) (*MLSPlaintext, error) {
		return s.ProposeRemove(7)
	})
	require.Error(t, err)
	require.Same(t, before, st.Sessions[0].state)

	// Nothing was queued, so the next commit is an empty one
	st.Commit(0)
	require.Len(t, st.Sessions[1].Members(), 2)
}

func TestSessionHistory(t *testing.T) {
	cfg := testConfig()
	cfg.EpochRetention = 2
	st := newSessionTest(t, 2, cfg)
	alice := st.Sessions[0]

	for i := 0; i < 4; i++ {
		st.Commit(1)
	}
	require.Equal(t, Epoch(5), alice.Epoch())
	require.Equal(t, []Epoch{3, 4}, alice.history.Keys())

	entries, err := st.Stores[0].Ledger(st.ctx, groupID)
	require.Nil(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, uint64(3), entries[0].Epoch)
	require.Equal(t, uint64(4), entries[1].Epoch)
}

func TestSessionLoad(t *testing.T) {
	st := newSessionTest(t, 3, testConfig())
	st.Commit(1)
	st.Commit(2)

	loaded, err := loadSession(st.ctx, groupID, st.Stores[0], st.cfg)
	require.Nil(t, err)
	require.True(t, loaded.state.Equals(*st.Sessions[0].state))
	require.Equal(t, Epoch(3), loaded.Epoch())
	require.Equal(t, []Epoch{1, 2}, loaded.history.Keys())

	_, err = loadSession(st.ctx, []byte("missing"), st.Stores[0], st.cfg)
	require.ErrorIs(t, err, ErrUnknownGroup)
}

func TestSessionLoadRejects(t *testing.T) {
	st := newSessionTest(t, 2, testConfig())
	ctx := st.ctx

	data, err := marshalState(st.Sessions[0].state)
	require.Nil(t, err)

	// State filed under another group
	store := dsstore.NewMemory()
	require.Nil(t, store.Put(ctx, []byte("other"), data, nil))
	_, err = loadSession(ctx, []byte("other"), store, st.cfg)
	require.ErrorIs(t, err, ErrStateCorrupted)

	// Damaged ledger entry
	store = dsstore.NewMemory()
	require.Nil(t, store.Put(ctx, groupID, data, &storage.EpochEntry{Epoch: 0, Secrets: []byte{0x01}}))
	_, err = loadSession(ctx, groupID, store, st.cfg)
	require.ErrorIs(t, err, ErrStateCorrupted)

	// Without retention the ledger is never read
	cfg := st.cfg
	cfg.EpochRetention = -1
	sess, err := loadSession(ctx, groupID, store, cfg)
	require.Nil(t, err)
	require.Nil(t, sess.history)
}

func TestSessionDestroy(t *testing.T) {
	st := newSessionTest(t, 2, testConfig())
	st.Commit(0)

	bob := st.Sessions[1]
	require.Nil(t, bob.destroy(st.ctx))
	require.Equal(t, GroupStatusClosed, bob.Status())
	require.Equal(t, 0, bob.history.Len())

	_, err := bob.ExportSecret("label", nil, 16)
	require.ErrorIs(t, err, ErrGroupClosed)

	_, err = st.Stores[1].Get(st.ctx, groupID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}
