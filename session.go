package mls

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/binkos/mls-messenger-sample/storage"
)

// Session is the runtime of one group: its current state, the readers of
// recently retired epochs, and the store they are written through.  Every
// operation runs under the session lock, store write included, so the state
// one caller sees is never half updated by another.
type Session struct {
	mu      sync.Mutex
	groupID []byte
	state   *State
	history *lru.Cache[Epoch, *epochReader]
	store   storage.Store
	cfg     Config
	logger  *slog.Logger
}

func newSession(groupID []byte, state *State, store storage.Store, cfg Config) (*Session, error) {
	sess := &Session{
		groupID: dup(groupID),
		state:   state,
		store:   store,
		cfg:     cfg,
		logger:  cfg.Logger.With("group", hex.EncodeToString(groupID)),
	}

	// Readers are only ever added in epoch order and looked up with Peek, so
	// eviction drops the oldest epoch first.
	if cfg.EpochRetention > 0 {
		history, err := lru.NewWithEvict[Epoch, *epochReader](cfg.EpochRetention, func(epoch Epoch, r *epochReader) {
			r.zeroize()
		})
		if err != nil {
			return nil, err
		}
		sess.history = history
	}

	return sess, nil
}

// loadSession restores a group from the store.  Anything that fails its
// integrity check makes the group unusable.
func loadSession(ctx context.Context, groupID []byte, store storage.Store, cfg Config) (*Session, error) {
	data, err := store.Get(ctx, groupID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("mls.session: %w", ErrUnknownGroup)
	case errors.Is(err, storage.ErrCorrupted):
		return nil, fmt.Errorf("mls.session: %w: %w", ErrStateCorrupted, err)
	case err != nil:
		return nil, err
	}

	state, err := unmarshalState(data)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(state.GroupID, groupID) {
		return nil, fmt.Errorf("mls.session: %w: stored state belongs to another group", ErrStateCorrupted)
	}

	sess, err := newSession(groupID, state, store, cfg)
	if err != nil {
		return nil, err
	}

	if sess.history == nil {
		return sess, nil
	}

	entries, err := store.Ledger(ctx, groupID)
	if errors.Is(err, storage.ErrCorrupted) {
		return nil, fmt.Errorf("mls.session: %w: %w", ErrStateCorrupted, err)
	}
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		if Epoch(entry.Epoch) >= state.Epoch || !sess.retained(Epoch(entry.Epoch)) {
			continue
		}

		r, err := unmarshalEpochReader(entry.Secrets)
		if err != nil {
			return nil, err
		}
		sess.history.Add(r.Epoch, r)
	}

	sess.logger.Debug("group loaded", "epoch", state.Epoch, "retained", sess.history.Len())
	return sess, nil
}

// retained reports whether an epoch before the current one is still inside
// the retention window.
func (s *Session) retained(epoch Epoch) bool {
	return epoch+Epoch(s.cfg.EpochRetention) >= s.state.Epoch
}

// persist writes next, and optionally an epoch ledger entry, to the store.
func (s *Session) persist(ctx context.Context, next *State, retired *epochReader) error {
	data, err := marshalState(next)
	if err != nil {
		return err
	}

	var entry *storage.EpochEntry
	if retired != nil && s.history != nil {
		secrets, err := marshalEpochReader(retired)
		if err != nil {
			return err
		}
		entry = &storage.EpochEntry{Epoch: uint64(retired.Epoch), Secrets: secrets}
	}

	if err := s.store.Put(ctx, s.groupID, data, entry); err != nil {
		return fmt.Errorf("mls.session: store: %w", err)
	}
	return nil
}

// transition makes next the current state once it is durable.  The old
// epoch keeps only what its reader needs.
func (s *Session) transition(ctx context.Context, next *State) error {
	old := s.state
	retired := old.reader()
	if err := s.persist(ctx, next, retired); err != nil {
		return err
	}

	s.state = next
	old.Keys.retire()

	if s.history == nil {
		retired.zeroize()
	} else {
		s.history.Add(retired.Epoch, retired)
	}

	if s.history != nil && next.Epoch > Epoch(s.cfg.EpochRetention) {
		before := uint64(next.Epoch) - uint64(s.cfg.EpochRetention)
		if err := s.store.Prune(ctx, s.groupID, before); err != nil {
			s.logger.Warn("failed to prune epoch ledger", "before", before, "error", err)
		}
	}

	s.logger.Debug("epoch advanced", "epoch", next.Epoch, "members", len(next.Tree.Members()))
	return nil
}

// close marks the group closed after we were removed.  Retained epochs are
// wiped as well.
func (s *Session) close(ctx context.Context) error {
	next := s.state.clone()
	next.Status = GroupStatusClosed
	if err := s.persist(ctx, next, nil); err != nil {
		return err
	}

	s.state = next
	if s.history != nil {
		s.history.Purge()
	}

	if err := s.store.Prune(ctx, s.groupID, uint64(next.Epoch)+1); err != nil {
		s.logger.Warn("failed to prune epoch ledger", "error", err)
	}

	s.logger.Info("removed from group", "epoch", next.Epoch)
	return nil
}

func (s *Session) encode(m MLSMessage) ([]byte, error) {
	return EncodeMessage(m)
}

// propose runs fn against a copy of the state and keeps the copy once it has
// been stored.
func (s *Session) propose(ctx context.Context, fn func(*State) (*MLSPlaintext, error)) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	pt, err := fn(next)
	if err != nil {
		return nil, err
	}

	data, err := s.encode(MLSMessage{Handshake: &HandshakeMessage{Plaintext: *pt}})
	if err != nil {
		return nil, err
	}

	if err := s.persist(ctx, next, nil); err != nil {
		return nil, err
	}

	s.state = next
	s.logger.Debug("proposal queued", "type", pt.Content.Proposal.Type(), "epoch", next.Epoch)
	return data, nil
}

func (s *Session) commit(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pt, welcome, next, err := s.state.Commit(nil, s.cfg.Now())
	if err != nil {
		return nil, err
	}

	data, err := s.encode(MLSMessage{Handshake: &HandshakeMessage{Plaintext: *pt, Welcome: welcome}})
	if err != nil {
		return nil, err
	}

	if err := s.transition(ctx, next); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Session) protect(ctx context.Context, plaintext, authData []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fm, err := s.state.Protect(plaintext, authData)
	if err != nil {
		return nil, err
	}

	data, err := s.encode(MLSMessage{Framed: fm})
	if err != nil {
		return nil, err
	}

	if err := s.persist(ctx, s.state, nil); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Session) handleHandshake(ctx context.Context, hm *HandshakeMessage) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pt := &hm.Plaintext
	if pt.Sender == s.state.Index {
		return s.result(ResultIgnored), nil
	}

	next := s.state.clone()
	committed, err := next.Handle(pt)
	switch {
	case errors.Is(err, ErrRemovedFromGroup):
		if cerr := s.close(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, err

	case err != nil:
		s.logger.Warn("dropped handshake message", "sender", pt.Sender, "epoch", pt.Epoch, "error", err)
		return nil, err

	case committed == nil:
		if err := s.persist(ctx, next, nil); err != nil {
			return nil, err
		}
		s.state = next

		res := s.result(ResultProposalQueued)
		res.Sender = pt.Sender
		return res, nil
	}

	if err := s.transition(ctx, committed); err != nil {
		return nil, err
	}

	res := s.result(ResultMembershipChanged)
	res.Sender = pt.Sender
	return res, nil
}

func (s *Session) handleFramed(ctx context.Context, fm *FramedMessage) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fm.Sender == s.state.Index && fm.Epoch <= s.state.Epoch {
		return s.result(ResultIgnored), nil
	}

	var pt []byte
	var err error
	var retired *epochReader
	switch {
	case s.state.Status != GroupStatusActive:
		err = decryptionError(ErrGroupClosed)

	case fm.Epoch == s.state.Epoch:
		pt, err = s.state.Unprotect(fm, s.cfg.OutOfOrderTolerance, s.cfg.MaximumForwardDistance)

	case fm.Epoch < s.state.Epoch:
		var ok bool
		if s.history != nil {
			retired, ok = s.history.Peek(fm.Epoch)
		}

		if !ok {
			err = decryptionError(fmt.Errorf("mls.session: %w: epoch %d no longer retained", ErrEpochMismatch, fm.Epoch))
			break
		}
		pt, err = retired.unprotect(fm, s.cfg.OutOfOrderTolerance, s.cfg.MaximumForwardDistance)

	default:
		err = decryptionError(fmt.Errorf("mls.session: %w: frame from future epoch %d", ErrEpochMismatch, fm.Epoch))
	}

	if err != nil {
		s.logger.Warn("dropped application message", "sender", fm.Sender, "epoch", fm.Epoch, "generation", fm.Generation, "error", err)
		return nil, err
	}

	if err := s.persist(ctx, s.state, retired); err != nil {
		return nil, err
	}

	res := s.result(ResultApplicationPlaintext)
	res.Epoch = fm.Epoch
	res.Sender = fm.Sender
	res.Plaintext = pt
	res.AuthenticatedData = dup(fm.AuthenticatedData)
	return res, nil
}

func (s *Session) result(kind ResultKind) *Result {
	return &Result{
		Kind:    kind,
		GroupID: dup(s.groupID),
		Epoch:   s.state.Epoch,
	}
}

func (s *Session) Epoch() Epoch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Epoch
}

func (s *Session) Status() GroupStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Status
}

func (s *Session) Members() []Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Members()
}

func (s *Session) ExportSecret(label string, context []byte, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Status != GroupStatusActive {
		return nil, fmt.Errorf("mls.session: %w", ErrGroupClosed)
	}
	return s.state.ExportSecret(label, context, length), nil
}

// destroy deletes the group from the store and wipes its keys.  The session
// is unusable afterwards.
func (s *Session) destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Delete(ctx, s.groupID); err != nil {
		return fmt.Errorf("mls.session: store: %w", err)
	}

	s.state.Status = GroupStatusClosed
	s.state.Keys.zeroize()
	if s.history != nil {
		s.history.Purge()
	}

	s.logger.Info("group destroyed", "epoch", s.state.Epoch)
	return nil
}
