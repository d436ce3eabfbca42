package mls

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/binkos/mls-messenger-sample/storage"
)

type ResultKind uint8

const (
	ResultIgnored ResultKind = iota
	ResultApplicationPlaintext
	ResultMembershipChanged
	ResultProposalQueued
)

func (rk ResultKind) String() string {
	switch rk {
	case ResultIgnored:
		return "ignored"
	case ResultApplicationPlaintext:
		return "application-plaintext"
	case ResultMembershipChanged:
		return "membership-changed"
	case ResultProposalQueued:
		return "proposal-queued"
	}
	return fmt.Sprintf("ResultKind(%d)", uint8(rk))
}

// Result describes what an incoming message did.  Epoch is the group's
// epoch afterwards, except for application messages, where it is the epoch
// the message was sent in.
type Result struct {
	Kind              ResultKind
	GroupID           []byte
	Epoch             Epoch
	Sender            LeafIndex
	Plaintext         []byte
	AuthenticatedData []byte
}

// Client is one participant.  It holds the identity, the key packages it has
// handed out, and a session per group it belongs to.  Groups are
// independent: operations on different groups may run concurrently, while
// operations on one group are serialized.
type Client struct {
	cred   *Credential
	store  storage.Store
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	bundles  map[string]*KeyPackageBundle
	unusable map[string]error
}

func NewClient(cred *Credential, store storage.Store, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()

	if !cfg.CipherSuite.supported() {
		return nil, fmt.Errorf("mls.client: %w: %v", ErrUnsupportedCipherSuite, cfg.CipherSuite)
	}

	if _, ok := cred.PrivateKey(); !ok {
		return nil, fmt.Errorf("mls.client: credential has no private key")
	}

	if cred.Scheme() != cfg.CipherSuite.Scheme() {
		return nil, fmt.Errorf("mls.client: %w: credential scheme does not match %v", ErrUnsupportedCipherSuite, cfg.CipherSuite)
	}

	return &Client{
		cred:     cred,
		store:    store,
		cfg:      cfg,
		logger:   cfg.Logger.With("identity", string(cred.Identity())),
		sessions: map[string]*Session{},
		bundles:  map[string]*KeyPackageBundle{},
		unusable: map[string]error{},
	}, nil
}

func (c *Client) Credential() *Credential {
	return c.cred
}

func (c *Client) newKeyPackage() (*KeyPackageBundle, error) {
	return GenerateKeyPackage(c.cfg.CipherSuite, c.cred, KeyPackageOpts{
		Now:      c.cfg.Now(),
		Lifetime: c.cfg.KeyPackageLifetime,
	})
}

// GenerateKeyPackageMessage returns a fresh key package for someone to add
// us with.  The private half stays in memory and can be used for one join.
func (c *Client) GenerateKeyPackageMessage() ([]byte, error) {
	bundle, err := c.newKeyPackage()
	if err != nil {
		return nil, err
	}

	ref, err := bundle.KeyPackage.Ref()
	if err != nil {
		return nil, err
	}

	data, err := EncodeMessage(MLSMessage{KeyPackage: &bundle.KeyPackage})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.bundles[hex.EncodeToString(ref)] = bundle
	c.mu.Unlock()

	return data, nil
}

// CreateGroup starts a group with us as its only member.  A nil groupID
// picks a random one.
func (c *Client) CreateGroup(ctx context.Context, groupID []byte) ([]byte, error) {
	if groupID == nil {
		var err error
		groupID, err = randomBytes(16)
		if err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := hex.EncodeToString(groupID)
	if _, ok := c.sessions[key]; ok {
		return nil, fmt.Errorf("mls.client: group %s already exists", key)
	}

	_, err := c.store.Get(ctx, groupID)
	if err == nil {
		return nil, fmt.Errorf("mls.client: group %s already exists", key)
	}
	if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrCorrupted) {
		return nil, err
	}

	bundle, err := c.newKeyPackage()
	if err != nil {
		return nil, err
	}

	state, err := NewGroup(groupID, *bundle)
	if err != nil {
		return nil, err
	}

	if err := c.register(ctx, key, state); err != nil {
		return nil, err
	}

	c.logger.Info("group created", "group", key, "suite", c.cfg.CipherSuite)
	return dup(groupID), nil
}

// register stores a fresh state and makes it the group's session.  Called
// with c.mu held.
func (c *Client) register(ctx context.Context, key string, state *State) error {
	sess, err := newSession(state.GroupID, state, c.store, c.cfg)
	if err != nil {
		return err
	}

	if err := sess.persist(ctx, state, nil); err != nil {
		return err
	}

	c.sessions[key] = sess
	delete(c.unusable, key)
	return nil
}

// LoadGroup makes a group from the store available.  Other methods load
// groups on demand, so this only serves to surface errors early.
func (c *Client) LoadGroup(ctx context.Context, groupID []byte) error {
	_, err := c.session(ctx, groupID)
	return err
}

// session returns the group's session, loading it from the store on first
// use.  The load runs without c.mu so other groups are not held up; if
// another caller registered the group meanwhile, theirs wins.
func (c *Client) session(ctx context.Context, groupID []byte) (*Session, error) {
	key := hex.EncodeToString(groupID)

	c.mu.Lock()
	if err, ok := c.unusable[key]; ok {
		c.mu.Unlock()
		return nil, err
	}
	if sess, ok := c.sessions[key]; ok {
		c.mu.Unlock()
		return sess, nil
	}
	c.mu.Unlock()

	loaded, err := loadSession(ctx, groupID, c.store, c.cfg)

	c.mu.Lock()
	defer c.mu.Unlock()

	if sess, ok := c.sessions[key]; ok {
		return sess, nil
	}

	if errors.Is(err, ErrStateCorrupted) {
		c.logger.Error("group state corrupted", "group", key, "error", err)
		c.unusable[key] = err
	}
	if err != nil {
		return nil, err
	}

	c.sessions[key] = loaded
	return loaded, nil
}

func (c *Client) ProposeAdd(ctx context.Context, groupID, keyPackage []byte) ([]byte, error) {
	m, err := DecodeMessage(keyPackage)
	if err != nil {
		return nil, err
	}

	if m.WireFormat() != WireFormatKeyPackage {
		return nil, fmt.Errorf("mls.client: %w: expected a key package, got wire format %d", ErrMalformedMessage, m.WireFormat())
	}

	sess, err := c.session(ctx, groupID)
	if err != nil {
		return nil, err
	}

	kp := *m.KeyPackage
	return sess.propose(ctx, func(s *State) (*MLSPlaintext, error) {
		return s.ProposeAdd(kp, c.cfg.Now())
	})
}

func (c *Client) ProposeRemove(ctx context.Context, groupID []byte, removed LeafIndex) ([]byte, error) {
	sess, err := c.session(ctx, groupID)
	if err != nil {
		return nil, err
	}

	return sess.propose(ctx, func(s *State) (*MLSPlaintext, error) {
		return s.ProposeRemove(removed)
	})
}

func (c *Client) ProposeUpdate(ctx context.Context, groupID []byte) ([]byte, error) {
	sess, err := c.session(ctx, groupID)
	if err != nil {
		return nil, err
	}

	return sess.propose(ctx, (*State).ProposeUpdate)
}

// Commit commits every pending proposal, with a fresh update path, and
// returns the message to broadcast.  If the commit adds members the
// message carries their Welcome.
func (c *Client) Commit(ctx context.Context, groupID []byte) ([]byte, error) {
	sess, err := c.session(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return sess.commit(ctx)
}

func (c *Client) EncryptApplicationMessage(ctx context.Context, groupID, plaintext, authData []byte) ([]byte, error) {
	sess, err := c.session(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return sess.protect(ctx, plaintext, authData)
}

// ProcessIncoming handles one message received for a group.  A Welcome, or
// a commit carrying one, for a group we do not know is treated as an
// invitation.
func (c *Client) ProcessIncoming(ctx context.Context, groupID, data []byte) (*Result, error) {
	m, err := DecodeMessage(data)
	if err != nil {
		return nil, err
	}

	switch m.WireFormat() {
	case WireFormatKeyPackage:
		return &Result{Kind: ResultIgnored, GroupID: dup(groupID)}, nil

	case WireFormatWelcome:
		return c.join(ctx, groupID, m.Welcome)

	case WireFormatFramed:
		sess, err := c.session(ctx, groupID)
		if errors.Is(err, ErrUnknownGroup) {
			return nil, decryptionError(err)
		}
		if err != nil {
			return nil, err
		}
		return sess.handleFramed(ctx, m.Framed)
	}

	sess, err := c.session(ctx, groupID)
	rejoin := errors.Is(err, ErrUnknownGroup) || errors.Is(err, ErrStateCorrupted)
	if rejoin && m.Handshake.Welcome != nil {
		res, jerr := c.join(ctx, groupID, m.Handshake.Welcome)
		if jerr != nil || res.Kind != ResultIgnored || errors.Is(err, ErrUnknownGroup) {
			return res, jerr
		}
	}
	if err != nil {
		return nil, err
	}
	return sess.handleHandshake(ctx, m.Handshake)
}

// join enters a group through a Welcome addressed to one of our key
// packages.  Welcomes for someone else, or for a group we are already in,
// are ignored.
func (c *Client) join(ctx context.Context, groupID []byte, welcome *Welcome) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ref string
	var bundle *KeyPackageBundle
	for r, b := range c.bundles {
		if _, ok := welcome.Find(b.KeyPackage); ok {
			ref, bundle = r, b
			break
		}
	}

	if bundle == nil {
		return &Result{Kind: ResultIgnored, GroupID: dup(groupID)}, nil
	}

	state, err := NewJoinedState(*bundle, *welcome)
	if err != nil {
		c.logger.Warn("failed to join group", "error", err)
		return nil, err
	}

	if groupID != nil && !bytes.Equal(groupID, state.GroupID) {
		return nil, fmt.Errorf("mls.client: %w: welcome is for another group", ErrMalformedMessage)
	}

	key := hex.EncodeToString(state.GroupID)
	if sess, ok := c.sessions[key]; ok && sess.Status() == GroupStatusActive {
		return &Result{Kind: ResultIgnored, GroupID: dup(state.GroupID), Epoch: sess.Epoch()}, nil
	}

	if err := c.register(ctx, key, state); err != nil {
		return nil, err
	}

	delete(c.bundles, ref)
	c.logger.Info("joined group", "group", key, "epoch", state.Epoch, "index", state.Index)
	return &Result{
		Kind:    ResultMembershipChanged,
		GroupID: dup(state.GroupID),
		Epoch:   state.Epoch,
	}, nil
}

// Incoming is one received message and the group it was delivered for.
type Incoming struct {
	GroupID []byte
	Data    []byte
}

// Outcome is the result of one Incoming.  A failed message does not stop
// the others.
type Outcome struct {
	Result *Result
	Err    error
}

// ProcessIncomingBatch handles messages for many groups at once.  Each
// group's messages are processed in the order given, different groups in
// parallel.  The returned error is only set if ctx ends first.
func (c *Client) ProcessIncomingBatch(ctx context.Context, msgs []Incoming) ([]Outcome, error) {
	order := []string{}
	byGroup := map[string][]int{}
	for i, msg := range msgs {
		key := hex.EncodeToString(msg.GroupID)
		if _, ok := byGroup[key]; !ok {
			order = append(order, key)
		}
		byGroup[key] = append(byGroup[key], i)
	}

	outcomes := make([]Outcome, len(msgs))
	g, gctx := errgroup.WithContext(ctx)
	for _, key := range order {
		indices := byGroup[key]
		g.Go(func() error {
			for _, i := range indices {
				if err := gctx.Err(); err != nil {
					return err
				}

				res, err := c.ProcessIncoming(gctx, msgs[i].GroupID, msgs[i].Data)
				outcomes[i] = Outcome{Result: res, Err: err}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// DestroyGroup leaves a group locally: its state and retained epochs are
// deleted and its keys wiped.
func (c *Client) DestroyGroup(ctx context.Context, groupID []byte) error {
	sess, err := c.session(ctx, groupID)
	if err != nil {
		return err
	}

	if err := sess.destroy(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.sessions, hex.EncodeToString(groupID))
	c.mu.Unlock()
	return nil
}

func (c *Client) Epoch(ctx context.Context, groupID []byte) (Epoch, error) {
	sess, err := c.session(ctx, groupID)
	if err != nil {
		return 0, err
	}
	return sess.Epoch(), nil
}

func (c *Client) Status(ctx context.Context, groupID []byte) (GroupStatus, error) {
	sess, err := c.session(ctx, groupID)
	if err != nil {
		return 0, err
	}
	return sess.Status(), nil
}

func (c *Client) Members(ctx context.Context, groupID []byte) ([]Member, error) {
	sess, err := c.session(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return sess.Members(), nil
}

// ExportSecret derives a secret for use outside the group protocol from the
// current epoch.
func (c *Client) ExportSecret(ctx context.Context, groupID []byte, label string, context []byte, length int) ([]byte, error) {
	sess, err := c.session(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return sess.ExportSecret(label, context, length)
}
