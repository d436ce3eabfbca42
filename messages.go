package mls

import (
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

type Epoch uint64

///
/// Proposals
///

type ProposalType uint8

const (
	ProposalTypeAdd    ProposalType = 1
	ProposalTypeUpdate ProposalType = 2
	ProposalTypeRemove ProposalType = 3
)

func (pt ProposalType) ValidForTLS() error {
	return validateEnum(pt, ProposalTypeAdd, ProposalTypeUpdate, ProposalTypeRemove)
}

// struct {
//     KeyPackage key_package;
// } Add;
type AddProposal struct {
	KeyPackage KeyPackage
}

// struct {
//     LeafNode leaf_node;
// } Update;
type UpdateProposal struct {
	LeafNode LeafNode
}

// struct {
//     uint32 removed;
// } Remove;
type RemoveProposal struct {
	Removed LeafIndex
}

// struct {
//     ProposalType msg_type;
//     select (Proposal.msg_type) {
//         case add:    Add;
//         case update: Update;
//         case remove: Remove;
//     };
// } Proposal;
type Proposal struct {
	Add    *AddProposal
	Update *UpdateProposal
	Remove *RemoveProposal
}

func (p Proposal) Type() ProposalType {
	switch {
	case p.Add != nil:
		return ProposalTypeAdd
	case p.Update != nil:
		return ProposalTypeUpdate
	case p.Remove != nil:
		return ProposalTypeRemove
	default:
		panic("mls.proposal: malformed proposal")
	}
}

func (p Proposal) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	var err error
	switch {
	case p.Add != nil:
		err = s.WriteAll(ProposalTypeAdd, p.Add)
	case p.Update != nil:
		err = s.WriteAll(ProposalTypeUpdate, p.Update)
	case p.Remove != nil:
		err = s.WriteAll(ProposalTypeRemove, p.Remove)
	default:
		err = fmt.Errorf("mls.proposal: empty proposal")
	}

	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (p *Proposal) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var proposalType ProposalType
	_, err := s.Read(&proposalType)
	if err != nil {
		return 0, err
	}

	switch proposalType {
	case ProposalTypeAdd:
		p.Add = new(AddProposal)
		_, err = s.Read(p.Add)
	case ProposalTypeUpdate:
		p.Update = new(UpdateProposal)
		_, err = s.Read(p.Update)
	case ProposalTypeRemove:
		p.Remove = new(RemoveProposal)
		_, err = s.Read(p.Remove)
	default:
		err = fmt.Errorf("mls.proposal: unknown proposal type %d", proposalType)
	}

	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

///
/// Commit
///

// Proposals ride in the commit by value, tagged with the member that
// proposed them.
//
// struct {
//     uint32 sender;
//     Proposal proposal;
// } CommittedProposal;
type CommittedProposal struct {
	Sender   LeafIndex
	Proposal Proposal
}

// struct {
//     HPKEPublicKey encryption_key;
//     HPKECiphertext encrypted_path_secret<0..2^32-1>;
// } UpdatePathNode;
type UpdatePathNode struct {
	EncryptionKey       HPKEPublicKey
	EncryptedPathSecret []HPKECiphertext `tls:"head=4"`
}

// struct {
//     LeafNode leaf_node;
//     UpdatePathNode nodes<0..2^32-1>;
// } UpdatePath;
type UpdatePath struct {
	LeafNode LeafNode
	Nodes    []UpdatePathNode `tls:"head=4"`
}

// struct {
//     CommittedProposal proposals<0..2^32-1>;
//     optional<UpdatePath> path;
// } Commit;
type Commit struct {
	Proposals []CommittedProposal `tls:"head=4"`
	Path      *UpdatePath         `tls:"optional"`
}

// A commit that changes a member's leaf or evicts anyone must refresh the
// committer's path; so must an empty commit.
func (c Commit) pathRequired() bool {
	if len(c.Proposals) == 0 {
		return true
	}

	for _, cp := range c.Proposals {
		if cp.Proposal.Type() != ProposalTypeAdd {
			return true
		}
	}
	return false
}

///
/// Content
///

type ContentType uint8

const (
	ContentTypeApplication ContentType = 1
	ContentTypeProposal    ContentType = 2
	ContentTypeCommit      ContentType = 3
)

func (ct ContentType) ValidForTLS() error {
	return validateEnum(ct, ContentTypeApplication, ContentTypeProposal, ContentTypeCommit)
}

// Handshake content is either a proposal or a commit; application data is
// only ever carried in a FramedMessage.
type HandshakeContent struct {
	Proposal *Proposal
	Commit   *Commit
}

func (c HandshakeContent) Type() ContentType {
	if c.Commit != nil {
		return ContentTypeCommit
	}
	return ContentTypeProposal
}

func (c HandshakeContent) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	var err error
	switch {
	case c.Proposal != nil:
		err = s.WriteAll(ContentTypeProposal, c.Proposal)
	case c.Commit != nil:
		err = s.WriteAll(ContentTypeCommit, c.Commit)
	default:
		err = fmt.Errorf("mls.content: empty handshake content")
	}

	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (c *HandshakeContent) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var contentType ContentType
	_, err := s.Read(&contentType)
	if err != nil {
		return 0, err
	}

	switch contentType {
	case ContentTypeProposal:
		c.Proposal = new(Proposal)
		_, err = s.Read(c.Proposal)
	case ContentTypeCommit:
		c.Commit = new(Commit)
		_, err = s.Read(c.Commit)
	default:
		err = fmt.Errorf("mls.content: content type %d not allowed in handshake", contentType)
	}

	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

///
/// MLSPlaintext
///

// struct {
//     opaque group_id<0..255>;
//     uint64 epoch;
//     uint32 sender;
//     opaque authenticated_data<0..2^32-1>;
//     HandshakeContent content;
//     opaque signature<0..2^16-1>;
//     opaque confirmation_tag<0..255>;
//     opaque membership_tag<0..255>;
// } MLSPlaintext;
type MLSPlaintext struct {
	GroupID           []byte `tls:"head=1"`
	Epoch             Epoch
	Sender            LeafIndex
	AuthenticatedData []byte `tls:"head=4"`
	Content           HandshakeContent
	Signature         []byte `tls:"head=2"`
	ConfirmationTag   []byte `tls:"head=1"`
	MembershipTag     []byte `tls:"head=1"`
}

type mlsPlaintextTBS struct {
	GroupContext      GroupContext
	GroupID           []byte `tls:"head=1"`
	Epoch             Epoch
	Sender            LeafIndex
	AuthenticatedData []byte `tls:"head=4"`
	Content           HandshakeContent
}

func (pt MLSPlaintext) toBeSigned(ctx GroupContext) ([]byte, error) {
	return syntax.Marshal(mlsPlaintextTBS{
		GroupContext:      ctx,
		GroupID:           pt.GroupID,
		Epoch:             pt.Epoch,
		Sender:            pt.Sender,
		AuthenticatedData: pt.AuthenticatedData,
		Content:           pt.Content,
	})
}

func (pt *MLSPlaintext) sign(suite CipherSuite, ctx GroupContext, priv *SignaturePrivateKey) error {
	tbs, err := pt.toBeSigned(ctx)
	if err != nil {
		return err
	}

	pt.Signature, err = suite.Sign(priv, "MLSPlaintextTBS", tbs)
	return err
}

func (pt MLSPlaintext) verify(suite CipherSuite, ctx GroupContext, pub *SignaturePublicKey) error {
	tbs, err := pt.toBeSigned(ctx)
	if err != nil {
		return err
	}
	return suite.Verify(pub, "MLSPlaintextTBS", tbs, pt.Signature)
}

func (pt MLSPlaintext) membershipInput(ctx GroupContext) ([]byte, error) {
	tbs, err := pt.toBeSigned(ctx)
	if err != nil {
		return nil, err
	}

	auth, err := syntax.Marshal(struct {
		Signature       []byte `tls:"head=2"`
		ConfirmationTag []byte `tls:"head=1"`
	}{pt.Signature, pt.ConfirmationTag})
	if err != nil {
		return nil, err
	}

	return append(tbs, auth...), nil
}

// The membership tag proves the sender held the epoch's membership key.
func (pt *MLSPlaintext) setMembershipTag(suite CipherSuite, ctx GroupContext, key []byte) error {
	input, err := pt.membershipInput(ctx)
	if err != nil {
		return err
	}

	pt.MembershipTag = suite.mac(key, input)
	return nil
}

func (pt MLSPlaintext) verifyMembershipTag(suite CipherSuite, ctx GroupContext, key []byte) bool {
	input, err := pt.membershipInput(ctx)
	if err != nil {
		return false
	}
	return suite.verifyMAC(key, input, pt.MembershipTag)
}

// struct {
//     WireFormat wire_format;
//     opaque group_id<0..255>;
//     uint64 epoch;
//     uint32 sender;
//     opaque authenticated_data<0..2^32-1>;
//     HandshakeContent content;
//     opaque signature<0..2^16-1>;
// } ConfirmedTranscriptHashInput;
type confirmedTranscriptHashInput struct {
	WireFormat        WireFormat
	GroupID           []byte `tls:"head=1"`
	Epoch             Epoch
	Sender            LeafIndex
	AuthenticatedData []byte `tls:"head=4"`
	Content           HandshakeContent
	Signature         []byte `tls:"head=2"`
}

func (pt MLSPlaintext) commitContent() ([]byte, error) {
	return syntax.Marshal(confirmedTranscriptHashInput{
		WireFormat:        WireFormatHandshake,
		GroupID:           pt.GroupID,
		Epoch:             pt.Epoch,
		Sender:            pt.Sender,
		AuthenticatedData: pt.AuthenticatedData,
		Content:           pt.Content,
		Signature:         pt.Signature,
	})
}

// struct {
//     opaque confirmation_tag<0..255>;
// } InterimTranscriptHashInput;
func (pt MLSPlaintext) commitAuthData() ([]byte, error) {
	return syntax.Marshal(struct {
		ConfirmationTag []byte `tls:"head=1"`
	}{pt.ConfirmationTag})
}

///
/// FramedMessage
///

// struct {
//     opaque group_id<0..255>;
//     uint64 epoch;
//     uint32 sender;
//     uint32 generation;
//     opaque reuse_guard[4];
//     ContentType content_type;
//     opaque authenticated_data<0..2^32-1>;
//     opaque ciphertext<0..2^32-1>;
//     opaque signature<0..2^16-1>;
// } FramedMessage;
type FramedMessage struct {
	GroupID           []byte `tls:"head=1"`
	Epoch             Epoch
	Sender            LeafIndex
	Generation        uint32
	ReuseGuard        [4]byte
	ContentType       ContentType
	AuthenticatedData []byte `tls:"head=4"`
	Ciphertext        []byte `tls:"head=4"`
	Signature         []byte `tls:"head=2"`
}

type framedMessageAAD struct {
	GroupID           []byte `tls:"head=1"`
	Epoch             Epoch
	Sender            LeafIndex
	Generation        uint32
	ContentType       ContentType
	AuthenticatedData []byte `tls:"head=4"`
}

func (fm FramedMessage) aad() ([]byte, error) {
	return syntax.Marshal(framedMessageAAD{
		GroupID:           fm.GroupID,
		Epoch:             fm.Epoch,
		Sender:            fm.Sender,
		Generation:        fm.Generation,
		ContentType:       fm.ContentType,
		AuthenticatedData: fm.AuthenticatedData,
	})
}

type framedMessageTBS struct {
	GroupID           []byte `tls:"head=1"`
	Epoch             Epoch
	Sender            LeafIndex
	Generation        uint32
	ReuseGuard        [4]byte
	ContentType       ContentType
	AuthenticatedData []byte `tls:"head=4"`
	Ciphertext        []byte `tls:"head=4"`
}

func (fm FramedMessage) toBeSigned() ([]byte, error) {
	return syntax.Marshal(framedMessageTBS{
		GroupID:           fm.GroupID,
		Epoch:             fm.Epoch,
		Sender:            fm.Sender,
		Generation:        fm.Generation,
		ReuseGuard:        fm.ReuseGuard,
		ContentType:       fm.ContentType,
		AuthenticatedData: fm.AuthenticatedData,
		Ciphertext:        fm.Ciphertext,
	})
}

///
/// MLSMessage
///

type WireFormat uint16

const (
	WireFormatHandshake  WireFormat = 1
	WireFormatFramed     WireFormat = 2
	WireFormatWelcome    WireFormat = 3
	WireFormatKeyPackage WireFormat = 5
)

func (wf WireFormat) ValidForTLS() error {
	return validateEnum(wf, WireFormatHandshake, WireFormatFramed, WireFormatWelcome, WireFormatKeyPackage)
}

// A commit that adds members carries its Welcome, so the same broadcast
// serves existing members and joiners.
//
// struct {
//     MLSPlaintext plaintext;
//     optional<Welcome> welcome;
// } HandshakeMessage;
type HandshakeMessage struct {
	Plaintext MLSPlaintext
	Welcome   *Welcome `tls:"optional"`
}

// struct {
//     ProtocolVersion version;
//     WireFormat wire_format;
//     select (MLSMessage.wire_format) {
//         case handshake:   HandshakeMessage;
//         case framed:      FramedMessage;
//         case welcome:     Welcome;
//         case key_package: KeyPackage;
//     };
// } MLSMessage;
type MLSMessage struct {
	Version    ProtocolVersion
	Handshake  *HandshakeMessage
	Framed     *FramedMessage
	Welcome    *Welcome
	KeyPackage *KeyPackage
}

func (m MLSMessage) WireFormat() WireFormat {
	switch {
	case m.Handshake != nil:
		return WireFormatHandshake
	case m.Framed != nil:
		return WireFormatFramed
	case m.Welcome != nil:
		return WireFormatWelcome
	case m.KeyPackage != nil:
		return WireFormatKeyPackage
	}
	panic("mls.message: empty message")
}

func (m MLSMessage) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	err := s.Write(m.Version)
	if err != nil {
		return nil, err
	}

	switch {
	case m.Handshake != nil:
		err = s.WriteAll(WireFormatHandshake, m.Handshake)
	case m.Framed != nil:
		err = s.WriteAll(WireFormatFramed, m.Framed)
	case m.Welcome != nil:
		err = s.WriteAll(WireFormatWelcome, m.Welcome)
	case m.KeyPackage != nil:
		err = s.WriteAll(WireFormatKeyPackage, m.KeyPackage)
	default:
		err = fmt.Errorf("mls.message: empty message")
	}

	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (m *MLSMessage) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var wireFormat WireFormat
	_, err := s.ReadAll(&m.Version, &wireFormat)
	if err != nil {
		return 0, err
	}

	switch wireFormat {
	case WireFormatHandshake:
		m.Handshake = new(HandshakeMessage)
		_, err = s.Read(m.Handshake)
	case WireFormatFramed:
		m.Framed = new(FramedMessage)
		_, err = s.Read(m.Framed)
	case WireFormatWelcome:
		m.Welcome = new(Welcome)
		_, err = s.Read(m.Welcome)
	case WireFormatKeyPackage:
		m.KeyPackage = new(KeyPackage)
		_, err = s.Read(m.KeyPackage)
	default:
		err = fmt.Errorf("mls.message: unknown wire format %d", wireFormat)
	}

	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

func EncodeMessage(m MLSMessage) ([]byte, error) {
	m.Version = ProtocolVersionMLS10
	return syntax.Marshal(m)
}

// DecodeMessage parses an opaque payload; anything malformed, from another
// protocol version or with trailing bytes is rejected.
func DecodeMessage(data []byte) (*MLSMessage, error) {
	m := new(MLSMessage)
	if err := unmarshalExact(data, m); err != nil {
		return nil, err
	}

	if m.Version != ProtocolVersionMLS10 {
		return nil, fmt.Errorf("mls.message: %w: version %d", ErrMalformedMessage, m.Version)
	}
	return m, nil
}
