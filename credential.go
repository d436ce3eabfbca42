package mls

import (
	"bytes"
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

type CredentialType uint8

const (
	CredentialTypeInvalid CredentialType = 255
	CredentialTypeBasic   CredentialType = 1
)

func (ct CredentialType) ValidForTLS() error {
	return validateEnum(ct, CredentialTypeBasic)
}

// struct {
//     opaque identity<0..2^16-1>;
//     SignatureScheme algorithm;
//     SignaturePublicKey public_key;
// } BasicCredential;
type BasicCredential struct {
	Identity        []byte `tls:"head=2"`
	SignatureScheme SignatureScheme
	PublicKey       SignaturePublicKey
}

// struct {
//     CredentialType credential_type;
//     select (Credential.credential_type) {
//         case basic:
//             BasicCredential;
//     };
// } Credential;
//
// The private key travels with the credential inside a client but is never
// encoded.
type Credential struct {
	Basic      *BasicCredential
	privateKey *SignaturePrivateKey
}

func NewBasicCredential(identity []byte, scheme SignatureScheme, priv *SignaturePrivateKey) *Credential {
	basicCredential := &BasicCredential{
		Identity:        dup(identity),
		SignatureScheme: scheme,
		PublicKey:       priv.PublicKey,
	}
	return &Credential{Basic: basicCredential, privateKey: priv}
}

// GenerateCredential creates a fresh signature key for the suite's scheme and
// wraps it in a basic credential.
func GenerateCredential(identity []byte, suite CipherSuite) (*Credential, error) {
	if !suite.supported() {
		return nil, fmt.Errorf("mls.credential: %w: %v", ErrUnsupportedCipherSuite, suite)
	}

	priv, err := suite.Scheme().Generate()
	if err != nil {
		return nil, err
	}
	return NewBasicCredential(identity, suite.Scheme(), &priv), nil
}

// compare the public aspects
func (c Credential) Equals(o Credential) bool {
	if c.Basic == nil || o.Basic == nil {
		return false
	}

	return bytes.Equal(c.Basic.Identity, o.Basic.Identity) &&
		c.Basic.SignatureScheme == o.Basic.SignatureScheme &&
		c.Basic.PublicKey.Equals(o.Basic.PublicKey)
}

func (c Credential) Type() CredentialType {
	if c.Basic != nil {
		return CredentialTypeBasic
	}
	return CredentialTypeInvalid
}

func (c Credential) Identity() []byte {
	if c.Basic == nil {
		return nil
	}
	return c.Basic.Identity
}

func (c Credential) Scheme() SignatureScheme {
	if c.Basic == nil {
		return 0
	}
	return c.Basic.SignatureScheme
}

func (c Credential) PublicKey() *SignaturePublicKey {
	if c.Basic == nil {
		return nil
	}
	return &c.Basic.PublicKey
}

func (c Credential) PrivateKey() (SignaturePrivateKey, bool) {
	if c.privateKey == nil {
		return SignaturePrivateKey{}, false
	}
	return *c.privateKey, true
}

func (c *Credential) RemovePrivateKey() {
	c.privateKey = nil
}

func (c Credential) clone() Credential {
	out := Credential{privateKey: c.privateKey}
	if c.Basic != nil {
		out.Basic = &BasicCredential{
			Identity:        dup(c.Basic.Identity),
			SignatureScheme: c.Basic.SignatureScheme,
			PublicKey:       SignaturePublicKey{Data: dup(c.Basic.PublicKey.Data)},
		}
	}
	return out
}

func (c Credential) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	credentialType := c.Type()
	err := s.Write(credentialType)
	if err != nil {
		return nil, err
	}

	switch credentialType {
	case CredentialTypeBasic:
		err = s.Write(c.Basic)
	default:
		err = fmt.Errorf("mls.credential: CredentialType type not allowed")
	}

	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (c *Credential) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var credentialType CredentialType
	_, err := s.Read(&credentialType)
	if err != nil {
		return 0, err
	}

	switch credentialType {
	case CredentialTypeBasic:
		c.Basic = new(BasicCredential)
		_, err = s.Read(c.Basic)
	default:
		err = fmt.Errorf("mls.credential: CredentialType type not allowed")
	}

	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}
