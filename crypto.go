package mls

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"math/big"

	"github.com/cisco/go-hpke"
	"github.com/cisco/go-tls-syntax"
	"github.com/cloudflare/circl/sign/ed448"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/hkdf"
)

const labelPrefix = "MLS 1.0 "

///
/// Cipher suites
///

type CipherSuite uint16

const (
	X25519_AES128GCM_SHA256_Ed25519        CipherSuite = 0x0001
	P256_AES128GCM_SHA256_P256             CipherSuite = 0x0002
	X25519_CHACHA20POLY1305_SHA256_Ed25519 CipherSuite = 0x0003
	X448_AES256GCM_SHA512_Ed448            CipherSuite = 0x0004
	P521_AES256GCM_SHA512_P521             CipherSuite = 0x0005
)

type cipherConstants struct {
	KeySize    int
	NonceSize  int
	SecretSize int
	HPKEKEM    hpke.KEMID
	HPKEKDF    hpke.KDFID
	HPKEAEAD   hpke.AEADID
	Scheme     SignatureScheme
}

var cipherSuiteConstants = map[CipherSuite]cipherConstants{
	X25519_AES128GCM_SHA256_Ed25519: {
		KeySize:    16,
		NonceSize:  12,
		SecretSize: 32,
		HPKEKEM:    hpke.DHKEM_X25519,
		HPKEKDF:    hpke.KDF_HKDF_SHA256,
		HPKEAEAD:   hpke.AEAD_AESGCM128,
		Scheme:     Ed25519,
	},
	P256_AES128GCM_SHA256_P256: {
		KeySize:    16,
		NonceSize:  12,
		SecretSize: 32,
		HPKEKEM:    hpke.DHKEM_P256,
		HPKEKDF:    hpke.KDF_HKDF_SHA256,
		HPKEAEAD:   hpke.AEAD_AESGCM128,
		Scheme:     ECDSA_SECP256R1_SHA256,
	},
	X25519_CHACHA20POLY1305_SHA256_Ed25519: {
		KeySize:    32,
		NonceSize:  12,
		SecretSize: 32,
		HPKEKEM:    hpke.DHKEM_X25519,
		HPKEKDF:    hpke.KDF_HKDF_SHA256,
		HPKEAEAD:   hpke.AEAD_CHACHA20POLY1305,
		Scheme:     Ed25519,
	},
	X448_AES256GCM_SHA512_Ed448: {
		KeySize:    32,
		NonceSize:  12,
		SecretSize: 64,
		HPKEKEM:    hpke.DHKEM_X448,
		HPKEKDF:    hpke.KDF_HKDF_SHA512,
		HPKEAEAD:   hpke.AEAD_AESGCM256,
		Scheme:     Ed448,
	},
	P521_AES256GCM_SHA512_P521: {
		KeySize:    32,
		NonceSize:  12,
		SecretSize: 64,
		HPKEKEM:    hpke.DHKEM_P521,
		HPKEKDF:    hpke.KDF_HKDF_SHA512,
		HPKEAEAD:   hpke.AEAD_AESGCM256,
		Scheme:     ECDSA_SECP521R1_SHA512,
	},
}

// SupportedCipherSuites lists the suites this implementation negotiates, in
// order of preference.
func SupportedCipherSuites() []CipherSuite {
	return []CipherSuite{
		X25519_AES128GCM_SHA256_Ed25519,
		P256_AES128GCM_SHA256_P256,
		X25519_CHACHA20POLY1305_SHA256_Ed25519,
		X448_AES256GCM_SHA512_Ed448,
		P521_AES256GCM_SHA512_P521,
	}
}

func (cs CipherSuite) supported() bool {
	_, ok := cipherSuiteConstants[cs]
	return ok
}

func (cs CipherSuite) ValidForTLS() error {
	if !cs.supported() {
		return fmt.Errorf("mls.crypto: %w: 0x%04x", ErrUnsupportedCipherSuite, uint16(cs))
	}
	return nil
}

func (cs CipherSuite) String() string {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519:
		return "X25519_AES128GCM_SHA256_Ed25519"
	case P256_AES128GCM_SHA256_P256:
		return "P256_AES128GCM_SHA256_P256"
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return "X25519_CHACHA20POLY1305_SHA256_Ed25519"
	case X448_AES256GCM_SHA512_Ed448:
		return "X448_AES256GCM_SHA512_Ed448"
	case P521_AES256GCM_SHA512_P521:
		return "P521_AES256GCM_SHA512_P521"
	}
	return fmt.Sprintf("CipherSuite(0x%04x)", uint16(cs))
}

// ParseCipherSuite maps a suite name as printed by String back to its value.
func ParseCipherSuite(name string) (CipherSuite, error) {
	for _, cs := range SupportedCipherSuites() {
		if cs.String() == name {
			return cs, nil
		}
	}
	return 0, fmt.Errorf("mls.crypto: %w: %q", ErrUnsupportedCipherSuite, name)
}

func (cs CipherSuite) Constants() cipherConstants {
	c, ok := cipherSuiteConstants[cs]
	if !ok {
		panic(fmt.Sprintf("mls.crypto: unsupported suite %v", cs))
	}
	return c
}

func (cs CipherSuite) Scheme() SignatureScheme {
	return cs.Constants().Scheme
}

func (cs CipherSuite) hashFunc() crypto.Hash {
	if cs.Constants().SecretSize == 64 {
		return crypto.SHA512
	}
	return crypto.SHA256
}

func (cs CipherSuite) newDigest() hash.Hash {
	if cs.hashFunc() == crypto.SHA512 {
		return sha512.New()
	}
	return sha256.New()
}

func (cs CipherSuite) Digest(data []byte) []byte {
	d := cs.newDigest()
	d.Write(data)
	return d.Sum(nil)
}

func (cs CipherSuite) newHMAC(key []byte) hash.Hash {
	return hmac.New(cs.newDigest, key)
}

func (cs CipherSuite) mac(key, data []byte) []byte {
	h := cs.newHMAC(key)
	h.Write(data)
	return h.Sum(nil)
}

// verifyMAC compares in constant time.
func (cs CipherSuite) verifyMAC(key, data, tag []byte) bool {
	return hmac.Equal(cs.mac(key, data), tag)
}

func (cs CipherSuite) zero() []byte {
	return bytes.Repeat([]byte{0x00}, cs.Constants().SecretSize)
}

///
/// KDF
///

func (cs CipherSuite) KDFExtract(salt, ikm []byte) []byte {
	return hkdf.Extract(cs.newDigest, ikm, salt)
}

func (cs CipherSuite) KDFExpand(prk, info []byte, size int) []byte {
	out := make([]byte, size)
	r := hkdf.Expand(cs.newDigest, prk, info)
	if _, err := r.Read(out); err != nil {
		panic(fmt.Sprintf("mls.crypto: hkdf expand to %d bytes: %v", size, err))
	}
	return out
}

// struct {
//     uint16 length = Length;
//     opaque label<7..255> = "MLS 1.0 " + Label;
//     opaque context<0..2^32-1> = Context;
// } KDFLabel;
type kdfLabel struct {
	Length  uint16
	Label   []byte `tls:"head=1"`
	Context []byte `tls:"head=4"`
}

func (cs CipherSuite) expandWithLabel(secret []byte, label string, context []byte, length int) []byte {
	info, err := syntax.Marshal(kdfLabel{
		Length:  uint16(length),
		Label:   []byte(labelPrefix + label),
		Context: context,
	})
	if err != nil {
		panic(fmt.Sprintf("mls.crypto: kdf label marshal: %v", err))
	}

	return cs.KDFExpand(secret, info, length)
}

func (cs CipherSuite) deriveSecret(secret []byte, label string) []byte {
	return cs.expandWithLabel(secret, label, []byte{}, cs.Constants().SecretSize)
}

///
/// AEAD
///

func (cs CipherSuite) newAEAD(key []byte) (cipher.AEAD, error) {
	switch cs.Constants().HPKEAEAD {
	case hpke.AEAD_CHACHA20POLY1305:
		return chacha20poly1305.New(key)

	default:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	}
}

func (cs CipherSuite) AEADSeal(key, nonce, aad, pt []byte) ([]byte, error) {
	aead, err := cs.newAEAD(key)
	if err != nil {
		return nil, fmt.Errorf("mls.crypto: aead setup: %w", err)
	}

	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("mls.crypto: nonce size %d, want %d", len(nonce), aead.NonceSize())
	}

	return aead.Seal(nil, nonce, pt, aad), nil
}

func (cs CipherSuite) AEADOpen(key, nonce, aad, ct []byte) ([]byte, error) {
	aead, err := cs.newAEAD(key)
	if err != nil {
		return nil, fmt.Errorf("mls.crypto: aead setup: %w", err)
	}

	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("mls.crypto: %w: bad nonce size", ErrAuthenticationFailed)
	}

	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, fmt.Errorf("mls.crypto: %w", ErrAuthenticationFailed)
	}
	return pt, nil
}

///
/// HPKE
///

// opaque HPKEPublicKey<1..2^16-1>;
type HPKEPublicKey struct {
	Data []byte `tls:"head=2"`
}

func (k HPKEPublicKey) Equals(o HPKEPublicKey) bool {
	return bytes.Equal(k.Data, o.Data)
}

type HPKEPrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey HPKEPublicKey
}

// struct {
//     opaque kem_output<0..2^16-1>;
//     opaque ciphertext<0..2^32-1>;
// } HPKECiphertext;
type HPKECiphertext struct {
	KEMOutput  []byte `tls:"head=2"`
	Ciphertext []byte `tls:"head=4"`
}

type hpkeInstance struct {
	BaseSuite CipherSuite
	Suite     hpke.CipherSuite
}

func (cs CipherSuite) hpke() hpkeInstance {
	cc := cs.Constants()
	suite, err := hpke.AssembleCipherSuite(cc.HPKEKEM, cc.HPKEKDF, cc.HPKEAEAD)
	if err != nil {
		panic(fmt.Sprintf("mls.crypto: hpke suite %v: %v", cs, err))
	}

	return hpkeInstance{cs, suite}
}

func (h hpkeInstance) Generate() (HPKEPrivateKey, error) {
	seed, err := randomBytes(h.BaseSuite.Constants().SecretSize)
	if err != nil {
		return HPKEPrivateKey{}, err
	}
	return h.Derive(seed)
}

func (h hpkeInstance) Derive(seed []byte) (HPKEPrivateKey, error) {
	ikm := h.BaseSuite.expandWithLabel(seed, "derive key pair", []byte{}, h.Suite.KEM.PrivateKeySize())
	priv, pub, err := h.Suite.KEM.DeriveKeyPair(ikm)
	if err != nil {
		return HPKEPrivateKey{}, fmt.Errorf("mls.crypto: derive key pair: %w", err)
	}

	return HPKEPrivateKey{
		Data:      h.Suite.KEM.SerializePrivate(priv),
		PublicKey: HPKEPublicKey{Data: h.Suite.KEM.Serialize(pub)},
	}, nil
}

func (h hpkeInstance) Encrypt(pub HPKEPublicKey, info, aad, pt []byte) (HPKECiphertext, error) {
	pkR, err := h.Suite.KEM.Deserialize(pub.Data)
	if err != nil {
		return HPKECiphertext{}, fmt.Errorf("mls.crypto: bad hpke public key: %w", err)
	}

	enc, ctx, err := hpke.SetupBaseS(h.Suite, rand.Reader, pkR, info)
	if err != nil {
		return HPKECiphertext{}, fmt.Errorf("mls.crypto: hpke setup: %w", err)
	}

	ct := ctx.Seal(aad, pt)
	return HPKECiphertext{KEMOutput: enc, Ciphertext: ct}, nil
}

func (h hpkeInstance) Decrypt(priv HPKEPrivateKey, info, aad []byte, ct HPKECiphertext) ([]byte, error) {
	skR, err := h.Suite.KEM.DeserializePrivate(priv.Data)
	if err != nil {
		return nil, fmt.Errorf("mls.crypto: bad hpke private key: %w", err)
	}

	ctx, err := hpke.SetupBaseR(h.Suite, skR, ct.KEMOutput, info)
	if err != nil {
		return nil, fmt.Errorf("mls.crypto: %w: hpke setup", ErrAuthenticationFailed)
	}

	pt, err := ctx.Open(aad, ct.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("mls.crypto: %w: hpke open", ErrAuthenticationFailed)
	}
	return pt, nil
}

// struct {
//     opaque label<7..255> = "MLS 1.0 " + Label;
//     opaque context<0..2^32-1> = Context;
// } EncryptContext;
type encryptContext struct {
	Label   []byte `tls:"head=1"`
	Context []byte `tls:"head=4"`
}

func encryptInfo(label string, context []byte) []byte {
	info, err := syntax.Marshal(encryptContext{
		Label:   []byte(labelPrefix + label),
		Context: context,
	})
	if err != nil {
		panic(fmt.Sprintf("mls.crypto: encrypt context marshal: %v", err))
	}
	return info
}

// KEMEncap encapsulates to pub and seals pt under the resulting context.
// The label and context are bound into the HPKE info string.
func (cs CipherSuite) KEMEncap(pub HPKEPublicKey, label string, context, pt []byte) (HPKECiphertext, error) {
	return cs.hpke().Encrypt(pub, encryptInfo(label, context), []byte{}, pt)
}

func (cs CipherSuite) KEMDecap(priv HPKEPrivateKey, label string, context []byte, ct HPKECiphertext) ([]byte, error) {
	return cs.hpke().Decrypt(priv, encryptInfo(label, context), []byte{}, ct)
}

///
/// Signing
///

type SignatureScheme uint16

const (
	ECDSA_SECP256R1_SHA256 SignatureScheme = 0x0403
	ECDSA_SECP521R1_SHA512 SignatureScheme = 0x0603
	Ed25519                SignatureScheme = 0x0807
	Ed448                  SignatureScheme = 0x0808
)

func (ss SignatureScheme) ValidForTLS() error {
	return validateEnum(ss, ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512, Ed25519, Ed448)
}

func (ss SignatureScheme) String() string {
	switch ss {
	case ECDSA_SECP256R1_SHA256:
		return "ecdsa_secp256r1_sha256"
	case ECDSA_SECP521R1_SHA512:
		return "ecdsa_secp521r1_sha512"
	case Ed25519:
		return "ed25519"
	case Ed448:
		return "ed448"
	}
	return fmt.Sprintf("SignatureScheme(0x%04x)", uint16(ss))
}

// opaque SignaturePublicKey<1..2^16-1>;
type SignaturePublicKey struct {
	Data []byte `tls:"head=2"`
}

func (pub SignaturePublicKey) Equals(o SignaturePublicKey) bool {
	return bytes.Equal(pub.Data, o.Data)
}

type SignaturePrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey SignaturePublicKey
}

func (ss SignatureScheme) curve() elliptic.Curve {
	switch ss {
	case ECDSA_SECP256R1_SHA256:
		return elliptic.P256()
	case ECDSA_SECP521R1_SHA512:
		return elliptic.P521()
	}
	return nil
}

func (ss SignatureScheme) digest(message []byte) []byte {
	if ss == ECDSA_SECP521R1_SHA512 {
		d := sha512.Sum512(message)
		return d[:]
	}
	d := sha256.Sum256(message)
	return d[:]
}

func ecdsaPrivateKey(curve elliptic.Curve, d *big.Int) *ecdsa.PrivateKey {
	priv := &ecdsa.PrivateKey{D: d}
	priv.PublicKey.Curve = curve
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(d.Bytes())
	return priv
}

func encodeECDSA(priv *ecdsa.PrivateKey) SignaturePrivateKey {
	size := (priv.Curve.Params().BitSize + 7) / 8
	return SignaturePrivateKey{
		Data: priv.D.FillBytes(make([]byte, size)),
		PublicKey: SignaturePublicKey{
			Data: elliptic.Marshal(priv.Curve, priv.PublicKey.X, priv.PublicKey.Y),
		},
	}
}

func (ss SignatureScheme) Generate() (SignaturePrivateKey, error) {
	switch ss {
	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		priv, err := ecdsa.GenerateKey(ss.curve(), rand.Reader)
		if err != nil {
			return SignaturePrivateKey{}, err
		}
		return encodeECDSA(priv), nil

	case Ed25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return SignaturePrivateKey{}, err
		}
		return SignaturePrivateKey{
			Data:      priv,
			PublicKey: SignaturePublicKey{Data: pub},
		}, nil

	case Ed448:
		pub, priv, err := ed448.GenerateKey(rand.Reader)
		if err != nil {
			return SignaturePrivateKey{}, err
		}
		return SignaturePrivateKey{
			Data:      priv,
			PublicKey: SignaturePublicKey{Data: pub},
		}, nil
	}

	return SignaturePrivateKey{}, fmt.Errorf("mls.crypto: unsupported signature scheme %v", ss)
}

// Derive deterministically produces a key pair from a seed of any length.
func (ss SignatureScheme) Derive(preSeed []byte) (SignaturePrivateKey, error) {
	switch ss {
	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		curve := ss.curve()
		n := new(big.Int).Sub(curve.Params().N, big.NewInt(1))
		d := new(big.Int).SetBytes(ss.digest(preSeed))
		d.Mod(d, n)
		d.Add(d, big.NewInt(1))
		return encodeECDSA(ecdsaPrivateKey(curve, d)), nil

	case Ed25519:
		seed := sha256.Sum256(preSeed)
		priv := ed25519.NewKeyFromSeed(seed[:])
		return SignaturePrivateKey{
			Data:      priv,
			PublicKey: SignaturePublicKey{Data: priv.Public().(ed25519.PublicKey)},
		}, nil

	case Ed448:
		seed := sha512.Sum512(preSeed)
		priv := ed448.NewKeyFromSeed(seed[:ed448.SeedSize])
		return SignaturePrivateKey{
			Data:      priv,
			PublicKey: SignaturePublicKey{Data: priv.Public().(ed448.PublicKey)},
		}, nil
	}

	return SignaturePrivateKey{}, fmt.Errorf("mls.crypto: unsupported signature scheme %v", ss)
}

func (ss SignatureScheme) Sign(priv *SignaturePrivateKey, message []byte) ([]byte, error) {
	switch ss {
	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		d := new(big.Int).SetBytes(priv.Data)
		return ecdsa.SignASN1(rand.Reader, ecdsaPrivateKey(ss.curve(), d), ss.digest(message))

	case Ed25519:
		if len(priv.Data) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("mls.crypto: malformed ed25519 private key")
		}
		return ed25519.Sign(ed25519.PrivateKey(priv.Data), message), nil

	case Ed448:
		if len(priv.Data) != ed448.PrivateKeySize {
			return nil, fmt.Errorf("mls.crypto: malformed ed448 private key")
		}
		return ed448.Sign(ed448.PrivateKey(priv.Data), message, ""), nil
	}

	return nil, fmt.Errorf("mls.crypto: unsupported signature scheme %v", ss)
}

func (ss SignatureScheme) Verify(pub *SignaturePublicKey, message, signature []byte) bool {
	switch ss {
	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		curve := ss.curve()
		x, y := elliptic.Unmarshal(curve, pub.Data)
		if x == nil {
			return false
		}
		key := &ecdsa.PublicKey{Curve: curve, X: x, Y: y}
		return ecdsa.VerifyASN1(key, ss.digest(message), signature)

	case Ed25519:
		if len(pub.Data) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(pub.Data), message, signature)

	case Ed448:
		if len(pub.Data) != ed448.PublicKeySize {
			return false
		}
		return ed448.Verify(ed448.PublicKey(pub.Data), message, signature, "")
	}

	return false
}

// struct {
//     opaque label<9..255> = "MLS 1.0 " + Label;
//     opaque content<0..2^32-1> = Content;
// } SignContent;
type signContent struct {
	Label   []byte `tls:"head=1"`
	Content []byte `tls:"head=4"`
}

func labeledContent(label string, content []byte) ([]byte, error) {
	return syntax.Marshal(signContent{
		Label:   []byte(labelPrefix + label),
		Content: content,
	})
}

// Sign produces a signature over content, domain separated by label.
func (cs CipherSuite) Sign(priv *SignaturePrivateKey, label string, content []byte) ([]byte, error) {
	tbs, err := labeledContent(label, content)
	if err != nil {
		return nil, err
	}
	return cs.Scheme().Sign(priv, tbs)
}

// Verify checks a signature made with Sign; failure wraps ErrInvalidSignature.
func (cs CipherSuite) Verify(pub *SignaturePublicKey, label string, content, signature []byte) error {
	tbs, err := labeledContent(label, content)
	if err != nil {
		return err
	}

	if !cs.Scheme().Verify(pub, tbs, signature) {
		return fmt.Errorf("mls.crypto: %w: %s", ErrInvalidSignature, label)
	}
	return nil
}
