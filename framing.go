package mls

import (
	"bytes"
	"fmt"
)

// epochReader is what survives of an epoch once the group has moved on:
// enough to open application frames that were sent in it and nothing that
// could derive later epochs.
type epochReader struct {
	Suite   CipherSuite
	GroupID []byte `tls:"head=1"`
	Epoch   Epoch
	Index   LeafIndex
	Tree    RatchetTree
	Keys    *groupKeySource `tls:"optional"`
}

func (s *State) reader() *epochReader {
	return &epochReader{
		Suite:   s.CipherSuite,
		GroupID: s.GroupID,
		Epoch:   s.Epoch,
		Index:   s.Index,
		Tree:    s.Tree,
		Keys:    s.Keys.ApplicationKeys,
	}
}

func (r *epochReader) zeroize() {
	if r.Keys != nil {
		r.Keys.zeroize()
	}
}

func applyGuard(nonceIn []byte, reuseGuard [4]byte) []byte {
	nonceOut := dup(nonceIn)
	for i := range reuseGuard {
		nonceOut[i] ^= reuseGuard[i]
	}
	return nonceOut
}

// Protect seals an application message under the next key of our sender
// ratchet and signs the frame.
func (s *State) Protect(plaintext, authData []byte) (*FramedMessage, error) {
	if s.Status != GroupStatusActive {
		return nil, fmt.Errorf("mls.framing: %w", ErrGroupClosed)
	}

	generation, kn, err := s.Keys.ApplicationKeys.Next(s.Index)
	if err != nil {
		return nil, err
	}
	defer kn.zeroize()

	var reuseGuard [4]byte
	guard, err := randomBytes(len(reuseGuard))
	if err != nil {
		return nil, err
	}
	copy(reuseGuard[:], guard)

	if authData == nil {
		authData = []byte{}
	}

	fm := &FramedMessage{
		GroupID:           dup(s.GroupID),
		Epoch:             s.Epoch,
		Sender:            s.Index,
		Generation:        generation,
		ReuseGuard:        reuseGuard,
		ContentType:       ContentTypeApplication,
		AuthenticatedData: dup(authData),
	}

	aad, err := fm.aad()
	if err != nil {
		return nil, err
	}

	fm.Ciphertext, err = s.CipherSuite.AEADSeal(kn.Key, applyGuard(kn.Nonce, reuseGuard), aad, plaintext)
	if err != nil {
		return nil, err
	}

	tbs, err := fm.toBeSigned()
	if err != nil {
		return nil, err
	}

	fm.Signature, err = s.CipherSuite.Sign(&s.IdentityPriv, "FramedMessageTBS", tbs)
	if err != nil {
		return nil, err
	}
	return fm, nil
}

// Unprotect opens a frame sent in the current epoch.  window and maxForward
// bound how far out of order a sender's generations may arrive.
func (s *State) Unprotect(fm *FramedMessage, window, maxForward uint32) ([]byte, error) {
	if s.Status != GroupStatusActive {
		return nil, decryptionError(ErrGroupClosed)
	}

	if fm.Epoch != s.Epoch {
		return nil, decryptionError(fmt.Errorf("mls.framing: %w: have %d, got %d", ErrEpochMismatch, s.Epoch, fm.Epoch))
	}

	return s.reader().unprotect(fm, window, maxForward)
}

// unprotect checks the frame from the outside in; key material for the
// generation is only erased once the frame has opened, so a forged frame
// cannot burn a key.
func (r *epochReader) unprotect(fm *FramedMessage, window, maxForward uint32) ([]byte, error) {
	if !bytes.Equal(fm.GroupID, r.GroupID) {
		return nil, decryptionError(fmt.Errorf("mls.framing: %w: group id mismatch", ErrMalformedMessage))
	}

	if fm.Epoch != r.Epoch {
		return nil, decryptionError(fmt.Errorf("mls.framing: %w: reader for %d, got %d", ErrEpochMismatch, r.Epoch, fm.Epoch))
	}

	if fm.ContentType != ContentTypeApplication {
		return nil, decryptionError(fmt.Errorf("mls.framing: %w: content type %d", ErrMalformedMessage, fm.ContentType))
	}

	if fm.Sender == r.Index {
		return nil, decryptionError(fmt.Errorf("mls.framing: own frame"))
	}

	sender, ok := r.Tree.LeafNode(fm.Sender)
	if !ok {
		return nil, decryptionError(fmt.Errorf("mls.framing: %w: leaf %d in epoch %d", ErrUnknownSender, fm.Sender, r.Epoch))
	}

	tbs, err := fm.toBeSigned()
	if err != nil {
		return nil, decryptionError(err)
	}

	err = r.Suite.Verify(sender.Credential.PublicKey(), "FramedMessageTBS", tbs, fm.Signature)
	if err != nil {
		return nil, decryptionError(err)
	}

	if r.Keys == nil {
		return nil, decryptionError(fmt.Errorf("mls.framing: no keys for epoch %d", r.Epoch))
	}

	kn, err := r.Keys.Get(fm.Sender, fm.Generation, window, maxForward)
	if err != nil {
		return nil, decryptionError(err)
	}
	defer kn.zeroize()

	aad, err := fm.aad()
	if err != nil {
		return nil, decryptionError(err)
	}

	pt, err := r.Suite.AEADOpen(kn.Key, applyGuard(kn.Nonce, fm.ReuseGuard), aad, fm.Ciphertext)
	if err != nil {
		return nil, decryptionError(err)
	}

	r.Keys.Erase(fm.Sender, fm.Generation)
	return pt, nil
}
