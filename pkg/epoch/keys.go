// Package epoch implements the per-conversation key lifecycle: creation of
// the first epoch, wrapping epoch keys for members, atomic rotation with
// chain-linking, and backward chain traversal. The pure key operations in
// this file mirror what clients do; the server-side rotation transaction
// lives in Manager.
package epoch

import (
	"errors"

	"github.com/veilchat/veilchat/pkg/ecies"
)

// ErrChainBroken is returned when a chain link fails to decrypt with the
// supplied newer epoch private key.
var ErrChainBroken = errors.New("epoch: chain link does not decrypt")

// ErrBadWrap is returned when an unwrapped candidate key fails its
// confirmation hash.
var ErrBadWrap = errors.New("epoch: unwrapped key fails confirmation hash")

// Created is the result of CreateFirst: a fresh epoch key pair with the
// owner's wrap. PrivateKey never leaves the creating client in a real
// deployment; tests use it to act as the client.
type Created struct {
	PublicKey        []byte
	PrivateKey       []byte
	ConfirmationHash []byte
	OwnerWrap        []byte
}

// CreateFirst generates the key pair for epoch 1 and wraps its private key
// for the conversation owner.
func CreateFirst(ownerPub []byte) (*Created, error) {
	pub, priv, err := ecies.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	wrap, err := ecies.Encrypt(ownerPub, priv)
	if err != nil {
		return nil, err
	}
	hash := ecies.ConfirmationHash(priv)
	return &Created{
		PublicKey:        pub,
		PrivateKey:       priv,
		ConfirmationHash: hash[:],
		OwnerWrap:        wrap,
	}, nil
}

// WrapForMember seals an epoch private key under one member's public key.
// Used when adding a member without rotating.
func WrapForMember(epochPriv, memberPub []byte) ([]byte, error) {
	return ecies.Encrypt(memberPub, epochPriv)
}

// Unwrap opens a member wrap with the member's account (or link) private
// key and verifies the candidate against the epoch's confirmation hash,
// failing fast on a corrupted wrap instead of producing authentication
// failures on every message.
func Unwrap(memberPriv, wrap, confirmationHash []byte) ([]byte, error) {
	priv, err := ecies.Decrypt(memberPriv, wrap)
	if err != nil {
		return nil, err
	}
	if !ecies.VerifyConfirmation(priv, confirmationHash) {
		return nil, ErrBadWrap
	}
	return priv, nil
}

// MemberWrap pairs a principal public key with its wrap in a rotation
// submission.
type MemberWrap struct {
	MemberPublicKey []byte
	Wrap            []byte
}

// Rotation is the client-side result of Rotate, ready for submission.
type Rotation struct {
	NewPublicKey     []byte
	NewPrivateKey    []byte
	ConfirmationHash []byte
	Wraps            []MemberWrap
	ChainLink        []byte
}

// Rotate generates the next epoch key pair, wraps it for every remaining
// principal, and chain-links the old private key under the new public key so
// holders of the new key retain backward access.
func Rotate(oldPriv []byte, remainingPubs [][]byte) (*Rotation, error) {
	pub, priv, err := ecies.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	wraps := make([]MemberWrap, 0, len(remainingPubs))
	for _, memberPub := range remainingPubs {
		w, err := ecies.Encrypt(memberPub, priv)
		if err != nil {
			return nil, err
		}
		wraps = append(wraps, MemberWrap{MemberPublicKey: memberPub, Wrap: w})
	}

	chainLink, err := ecies.Encrypt(pub, oldPriv)
	if err != nil {
		return nil, err
	}

	hash := ecies.ConfirmationHash(priv)
	return &Rotation{
		NewPublicKey:     pub,
		NewPrivateKey:    priv,
		ConfirmationHash: hash[:],
		Wraps:            wraps,
		ChainLink:        chainLink,
	}, nil
}

// TraverseChain decrypts one chain link, yielding the previous epoch's
// private key. Reading epoch N from current epoch M takes M−N traversals.
func TraverseChain(newerPriv, chainLink []byte) ([]byte, error) {
	older, err := ecies.Decrypt(newerPriv, chainLink)
	if err != nil {
		return nil, ErrChainBroken
	}
	return older, nil
}
