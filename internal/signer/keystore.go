// Package signer owns per-agent keypairs and produces signed gossip events.
// Private keys live AES-GCM encrypted under a single master key; plaintext
// key material exists only inside Sign and is zeroed before returning.
package signer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/dvmesh/backend/internal/nostr"
)

// Keystore encrypts and decrypts agent private keys with the master key.
type Keystore struct {
	masterKey []byte
}

// NewKeystore validates the master key length.
func NewKeystore(masterKey []byte) (*Keystore, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key is %d bytes, want 32", len(masterKey))
	}
	return &Keystore{masterKey: masterKey}, nil
}

// GenerateKeypair creates a fresh secp256k1 keypair and returns the x-only
// pubkey hex plus the encrypted private key and IV, both base64.
func (k *Keystore) GenerateKeypair() (pubkeyHex, encPriv, ivB64 string, err error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return "", "", "", fmt.Errorf("generate keypair: %w", err)
	}
	defer zeroKey(priv)

	pubkeyHex = hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))
	encPriv, ivB64, err = k.encrypt(priv.Serialize())
	return pubkeyHex, encPriv, ivB64, err
}

// encrypt seals plaintext under AES-GCM with a fresh 96-bit IV.
func (k *Keystore) encrypt(plaintext []byte) (ciphertextB64, ivB64 string, err error) {
	block, err := aes.NewCipher(k.masterKey)
	if err != nil {
		return "", "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", "", err
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", "", fmt.Errorf("generate iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed),
		base64.StdEncoding.EncodeToString(iv), nil
}

// decrypt opens a stored private key. A wrong master key surfaces as an
// authentication failure, not a garbage key.
func (k *Keystore) decrypt(ciphertextB64, ivB64 string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("decode key ciphertext: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return nil, fmt.Errorf("decode key iv: %w", err)
	}
	block, err := aes.NewCipher(k.masterKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt private key: %w", err)
	}
	return plain, nil
}

// EncryptSecret seals an arbitrary secret (e.g. a wallet-connect URI) the
// same way private keys are stored.
func (k *Keystore) EncryptSecret(secret string) (ciphertextB64, ivB64 string, err error) {
	return k.encrypt([]byte(secret))
}

// DecryptSecret opens a stored secret.
func (k *Keystore) DecryptSecret(ciphertextB64, ivB64 string) (string, error) {
	plain, err := k.decrypt(ciphertextB64, ivB64)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Sign fills CreatedAt (when unset), computes the canonical id, and signs
// the event with the agent's stored key.
func (k *Keystore) Sign(encPriv, ivB64 string, ev *nostr.Event) error {
	if ev.Kind < 0 || ev.Kind > 65535 {
		return fmt.Errorf("kind %d out of range", ev.Kind)
	}
	keyBytes, err := k.decrypt(encPriv, ivB64)
	if err != nil {
		return err
	}
	priv, _ := btcec.PrivKeyFromBytes(keyBytes)
	defer func() {
		zeroKey(priv)
		for i := range keyBytes {
			keyBytes[i] = 0
		}
	}()

	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().Unix()
	}
	return ev.Sign(priv)
}

// SharedSecret derives the agent's ECDH key with a peer pubkey, for
// encrypted direct messages.
func (k *Keystore) SharedSecret(encPriv, ivB64, peerPubkeyHex string) ([]byte, error) {
	keyBytes, err := k.decrypt(encPriv, ivB64)
	if err != nil {
		return nil, err
	}
	defer func() {
		for i := range keyBytes {
			keyBytes[i] = 0
		}
	}()
	return nostr.SharedSecret(keyBytes, peerPubkeyHex)
}

// PubkeyFor recovers the x-only pubkey for a stored private key. Used to
// cross-check agent rows on key rotation.
func (k *Keystore) PubkeyFor(encPriv, ivB64 string) (string, error) {
	keyBytes, err := k.decrypt(encPriv, ivB64)
	if err != nil {
		return "", err
	}
	priv, _ := btcec.PrivKeyFromBytes(keyBytes)
	defer func() {
		zeroKey(priv)
		for i := range keyBytes {
			keyBytes[i] = 0
		}
	}()
	return hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())), nil
}

func zeroKey(priv *btcec.PrivateKey) {
	if priv != nil {
		priv.Zero()
	}
}
