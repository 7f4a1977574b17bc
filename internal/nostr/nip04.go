package nostr

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// SharedSecret derives the ECDH x-coordinate between a private key and an
// x-only peer pubkey (lifted to even parity). Direct messages and wallet RPC
// both encrypt under this key.
func SharedSecret(privKey []byte, peerPubkeyHex string) ([]byte, error) {
	xBytes, err := hex.DecodeString(peerPubkeyHex)
	if err != nil || len(xBytes) != 32 {
		return nil, fmt.Errorf("bad peer pubkey")
	}
	pub, err := secp256k1.ParsePubKey(append([]byte{0x02}, xBytes...))
	if err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}
	priv := secp256k1.PrivKeyFromBytes(privKey)
	defer priv.Zero()
	return secp256k1.GenerateSharedSecret(priv, pub), nil
}

// EncryptDM seals a payload as base64(AES-256-CBC) + "?iv=" + base64(iv),
// the wire form of encrypted direct-message content.
func EncryptDM(key, payload []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	pad := aes.BlockSize - len(payload)%aes.BlockSize
	padded := append(append([]byte{}, payload...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out) + "?iv=" + base64.StdEncoding.EncodeToString(iv), nil
}

// DecryptDM opens encrypted direct-message content.
func DecryptDM(key []byte, content string) ([]byte, error) {
	parts := strings.SplitN(content, "?iv=", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed encrypted content")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, err
	}
	iv, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, err
	}
	if len(iv) != aes.BlockSize || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("malformed encrypted content")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	pad := int(plain[len(plain)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(plain) {
		return nil, fmt.Errorf("malformed encrypted content")
	}
	return plain[:len(plain)-pad], nil
}
