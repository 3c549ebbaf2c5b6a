package pushclient

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// keyMaterial holds the ECDH key pair and auth secret used to decrypt
// inbound push payloads, mirroring the six registration fields' private_key
// and auth_secret (spec §3).
type keyMaterial struct {
	private *ecdh.PrivateKey
	auth    []byte // 16-byte auth secret
}

// generateKeyMaterial creates a fresh P-256 ECDH key pair and a random
// 16-byte auth secret (spec §4.5 create_new_keys).
func generateKeyMaterial() (*keyMaterial, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ECDH key pair: %w", err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		return nil, fmt.Errorf("generating auth secret: %w", err)
	}
	return &keyMaterial{private: priv, auth: auth}, nil
}

// encode returns the base64-standard encoding of the private key (raw
// scalar bytes) and auth secret, as persisted in Credential.private_key /
// Credential.auth_secret.
func (k *keyMaterial) encode() (privateKeyB64, authSecretB64 string) {
	return base64.StdEncoding.EncodeToString(k.private.Bytes()), base64.StdEncoding.EncodeToString(k.auth)
}

// decodeKeyMaterial reverses encode().
func decodeKeyMaterial(privateKeyB64, authSecretB64 string) (*keyMaterial, error) {
	rawPriv, err := base64.StdEncoding.DecodeString(privateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	auth, err := base64.StdEncoding.DecodeString(authSecretB64)
	if err != nil {
		return nil, fmt.Errorf("decoding auth secret: %w", err)
	}
	priv, err := ecdh.P256().NewPrivateKey(rawPriv)
	if err != nil {
		return nil, fmt.Errorf("parsing ECDH private key: %w", err)
	}
	return &keyMaterial{private: priv, auth: auth}, nil
}

// publicKeyB64 returns the uncompressed public key, base64-encoded, to
// hand to a sender wanting to encrypt a message to this client.
func (k *keyMaterial) publicKeyB64() string {
	return base64.StdEncoding.EncodeToString(k.private.PublicKey().Bytes())
}

// decryptPayload reverses RFC 8291 (Web Push aes128gcm) encryption using
// this client's ECDH private key and auth secret, given the sender's
// ephemeral public key and the per-message salt.
func (k *keyMaterial) decryptPayload(senderPublicKeyB64, saltB64 string, ciphertext []byte) ([]byte, error) {
	senderPubRaw, err := base64.StdEncoding.DecodeString(senderPublicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decoding sender public key: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return nil, fmt.Errorf("decoding salt: %w", err)
	}

	senderPub, err := ecdh.P256().NewPublicKey(senderPubRaw)
	if err != nil {
		return nil, fmt.Errorf("parsing sender public key: %w", err)
	}
	ecdhSecret, err := k.private.ECDH(senderPub)
	if err != nil {
		return nil, fmt.Errorf("computing ECDH shared secret: %w", err)
	}

	cek, nonce, err := deriveContentKeys(ecdhSecret, k.auth, salt, k.private.PublicKey().Bytes(), senderPubRaw)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, fmt.Errorf("constructing AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("constructing GCM: %w", err)
	}
	plainPadded, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting payload: %w", err)
	}
	return unpad(plainPadded)
}

// encryptPayloadForRecipient is the sender's half of the protocol: used only by the
// reference StartListening implementation's test double / local dev
// sender to construct test fixtures, mirroring decryptPayload's RFC 8291
// framing.
func encryptPayloadForRecipient(recipientPublicKeyB64 string, authSecret []byte, plaintext []byte) (senderPublicKeyB64, saltB64 string, ciphertext []byte, err error) {
	recipientPubRaw, err := base64.StdEncoding.DecodeString(recipientPublicKeyB64)
	if err != nil {
		return "", "", nil, fmt.Errorf("decoding recipient public key: %w", err)
	}
	recipientPub, err := ecdh.P256().NewPublicKey(recipientPubRaw)
	if err != nil {
		return "", "", nil, fmt.Errorf("parsing recipient public key: %w", err)
	}

	ephemeral, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return "", "", nil, fmt.Errorf("generating ephemeral key: %w", err)
	}
	ecdhSecret, err := ephemeral.ECDH(recipientPub)
	if err != nil {
		return "", "", nil, fmt.Errorf("computing ECDH shared secret: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", "", nil, fmt.Errorf("generating salt: %w", err)
	}

	cek, nonce, err := deriveContentKeys(ecdhSecret, authSecret, salt, recipientPubRaw, ephemeral.PublicKey().Bytes())
	if err != nil {
		return "", "", nil, err
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return "", "", nil, fmt.Errorf("constructing AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", "", nil, fmt.Errorf("constructing GCM: %w", err)
	}

	padded := pad(plaintext)
	ct := gcm.Seal(nil, nonce, padded, nil)
	return base64.StdEncoding.EncodeToString(ephemeral.PublicKey().Bytes()), base64.StdEncoding.EncodeToString(salt), ct, nil
}

// deriveContentKeys implements the RFC 8291 key schedule: an auth-secret
// bound IKM derivation followed by the standard aes128gcm CEK/nonce
// expansion from the per-message salt.
func deriveContentKeys(ecdhSecret, authSecret, salt, recipientPub, senderPub []byte) (cek, nonce []byte, err error) {
	keyInfo := append([]byte("WebPush: info\x00"), recipientPub...)
	keyInfo = append(keyInfo, senderPub...)

	ikm := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ecdhSecret, authSecret, keyInfo), ikm); err != nil {
		return nil, nil, fmt.Errorf("deriving IKM: %w", err)
	}

	prk := hkdf.Extract(sha256.New, ikm, salt)

	cek = make([]byte, 16)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, []byte("Content-Encoding: aes128gcm\x00")), cek); err != nil {
		return nil, nil, fmt.Errorf("deriving content encryption key: %w", err)
	}
	nonce = make([]byte, 12)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, []byte("Content-Encoding: nonce\x00")), nonce); err != nil {
		return nil, nil, fmt.Errorf("deriving nonce: %w", err)
	}
	return cek, nonce, nil
}

// pad appends the aes128gcm single-record delimiter (spec-simplified: no
// multi-record padding, just the terminal 0x02 byte).
func pad(plaintext []byte) []byte {
	return append(append([]byte{}, plaintext...), 0x02)
}

// unpad strips the aes128gcm single-record delimiter.
func unpad(padded []byte) ([]byte, error) {
	if len(padded) == 0 || padded[len(padded)-1] != 0x02 {
		return nil, fmt.Errorf("invalid aes128gcm padding")
	}
	return padded[:len(padded)-1], nil
}
