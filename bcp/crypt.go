package bcp

// Session crypto: ephemeral P-256 ECDH, HKDF-SHA256 key derivation,
// AES-128-GCM sealing with the packet header as associated data.
// Keys exist only in memory for the life of one session.

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"time"

	"github.com/juju/errors"
	"golang.org/x/crypto/hkdf"
)

const (
	keySize = 16 // AES-128

	// Both peers must use identical salt/info to converge on the same key.
	hkdfSalt = "BerryConnect-v1"
	hkdfInfo = "AES-key"
)

type crypt struct {
	private *ecdh.PrivateKey
	aead    cipher.AEAD
	key     []byte
	counter uint32
}

// ensureKeypair returns the 65-byte uncompressed public key, generating the
// ephemeral keypair on first use. The same keypair serves both directions of
// the handshake so that send and derive agree.
func (c *crypt) ensureKeypair() ([]byte, error) {
	if c.private == nil {
		private, err := ecdh.P256().GenerateKey(rand.Reader)
		if err != nil {
			return nil, errors.Annotate(err, "generate keypair")
		}
		c.private = private
	}
	return c.private.PublicKey().Bytes(), nil
}

func (c *crypt) deriveSharedKey(peerPublic []byte) error {
	if _, err := c.ensureKeypair(); err != nil {
		return err
	}
	peer, err := ecdh.P256().NewPublicKey(peerPublic)
	if err != nil {
		return errors.Annotatef(ErrHandshakeData, "peer public key: %v", err)
	}
	secret, err := c.private.ECDH(peer)
	if err != nil {
		return errors.Annotatef(ErrHandshakeData, "ecdh: %v", err)
	}

	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, secret, []byte(hkdfSalt), []byte(hkdfInfo))
	if _, err = io.ReadFull(kdf, key); err != nil {
		return errors.Annotate(err, "hkdf")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return errors.Annotate(err, "aes")
	}
	if c.aead, err = cipher.NewGCM(block); err != nil {
		return errors.Annotate(err, "gcm")
	}
	c.key = key
	return nil
}

// nonce = be32(unix time) + be32(session counter) + 4 random bytes.
// The triple keeps nonces distinct under a coarse clock or counter wrap.
func (c *crypt) nonce() ([]byte, error) {
	b := make([]byte, NonceSize)
	binary.BigEndian.PutUint32(b[0:], uint32(time.Now().Unix()))
	c.counter++ // wraps mod 2^32
	binary.BigEndian.PutUint32(b[4:], c.counter)
	if _, err := rand.Read(b[8:]); err != nil {
		return nil, errors.Annotate(err, "nonce random")
	}
	return b, nil
}

func (c *crypt) seal(plain, aad []byte) (nonce, sealed []byte, err error) {
	if c.aead == nil {
		return nil, nil, ErrKeyNotEstablished
	}
	if nonce, err = c.nonce(); err != nil {
		return nil, nil, err
	}
	return nonce, c.aead.Seal(nil, nonce, plain, aad), nil
}

func (c *crypt) open(nonce, sealed, aad []byte) ([]byte, error) {
	if c.aead == nil {
		return nil, ErrKeyNotEstablished
	}
	plain, err := c.aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		// sole integrity boundary: any tag mismatch ends here
		return nil, ErrAuthFailed
	}
	return plain, nil
}
