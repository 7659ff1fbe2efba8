package bcp

// Session is the per-peer protocol state: ephemeral keys, derived AES key,
// send sequence and nonce counters. One Session per peer connection, owned
// by that connection; concurrent Encode/Decode must be serialized by the
// caller, there is no internal locking. Discard on disconnect, a new
// connection always starts with a fresh handshake.

import (
	"github.com/juju/errors"
)

type Session struct {
	crypt   crypt
	seq     uint8
	peerSeq uint8
}

func NewSession() *Session { return &Session{} }

// Keyed reports whether the handshake completed. There is no way back to
// unkeyed: a session with a failed handshake is discarded, not reused.
func (s *Session) Keyed() bool { return s.crypt.aead != nil }

func (s *Session) Seq() uint8 { return s.seq }

// PeerSeq returns the sequence of the last decoded frame. Informational
// only: BCP v1 does not validate it and has no replay window, a captured
// frame with a valid tag replays within the key's lifetime.
func (s *Session) PeerSeq() uint8 { return s.peerSeq }

// BeginHandshake builds the unencrypted key exchange frame carrying the
// local public key and advances the send sequence.
func (s *Session) BeginHandshake() ([]byte, error) {
	public, err := s.crypt.ensureKeypair()
	if err != nil {
		return nil, errors.Trace(err)
	}
	frame := make([]byte, 0, KeyExchangeFrameSize)
	frame = append(frame, Version, byte(TypeKeyExchange), s.seq, 0x00)
	frame = append(frame, public...)
	s.seq++ // wraps mod 256
	return frame, nil
}

// CompleteHandshake derives the shared key from the peer's key exchange
// frame. There is no confirmation step: a peer holding a different key is
// only discovered on the first failed decrypt.
func (s *Session) CompleteHandshake(frame []byte) error {
	if len(frame) < KeyExchangeFrameSize {
		return errors.Annotatef(ErrHandshakeData, "len=%d", len(frame))
	}
	if frame[0] != Version {
		return errors.Annotatef(ErrVersion, "version=%02x", frame[0])
	}
	if frame[1] != byte(TypeKeyExchange) {
		return errors.Annotatef(ErrHandshakeData, "type=%02x", frame[1])
	}
	return s.crypt.deriveSharedKey(frame[HeaderSize:KeyExchangeFrameSize])
}

// Encode seals a message into header|nonce|ciphertext|tag and advances the
// send sequence. The 4 header bytes are authenticated as associated data.
func (s *Session) Encode(m Message) ([]byte, error) {
	if _, ok := m.(*KeyExchange); ok {
		panic("code error use BeginHandshake for key exchange")
	}
	header := []byte{Version, byte(m.Type()), s.seq, FlagEncrypted}
	nonce, sealed, err := s.crypt.seal(MarshalPayload(m), header)
	if err != nil {
		return nil, errors.Trace(err)
	}
	frame := make([]byte, 0, HeaderSize+NonceSize+len(sealed))
	frame = append(frame, header...)
	frame = append(frame, nonce...)
	frame = append(frame, sealed...)
	s.seq++
	return frame, nil
}

// Decode authenticates and decodes one inbound frame. It never touches the
// send sequence; only the informational peer sequence is recorded, and only
// after the frame authenticated.
func (s *Session) Decode(frame []byte) (Message, error) {
	if len(frame) < HeaderSize {
		return nil, errors.Annotatef(ErrFrameShort, "len=%d", len(frame))
	}
	if frame[0] != Version {
		return nil, errors.Annotatef(ErrVersion, "version=%02x", frame[0])
	}
	t := MessageType(frame[1])
	if !t.valid() {
		return nil, errors.Annotatef(ErrMessageType, "type=%02x", frame[1])
	}

	// key exchange is the only plaintext frame
	if t == TypeKeyExchange {
		if len(frame) < KeyExchangeFrameSize {
			return nil, errors.Annotatef(ErrHandshakeData, "len=%d", len(frame))
		}
		s.peerSeq = frame[2]
		return &KeyExchange{
			Seq:       frame[2],
			PublicKey: append([]byte(nil), frame[HeaderSize:KeyExchangeFrameSize]...),
		}, nil
	}

	if len(frame) < MinEncryptedSize {
		return nil, errors.Annotatef(ErrFrameShort, "encrypted len=%d", len(frame))
	}
	// AAD is the first 4 bytes exactly as received
	plain, err := s.crypt.open(frame[HeaderSize:MinEncryptedSize], frame[MinEncryptedSize:], frame[:HeaderSize])
	if err != nil {
		return nil, errors.Trace(err)
	}
	m, err := UnmarshalPayload(t, plain)
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.peerSeq = frame[2]
	return m, nil
}
