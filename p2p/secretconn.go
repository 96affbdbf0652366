// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package p2p implements the transport layer: an authenticated encrypted
// connection per peer (SecretConnection), multiplexed framing over it
// (MConnection), and the peer manager/router that decide who to dial,
// evict, and how traffic is scheduled across channels (spec.md §4.10,
// §4.11, §4.12).
package p2p

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"filippo.io/edwards25519"
	"github.com/gtank/merlin"
	"github.com/gtank/ristretto255"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
)

const (
	secretConnKeyAndChallengeInfo = "TENDERMINT_SECRET_CONNECTION_KEY_AND_CHALLENGE_GEN"
	secretConnTranscriptLabel     = "TENDERMINT_SECRET_CONNECTION_TRANSCRIPT_HASH"
	secretConnLowLabel            = "EPHEMERAL_LOWER_PUBLIC_KEY"
	secretConnHighLabel           = "EPHEMERAL_UPPER_PUBLIC_KEY"
	secretConnDHLabel             = "DH_SECRET"
	secretConnChallengeLabel      = "SECRET_CONNECTION_MAC"

	// dataMaxSize bounds one sealed frame's plaintext payload; frames
	// larger than this are split by WriteFramed into several sealed
	// chunks (spec.md §4.10's "ChaCha20-Poly1305-sealed frames").
	dataMaxSize  = 1024
	dataLenSize  = 4
	nonceSize    = chacha20poly1305.NonceSize
	aeadOverhead = chacha20poly1305.Overhead
)

// AuthSigMessage is the mutual-authentication payload exchanged once the
// two sides' per-direction ciphers are live: each side proves it holds
// the long-term identity key behind PubKey by signing the transcript-
// bound challenge (spec.md §4.10 step 6).
type AuthSigMessage struct {
	PubKey ed25519.PublicKey
	Sig    []byte
}

// SecretConnection is an authenticated, encrypted stream over an
// arbitrary net.Conn, established by handshake (spec.md §4.10). Once
// established, WriteFramed/ReadFramed move length-prefixed application
// messages; MConnection layers its own multiplexed framing on top.
type SecretConnection struct {
	conn net.Conn

	recvAEAD  cipherAEAD
	sendAEAD  cipherAEAD
	recvMu    sync.Mutex
	sendMu    sync.Mutex
	recvNonce [nonceSize]byte
	sendNonce [nonceSize]byte

	remotePubKey ed25519.PublicKey
}

// cipherAEAD is the subset of cipher.AEAD SecretConnection depends on,
// narrowed so the handshake code below doesn't need the full stdlib
// import just to name the type.
type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	Overhead() int
}

// Handshake runs the full SecretConnection protocol over conn as the
// initiator or responder (the protocol is symmetric; both sides run the
// same steps). locPrivKey is the node's long-term Ed25519 identity key.
// If expectedPubKey is non-nil (dialing a known peer id), the remote's
// authenticated public key must match it exactly (spec.md §4.10 step 7,
// §4.12's peer-id pinning on outgoing dials).
func Handshake(conn net.Conn, locPrivKey ed25519.PrivateKey, expectedPubKey ed25519.PublicKey) (*SecretConnection, error) {
	locEphPub, locEphPriv, err := genEphemeralKeypair()
	if err != nil {
		return nil, fmt.Errorf("p2p: generating ephemeral keypair: %w", err)
	}

	remEphPub, err := exchangeEphemeralPubKeys(conn, locEphPub)
	if err != nil {
		return nil, fmt.Errorf("p2p: exchanging ephemeral public keys: %w", err)
	}

	dhSecret, err := curve25519.X25519(locEphPriv, remEphPub[:])
	if err != nil {
		return nil, fmt.Errorf("p2p: computing shared secret: %w", err)
	}
	if isAllZero(dhSecret) {
		return nil, fmt.Errorf("p2p: shared secret is all-zero, remote ephemeral key is a low-order point")
	}

	locIsLeast, loEphPub, hiEphPub := orderEphemeralKeys(locEphPub, remEphPub)

	recvSecret, sendSecret, challenge, err := deriveSecrets(dhSecret, loEphPub, hiEphPub, locIsLeast)
	if err != nil {
		return nil, err
	}

	sendAEAD, err := chacha20poly1305.New(sendSecret)
	if err != nil {
		return nil, fmt.Errorf("p2p: constructing send cipher: %w", err)
	}
	recvAEAD, err := chacha20poly1305.New(recvSecret)
	if err != nil {
		return nil, fmt.Errorf("p2p: constructing recv cipher: %w", err)
	}

	sc := &SecretConnection{conn: conn, sendAEAD: sendAEAD, recvAEAD: recvAEAD}

	sig := ed25519.Sign(locPrivKey, challenge)
	locPubKey := locPrivKey.Public().(ed25519.PublicKey)

	remMsg, err := exchangeAuthSigMessages(sc, AuthSigMessage{PubKey: locPubKey, Sig: sig})
	if err != nil {
		return nil, fmt.Errorf("p2p: exchanging auth sig messages: %w", err)
	}

	if !ed25519.Verify(remMsg.PubKey, challenge, remMsg.Sig) {
		return nil, fmt.Errorf("p2p: challenge signature verification failed")
	}
	if expectedPubKey != nil && !pubKeysEqual(remMsg.PubKey, expectedPubKey) {
		return nil, fmt.Errorf("p2p: remote public key does not match expected peer id")
	}

	sc.remotePubKey = remMsg.PubKey
	return sc, nil
}

// RemotePubKey returns the authenticated peer's long-term identity key,
// valid only after Handshake succeeds.
func (sc *SecretConnection) RemotePubKey() ed25519.PublicKey {
	return sc.remotePubKey
}

// Close closes the underlying connection.
func (sc *SecretConnection) Close() error {
	return sc.conn.Close()
}

// WriteFramed seals data into one or more fixed-size encrypted frames
// and writes them to the underlying connection (spec.md §4.10's sealed
// transport; MConnection calls this once per packet). The last frame
// always carries fewer than dataMaxSize bytes (possibly none), which is
// how ReadFramed finds the end of the message.
func (sc *SecretConnection) WriteFramed(data []byte) error {
	sc.sendMu.Lock()
	defer sc.sendMu.Unlock()

	for {
		chunk := data
		if len(chunk) > dataMaxSize {
			chunk = data[:dataMaxSize]
		}
		data = data[len(chunk):]

		frame := make([]byte, dataLenSize+dataMaxSize)
		binary.BigEndian.PutUint32(frame[:dataLenSize], uint32(len(chunk)))
		copy(frame[dataLenSize:], chunk)

		sealed := sc.sendAEAD.Seal(nil, sc.sendNonce[:], frame, nil)
		if err := incrNonce(&sc.sendNonce); err != nil {
			return err
		}
		if _, err := sc.conn.Write(sealed); err != nil {
			return fmt.Errorf("p2p: writing sealed frame: %w", err)
		}
		if len(chunk) < dataMaxSize {
			return nil
		}
	}
}

// ReadFramed reads and reassembles one application-level message
// previously written by WriteFramed on the peer's side.
func (sc *SecretConnection) ReadFramed() ([]byte, error) {
	sc.recvMu.Lock()
	defer sc.recvMu.Unlock()

	var out []byte
	for {
		sealed := make([]byte, dataLenSize+dataMaxSize+aeadOverhead)
		if _, err := io.ReadFull(sc.conn, sealed); err != nil {
			return nil, fmt.Errorf("p2p: reading sealed frame: %w", err)
		}
		frame, err := sc.recvAEAD.Open(nil, sc.recvNonce[:], sealed, nil)
		if err != nil {
			return nil, fmt.Errorf("p2p: opening sealed frame: %w", err)
		}
		if err := incrNonce(&sc.recvNonce); err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint32(frame[:dataLenSize])
		if int(n) > dataMaxSize {
			return nil, fmt.Errorf("p2p: frame claims %d bytes, exceeds max %d", n, dataMaxSize)
		}
		out = append(out, frame[dataLenSize:dataLenSize+int(n)]...)
		if n < dataMaxSize {
			return out, nil
		}
	}
}

func genEphemeralKeypair() (pub [32]byte, priv [32]byte, err error) {
	var seed [32]byte
	if _, err = rand.Read(seed[:]); err != nil {
		return pub, priv, err
	}
	// filippo.io/edwards25519 clamps the seed and reduces it modulo the
	// group order, so the stored bytes are not themselves clamped;
	// curve25519.X25519 clamps them again on every use.
	sc, err := edwards25519.NewScalar().SetBytesWithClamping(seed[:])
	if err != nil {
		return pub, priv, fmt.Errorf("p2p: clamping ephemeral scalar: %w", err)
	}
	copy(priv[:], sc.Bytes())
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, priv, err
	}
	copy(pub[:], pubSlice)
	return pub, priv, nil
}

// exchangeEphemeralPubKeys writes locEphPub and reads the remote's,
// concurrently so neither side deadlocks waiting on the other to read
// first (spec.md §4.10 step 1).
func exchangeEphemeralPubKeys(conn net.Conn, locEphPub [32]byte) (remEphPub [32]byte, err error) {
	var wg sync.WaitGroup
	var writeErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, writeErr = conn.Write(locEphPub[:])
	}()

	buf := make([]byte, 32)
	_, readErr := io.ReadFull(conn, buf)
	wg.Wait()

	if writeErr != nil {
		return remEphPub, fmt.Errorf("p2p: sending ephemeral public key: %w", writeErr)
	}
	if readErr != nil {
		return remEphPub, fmt.Errorf("p2p: receiving ephemeral public key: %w", readErr)
	}
	copy(remEphPub[:], buf)
	return remEphPub, nil
}

// orderEphemeralKeys assigns "low"/"high" roles by lexicographic order
// of the two ephemeral public keys, the shared tie-break both sides
// compute identically without further communication (spec.md §4.10
// step 2).
func orderEphemeralKeys(locEphPub, remEphPub [32]byte) (locIsLeast bool, lo, hi [32]byte) {
	locIsLeast = true
	lo, hi = locEphPub, remEphPub
	for i := range locEphPub {
		if locEphPub[i] < remEphPub[i] {
			break
		}
		if locEphPub[i] > remEphPub[i] {
			locIsLeast = false
			lo, hi = remEphPub, locEphPub
			break
		}
	}
	return locIsLeast, lo, hi
}

// deriveSecrets expands dhSecret via HKDF-SHA256 into 96 bytes (recv ‖
// send ‖ challenge secrets), swapped per locIsLeast, then folds the two
// ephemeral public keys and dhSecret into a Merlin transcript and
// extracts a 64-byte uniform challenge, reduced into a ristretto255
// scalar so the value signed below is always a canonical group element
// encoding rather than raw extract bytes (spec.md §4.10 steps 3-5).
func deriveSecrets(dhSecret []byte, loEphPub, hiEphPub [32]byte, locIsLeast bool) (recvSecret, sendSecret, challenge []byte, err error) {
	kdf := hkdf.New(sha256.New, dhSecret, nil, []byte(secretConnKeyAndChallengeInfo))
	key := make([]byte, 96)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, nil, nil, fmt.Errorf("p2p: deriving secrets via hkdf: %w", err)
	}

	if locIsLeast {
		recvSecret, sendSecret = key[0:32], key[32:64]
	} else {
		sendSecret, recvSecret = key[0:32], key[32:64]
	}

	transcript := merlin.NewTranscript(secretConnTranscriptLabel)
	transcript.AppendMessage([]byte(secretConnLowLabel), loEphPub[:])
	transcript.AppendMessage([]byte(secretConnHighLabel), hiEphPub[:])
	transcript.AppendMessage([]byte(secretConnDHLabel), dhSecret)

	uniform := transcript.ExtractBytes([]byte(secretConnChallengeLabel), 64)
	scalar := ristretto255.NewScalar()
	if err := scalar.FromUniformBytes(uniform); err != nil {
		return nil, nil, nil, fmt.Errorf("p2p: reducing challenge into scalar: %w", err)
	}
	challenge = scalar.Encode(nil)
	return recvSecret, sendSecret, challenge, nil
}

// exchangeAuthSigMessages writes loc over sc's already-live encrypted
// framing and reads the remote's reply the same way, concurrently to
// avoid a write/read deadlock (spec.md §4.10 step 6).
func exchangeAuthSigMessages(sc *SecretConnection, loc AuthSigMessage) (AuthSigMessage, error) {
	locBytes, err := json.Marshal(loc)
	if err != nil {
		return AuthSigMessage{}, err
	}

	var wg sync.WaitGroup
	var writeErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		writeErr = sc.WriteFramed(locBytes)
	}()

	remBytes, readErr := sc.ReadFramed()
	wg.Wait()

	if writeErr != nil {
		return AuthSigMessage{}, writeErr
	}
	if readErr != nil {
		return AuthSigMessage{}, readErr
	}
	var rem AuthSigMessage
	if err := json.Unmarshal(remBytes, &rem); err != nil {
		return AuthSigMessage{}, fmt.Errorf("p2p: decoding auth sig message: %w", err)
	}
	return rem, nil
}

// incrNonce increments nonce as a little-endian counter, matching the
// per-direction monotonic nonce spec.md §4.10 requires; wraparound (2^96
// frames on one connection) aborts rather than silently reusing a
// nonce.
func incrNonce(nonce *[nonceSize]byte) error {
	for i := range nonce {
		nonce[i]++
		if nonce[i] != 0 {
			return nil
		}
	}
	return fmt.Errorf("p2p: nonce counter overflowed, connection exhausted")
}

func isAllZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func pubKeysEqual(a, b ed25519.PublicKey) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
