package peernet

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"time"
)

const (
	handshakeTimeout = time.Second * 10

	nonceSize = 32
)

// handshakeLabel domain-separates handshake signatures from any other use
// of the node key.
var handshakeLabel = []byte("valmesh-handshake-v0")

// handshake runs the identity handshake on the given connection.
//
// Both sides send a hello frame containing their public key and a random
// nonce, then an auth frame containing a signature over the remote's nonce.
// The handshake proves each side owns the private key for the identity it
// claims, so a peer ID learned from the handshake is authenticated rather
// than trusted on first use.
//
// Returns the remote's verified peer ID.
func handshake(conn net.Conn, key ed25519.PrivateKey) (PeerID, error) {
	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return PeerID{}, fmt.Errorf("set deadline: %w", err)
	}
	defer func() {
		_ = conn.SetDeadline(time.Time{})
	}()

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return PeerID{}, fmt.Errorf("generate nonce: %w", err)
	}

	hello := helloMessage{
		PubKey: key.Public().(ed25519.PublicKey),
		Nonce:  nonce,
	}
	b, err := encodeMessage(&hello)
	if err != nil {
		return PeerID{}, err
	}
	if err := writeFrame(conn, b); err != nil {
		return PeerID{}, fmt.Errorf("write hello: %w", err)
	}

	b, err = readFrame(conn)
	if err != nil {
		return PeerID{}, fmt.Errorf("read hello: %w", err)
	}
	var remoteHello helloMessage
	if err := decodeMessage(b, &remoteHello); err != nil {
		return PeerID{}, fmt.Errorf("hello: %w", err)
	}
	if len(remoteHello.PubKey) != ed25519.PublicKeySize {
		return PeerID{}, fmt.Errorf("hello: invalid public key size: %d", len(remoteHello.PubKey))
	}
	if len(remoteHello.Nonce) != nonceSize {
		return PeerID{}, fmt.Errorf("hello: invalid nonce size: %d", len(remoteHello.Nonce))
	}

	auth := authMessage{
		Sig: ed25519.Sign(key, signedMessage(remoteHello.Nonce)),
	}
	b, err = encodeMessage(&auth)
	if err != nil {
		return PeerID{}, err
	}
	if err := writeFrame(conn, b); err != nil {
		return PeerID{}, fmt.Errorf("write auth: %w", err)
	}

	b, err = readFrame(conn)
	if err != nil {
		return PeerID{}, fmt.Errorf("read auth: %w", err)
	}
	var remoteAuth authMessage
	if err := decodeMessage(b, &remoteAuth); err != nil {
		return PeerID{}, fmt.Errorf("auth: %w", err)
	}

	if !ed25519.Verify(
		ed25519.PublicKey(remoteHello.PubKey),
		signedMessage(nonce),
		remoteAuth.Sig,
	) {
		return PeerID{}, fmt.Errorf("auth: signature verification failed")
	}

	return PeerIDFromPublicKey(remoteHello.PubKey), nil
}

func signedMessage(nonce []byte) []byte {
	signed := make([]byte, 0, len(handshakeLabel)+len(nonce))
	signed = append(signed, handshakeLabel...)
	return append(signed, nonce...)
}
