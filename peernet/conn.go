package peernet

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/andydunstall/yamux"
	"go.uber.org/zap"

	"github.com/valmesh/valmesh/pkg/log"
)

const rpcTimeout = time.Second * 10

// peerConn is an established connection to a remote peer, multiplexing RPC
// streams on the underlying connection.
type peerConn struct {
	peer PeerID

	sess *yamux.Session

	// outbound indicates whether the local node dialled the connection.
	outbound bool
}

func newPeerConn(peer PeerID, sess *yamux.Session, outbound bool) *peerConn {
	return &peerConn{
		peer:     peer,
		sess:     sess,
		outbound: outbound,
	}
}

// rpc sends a request on its own stream and waits for the response.
func (c *peerConn) rpc(ctx context.Context, rpcType RPCType, req []byte) ([]byte, error) {
	stream, err := c.sess.Open()
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	deadline := time.Now().Add(rpcTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = stream.SetDeadline(deadline)

	if _, err := stream.Write([]byte{byte(rpcType), supportedVersion}); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	if err := writeFrame(stream, req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	var flagsBuf [1]byte
	if _, err := io.ReadFull(stream, flagsBuf[:]); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	flags := responseFlags(flagsBuf[0])

	body, err := readFrame(stream)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if flags.NotSupported() {
		return nil, fmt.Errorf("rpc type not supported by peer")
	}
	if flags.StatusError() {
		var status StatusError
		if err := decodeMessage(body, &status); err != nil {
			return nil, fmt.Errorf("status: %w", err)
		}
		return nil, &status
	}
	return body, nil
}

// serve handles the connection's inbound RPC streams until the session
// closes.
func (c *peerConn) serve(
	handler *Handler,
	metrics *Metrics,
	logger log.Logger,
) {
	for {
		stream, err := c.sess.Accept()
		if err != nil {
			// Session closed.
			return
		}

		go func() {
			defer stream.Close()

			if err := c.handleStream(stream, handler, metrics); err != nil {
				logger.Debug(
					"stream error",
					zap.String("peer", c.peer.String()),
					zap.Error(err),
				)
			}
		}()
	}
}

func (c *peerConn) handleStream(stream net.Conn, handler *Handler, metrics *Metrics) error {
	_ = stream.SetDeadline(time.Now().Add(rpcTimeout))

	var header [2]byte
	if _, err := io.ReadFull(stream, header[:]); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	rpcType := RPCType(header[0])
	if header[1] != supportedVersion {
		return writeResponse(stream, flagNotSupported, nil)
	}

	req, err := readFrame(stream)
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}

	handlerFunc, ok := handler.Find(rpcType)
	if !ok {
		return writeResponse(stream, flagNotSupported, nil)
	}

	metrics.RPCInbound.With(rpcLabels(rpcType)).Inc()

	resp, err := handlerFunc(c.peer, req)
	if err != nil {
		status, ok := err.(*StatusError)
		if !ok {
			return fmt.Errorf("handler: %w", err)
		}
		body, err := encodeMessage(status)
		if err != nil {
			return err
		}
		return writeResponse(stream, flagStatusError, body)
	}
	return writeResponse(stream, 0, resp)
}

func (c *peerConn) close() {
	_ = c.sess.Close()
}

func writeResponse(stream net.Conn, flags responseFlags, body []byte) error {
	if _, err := stream.Write([]byte{byte(flags)}); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	if err := writeFrame(stream, body); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}
