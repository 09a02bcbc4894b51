package polycall

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
)

// DeliverFunc is invoked once per complete frame a Transport reads off
// the wire. The slice passed to it is only valid for the duration of the
// call — implementations that need to retain it must copy it.
type DeliverFunc func(frame []byte)

// Transport is an opaque byte-oriented collaborator: an endpoint that can
// send a framed message and be torn down. It carries no knowledge of the
// FSM or the codec; ProtocolContext is the only thing that interprets
// the bytes that cross it.
type Transport interface {
	// Send writes a complete, already-framed message. A short write is a
	// failure: implementations must return an error rather than a partial
	// byte count the caller is expected to retry.
	Send(frame []byte) (int, error)

	// RemoteAddr identifies the peer, for logging.
	RemoteAddr() string

	// Close tears down the transport and stops any background delivery
	// loop. Close is idempotent.
	Close() error
}

// TCPTransport is a Transport backed by a net.Conn. It delimits frames
// itself so that each delivered buffer holds exactly one whole message:
// it first reads the fixed HeaderSize bytes to learn payload_length,
// then reads exactly that many more bytes, then invokes deliver exactly
// once with the whole frame. This is a minimal length-prefixed reader,
// not a general reassembly layer — fragmentation/reassembly across reads
// is out of scope.
//
// Grounded on alxayo-rtmp-go/internal/rtmp/conn/conn.go's Connection: a
// context+cancel+sync.WaitGroup around a net.Conn with a dedicated read
// loop goroutine feeding a dispatch callback.
type TCPTransport struct {
	conn           net.Conn
	maxMessageSize int
	logger         *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewTCPTransport wraps conn. maxMessageSize bounds how large a single
// frame (HeaderSize plus its declared payload_length) may be before the
// read loop gives up
// and closes the connection (a corrupt or hostile length prefix must not
// make the reader allocate without bound); 0 uses DefaultMaxMessageSize.
func NewTCPTransport(conn net.Conn, maxMessageSize int) *TCPTransport {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPTransport{
		conn:           conn,
		maxMessageSize: maxMessageSize,
		logger:         Logger.With(zap.String("remote", conn.RemoteAddr().String())),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start begins the read loop on its own goroutine, calling deliver once
// per complete frame. Start must be called at most once.
func (t *TCPTransport) Start(deliver DeliverFunc) {
	t.wg.Add(1)
	go t.readLoop(deliver)
}

// Done returns a channel that closes as soon as Close is called or the
// read loop exits (for example because the peer went away). It is
// a convenience for callers (the demo driver) that want to block until
// the connection is no longer usable.
func (t *TCPTransport) Done() <-chan struct{} { return t.ctx.Done() }

func (t *TCPTransport) readLoop(deliver DeliverFunc) {
	defer t.wg.Done()
	defer t.cancel()

	header := make([]byte, HeaderSize)
	for {
		if _, err := io.ReadFull(t.conn, header); err != nil {
			if t.ctx.Err() == nil {
				t.logger.Debug("read loop stopped", zap.Error(err))
			}
			return
		}

		payloadLength := int(header[8]) | int(header[9])<<8 | int(header[10])<<16 | int(header[11])<<24
		if payloadLength < 0 || HeaderSize+payloadLength > t.maxMessageSize {
			t.logger.Warn("oversize frame, closing connection", zap.Int("payload_length", payloadLength))
			return
		}

		frame := make([]byte, HeaderSize+payloadLength)
		copy(frame, header)
		if payloadLength > 0 {
			if _, err := io.ReadFull(t.conn, frame[HeaderSize:]); err != nil {
				t.logger.Debug("read loop stopped mid-payload", zap.Error(err))
				return
			}
		}

		deliver(frame)
	}
}

// Send writes frame to the underlying connection, failing on a short
// write rather than retrying it.
func (t *TCPTransport) Send(frame []byte) (int, error) {
	n, err := t.conn.Write(frame)
	if err != nil {
		return n, err
	}
	if n != len(frame) {
		return n, fmt.Errorf("%w: wrote %d of %d bytes", ErrSendFail, n, len(frame))
	}
	return n, nil
}

// RemoteAddr returns the peer's address.
func (t *TCPTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }

// Close cancels the read loop, closes the connection, and waits for the
// read loop goroutine to exit.
func (t *TCPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		err = t.conn.Close()
		t.wg.Wait()
	})
	return err
}
