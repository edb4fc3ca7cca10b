package adb

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Transport is a bulk endpoint pair. usb.Handle satisfies it.
type Transport interface {
	ReadContext(ctx context.Context, p []byte) (int, error)
	WriteContext(ctx context.Context, p []byte) (int, error)
}

// State is the handshake state of a Conn.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthPending
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthPending:
		return "auth_pending"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DefaultIdentity is the host banner sent in CNXN.
const DefaultIdentity = "host::features=shell_v2,cmd"

// Conn drives the handshake and shell streams over one Transport.
// Every exchange holds the connection lock for its full request/response sequence,
// so operations are never pipelined on the wire.
type Conn struct {
	t         Transport
	identity  string
	publicKey []byte
	logger    *slog.Logger

	mu             sync.Mutex
	state          State
	keyOffered     bool
	nextLocalID    uint32
	peerMaxPayload uint32
	banner         string
}

// Option configures a Conn.
type Option func(*Conn)

// WithIdentity overrides DefaultIdentity.
func WithIdentity(identity string) Option {
	return func(c *Conn) {
		if identity != "" {
			c.identity = identity
		}
	}
}

// WithPublicKey sets the host public key (adbkey.pub contents) offered when the device
// asks for authorization. Without a key the device must already trust this host.
func WithPublicKey(key []byte) Option {
	return func(c *Conn) { c.publicKey = key }
}

// WithLogger sets the logger used for handshake diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) { c.logger = l }
}

// NewConn wraps t. No bytes are exchanged until Connect.
func NewConn(t Transport, opts ...Option) *Conn {
	c := &Conn{
		t:           t,
		identity:    DefaultIdentity,
		nextLocalID: 1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current handshake state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Banner returns the device banner received in its CNXN, e.g. "device::ro.product.name=...".
func (c *Conn) Banner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.banner
}

// Connect sends CNXN and waits for exactly one response.
//
// A CNXN reply completes the handshake. An AUTH reply leaves the connection in
// StateAuthPending with a nil error; the caller retries Connect after the user approves
// on the device. Any other reply, a read failure, or a malformed frame fails the
// handshake permanently. There is no built-in timeout: approval latency is human, so
// only ctx bounds the wait.
func (c *Conn) Connect(ctx context.Context) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateConnected:
		return StateConnected, nil
	case StateFailed:
		return StateFailed, ErrHandshakeFailed
	}
	c.state = StateConnecting

	req := Message{Command: CmdConnect, Arg0: Version, Arg1: MaxPayload, Payload: connectPayload(c.identity)}
	if err := c.writeMessage(ctx, req); err != nil {
		return c.fail(err)
	}

	resp, err := c.readMessage(ctx)
	if err != nil {
		return c.fail(err)
	}

	switch resp.Command {
	case CmdConnect:
		c.peerMaxPayload = resp.Arg1
		c.banner = strings.TrimRight(string(resp.Payload), "\x00")
		c.state = StateConnected
		c.log("Handshake complete", "banner", c.banner, "max_payload", c.peerMaxPayload)
		return StateConnected, nil

	case CmdAuth:
		if resp.Arg0 != AuthToken {
			return c.fail(&ProtocolError{
				Kind: KindUnexpectedResponse,
				Msg:  fmt.Sprintf("AUTH type %d during handshake", resp.Arg0),
			})
		}
		if len(c.publicKey) > 0 && !c.keyOffered {
			offer := Message{Command: CmdAuth, Arg0: AuthRSAPublicKey, Payload: append(bytes.Clone(c.publicKey), 0)}
			if err := c.writeMessage(ctx, offer); err != nil {
				return c.fail(err)
			}
			c.keyOffered = true
		}
		c.state = StateAuthPending
		c.log("Authorization pending on device")
		return StateAuthPending, nil

	case CmdClose:
		return c.fail(&ProtocolError{Kind: KindUnexpectedResponse, Msg: "device closed during handshake", Err: ErrRejected})

	default:
		return c.fail(&ProtocolError{
			Kind: KindUnexpectedResponse,
			Msg:  fmt.Sprintf("%s during handshake", CommandName(resp.Command)),
		})
	}
}

// Shell runs command through a "shell:" stream and returns everything the device wrote
// before closing the stream.
func (c *Conn) Shell(ctx context.Context, command string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected {
		return nil, ErrNotConnected
	}

	localID := c.nextLocalID
	c.nextLocalID++

	open := Message{Command: CmdOpen, Arg0: localID, Payload: connectPayload("shell:" + command)}
	if err := c.writeMessage(ctx, open); err != nil {
		return nil, err
	}

	resp, err := c.readStreamMessage(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.Command == CmdClose:
		return nil, fmt.Errorf("open shell stream: %w", ErrRejected)
	case resp.Command != CmdOkay || resp.Arg1 != localID:
		return nil, &ProtocolError{
			Kind: KindUnexpectedResponse,
			Msg:  fmt.Sprintf("%s(%d,%d) in reply to OPEN %d", CommandName(resp.Command), resp.Arg0, resp.Arg1, localID),
		}
	}
	remoteID := resp.Arg0

	var out bytes.Buffer
	for {
		msg, err := c.readStreamMessage(ctx)
		if err != nil {
			return nil, err
		}
		if msg.Arg1 != localID {
			return nil, &ProtocolError{
				Kind: KindUnexpectedResponse,
				Msg:  fmt.Sprintf("%s for stream %d, want %d", CommandName(msg.Command), msg.Arg1, localID),
			}
		}

		switch msg.Command {
		case CmdWrite:
			out.Write(msg.Payload)
			ack := Message{Command: CmdOkay, Arg0: localID, Arg1: remoteID}
			if err := c.writeMessage(ctx, ack); err != nil {
				return nil, err
			}
		case CmdOkay:
			// ack for a write we never sent on this stream; harmless
		case CmdClose:
			bye := Message{Command: CmdClose, Arg0: localID, Arg1: remoteID}
			if err := c.writeMessage(ctx, bye); err != nil {
				return nil, err
			}
			return out.Bytes(), nil
		default:
			return nil, &ProtocolError{
				Kind: KindUnexpectedResponse,
				Msg:  fmt.Sprintf("%s inside shell stream", CommandName(msg.Command)),
			}
		}
	}
}

func (c *Conn) fail(err error) (State, error) {
	c.state = StateFailed
	c.log("Handshake failed", "error", err)
	return StateFailed, err
}

func (c *Conn) writeMessage(ctx context.Context, m Message) error {
	if _, err := c.t.WriteContext(ctx, m.Header().Encode()); err != nil {
		return &ProtocolError{Kind: KindTransport, Msg: "write " + CommandName(m.Command) + " header", Err: err}
	}
	if len(m.Payload) == 0 {
		return nil
	}
	if _, err := c.t.WriteContext(ctx, m.Payload); err != nil {
		return &ProtocolError{Kind: KindTransport, Msg: "write " + CommandName(m.Command) + " payload", Err: err}
	}
	return nil
}

// readStreamMessage reads the next frame after the handshake, dropping CNXN frames.
// A device approved while a CNXN retry is in flight sends its own CNXN and then answers
// the retry with another one.
func (c *Conn) readStreamMessage(ctx context.Context) (Message, error) {
	for {
		m, err := c.readMessage(ctx)
		if err != nil || m.Command != CmdConnect {
			return m, err
		}
		c.log("Dropped late CNXN", "max_payload", m.Arg1)
	}
}

func (c *Conn) readMessage(ctx context.Context) (Message, error) {
	raw := make([]byte, HeaderSize)
	if err := c.readFull(ctx, raw); err != nil {
		return Message{}, &ProtocolError{Kind: KindTransport, Msg: "read header", Err: err}
	}
	h, err := DecodeHeader(raw)
	if err != nil {
		return Message{}, err
	}
	if h.PayloadLength > MaxPayload {
		return Message{}, &ProtocolError{
			Kind: KindMalformedHeader,
			Msg:  fmt.Sprintf("payload length %d exceeds %d", h.PayloadLength, MaxPayload),
		}
	}

	m := Message{Command: h.Command, Arg0: h.Arg0, Arg1: h.Arg1}
	if h.PayloadLength == 0 {
		return m, nil
	}
	m.Payload = make([]byte, h.PayloadLength)
	if err := c.readFull(ctx, m.Payload); err != nil {
		return Message{}, &ProtocolError{Kind: KindTransport, Msg: "read payload", Err: err}
	}
	// Devices negotiating checksum-free versions send zero.
	if h.PayloadChecksum != 0 && h.PayloadChecksum != Checksum(m.Payload) {
		return Message{}, &ProtocolError{
			Kind: KindChecksumMismatch,
			Msg:  fmt.Sprintf("%s payload sum 0x%08x, header says 0x%08x", CommandName(h.Command), Checksum(m.Payload), h.PayloadChecksum),
		}
	}
	return m, nil
}

func (c *Conn) readFull(ctx context.Context, buf []byte) error {
	for off := 0; off < len(buf); {
		n, err := c.t.ReadContext(ctx, buf[off:])
		off += n
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short read: %d of %d bytes", off, len(buf))
		}
	}
	return nil
}

func (c *Conn) log(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, args...)
	}
}
