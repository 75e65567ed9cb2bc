package websocket

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// State is a connection's position in the RFC 6455 lifecycle.
type State int32

const (
	// StateOpen is the state from a successful handshake until either
	// side starts the closing handshake.
	StateOpen State = iota
	// StateClosing is entered the moment a close frame is sent or
	// received, before the TCP connection itself is torn down.
	StateClosing
	// StateClosed is terminal: the TCP connection is shut down and all
	// further reads/writes fail with ErrClosed.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// AcceptOptions configures the server side of the opening handshake and
// the resulting Conn. A nil *AcceptOptions uses every default.
type AcceptOptions struct {
	// Subprotocols lists the application subprotocols this server
	// supports. The first subprotocol in the client's offered order that
	// also appears here is selected; none is selected if the lists don't
	// intersect.
	Subprotocols []string

	// CheckOrigin decides whether to accept a given Origin header. A nil
	// CheckOrigin accepts every origin, including none (suitable for
	// non-browser clients); set it explicitly for browser-facing servers.
	CheckOrigin func(origin string) bool

	// ReadBufferSize and WriteBufferSize size the Conn's internal
	// buffers. Zero selects a 4 KiB default.
	ReadBufferSize  int
	WriteBufferSize int

	// MaxMessageSize bounds a reassembled message's total size. Zero
	// selects defaultMaxMessageSize.
	MaxMessageSize int64

	// Logger receives connection lifecycle and protocol-error events. A
	// nil Logger disables logging entirely (zerolog.Nop()).
	Logger *zerolog.Logger
}

// DialOptions configures the client side of the opening handshake and the
// resulting Conn. A nil *DialOptions uses every default.
type DialOptions struct {
	Subprotocols    []string
	Header          Header
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	Logger          *zerolog.Logger
}

const defaultMaxMessageSize = 32 * 1024 * 1024

// Conn is one end of an RFC 6455 WebSocket connection. It owns the
// transport, a persistent read accumulator (so a short read never
// discards already-buffered frame bytes) and the close-handshake state
// machine described by State.
type Conn struct {
	transport net.Conn
	reader    *bufio.Reader
	writer    *bufio.Writer
	role      Role
	log       zerolog.Logger

	maxMessageSize int64
	subprotocol    string

	acc []byte // persistent frame-parsing accumulator

	writeMu sync.Mutex
	state   atomic.Int32

	closeOnce sync.Once

	fragmentBuf  bytes.Buffer
	fragmentType Opcode
	inFragment   bool
}

func newConn(transport net.Conn, role Role, reader *bufio.Reader, readBufSize, writeBufSize int, maxMessageSize int64, subprotocol string, logger *zerolog.Logger) *Conn {
	if readBufSize <= 0 {
		readBufSize = defaultReadBufferSize
	}
	if writeBufSize <= 0 {
		writeBufSize = defaultWriteBufferSize
	}
	if maxMessageSize <= 0 {
		maxMessageSize = defaultMaxMessageSize
	}
	if reader == nil {
		reader = bufio.NewReaderSize(transport, readBufSize)
	}
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}

	return &Conn{
		transport:      transport,
		reader:         reader,
		writer:         bufio.NewWriterSize(transport, writeBufSize),
		role:           role,
		log:            l.With().Str("component", "websocket").Str("role", role.String()).Logger(),
		maxMessageSize: maxMessageSize,
		subprotocol:    subprotocol,
	}
}

// Role reports whether this Conn is playing the client or server role.
func (c *Conn) Role() Role { return c.role }

// State reports the connection's current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Subprotocol reports the subprotocol negotiated during the opening
// handshake, or "" if none was offered or none matched.
func (c *Conn) Subprotocol() string { return c.subprotocol }

// splitRequestLine splits "GET /chat HTTP/1.1" into its method, target
// and HTTP version, tolerating the missing-field case so callers can
// surface a HandshakeError instead of panicking on malformed input.
func splitRequestLine(line string) (method, target, version string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return "", "", "", false
	}
	return fields[0], fields[1], fields[2], true
}

// Accept performs the server side of the RFC 6455 opening handshake
// directly against a raw duplex transport (no net/http involved) and
// returns a ready-to-use server-role Conn.
func Accept(transport net.Conn, opts *AcceptOptions) (*Conn, error) {
	if opts == nil {
		opts = &AcceptOptions{}
	}

	readBufSize := opts.ReadBufferSize
	if readBufSize <= 0 {
		readBufSize = defaultReadBufferSize
	}
	r := bufio.NewReaderSize(transport, readBufSize)

	raw, err := readRawHandshake(r)
	if err != nil {
		return nil, err
	}
	hs, err := parseHandshake(raw)
	if err != nil {
		return nil, err
	}

	method, _, version, ok := splitRequestLine(hs.StartLine)
	if !ok {
		return nil, &HandshakeError{Reason: ReasonBadRequestLine, Detail: hs.StartLine}
	}
	key, err := validateUpgradeRequest(hs.Headers, method, version)
	if err != nil {
		return nil, err
	}

	if opts.CheckOrigin != nil && !opts.CheckOrigin(hs.Headers.Get("Origin")) {
		return nil, &HandshakeError{Reason: ReasonOriginDenied}
	}

	subprotocol := negotiateSubprotocol(hs.Headers.Get("Sec-WebSocket-Protocol"), opts.Subprotocols)
	accept := computeAcceptKey(key)

	if _, err := transport.Write(buildServerResponse(accept, subprotocol)); err != nil {
		return nil, err
	}

	c := newConn(transport, RoleServer, r, opts.ReadBufferSize, opts.WriteBufferSize, opts.MaxMessageSize, subprotocol, opts.Logger)
	c.log.Info().Msg("accepted websocket connection")
	return c, nil
}

// UpgradeHTTP upgrades an already-routed net/http request to a WebSocket
// connection by hijacking the underlying connection, for servers that are
// already running net/http and want ordinary handler ergonomics. It
// shares its header validation with Accept; the difference is purely
// where the handshake bytes come from (net/http's parsed request instead
// of raw bytes off the wire).
func UpgradeHTTP(w http.ResponseWriter, r *http.Request, opts *AcceptOptions) (*Conn, error) {
	if opts == nil {
		opts = &AcceptOptions{}
	}

	headers := httpHeaderToHandshake(r.Header)
	key, err := validateUpgradeRequest(headers, r.Method, r.Proto)
	if err != nil {
		return nil, err
	}
	if opts.CheckOrigin != nil && !opts.CheckOrigin(r.Header.Get("Origin")) {
		return nil, &HandshakeError{Reason: ReasonOriginDenied}
	}

	subprotocol := negotiateSubprotocol(r.Header.Get("Sec-WebSocket-Protocol"), opts.Subprotocols)
	accept := computeAcceptKey(key)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return nil, &HandshakeError{Reason: ReasonTransport, Detail: "ResponseWriter does not support hijacking"}
	}

	netConn, bufrw, err := hijacker.Hijack()
	if err != nil {
		return nil, err
	}
	if _, err := bufrw.Write(buildServerResponse(accept, subprotocol)); err != nil {
		_ = netConn.Close()
		return nil, err
	}
	if err := bufrw.Flush(); err != nil {
		_ = netConn.Close()
		return nil, err
	}

	// Reuse whatever net/http already buffered on the hijacked connection
	// rather than dropping it, so bytes the client sent right after the
	// handshake (pipelined frames) aren't lost.
	var reader *bufio.Reader
	readBufSize := opts.ReadBufferSize
	if readBufSize <= 0 {
		readBufSize = defaultReadBufferSize
	}
	if bufrw.Reader != nil {
		// NewReaderSize returns bufrw.Reader itself when it is already
		// large enough, and otherwise wraps it, so its buffered bytes are
		// read first either way.
		reader = bufio.NewReaderSize(bufrw.Reader, readBufSize)
	}

	c := newConn(netConn, RoleServer, reader, opts.ReadBufferSize, opts.WriteBufferSize, opts.MaxMessageSize, subprotocol, opts.Logger)
	c.log.Info().Msg("accepted websocket connection via net/http hijack")
	return c, nil
}

// Dial performs the client side of the RFC 6455 opening handshake over an
// already-connected transport and returns a ready-to-use client-role
// Conn. host is the value sent in the Host header, target is the request
// path (and optional query string).
func Dial(transport net.Conn, host, target string, opts *DialOptions) (*Conn, error) {
	if opts == nil {
		opts = &DialOptions{}
	}

	nonce, err := generateNonce()
	if err != nil {
		return nil, err
	}

	req := buildClientRequest(host, target, nonce, opts.Subprotocols, opts.Header)
	if _, err := transport.Write(req); err != nil {
		return nil, err
	}

	readBufSize := opts.ReadBufferSize
	if readBufSize <= 0 {
		readBufSize = defaultReadBufferSize
	}
	r := bufio.NewReaderSize(transport, readBufSize)
	raw, err := readRawHandshake(r)
	if err != nil {
		return nil, err
	}
	hs, err := parseHandshake(raw)
	if err != nil {
		return nil, err
	}

	subprotocol, err := validateUpgradeResponse(hs.Headers, hs.StartLine, nonce)
	if err != nil {
		return nil, err
	}

	c := newConn(transport, RoleClient, r, opts.ReadBufferSize, opts.WriteBufferSize, opts.MaxMessageSize, subprotocol, opts.Logger)
	c.log.Info().Msg("dialed websocket connection")
	return c, nil
}

// DialURL is a convenience wrapper around Dial for "ws://" and "wss://"
// URLs: it opens the TCP (and, for wss, TLS) connection itself.
func DialURL(ctx context.Context, rawURL string, opts *DialOptions) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	var useTLS bool
	switch u.Scheme {
	case "ws":
		useTLS = false
	case "wss":
		useTLS = true
	default:
		return nil, &HandshakeError{Reason: ReasonBadRequestLine, Detail: "unsupported scheme " + u.Scheme}
	}

	host := u.Host
	if !strings.Contains(host, ":") {
		if useTLS {
			host += ":443"
		} else {
			host += ":80"
		}
	}
	target := u.RequestURI()
	if target == "" {
		target = "/"
	}

	dialer := &net.Dialer{}
	var transport net.Conn
	if useTLS {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: u.Hostname()}} //#nosec G402 -- ServerName set explicitly above
		transport, err = tlsDialer.DialContext(ctx, "tcp", host)
	} else {
		transport, err = dialer.DialContext(ctx, "tcp", host)
	}
	if err != nil {
		return nil, err
	}

	conn, err := Dial(transport, u.Host, target, opts)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	return conn, nil
}

// ReadFrame reads and returns exactly one wire frame, applying no
// message-level semantics (no fragment reassembly, no ping/pong
// auto-response, no close handling). It returns (nil, nil) on a clean
// peer EOF with no partial frame buffered, and ErrConnectionReset if the
// peer disappeared mid-frame. Most callers want ReadMessage instead;
// ReadFrame exists for callers that need raw control over framing, and
// for the message layer itself.
func (c *Conn) ReadFrame() (*Frame, error) {
	if c.State() == StateClosed {
		return nil, ErrClosed
	}
	f, err := readFrame(c.reader, &c.acc, c.role)
	if err != nil {
		c.log.Debug().Err(err).Msg("frame read failed")
		return nil, err
	}
	return f, nil
}

// SendFrame writes exactly one wire frame, masking it if this Conn plays
// the client role. Most callers want WriteMessage instead.
func (c *Conn) SendFrame(f *Frame) error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return encodeFrame(c.writer, c.role, f)
}

// ReadMessage reads the next complete application message, transparently
// reassembling fragmented messages, answering Ping frames with Pong, and
// discarding unsolicited Pong frames. Receiving a Close frame, or a clean
// peer EOF with no Close frame, both end the connection and return
// ErrClosed; callers that need to tell the two apart should use ReadFrame
// directly.
func (c *Conn) ReadMessage() (MessageType, []byte, error) {
	if c.State() == StateClosed {
		return 0, nil, ErrClosed
	}

	for {
		f, err := c.ReadFrame()
		if err != nil {
			return 0, nil, err
		}
		if f == nil {
			// Clean EOF with no partial frame buffered: the peer tore down
			// the transport without sending a Close frame. Nothing to echo
			// back, so just mark the connection closed.
			c.state.Store(int32(StateClosed))
			return 0, nil, ErrClosed
		}

		switch f.Opcode {
		case OpPing:
			if err := c.Pong(f.Payload); err != nil {
				return 0, nil, err
			}
			continue
		case OpPong:
			continue
		case OpClose:
			c.handlePeerClose(f.Payload)
			return 0, nil, ErrClosed
		}

		switch f.Opcode {
		case OpText, OpBinary:
			if f.Fin {
				return c.finishMessage(MessageType(f.Opcode), f.Payload)
			}
			c.inFragment = true
			c.fragmentType = f.Opcode
			c.fragmentBuf.Reset()
			c.fragmentBuf.Write(f.Payload)
			if int64(c.fragmentBuf.Len()) > c.maxMessageSize {
				_ = c.CloseWithCode(CloseMessageTooBig, "")
				return 0, nil, ErrMessageTooLarge
			}

		case OpContinuation:
			if !c.inFragment {
				_ = c.CloseWithCode(CloseProtocolError, "")
				return 0, nil, &ProtocolError{Reason: ReasonBadContinuation}
			}
			c.fragmentBuf.Write(f.Payload)
			if int64(c.fragmentBuf.Len()) > c.maxMessageSize {
				_ = c.CloseWithCode(CloseMessageTooBig, "")
				return 0, nil, ErrMessageTooLarge
			}
			if f.Fin {
				c.inFragment = false
				payload := make([]byte, c.fragmentBuf.Len())
				copy(payload, c.fragmentBuf.Bytes())
				return c.finishMessage(MessageType(c.fragmentType), payload)
			}
		}
	}
}

func (c *Conn) finishMessage(t MessageType, payload []byte) (MessageType, []byte, error) {
	if t == TextMessage && !utf8.Valid(payload) {
		_ = c.CloseWithCode(CloseInvalidFramePayloadData, "invalid UTF-8")
		return 0, nil, ErrInvalidUTF8
	}
	return t, payload, nil
}

// WriteMessage sends data as a single, unfragmented frame of the given
// type.
func (c *Conn) WriteMessage(t MessageType, data []byte) error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	opcode, err := t.opcode()
	if err != nil {
		return err
	}
	if t == TextMessage && !utf8.Valid(data) {
		return ErrInvalidUTF8
	}
	return c.SendFrame(&Frame{Fin: true, Opcode: opcode, Payload: data})
}

// WriteFragments sends data as a fragmented message split across
// len(chunks) frames: the first carries the message's real opcode with
// FIN=0, the interior ones carry OpContinuation with FIN=0, and the last
// carries OpContinuation with FIN=1. A single chunk is sent as one frame
// with the real opcode and FIN=1. All chunks are passed in one call and
// written while holding the write lock, so no other frame is interleaved
// between them.
func (c *Conn) WriteFragments(t MessageType, chunks [][]byte) error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	if len(chunks) == 0 {
		return c.WriteMessage(t, nil)
	}
	opcode, err := t.opcode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for i, chunk := range chunks {
		fin := i == len(chunks)-1
		op := opcode
		if i > 0 {
			op = OpContinuation
		}
		if err := encodeFrame(c.writer, c.role, &Frame{Fin: fin, Opcode: op, Payload: chunk}); err != nil {
			return err
		}
	}
	return nil
}

// Ping sends a ping control frame. data must be 125 bytes or fewer.
func (c *Conn) Ping(data []byte) error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	if len(data) > maxControlPayload {
		return &ProtocolError{Reason: ReasonControlTooLarge}
	}
	return c.SendFrame(&Frame{Fin: true, Opcode: OpPing, Payload: data})
}

// Pong sends a pong control frame. data must be 125 bytes or fewer.
// ReadMessage already answers incoming pings automatically; call Pong
// directly only for unsolicited heartbeats.
func (c *Conn) Pong(data []byte) error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	if len(data) > maxControlPayload {
		return &ProtocolError{Reason: ReasonControlTooLarge}
	}
	return c.SendFrame(&Frame{Fin: true, Opcode: OpPong, Payload: data})
}

// Close starts the closing handshake with CloseNormalClosure and no
// reason, then waits briefly for the peer's answering close frame before
// shutting down the transport.
func (c *Conn) Close() error {
	return c.CloseWithCode(CloseNormalClosure, "")
}

// CloseWithCode starts the closing handshake with the given status code
// and reason (RFC 6455 Section 7.1.2: send Close, wait for the peer's
// Close, then close the transport). It is idempotent: later calls after
// the first are no-ops returning nil.
func (c *Conn) CloseWithCode(code CloseCode, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		if reason != "" && !utf8.ValidString(reason) {
			err = ErrInvalidUTF8
			return
		}
		c.state.Store(int32(StateClosing))

		payload := make([]byte, 2+len(reason))
		payload[0] = byte(code >> 8)
		payload[1] = byte(code & 0xFF)
		copy(payload[2:], reason)

		c.writeMu.Lock()
		writeErr := encodeFrame(c.writer, c.role, &Frame{Fin: true, Opcode: OpClose, Payload: payload})
		c.writeMu.Unlock()

		c.awaitPeerCloseOrTimeout()

		c.state.Store(int32(StateClosed))
		c.log.Info().Int("code", int(code)).Msg("closed websocket connection")

		if writeErr != nil {
			err = writeErr
			_ = c.transport.Close()
			return
		}
		err = c.transport.Close()
	})
	return err
}

// awaitPeerCloseOrTimeout drains frames for a short grace period looking
// for the peer's answering Close frame, so a well-behaved peer's FIN
// isn't mistaken for a reset. It never returns an error to the caller:
// any read failure here is expected once the transport starts tearing
// down.
func (c *Conn) awaitPeerCloseOrTimeout() {
	_ = c.transport.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer func() { _ = c.transport.SetReadDeadline(time.Time{}) }()

	for {
		f, err := readFrame(c.reader, &c.acc, c.role)
		if err != nil || f == nil {
			return
		}
		if f.Opcode == OpClose {
			return
		}
	}
}

// handlePeerClose reacts to a Close frame initiated by the peer by
// answering with our own Close frame that echoes the received status
// code, per RFC 6455 Section 5.5.1. A Close frame without a status code
// is answered with CloseNormalClosure, since CloseNoStatusReceived must
// not appear on the wire.
func (c *Conn) handlePeerClose(payload []byte) {
	code := CloseNoStatusReceived
	if len(payload) >= 2 {
		code = CloseCode(uint16(payload[0])<<8 | uint16(payload[1]))
	}
	c.log.Debug().Int("code", int(code)).Msg("received close frame")
	if code == CloseNoStatusReceived {
		code = CloseNormalClosure
	}
	_ = c.CloseWithCode(code, "")
}

// ReadText reads the next message and requires it to be text.
func (c *Conn) ReadText() (string, error) {
	t, data, err := c.ReadMessage()
	if err != nil {
		return "", err
	}
	if t != TextMessage {
		return "", ErrInvalidMessageType
	}
	return string(data), nil
}

// WriteText sends text as a single text message.
func (c *Conn) WriteText(text string) error {
	return c.WriteMessage(TextMessage, []byte(text))
}

// ReadJSON reads the next message, requires it to be text, and unmarshals
// it into v.
func (c *Conn) ReadJSON(v any) error {
	t, data, err := c.ReadMessage()
	if err != nil {
		return err
	}
	if t != TextMessage {
		return ErrInvalidMessageType
	}
	return json.Unmarshal(data, v)
}

// WriteJSON marshals v and sends it as a single text message.
func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteMessage(TextMessage, data)
}

// LocalAddr and RemoteAddr expose the underlying transport's addresses.
func (c *Conn) LocalAddr() net.Addr  { return c.transport.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.transport.RemoteAddr() }
