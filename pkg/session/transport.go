// transport.go provides the encrypted data transport over an established
// session: framed sends and receives, inline key rotation, alert
// signaling, and graceful close notification.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/qshield-labs/qkdlink/internal/constants"
	qerrors "github.com/qshield-labs/qkdlink/internal/errors"
	"github.com/qshield-labs/qkdlink/pkg/channel"
	"github.com/qshield-labs/qkdlink/pkg/metrics"
	"github.com/qshield-labs/qkdlink/pkg/protocol"
)

// Endpoint provides encrypted communication over an established session.
type Endpoint struct {
	session *Session
	conn    net.Conn
	codec   *protocol.Codec

	readTimeout  time.Duration
	writeTimeout time.Duration

	writeMu sync.Mutex

	// Data frames that arrived interleaved with a rekey exchange, held
	// for delivery under their original generation.
	pending   [][]byte
	pendingMu sync.Mutex

	closed   bool
	closedMu sync.RWMutex
}

// NewEndpoint creates an endpoint over an established session.
func NewEndpoint(session *Session, conn net.Conn) (*Endpoint, error) {
	if session.Phase() != PhaseActive {
		return nil, qerrors.ErrInvalidState
	}

	return &Endpoint{
		session:      session,
		conn:         conn,
		codec:        protocol.NewCodec(),
		readTimeout:  session.config.ReadTimeout,
		writeTimeout: session.config.WriteTimeout,
	}, nil
}

// Send encrypts and sends an application payload.
func (e *Endpoint) Send(data []byte) error {
	if err := e.checkClosed(); err != nil {
		return err
	}

	if len(data) > constants.MaxPayloadSize {
		return qerrors.ErrMessageTooLarge
	}

	frame, err := e.session.Seal(data)
	if err != nil {
		return err
	}

	msg, err := e.codec.EncodeSecureFrame(&protocol.SecureFrame{
		Generation: frame.Generation,
		Sequence:   frame.Sequence,
		Nonce:      frame.Nonce[:],
		Ciphertext: frame.Ciphertext,
	})
	if err != nil {
		return err
	}

	if err := e.write(msg); err != nil {
		return qerrors.NewTransportError("send", err)
	}

	// Rotation rides on the send path so an idle channel never rotates
	// mid-read on the peer. Either role announces when its own policy
	// fires; the rekey runs with the original handshake roles. The
	// payload above was delivered either way, but a failed rotation
	// aborts the session, so the caller hears about it.
	if e.session.NeedsRotation() {
		if rerr := e.rotate(); rerr != nil {
			e.session.logger.Error("key rotation failed", metrics.Fields{"error": rerr})
			return rerr
		}
	}

	return nil
}

// Receive reads and decrypts the next application payload, transparently
// handling rotation, close, and alert messages.
func (e *Endpoint) Receive() ([]byte, error) {
	for {
		if err := e.checkClosed(); err != nil {
			return nil, err
		}

		if msg := e.nextPending(); msg != nil {
			return e.handleSecureFrame(msg)
		}

		if e.readTimeout > 0 {
			_ = e.conn.SetReadDeadline(time.Now().Add(e.readTimeout))
		}

		msg, err := e.codec.ReadMessage(e.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				e.markClosed()
				return nil, qerrors.ErrSessionClosed
			}
			return nil, qerrors.NewTransportError("receive", err)
		}

		msgType, err := e.codec.GetMessageType(msg)
		if err != nil {
			return nil, err
		}

		switch msgType {
		case protocol.MessageTypeSecureFrame:
			return e.handleSecureFrame(msg)
		case protocol.MessageTypeRotate:
			if err := e.handleRotate(msg); err != nil {
				return nil, err
			}
		case protocol.MessageTypeClose:
			e.markClosed()
			return nil, qerrors.ErrSessionClosed
		case protocol.MessageTypeAlert:
			if err := e.handleAlert(msg); err != nil {
				return nil, err
			}
		default:
			e.recordProtocolError(qerrors.ErrInvalidMessage)
			e.sendAlert(protocol.AlertLevelFatal, protocol.AlertCodeUnexpectedMessage,
				fmt.Sprintf("message type 0x%02x", byte(msgType)))
			return nil, qerrors.ErrInvalidMessage
		}
	}
}

// handleSecureFrame decrypts a received frame.
func (e *Endpoint) handleSecureFrame(msg []byte) ([]byte, error) {
	wire, err := e.codec.DecodeSecureFrame(msg)
	if err != nil {
		e.recordProtocolError(err)
		return nil, err
	}

	frame := &channel.Frame{
		Generation: wire.Generation,
		Sequence:   wire.Sequence,
		Ciphertext: wire.Ciphertext,
	}
	copy(frame.Nonce[:], wire.Nonce)

	plaintext, err := e.session.Open(frame)
	if err != nil {
		e.recordProtocolError(err)
		return nil, err
	}
	return plaintext, nil
}

// handleRotate runs the receive side of a key rotation: after the peer
// announces the next generation, both endpoints re-run the quantum
// exchange inline and activate the resulting key.
func (e *Endpoint) handleRotate(msg []byte) error {
	rot, err := e.codec.DecodeRotate(msg)
	if err != nil {
		return err
	}

	if rot.NewGeneration != e.session.ActiveGeneration()+1 {
		e.recordProtocolError(qerrors.ErrInvalidState)
		return qerrors.NewProtocolError("rotate", qerrors.ErrInvalidState)
	}

	e.session.setPhase(PhaseRotating)

	e.writeMu.Lock()
	err = e.rekey()
	e.writeMu.Unlock()

	if err != nil {
		sendHandshakeAlert(e.conn, err)
		e.session.Abort()
		e.markClosed()
		return err
	}
	return nil
}

// handleAlert processes an alert from the peer.
func (e *Endpoint) handleAlert(msg []byte) error {
	alert, err := e.codec.DecodeAlert(msg)
	if err != nil {
		return err
	}

	if alert.Code == protocol.AlertCodeCloseNotify {
		e.markClosed()
		return qerrors.ErrSessionClosed
	}

	aerr := qerrors.NewProtocolError("alert", &alertError{
		level: alert.Level,
		code:  alert.Code,
		desc:  alert.Description,
	})
	e.recordProtocolError(aerr)
	if alert.Level == protocol.AlertLevelFatal {
		e.markClosed()
		return aerr
	}
	return nil
}

// rotate announces a key rotation and re-runs the quantum exchange on
// the live channel (send side). A failed rotation aborts the session;
// continuing under a key that is past its limits would defeat the
// rotation policy.
func (e *Endpoint) rotate() error {
	s := e.session

	observer := s.observer
	var done func(error)
	if observer != nil {
		_, done = observer.OnRotationStart(context.Background())
	}

	err := func() error {
		s.setPhase(PhaseRotating)

		msg, err := e.codec.EncodeRotate(&protocol.Rotate{
			NewGeneration: s.ActiveGeneration() + 1,
		})
		if err != nil {
			return err
		}

		e.writeMu.Lock()
		defer e.writeMu.Unlock()

		if e.writeTimeout > 0 {
			_ = e.conn.SetWriteDeadline(time.Now().Add(e.writeTimeout))
		}
		if _, err := e.conn.Write(msg); err != nil {
			return qerrors.NewTransportError("rotate", err)
		}

		return e.rekey()
	}()

	if done != nil {
		done(err)
	}
	if err != nil {
		sendHandshakeAlert(e.conn, err)
		s.Abort()
		e.markClosed()
	}
	return err
}

// rekey re-runs the exchange under the handshake deadline. The caller
// holds writeMu so application sends queue behind the rotation.
func (e *Endpoint) rekey() error {
	if t := e.session.config.HandshakeTimeout; t > 0 {
		_ = e.conn.SetDeadline(time.Now().Add(t))
		defer func() { _ = e.conn.SetDeadline(time.Time{}) }()
	}
	return e.session.runRekey(e.conn, e.stashFrame)
}

// stashFrame queues data frames that arrive during a rekey for delivery
// once the exchange completes. A Rotate arriving mid-rekey is the peer's
// simultaneous announcement of the same rotation and is dropped; both
// sides are already exchanging, with roles fixed by the handshake.
func (e *Endpoint) stashFrame(msgType protocol.MessageType, msg []byte) bool {
	switch msgType {
	case protocol.MessageTypeSecureFrame:
		e.pendingMu.Lock()
		e.pending = append(e.pending, msg)
		e.pendingMu.Unlock()
		return true
	case protocol.MessageTypeRotate:
		return true
	}
	return false
}

func (e *Endpoint) nextPending() []byte {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if len(e.pending) == 0 {
		return nil
	}
	msg := e.pending[0]
	e.pending = e.pending[1:]
	return msg
}

// write sends raw bytes with the write deadline applied.
func (e *Endpoint) write(msg []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.writeTimeout > 0 {
		_ = e.conn.SetWriteDeadline(time.Now().Add(e.writeTimeout))
	}
	_, err := e.conn.Write(msg)
	return err
}

// sendAlert sends an alert message to the peer, best effort.
func (e *Endpoint) sendAlert(level protocol.AlertLevel, code protocol.AlertCode, desc string) {
	msg := e.codec.EncodeAlert(level, code, desc)

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	_ = e.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = e.conn.Write(msg)
}

func (e *Endpoint) checkClosed() error {
	e.closedMu.RLock()
	defer e.closedMu.RUnlock()
	if e.closed {
		return qerrors.ErrSessionClosed
	}
	return nil
}

func (e *Endpoint) markClosed() {
	e.closedMu.Lock()
	e.closed = true
	e.closedMu.Unlock()
}

func (e *Endpoint) recordProtocolError(err error) {
	if err == nil {
		return
	}
	if e.session.observer != nil && qerrors.IsProtocolError(err) {
		e.session.observer.OnProtocolError(err)
	}
}

// Close gracefully closes the endpoint: it notifies the peer, erases all
// key generations, and closes the underlying connection.
func (e *Endpoint) Close() error {
	e.closedMu.Lock()
	if e.closed {
		e.closedMu.Unlock()
		return nil
	}
	e.closed = true
	e.closedMu.Unlock()

	if e.session.Phase() == PhaseActive {
		_ = e.conn.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
		e.writeMu.Lock()
		_, _ = e.conn.Write(e.codec.EncodeClose())
		e.writeMu.Unlock()
	}

	e.session.Close()
	if e.session.observer != nil {
		e.session.observer.OnSessionEnd()
	}

	return e.conn.Close()
}

// Session returns the underlying session.
func (e *Endpoint) Session() *Session {
	return e.session
}

// LocalAddr returns the local network address.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (e *Endpoint) RemoteAddr() net.Addr {
	return e.conn.RemoteAddr()
}

// alertError represents an alert received from the peer.
type alertError struct {
	level protocol.AlertLevel
	code  protocol.AlertCode
	desc  string
}

func (e *alertError) Error() string {
	prefix := "alert (warning): "
	if e.level == protocol.AlertLevelFatal {
		prefix = "alert (fatal): "
	}

	if e.desc != "" {
		return prefix + e.desc
	}
	return fmt.Sprintf("%scode %d", prefix, e.code)
}

// --- Link (Convenience Wrapper) ---

// Link represents a complete QKD-Link secure channel.
type Link struct {
	*Endpoint
}

// Dial establishes a new link as initiator with default configuration.
func Dial(network, address string) (*Link, error) {
	return DialWithConfig(network, address, DefaultConfig())
}

// DialWithConfig establishes a new link with custom configuration.
func DialWithConfig(network, address string, config Config) (*Link, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, qerrors.NewTransportError("dial", err)
	}

	link, err := Establish(conn, RoleInitiator, config)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return link, nil
}

// Establish runs the handshake over an existing connection and wraps it
// in a Link. The connection is not closed on failure.
func Establish(conn net.Conn, role Role, config Config) (*Link, error) {
	sess, err := NewSession(role, config)
	if err != nil {
		return nil, err
	}

	if observer := observerFromConfig(config, sess); observer != nil {
		sess.SetObserver(observer)
		observer.OnSessionStart()
	}

	if err := runHandshake(sess, conn, config); err != nil {
		if sess.observer != nil {
			sess.observer.OnSessionFailed(err)
			sess.observer.OnSessionEnd()
		}
		sess.Abort()
		return nil, err
	}

	endpoint, err := NewEndpoint(sess, conn)
	if err != nil {
		if sess.observer != nil {
			sess.observer.OnSessionFailed(err)
			sess.observer.OnSessionEnd()
		}
		return nil, err
	}

	return &Link{Endpoint: endpoint}, nil
}

// runHandshake executes the role-appropriate handshake under the
// handshake deadline, with tracing and observer hooks.
func runHandshake(sess *Session, conn net.Conn, config Config) error {
	if config.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(config.HandshakeTimeout))
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}

	spanName := metrics.SpanHandshakeInitiator
	if sess.Role == RoleResponder {
		spanName = metrics.SpanHandshakeResponder
	}
	_, endSpan := sess.tracer.StartSpan(context.Background(), spanName)

	var done func(error)
	if sess.observer != nil {
		_, done = sess.observer.OnHandshakeStart(context.Background())
	}

	h := NewHandshake(sess)
	defer h.cleanup()

	started := nowFunc()
	var err error
	if sess.Role == RoleInitiator {
		err = h.runInitiator(conn)
	} else {
		err = h.runResponder(conn)
	}

	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			err = qerrors.ErrHandshakeTimeout
		}
		sendHandshakeAlert(conn, err)
	} else {
		sess.logger.Info("handshake complete", metrics.Fields{
			"qber":       sess.QBER(),
			"sifted":     sess.SiftedBits(),
			"suite":      sess.CipherSuite.String(),
			"elapsed_ms": nowFunc().Sub(started).Milliseconds(),
		})
	}

	endSpan(err)
	if done != nil {
		done(err)
	}
	return err
}

// sendHandshakeAlert maps a handshake failure to a fatal alert and sends
// it best effort before tearing down.
func sendHandshakeAlert(conn net.Conn, err error) {
	code := protocol.AlertCodeInternalError
	switch {
	case qerrors.Is(err, qerrors.ErrEavesdroppingSuspected):
		code = protocol.AlertCodeEavesdropping
	case qerrors.Is(err, qerrors.ErrAuthenticationFailed):
		code = protocol.AlertCodeAuthFailure
	case qerrors.Is(err, qerrors.ErrInsufficientKeyMaterial):
		code = protocol.AlertCodeInsufficientKey
	case qerrors.Is(err, qerrors.ErrUnsupportedVersion):
		code = protocol.AlertCodeUnsupportedVersion
	case qerrors.Is(err, qerrors.ErrHandshakeTimeout):
		return // Peer is gone or stalled; nothing to tell it
	}

	codec := protocol.NewCodec()
	msg := codec.EncodeAlert(protocol.AlertLevelFatal, code, err.Error())
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = conn.Write(msg)
}

// Listen creates a listener for incoming link connections.
func Listen(network, address string) (*Listener, error) {
	return ListenWithConfig(network, address, DefaultConfig())
}

// ListenWithConfig creates a listener with custom configuration.
func ListenWithConfig(network, address string, config Config) (*Listener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, qerrors.NewTransportError("listen", err)
	}
	return &Listener{listener: ln, config: config}, nil
}

// Listener accepts incoming link connections.
type Listener struct {
	listener net.Listener
	config   Config
}

// Accept waits for the next connection and runs the responder handshake.
func (l *Listener) Accept() (*Link, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		return nil, qerrors.NewTransportError("accept", err)
	}

	link, err := Establish(conn, RoleResponder, l.config)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return link, nil
}

// Close closes the listener.
func (l *Listener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// SetConfig sets the configuration for new connections.
func (l *Listener) SetConfig(config Config) {
	l.config = config
}
