package session_test

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/qshield-labs/qkdlink/internal/constants"
	qerrors "github.com/qshield-labs/qkdlink/internal/errors"
	"github.com/qshield-labs/qkdlink/pkg/crypto"
	"github.com/qshield-labs/qkdlink/pkg/metrics"
	"github.com/qshield-labs/qkdlink/pkg/session"
)

// testConfig returns a config tuned for fast handshakes in tests.
func testConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.KeyLengthBits = 2048
	cfg.HandshakeTimeout = 10 * time.Second
	cfg.WriteTimeout = 5 * time.Second
	cfg.Logger = metrics.NullLogger()
	return cfg
}

// establishPair runs both handshake roles over a TCP loopback connection.
func establishPair(t *testing.T, initCfg, respCfg session.Config) (*session.Link, *session.Link, error, error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	var (
		responder *session.Link
		respErr   error
		wg        sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn, err := ln.Accept()
		if err != nil {
			respErr = err
			return
		}
		responder, respErr = session.Establish(conn, session.RoleResponder, respCfg)
		if respErr != nil {
			conn.Close()
		}
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	initiator, initErr := session.Establish(conn, session.RoleInitiator, initCfg)
	if initErr != nil {
		conn.Close()
	}

	wg.Wait()
	return initiator, responder, initErr, respErr
}

// --- Handshake Tests ---

func TestHandshakeNoiselessChannel(t *testing.T) {
	initiator, responder, initErr, respErr := establishPair(t, testConfig(), testConfig())
	if initErr != nil {
		t.Fatalf("initiator handshake failed: %v", initErr)
	}
	if respErr != nil {
		t.Fatalf("responder handshake failed: %v", respErr)
	}
	defer initiator.Close()
	defer responder.Close()

	for _, link := range []*session.Link{initiator, responder} {
		sess := link.Session()
		if sess.Phase() != session.PhaseActive {
			t.Errorf("%s phase: got %v, want Active", sess.Role, sess.Phase())
		}
		if sess.QBER() != 0 {
			t.Errorf("%s QBER on noiseless channel: got %v, want 0", sess.Role, sess.QBER())
		}
		if sess.SiftedBits() < testConfig().MinSiftedBits {
			t.Errorf("%s sifted bits: got %d, want >= %d", sess.Role, sess.SiftedBits(), testConfig().MinSiftedBits)
		}
		if sess.ActiveGeneration() != 1 {
			t.Errorf("%s generation: got %d, want 1", sess.Role, sess.ActiveGeneration())
		}
	}

	// Each side must have learned the other's verification key.
	initID, err := initiator.Session().Identity()
	if err != nil {
		t.Fatalf("Identity failed: %v", err)
	}
	respID, err := responder.Session().Identity()
	if err != nil {
		t.Fatalf("Identity failed: %v", err)
	}
	if !bytes.Equal(initiator.Session().PeerIdentity(), respID) {
		t.Error("initiator holds the wrong peer identity")
	}
	if !bytes.Equal(responder.Session().PeerIdentity(), initID) {
		t.Error("responder holds the wrong peer identity")
	}
}

func TestPayloadRoundtrip(t *testing.T) {
	initiator, responder, initErr, respErr := establishPair(t, testConfig(), testConfig())
	if initErr != nil || respErr != nil {
		t.Fatalf("handshake failed: init=%v resp=%v", initErr, respErr)
	}
	defer initiator.Close()
	defer responder.Close()

	// Responder echoes everything back.
	done := make(chan error, 1)
	go func() {
		for {
			data, err := responder.Receive()
			if err != nil {
				if errors.Is(err, qerrors.ErrSessionClosed) {
					done <- nil
				} else {
					done <- err
				}
				return
			}
			if err := responder.Send(data); err != nil {
				done <- err
				return
			}
		}
	}()

	payloads := [][]byte{
		[]byte("hello over the quantum-derived channel"),
		[]byte(""),
		{0x7f},
		crypto.MustSecureRandomBytes(1024),
		[]byte("ünïcode пример 量子鍵"),
		crypto.MustSecureRandomBytes(constants.MaxPayloadSize),
	}
	for i, payload := range payloads {
		if err := initiator.Send(payload); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
		echo, err := initiator.Receive()
		if err != nil {
			t.Fatalf("Receive %d failed: %v", i, err)
		}
		if !bytes.Equal(echo, payload) {
			t.Errorf("payload %d corrupted in transit", i)
		}
	}

	initiator.Close()
	if err := <-done; err != nil {
		t.Errorf("responder loop ended with error: %v", err)
	}
}

func TestIdleSessionOutlivesWriteTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.WriteTimeout = 300 * time.Millisecond

	initiator, responder, initErr, respErr := establishPair(t, cfg, cfg)
	if initErr != nil || respErr != nil {
		t.Fatalf("handshake failed: init=%v resp=%v", initErr, respErr)
	}
	defer initiator.Close()
	defer responder.Close()

	// The responder blocks in Receive while the initiator stays quiet for
	// well past the write timeout. A healthy idle session must not fail.
	type result struct {
		data []byte
		err  error
	}
	got := make(chan result, 1)
	go func() {
		data, err := responder.Receive()
		got <- result{data, err}
	}()

	time.Sleep(600 * time.Millisecond)
	if err := initiator.Send([]byte("still here")); err != nil {
		t.Fatalf("Send after idle period failed: %v", err)
	}

	r := <-got
	if r.err != nil {
		t.Fatalf("Receive on idle session failed: %v", r.err)
	}
	if !bytes.Equal(r.data, []byte("still here")) {
		t.Error("payload corrupted after idle period")
	}
}

func TestEavesdropperDetected(t *testing.T) {
	var (
		captured  *session.Session
		collector = metrics.NewCollector()
	)

	respCfg := testConfig()
	respCfg.ChannelErrorRate = 0.3

	initCfg := testConfig()
	initCfg.ObserverFactory = func(s *session.Session) session.Observer {
		captured = s
		return session.NewCollectorObserver(collector)
	}

	initiator, responder, initErr, respErr := establishPair(t, initCfg, respCfg)
	if initiator != nil || responder != nil {
		t.Fatal("link established despite a 30% error rate")
	}

	// A 0.3 error rate against a 0.11 threshold must abort on both ends.
	if !errors.Is(initErr, qerrors.ErrEavesdroppingSuspected) {
		t.Errorf("initiator error: got %v, want ErrEavesdroppingSuspected", initErr)
	}
	if !errors.Is(respErr, qerrors.ErrEavesdroppingSuspected) {
		t.Errorf("responder error: got %v, want ErrEavesdroppingSuspected", respErr)
	}

	if captured == nil {
		t.Fatal("observer factory never ran")
	}
	if captured.Phase() != session.PhaseAborted {
		t.Errorf("initiator phase: got %v, want Aborted", captured.Phase())
	}
	if captured.QBER() <= 0.11 {
		t.Errorf("recorded QBER: got %v, want above the threshold", captured.QBER())
	}

	snap := collector.Snapshot()
	if snap.QberAborts != 1 {
		t.Errorf("qber aborts: got %d, want 1", snap.QberAborts)
	}
	if snap.SessionsFailed != 1 {
		t.Errorf("failed sessions: got %d, want 1", snap.SessionsFailed)
	}
}

func TestExpectedPeerMismatch(t *testing.T) {
	// Pin the initiator to an identity the responder does not hold.
	stranger, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	strangerID, err := stranger.PublicBytes()
	if err != nil {
		t.Fatalf("PublicBytes failed: %v", err)
	}

	initCfg := testConfig()
	initCfg.ExpectedPeer = strangerID

	initiator, responder, initErr, respErr := establishPair(t, initCfg, testConfig())
	if initiator != nil {
		t.Fatal("initiator accepted an unpinned peer")
	}
	if !errors.Is(initErr, qerrors.ErrAuthenticationFailed) {
		t.Errorf("initiator error: got %v, want ErrAuthenticationFailed", initErr)
	}

	// The responder finished its handshake before the initiator's verdict;
	// its first read must surface the fatal alert.
	if respErr != nil {
		t.Fatalf("responder handshake failed early: %v", respErr)
	}
	defer responder.Close()
	if _, err := responder.Receive(); err == nil {
		t.Error("responder Receive succeeded after peer abort")
	}
}

func TestHandshakeTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	// Accept and then stay silent.
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(2 * time.Second)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	cfg := testConfig()
	cfg.HandshakeTimeout = 200 * time.Millisecond

	_, err = session.Establish(conn, session.RoleInitiator, cfg)
	if !errors.Is(err, qerrors.ErrHandshakeTimeout) {
		t.Errorf("got %v, want ErrHandshakeTimeout", err)
	}
}

// --- Rotation Tests ---

func TestKeyRotation(t *testing.T) {
	initCfg := testConfig()
	initCfg.RotationByteLimit = 16

	respCfg := testConfig()
	respCfg.RotationByteLimit = 16

	initiator, responder, initErr, respErr := establishPair(t, initCfg, respCfg)
	if initErr != nil || respErr != nil {
		t.Fatalf("handshake failed: init=%v resp=%v", initErr, respErr)
	}
	defer initiator.Close()
	defer responder.Close()

	// Every 32-byte payload exceeds the byte limit, so each send drags a
	// full re-exchange behind it. The responder must keep receiving: the
	// sender blocks until the peer works through the rotation.
	payloads := make([][]byte, 3)
	for i := range payloads {
		payloads[i] = crypto.MustSecureRandomBytes(32)
	}

	received := make(chan []byte, len(payloads))
	recvDone := make(chan error, 1)
	go func() {
		for {
			data, err := responder.Receive()
			if err != nil {
				if errors.Is(err, qerrors.ErrSessionClosed) {
					recvDone <- nil
				} else {
					recvDone <- err
				}
				return
			}
			received <- data
		}
	}()

	for i, payload := range payloads {
		if err := initiator.Send(payload); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	for i, want := range payloads {
		select {
		case got := <-received:
			if !bytes.Equal(got, want) {
				t.Errorf("payload %d corrupted across rotation", i)
			}
		case err := <-recvDone:
			t.Fatalf("responder stopped after %d payloads: %v", i, err)
		}
	}

	if gen := initiator.Session().ActiveGeneration(); gen < 2 {
		t.Errorf("initiator generation: got %d, want >= 2", gen)
	}
	if gen := responder.Session().ActiveGeneration(); gen < 2 {
		t.Errorf("responder generation: got %d, want >= 2", gen)
	}

	initiator.Close()
	if err := <-recvDone; err != nil {
		t.Errorf("responder loop ended with error: %v", err)
	}
}

func TestResponderDrivenRotation(t *testing.T) {
	// Only the responder's volume limit fires; its own send path must
	// still announce and drive the rotation.
	respCfg := testConfig()
	respCfg.RotationByteLimit = 16

	initiator, responder, initErr, respErr := establishPair(t, testConfig(), respCfg)
	if initErr != nil || respErr != nil {
		t.Fatalf("handshake failed: init=%v resp=%v", initErr, respErr)
	}
	defer initiator.Close()
	defer responder.Close()

	payloads := make([][]byte, 3)
	for i := range payloads {
		payloads[i] = crypto.MustSecureRandomBytes(32)
	}

	received := make(chan []byte, len(payloads))
	recvDone := make(chan error, 1)
	go func() {
		for {
			data, err := initiator.Receive()
			if err != nil {
				if errors.Is(err, qerrors.ErrSessionClosed) {
					recvDone <- nil
				} else {
					recvDone <- err
				}
				return
			}
			received <- data
		}
	}()

	for i, payload := range payloads {
		if err := responder.Send(payload); err != nil {
			t.Fatalf("responder Send %d failed: %v", i, err)
		}
	}

	for i, want := range payloads {
		select {
		case got := <-received:
			if !bytes.Equal(got, want) {
				t.Errorf("payload %d corrupted across rotation", i)
			}
		case err := <-recvDone:
			t.Fatalf("initiator stopped after %d payloads: %v", i, err)
		}
	}

	if gen := responder.Session().ActiveGeneration(); gen < 2 {
		t.Errorf("responder generation: got %d, want >= 2", gen)
	}
	if gen := initiator.Session().ActiveGeneration(); gen < 2 {
		t.Errorf("initiator generation: got %d, want >= 2", gen)
	}

	responder.Close()
	if err := <-recvDone; err != nil {
		t.Errorf("initiator loop ended with error: %v", err)
	}
}

// --- Teardown Tests ---

func TestGracefulClose(t *testing.T) {
	initiator, responder, initErr, respErr := establishPair(t, testConfig(), testConfig())
	if initErr != nil || respErr != nil {
		t.Fatalf("handshake failed: init=%v resp=%v", initErr, respErr)
	}
	defer responder.Close()

	if err := initiator.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := responder.Receive(); !errors.Is(err, qerrors.ErrSessionClosed) {
		t.Errorf("responder Receive after close: got %v, want ErrSessionClosed", err)
	}

	if err := initiator.Send([]byte("late")); !errors.Is(err, qerrors.ErrSessionClosed) {
		t.Errorf("Send after close: got %v, want ErrSessionClosed", err)
	}
	if initiator.Session().Phase() != session.PhaseClosed {
		t.Errorf("phase after close: got %v, want Closed", initiator.Session().Phase())
	}

	// Close is idempotent.
	if err := initiator.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

// --- Listener / Dial Tests ---

func TestListenerAndDial(t *testing.T) {
	cfg := testConfig()

	ln, err := session.ListenWithConfig("tcp", "127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("ListenWithConfig failed: %v", err)
	}
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		link, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer link.Close()

		data, err := link.Receive()
		if err != nil {
			done <- err
			return
		}
		done <- link.Send(data)
	}()

	link, err := session.DialWithConfig("tcp", ln.Addr().String(), cfg)
	if err != nil {
		t.Fatalf("DialWithConfig failed: %v", err)
	}
	defer link.Close()

	msg := []byte("dialed and echoed")
	if err := link.Send(msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	echo, err := link.Receive()
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if !bytes.Equal(echo, msg) {
		t.Error("echo mismatch")
	}

	if err := <-done; err != nil {
		t.Errorf("server side failed: %v", err)
	}
}

// --- Config Tests ---

func TestConfigValidate(t *testing.T) {
	valid := testConfig()
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*session.Config)
	}{
		{"zero key length", func(c *session.Config) { c.KeyLengthBits = 0 }},
		{"threshold too high", func(c *session.Config) { c.QBERThreshold = 1 }},
		{"threshold zero", func(c *session.Config) { c.QBERThreshold = 0 }},
		{"sample fraction zero", func(c *session.Config) { c.SampleFraction = 0 }},
		{"sample fraction too high", func(c *session.Config) { c.SampleFraction = 1.5 }},
		{"negative error rate", func(c *session.Config) { c.ChannelErrorRate = -0.1 }},
		{"unsupported suite", func(c *session.Config) { c.CipherSuite = 0x9999 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation to fail")
			}
		})
	}
}

func TestNewSessionGeneratesEphemeralIdentity(t *testing.T) {
	sess, err := session.NewSession(session.RoleInitiator, testConfig())
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer sess.Close()

	id, err := sess.Identity()
	if err != nil {
		t.Fatalf("Identity failed: %v", err)
	}
	if len(id) == 0 {
		t.Error("expected a generated identity")
	}
	if sess.Phase() != session.PhaseInit {
		t.Errorf("fresh session phase: got %v, want Init", sess.Phase())
	}
}
