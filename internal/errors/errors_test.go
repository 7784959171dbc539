package errors

import (
	stderrors "errors"
	"net"
	"strings"
	"testing"
)

func TestCryptoError(t *testing.T) {
	err := NewCryptoError("DeriveHybridKey", ErrInsufficientEntropy)

	if !stderrors.Is(err, ErrInsufficientEntropy) {
		t.Error("CryptoError does not unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "DeriveHybridKey") {
		t.Errorf("message missing operation: %v", err)
	}

	var ce *CryptoError
	if !stderrors.As(err, &ce) {
		t.Fatal("errors.As failed for CryptoError")
	}
	if ce.Op != "DeriveHybridKey" {
		t.Errorf("op: got %q", ce.Op)
	}
}

func TestProtocolError(t *testing.T) {
	err := NewProtocolError("qber-check", ErrEavesdroppingSuspected)

	if !stderrors.Is(err, ErrEavesdroppingSuspected) {
		t.Error("ProtocolError does not unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "qber-check") {
		t.Errorf("message missing phase: %v", err)
	}
	if !IsProtocolError(err) {
		t.Error("IsProtocolError failed for a direct ProtocolError")
	}
	if IsProtocolError(ErrInvalidState) {
		t.Error("IsProtocolError matched a bare sentinel")
	}
}

func TestNewTransportError(t *testing.T) {
	cause := &net.OpError{Op: "read", Err: stderrors.New("connection reset")}
	err := NewTransportError("receive", cause)

	if !stderrors.Is(err, ErrTransport) {
		t.Error("transport error does not match ErrTransport")
	}

	// The original cause must stay reachable for timeout inspection.
	var opErr *net.OpError
	if !stderrors.As(err, &opErr) {
		t.Error("underlying net error lost in wrapping")
	}
	if !strings.Contains(err.Error(), "receive") {
		t.Errorf("message missing phase: %v", err)
	}
}

func TestIsAndAsWrappers(t *testing.T) {
	wrapped := NewProtocolError("auth", ErrAuthenticationFailed)

	if !Is(wrapped, ErrAuthenticationFailed) {
		t.Error("Is wrapper failed")
	}

	var pe *ProtocolError
	if !As(wrapped, &pe) {
		t.Error("As wrapper failed")
	}
	if pe.Phase != "auth" {
		t.Errorf("phase: got %q", pe.Phase)
	}
}
