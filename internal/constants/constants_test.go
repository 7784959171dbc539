package constants

import (
	"strings"
	"testing"
)

// TestCipherSuiteString tests String method for CipherSuite.
func TestCipherSuiteString(t *testing.T) {
	tests := []struct {
		suite CipherSuite
		want  string
	}{
		{CipherSuiteAES256GCM, "AES-256-GCM"},
		{CipherSuiteChaCha20Poly1305, "ChaCha20-Poly1305"},
		{CipherSuite(0x9999), "Unknown"},
	}

	for _, tt := range tests {
		got := tt.suite.String()
		if got != tt.want {
			t.Errorf("CipherSuite(%d).String() = %q, want %q", tt.suite, got, tt.want)
		}
	}
}

// TestCipherSuiteIsSupported tests IsSupported method for CipherSuite.
func TestCipherSuiteIsSupported(t *testing.T) {
	tests := []struct {
		suite CipherSuite
		want  bool
	}{
		{CipherSuiteAES256GCM, true},
		{CipherSuiteChaCha20Poly1305, true},
		{CipherSuite(0x0000), false},
		{CipherSuite(0xFFFF), false},
	}

	for _, tt := range tests {
		got := tt.suite.IsSupported()
		if got != tt.want {
			t.Errorf("CipherSuite(%d).IsSupported() = %v, want %v", tt.suite, got, tt.want)
		}
	}
}

// TestConstants verifies the values the protocol depends on.
func TestConstants(t *testing.T) {
	t.Run("PostQuantumSizes", testPostQuantumSizes)
	t.Run("SymmetricParameters", testSymmetricParameters)
	t.Run("ExchangeParameters", testExchangeParameters)
	t.Run("MessageLimits", testMessageLimits)
	t.Run("DomainSeparators", testDomainSeparators)
}

func testPostQuantumSizes(t *testing.T) {
	tests := []struct {
		name string
		got  int
		want int
	}{
		{"MLKEMPublicKeySize", MLKEMPublicKeySize, 1568},
		{"MLKEMCiphertextSize", MLKEMCiphertextSize, 1568},
		{"MLKEMSharedSecretSize", MLKEMSharedSecretSize, 32},
		{"MLDSAPublicKeySize", MLDSAPublicKeySize, 1952},
		{"MLDSASignatureSize", MLDSASignatureSize, 3309},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, tt.got, tt.want)
		}
	}
}

func testSymmetricParameters(t *testing.T) {
	if SessionKeySize != 32 {
		t.Errorf("SessionKeySize = %d, want 32", SessionKeySize)
	}
	if AEADNonceSize != 12 {
		t.Errorf("AEADNonceSize = %d, want 12", AEADNonceSize)
	}
	if AEADTagSize != 16 {
		t.Errorf("AEADTagSize = %d, want 16", AEADTagSize)
	}
	// Nonce layout: 4-byte generation plus 8-byte sequence.
	if AEADNonceSize != 4+8 {
		t.Error("nonce size does not fit the generation||sequence layout")
	}
}

func testExchangeParameters(t *testing.T) {
	if DefaultQBERThreshold != 0.11 {
		t.Errorf("DefaultQBERThreshold = %v, want 0.11", DefaultQBERThreshold)
	}
	if DefaultSampleFraction <= 0 || DefaultSampleFraction >= 1 {
		t.Errorf("DefaultSampleFraction = %v, want in (0, 1)", DefaultSampleFraction)
	}
	if QuantumBurstSize > MaxBurstSize {
		t.Error("default burst exceeds the accepted maximum")
	}
	// A default burst must comfortably clear the sifted minimum: about
	// half survives sifting and the sample fraction is removed on top.
	burst := float64(QuantumBurstSize)
	expected := int(burst / 2 * (1 - DefaultSampleFraction))
	if expected < MinSiftedBits {
		t.Errorf("expected sifted yield %d below MinSiftedBits %d", expected, MinSiftedBits)
	}
}

func testMessageLimits(t *testing.T) {
	// A full quantum burst (packed bits and bases plus header fields) must
	// fit in a single message.
	burstPayload := 2 + HandshakeRandomSize + 4 + (MaxBurstSize+7)/8 + (MaxBurstSize+3)/4
	if burstPayload > MaxMessageSize {
		t.Errorf("maximum burst payload %d exceeds MaxMessageSize %d", burstPayload, MaxMessageSize)
	}

	// A maximum application frame with AEAD overhead must also fit.
	framePayload := MinFrameSize + MaxPayloadSize
	if framePayload > MaxMessageSize {
		t.Errorf("maximum frame payload %d exceeds MaxMessageSize %d", framePayload, MaxMessageSize)
	}
}

func testDomainSeparators(t *testing.T) {
	separators := []string{
		DomainSeparatorHybridKey,
		DomainSeparatorAuth,
		DomainSeparatorRotation,
	}

	seen := make(map[string]bool)
	for _, sep := range separators {
		if !strings.HasPrefix(sep, ProtocolName) {
			t.Errorf("separator %q not bound to the protocol name", sep)
		}
		if seen[sep] {
			t.Errorf("duplicate domain separator %q", sep)
		}
		seen[sep] = true
	}
}
