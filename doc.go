// Package qkdlink provides a secure channel built on simulated quantum key
// distribution (BB84) combined with classical authenticated encryption.
//
// QKD-Link runs the BB84 protocol over a simulated quantum channel, detects
// eavesdropping through the quantum bit error rate (QBER), authenticates the
// exchange with ML-DSA-65 post-quantum signatures, and derives a hybrid
// 256-bit session key from three independent sources: the sifted quantum
// bits, classical handshake entropy, and an ML-KEM-1024 encapsulated secret.
//
// # Quick Start
//
// For a complete secure channel with handshake:
//
//	import "github.com/qshield-labs/qkdlink/pkg/session"
//
//	// Responder
//	listener, _ := session.Listen("tcp", ":9418")
//	link, _ := listener.Accept()
//	data, _ := link.Receive()
//
//	// Initiator
//	link, _ := session.Dial("tcp", "localhost:9418")
//	link.Send([]byte("Hello!"))
//
// For the low-level QKD primitives:
//
//	import "github.com/qshield-labs/qkdlink/pkg/qkd"
//
//	sim := qkd.NewSimulator()
//	sent, _ := sim.Generate(2048)
//	recv, _ := sim.Transmit(sent, 0.0)
//	key, _ := qkd.Sift(sent.Bases, recv.Bases, sent.Bits)
//
// # Package Structure
//
//   - pkg/qkd: BB84 simulator, basis sifting, QBER estimation
//   - pkg/crypto: SHAKE-256 hybrid key derivation, AEAD, ML-KEM, ML-DSA
//   - pkg/keyring: session key generations with mandatory erasure
//   - pkg/channel: authenticated frame encryption with replay protection
//   - pkg/protocol: wire message definitions and binary codec
//   - pkg/session: the handshake/rotation state machine and endpoint API
//   - pkg/metrics: structured logging and tracing hooks
//   - internal/constants: security parameters and protocol constants
//   - internal/errors: custom error types for detailed error handling
//
// # Security Properties
//
//   - Eavesdropping detection: handshake aborts when QBER exceeds the BB84
//     security bound (default threshold 0.11)
//   - Hybrid guarantee: the session key is secure if EITHER the quantum
//     exchange OR ML-KEM-1024 resists the adversary
//   - Post-quantum authentication: ML-DSA-65 over the handshake transcript
//   - Authenticated encryption: AES-256-GCM or ChaCha20-Poly1305
//   - Forward secrecy: key rotation by time or volume, with verified erasure
//     of superseded generations
//   - Replay protection: per-generation sliding window over sequence numbers
//
// # References
//
//   - Bennett, Brassard (1984): Quantum cryptography: public key distribution
//     and coin tossing
//   - NIST FIPS 203: Module-Lattice-Based Key-Encapsulation Mechanism Standard
//   - NIST FIPS 204: Module-Lattice-Based Digital Signature Standard
//   - NIST FIPS 202: SHA-3 Standard (SHAKE-256)
package qkdlink
