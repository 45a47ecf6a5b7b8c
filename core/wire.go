package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// wire.go implements the canonical signed envelope used for every DHT STORE
// and gossip payload. Layout and field widths are fixed so peers on any
// implementation can parse and verify the same bytes:
//
//	magic(4) || ver(1) || peer_id(32) || nonce(u64 LE) || timestamp_ms(u64 LE)
//	|| payload_len(u32 LE) || payload || sig(64)
//
// payload := tag(1) || body, tag identifies the record kind (PayloadTag*).

var wireMagic = [4]byte{0x49, 0x4D, 0x53, 0x48} // "IMSH"

const wireVersion = 1

// Hard caps enforced while decoding, independent of any STORE validator
// policy — these exist purely to stop a malformed or hostile peer from
// forcing unbounded allocation.
const (
	MaxEnvelopeBytes = 1 << 20 // 1 MiB
	MaxArrayElements = 10_000
	MaxMapElements   = 1_000
)

type PayloadTag byte

const (
	TagKeywordPointer      PayloadTag = 0x10
	TagContentAttestation  PayloadTag = 0x20
	TagCrawlLock           PayloadTag = 0x30
	TagCrawlLockRelease    PayloadTag = 0x31
	TagTakedown            PayloadTag = 0x40
	TagDeletion            PayloadTag = 0x41
	TagAuditReport         PayloadTag = 0x50
	TagCreditLedgerRoot    PayloadTag = 0x60
)

// Envelope is the decoded wire message: identity, freshness, and
// replay-protection metadata wrapping a tagged payload.
type Envelope struct {
	PeerID    [32]byte
	Nonce     uint64
	TimestampMs int64
	Tag       PayloadTag
	Body      []byte
	Sig       [64]byte
}

const envelopeFixedLen = 4 + 1 + 32 + 8 + 8 + 4 // up to and including payload_len
const sigLen = 64

// signedPortion returns magic..payload, the byte range the signature covers.
func (e *Envelope) signedPortion() []byte {
	payload := append([]byte{byte(e.Tag)}, e.Body...)
	buf := make([]byte, 0, envelopeFixedLen+len(payload))
	buf = append(buf, wireMagic[:]...)
	buf = append(buf, wireVersion)
	buf = append(buf, e.PeerID[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, e.Nonce)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.TimestampMs))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	return buf
}

// Encode serializes the envelope, signing it with sign if non-nil (sign
// receives signedPortion() and returns a 64-byte Ed25519 signature);
// otherwise the envelope's existing Sig field is used as-is.
func (e *Envelope) Encode(sign func([]byte) ([]byte, error)) ([]byte, error) {
	signed := e.signedPortion()
	sig := e.Sig[:]
	if sign != nil {
		s, err := sign(signed)
		if err != nil {
			return nil, fmt.Errorf("wire: sign envelope: %w", err)
		}
		if len(s) != sigLen {
			return nil, fmt.Errorf("wire: signature must be %d bytes, got %d", sigLen, len(s))
		}
		sig = s
	}
	out := make([]byte, 0, len(signed)+sigLen)
	out = append(out, signed...)
	out = append(out, sig...)
	return out, nil
}

// DecodeEnvelope parses raw wire bytes, enforcing the magic/version and size
// caps before touching any length-prefixed field.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	if len(raw) > MaxEnvelopeBytes {
		return nil, NewError(InputRejected, "wire.decode", fmt.Errorf("envelope %d bytes exceeds cap %d", len(raw), MaxEnvelopeBytes))
	}
	if len(raw) < envelopeFixedLen+1+sigLen {
		return nil, NewError(ProtocolViolation, "wire.decode", fmt.Errorf("envelope too short: %d bytes", len(raw)))
	}
	if !bytes.Equal(raw[0:4], wireMagic[:]) {
		return nil, NewError(ProtocolViolation, "wire.decode", fmt.Errorf("bad magic"))
	}
	if raw[4] != wireVersion {
		return nil, NewError(ProtocolViolation, "wire.decode", fmt.Errorf("unsupported version %d", raw[4]))
	}
	off := 5
	var e Envelope
	copy(e.PeerID[:], raw[off:off+32])
	off += 32
	e.Nonce = binary.LittleEndian.Uint64(raw[off : off+8])
	off += 8
	e.TimestampMs = int64(binary.LittleEndian.Uint64(raw[off : off+8]))
	off += 8
	payloadLen := binary.LittleEndian.Uint32(raw[off : off+4])
	off += 4
	if int(payloadLen) > MaxEnvelopeBytes {
		return nil, NewError(InputRejected, "wire.decode", fmt.Errorf("payload_len %d exceeds cap", payloadLen))
	}
	if off+int(payloadLen)+sigLen != len(raw) {
		return nil, NewError(ProtocolViolation, "wire.decode", fmt.Errorf("length mismatch: declared payload %d, remaining %d", payloadLen, len(raw)-off-sigLen))
	}
	if payloadLen < 1 {
		return nil, NewError(ProtocolViolation, "wire.decode", fmt.Errorf("empty payload"))
	}
	e.Tag = PayloadTag(raw[off])
	e.Body = append([]byte(nil), raw[off+1:off+int(payloadLen)]...)
	off += int(payloadLen)
	copy(e.Sig[:], raw[off:off+sigLen])
	return &e, nil
}

// Verify checks the envelope's signature against pub (an ed25519.PublicKey).
func (e *Envelope) Verify(pub interface{}) (bool, error) {
	return Verify(AlgoEd25519, pub, e.signedPortion(), e.Sig[:])
}
