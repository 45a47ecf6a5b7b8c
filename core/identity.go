package core

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	bls "github.com/herumi/bls-eth-go-binary/bls"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/pbkdf2"
)

// identity.go implements the node's Ed25519 keypair and its proof-of-work
// bound node ID: id = H(pubkey || nonce), searched until it carries at
// least the configured number of leading zero bits (mintIdentity's
// difficulty, from the config's PowDiff). This makes minting many distinct
// identities expensive, the way the teacher's block headers make minting
// many distinct proposers expensive.

const pbkdf2Iterations = 200_000

// PeerIdentity is a node's long-term Ed25519 keypair plus the PoW nonce that
// binds its public key to a node ID meeting the configured difficulty.
type PeerIdentity struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
	Nonce   uint64
	ID      [32]byte
}

type identityFile struct {
	Public    []byte `json:"public"`
	Private   []byte `json:"private"` // XChaCha20-Poly1305 sealed if passphrase set, raw otherwise
	Nonce     uint64 `json:"nonce"`
	Encrypted bool   `json:"encrypted"`
	Salt      []byte `json:"salt,omitempty"`
}

// String renders the node ID as base58, the conventional peer-ID encoding
// used throughout logs and the admin surface.
func (p *PeerIdentity) String() string {
	return base58.Encode(p.ID[:])
}

// Sign signs msg with the node's private key.
func (p *PeerIdentity) Sign(msg []byte) ([]byte, error) {
	return Sign(AlgoEd25519, p.private, msg)
}

// blsKey derives this identity's audit-quorum BLS12-381 key pair from its
// Ed25519 private key, so no separate key material needs to be minted,
// persisted, or rotated alongside the identity file. Not every 32-byte
// digest is a valid Fr scalar, so a counter byte is mixed in and the
// digest re-hashed until Deserialize accepts it; this is deterministic
// and converges in a couple of iterations on average.
func (p *PeerIdentity) blsKey() *bls.SecretKey {
	var sk bls.SecretKey
	for counter := byte(0); ; counter++ {
		h := sha256.New()
		h.Write([]byte("meshsearch-audit-bls"))
		h.Write(p.private)
		h.Write([]byte{counter})
		if err := sk.Deserialize(h.Sum(nil)); err == nil {
			return &sk
		}
	}
}

// BLSPublicKey returns the public half of this identity's derived
// audit-quorum BLS key.
func (p *PeerIdentity) BLSPublicKey() *bls.PublicKey {
	return p.blsKey().GetPublicKey()
}

// SignBLS signs msg with this identity's derived BLS key. Used to produce
// the per-auditor signature that audit.go aggregates into a quorum proof.
func (p *PeerIdentity) SignBLS(msg []byte) ([]byte, error) {
	return Sign(AlgoBLS, p.blsKey(), msg)
}

// idForPubKeyNonce computes H(pubkey || nonce).
func idForPubKeyNonce(pub ed25519.PublicKey, nonce uint64) [32]byte {
	buf := make([]byte, 0, len(pub)+8)
	buf = append(buf, pub...)
	buf = binary.LittleEndian.AppendUint64(buf, nonce)
	return sha256.Sum256(buf)
}

// leadingZeroBits counts leading zero bits in h.
func leadingZeroBits(h [32]byte) int {
	n := 0
	for _, b := range h {
		if b == 0 {
			n += 8
			continue
		}
		for mask := byte(0x80); mask != 0; mask >>= 1 {
			if b&mask != 0 {
				return n
			}
			n++
		}
	}
	return n
}

// mintIdentity generates a fresh Ed25519 keypair and searches for a nonce
// producing a node ID with at least difficulty leading zero bits.
func mintIdentity(difficulty int) (*PeerIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	var nonce uint64
	for {
		id := idForPubKeyNonce(pub, nonce)
		if leadingZeroBits(id) >= difficulty {
			return &PeerIdentity{Public: pub, private: priv, Nonce: nonce, ID: id}, nil
		}
		nonce++
	}
}

// LoadOrCreateIdentity loads an identity from keyPath, decrypting it with
// passphrase if the stored key is sealed, or mints a new one (persisted to
// keyPath) if no file exists. powDiff governs new-identity difficulty only;
// an existing identity's recorded nonce/difficulty is never re-validated
// against a changed config.
func LoadOrCreateIdentity(keyPath, passphrase string, powDiff int) (*PeerIdentity, error) {
	data, err := os.ReadFile(keyPath)
	if err == nil {
		return decodeIdentity(data, passphrase)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: read %s: %w", keyPath, err)
	}

	id, err := mintIdentity(powDiff)
	if err != nil {
		return nil, err
	}
	if err := persistIdentity(keyPath, id, passphrase); err != nil {
		return nil, err
	}
	return id, nil
}

func decodeIdentity(data []byte, passphrase string) (*PeerIdentity, error) {
	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("identity: decode: %w", err)
	}
	privBytes := f.Private
	if f.Encrypted {
		if passphrase == "" {
			return nil, NewError(Fatal, "identity.load", fmt.Errorf("key file is encrypted but no passphrase configured"))
		}
		key := pbkdf2.Key([]byte(passphrase), f.Salt, pbkdf2Iterations, 32, sha256.New)
		plain, err := Decrypt(key, privBytes, nil)
		if err != nil {
			return nil, NewError(Fatal, "identity.load", fmt.Errorf("decrypt key: %w", err))
		}
		privBytes = plain
	}
	if len(privBytes) != ed25519.PrivateKeySize || len(f.Public) != ed25519.PublicKeySize {
		return nil, NewError(Fatal, "identity.load", fmt.Errorf("malformed key file"))
	}
	id := idForPubKeyNonce(ed25519.PublicKey(f.Public), f.Nonce)
	return &PeerIdentity{
		Public:  ed25519.PublicKey(f.Public),
		private: ed25519.PrivateKey(privBytes),
		Nonce:   f.Nonce,
		ID:      id,
	}, nil
}

func persistIdentity(keyPath string, id *PeerIdentity, passphrase string) error {
	f := identityFile{
		Public: append([]byte(nil), id.Public...),
		Nonce:  id.Nonce,
	}
	if passphrase != "" {
		salt := make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("identity: salt: %w", err)
		}
		key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, 32, sha256.New)
		sealed, err := Encrypt(key, id.private, nil)
		if err != nil {
			return fmt.Errorf("identity: seal key: %w", err)
		}
		f.Private = sealed
		f.Salt = salt
		f.Encrypted = true
	} else {
		f.Private = append([]byte(nil), id.private...)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return fmt.Errorf("identity: mkdir: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("identity: encode: %w", err)
	}
	return os.WriteFile(keyPath, buf.Bytes(), 0o600)
}
