package data

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"

	"github.com/joe-zxh/shardbft/config"
)

// Auth is the authentication collaborator. Tokens are opaque byte
// blobs to everything but the implementation.
type Auth interface {
	// Verify checks that token authenticates payload.
	Verify(payload, token []byte) bool
	// Sign produces a token over digest.
	Sign(digest []byte) ([]byte, error)
}

// ECDSAAuth signs with this replica's private key and verifies against
// the configured public keys. A token embeds the signer's id so that
// verification needs no out-of-band sender information.
type ECDSAAuth struct {
	ID   config.ReplicaID
	Priv *ecdsa.PrivateKey
	Pubs map[config.ReplicaID]*ecdsa.PublicKey
}

func NewECDSAAuth(conf *config.ReplicaConfig) *ECDSAAuth {
	pubs := make(map[config.ReplicaID]*ecdsa.PublicKey, len(conf.Replicas))
	for id, r := range conf.Replicas {
		pubs[id] = r.PubKey
	}
	return &ECDSAAuth{ID: conf.ID, Priv: conf.PrivateKey, Pubs: pubs}
}

func (a *ECDSAAuth) Sign(digest []byte) ([]byte, error) {
	hash := sha512.Sum512(digest)
	r, s, err := ecdsa.Sign(rand.Reader, a.Priv, hash[:])
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	rb, sb := r.Bytes(), s.Bytes()
	token := make([]byte, 6+len(rb)+len(sb))
	binary.LittleEndian.PutUint32(token[0:4], uint32(a.ID))
	binary.LittleEndian.PutUint16(token[4:6], uint16(len(rb)))
	copy(token[6:], rb)
	copy(token[6+len(rb):], sb)
	return token, nil
}

func (a *ECDSAAuth) Verify(payload, token []byte) bool {
	if len(token) < 6 {
		return false
	}
	signer := config.ReplicaID(binary.LittleEndian.Uint32(token[0:4]))
	rlen := int(binary.LittleEndian.Uint16(token[4:6]))
	if len(token) < 6+rlen {
		return false
	}
	pub, ok := a.Pubs[signer]
	if !ok || pub == nil {
		return false
	}
	var r, s big.Int
	r.SetBytes(token[6 : 6+rlen])
	s.SetBytes(token[6+rlen:])
	hash := sha512.Sum512(payload)
	return ecdsa.Verify(pub, hash[:], &r, &s)
}

// GeneratePrivateKey returns a new P-256 key.
func GeneratePrivateKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// ReadPrivateKeyFile reads a PEM encoded private key from the file at path.
func ReadPrivateKeyFile(path string) (*ecdsa.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	blk, _ := pem.Decode(b)
	if blk == nil || blk.Type != "EC PRIVATE KEY" {
		return nil, fmt.Errorf("%s: no EC PRIVATE KEY block", path)
	}
	return x509.ParseECPrivateKey(blk.Bytes)
}

// ReadPublicKeyFile reads a PEM encoded public key from the file at path.
func ReadPublicKeyFile(path string) (*ecdsa.PublicKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	blk, _ := pem.Decode(b)
	if blk == nil || blk.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("%s: no PUBLIC KEY block", path)
	}
	key, err := x509.ParsePKIXPublicKey(blk.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%s: key is not ecdsa", path)
	}
	return pub, nil
}
