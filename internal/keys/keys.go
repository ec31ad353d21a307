// Package keys manages the ed25519 keypairs that identify validators and miners
// and signs the requests they send each other.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var (
	ErrKeyNotFound = errors.New("key not found")
	ErrInvalidKey  = errors.New("invalid key")
	ErrKeyExists   = errors.New("key already exists")
)

var keyNameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// Keypair is a named ed25519 keypair. Its address is the hex public key.
type Keypair struct {
	Name    string
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

type keyFile struct {
	Name       string `yaml:"name"`
	PublicKey  string `yaml:"public_key"`
	PrivateKey string `yaml:"private_key"`
}

// Generate creates a fresh keypair.
func Generate(name string) (*Keypair, error) {
	if !keyNameRe.MatchString(name) {
		return nil, fmt.Errorf("%w: name %q", ErrInvalidKey, name)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Keypair{Name: name, Public: pub, private: priv}, nil
}

// FromSeed derives a keypair from a 32-byte seed. Deterministic; used in tests and tooling.
func FromSeed(name string, seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes", ErrInvalidKey, ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{Name: name, Public: priv.Public().(ed25519.PublicKey), private: priv}, nil
}

// Address returns the hex-encoded public key.
func (k *Keypair) Address() string {
	return hex.EncodeToString(k.Public)
}

// Sign signs msg with the private key.
func (k *Keypair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.private, msg)
}

func (k *Keypair) String() string {
	return fmt.Sprintf("<Keypair (name=%s, address=%s)>", k.Name, k.Address())
}

// Path returns the file a key named name is stored at under dir.
func Path(dir, name string) string {
	return filepath.Join(dir, name+".yaml")
}

// Save writes the keypair to dir/<name>.yaml with owner-only permissions.
// Refuses to overwrite an existing key.
func Save(dir string, k *Keypair) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	path := Path(dir, k.Name)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrKeyExists, path)
	}
	raw, err := yaml.Marshal(keyFile{
		Name:       k.Name,
		PublicKey:  hex.EncodeToString(k.Public),
		PrivateKey: hex.EncodeToString(k.private.Seed()),
	})
	if err != nil {
		return fmt.Errorf("encode key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}

// Load reads the key named name from dir.
func Load(dir, name string) (*Keypair, error) {
	if !keyNameRe.MatchString(name) {
		return nil, fmt.Errorf("%w: name %q", ErrInvalidKey, name)
	}
	raw, err := os.ReadFile(Path(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, name)
		}
		return nil, fmt.Errorf("read key: %w", err)
	}
	var kf keyFile
	if err := yaml.Unmarshal(raw, &kf); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidKey, name, err)
	}
	seed, err := hex.DecodeString(kf.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: private key: %v", ErrInvalidKey, err)
	}
	k, err := FromSeed(name, seed)
	if err != nil {
		return nil, err
	}
	if kf.PublicKey != "" && kf.PublicKey != k.Address() {
		return nil, fmt.Errorf("%w: public key does not match private key", ErrInvalidKey)
	}
	return k, nil
}

// ParseAddress decodes a hex address into a public key.
func ParseAddress(addr string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(addr)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: address %q", ErrInvalidKey, addr)
	}
	return ed25519.PublicKey(raw), nil
}
