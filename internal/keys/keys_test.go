package keys

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"
)

func testSeed(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	k, err := Generate("validator-1")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if err := Save(dir, k); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	info, err := os.Stat(Path(dir, "validator-1"))
	if err != nil {
		t.Fatalf("stat key: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("key file perm = %o, want 600", perm)
	}

	loaded, err := Load(dir, "validator-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Address() != k.Address() {
		t.Errorf("Address() = %s, want %s", loaded.Address(), k.Address())
	}

	if err := Save(dir, k); !errors.Is(err, ErrKeyExists) {
		t.Errorf("second Save() error = %v, want ErrKeyExists", err)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir, "missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Load(missing) error = %v, want ErrKeyNotFound", err)
	}
	if _, err := Load(dir, "../etc/passwd"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Load(traversal) error = %v, want ErrInvalidKey", err)
	}
	if err := os.WriteFile(Path(dir, "broken"), []byte("private_key: zz\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir, "broken"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Load(broken) error = %v, want ErrInvalidKey", err)
	}
}

func TestSignVerify(t *testing.T) {
	k, err := FromSeed("miner", testSeed(7))
	if err != nil {
		t.Fatalf("FromSeed() error = %v", err)
	}
	other, _ := FromSeed("other", testSeed(8))
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"category":"crypto","pair":"BTCUSDT","timestamp":1700003600}`)

	newReq := func(signer *Keypair, signedBody []byte, at time.Time) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/method/generate", bytes.NewReader(body))
		SignRequest(req, signer, signedBody, at)
		return req
	}

	tests := []struct {
		name    string
		req     *http.Request
		maxSkew time.Duration
		wantErr error
	}{
		{"valid", newReq(k, body, now), time.Minute, nil},
		{"tampered body", newReq(k, []byte("{}"), now), time.Minute, ErrBadSignature},
		{"stale", newReq(k, body, now.Add(-2*time.Minute)), time.Minute, ErrStaleTimestamp},
		{"future", newReq(k, body, now.Add(2*time.Minute)), time.Minute, ErrStaleTimestamp},
		{"skew disabled", newReq(k, body, now.Add(-time.Hour)), 0, nil},
		{"missing headers", httptest.NewRequest(http.MethodPost, "/", nil), time.Minute, ErrMissingSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := VerifyRequest(tt.req, body, tt.maxSkew, now)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("VerifyRequest() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("VerifyRequest() error = %v", err)
			}
			if addr != k.Address() {
				t.Errorf("VerifyRequest() addr = %s, want %s", addr, k.Address())
			}
		})
	}

	forged := newReq(k, body, now)
	forged.Header.Set(HeaderKey, other.Address())
	if _, err := VerifyRequest(forged, body, time.Minute, now); !errors.Is(err, ErrBadSignature) {
		t.Errorf("VerifyRequest(forged key) error = %v, want ErrBadSignature", err)
	}
}

func TestVerifyRequest_BoundToMethodAndPath(t *testing.T) {
	k, _ := FromSeed("validator", testSeed(9))
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"uids":[1],"weights":[800]}`)

	signed := httptest.NewRequest(http.MethodPost, "/subnets/1/weights", bytes.NewReader(body))
	SignRequest(signed, k, body, now)

	tests := []struct {
		name   string
		method string
		target string
	}{
		{"other path", http.MethodPost, "/subnets/1/modules"},
		{"other netuid", http.MethodPost, "/subnets/2/weights"},
		{"other method", http.MethodPut, "/subnets/1/weights"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			replay := httptest.NewRequest(tt.method, tt.target, bytes.NewReader(body))
			replay.Header = signed.Header.Clone()
			if _, err := VerifyRequest(replay, body, time.Minute, now); !errors.Is(err, ErrBadSignature) {
				t.Errorf("VerifyRequest(%s %s) error = %v, want ErrBadSignature", tt.method, tt.target, err)
			}
		})
	}

	if _, err := VerifyRequest(signed, body, time.Minute, now); err != nil {
		t.Errorf("VerifyRequest(original) error = %v", err)
	}
}
