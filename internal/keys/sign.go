package keys

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Signature headers set on every signed request.
const (
	HeaderKey       = "X-Key"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

var (
	ErrMissingSignature = errors.New("missing signature headers")
	ErrBadSignature     = errors.New("bad signature")
	ErrStaleTimestamp   = errors.New("timestamp outside allowed skew")
)

// signedMessage is "METHOD path\ntimestamp\nbody", so a signature cannot be replayed
// against another endpoint.
func signedMessage(method, path string, ts int64, body []byte) []byte {
	msg := make([]byte, 0, len(method)+len(path)+len(body)+24)
	msg = append(msg, method...)
	msg = append(msg, ' ')
	msg = append(msg, path...)
	msg = append(msg, '\n')
	msg = strconv.AppendInt(msg, ts, 10)
	msg = append(msg, '\n')
	return append(msg, body...)
}

func requestPath(req *http.Request) string {
	if req.URL == nil || req.URL.Path == "" {
		return "/"
	}
	return req.URL.Path
}

// SignRequest sets the signature headers on req for its method, path and body at time now.
func SignRequest(req *http.Request, k *Keypair, body []byte, now time.Time) {
	ts := now.Unix()
	req.Header.Set(HeaderKey, k.Address())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, hex.EncodeToString(k.Sign(signedMessage(req.Method, requestPath(req), ts, body))))
}

// VerifyRequest checks the signature headers of r against its method, path and body
// and returns the signer address. maxSkew <= 0 disables the timestamp freshness check.
func VerifyRequest(r *http.Request, body []byte, maxSkew time.Duration, now time.Time) (string, error) {
	h := r.Header
	addr := h.Get(HeaderKey)
	tsRaw := h.Get(HeaderTimestamp)
	sigRaw := h.Get(HeaderSignature)
	if addr == "" || tsRaw == "" || sigRaw == "" {
		return "", ErrMissingSignature
	}
	pub, err := ParseAddress(addr)
	if err != nil {
		return "", err
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: timestamp %q", ErrBadSignature, tsRaw)
	}
	if maxSkew > 0 {
		skew := now.Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > maxSkew {
			return "", fmt.Errorf("%w: %s", ErrStaleTimestamp, skew)
		}
	}
	sig, err := hex.DecodeString(sigRaw)
	if err != nil {
		return "", fmt.Errorf("%w: encoding", ErrBadSignature)
	}
	if !ed25519.Verify(pub, signedMessage(r.Method, requestPath(r), ts, body), sig) {
		return "", ErrBadSignature
	}
	return addr, nil
}
