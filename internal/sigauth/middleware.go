package sigauth

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"marketrails/internal/domain"
)

const (
	HeaderSignature      = "X-Request-Signature"
	HeaderTimestamp      = "X-Request-Timestamp"
	HeaderIdempotencyKey = "X-Idempotency-Key"
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
)

type callerKey struct{}

// WithCaller attaches an authenticated caller to ctx.
func WithCaller(ctx context.Context, caller domain.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the caller recovered by the middleware.
func CallerFrom(ctx context.Context) (domain.Address, bool) {
	caller, ok := ctx.Value(callerKey{}).(domain.Address)
	return caller, ok
}

// Verifier authenticates requests signed with a secp256k1 key. The caller is
// whoever the signature recovers to; no claimed identity is trusted.
type Verifier struct {
	MaxSkew time.Duration
	Now     func() time.Time
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := v.verify(r)
		if err != nil {
			writeUnauthorized(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

func (v *Verifier) verify(r *http.Request) (domain.Address, error) {
	sigHeader := r.Header.Get(HeaderSignature)
	if sigHeader == "" {
		return domain.Address{}, ErrMissingSignature
	}
	tsHeader := r.Header.Get(HeaderTimestamp)
	if tsHeader == "" {
		return domain.Address{}, ErrMissingTimestamp
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return domain.Address{}, ErrMissingTimestamp
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	reqTime := time.Unix(ts, 0)
	if now.Sub(reqTime) > v.MaxSkew || reqTime.Sub(now) > v.MaxSkew {
		return domain.Address{}, ErrStaleTimestamp
	}

	body, err := readBody(r)
	if err != nil {
		return domain.Address{}, err
	}
	sig, err := hexutil.Decode(sigHeader)
	if err != nil || len(sig) != crypto.SignatureLength {
		return domain.Address{}, ErrInvalidSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest(tsHeader, r.Method, r.URL.Path, r.Header.Get(HeaderIdempotencyKey), body), sig)
	if err != nil {
		return domain.Address{}, ErrInvalidSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// digest is the personal-message hash of the canonical request string. The
// idempotency key is signed so a captured request cannot be replayed under a
// fresh key.
func digest(timestamp, method, path, idempotencyKey string, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(timestamp)
	buf.WriteByte('\n')
	buf.WriteString(strings.ToUpper(method))
	buf.WriteByte('\n')
	buf.WriteString(path)
	buf.WriteByte('\n')
	buf.WriteString(strings.TrimSpace(idempotencyKey))
	buf.WriteByte('\n')
	buf.Write(body)
	return accounts.TextHash(buf.Bytes())
}

// SignRequest sets the signature headers on req for key at time now. The
// idempotency key header, if any, must be set before signing. It is
// what clients and tests use to produce requests the Verifier accepts.
func SignRequest(req *http.Request, key *ecdsa.PrivateKey, now time.Time) error {
	body, err := readBody(req)
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(now.Unix(), 10)
	sig, err := crypto.Sign(digest(ts, req.Method, req.URL.Path, req.Header.Get(HeaderIdempotencyKey), body), key)
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, hexutil.Encode(sig))
	return nil
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   domain.ErrUnauthorized.Error(),
		"message": err.Error(),
	})
}
