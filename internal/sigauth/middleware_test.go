package sigauth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"marketrails/internal/domain"
)

func serve(t *testing.T, v *Verifier, req *http.Request) (*httptest.ResponseRecorder, domain.Address, bool) {
	t.Helper()
	var (
		caller domain.Address
		called bool
	)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, called = CallerFrom(r.Context())
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	})
	rec := httptest.NewRecorder()
	v.Middleware(handler).ServeHTTP(rec, req)
	return rec, caller, called
}

func TestMiddleware_RecoversSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	body := `{"name":"Camera","price":"100"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/listings", strings.NewReader(body))
	if err := SignRequest(req, key, now); err != nil {
		t.Fatalf("sign: %v", err)
	}

	v := &Verifier{MaxSkew: time.Minute, Now: func() time.Time { return now }}
	rec, caller, called := serve(t, v, req)

	if !called {
		t.Fatalf("handler was not called, status %d: %s", rec.Code, rec.Body.String())
	}
	if want := crypto.PubkeyToAddress(key.PublicKey); caller != want {
		t.Fatalf("expected caller %s, got %s", want.Hex(), caller.Hex())
	}
	if rec.Body.String() != body {
		t.Fatalf("body was not restored for the handler: %q", rec.Body.String())
	}
}

func TestMiddleware_TamperedBodyYieldsOtherCaller(t *testing.T) {
	key, _ := crypto.GenerateKey()
	now := time.Unix(1_700_000_000, 0)
	req := httptest.NewRequest(http.MethodPost, "/v1/listings/1/cancel", strings.NewReader(`{}`))
	if err := SignRequest(req, key, now); err != nil {
		t.Fatalf("sign: %v", err)
	}
	forged := httptest.NewRequest(http.MethodPost, "/v1/listings/2/cancel", strings.NewReader(`{}`))
	forged.Header = req.Header.Clone()

	v := &Verifier{MaxSkew: time.Minute, Now: func() time.Time { return now }}
	_, caller, called := serve(t, v, forged)
	if called && caller == crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("forged request authenticated as the original signer")
	}
}

func TestMiddleware_RejectsMissingAndStale(t *testing.T) {
	key, _ := crypto.GenerateKey()
	now := time.Unix(1_700_000_000, 0)
	v := &Verifier{MaxSkew: time.Minute, Now: func() time.Time { return now }}

	unsigned := httptest.NewRequest(http.MethodPost, "/v1/listings", strings.NewReader(`{}`))
	rec, _, called := serve(t, v, unsigned)
	if called || rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unsigned request, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"Unauthorized"`) {
		t.Fatalf("expected Unauthorized kind in body, got %s", rec.Body.String())
	}

	stale := httptest.NewRequest(http.MethodPost, "/v1/listings", strings.NewReader(`{}`))
	if err := SignRequest(stale, key, now.Add(-2*time.Minute)); err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec, _, called = serve(t, v, stale)
	if called || rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for stale request, got %d", rec.Code)
	}

	garbage := httptest.NewRequest(http.MethodPost, "/v1/listings", strings.NewReader(`{}`))
	garbage.Header.Set(HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
	garbage.Header.Set(HeaderSignature, "0xdeadbeef")
	rec, _, called = serve(t, v, garbage)
	if called || rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for malformed signature, got %d", rec.Code)
	}
}

func TestMiddleware_IdempotencyKeyIsSigned(t *testing.T) {
	key, _ := crypto.GenerateKey()
	now := time.Unix(1_700_000_000, 0)
	body := `{"name":"Camera","price":"100"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/listings", strings.NewReader(body))
	req.Header.Set(HeaderIdempotencyKey, "first")
	if err := SignRequest(req, key, now); err != nil {
		t.Fatalf("sign: %v", err)
	}

	v := &Verifier{MaxSkew: time.Minute, Now: func() time.Time { return now }}
	signer := crypto.PubkeyToAddress(key.PublicKey)
	if _, caller, called := serve(t, v, req); !called || caller != signer {
		t.Fatalf("signed request did not authenticate as its signer")
	}

	replay := httptest.NewRequest(http.MethodPost, "/v1/listings", strings.NewReader(body))
	replay.Header = req.Header.Clone()
	replay.Header.Set(HeaderIdempotencyKey, "second")
	if _, caller, called := serve(t, v, replay); called && caller == signer {
		t.Fatalf("request replayed under a fresh idempotency key authenticated as the signer")
	}
}
