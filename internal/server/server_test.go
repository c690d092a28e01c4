package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veilchat/veilchat/internal/testutil"
	"github.com/veilchat/veilchat/pkg/billing"
	"github.com/veilchat/veilchat/pkg/broadcast"
	"github.com/veilchat/veilchat/pkg/config"
	"github.com/veilchat/veilchat/pkg/llm/llmtest"
	"github.com/veilchat/veilchat/pkg/model"
	"github.com/veilchat/veilchat/pkg/ratelimit"
	"github.com/veilchat/veilchat/pkg/stream"
)

type serverEnv struct {
	*testutil.Env
	srv    *Server
	router http.Handler
}

func newServerEnv(t *testing.T, mutate func(*config.Config)) *serverEnv {
	t.Helper()
	env := testutil.NewEnv(t)
	cfg := &config.Config{DevMode: true}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	if mutate != nil {
		mutate(cfg)
	}

	pricing := billing.NewPricing(testutil.TestModelTable(), cfg.ProviderFeePct, true)
	engine := billing.NewEngine(env.Store, env.Wallets, pricing, billing.NewMemoryReservations(), env.MaxNegative, 5*time.Minute)
	streams := stream.NewService(env.Store, env.Clock, engine, env.Epochs, &llmtest.Echo{}, env.Pub,
		time.Minute, 10*time.Second, 0)
	shares := stream.NewShares(env.Store, env.Clock)
	srv := New(cfg, env.Store, env.Members, env.Epochs, env.Wallets, streams, shares,
		broadcast.NewRegistry(), ratelimit.NewMemoryLimiter(cfg.GuestRateLimit, cfg.GuestRateWindow), TokenAuthenticator{})
	return &serverEnv{Env: env, srv: srv, router: srv.Router()}
}

func (e *serverEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	env := newServerEnv(t, nil)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz returned %d", rec.Code)
	}
}

func TestErrorEnvelope(t *testing.T) {
	env := newServerEnv(t, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/wallets", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("not an error envelope: %v", err)
	}
	if body.Code != "not-authenticated" || body.Message == "" {
		t.Fatalf("unexpected envelope %+v", body)
	}
}

func TestTokenAuthenticator(t *testing.T) {
	auth := TokenAuthenticator{}
	ctx := context.Background()

	acct := testutil.NewEnv(t).NewAccount("alice", decimal.Zero)
	id, err := auth.Account(ctx, "acct:"+acct.ID.String())
	if err != nil || id != acct.ID {
		t.Fatalf("account token rejected: %v", err)
	}
	if _, err := auth.Account(ctx, "garbage"); err == nil {
		t.Fatalf("malformed account token accepted")
	}

	convID, linkID, err := auth.Link(ctx, "link:"+acct.ID.String()+":"+acct.ID.String())
	if err != nil || convID != acct.ID || linkID != acct.ID {
		t.Fatalf("link token rejected: %v", err)
	}
	if _, _, err := auth.Link(ctx, "link:only-one-part"); err == nil {
		t.Fatalf("malformed link token accepted")
	}
}

func TestVerifyWebhookSignature(t *testing.T) {
	body := []byte(`{"type":"payment.confirmed","id":"tx-1"}`)
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write(body)
	good := hex.EncodeToString(mac.Sum(nil))

	if !verifyWebhookSignature(body, good, "secret") {
		t.Fatalf("valid signature rejected")
	}
	if verifyWebhookSignature(body, "deadbeef", "secret") {
		t.Fatalf("invalid signature accepted")
	}
	if !verifyWebhookSignature(body, "", "") {
		t.Fatalf("empty secret must disable verification")
	}
}

func TestPaymentWebhookConfirms(t *testing.T) {
	env := newServerEnv(t, nil)
	acct := env.NewAccount("alice", decimal.Zero)
	ctx := context.Background()

	if _, err := env.Wallets.RecordPayment(ctx, acct.ID, "tx-42", decimal.RequireFromString("5.00")); err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}

	body := []byte(`{"type":"payment.confirmed","id":"tx-42"}`)
	rec := env.do(httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook returned %d: %s", rec.Code, rec.Body)
	}

	total, _ := env.Wallets.TotalBalance(ctx, acct.ID)
	want := decimal.RequireFromString("5.00").Add(env.FreeAllowance)
	if !total.Equal(want) {
		t.Fatalf("deposit not credited: %s", total)
	}
}

func TestPaymentWebhookRefunds(t *testing.T) {
	env := newServerEnv(t, nil)
	acct := env.NewAccount("alice", decimal.Zero)
	ctx := context.Background()

	if _, err := env.Wallets.RecordPayment(ctx, acct.ID, "tx-43", decimal.RequireFromString("5.00")); err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}
	if err := env.Wallets.ConfirmDeposit(ctx, "tx-43"); err != nil {
		t.Fatalf("ConfirmDeposit: %v", err)
	}

	body := []byte(`{"type":"payment.refunded","id":"tx-43"}`)
	rec := env.do(httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook returned %d: %s", rec.Code, rec.Body)
	}

	total, _ := env.Wallets.TotalBalance(ctx, acct.ID)
	if !total.Equal(env.FreeAllowance) {
		t.Fatalf("deposit not reversed: %s", total)
	}
}

func TestPaymentWebhookRejectsBadSignature(t *testing.T) {
	env := newServerEnv(t, func(c *config.Config) { c.WebhookSecret = "secret" })

	body := []byte(`{"type":"payment.confirmed","id":"tx-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Signature", "deadbeef")
	rec := env.do(req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestPaymentWebhookUnknownReturns500(t *testing.T) {
	env := newServerEnv(t, nil)

	// Never registered: after the retry window the processor must see a
	// failure so it redelivers.
	body := []byte(`{"type":"payment.confirmed","id":"tx-unknown"}`)
	rec := env.do(httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body)))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestPaymentWebhookIgnoresOtherEvents(t *testing.T) {
	env := newServerEnv(t, nil)
	body := []byte(`{"type":"payment.created","id":"tx-1"}`)
	rec := env.do(httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("unhandled event types are acknowledged, got %d", rec.Code)
	}
}

func TestRotationRequiresWritePrivilege(t *testing.T) {
	env := newServerEnv(t, nil)
	owner := env.NewAccount("alice", decimal.Zero)
	reader := env.NewAccount("bob", decimal.Zero)
	conv, created := env.NewConversation(owner)
	env.AddMember(owner, conv, reader, created.PrivateKey, model.PrivilegeRead)

	body, err := json.Marshal(map[string]any{
		"conversationId":    conv.ID,
		"expectedEpoch":     conv.CurrentEpoch,
		"newEpochPublicKey": []byte{1},
		"confirmationHash":  []byte{2},
		"memberWraps":       []map[string]any{{"memberPublicKey": []byte{3}, "wrap": []byte{4}}},
		"chainLink":         []byte{5},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	mk := func(acct *testutil.Principal) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/rotation", bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer acct:"+acct.ID.String())
		return req
	}

	rec := env.do(mk(reader))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("read member rotated the epoch: %d %s", rec.Code, rec.Body.String())
	}
	var envlp struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envlp); err != nil {
		t.Fatalf("not an error envelope: %v", err)
	}
	if envlp.Code != "privilege-insufficient" {
		t.Fatalf("expected privilege-insufficient, got %q", envlp.Code)
	}

	// The owner clears the privilege gate; the bogus wrap set is then
	// rejected on its own terms.
	rec = env.do(mk(owner))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected wrap-set validation, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestGuestRateLimit(t *testing.T) {
	env := newServerEnv(t, func(c *config.Config) { c.GuestRateLimit = 1 })

	token := "link:" + fmt.Sprintf("%s:%s", "11111111-1111-1111-1111-111111111111", "22222222-2222-2222-2222-222222222222")
	mk := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/message", bytes.NewReader([]byte(`{}`)))
		req.Header.Set("Authorization", "Bearer "+token)
		req.RemoteAddr = "10.0.0.1:1234"
		return req
	}

	first := env.do(mk())
	if first.Code == http.StatusTooManyRequests {
		t.Fatalf("first guest request already limited")
	}
	second := env.do(mk())
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}

	// Account sessions are never guest-limited.
	acct := env.NewAccount("alice", decimal.Zero)
	req := httptest.NewRequest(http.MethodPost, "/message", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Authorization", "Bearer acct:"+acct.ID.String())
	req.RemoteAddr = "10.0.0.1:1234"
	if rec := env.do(req); rec.Code == http.StatusTooManyRequests {
		t.Fatalf("account session hit the guest limit")
	}
}
