package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pawcasso/pawcasso/internal/config"
	"github.com/pawcasso/pawcasso/internal/ledger"
	"github.com/pawcasso/pawcasso/internal/models"
	"github.com/pawcasso/pawcasso/internal/payments"
	"github.com/pawcasso/pawcasso/internal/ratelimit"
	"github.com/pawcasso/pawcasso/internal/service"
	"github.com/pawcasso/pawcasso/internal/session"
)

type memLedgers struct {
	mu      sync.Mutex
	ledgers map[string]ledger.Ledger
}

func newMemLedgers() *memLedgers {
	return &memLedgers{ledgers: map[string]ledger.Ledger{}}
}

func (m *memLedgers) Load(_ context.Context, clientID string) (ledger.Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledgers[clientID], nil
}

func (m *memLedgers) Save(_ context.Context, clientID string, l ledger.Ledger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledgers[clientID] = l
	return nil
}

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (g *fakeGenerator) Generate(_ context.Context, _ string, _ session.GenerateInput) (*session.GenerateOutput, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	return &session.GenerateOutput{
		AttemptID:  uuid.NewString(),
		PreviewURL: "https://cdn.example.com/previews/pet.png",
	}, nil
}

type fakeCheckout struct{}

func (fakeCheckout) StartPortraitCheckout(_ context.Context, _, _, _ string) (string, error) {
	return "https://pay.example.com/session", nil
}

type fakePortraits struct {
	mu        sync.Mutex
	lookups   int
	portrait  *models.Portrait
	urlErr    error
	signedURL string
}

func (f *fakePortraits) Get(_ context.Context, id string) (*models.Portrait, error) {
	f.mu.Lock()
	f.lookups++
	f.mu.Unlock()
	if f.portrait == nil || f.portrait.ID != id {
		return nil, service.ErrPortraitNotFound
	}
	return f.portrait, nil
}

func (f *fakePortraits) DownloadURL(_ context.Context, _, _ string) (string, error) {
	if f.urlErr != nil {
		return "", f.urlErr
	}
	return f.signedURL, nil
}

func (f *fakePortraits) lookupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

type fakePacks struct {
	packs []models.CreditPack
}

func (f *fakePacks) List(_ context.Context) ([]models.CreditPack, error) {
	return f.packs, nil
}

type fakePromos struct {
	credits int
	err     error
}

func (f *fakePromos) Redeem(_ context.Context, _, _ string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.credits, nil
}

type fakePayments struct {
	webhookErr error
	packURL    string
	packErr    error
}

func (f *fakePayments) StartPackCheckout(_ context.Context, _ string, _ int64, _ string) (string, error) {
	if f.packErr != nil {
		return "", f.packErr
	}
	return f.packURL, nil
}

func (f *fakePayments) HandleWebhook(_ context.Context, _ []byte, _ string) error {
	return f.webhookErr
}

type testEnv struct {
	server    *Server
	handler   http.Handler
	gen       *fakeGenerator
	portraits *fakePortraits
	promos    *fakePromos
	payments  *fakePayments
	ledgers   *memLedgers
}

func newTestEnv(t *testing.T, rateLimit int) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Config{
		MaxUploadBytes: 1 << 20,
		ResultTTL:      15 * time.Minute,
	}
	ledgers := newMemLedgers()
	gen := &fakeGenerator{}
	rules := ledger.DefaultRules()
	sessions := session.NewStore(gen, fakeCheckout{}, ledgers, rules, cfg.ResultTTL)
	portraits := &fakePortraits{signedURL: "https://s3.example.com/signed"}
	promos := &fakePromos{credits: 3}
	pay := &fakePayments{packURL: "https://pay.example.com/pack"}
	limiter := ratelimit.New(rateLimit, time.Minute)

	srv := New(cfg, logger, sessions, portraits, &fakePacks{}, promos, pay, ledgers, limiter, rules)
	return &testEnv{
		server:    srv,
		handler:   srv.Routes(),
		gen:       gen,
		portraits: portraits,
		promos:    promos,
		payments:  pay,
		ledgers:   ledgers,
	}
}

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.SetNRGBA(0, 0, color.NRGBA{R: 200, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartUpload(t *testing.T, photo []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("photo", "pet.png")
	require.NoError(t, err)
	_, err = fw.Write(photo)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func doGenerate(t *testing.T, env *testEnv, clientID string) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartUpload(t, tinyPNG(t), map[string]string{
		"pet_name":   "Biscuit",
		"pet_gender": "male",
		"style":      "baroque",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/generate", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Client-ID", clientID)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func TestGenerateHappyPath(t *testing.T) {
	env := newTestEnv(t, 100)
	clientID := uuid.NewString()

	rec := doGenerate(t, env, clientID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp attemptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.AttemptID)
	assert.Equal(t, "https://cdn.example.com/previews/pet.png", resp.PreviewURL)
	assert.False(t, resp.IsRetry)

	led, err := env.ledgers.Load(context.Background(), clientID)
	require.NoError(t, err)
	assert.Equal(t, 1, led.FreeGenerationsUsed)
}

func TestGenerateRejectsBadStyle(t *testing.T) {
	env := newTestEnv(t, 100)
	body, contentType := multipartUpload(t, tinyPNG(t), map[string]string{
		"pet_name":   "Biscuit",
		"pet_gender": "male",
		"style":      "cubist",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/generate", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Client-ID", uuid.NewString())
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, env.gen.calls)
}

func TestGenerateQuotaExhausted(t *testing.T) {
	env := newTestEnv(t, 100)
	clientID := uuid.NewString()
	require.NoError(t, env.ledgers.Save(context.Background(), clientID, ledger.Ledger{FreeGenerationsUsed: 2}))

	rec := doGenerate(t, env, clientID)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, 0, env.gen.calls)
}

func TestGenerateWhileBusyConflicts(t *testing.T) {
	env := newTestEnv(t, 100)
	clientID := uuid.NewString()

	rec := doGenerate(t, env, clientID)
	require.Equal(t, http.StatusOK, rec.Code)

	// A second upload without a reset finds the machine no longer Idle.
	rec = doGenerate(t, env, clientID)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSessionResetRecovers(t *testing.T) {
	env := newTestEnv(t, 100)
	clientID := uuid.NewString()

	require.Equal(t, http.StatusOK, doGenerate(t, env, clientID).Code)

	req := httptest.NewRequest(http.MethodPost, "/api/session/reset", nil)
	req.Header.Set("X-Client-ID", clientID)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "idle", snap.State)

	assert.Equal(t, http.StatusOK, doGenerate(t, env, clientID).Code)
}

func TestPortraitLookupRejectsNonUUID(t *testing.T) {
	env := newTestEnv(t, 100)

	for _, id := range []string{"123", "not-a-uuid-at-all-but-36-chars-long!", strings.Repeat("a", 36)} {
		req := httptest.NewRequest(http.MethodGet, "/api/portraits/"+id, nil)
		req.Header.Set("X-Client-ID", uuid.NewString())
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, id)
	}
	assert.Equal(t, 0, env.portraits.lookupCount(), "invalid ids must not reach storage")
}

func TestPortraitHidesDownloadUntilPaid(t *testing.T) {
	env := newTestEnv(t, 100)
	id := uuid.NewString()
	env.portraits.portrait = &models.Portrait{
		ID:         id,
		PetName:    "Biscuit",
		Style:      models.StyleBaroque,
		PreviewURL: "https://cdn.example.com/previews/pet.png",
	}

	req := httptest.NewRequest(http.MethodGet, "/api/portraits/"+id, nil)
	req.Header.Set("X-Client-ID", uuid.NewString())
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotContains(t, resp, "download_path")

	env.portraits.portrait.Paid = true
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "/api/portraits/"+id+"/download", resp["download_path"])
}

func TestDownloadStatusMapping(t *testing.T) {
	env := newTestEnv(t, 100)
	id := uuid.NewString()

	env.portraits.urlErr = service.ErrNotPaid
	req := httptest.NewRequest(http.MethodGet, "/api/portraits/"+id+"/download", nil)
	req.Header.Set("X-Client-ID", uuid.NewString())
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	env.portraits.urlErr = service.ErrPortraitNotFound
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env.portraits.urlErr = nil
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://s3.example.com/signed", rec.Header().Get("Location"))
}

func TestCheckoutPortraitFlow(t *testing.T) {
	env := newTestEnv(t, 100)
	clientID := uuid.NewString()
	require.Equal(t, http.StatusOK, doGenerate(t, env, clientID).Code)

	req := httptest.NewRequest(http.MethodPost, "/api/purchase", nil)
	req.Header.Set("X-Client-ID", clientID)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	payload := `{"email":"owner@example.com","target":"portrait"}`
	req = httptest.NewRequest(http.MethodPost, "/api/checkout", strings.NewReader(payload))
	req.Header.Set("X-Client-ID", clientID)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "https://pay.example.com/session", resp["checkout_url"])
}

func TestCheckoutRejectsInvalidEmail(t *testing.T) {
	env := newTestEnv(t, 100)
	clientID := uuid.NewString()
	require.Equal(t, http.StatusOK, doGenerate(t, env, clientID).Code)

	req := httptest.NewRequest(http.MethodPost, "/api/purchase", nil)
	req.Header.Set("X-Client-ID", clientID)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	payload := `{"email":"not-an-email","target":"portrait"}`
	req = httptest.NewRequest(http.MethodPost, "/api/checkout", strings.NewReader(payload))
	req.Header.Set("X-Client-ID", clientID)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckoutPackRequiresValidEmail(t *testing.T) {
	env := newTestEnv(t, 100)

	payload := `{"email":"nope","target":"pack","pack_id":1}`
	req := httptest.NewRequest(http.MethodPost, "/api/checkout", strings.NewReader(payload))
	req.Header.Set("X-Client-ID", uuid.NewString())
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookInvalidSignature(t *testing.T) {
	env := newTestEnv(t, 100)
	env.payments.webhookErr = fmt.Errorf("%w: bad mac", payments.ErrInvalidSignature)

	req := httptest.NewRequest(http.MethodPost, "/webhook/stripe", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPromoRedeemStatusMapping(t *testing.T) {
	env := newTestEnv(t, 100)

	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{service.ErrPromoNotFound, http.StatusNotFound},
		{service.ErrPromoExhausted, http.StatusGone},
		{service.ErrPromoAlreadyUsed, http.StatusConflict},
	}
	for _, tc := range cases {
		env.promos.err = tc.err
		req := httptest.NewRequest(http.MethodPost, "/api/promo/redeem", strings.NewReader(`{"code":"ROYAL"}`))
		req.Header.Set("X-Client-ID", uuid.NewString())
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		assert.Equal(t, tc.want, rec.Code)
	}
}

func TestRateLimitTrips(t *testing.T) {
	env := newTestEnv(t, 2)
	clientID := uuid.NewString()

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
		req.Header.Set("X-Client-ID", clientID)
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.Header.Set("X-Client-ID", clientID)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestClientCookieMintedWhenMissing(t *testing.T) {
	env := newTestEnv(t, 100)

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, clientCookieName, cookies[0].Name)
	assert.NoError(t, uuid.Validate(cookies[0].Value))
}

func TestUploadTooLarge(t *testing.T) {
	env := newTestEnv(t, 100)
	env.server.cfg.MaxUploadBytes = 128

	rec := doGenerate(t, env, uuid.NewString())
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
