package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pawcasso/pawcasso/internal/config"
	"github.com/pawcasso/pawcasso/internal/repository"
)

const testWebhookSecret = "whsec_test_secret"

func newTestService() *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Config{StripeWebhookSecret: testWebhookSecret}
	return NewService(cfg, logger, nil, nil, nil, nil)
}

// signPayload builds a Stripe-Signature header the way the vendor does:
// HMAC-SHA256 over "<timestamp>.<payload>".
func signPayload(secret string, payload []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	svc := newTestService()
	payload := []byte(`{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{}}}`)

	err := svc.HandleWebhook(context.Background(), payload, "t=1,v1=deadbeef")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestWebhookRejectsWrongSecret(t *testing.T) {
	svc := newTestService()
	payload := []byte(`{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{}}}`)
	header := signPayload("whsec_other_secret", payload, time.Now())

	err := svc.HandleWebhook(context.Background(), payload, header)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestWebhookAcknowledgesIgnoredEvents(t *testing.T) {
	svc := newTestService()
	payload := []byte(`{"id":"evt_2","object":"event","api_version":"2024-06-20","type":"payment_intent.created","data":{"object":{}}}`)
	header := signPayload(testWebhookSecret, payload, time.Now())

	assert.NoError(t, svc.HandleWebhook(context.Background(), payload, header))
}

// newMockService wires the service to a sqlmock database and captures its
// log output so tests can assert nothing failed after verification.
func newMockService(t *testing.T) (*Service, sqlmock.Sqlmock, *bytes.Buffer) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))
	cfg := config.Config{StripeWebhookSecret: testWebhookSecret}
	svc := NewService(cfg, logger,
		repository.NewPaymentRepository(db),
		repository.NewPortraitRepository(db),
		repository.NewLedgerRepository(db),
		repository.NewPackRepository(db),
	)
	return svc, mock, &logBuf
}

func paymentRow(status string, portraitID, packID any) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "client_id", "portrait_id", "pack_id", "provider", "provider_payment_charge_id",
		"currency", "amount", "status", "raw_payload", "created_at", "updated_at",
	}).AddRow(int64(41), "client-1", portraitID, packID, "stripe", "cs_test_once", "usd", 990, status, "{}", now, now)
}

func completedEvent(metadata string) []byte {
	return []byte(fmt.Sprintf(`{"id":"evt_once","object":"event","api_version":"2024-06-20","type":"checkout.session.completed","data":{"object":{"id":"cs_test_once","metadata":%s}}}`, metadata))
}

func TestWebhookCompletedPortraitGrantsOnce(t *testing.T) {
	svc, mock, logBuf := newMockService(t)
	payload := completedEvent(`{"client_id":"client-1","portrait_id":"b2a1c047-5f93-4c1e-9f3a-4ad25a9c0d11"}`)

	// First delivery: the pending row exists, so the portrait is marked paid,
	// the allowance bump lands, and the payment row flips to paid.
	mock.ExpectQuery("FROM payments WHERE provider").
		WithArgs("stripe", "cs_test_once").
		WillReturnRows(paymentRow("pending", "b2a1c047-5f93-4c1e-9f3a-4ad25a9c0d11", nil))
	mock.ExpectExec("UPDATE portraits SET paid = 1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO client_ledgers").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE payments SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Redelivery of the same event: only the lookup runs, nothing is granted
	// a second time.
	mock.ExpectQuery("FROM payments WHERE provider").
		WithArgs("stripe", "cs_test_once").
		WillReturnRows(paymentRow("paid", "b2a1c047-5f93-4c1e-9f3a-4ad25a9c0d11", nil))

	header := signPayload(testWebhookSecret, payload, time.Now())
	require.NoError(t, svc.HandleWebhook(context.Background(), payload, header))
	require.NoError(t, svc.HandleWebhook(context.Background(), payload, header))

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.NotContains(t, logBuf.String(), "webhook processing failed")
}

func TestWebhookCompletedPackRedeliveryGrantsNoCredits(t *testing.T) {
	svc, mock, logBuf := newMockService(t)
	payload := completedEvent(`{"client_id":"client-1","pack_id":"7"}`)

	// The payment row already says paid: the handler must stop at the lookup
	// without touching the pack catalog or the ledger.
	mock.ExpectQuery("FROM payments WHERE provider").
		WithArgs("stripe", "cs_test_once").
		WillReturnRows(paymentRow("paid", nil, int64(7)))

	header := signPayload(testWebhookSecret, payload, time.Now())
	require.NoError(t, svc.HandleWebhook(context.Background(), payload, header))

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.NotContains(t, logBuf.String(), "webhook processing failed")
}

func TestWebhookSwallowsProcessingFailures(t *testing.T) {
	svc := newTestService()
	// Completed session without a client_id fails after verification; the
	// caller must still acknowledge so the vendor does not retry forever.
	payload := []byte(`{"id":"evt_3","object":"event","api_version":"2024-06-20","type":"checkout.session.completed","data":{"object":{"id":"cs_test_1","metadata":{}}}}`)
	header := signPayload(testWebhookSecret, payload, time.Now())

	assert.NoError(t, svc.HandleWebhook(context.Background(), payload, header))
}
