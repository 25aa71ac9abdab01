package service

import (
	"context"
	"io"
	"log/slog"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pawcasso/pawcasso/internal/repository"
)

func newPromoTestService(t *testing.T, bonusCredits int) (*PromoService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewPromoService(logger, repository.NewPromoRepository(db), repository.NewLedgerRepository(db), bonusCredits)
	return svc, mock
}

func TestRedeemGrantsCreditsInsideTransaction(t *testing.T) {
	svc, mock := newPromoTestService(t, 5)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, max_uses, uses FROM promo_codes").
		WithArgs("WELCOME5").
		WillReturnRows(sqlmock.NewRows([]string{"id", "max_uses", "uses"}).AddRow(int64(3), 10, 2))
	mock.ExpectExec("INSERT INTO promo_redemptions").
		WithArgs("client-1", int64(3)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE promo_codes SET uses").
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// The grant must land before the commit so a crash in between cannot
	// burn the redemption without its credits.
	mock.ExpectExec("INSERT INTO client_ledgers").
		WithArgs("client-1", 0, 0, 5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	credits, err := svc.Redeem(context.Background(), "client-1", "welcome5")
	require.NoError(t, err)
	assert.Equal(t, 5, credits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedeemRollsBackWhenGrantFails(t *testing.T) {
	svc, mock := newPromoTestService(t, 5)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, max_uses, uses FROM promo_codes").
		WithArgs("WELCOME5").
		WillReturnRows(sqlmock.NewRows([]string{"id", "max_uses", "uses"}).AddRow(int64(3), 10, 2))
	mock.ExpectExec("INSERT INTO promo_redemptions").
		WithArgs("client-1", int64(3)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE promo_codes SET uses").
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO client_ledgers").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := svc.Redeem(context.Background(), "client-1", "WELCOME5")
	require.Error(t, err)
	// Nothing committed: the redemption row and counter bump are rolled back
	// together with the failed grant.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedeemRejectsSecondRedemptionByClient(t *testing.T) {
	svc, mock := newPromoTestService(t, 5)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, max_uses, uses FROM promo_codes").
		WithArgs("WELCOME5").
		WillReturnRows(sqlmock.NewRows([]string{"id", "max_uses", "uses"}).AddRow(int64(3), 10, 2))
	mock.ExpectExec("INSERT INTO promo_redemptions").
		WithArgs("client-1", int64(3)).
		WillReturnError(&mysql.MySQLError{Number: mysqlDuplicateEntry, Message: "Duplicate entry"})
	mock.ExpectRollback()

	_, err := svc.Redeem(context.Background(), "client-1", "WELCOME5")
	assert.ErrorIs(t, err, ErrPromoAlreadyUsed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
