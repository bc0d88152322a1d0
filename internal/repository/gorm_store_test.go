package repository_test

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"tab-payment-service/internal/config"
	"tab-payment-service/internal/database"
	"tab-payment-service/internal/models"
	"tab-payment-service/internal/repository"
)

// These tests need a real database. Set DATABASE_URL (and DB_DRIVER=mysql for MySQL).

var testDB *gorm.DB

func TestMain(m *testing.M) {
	setup()
	os.Exit(m.Run())
}

func setup() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Println("Skipping DB tests: DATABASE_URL not set")
		return
	}
	driver := os.Getenv("DB_DRIVER")
	if driver == "" {
		driver = "postgres"
	}

	db, err := database.Connect(config.Database{Driver: driver, URL: dsn})
	if err != nil {
		log.Printf("Failed to connect to database: %v", err)
		return
	}
	if err := database.Migrate(db); err != nil {
		log.Printf("Failed to migrate database: %v", err)
		return
	}
	testDB = db
}

func cleanup() {
	if testDB != nil {
		testDB.Exec("DELETE FROM mpesa_transactions")
		testDB.Exec("DELETE FROM tab_payments")
		testDB.Exec("DELETE FROM tab_orders")
		testDB.Exec("DELETE FROM tabs")
		testDB.Exec("DELETE FROM mpesa_credentials")
		testDB.Exec("DELETE FROM bars")
	}
}

func seed(t *testing.T, status models.TabStatus) (*repository.Store, models.Tab) {
	t.Helper()
	store := repository.NewGormStore(testDB)
	bar := models.Bar{ID: uuid.NewString(), Name: "Kilimanjaro Lounge", IsActive: true}
	require.NoError(t, testDB.Create(&bar).Error)
	tab := models.Tab{ID: uuid.NewString(), BarID: &bar.ID, OwnerIdentifier: "device-abc", Status: status}
	require.NoError(t, testDB.Create(&tab).Error)
	require.NoError(t, testDB.Create(&models.TabOrder{ID: uuid.NewString(), TabID: tab.ID, Total: decimal.NewFromInt(1500), Status: models.OrderConfirmed}).Error)
	return store, tab
}

func sentTxn(t *testing.T, store *repository.Store, tab models.Tab, checkout string) *models.Transaction {
	t.Helper()
	txn := &models.Transaction{
		ID: uuid.NewString(), TabID: tab.ID, TenantID: *tab.BarID, PhoneNumber: "254712345678",
		Amount: decimal.NewFromInt(500), Currency: "KES", Environment: "sandbox", Status: models.TransactionPending,
	}
	ctx := context.Background()
	require.NoError(t, store.Transactions.Create(ctx, txn))
	now := time.Now()
	require.NoError(t, store.Transactions.UpdateStatus(ctx, txn.ID, repository.StatusChange{
		From: models.TransactionPending, To: models.TransactionSent, CheckoutRequestID: &checkout, SentAt: &now,
	}))
	return txn
}

func TestFindTabWithBar(t *testing.T) {
	if testDB == nil {
		t.Skip("Database not configured")
	}
	defer cleanup()
	store, tab := seed(t, models.TabOpen)

	row, err := store.Tabs.FindTabWithBar(context.Background(), tab.ID)
	require.NoError(t, err)
	require.NotNil(t, row.BarName)
	assert.Equal(t, "Kilimanjaro Lounge", *row.BarName)

	_, err = store.Tabs.FindTabWithBar(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestConditionalStatusUpdate(t *testing.T) {
	if testDB == nil {
		t.Skip("Database not configured")
	}
	defer cleanup()
	store, tab := seed(t, models.TabOpen)
	ctx := context.Background()
	txn := sentTxn(t, store, tab, "ws_CO_"+uuid.NewString()[:8])

	err := store.Transactions.UpdateStatus(ctx, txn.ID, repository.StatusChange{From: models.TransactionPending, To: models.TransactionSent})
	assert.ErrorIs(t, err, repository.ErrStatusConflict)

	err = store.Transactions.UpdateStatus(ctx, uuid.NewString(), repository.StatusChange{From: models.TransactionSent, To: models.TransactionTimeout})
	assert.ErrorIs(t, err, repository.ErrNotFound)

	stale, err := store.Transactions.FindStaleSent(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, stale, 1)
}

func TestCreateSettledIsAtomic(t *testing.T) {
	if testDB == nil {
		t.Skip("Database not configured")
	}
	defer cleanup()
	store, tab := seed(t, models.TabOpen)
	ctx := context.Background()
	a := sentTxn(t, store, tab, "ws_CO_"+uuid.NewString()[:8])
	b := sentTxn(t, store, tab, "ws_CO_"+uuid.NewString()[:8])

	pay := func() *models.TabPayment {
		return &models.TabPayment{ID: uuid.NewString(), TabID: tab.ID, Amount: decimal.NewFromInt(500), Method: models.PaymentMethodMpesa, Status: models.PaymentSuccess, Reference: "NLJ7RT61SV"}
	}
	first := pay()
	require.NoError(t, store.Payments.CreateSettled(ctx, first, a.ID))

	err := store.Payments.CreateSettled(ctx, pay(), b.ID)
	assert.ErrorIs(t, err, repository.ErrDuplicateReceipt)

	second := pay()
	second.Reference = "NLJ7RT61SW"
	err = store.Payments.CreateSettled(ctx, second, a.ID)
	assert.ErrorIs(t, err, repository.ErrAlreadyLinked)

	_, err = store.Payments.FindByID(ctx, second.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound, "the payment insert rolls back with the link")

	byMethod, err := store.Tabs.SumPaymentsByMethod(ctx, tab.ID)
	require.NoError(t, err)
	assert.True(t, byMethod[models.PaymentMethodMpesa].Equal(decimal.NewFromInt(500)))

	require.NoError(t, store.Payments.Reverse(ctx, first.ID))
	assert.ErrorIs(t, store.Payments.Reverse(ctx, first.ID), repository.ErrStatusConflict)
	linked, err := store.Transactions.FindByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, linked.TabPaymentID)
}

func TestTabUpdateStatusIsConditional(t *testing.T) {
	if testDB == nil {
		t.Skip("Database not configured")
	}
	defer cleanup()
	store, tab := seed(t, models.TabOverdue)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Tabs.UpdateStatus(ctx, tab.ID, models.TabOverdue, models.TabClosed, &now))
	err := store.Tabs.UpdateStatus(ctx, tab.ID, models.TabOverdue, models.TabClosed, &now)
	assert.ErrorIs(t, err, repository.ErrStatusConflict)
}
