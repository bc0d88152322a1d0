package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"tab-payment-service/internal/models"
)

// NewGormStore builds every repository on one gorm handle. The handle should be
// opened with TranslateError so unique violations surface as gorm.ErrDuplicatedKey.
func NewGormStore(db *gorm.DB) *Store {
	return &Store{
		Credentials:  &credentialRepo{db: db},
		Tabs:         &tabRepo{db: db},
		Transactions: &transactionRepo{db: db},
		Payments:     &paymentRepo{db: db},
		CallbackLogs: &callbackLogRepo{db: db},
		Audit:        &auditRepo{db: db},
	}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

type credentialRepo struct{ db *gorm.DB }

func (r *credentialRepo) FindLatest(ctx context.Context, tenantID, environment string) (*models.MpesaCredential, error) {
	var cred models.MpesaCredential
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND environment = ?", tenantID, environment).
		Order("is_active DESC").
		Order("updated_at DESC").
		Take(&cred).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &cred, nil
}

func (r *credentialRepo) Create(ctx context.Context, cred *models.MpesaCredential) error {
	return r.db.WithContext(ctx).Create(cred).Error
}

type tabRepo struct{ db *gorm.DB }

const tabWithBarColumns = "tabs.id AS tab_id, tabs.status AS tab_status, tabs.owner_identifier AS owner_identifier, " +
	"tabs.bar_id AS tab_bar_id, bars.id AS bar_id, bars.name AS bar_name, bars.is_active AS bar_active"

func (r *tabRepo) FindTabWithBar(ctx context.Context, tabID string) (*TabWithBar, error) {
	var row TabWithBar
	res := r.db.WithContext(ctx).
		Table("tabs").
		Select(tabWithBarColumns).
		Joins("LEFT JOIN bars ON bars.id = tabs.bar_id").
		Where("tabs.id = ?", tabID).
		Limit(1).
		Scan(&row)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &row, nil
}

func (r *tabRepo) FindCustomerTab(ctx context.Context, barID, ownerIdentifier string, statuses []models.TabStatus) (*TabWithBar, error) {
	var row TabWithBar
	res := r.db.WithContext(ctx).
		Table("tabs").
		Select(tabWithBarColumns).
		Joins("LEFT JOIN bars ON bars.id = tabs.bar_id").
		Where("tabs.bar_id = ? AND tabs.owner_identifier = ? AND tabs.status IN ?", barID, ownerIdentifier, statuses).
		Order("tabs.updated_at DESC").
		Limit(1).
		Scan(&row)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &row, nil
}

func (r *tabRepo) GetTab(ctx context.Context, tabID string) (*models.Tab, error) {
	var tab models.Tab
	if err := r.db.WithContext(ctx).Where("id = ?", tabID).Take(&tab).Error; err != nil {
		return nil, notFound(err)
	}
	return &tab, nil
}

func (r *tabRepo) UpdateStatus(ctx context.Context, tabID string, from, to models.TabStatus, closedAt *time.Time) error {
	updates := map[string]interface{}{"status": to}
	if closedAt != nil {
		updates["closed_at"] = *closedAt
	}
	res := r.db.WithContext(ctx).Model(&models.Tab{}).
		Where("id = ? AND status = ?", tabID, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (r *tabRepo) SumOrders(ctx context.Context, tabID string) (decimal.Decimal, error) {
	var row struct{ Total decimal.Decimal }
	err := r.db.WithContext(ctx).Model(&models.TabOrder{}).
		Select("COALESCE(SUM(total), 0) AS total").
		Where("tab_id = ? AND status <> ?", tabID, models.OrderCancelled).
		Scan(&row).Error
	if err != nil {
		return decimal.Zero, err
	}
	return row.Total, nil
}

func (r *tabRepo) SumPaymentsByMethod(ctx context.Context, tabID string) (map[string]decimal.Decimal, error) {
	var rows []struct {
		Method string
		Total  decimal.Decimal
	}
	err := r.db.WithContext(ctx).Model(&models.TabPayment{}).
		Select("method, COALESCE(SUM(amount), 0) AS total").
		Where("tab_id = ? AND status = ?", tabID, models.PaymentSuccess).
		Group("method").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		out[row.Method] = row.Total
	}
	return out, nil
}

type transactionRepo struct{ db *gorm.DB }

func (r *transactionRepo) Create(ctx context.Context, txn *models.Transaction) error {
	return r.db.WithContext(ctx).Create(txn).Error
}

func (r *transactionRepo) FindByID(ctx context.Context, id string) (*models.Transaction, error) {
	var txn models.Transaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&txn).Error; err != nil {
		return nil, notFound(err)
	}
	return &txn, nil
}

func (r *transactionRepo) FindByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.Transaction, error) {
	var txn models.Transaction
	if err := r.db.WithContext(ctx).Where("checkout_request_id = ?", checkoutRequestID).Take(&txn).Error; err != nil {
		return nil, notFound(err)
	}
	return &txn, nil
}

func (r *transactionRepo) UpdateStatus(ctx context.Context, id string, change StatusChange) error {
	res := r.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ? AND status = ?", id, change.From).
		Updates(change.Columns())
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("checkout request id already assigned: %w", res.Error)
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.conflictOrMissing(ctx, id)
	}
	return nil
}

func (r *transactionRepo) conflictOrMissing(ctx context.Context, id string) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Transaction{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrStatusConflict
}

func (r *transactionRepo) RecordFailureReason(ctx context.Context, id string, reason string, resultCode *int) error {
	updates := map[string]interface{}{"failure_reason": reason}
	if resultCode != nil {
		updates["result_code"] = *resultCode
	}
	res := r.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ? AND status = ?", id, models.TransactionPending).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.conflictOrMissing(ctx, id)
	}
	return nil
}

func (r *transactionRepo) FindStaleSent(ctx context.Context, sentBefore time.Time, limit int) ([]models.Transaction, error) {
	var txns []models.Transaction
	err := r.db.WithContext(ctx).
		Where("status = ? AND sent_at < ?", models.TransactionSent, sentBefore).
		Order("sent_at ASC").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

func (r *transactionRepo) FindRecent(ctx context.Context, since time.Time, limit int) ([]models.Transaction, error) {
	var txns []models.Transaction
	err := r.db.WithContext(ctx).
		Where("created_at >= ? AND checkout_request_id IS NOT NULL", since).
		Order("created_at DESC").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

func (r *transactionRepo) ListByTab(ctx context.Context, tabID string, page, limit int) ([]models.Transaction, int64, error) {
	var (
		txns  []models.Transaction
		total int64
	)
	query := r.db.WithContext(ctx).Model(&models.Transaction{}).Where("tab_id = ?", tabID).Session(&gorm.Session{})
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	offset := (page - 1) * limit
	if err := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&txns).Error; err != nil {
		return nil, 0, err
	}
	return txns, total, nil
}

type paymentRepo struct{ db *gorm.DB }

func (r *paymentRepo) ExistsByReference(ctx context.Context, reference string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.TabPayment{}).Where("reference = ?", reference).Count(&count).Error
	return count > 0, err
}

func (r *paymentRepo) FindByReference(ctx context.Context, reference string) (*models.TabPayment, error) {
	var p models.TabPayment
	if err := r.db.WithContext(ctx).Where("reference = ?", reference).Take(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *paymentRepo) FindByID(ctx context.Context, id string) (*models.TabPayment, error) {
	var p models.TabPayment
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *paymentRepo) CreateSettled(ctx context.Context, payment *models.TabPayment, transactionID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(payment).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateReceipt
			}
			return err
		}

		res := tx.Model(&models.Transaction{}).
			Where("id = ? AND tab_payment_id IS NULL", transactionID).
			Update("tab_payment_id", payment.ID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyLinked
		}
		return nil
	})
}

func (r *paymentRepo) Reverse(ctx context.Context, paymentID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.TabPayment{}).
			Where("id = ? AND status = ?", paymentID, models.PaymentSuccess).
			Update("status", models.PaymentReversed)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&models.TabPayment{}).Where("id = ?", paymentID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrNotFound
			}
			return ErrStatusConflict
		}

		return tx.Model(&models.Transaction{}).
			Where("tab_payment_id = ?", paymentID).
			Update("tab_payment_id", nil).Error
	})
}

type callbackLogRepo struct{ db *gorm.DB }

func (r *callbackLogRepo) Create(ctx context.Context, log *models.CallbackLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

type auditRepo struct{ db *gorm.DB }

func (r *auditRepo) Record(ctx context.Context, event *models.AuditEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}
