// Package memstore is an in-memory implementation of the repository interfaces
// with the same conditional-update semantics as the gorm store. It backs unit
// tests and local tooling that runs without a database.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"tab-payment-service/internal/models"
	"tab-payment-service/internal/repository"
)

type DB struct {
	mu           sync.Mutex
	credentials  []models.MpesaCredential
	bars         map[string]models.Bar
	tabs         map[string]models.Tab
	orders       map[string]models.TabOrder
	transactions map[string]models.Transaction
	payments     map[string]models.TabPayment
	callbackLogs []models.CallbackLog
	audit        []models.AuditEvent

	// SettleErr, when set, is returned by CreateSettled before any write.
	SettleErr error
}

func New() *DB {
	return &DB{
		bars:         map[string]models.Bar{},
		tabs:         map[string]models.Tab{},
		orders:       map[string]models.TabOrder{},
		transactions: map[string]models.Transaction{},
		payments:     map[string]models.TabPayment{},
	}
}

func (d *DB) Store() *repository.Store {
	return &repository.Store{
		Credentials:  credentials{d},
		Tabs:         tabs{d},
		Transactions: transactions{d},
		Payments:     payments{d},
		CallbackLogs: callbackLogs{d},
		Audit:        audit{d},
	}
}

func (d *DB) PutBar(b models.Bar) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bars[b.ID] = b
}

func (d *DB) PutTab(t models.Tab) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tabs[t.ID] = t
}

func (d *DB) PutOrder(o models.TabOrder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.orders[o.ID] = o
}

func (d *DB) PutCredential(c models.MpesaCredential) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.credentials = append(d.credentials, c)
}

func (d *DB) PutTransaction(t models.Transaction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transactions[t.ID] = t
}

func (d *DB) Tab(id string) (models.Tab, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tabs[id]
	return t, ok
}

func (d *DB) Transaction(id string) (models.Transaction, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.transactions[id]
	return t, ok
}

func (d *DB) Payments() []models.TabPayment {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.TabPayment, 0, len(d.payments))
	for _, p := range d.payments {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (d *DB) CallbackLogs() []models.CallbackLog {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.CallbackLog(nil), d.callbackLogs...)
}

func (d *DB) AuditEvents() []models.AuditEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.AuditEvent(nil), d.audit...)
}

type credentials struct{ d *DB }

func (r credentials) FindLatest(_ context.Context, tenantID, environment string) (*models.MpesaCredential, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	var best *models.MpesaCredential
	for i := range r.d.credentials {
		c := r.d.credentials[i]
		if c.TenantID != tenantID || c.Environment != environment {
			continue
		}
		if best == nil ||
			(c.IsActive && !best.IsActive) ||
			(c.IsActive == best.IsActive && c.UpdatedAt.After(best.UpdatedAt)) {
			cp := c
			best = &cp
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	return best, nil
}

func (r credentials) Create(_ context.Context, cred *models.MpesaCredential) error {
	r.d.PutCredential(*cred)
	return nil
}

type tabs struct{ d *DB }

func (r tabs) join(t models.Tab) *repository.TabWithBar {
	row := &repository.TabWithBar{
		TabID:           t.ID,
		TabStatus:       t.Status,
		OwnerIdentifier: t.OwnerIdentifier,
		TabBarID:        t.BarID,
	}
	if t.BarID != nil {
		if bar, ok := r.d.bars[*t.BarID]; ok {
			id, name, active := bar.ID, bar.Name, bar.IsActive
			row.BarID, row.BarName, row.BarActive = &id, &name, &active
		}
	}
	return row
}

func (r tabs) FindTabWithBar(_ context.Context, tabID string) (*repository.TabWithBar, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	t, ok := r.d.tabs[tabID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.join(t), nil
}

func (r tabs) FindCustomerTab(_ context.Context, barID, owner string, statuses []models.TabStatus) (*repository.TabWithBar, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	var found *models.Tab
	for _, t := range r.d.tabs {
		if t.BarID == nil || *t.BarID != barID || t.OwnerIdentifier != owner {
			continue
		}
		for _, s := range statuses {
			if t.Status == s {
				if found == nil || t.UpdatedAt.After(found.UpdatedAt) {
					cp := t
					found = &cp
				}
				break
			}
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	return r.join(*found), nil
}

func (r tabs) GetTab(_ context.Context, tabID string) (*models.Tab, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	t, ok := r.d.tabs[tabID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &t, nil
}

func (r tabs) UpdateStatus(_ context.Context, tabID string, from, to models.TabStatus, closedAt *time.Time) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	t, ok := r.d.tabs[tabID]
	if !ok || t.Status != from {
		return repository.ErrStatusConflict
	}
	t.Status = to
	if closedAt != nil {
		c := *closedAt
		t.ClosedAt = &c
	}
	t.UpdatedAt = time.Now()
	r.d.tabs[tabID] = t
	return nil
}

func (r tabs) SumOrders(_ context.Context, tabID string) (decimal.Decimal, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	total := decimal.Zero
	for _, o := range r.d.orders {
		if o.TabID == tabID && o.Status != models.OrderCancelled {
			total = total.Add(o.Total)
		}
	}
	return total, nil
}

func (r tabs) SumPaymentsByMethod(_ context.Context, tabID string) (map[string]decimal.Decimal, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	out := map[string]decimal.Decimal{}
	for _, p := range r.d.payments {
		if p.TabID == tabID && p.Status == models.PaymentSuccess {
			out[p.Method] = out[p.Method].Add(p.Amount)
		}
	}
	return out, nil
}

type transactions struct{ d *DB }

func (r transactions) Create(_ context.Context, txn *models.Transaction) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	now := time.Now()
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = now
	}
	txn.UpdatedAt = now
	r.d.transactions[txn.ID] = cloneTxn(*txn)
	return nil
}

func (r transactions) FindByID(_ context.Context, id string) (*models.Transaction, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	t, ok := r.d.transactions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := cloneTxn(t)
	return &c, nil
}

func (r transactions) FindByCheckoutRequestID(_ context.Context, checkoutID string) (*models.Transaction, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	for _, t := range r.d.transactions {
		if t.CheckoutRequestID != nil && *t.CheckoutRequestID == checkoutID {
			c := cloneTxn(t)
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r transactions) UpdateStatus(_ context.Context, id string, change repository.StatusChange) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	t, ok := r.d.transactions[id]
	if !ok {
		return repository.ErrNotFound
	}
	if t.Status != change.From {
		return repository.ErrStatusConflict
	}
	change.Apply(&t)
	t.UpdatedAt = time.Now()
	r.d.transactions[id] = t
	return nil
}

func (r transactions) RecordFailureReason(_ context.Context, id string, reason string, resultCode *int) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	t, ok := r.d.transactions[id]
	if !ok {
		return repository.ErrNotFound
	}
	if t.Status != models.TransactionPending {
		return repository.ErrStatusConflict
	}
	t.FailureReason = &reason
	if resultCode != nil {
		c := *resultCode
		t.ResultCode = &c
	}
	r.d.transactions[id] = t
	return nil
}

func (r transactions) FindStaleSent(_ context.Context, before time.Time, limit int) ([]models.Transaction, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	var out []models.Transaction
	for _, t := range r.d.transactions {
		if t.Status == models.TransactionSent && t.SentAt != nil && t.SentAt.Before(before) {
			out = append(out, cloneTxn(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(*out[j].SentAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r transactions) FindRecent(_ context.Context, since time.Time, limit int) ([]models.Transaction, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	var out []models.Transaction
	for _, t := range r.d.transactions {
		if t.CheckoutRequestID != nil && !t.CreatedAt.Before(since) {
			out = append(out, cloneTxn(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r transactions) ListByTab(_ context.Context, tabID string, page, limit int) ([]models.Transaction, int64, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	var all []models.Transaction
	for _, t := range r.d.transactions {
		if t.TabID == tabID {
			all = append(all, cloneTxn(t))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := int64(len(all))
	start := (page - 1) * limit
	if start >= len(all) {
		return []models.Transaction{}, total, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

type payments struct{ d *DB }

func (r payments) ExistsByReference(_ context.Context, ref string) (bool, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	for _, p := range r.d.payments {
		if p.Reference == ref {
			return true, nil
		}
	}
	return false, nil
}

func (r payments) FindByReference(_ context.Context, ref string) (*models.TabPayment, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	for _, p := range r.d.payments {
		if p.Reference == ref {
			cp := p
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r payments) FindByID(_ context.Context, id string) (*models.TabPayment, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	p, ok := r.d.payments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (r payments) CreateSettled(_ context.Context, payment *models.TabPayment, transactionID string) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	if r.d.SettleErr != nil {
		return r.d.SettleErr
	}
	for _, p := range r.d.payments {
		if p.Reference == payment.Reference {
			return repository.ErrDuplicateReceipt
		}
	}
	t, ok := r.d.transactions[transactionID]
	if !ok || t.TabPaymentID != nil {
		return repository.ErrAlreadyLinked
	}
	now := time.Now()
	payment.CreatedAt, payment.UpdatedAt = now, now
	r.d.payments[payment.ID] = *payment
	id := payment.ID
	t.TabPaymentID = &id
	r.d.transactions[transactionID] = t
	return nil
}

func (r payments) Reverse(_ context.Context, paymentID string) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	p, ok := r.d.payments[paymentID]
	if !ok {
		return repository.ErrNotFound
	}
	if p.Status != models.PaymentSuccess {
		return repository.ErrStatusConflict
	}
	p.Status = models.PaymentReversed
	p.UpdatedAt = time.Now()
	r.d.payments[paymentID] = p
	for id, t := range r.d.transactions {
		if t.TabPaymentID != nil && *t.TabPaymentID == paymentID {
			t.TabPaymentID = nil
			r.d.transactions[id] = t
		}
	}
	return nil
}

type callbackLogs struct{ d *DB }

func (r callbackLogs) Create(_ context.Context, log *models.CallbackLog) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	log.ID = uint(len(r.d.callbackLogs) + 1)
	log.CreatedAt = time.Now()
	r.d.callbackLogs = append(r.d.callbackLogs, *log)
	return nil
}

type audit struct{ d *DB }

func (r audit) Record(_ context.Context, event *models.AuditEvent) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	event.ID = uint(len(r.d.audit) + 1)
	event.CreatedAt = time.Now()
	r.d.audit = append(r.d.audit, *event)
	return nil
}

func cloneTxn(t models.Transaction) models.Transaction {
	if t.CallbackData != nil {
		t.CallbackData = append(datatypes.JSON(nil), t.CallbackData...)
	}
	return t
}
