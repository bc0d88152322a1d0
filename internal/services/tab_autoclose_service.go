package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"tab-payment-service/internal/apperr"
	"tab-payment-service/internal/events"
	"tab-payment-service/internal/logging"
	"tab-payment-service/internal/metrics"
	"tab-payment-service/internal/models"
	"tab-payment-service/internal/repository"
)

type AutoCloseResult struct {
	TabID           string           `json:"tab_id"`
	Closed          bool             `json:"closed"`
	Status          models.TabStatus `json:"status"`
	Balance         decimal.Decimal  `json:"balance"`
	CanCreateNewTab bool             `json:"can_create_new_tab"`
	Message         string           `json:"message"`
}

// TabAutoCloseService closes overdue tabs once they are paid in full.
type TabAutoCloseService struct {
	Tabs    repository.TabRepository
	Sync    *OrderSyncService
	Audit   repository.AuditRepository
	Metrics *metrics.PaymentMetrics
	Events  events.Publisher
	Now     func() time.Time
}

func NewTabAutoCloseService(tabs repository.TabRepository, sync *OrderSyncService, audit repository.AuditRepository, m *metrics.PaymentMetrics) *TabAutoCloseService {
	return &TabAutoCloseService{Tabs: tabs, Sync: sync, Audit: audit, Metrics: m, Now: time.Now}
}

func (s *TabAutoCloseService) ProcessPaymentNotification(ctx context.Context, tabID string) (*AutoCloseResult, error) {
	tab, err := s.Tabs.GetTab(ctx, tabID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Newf(apperr.CodeTabNotFound, "tab %s does not exist", tabID)
		}
		return nil, apperr.Wrap(apperr.CodeDatabaseError, err, "load tab")
	}
	balance, err := s.Sync.GetTabBalance(ctx, tabID)
	if err != nil {
		return nil, err
	}

	result := &AutoCloseResult{TabID: tabID, Status: tab.Status, Balance: balance.Balance}
	switch {
	case balance.Balance.IsPositive():
		result.Message = "tab still has an outstanding balance"
		return result, nil
	case tab.Status == models.TabClosed:
		result.CanCreateNewTab = true
		result.Message = "tab already closed"
		return result, nil
	case tab.Status != models.TabOverdue:
		result.Message = "tab is paid up and stays open"
		return result, nil
	}

	closedAt := time.Now()
	if s.Now != nil {
		closedAt = s.Now()
	}
	if err := s.Tabs.UpdateStatus(ctx, tabID, models.TabOverdue, models.TabClosed, &closedAt); err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			current, gerr := s.Tabs.GetTab(ctx, tabID)
			if gerr == nil {
				result.Status = current.Status
				result.CanCreateNewTab = current.Status == models.TabClosed
			}
			result.Message = "tab status changed concurrently"
			return result, nil
		}
		return nil, apperr.Wrap(apperr.CodeDatabaseError, err, "close tab")
	}

	result.Closed = true
	result.Status = models.TabClosed
	result.CanCreateNewTab = true
	result.Message = "overdue tab paid in full and closed"

	log := logging.FromContext(ctx).WithFields(logrus.Fields{
		"tab_id":  tabID,
		"balance": balance.Balance.StringFixed(2),
	})
	log.Info("Overdue tab auto-closed")
	s.Metrics.RecordTabAutoClosed()
	s.audit(ctx, tab, balance, closedAt, log)
	publishEvent(ctx, s.Events, events.PaymentEvent{
		Type:          events.TypeTabAutoClosed,
		TabID:         tabID,
		TenantID:      deref(tab.BarID),
		Status:        string(models.TabClosed),
		Amount:        balance.TotalPayments.StringFixed(2),
		CorrelationID: logging.CorrelationID(ctx),
		OccurredAt:    closedAt.UTC(),
	})
	return result, nil
}

func (s *TabAutoCloseService) audit(ctx context.Context, tab *models.Tab, balance *TabBalance, closedAt time.Time, log *logrus.Entry) {
	if s.Audit == nil {
		return
	}
	before, _ := json.Marshal(map[string]interface{}{"status": tab.Status})
	after, _ := json.Marshal(map[string]interface{}{
		"status":        models.TabClosed,
		"closed_at":     closedAt.Format(time.RFC3339),
		"final_balance": balance.Balance.StringFixed(2),
	})
	event := &models.AuditEvent{
		Action:        models.AuditTabAutoClosed,
		EntityType:    "tab",
		EntityID:      tab.ID,
		TenantID:      deref(tab.BarID),
		Before:        datatypes.JSON(before),
		After:         datatypes.JSON(after),
		Reason:        "overdue tab settled in full",
		Actor:         "system",
		CorrelationID: logging.CorrelationID(ctx),
	}
	if err := s.Audit.Record(ctx, event); err != nil {
		log.WithError(err).Error("Failed to record auto-close audit event")
	}
}
