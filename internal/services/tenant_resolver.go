package services

import (
	"context"
	"errors"
	"strings"

	"tab-payment-service/internal/apperr"
	"tab-payment-service/internal/models"
	"tab-payment-service/internal/repository"
)

type TenantInfo struct {
	TenantID        string
	TenantName      string
	IsActive        bool
	TabID           string
	TabStatus       models.TabStatus
	OwnerIdentifier string
}

type TenantResolver struct {
	Tabs repository.TabRepository
}

func NewTenantResolver(tabs repository.TabRepository) *TenantResolver {
	return &TenantResolver{Tabs: tabs}
}

// ResolveTabToTenant maps a tab to the bar that owns it in a single join.
func (r *TenantResolver) ResolveTabToTenant(ctx context.Context, tabID string) (*TenantInfo, error) {
	tabID = strings.TrimSpace(tabID)
	if tabID == "" {
		return nil, apperr.New(apperr.CodeValidationError, "tab id is required")
	}

	row, err := r.Tabs.FindTabWithBar(ctx, tabID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Newf(apperr.CodeTabNotFound, "tab %s does not exist", tabID).With("tab_id", tabID)
		}
		return nil, apperr.Wrap(apperr.CodeDatabaseError, err, "resolve tab")
	}
	return toTenantInfo(row)
}

// ResolveCustomerTabToTenant finds the payable tab a customer holds at a bar.
func (r *TenantResolver) ResolveCustomerTabToTenant(ctx context.Context, barID, customerIdentifier string) (*TenantInfo, error) {
	barID = strings.TrimSpace(barID)
	customerIdentifier = strings.TrimSpace(customerIdentifier)
	if barID == "" || customerIdentifier == "" {
		return nil, apperr.New(apperr.CodeValidationError, "bar id and customer identifier are required")
	}

	row, err := r.Tabs.FindCustomerTab(ctx, barID, customerIdentifier, models.PayableTabStatuses)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Newf(apperr.CodeCustomerTabNotFound, "no payable tab at bar %s for customer", barID).With("bar_id", barID)
		}
		return nil, apperr.Wrap(apperr.CodeDatabaseError, err, "resolve customer tab")
	}
	return toTenantInfo(row)
}

func toTenantInfo(row *repository.TabWithBar) (*TenantInfo, error) {
	if row.TabBarID == nil || row.BarID == nil {
		return nil, apperr.Newf(apperr.CodeOrphanedTab, "tab %s has no bar", row.TabID).With("tab_id", row.TabID)
	}
	active := row.BarActive != nil && *row.BarActive
	if !active {
		return nil, apperr.Newf(apperr.CodeInactiveBar, "bar %s is inactive", *row.BarID).
			With("tab_id", row.TabID).With("bar_id", *row.BarID)
	}
	if !row.TabStatus.Payable() {
		return nil, apperr.Newf(apperr.CodeInvalidTabStatus, "tab %s is %s", row.TabID, row.TabStatus).
			With("tab_id", row.TabID).With("status", string(row.TabStatus))
	}

	name := ""
	if row.BarName != nil {
		name = *row.BarName
	}
	return &TenantInfo{
		TenantID:        *row.BarID,
		TenantName:      name,
		IsActive:        active,
		TabID:           row.TabID,
		TabStatus:       row.TabStatus,
		OwnerIdentifier: row.OwnerIdentifier,
	}, nil
}
