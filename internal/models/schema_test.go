package models

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/schema"
)

// Auto-migrated databases must carry the same unique indexes as migrations/000001_init.up.sql.
func TestUniqueIndexesMatchMigration(t *testing.T) {
	cases := []struct {
		model  interface{}
		index  string
		column string
	}{
		{&Transaction{}, "idx_mpesa_transactions_checkout_request_id", "checkout_request_id"},
		{&Transaction{}, "idx_mpesa_transactions_tab_payment_id", "tab_payment_id"},
		{&TabPayment{}, "idx_tab_payments_reference", "reference"},
	}
	for _, tc := range cases {
		t.Run(tc.index, func(t *testing.T) {
			s, err := schema.Parse(tc.model, &sync.Map{}, schema.NamingStrategy{})
			require.NoError(t, err)

			idx := s.LookIndex(tc.index)
			require.NotNil(t, idx, "index %s not declared", tc.index)
			assert.Equal(t, "UNIQUE", idx.Class)
			require.Len(t, idx.Fields, 1)
			assert.Equal(t, tc.column, idx.Fields[0].DBName)
		})
	}
}
