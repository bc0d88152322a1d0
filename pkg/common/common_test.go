package common

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateTrxNo(t *testing.T) {
	trx := GenerateTrxNo()
	if len(trx) != 7 {
		t.Errorf("Expected length 7, got %d", len(trx))
	}

	// Check if it contains valid characters
	validChars := "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	for _, char := range trx {
		isValid := false
		for _, validChar := range validChars {
			if char == validChar {
				isValid = true
				break
			}
		}
		if !isValid {
			t.Errorf("Invalid character found: %c", char)
		}
	}
}

func TestAccountReference(t *testing.T) {
	assert.Equal(t, "TAB1B4E28BA2", AccountReference("TAB", "1b4e28ba-2fa1-11d2-883f-0016d3cca427", 12))
	assert.Equal(t, "TABABC", AccountReference("TAB", "abc", 12))
	assert.Len(t, AccountReference("TAB", "", 12), 10)
}

func TestNewPage(t *testing.T) {
	items := []string{"a", "b"}

	first := NewPage(items, 100, 1, 10)
	assert.Equal(t, 10, first.TotalPages)
	require.NotNil(t, first.NextPage)
	assert.Equal(t, 2, *first.NextPage)
	assert.Nil(t, first.PrevPage)

	middle := NewPage(items, 100, 5, 10)
	require.NotNil(t, middle.PrevPage)
	require.NotNil(t, middle.NextPage)
	assert.Equal(t, 4, *middle.PrevPage)
	assert.Equal(t, 6, *middle.NextPage)

	last := NewPage(items, 95, 10, 10)
	assert.Equal(t, 10, last.TotalPages)
	assert.Nil(t, last.NextPage)

	empty := NewPage([]string{}, 0, 1, 20)
	assert.Equal(t, 0, empty.TotalPages)
	assert.Nil(t, empty.NextPage)
	assert.Nil(t, empty.PrevPage)
}

func TestNormalizePage(t *testing.T) {
	cases := []struct {
		page, limit         int
		wantPage, wantLimit int
	}{
		{0, 0, 1, DefaultPageSize},
		{-3, 5, 1, 5},
		{3, 50, 3, 50},
		{2, MaxPageSize, 2, MaxPageSize},
		{2, MaxPageSize + 1, 2, DefaultPageSize},
	}
	for _, tc := range cases {
		p, l := NormalizePage(tc.page, tc.limit)
		assert.Equal(t, tc.wantPage, p)
		assert.Equal(t, tc.wantLimit, l)
	}
}

func TestErrorResponse(t *testing.T) {
	resp := NewErrorResponse(http.StatusConflict, "INVALID_STATE_TRANSITION", "Payment can no longer be retried.", "corr-1")
	assert.False(t, resp.Success)
	assert.Nil(t, resp.Details)

	body, err := json.Marshal(resp.WithDetails("field amount"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":409,"success":false,"code":"INVALID_STATE_TRANSITION","message":"Payment can no longer be retried.","correlation_id":"corr-1","details":"field amount"}`, string(body))

	body, err = json.Marshal(NewErrorResponse(http.StatusBadGateway, "GATEWAY_ERROR", "Try again.", ""))
	require.NoError(t, err)
	assert.NotContains(t, string(body), "correlation_id")
}

func TestPostSendsJSONAndReturnsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"errorCode":"500.001.1001"}`))
	}))
	defer srv.Close()

	resp, err := Post(context.Background(), srv.Client(), srv.URL, map[string]string{"a": "b"}, map[string]string{"Authorization": "Bearer tok"})
	require.NoError(t, err)
	assert.False(t, resp.OK())
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]string
	require.NoError(t, resp.Decode(&body))
	assert.Equal(t, "500.001.1001", body["errorCode"])
}

func TestGetHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := Get(ctx, srv.Client(), srv.URL, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
