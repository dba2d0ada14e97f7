package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "secret", Timeout: 2 * time.Second, RateLimit: 100, Burst: 10})
	c.now = func() time.Time { return time.Date(2025, 3, 10, 22, 0, 0, 0, time.UTC) }
	return c
}

func TestFetch_SendsQueryAndDecodesMembers(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/utilizations", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-AUTH-TOKEN"))
		assert.Equal(t, "application/ld+json", r.Header.Get("Accept"))

		q := r.URL.Query()
		assert.Equal(t, "0", q.Get("point"))
		assert.Equal(t, "2", q.Get("type"))
		assert.Equal(t, "1", q.Get("activity"))
		assert.Equal(t, "5", q.Get("granularity"))
		assert.Equal(t, "1", q.Get("granularitytimezone"))
		assert.Equal(t, "1", q.Get("classification"))
		assert.Equal(t, "2025-03-10", q.Get("validfrom[after]"))
		assert.Equal(t, "2025-03-12", q.Get("validfrom[strictly_before]"))

		w.Header().Set("Content-Type", "application/ld+json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"hydra:member": []map[string]any{
				{"capacity": 1500000, "validfrom": "2025-03-10T23:00:00+00:00", "percentage": 0.1},
				{"capacity": 2500000, "validfrom": "2025-03-11T00:00:00+00:00"},
			},
		})
	})

	records, err := c.Fetch(context.Background(), TypeSolar, ActivityProduction, 48)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, json.Number("1500000"), records[0]["capacity"])
	assert.Equal(t, "2025-03-11T00:00:00+00:00", records[1]["validfrom"])
}

func TestFetch_EmptyMemberList(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"hydra:member": []}`))
	})
	records, err := c.Fetch(context.Background(), TypeConsumption, ActivityConsumption, 24)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFetch_StatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
		fatal  bool
	}{
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized, true},
		{"forbidden", http.StatusForbidden, ErrForbidden, true},
		{"server error", http.StatusInternalServerError, ErrUnavailable, false},
		{"rate limited", http.StatusTooManyRequests, ErrUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})
			_, err := c.Fetch(context.Background(), TypeWindOnshore, ActivityProduction, 24)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Equal(t, tt.fatal, IsFatal(err))
		})
	}
}

func TestFetch_MalformedBodyIsUnavailable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"hydra:member": [`))
	})
	_, err := c.Fetch(context.Background(), TypeWindOffshore, ActivityProduction, 24)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, IsFatal(err))
}

func TestFetch_TimeoutFailsClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond, RateLimit: 100, Burst: 1})
	start := time.Now()
	_, err := c.Fetch(context.Background(), TypeSolar, ActivityProduction, 24)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFetch_CanceledContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not be sent")
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Fetch(ctx, TypeSolar, ActivityProduction, 24)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestValidate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-AUTH-TOKEN") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Empty(t, r.URL.Query().Get("validfrom[after]"))
		_, _ = w.Write([]byte(`{"hydra:member": []}`))
	})

	ok, err := c.Validate(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	c.apiKey = "wrong"
	ok, err = c.Validate(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDataTypes(t *testing.T) {
	ids := map[string]int{}
	for _, dt := range DataTypes {
		ids[dt.Key] = dt.TypeID
	}
	assert.Equal(t, map[string]int{
		"wind_onshore":  1,
		"wind_offshore": 51,
		"solar":         2,
		"consumption":   59,
	}, ids)
}
