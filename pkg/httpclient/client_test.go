package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(retries int) Config {
	return Config{
		Timeout:         5 * time.Second,
		MaxRetries:      retries,
		RetryWaitMin:    time.Millisecond,
		RetryWaitMax:    5 * time.Millisecond,
		MaxConnsPerHost: 10,
	}
}

func TestDo_RetriesServerErrorsThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	req, err := NewJSONRequest(context.Background(), http.MethodPost, srv.URL, map[string]string{"cart": "c-1"})
	require.NoError(t, err)

	resp, err := New(fastConfig(3)).Do(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"cart":"c-1"}`, string(body), "body must be replayed on retry")
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_ReturnsLastServerErrorResponse(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	req, _ := NewJSONRequest(context.Background(), http.MethodGet, srv.URL, nil)
	resp, err := New(fastConfig(2)).Do(context.Background(), req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_NoRetryFor4xxOr501(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusNotImplemented} {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(status)
		}))

		req, _ := NewJSONRequest(context.Background(), http.MethodGet, srv.URL, nil)
		resp, err := New(fastConfig(3)).Do(context.Background(), req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, status, resp.StatusCode)
		assert.Equal(t, int32(1), calls.Load())
		srv.Close()
	}
}

func TestDo_ZeroRetriesSendsOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	req, _ := NewJSONRequest(context.Background(), http.MethodPost, srv.URL, map[string]int{"amount": 1})
	resp, err := New(fastConfig(0)).Do(context.Background(), req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	req, _ := NewJSONRequest(ctx, http.MethodGet, srv.URL, nil)
	_, err := New(fastConfig(3)).Do(ctx, req)
	require.Error(t, err)
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, isRetryableError(nil))
	assert.False(t, isRetryableError(context.Canceled))
	assert.False(t, isRetryableError(errors.New("plain")))
}

func TestNewJSONRequest_SetsHeaders(t *testing.T) {
	req, err := NewJSONRequest(context.Background(), http.MethodPost, "http://payment/api/v1/payments", map[string]int{"amount": 10})
	require.NoError(t, err)
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.NotNil(t, req.GetBody)

	_, err = NewJSONRequest(context.Background(), http.MethodPost, "http://x", make(chan int))
	assert.Error(t, err)
}
