package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xf61/sqlhound/api/schemas"
	"github.com/0xf61/sqlhound/internal/config"
)

func testNetworkConfig() config.NetworkConfig {
	return config.NetworkConfig{
		RequestTimeout:    10 * time.Second,
		UserAgent:         "sqlhound-test",
		RequestsPerSecond: 1000,
		BackoffFloor:      time.Second,
		BackoffCeiling:    60 * time.Second,
		CleanToHalve:      10,
		JitterFraction:    0.2,
	}
}

func TestClient_QueryCarrier(t *testing.T) {
	var gotQuery url.Values
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := NewClient(testNetworkConfig(), nil)
	resp, err := c.Do(context.Background(), &schemas.RequestSpec{
		Method: http.MethodGet,
		URL:    srv.URL + "/search",
		Query:  url.Values{"id": {"1' OR 1=1-- "}},
	})
	require.NoError(t, err)
	require.NoError(t, resp.TransportErr)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1' OR 1=1-- ", gotQuery.Get("id"))
	assert.Equal(t, "sqlhound-test", gotUA)
	assert.Equal(t, []byte("ok"), resp.Body)
	assert.Greater(t, resp.Latency, time.Duration(0))
}

func TestClient_FormCarrier(t *testing.T) {
	var gotForm url.Values
	var gotCT string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		gotCT = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(testNetworkConfig(), nil)
	resp, err := c.Do(context.Background(), &schemas.RequestSpec{
		Method: http.MethodPost,
		URL:    srv.URL + "/login",
		Form:   url.Values{"user": {"admin'-- "}},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-www-form-urlencoded", gotCT)
	assert.Equal(t, "admin'-- ", gotForm.Get("user"))
}

func TestClient_JSONCarrier(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf [256]byte
		n, _ := r.Body.Read(buf[:])
		gotBody = append(gotBody, buf[:n]...)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(testNetworkConfig(), nil)
	resp, err := c.Do(context.Background(), &schemas.RequestSpec{
		Method: http.MethodPost,
		URL:    srv.URL + "/api/items",
		JSON:   map[string]any{"name": "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.JSONEq(t, `{"name":"x"}`, string(gotBody))
}

func TestClient_RedirectNotFollowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	c := NewClient(testNetworkConfig(), nil)
	resp, err := c.Do(context.Background(), &schemas.RequestSpec{URL: srv.URL, Query: url.Values{}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/elsewhere", resp.Headers.Get("Location"))
}

func TestClient_TransportErrorIsReturnedInResponse(t *testing.T) {
	c := NewClient(testNetworkConfig(), nil)
	resp, err := c.Do(context.Background(), &schemas.RequestSpec{
		URL:   "http://127.0.0.1:1", // nothing listens here
		Query: url.Values{},
	})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Error(t, resp.TransportErr)
	assert.Zero(t, resp.StatusCode)
}

func TestClient_ThrottleActivatesBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(testNetworkConfig(), nil)
	resp, err := c.Do(context.Background(), &schemas.RequestSpec{URL: srv.URL, Query: url.Values{}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	u, _ := url.Parse(srv.URL)
	assert.True(t, c.Backoff().Active(u.Host))
}

func TestClient_NilSpec(t *testing.T) {
	c := NewClient(testNetworkConfig(), nil)
	_, err := c.Do(context.Background(), nil)
	assert.Error(t, err)
}

func TestIsBlocked(t *testing.T) {
	assert.True(t, IsBlocked(&Response{StatusCode: http.StatusForbidden}))
	assert.True(t, IsBlocked(&Response{StatusCode: http.StatusNotAcceptable}))
	assert.True(t, IsBlocked(&Response{
		StatusCode: http.StatusOK,
		Body:       []byte("<html>Access Denied by security policy</html>"),
	}))
	assert.True(t, IsBlocked(&Response{
		StatusCode: http.StatusOK,
		Body:       []byte("The requested URL was rejected. Please consult with your administrator."),
	}))
	assert.False(t, IsBlocked(&Response{StatusCode: http.StatusOK, Body: []byte("<html>welcome</html>")}))
	assert.False(t, IsBlocked(nil))
}
