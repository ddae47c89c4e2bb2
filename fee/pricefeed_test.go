package fee

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402x "github.com/x402x/facilitator"
)

func TestStaticPriceFeed(t *testing.T) {
	feed := StaticPriceFeed{"base": big.NewRat(3000, 1)}

	price, err := feed.NativePriceUSD(context.Background(), "base")
	require.NoError(t, err)
	assert.Equal(t, "3000", price.RatString())

	_, err = feed.NativePriceUSD(context.Background(), "polygon")
	assert.Equal(t, x402x.ReasonNetworkNotConfigured, x402x.ReasonOf(err))
}

func TestHTTPPriceFeed(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "ethereum", r.URL.Query().Get("ids"))
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
		assert.Equal(t, "secret", r.Header.Get("x-cg-pro-api-key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ethereum":{"usd":3456.78}}`))
	}))
	defer srv.Close()

	feed := NewHTTPPriceFeed(HTTPPriceFeedConfig{
		Endpoint:          srv.URL,
		APIKey:            "secret",
		TokenIDs:          map[x402x.Network]string{"base": "ethereum", "base-sepolia": "ethereum"},
		RequestsPerSecond: 100,
	}, srv.Client(), StaticPriceFeed{"base": big.NewRat(3000, 1)})

	price, err := feed.NativePriceUSD(context.Background(), "base")
	require.NoError(t, err)
	assert.Equal(t, "3456.78", price.FloatString(2))

	_, err = feed.NativePriceUSD(context.Background(), "base-sepolia")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "networks sharing a token id share the cache")
}

func TestHTTPPriceFeedFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	feed := NewHTTPPriceFeed(HTTPPriceFeedConfig{
		Endpoint:          srv.URL,
		TokenIDs:          map[x402x.Network]string{"base": "ethereum"},
		RequestsPerSecond: 100,
	}, srv.Client(), StaticPriceFeed{"base": big.NewRat(2500, 1)})

	price, err := feed.NativePriceUSD(context.Background(), "base")
	require.NoError(t, err)
	assert.Equal(t, "2500", price.RatString())
}

func TestHTTPPriceFeedRejectsBadPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ethereum":{"usd":-1}}`))
	}))
	defer srv.Close()

	feed := NewHTTPPriceFeed(HTTPPriceFeedConfig{
		Endpoint:          srv.URL,
		TokenIDs:          map[x402x.Network]string{"base": "ethereum"},
		RequestsPerSecond: 100,
	}, srv.Client(), StaticPriceFeed{})

	_, err := feed.NativePriceUSD(context.Background(), "base")
	assert.Error(t, err)
}
