package fee

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	x402x "github.com/x402x/facilitator"
)

// TokenPriceFeed returns the USD price of a network's native gas token.
type TokenPriceFeed interface {
	NativePriceUSD(ctx context.Context, network x402x.Network) (*big.Rat, error)
}

// StaticPriceFeed serves configured prices.
type StaticPriceFeed map[x402x.Network]*big.Rat

func (s StaticPriceFeed) NativePriceUSD(ctx context.Context, network x402x.Network) (*big.Rat, error) {
	price, ok := s[network]
	if !ok || price == nil || price.Sign() <= 0 {
		return nil, x402x.NewSettlementError(x402x.KindConfiguration, x402x.ReasonNetworkNotConfigured,
			fmt.Sprintf("no native token price for %s", network))
	}
	return new(big.Rat).Set(price), nil
}

// DefaultPriceAPIURL is the CoinGecko simple price endpoint.
const DefaultPriceAPIURL = "https://api.coingecko.com/api/v3/simple/price"

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPPriceFeedConfig configures an HTTPPriceFeed.
type HTTPPriceFeedConfig struct {
	Endpoint string
	APIKey   string
	// TokenIDs maps networks to price API asset ids, e.g. "ethereum".
	TokenIDs map[x402x.Network]string
	CacheTTL time.Duration
	// RequestsPerSecond bounds calls to the price API.
	RequestsPerSecond float64
}

// HTTPPriceFeed reads a CoinGecko-style simple price API. Prices are cached
// and any failure falls back to the static feed.
type HTTPPriceFeed struct {
	cfg      HTTPPriceFeedConfig
	client   HTTPDoer
	limiter  *rate.Limiter
	cache    *expirable.LRU[string, *big.Rat]
	fallback StaticPriceFeed
	logger   log.Logger
}

// NewHTTPPriceFeed creates a feed. client may be nil.
func NewHTTPPriceFeed(cfg HTTPPriceFeedConfig, client HTTPDoer, fallback StaticPriceFeed) *HTTPPriceFeed {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		cfg.Endpoint = DefaultPriceAPIURL
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPPriceFeed{
		cfg:      cfg,
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		cache:    expirable.NewLRU[string, *big.Rat](64, nil, cfg.CacheTTL),
		fallback: fallback,
		logger:   log.New("component", "pricefeed"),
	}
}

func (f *HTTPPriceFeed) NativePriceUSD(ctx context.Context, network x402x.Network) (*big.Rat, error) {
	id, ok := f.cfg.TokenIDs[network]
	if !ok || id == "" {
		return f.fallback.NativePriceUSD(ctx, network)
	}
	if price, ok := f.cache.Get(id); ok {
		return new(big.Rat).Set(price), nil
	}

	price, err := f.fetch(ctx, id)
	if err != nil {
		f.logger.Warn("Token price API failed, using static price", "network", network, "id", id, "err", err)
		return f.fallback.NativePriceUSD(ctx, network)
	}
	f.cache.Add(id, price)
	return new(big.Rat).Set(price), nil
}

func (f *HTTPPriceFeed) fetch(ctx context.Context, id string) (*big.Rat, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.Endpoint, nil)
	if err != nil {
		return nil, err
	}
	values := url.Values{}
	values.Set("ids", id)
	values.Set("vs_currencies", "usd")
	req.URL.RawQuery = values.Encode()
	req.Header.Set("Accept", "application/json")
	if f.cfg.APIKey != "" {
		req.Header.Set("x-cg-pro-api-key", f.cfg.APIKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]json.Number
	if err := decoder.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	raw, ok := payload[id]["usd"]
	if !ok {
		return nil, fmt.Errorf("price missing for %s", id)
	}
	price, ok := new(big.Rat).SetString(raw.String())
	if !ok || price.Sign() <= 0 {
		return nil, fmt.Errorf("invalid price %q for %s", raw, id)
	}
	return price, nil
}
