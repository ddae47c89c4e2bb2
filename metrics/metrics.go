// Package metrics exposes the facilitator's Prometheus instruments on a
// private registry.
package metrics

import (
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	x402x "github.com/x402x/facilitator"
	"github.com/x402x/facilitator/gasprice"
)

const namespace = "x402x_facilitator"

// Registry holds every instrument. Its methods satisfy the observer
// interfaces of accountpool and settlement.
type Registry struct {
	registry *prometheus.Registry

	settlements        *prometheus.CounterVec
	settlementDuration *prometheus.HistogramVec
	queueDepth         *prometheus.GaugeVec
	overloads          *prometheus.CounterVec
	gasPrice           *prometheus.GaugeVec
	rpcRetries         *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
}

// New creates and registers the instruments.
func New() *Registry {
	settlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settlements_total",
		Help:      "Settlements by network and outcome reason",
	}, []string{"network", "outcome"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "settlement_duration_seconds",
		Help:      "Time from lane pickup to terminal state",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"network"})

	depth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "account_queue_depth",
		Help:      "Queued plus in-flight settlements per account",
	}, []string{"network", "account"})

	overloads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "overload_rejections_total",
		Help:      "Settlements rejected because every account lane was full",
	}, []string{"network"})

	gasPrice := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gas_price_wei",
		Help:      "Last gas price handed out by the oracle",
	}, []string{"network", "source"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_retries_total",
		Help:      "Retried RPC calls by operation",
	}, []string{"network", "operation"})

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status code",
	}, []string{"route", "code"})

	r := prometheus.NewRegistry()
	r.MustRegister(settlements, duration, depth, overloads, gasPrice, retries, requests)

	return &Registry{
		registry:           r,
		settlements:        settlements,
		settlementDuration: duration,
		queueDepth:         depth,
		overloads:          overloads,
		gasPrice:           gasPrice,
		rpcRetries:         retries,
		httpRequests:       requests,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests and custom exporters.
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.registry
}

// QueueDepth records the depth of one account lane.
func (m *Registry) QueueDepth(network x402x.Network, account common.Address, depth int) {
	m.queueDepth.WithLabelValues(string(network), account.Hex()).Set(float64(depth))
}

// Overloaded counts a rejected admission.
func (m *Registry) Overloaded(network x402x.Network) {
	m.overloads.WithLabelValues(string(network)).Inc()
}

// SettlementFinished counts a terminal settlement. Successes are labelled
// "settled", failures by their reason code.
func (m *Registry) SettlementFinished(network x402x.Network, reason string, success bool, elapsed time.Duration) {
	outcome := reason
	if success {
		outcome = "settled"
	}
	m.settlements.WithLabelValues(string(network), outcome).Inc()
	if elapsed > 0 {
		m.settlementDuration.WithLabelValues(string(network)).Observe(elapsed.Seconds())
	}
}

// RPCRetry counts one retried RPC call.
func (m *Registry) RPCRetry(network x402x.Network, operation string) {
	m.rpcRetries.WithLabelValues(string(network), operation).Inc()
}

// GasPrice records an oracle quote; pass it to gasprice.WithObserver.
func (m *Registry) GasPrice(q gasprice.Quote) {
	if q.PriceWei == nil {
		return
	}
	price, _ := new(big.Float).SetInt(q.PriceWei).Float64()
	m.gasPrice.WithLabelValues(string(q.Network), string(q.Source)).Set(price)
}

// Request counts one served HTTP request.
func (m *Registry) Request(route string, code int) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
