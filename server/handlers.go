package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	x402x "github.com/x402x/facilitator"
	"github.com/x402x/facilitator/mechanisms/evm"
)

const defaultShutdownRetry = 5 * time.Second

type settleBody struct {
	x402x.SettleResponse
	// RetryAfter is set in seconds when the facilitator is overloaded.
	RetryAfter int `json:"retryAfter,omitempty"`
	// MinFacilitatorFee is set when the fee was too low.
	MinFacilitatorFee string `json:"minFacilitatorFee,omitempty"`
}

type feeQuoteBody struct {
	Network              x402x.Network `json:"network"`
	Hook                 string        `json:"hook"`
	HookAllowed          bool          `json:"hookAllowed"`
	MinFacilitatorFee    string        `json:"minFacilitatorFee"`
	MinFacilitatorFeeUSD string        `json:"minFacilitatorFeeUSD"`
	Decimals             int           `json:"decimals"`
	GasLimit             uint64        `json:"gasLimit"`
	GasPrice             string        `json:"gasPrice"`
	GasPriceSource       string        `json:"gasPriceSource"`
	NativeTokenPriceUSD  string        `json:"nativeTokenPriceUSD"`
	CalculatedAt         time.Time     `json:"calculatedAt"`
	ValiditySeconds      int           `json:"validitySeconds"`
}

type errorBody struct {
	Error       string `json:"error"`
	ErrorReason string `json:"errorReason,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	supported := s.deps.Facilitator.GetSupported()
	networks := make([]x402x.Network, 0, len(supported.Kinds))
	for _, kind := range supported.Kinds {
		networks = append(networks, kind.Network)
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"networks": networks,
	})
}

func (s *Server) handleSupported(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Facilitator.GetSupported())
}

func (s *Server) handleVerify(c *gin.Context) {
	var req x402x.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body", ErrorReason: x402x.ReasonInvalidPayload})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.VerifyTimeout)
	defer cancel()

	resp, err := s.deps.Facilitator.Verify(ctx, req)
	if err != nil {
		s.logger.Warn("Verify failed", "network", req.PaymentRequirements.Network, "err", err)
		resp.IsValid = false
		if resp.InvalidReason == "" {
			resp.InvalidReason = x402x.ReasonOf(err)
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSettle(c *gin.Context) {
	var req x402x.SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body", ErrorReason: x402x.ReasonInvalidPayload})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.SettleTimeout)
	defer cancel()

	resp, err := s.deps.Facilitator.Settle(ctx, req)
	body := settleBody{SettleResponse: resp}
	if err == nil {
		c.JSON(http.StatusOK, body)
		return
	}
	if body.ErrorReason == "" {
		body.ErrorReason = x402x.ReasonOf(err)
	}
	if body.Network == "" {
		body.Network = req.PaymentRequirements.Network
	}

	if errors.Is(err, x402x.ErrShuttingDown) {
		body.RetryAfter = setRetryAfter(c, defaultShutdownRetry)
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	se, ok := x402x.AsSettlementError(err)
	if !ok {
		s.logger.Error("Settle failed", "network", body.Network, "err", err)
		c.JSON(http.StatusOK, body)
		return
	}
	if body.Transaction == "" {
		body.Transaction = se.Transaction
	}
	switch se.Kind {
	case x402x.KindOverload:
		body.RetryAfter = setRetryAfter(c, se.RetryAfter)
		c.JSON(http.StatusServiceUnavailable, body)
		return
	case x402x.KindInsufficientFee:
		if se.MinFee != nil {
			body.MinFacilitatorFee = se.MinFee.String()
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleMinFee(c *gin.Context) {
	network := x402x.Network(strings.TrimSpace(c.Query("network")))
	if network == "" {
		c.JSON(http.StatusBadRequest, errorBody{Error: "network is required", ErrorReason: x402x.ReasonInvalidPayload})
		return
	}
	var hook common.Address
	if raw := strings.TrimSpace(c.Query("hook")); raw != "" {
		if !common.IsHexAddress(raw) {
			c.JSON(http.StatusBadRequest, errorBody{Error: "hook must be an address", ErrorReason: x402x.ReasonInvalidPayload})
			return
		}
		hook = common.HexToAddress(raw)
	}
	hookData, err := evm.HexToBytes(strings.TrimSpace(c.Query("hookData")))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "hookData must be hex", ErrorReason: x402x.ReasonInvalidHookData})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.QuoteTimeout)
	defer cancel()
	quote, err := s.deps.Fees.CalculateMinFee(ctx, network, hook, hookData)
	if err != nil {
		reason := x402x.ReasonOf(err)
		code := http.StatusBadGateway
		if se, ok := x402x.AsSettlementError(err); ok && se.Kind.ClientCaused() || reason == x402x.ReasonNetworkNotConfigured {
			code = http.StatusBadRequest
		}
		s.logger.Debug("Fee quote failed", "network", network, "err", err)
		c.JSON(code, errorBody{Error: "cannot quote facilitator fee", ErrorReason: reason})
		return
	}

	allowed := s.deps.Hooks == nil || s.deps.Hooks.CheckHook(network, hook) == nil
	body := feeQuoteBody{
		Network:           quote.Network,
		Hook:              hook.Hex(),
		HookAllowed:       allowed,
		MinFacilitatorFee: quote.MinFacilitatorFee.String(),
		Decimals:          quote.Decimals,
		GasLimit:          quote.Breakdown.GasLimit,
		GasPriceSource:    string(quote.Breakdown.GasPriceSource),
		CalculatedAt:      quote.CalculatedAt.UTC(),
		ValiditySeconds:   quote.ValiditySeconds,
	}
	if quote.MinFacilitatorFeeUSD != nil {
		body.MinFacilitatorFeeUSD = quote.MinFacilitatorFeeUSD.FloatString(6)
	}
	if quote.Breakdown.GasPriceWei != nil {
		body.GasPrice = quote.Breakdown.GasPriceWei.String()
	}
	if quote.Breakdown.NativePriceUSD != nil {
		body.NativeTokenPriceUSD = quote.Breakdown.NativePriceUSD.FloatString(2)
	}
	c.JSON(http.StatusOK, body)
}
