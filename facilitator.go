package x402x

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultSettlementCacheTTL bounds how long a successful settle response is
// replayed to duplicate callers.
const DefaultSettlementCacheTTL = 10 * time.Minute

// Facilitator routes verify and settle calls to the mechanism registered for
// the payment's network and scheme, runs lifecycle hooks around them and
// coalesces duplicate settlements.
type Facilitator struct {
	mu sync.RWMutex

	schemes    map[Network]map[string]SchemeNetworkFacilitator
	extensions []string
	cache      *SettlementCache

	// Lifecycle hooks
	beforeVerifyHooks    []FacilitatorBeforeVerifyHook
	afterVerifyHooks     []FacilitatorAfterVerifyHook
	onVerifyFailureHooks []FacilitatorOnVerifyFailureHook
	beforeSettleHooks    []FacilitatorBeforeSettleHook
	afterSettleHooks     []FacilitatorAfterSettleHook
	onSettleFailureHooks []FacilitatorOnSettleFailureHook
}

// FacilitatorOption configures a Facilitator.
type FacilitatorOption func(*Facilitator)

// WithSettlementCache replaces the default settlement cache.
func WithSettlementCache(cache *SettlementCache) FacilitatorOption {
	return func(f *Facilitator) {
		f.cache = cache
	}
}

// NewFacilitator creates an empty facilitator.
func NewFacilitator(opts ...FacilitatorOption) *Facilitator {
	f := &Facilitator{
		schemes:    make(map[Network]map[string]SchemeNetworkFacilitator),
		extensions: []string{},
		cache:      NewSettlementCache(DefaultSettlementCacheTTL),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register registers a mechanism for the given networks.
func (f *Facilitator) Register(facilitator SchemeNetworkFacilitator, networks ...Network) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, network := range networks {
		if f.schemes[network] == nil {
			f.schemes[network] = make(map[string]SchemeNetworkFacilitator)
		}
		f.schemes[network][facilitator.Scheme()] = facilitator
	}
	return f
}

// RegisterExtension registers a protocol extension
func (f *Facilitator) RegisterExtension(extension string) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ext := range f.extensions {
		if ext == extension {
			return f
		}
	}
	f.extensions = append(f.extensions, extension)
	return f
}

// ============================================================================
// Hook Registration Methods
// ============================================================================

func (f *Facilitator) OnBeforeVerify(hook FacilitatorBeforeVerifyHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeVerifyHooks = append(f.beforeVerifyHooks, hook)
	return f
}

func (f *Facilitator) OnAfterVerify(hook FacilitatorAfterVerifyHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterVerifyHooks = append(f.afterVerifyHooks, hook)
	return f
}

func (f *Facilitator) OnVerifyFailure(hook FacilitatorOnVerifyFailureHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onVerifyFailureHooks = append(f.onVerifyFailureHooks, hook)
	return f
}

func (f *Facilitator) OnBeforeSettle(hook FacilitatorBeforeSettleHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeSettleHooks = append(f.beforeSettleHooks, hook)
	return f
}

func (f *Facilitator) OnAfterSettle(hook FacilitatorAfterSettleHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterSettleHooks = append(f.afterSettleHooks, hook)
	return f
}

func (f *Facilitator) OnSettleFailure(hook FacilitatorOnSettleFailureHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSettleFailureHooks = append(f.onSettleFailureHooks, hook)
	return f
}

// ============================================================================
// Core Payment Methods
// ============================================================================

// Verify checks a payment without touching settlement capacity.
func (f *Facilitator) Verify(ctx context.Context, req VerifyRequest) (VerifyResponse, error) {
	start := time.Now()
	hookCtx := FacilitatorVerifyContext{
		Ctx:          ctx,
		Payload:      req.PaymentPayload,
		Requirements: req.PaymentRequirements,
		Timestamp:    start,
	}

	if err := ValidatePaymentRequirements(req.PaymentRequirements); err != nil {
		return VerifyResponse{IsValid: false, InvalidReason: ReasonInvalidPayload}, nil
	}
	if err := ValidatePaymentPayload(req.PaymentPayload); err != nil {
		return VerifyResponse{IsValid: false, InvalidReason: ReasonInvalidPayload}, nil
	}

	for _, hook := range f.snapshotBeforeVerify() {
		result, err := hook(hookCtx)
		if err != nil {
			return VerifyResponse{IsValid: false}, err
		}
		if result != nil && result.Abort {
			return VerifyResponse{IsValid: false, InvalidReason: result.Reason}, nil
		}
	}

	mechanism, err := f.lookup(req.PaymentRequirements.Scheme, req.PaymentRequirements.Network)
	if err != nil {
		return VerifyResponse{IsValid: false, InvalidReason: ReasonOf(err)}, nil
	}

	resp, err := mechanism.Verify(ctx, req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		failureCtx := FacilitatorVerifyFailureContext{FacilitatorVerifyContext: hookCtx, Error: err, Duration: time.Since(start)}
		for _, hook := range f.snapshotVerifyFailure() {
			_ = hook(failureCtx)
		}
		return resp, err
	}

	resultCtx := FacilitatorVerifyResultContext{FacilitatorVerifyContext: hookCtx, Result: resp, Duration: time.Since(start)}
	for _, hook := range f.snapshotAfterVerify() {
		_ = hook(resultCtx)
	}
	return resp, nil
}

// Settle settles a payment. Concurrent calls for the same settlement intent
// share one execution, and a recent success is replayed instead of being
// submitted again.
func (f *Facilitator) Settle(ctx context.Context, req SettleRequest) (SettleResponse, error) {
	start := time.Now()
	hookCtx := FacilitatorSettleContext{
		Ctx:          ctx,
		Payload:      req.PaymentPayload,
		Requirements: req.PaymentRequirements,
		Timestamp:    start,
	}
	network := req.PaymentRequirements.Network

	if err := ValidatePaymentRequirements(req.PaymentRequirements); err != nil {
		return f.settleFailed(hookCtx, start, network, WrapSettlementError(KindValidation, ReasonInvalidPayload, err))
	}
	if err := ValidatePaymentPayload(req.PaymentPayload); err != nil {
		return f.settleFailed(hookCtx, start, network, WrapSettlementError(KindValidation, ReasonInvalidPayload, err))
	}

	for _, hook := range f.snapshotBeforeSettle() {
		result, err := hook(hookCtx)
		if err != nil {
			return f.settleFailed(hookCtx, start, network, err)
		}
		if result != nil && result.Abort {
			return f.settleFailed(hookCtx, start, network, NewSettlementError(KindValidation, result.Reason, "aborted by hook"))
		}
	}

	mechanism, err := f.lookup(req.PaymentRequirements.Scheme, network)
	if err != nil {
		return f.settleFailed(hookCtx, start, network, err)
	}

	key, err := mechanism.SettlementKey(req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		return f.settleFailed(hookCtx, start, network, err)
	}

	for {
		status, cached, done := f.cache.CheckAndMark(key)
		switch status {
		case StatusCached:
			return *cached, nil
		case StatusInFlight:
			result, err := f.cache.WaitForResult(ctx, key, done)
			if err != nil {
				return SettleResponse{Success: false, Network: network, ErrorReason: ReasonSettlementInProgress},
					SettlementInProgress("", 0, err)
			}
			if result != nil {
				return *result, nil
			}
			// the other attempt failed; try ourselves
			continue
		}

		resp, err := mechanism.Settle(ctx, req.PaymentPayload, req.PaymentRequirements)
		if err != nil || !resp.Success {
			f.cache.Fail(key, done)
			if err == nil {
				err = NewSettlementError(KindValidation, resp.ErrorReason, "settlement unsuccessful")
			}
			return f.settleFailedWith(hookCtx, start, resp, err)
		}
		f.cache.Complete(key, &resp, done)

		resultCtx := FacilitatorSettleResultContext{FacilitatorSettleContext: hookCtx, Result: resp, Duration: time.Since(start)}
		for _, hook := range f.snapshotAfterSettle() {
			_ = hook(resultCtx)
		}
		return resp, nil
	}
}

func (f *Facilitator) settleFailed(hookCtx FacilitatorSettleContext, start time.Time, network Network, err error) (SettleResponse, error) {
	resp := SettleResponse{Success: false, Network: network, ErrorReason: ReasonOf(err)}
	return f.settleFailedWith(hookCtx, start, resp, err)
}

func (f *Facilitator) settleFailedWith(hookCtx FacilitatorSettleContext, start time.Time, resp SettleResponse, err error) (SettleResponse, error) {
	if resp.ErrorReason == "" {
		resp.ErrorReason = ReasonOf(err)
	}
	if resp.Network == "" {
		resp.Network = hookCtx.Requirements.Network
	}
	failureCtx := FacilitatorSettleFailureContext{FacilitatorSettleContext: hookCtx, Result: resp, Error: err, Duration: time.Since(start)}
	for _, hook := range f.snapshotSettleFailure() {
		result, _ := hook(failureCtx)
		if result != nil && result.Recovered {
			return result.Result, nil
		}
	}
	return resp, err
}

// GetSupported returns supported payment kinds
func (f *Facilitator) GetSupported() SupportedResponse {
	f.mu.RLock()
	defer f.mu.RUnlock()

	kinds := []SupportedKind{}
	signers := make(map[string][]string)
	seen := make(map[string]map[string]bool)

	networks := make([]Network, 0, len(f.schemes))
	for network := range f.schemes {
		networks = append(networks, network)
	}
	sort.Slice(networks, func(i, j int) bool { return networks[i] < networks[j] })

	for _, network := range networks {
		for scheme, mechanism := range f.schemes[network] {
			version := 1
			if network.IsCAIP2() {
				version = 2
			}
			kinds = append(kinds, SupportedKind{
				X402Version: version,
				Scheme:      scheme,
				Network:     network,
				Extra:       mechanism.GetExtra(network),
			})

			family := mechanism.CaipFamily()
			if seen[family] == nil {
				seen[family] = make(map[string]bool)
			}
			for _, addr := range mechanism.GetSigners(network) {
				if !seen[family][addr] {
					seen[family][addr] = true
					signers[family] = append(signers[family], addr)
				}
			}
		}
	}

	return SupportedResponse{
		Kinds:      kinds,
		Extensions: append([]string(nil), f.extensions...),
		Signers:    signers,
	}
}

func (f *Facilitator) lookup(scheme string, network Network) (SchemeNetworkFacilitator, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	mechanism := findByNetworkAndScheme(f.schemes, scheme, network)
	if mechanism == nil {
		return nil, NewSettlementError(KindWhitelist, ReasonNetworkNotConfigured,
			fmt.Sprintf("no facilitator for %s on %s", scheme, network))
	}
	return mechanism, nil
}

func (f *Facilitator) snapshotBeforeVerify() []FacilitatorBeforeVerifyHook {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.beforeVerifyHooks
}

func (f *Facilitator) snapshotAfterVerify() []FacilitatorAfterVerifyHook {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.afterVerifyHooks
}

func (f *Facilitator) snapshotVerifyFailure() []FacilitatorOnVerifyFailureHook {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.onVerifyFailureHooks
}

func (f *Facilitator) snapshotBeforeSettle() []FacilitatorBeforeSettleHook {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.beforeSettleHooks
}

func (f *Facilitator) snapshotAfterSettle() []FacilitatorAfterSettleHook {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.afterSettleHooks
}

func (f *Facilitator) snapshotSettleFailure() []FacilitatorOnSettleFailureHook {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.onSettleFailureHooks
}
