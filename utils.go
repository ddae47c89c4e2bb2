package x402x

import "fmt"

// ValidatePaymentPayload performs basic validation on a payment payload
func ValidatePaymentPayload(p PaymentPayload) error {
	if p.X402Version < 1 || p.X402Version > 2 {
		return fmt.Errorf("unsupported x402 version: %d", p.X402Version)
	}
	if p.SchemeName() == "" {
		return fmt.Errorf("payment scheme is required")
	}
	if p.NetworkName() == "" {
		return fmt.Errorf("payment network is required")
	}
	if p.Payload == nil {
		return fmt.Errorf("payment payload is required")
	}
	return nil
}

// ValidatePaymentRequirements performs basic validation on payment requirements
func ValidatePaymentRequirements(r PaymentRequirements) error {
	if r.Scheme == "" {
		return fmt.Errorf("payment scheme is required")
	}
	if r.Network == "" {
		return fmt.Errorf("payment network is required")
	}
	if r.Asset == "" {
		return fmt.Errorf("payment asset is required")
	}
	if r.RequiredAmount() == "" {
		return fmt.Errorf("payment amount is required")
	}
	if r.Extra == nil {
		return fmt.Errorf("settlement parameters are required in extra")
	}
	return nil
}

// findByNetworkAndScheme finds a scheme implementation for a given network/scheme combination
func findByNetworkAndScheme[T comparable](networkMap map[Network]map[string]T, scheme string, network Network) T {
	var zero T
	if schemeMap, exists := networkMap[network]; exists {
		if impl, exists := schemeMap[scheme]; exists {
			return impl
		}
	}
	return zero
}
