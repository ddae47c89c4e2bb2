package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/ethclient"

	x402evm "github.com/x402x/facilitator/mechanisms/evm"
)

// Dial connects to rpcURL and checks that the node serves chainID.
func Dial(ctx context.Context, rpcURL string, chainID *big.Int) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	got, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("chain id from %s: %w", rpcURL, err)
	}
	if chainID != nil && got.Cmp(chainID) != 0 {
		client.Close()
		return nil, fmt.Errorf("%s serves chain %s, expected %s", rpcURL, got, chainID)
	}
	return client, nil
}

// Clients is a set of open connections, one per network.
type Clients struct {
	Chains x402evm.ChainClients
	open   []*ethclient.Client
}

// DialNetworks opens one connection per network with a configured RPC URL.
// Networks without a URL are skipped.
func DialNetworks(ctx context.Context, networks *x402evm.Networks, rpcURLs map[string]string) (*Clients, error) {
	c := &Clients{Chains: make(x402evm.ChainClients)}
	for _, network := range networks.All() {
		url := rpcURLs[string(network.Name)]
		if url == "" {
			continue
		}
		client, err := Dial(ctx, url, network.ChainID)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("network %s: %w", network.Name, err)
		}
		c.Chains[network.Name] = client
		c.open = append(c.open, client)
	}
	return c, nil
}

// Close closes every connection.
func (c *Clients) Close() {
	for _, client := range c.open {
		client.Close()
	}
	c.open = nil
}
