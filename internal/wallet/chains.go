package wallet

import (
	"strings"

	"github.com/NgigiN/stablelink/internal/apperr"
)

// Chain describes a network the custody provider can sign for.
type Chain struct {
	Key         string
	ChainID     uint64
	CAIP2       string
	Name        string
	ExplorerURL string
}

// EVM reports whether the chain uses eip155 addressing.
func (c Chain) EVM() bool {
	return strings.HasPrefix(c.CAIP2, "eip155:")
}

// TxURL links a transaction hash on the chain's explorer.
func (c Chain) TxURL(hash string) string {
	return c.ExplorerURL + "/tx/" + hash
}

var Chains = map[string]Chain{
	"ethereum": {Key: "ethereum", ChainID: 1, CAIP2: "eip155:1", Name: "Ethereum", ExplorerURL: "https://etherscan.io"},
	"base":     {Key: "base", ChainID: 8453, CAIP2: "eip155:8453", Name: "Base", ExplorerURL: "https://basescan.org"},
	"polygon":  {Key: "polygon", ChainID: 137, CAIP2: "eip155:137", Name: "Polygon", ExplorerURL: "https://polygonscan.com"},
	"arbitrum": {Key: "arbitrum", ChainID: 42161, CAIP2: "eip155:42161", Name: "Arbitrum One", ExplorerURL: "https://arbiscan.io"},
	"optimism": {Key: "optimism", ChainID: 10, CAIP2: "eip155:10", Name: "OP Mainnet", ExplorerURL: "https://optimistic.etherscan.io"},
	"celo":     {Key: "celo", ChainID: 42220, CAIP2: "eip155:42220", Name: "Celo", ExplorerURL: "https://celoscan.io"},
	"sepolia":  {Key: "sepolia", ChainID: 11155111, CAIP2: "eip155:11155111", Name: "Sepolia", ExplorerURL: "https://sepolia.etherscan.io"},
	"base-sepolia": {
		Key: "base-sepolia", ChainID: 84532, CAIP2: "eip155:84532", Name: "Base Sepolia", ExplorerURL: "https://sepolia.basescan.org",
	},
	"solana": {
		Key: "solana", ChainID: 101, CAIP2: "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp", Name: "Solana", ExplorerURL: "https://solscan.io",
	},
}

// LookupChain resolves a chain key, failing with UNSUPPORTED_CHAIN.
func LookupChain(key string) (Chain, error) {
	c, ok := Chains[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return Chain{}, apperr.Newf(apperr.KindUnsupported, "unknown chain %q", key)
	}
	return c, nil
}
