// Package routes validates cross-chain transfer routes.
//
// Route validation is a safety gate, not an optimization: a burn submitted
// toward an unsupported destination is unrecoverable, so every value-moving
// path must pass here before any signature is created.
package routes

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Error codes carried by RouteResult.
const (
	CodeInvalidChain = "INVALID_CHAIN"
	CodeSameChain    = "SAME_CHAIN"
)

// Chain describes one supported chain within the cross-chain messaging
// scheme. Domain is the protocol-level numeric identifier.
type Chain struct {
	Name               string
	Domain             uint32
	TokenMessenger     common.Address
	MessageTransmitter common.Address
	USDC               common.Address
}

// RouteResult is the outcome of validating a (source, destination) pair.
type RouteResult struct {
	Valid           bool     `json:"valid"`
	Code            string   `json:"code,omitempty"`
	Message         string   `json:"message,omitempty"`
	SupportedChains []string `json:"supported_chains,omitempty"`
}

// Validator checks requested routes against the supported chain set.
type Validator struct {
	chains map[string]Chain
}

// New creates a validator over the given chain set. Chain names are matched
// case-insensitively.
func New(chains []Chain) *Validator {
	m := make(map[string]Chain, len(chains))
	for _, c := range chains {
		m[strings.ToLower(c.Name)] = c
	}
	return &Validator{chains: m}
}

// Validate checks that both chains are supported and distinct. A same-chain
// pair is not a bridge and must be redirected to a plain transfer.
func (v *Validator) Validate(sourceChain, destinationChain string) RouteResult {
	source := strings.ToLower(strings.TrimSpace(sourceChain))
	destination := strings.ToLower(strings.TrimSpace(destinationChain))

	if _, ok := v.chains[source]; !ok {
		return v.invalid(CodeInvalidChain, fmt.Sprintf("source chain %q is not supported", sourceChain))
	}
	if _, ok := v.chains[destination]; !ok {
		return v.invalid(CodeInvalidChain, fmt.Sprintf("destination chain %q is not supported", destinationChain))
	}
	if source == destination {
		return v.invalid(CodeSameChain, "source and destination chain are the same; use a plain transfer instead of a bridge")
	}
	return RouteResult{Valid: true}
}

// ChainByName resolves a supported chain by name.
func (v *Validator) ChainByName(name string) (Chain, bool) {
	c, ok := v.chains[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

// Supported returns the sorted list of supported chain names.
func (v *Validator) Supported() []string {
	names := make([]string, 0, len(v.chains))
	for name := range v.chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (v *Validator) invalid(code, message string) RouteResult {
	return RouteResult{
		Valid:           false,
		Code:            code,
		Message:         message,
		SupportedChains: v.Supported(),
	}
}

// DefaultChains is the production chain set with protocol domain ids. The
// messenger and transmitter contracts are deployed at the same address on
// every supported chain; the token address differs per chain.
func DefaultChains() []Chain {
	messenger := common.HexToAddress("0x28b5a0e9C621a5BadaA536219b3a228C8168cf5d")
	transmitter := common.HexToAddress("0x81D40F21F12A8F0E3252Bccb954D722d4c464B64")
	chain := func(name string, domain uint32, usdc string) Chain {
		return Chain{
			Name:               name,
			Domain:             domain,
			TokenMessenger:     messenger,
			MessageTransmitter: transmitter,
			USDC:               common.HexToAddress(usdc),
		}
	}
	return []Chain{
		chain("ethereum", 0, "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
		chain("avalanche", 1, "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E"),
		chain("optimism", 2, "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85"),
		chain("arbitrum", 3, "0xaf88d065e77c8cC2239327C5EDb3A432268e5831"),
		chain("base", 6, "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
		chain("polygon", 7, "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"),
	}
}
