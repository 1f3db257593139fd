// Package chain provides the static registry of supported chains.
// ALL per-chain policy (confirmation counts, timelock bounds, safety
// deposits) MUST be defined here or overridden via config. No hardcoded
// values should exist elsewhere in the codebase.
package chain

import "time"

// Family represents the chain family an adapter implementation serves.
type Family string

const (
	// FamilyEVM covers chains speaking the Ethereum JSON-RPC surface with
	// websocket log subscriptions available.
	FamilyEVM Family = "evm"

	// FamilyEVMPoll covers EVM chains whose nodes expose HTTP RPC only;
	// events are derived by scanning log history over height windows.
	FamilyEVMPoll Family = "evm-poll"
)

// Params holds the static parameters for one supported chain.
type Params struct {
	ID       string // chain id used throughout the system ("ethereum", "base", ...)
	Name     string
	Family   Family
	Decimals uint8

	// RequiredConfirmations is the finality-marker delta the orchestrator
	// waits for before creating the destination escrow. Policy, not derived
	// from the chain: slower-finality chains get higher counts.
	RequiredConfirmations uint64

	// FinalityPollInterval is the sleep between finality-marker polls.
	FinalityPollInterval time.Duration

	// EventPollInterval is the log-scan interval for poll-family adapters.
	EventPollInterval time.Duration

	// Timelock bounds accepted for new orders (absolute timestamp must fall
	// in [now+Min, now+Max]).
	MinTimelock time.Duration
	MaxTimelock time.Duration

	// DefaultSafetyDeposit is the collateral in base units posted alongside
	// an escrow creation, as a decimal string of native units.
	DefaultSafetyDeposit string

	// CoinType is the BIP44 coin type used for signing-key derivation.
	CoinType uint32
}

// registry defines all supported chains.
var registry = map[string]Params{
	"ethereum": {
		ID:                    "ethereum",
		Name:                  "Ethereum",
		Family:                FamilyEVM,
		Decimals:              18,
		RequiredConfirmations: 6,
		FinalityPollInterval:  10 * time.Second,
		EventPollInterval:     12 * time.Second,
		MinTimelock:           5 * time.Minute,
		MaxTimelock:           24 * time.Hour,
		DefaultSafetyDeposit:  "0.01",
		CoinType:              60,
	},
	"base": {
		ID:                    "base",
		Name:                  "Base",
		Family:                FamilyEVM,
		Decimals:              18,
		RequiredConfirmations: 12,
		FinalityPollInterval:  5 * time.Second,
		EventPollInterval:     4 * time.Second,
		MinTimelock:           5 * time.Minute,
		MaxTimelock:           24 * time.Hour,
		DefaultSafetyDeposit:  "0.005",
		CoinType:              60,
	},
	"bsc": {
		ID:                    "bsc",
		Name:                  "BNB Smart Chain",
		Family:                FamilyEVMPoll,
		Decimals:              18,
		RequiredConfirmations: 15,
		FinalityPollInterval:  5 * time.Second,
		EventPollInterval:     6 * time.Second,
		MinTimelock:           5 * time.Minute,
		MaxTimelock:           24 * time.Hour,
		DefaultSafetyDeposit:  "0.02",
		CoinType:              60,
	},
	"polygon": {
		ID:                    "polygon",
		Name:                  "Polygon",
		Family:                FamilyEVMPoll,
		Decimals:              18,
		RequiredConfirmations: 30,
		FinalityPollInterval:  5 * time.Second,
		EventPollInterval:     4 * time.Second,
		MinTimelock:           5 * time.Minute,
		MaxTimelock:           24 * time.Hour,
		DefaultSafetyDeposit:  "1",
		CoinType:              60,
	},
}

// Get returns the parameters for a chain id.
func Get(id string) (Params, bool) {
	p, ok := registry[id]
	return p, ok
}

// IsSupported reports whether a chain id is in the registry.
func IsSupported(id string) bool {
	_, ok := registry[id]
	return ok
}

// IDs returns all registered chain ids.
func IDs() []string {
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	return ids
}
