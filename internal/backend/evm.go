package backend

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/lockswap-exchange/lockswap/pkg/helpers"
	"github.com/lockswap-exchange/lockswap/pkg/logging"
)

// escrowABI is the capability surface of the HTLC escrow contract. The
// contract itself is out of scope here; this binding covers exactly the
// calls and events the adapter needs.
const escrowABI = `[
  {"type":"function","name":"createEscrow","stateMutability":"payable","inputs":[{"name":"id","type":"bytes32"},{"name":"recipient","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"hashlock","type":"bytes32"},{"name":"timelock","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"redeem","stateMutability":"nonpayable","inputs":[{"name":"id","type":"bytes32"},{"name":"preimage","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[{"name":"id","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"getEscrow","stateMutability":"view","inputs":[{"name":"id","type":"bytes32"}],"outputs":[{"name":"sender","type":"address"},{"name":"recipient","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"hashlock","type":"bytes32"},{"name":"timelock","type":"uint256"},{"name":"state","type":"uint8"}]},
  {"type":"event","name":"EscrowCreated","anonymous":false,"inputs":[{"name":"id","type":"bytes32","indexed":true},{"name":"sender","type":"address","indexed":true},{"name":"recipient","type":"address","indexed":true},{"name":"token","type":"address","indexed":false},{"name":"amount","type":"uint256","indexed":false},{"name":"hashlock","type":"bytes32","indexed":false},{"name":"timelock","type":"uint256","indexed":false}]},
  {"type":"event","name":"EscrowRedeemed","anonymous":false,"inputs":[{"name":"id","type":"bytes32","indexed":true},{"name":"preimage","type":"bytes32","indexed":false}]},
  {"type":"event","name":"EscrowRefunded","anonymous":false,"inputs":[{"name":"id","type":"bytes32","indexed":true}]}
]`

// Escrow contract states, mirroring the on-chain enum.
const (
	escrowStateNone     uint8 = 0
	escrowStateActive   uint8 = 1
	escrowStateRedeemed uint8 = 2
	escrowStateRefunded uint8 = 3
)

// SwapKey derives the on-chain bytes32 escrow id from an order id. The key
// is identical on both chains of a swap, which is what lets the relayer
// match counterpart escrows.
func SwapKey(orderID string) [32]byte {
	return crypto.Keccak256Hash([]byte(orderID))
}

// SwapKeyHex is SwapKey as an 0x-prefixed hex string, the form carried in
// events and escrow records.
func SwapKeyHex(orderID string) string {
	k := SwapKey(orderID)
	return helpers.BytesToHex(k[:])
}

// parseSwapKey decodes an 0x-hex swap key.
func parseSwapKey(swapID string) ([32]byte, error) {
	k, ok := helpers.HexToHash32(swapID)
	if !ok {
		return k, fmt.Errorf("invalid swap key %q", swapID)
	}
	return k, nil
}

// EVMBackend serves an EVM chain with websocket push event delivery.
// Submissions and calls go over the HTTP endpoint; the event stream
// subscribes over the websocket endpoint.
type EVMBackend struct {
	chainID    string
	client     *ethclient.Client
	wsClient   *ethclient.Client
	contract   *bind.BoundContract
	abi        abi.ABI
	address    common.Address
	privKey    *ecdsa.PrivateKey
	evmChainID *big.Int
	log        *logging.Logger

	createdTopic  common.Hash
	redeemedTopic common.Hash
	refundedTopic common.Hash
}

// EVMConfig configures an EVMBackend.
type EVMConfig struct {
	ChainID         string
	RPCURL          string
	WSURL           string // empty disables push event delivery
	ContractAddress string
	PrivKey         *ecdsa.PrivateKey
}

// NewEVM connects an EVMBackend.
func NewEVM(ctx context.Context, cfg EVMConfig) (*EVMBackend, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s RPC: %w", cfg.ChainID, err)
	}

	evmChainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get %s chain id: %w", cfg.ChainID, err)
	}

	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	var wsClient *ethclient.Client
	if cfg.WSURL != "" {
		wsClient, err = ethclient.DialContext(ctx, cfg.WSURL)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to %s websocket: %w", cfg.ChainID, err)
		}
	}

	address := common.HexToAddress(cfg.ContractAddress)
	b := &EVMBackend{
		chainID:       cfg.ChainID,
		client:        client,
		wsClient:      wsClient,
		contract:      bind.NewBoundContract(address, parsed, client, client, client),
		abi:           parsed,
		address:       address,
		privKey:       cfg.PrivKey,
		evmChainID:    evmChainID,
		log:           logging.GetDefault().Component("backend/" + cfg.ChainID),
		createdTopic:  parsed.Events["EscrowCreated"].ID,
		redeemedTopic: parsed.Events["EscrowRedeemed"].ID,
		refundedTopic: parsed.Events["EscrowRefunded"].ID,
	}
	return b, nil
}

// ChainID returns the chain id this backend serves.
func (b *EVMBackend) ChainID() string { return b.chainID }

// Close releases the RPC connections.
func (b *EVMBackend) Close() {
	b.client.Close()
	if b.wsClient != nil {
		b.wsClient.Close()
	}
}

// SubmitCreateEscrow submits an escrow creation and waits for inclusion.
// A duplicate id against an identical active escrow resolves as success.
func (b *EVMBackend) SubmitCreateEscrow(ctx context.Context, params CreateParams) (*SubmitResult, error) {
	key, err := parseSwapKey(params.SwapID)
	if err != nil {
		return nil, err
	}

	token := common.Address{}
	if params.Token != "" {
		token = common.HexToAddress(params.Token)
	}

	// Native escrows carry amount + safety deposit as call value; token
	// escrows carry the deposit only (the token moves via transferFrom).
	value := new(big.Int)
	if params.SafetyDeposit != nil {
		value.Set(params.SafetyDeposit)
	}
	if params.Token == "" {
		value.Add(value, params.Amount)
	}

	var result *SubmitResult
	err = withRetry(ctx, func() error {
		opts, err := b.transactor(ctx)
		if err != nil {
			return err
		}
		opts.Value = value

		tx, err := b.contract.Transact(opts, "createEscrow",
			key,
			common.HexToAddress(params.Recipient),
			token,
			params.Amount,
			params.Hashlock,
			big.NewInt(params.Timelock),
		)
		if err != nil {
			return mapRevert(err)
		}

		result, err = b.waitMined(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SubmitRedeem submits a redemption with the given preimage.
func (b *EVMBackend) SubmitRedeem(ctx context.Context, swapID string, preimage [32]byte) (*SubmitResult, error) {
	key, err := parseSwapKey(swapID)
	if err != nil {
		return nil, err
	}

	var result *SubmitResult
	err = withRetry(ctx, func() error {
		opts, err := b.transactor(ctx)
		if err != nil {
			return err
		}
		tx, err := b.contract.Transact(opts, "redeem", key, preimage)
		if err != nil {
			return mapRevert(err)
		}
		result, err = b.waitMined(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SubmitRefund submits a refund for an expired escrow.
func (b *EVMBackend) SubmitRefund(ctx context.Context, swapID string) (*SubmitResult, error) {
	key, err := parseSwapKey(swapID)
	if err != nil {
		return nil, err
	}

	var result *SubmitResult
	err = withRetry(ctx, func() error {
		opts, err := b.transactor(ctx)
		if err != nil {
			return err
		}
		tx, err := b.contract.Transact(opts, "refund", key)
		if err != nil {
			return mapRevert(err)
		}
		result, err = b.waitMined(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetEscrowState returns the chain's current view of an escrow.
func (b *EVMBackend) GetEscrowState(ctx context.Context, swapID string) (*EscrowState, error) {
	key, err := parseSwapKey(swapID)
	if err != nil {
		return nil, err
	}

	var out []interface{}
	err = withRetry(ctx, func() error {
		out = out[:0]
		return b.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getEscrow", key)
	})
	if err != nil {
		return nil, mapRevert(err)
	}
	if len(out) != 7 {
		return nil, fmt.Errorf("unexpected getEscrow result arity %d", len(out))
	}

	state := out[6].(uint8)
	if state == escrowStateNone {
		return nil, ErrEscrowNotFound
	}

	token := ""
	if tokenAddr := out[2].(common.Address); tokenAddr != (common.Address{}) {
		token = tokenAddr.Hex()
	}

	return &EscrowState{
		Sender:    out[0].(common.Address).Hex(),
		Recipient: out[1].(common.Address).Hex(),
		Token:     token,
		Amount:    out[3].(*big.Int),
		Hashlock:  out[4].([32]byte),
		Timelock:  out[5].(*big.Int).Int64(),
		Redeemed:  state == escrowStateRedeemed,
		Refunded:  state == escrowStateRefunded,
	}, nil
}

// IsExpired reports whether the escrow timelock has passed.
func (b *EVMBackend) IsExpired(ctx context.Context, swapID string) (bool, error) {
	state, err := b.GetEscrowState(ctx, swapID)
	if err != nil {
		return false, err
	}
	return time.Now().Unix() > state.Timelock, nil
}

// CurrentFinalityMarker returns the latest block number.
func (b *EVMBackend) CurrentFinalityMarker(ctx context.Context) (uint64, error) {
	var height uint64
	err := withRetry(ctx, func() error {
		var err error
		height, err = b.client.BlockNumber(ctx)
		return err
	})
	return height, err
}

// Events subscribes to escrow events over the websocket endpoint. The
// channel closes when the subscription fails; the consumer restarts it.
func (b *EVMBackend) Events(ctx context.Context) (<-chan Event, error) {
	if b.wsClient == nil {
		return nil, fmt.Errorf("chain %s has no websocket endpoint configured", b.chainID)
	}

	query := ethereum.FilterQuery{
		Addresses: []common.Address{b.address},
		Topics:    [][]common.Hash{{b.createdTopic, b.redeemedTopic, b.refundedTopic}},
	}

	logs := make(chan types.Log, 64)
	sub, err := b.wsClient.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s logs: %w", b.chainID, err)
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				if err != nil {
					b.log.Warn("Log subscription failed", "error", err)
				}
				return
			case vLog := <-logs:
				if vLog.Removed {
					continue
				}
				event, ok := b.parseLog(vLog)
				if !ok {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// parseLog converts a raw log into an Event.
func (b *EVMBackend) parseLog(vLog types.Log) (Event, bool) {
	if len(vLog.Topics) < 2 {
		return Event{}, false
	}

	event := Event{
		SwapID:         helpers.BytesToHex(vLog.Topics[1].Bytes()),
		TxHash:         vLog.TxHash.Hex(),
		FinalityMarker: vLog.BlockNumber,
	}

	switch vLog.Topics[0] {
	case b.createdTopic:
		event.Kind = EventCreated
	case b.redeemedTopic:
		event.Kind = EventRedeemed
		if len(vLog.Data) < 32 {
			b.log.Warn("Redeemed log carries no preimage", "tx", event.TxHash)
			return Event{}, false
		}
		copy(event.Preimage[:], vLog.Data[:32])
	case b.refundedTopic:
		event.Kind = EventRefunded
	default:
		return Event{}, false
	}
	return event, true
}

// transactor builds signed transaction options for the relayer key.
func (b *EVMBackend) transactor(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(b.privKey, b.evmChainID)
	if err != nil {
		return nil, fmt.Errorf("failed to build transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}

// waitMined waits for inclusion and classifies reverted receipts by
// re-reading nothing: a reverted creation/redeem/refund surfaces as
// ErrSubmission, and the engine resolves idempotency via GetEscrowState.
func (b *EVMBackend) waitMined(ctx context.Context, tx *types.Transaction) (*SubmitResult, error) {
	receipt, err := bind.WaitMined(ctx, b.client, tx)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: tx %s reverted", ErrSubmission, tx.Hash().Hex())
	}
	return &SubmitResult{
		TxHash:         tx.Hash().Hex(),
		FinalityMarker: receipt.BlockNumber.Uint64(),
	}, nil
}

// mapRevert maps node revert reasons onto capability errors.
func mapRevert(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already exists"):
		return fmt.Errorf("%w: %v", ErrDuplicateSwap, err)
	case strings.Contains(msg, "invalid preimage"), strings.Contains(msg, "hashlock mismatch"):
		return fmt.Errorf("%w: %v", ErrInvalidPreimage, err)
	case strings.Contains(msg, "already redeemed"), strings.Contains(msg, "already claimed"):
		return fmt.Errorf("%w: %v", ErrAlreadyRedeemed, err)
	case strings.Contains(msg, "not expired"), strings.Contains(msg, "timelock not reached"):
		return fmt.Errorf("%w: %v", ErrNotExpired, err)
	case strings.Contains(msg, "expired"):
		return fmt.Errorf("%w: %v", ErrSwapExpired, err)
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "not recipient"), strings.Contains(msg, "not sender"):
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	case strings.Contains(msg, "insufficient funds"), strings.Contains(msg, "insufficient balance"):
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	case strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %v", ErrEscrowNotFound, err)
	}
	return err
}
