package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/onrik/ethrpc"

	"github.com/lockswap-exchange/lockswap/pkg/helpers"
	"github.com/lockswap-exchange/lockswap/pkg/logging"
)

// EVMPollBackend serves an EVM chain whose node exposes HTTP RPC only.
// Submissions and state queries reuse the EVMBackend path; events are
// re-derived by scanning log history over height windows instead of a
// websocket subscription. Scans overlap on restart, so duplicates are
// expected and left to the consumer.
type EVMPollBackend struct {
	*EVMBackend

	rpc          *ethrpc.EthRPC
	pollInterval time.Duration
	plog         *logging.Logger
}

// NewEVMPoll connects an EVMPollBackend. cfg.WSURL is ignored.
func NewEVMPoll(ctx context.Context, cfg EVMConfig, pollInterval time.Duration) (*EVMPollBackend, error) {
	cfg.WSURL = ""
	base, err := NewEVM(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}

	return &EVMPollBackend{
		EVMBackend:   base,
		rpc:          ethrpc.New(cfg.RPCURL),
		pollInterval: pollInterval,
		plog:         logging.GetDefault().Component("backend/" + cfg.ChainID + "/poll"),
	}, nil
}

// CurrentFinalityMarker returns the latest block number via the poll RPC.
func (b *EVMPollBackend) CurrentFinalityMarker(ctx context.Context) (uint64, error) {
	var height int
	err := withRetry(ctx, func() error {
		var err error
		height, err = b.rpc.EthBlockNumber()
		return err
	})
	if err != nil {
		return 0, err
	}
	return uint64(height), nil
}

// Events derives escrow events by scanning logs from the current height
// forward. The channel closes only on ctx cancellation; scan errors are
// logged and the window is retried on the next tick.
func (b *EVMPollBackend) Events(ctx context.Context) (<-chan Event, error) {
	fromBlock, err := b.rpc.EthBlockNumber()
	if err != nil {
		return nil, fmt.Errorf("failed to get %s block number: %w", b.chainID, err)
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		ticker := time.NewTicker(b.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			toBlock, err := b.rpc.EthBlockNumber()
			if err != nil {
				b.plog.Warn("Failed to get block number", "error", err)
				continue
			}
			if toBlock < fromBlock {
				continue
			}

			logs, err := b.rpc.EthGetLogs(ethrpc.FilterParams{
				FromBlock: fmt.Sprintf("0x%x", fromBlock),
				ToBlock:   fmt.Sprintf("0x%x", toBlock),
				Address:   []string{b.address.Hex()},
				Topics: [][]string{{
					b.createdTopic.Hex(),
					b.redeemedTopic.Hex(),
					b.refundedTopic.Hex(),
				}},
			})
			if err != nil {
				b.plog.Warn("Failed to scan logs", "from", fromBlock, "to", toBlock, "error", err)
				continue
			}

			for i := range logs {
				event, ok := b.parsePolledLog(&logs[i])
				if !ok {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
			fromBlock = toBlock + 1
		}
	}()

	return out, nil
}

// parsePolledLog converts an ethrpc log into an Event.
func (b *EVMPollBackend) parsePolledLog(vLog *ethrpc.Log) (Event, bool) {
	if vLog.Removed || len(vLog.Topics) < 2 {
		return Event{}, false
	}

	event := Event{
		SwapID:         strings.ToLower(vLog.Topics[1]),
		TxHash:         vLog.TransactionHash,
		FinalityMarker: uint64(vLog.BlockNumber),
	}

	switch strings.ToLower(vLog.Topics[0]) {
	case strings.ToLower(b.createdTopic.Hex()):
		event.Kind = EventCreated
	case strings.ToLower(b.redeemedTopic.Hex()):
		event.Kind = EventRedeemed
		data, err := helpers.HexToBytes(vLog.Data)
		if err != nil || len(data) < 32 {
			b.plog.Warn("Redeemed log carries no preimage", "tx", event.TxHash)
			return Event{}, false
		}
		copy(event.Preimage[:], data[:32])
	case strings.ToLower(b.refundedTopic.Hex()):
		event.Kind = EventRefunded
	default:
		return Event{}, false
	}
	return event, true
}
