package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/lockswap-exchange/lockswap/internal/backend"
	"github.com/lockswap-exchange/lockswap/internal/config"
	"github.com/lockswap-exchange/lockswap/internal/secret"
	"github.com/lockswap-exchange/lockswap/internal/storage"
	"github.com/lockswap-exchange/lockswap/pkg/helpers"
)

var baseTime = time.Unix(1700000000, 0)

// fakeBackend is an in-memory chain: escrows keyed by swap id, a
// finality marker that advances on every poll, and submission counters.
type fakeBackend struct {
	mu sync.Mutex

	id         string
	marker     uint64
	markerStep uint64
	escrows    map[string]*fakeEscrow

	creates, redeems, refunds int

	refundErr error

	eventsCh chan backend.Event
}

type fakeEscrow struct {
	params   backend.CreateParams
	redeemed bool
	refunded bool
}

func newFakeBackend(id string) *fakeBackend {
	return &fakeBackend{
		id:         id,
		marker:     1000,
		markerStep: 1,
		escrows:    make(map[string]*fakeEscrow),
		eventsCh:   make(chan backend.Event, 16),
	}
}

func (f *fakeBackend) ChainID() string { return f.id }
func (f *fakeBackend) Close()          {}

func (f *fakeBackend) SubmitCreateEscrow(ctx context.Context, params backend.CreateParams) (*backend.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.escrows[params.SwapID]; exists {
		return nil, backend.ErrDuplicateSwap
	}
	f.escrows[params.SwapID] = &fakeEscrow{params: params}
	f.creates++
	return &backend.SubmitResult{
		TxHash:         fmt.Sprintf("0x%s-create-%d", f.id, f.creates),
		FinalityMarker: f.marker,
	}, nil
}

func (f *fakeBackend) SubmitRedeem(ctx context.Context, swapID string, preimage [32]byte) (*backend.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	escrow, ok := f.escrows[swapID]
	if !ok {
		return nil, backend.ErrEscrowNotFound
	}
	if escrow.redeemed {
		return nil, backend.ErrAlreadyRedeemed
	}
	if !secret.Verify(preimage, escrow.params.Hashlock) {
		return nil, backend.ErrInvalidPreimage
	}
	escrow.redeemed = true
	f.redeems++
	return &backend.SubmitResult{TxHash: fmt.Sprintf("0x%s-redeem-%d", f.id, f.redeems)}, nil
}

func (f *fakeBackend) SubmitRefund(ctx context.Context, swapID string) (*backend.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	escrow, ok := f.escrows[swapID]
	if !ok {
		return nil, backend.ErrEscrowNotFound
	}
	if escrow.redeemed {
		return nil, backend.ErrAlreadyRedeemed
	}
	escrow.refunded = true
	f.refunds++
	return &backend.SubmitResult{TxHash: fmt.Sprintf("0x%s-refund-%d", f.id, f.refunds)}, nil
}

func (f *fakeBackend) GetEscrowState(ctx context.Context, swapID string) (*backend.EscrowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	escrow, ok := f.escrows[swapID]
	if !ok {
		return nil, backend.ErrEscrowNotFound
	}
	return &backend.EscrowState{
		Sender:    escrow.params.Maker,
		Recipient: escrow.params.Recipient,
		Token:     escrow.params.Token,
		Amount:    new(big.Int).Set(escrow.params.Amount),
		Hashlock:  escrow.params.Hashlock,
		Timelock:  escrow.params.Timelock,
		Redeemed:  escrow.redeemed,
		Refunded:  escrow.refunded,
	}, nil
}

func (f *fakeBackend) IsExpired(ctx context.Context, swapID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	escrow, ok := f.escrows[swapID]
	if !ok {
		return false, backend.ErrEscrowNotFound
	}
	return time.Now().Unix() >= escrow.params.Timelock, nil
}

func (f *fakeBackend) CurrentFinalityMarker(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marker += f.markerStep
	return f.marker, nil
}

func (f *fakeBackend) Events(ctx context.Context) (<-chan backend.Event, error) {
	out := make(chan backend.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-f.eventsCh:
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

func (f *fakeBackend) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func (f *fakeBackend) redeemCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.redeems
}

func (f *fakeBackend) refundCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refunds
}

func (f *fakeBackend) escrow(swapID string) *fakeEscrow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.escrows[swapID]
}

func (f *fakeBackend) setRefundErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refundErr = err
}

func (f *fakeBackend) setMarker(marker, step uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marker = marker
	f.markerStep = step
}

// prime installs an escrow as if a prior submission landed, without
// touching the create counter.
func (f *fakeBackend) prime(params backend.CreateParams) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escrows[params.SwapID] = &fakeEscrow{params: params}
}

func newTestEngine(t *testing.T) (*Engine, *fakeBackend, *fakeBackend) {
	t.Helper()

	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	src := newFakeBackend("ethereum")
	dst := newFakeBackend("bsc")
	registry, err := backend.NewRegistry(src, dst)
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Chains = map[string]*config.ChainConfig{
		"ethereum": {RequiredConfirmations: 2, SafetyDeposit: "0"},
		"bsc":      {RequiredConfirmations: 2, SafetyDeposit: "0"},
	}

	e := NewEngine(store, registry, NewGuard(), cfg, func(chainID string) (string, error) {
		return "0x9999999999999999999999999999999999999999", nil
	})
	e.clock = func() time.Time { return baseTime }
	e.pollInterval = time.Millisecond
	return e, src, dst
}

// testPreimage is a fixed preimage; tests that supply a hashlock derive
// it from here.
var testPreimage = [32]byte{7, 7, 7, 7}

func createMatchedOrder(t *testing.T, e *Engine) *storage.OrderRecord {
	t.Helper()

	hashlock := secret.Hash(testPreimage)
	result, err := e.CreateOrder(&CreateOrderParams{
		Maker:     "0x1111111111111111111111111111111111111111",
		FromChain: "ethereum",
		ToChain:   "bsc",
		Amount:    "1000000000000000000",
		Hashlock:  helpers.BytesToHex(hashlock[:]),
		Timelock:  baseTime.Add(2 * time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	if err := e.MatchOrder(result.Order.ID, "0x2222222222222222222222222222222222222222"); err != nil {
		t.Fatalf("MatchOrder() error = %v", err)
	}
	return result.Order
}

func TestCreateOrderValidation(t *testing.T) {
	e, _, _ := newTestEngine(t)

	base := CreateOrderParams{
		Maker:     "0x1111111111111111111111111111111111111111",
		FromChain: "ethereum",
		ToChain:   "bsc",
		Amount:    "1000",
		Timelock:  baseTime.Add(time.Hour).Unix(),
	}

	tests := []struct {
		name   string
		mutate func(*CreateOrderParams)
		want   error
	}{
		{"same chain", func(p *CreateOrderParams) { p.ToChain = "ethereum" }, ErrSameChain},
		{"unknown chain", func(p *CreateOrderParams) { p.ToChain = "dogecoin" }, ErrUnknownChain},
		{"zero amount", func(p *CreateOrderParams) { p.Amount = "0" }, ErrBadAmount},
		{"negative amount", func(p *CreateOrderParams) { p.Amount = "-5" }, ErrBadAmount},
		{"float amount", func(p *CreateOrderParams) { p.Amount = "1.5" }, ErrBadAmount},
		{"no maker", func(p *CreateOrderParams) { p.Maker = "" }, ErrBadAddress},
		{"short hashlock", func(p *CreateOrderParams) { p.Hashlock = "0x1234" }, ErrBadHashlock},
		{"timelock too soon", func(p *CreateOrderParams) { p.Timelock = baseTime.Add(time.Minute).Unix() }, ErrBadTimelock},
		{"timelock too far", func(p *CreateOrderParams) { p.Timelock = baseTime.Add(48 * time.Hour).Unix() }, ErrBadTimelock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := base
			tt.mutate(&params)
			if _, err := e.CreateOrder(&params); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCreateOrderGeneratesSecret(t *testing.T) {
	e, _, _ := newTestEngine(t)

	result, err := e.CreateOrder(&CreateOrderParams{
		Maker:     "0x1111111111111111111111111111111111111111",
		FromChain: "ethereum",
		ToChain:   "bsc",
		Amount:    "1000",
		Timelock:  baseTime.Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	if result.Preimage == "" {
		t.Fatal("engine-generated hashlock should return the preimage once")
	}

	preimage, err := secret.ParseHex(result.Preimage)
	if err != nil {
		t.Fatal(err)
	}
	hashlock, _ := helpers.HexToHash32(result.Order.Hashlock)
	if !secret.Verify(preimage, hashlock) {
		t.Error("returned preimage does not hash to the stored hashlock")
	}

	// The preimage is never persisted before on-chain reveal.
	stored, _, err := e.GetOrder(result.Order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Secret != "" {
		t.Error("preimage must not be persisted at creation")
	}
}

func TestExecuteSwapHappyPath(t *testing.T) {
	e, src, dst := newTestEngine(t)
	order := createMatchedOrder(t, e)
	ctx := context.Background()

	if err := e.ExecuteSwap(ctx, order.ID); err != nil {
		t.Fatalf("ExecuteSwap() error = %v", err)
	}

	stored, escrows, err := e.GetOrder(order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != storage.OrderStatusEscrowed {
		t.Errorf("status = %s, want escrowed", stored.Status)
	}
	if len(escrows) != 2 {
		t.Fatalf("escrow rows = %d, want 2", len(escrows))
	}

	srcEscrow := src.escrow(order.SwapKey)
	dstEscrow := dst.escrow(order.SwapKey)
	if srcEscrow == nil || dstEscrow == nil {
		t.Fatal("both chains should hold an escrow")
	}

	// Both escrows carry the identical hashlock and swap id.
	if srcEscrow.params.Hashlock != dstEscrow.params.Hashlock {
		t.Error("hashlock differs between chains")
	}
	if srcEscrow.params.SwapID != dstEscrow.params.SwapID {
		t.Error("swap id differs between chains")
	}

	// The destination must expire strictly before the source.
	if dstEscrow.params.Timelock >= srcEscrow.params.Timelock {
		t.Errorf("destination timelock %d must be before source %d",
			dstEscrow.params.Timelock, srcEscrow.params.Timelock)
	}
	if dstEscrow.params.Timelock <= baseTime.Unix() {
		t.Error("destination timelock must be in the future")
	}

	// The relayer funds the destination side for the maker.
	if dstEscrow.params.Recipient != order.Maker {
		t.Errorf("destination recipient = %s, want maker", dstEscrow.params.Recipient)
	}
}

func TestNoPrematureDestinationEscrow(t *testing.T) {
	e, src, dst := newTestEngine(t)
	order := createMatchedOrder(t, e)

	// Freeze the source chain: the finality marker never advances.
	src.setMarker(1000, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.ExecuteSwap(ctx, order.ID) }()

	time.Sleep(50 * time.Millisecond)
	if n := dst.createCount(); n != 0 {
		t.Fatalf("destination escrow created before source finality (creates = %d)", n)
	}
	if src.createCount() != 1 {
		t.Fatal("source escrow should exist while waiting for finality")
	}

	// Let the chain advance; the wait completes and the destination follows.
	src.setMarker(2000, 1)
	if err := <-done; err != nil {
		t.Fatalf("ExecuteSwap() error = %v", err)
	}
	if dst.createCount() != 1 {
		t.Errorf("destination creates = %d, want 1", dst.createCount())
	}
}

func TestExecuteSwapIdempotent(t *testing.T) {
	e, src, dst := newTestEngine(t)
	order := createMatchedOrder(t, e)
	ctx := context.Background()

	if err := e.ExecuteSwap(ctx, order.ID); err != nil {
		t.Fatal(err)
	}
	// Re-driving a completed order submits nothing new.
	if err := e.ExecuteSwap(ctx, order.ID); err != nil {
		t.Fatalf("re-drive error = %v", err)
	}
	if src.createCount() != 1 || dst.createCount() != 1 {
		t.Errorf("creates = %d/%d, want 1/1", src.createCount(), dst.createCount())
	}
}

func TestExecuteSwapResolvesDuplicateOnChain(t *testing.T) {
	e, src, dst := newTestEngine(t)
	order := createMatchedOrder(t, e)
	ctx := context.Background()

	// A prior submission landed on chain but the local row was lost.
	hashlock, _ := helpers.HexToHash32(order.Hashlock)
	amount, _ := new(big.Int).SetString(order.Amount, 10)
	src.prime(backend.CreateParams{
		SwapID:   order.SwapKey,
		Maker:    order.Maker,
		Amount:   amount,
		Hashlock: hashlock,
		Timelock: order.Timelock,
	})

	if err := e.ExecuteSwap(ctx, order.ID); err != nil {
		t.Fatalf("ExecuteSwap() error = %v", err)
	}
	if src.createCount() != 0 {
		t.Errorf("source creates = %d, duplicate must resolve without resubmitting", src.createCount())
	}
	if dst.createCount() != 1 {
		t.Errorf("destination creates = %d, want 1", dst.createCount())
	}

	stored, _, _ := e.GetOrder(order.ID)
	if stored.Status != storage.OrderStatusEscrowed {
		t.Errorf("status = %s, want escrowed", stored.Status)
	}
}

func TestProcessRedemptionAtMostOnce(t *testing.T) {
	e, src, _ := newTestEngine(t)
	order := createMatchedOrder(t, e)
	ctx := context.Background()

	if err := e.ExecuteSwap(ctx, order.ID); err != nil {
		t.Fatal(err)
	}

	if err := e.ProcessRedemption(ctx, order.ID, storage.EscrowRoleSource, testPreimage); err != nil {
		t.Fatalf("ProcessRedemption() error = %v", err)
	}
	// Redelivered event: the source escrow is already claimed locally.
	if err := e.ProcessRedemption(ctx, order.ID, storage.EscrowRoleSource, testPreimage); err != nil {
		t.Fatalf("duplicate ProcessRedemption() error = %v", err)
	}
	if src.redeemCount() != 1 {
		t.Errorf("source redeems = %d, want exactly 1", src.redeemCount())
	}

	stored, _, _ := e.GetOrder(order.ID)
	if stored.Status != storage.OrderStatusClaimed {
		t.Errorf("status = %s, want claimed", stored.Status)
	}
	if stored.Secret == "" {
		t.Error("revealed secret should be persisted")
	}
}

func TestProcessRedemptionRejectsBadPreimage(t *testing.T) {
	e, src, _ := newTestEngine(t)
	order := createMatchedOrder(t, e)
	ctx := context.Background()

	if err := e.ExecuteSwap(ctx, order.ID); err != nil {
		t.Fatal(err)
	}

	wrong := [32]byte{1, 2, 3}
	if err := e.ProcessRedemption(ctx, order.ID, storage.EscrowRoleSource, wrong); !errors.Is(err, ErrWrongPreimage) {
		t.Fatalf("error = %v, want ErrWrongPreimage", err)
	}
	if src.redeemCount() != 0 {
		t.Error("invalid preimage must never reach the chain")
	}

	stored, _, _ := e.GetOrder(order.ID)
	if stored.Secret != "" {
		t.Error("invalid preimage must not be persisted")
	}
}

func TestCancelOrder(t *testing.T) {
	e, _, _ := newTestEngine(t)

	hashlock := secret.Hash(testPreimage)
	result, err := e.CreateOrder(&CreateOrderParams{
		Maker:     "0x1111111111111111111111111111111111111111",
		FromChain: "ethereum",
		ToChain:   "bsc",
		Amount:    "1000",
		Hashlock:  helpers.BytesToHex(hashlock[:]),
		Timelock:  baseTime.Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := e.CancelOrder(result.Order.ID); err != nil {
		t.Fatalf("CancelOrder() error = %v", err)
	}
	stored, _, _ := e.GetOrder(result.Order.ID)
	if stored.Status != storage.OrderStatusCancelled {
		t.Errorf("status = %s, want cancelled", stored.Status)
	}

	// Matched orders cannot cancel.
	order := createMatchedOrder(t, e)
	if err := e.CancelOrder(order.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("cancel of matched order: error = %v, want ErrInvalidStatus", err)
	}
}

func TestGuardBlocksConcurrentProcessing(t *testing.T) {
	e, _, _ := newTestEngine(t)
	order := createMatchedOrder(t, e)

	if err := e.guard.Acquire(order.ID); err != nil {
		t.Fatal(err)
	}
	if err := e.ExecuteSwap(context.Background(), order.ID); !errors.Is(err, ErrAlreadyProcessing) {
		t.Errorf("error = %v, want ErrAlreadyProcessing", err)
	}
	e.guard.Release(order.ID)

	if err := e.ExecuteSwap(context.Background(), order.ID); err != nil {
		t.Fatalf("ExecuteSwap() after release error = %v", err)
	}
}

func TestDestinationTimelock(t *testing.T) {
	e, _, _ := newTestEngine(t)
	order := &storage.OrderRecord{Timelock: baseTime.Add(2 * time.Hour).Unix()}

	dest := e.destinationTimelock(order)
	if dest <= baseTime.Unix() {
		t.Error("destination timelock must be in the future")
	}
	if dest >= order.Timelock {
		t.Error("destination timelock must precede the source timelock")
	}
}

func TestMonitorRefundsExpiredEscrows(t *testing.T) {
	e, src, dst := newTestEngine(t)
	order := createMatchedOrder(t, e)
	ctx := context.Background()

	if err := e.ExecuteSwap(ctx, order.ID); err != nil {
		t.Fatal(err)
	}

	// Nothing is expired yet; a scan attempts nothing.
	m := NewMonitor(e, time.Minute)
	m.scan(ctx, forceRequest{})
	if src.refundCount() != 0 || dst.refundCount() != 0 {
		t.Fatal("refunds before expiry")
	}

	// Jump past the source timelock; both sides are now expired.
	e.clock = func() time.Time { return time.Unix(order.Timelock, 0).Add(time.Minute) }
	m.scan(ctx, forceRequest{})

	if src.refundCount() != 1 {
		t.Errorf("source refunds = %d, want 1", src.refundCount())
	}
	if dst.refundCount() != 1 {
		t.Errorf("destination refunds = %d, want 1", dst.refundCount())
	}

	stored, escrows, _ := e.GetOrder(order.ID)
	if stored.Status != storage.OrderStatusRefunded {
		t.Errorf("status = %s, want refunded", stored.Status)
	}
	for _, escrow := range escrows {
		if escrow.Status != storage.EscrowStatusRefunded {
			t.Errorf("escrow %s/%s status = %s, want refunded", escrow.Chain, escrow.Role, escrow.Status)
		}
	}

	// A second scan finds no open escrows.
	m.scan(ctx, forceRequest{})
	if src.refundCount() != 1 || dst.refundCount() != 1 {
		t.Error("terminal escrows must not be refunded again")
	}
}

func TestExecuteSwapAbortsWhenSourceResolvedEarly(t *testing.T) {
	e, src, dst := newTestEngine(t)
	order := createMatchedOrder(t, e)
	ctx := context.Background()

	// The source escrow lands, but the maker refunds it before the
	// finality wait completes. The destination side must never fund.
	src.setMarker(1000, 0)

	done := make(chan error, 1)
	go func() { done <- e.ExecuteSwap(ctx, order.ID) }()

	time.Sleep(50 * time.Millisecond)
	if _, err := src.SubmitRefund(ctx, order.SwapKey); err != nil {
		t.Fatal(err)
	}
	src.setMarker(2000, 1)

	if err := <-done; err == nil {
		t.Fatal("ExecuteSwap() should fail when the source escrow resolved early")
	}
	if dst.createCount() != 0 {
		t.Errorf("destination creates = %d, want 0", dst.createCount())
	}

	stored, _, _ := e.GetOrder(order.ID)
	if stored.Status != storage.OrderStatusFailed {
		t.Errorf("status = %s, want failed", stored.Status)
	}
	if stored.FailureReason == "" {
		t.Error("failure reason should be recorded")
	}
}

func TestFailOrder(t *testing.T) {
	e, _, _ := newTestEngine(t)
	order := createMatchedOrder(t, e)

	if err := e.FailOrder(order.ID, "operator abandoned"); err != nil {
		t.Fatalf("FailOrder() error = %v", err)
	}
	stored, _, _ := e.GetOrder(order.ID)
	if stored.Status != storage.OrderStatusFailed {
		t.Errorf("status = %s, want failed", stored.Status)
	}
	if stored.FailureReason != "operator abandoned" {
		t.Errorf("failure reason = %q", stored.FailureReason)
	}

	// A terminal order stays terminal; the reason is still updated.
	if err := e.FailOrder(order.ID, "second attempt"); err != nil {
		t.Fatalf("FailOrder() on failed order error = %v", err)
	}
	stored, _, _ = e.GetOrder(order.ID)
	if stored.Status != storage.OrderStatusFailed {
		t.Errorf("status = %s, want failed", stored.Status)
	}
}

func TestMonitorForceCheckSingleOrder(t *testing.T) {
	e, src, _ := newTestEngine(t)
	first := createMatchedOrder(t, e)
	second := createMatchedOrder(t, e)
	ctx := context.Background()

	if err := e.ExecuteSwap(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	if err := e.ExecuteSwap(ctx, second.ID); err != nil {
		t.Fatal(err)
	}
	e.clock = func() time.Time { return time.Unix(first.Timelock, 0).Add(time.Minute) }

	m := NewMonitor(e, time.Minute)
	m.scan(ctx, forceRequest{orderID: first.ID})

	if src.refundCount() != 1 {
		t.Errorf("source refunds = %d, want 1", src.refundCount())
	}
	stored, _, _ := e.GetOrder(second.ID)
	if stored.Status != storage.OrderStatusEscrowed {
		t.Errorf("untargeted order status = %s, want escrowed", stored.Status)
	}
}

func TestMonitorSweepFailsInconsistentOrder(t *testing.T) {
	e, _, _ := newTestEngine(t)
	order := createMatchedOrder(t, e)

	// An escrowed order with no escrow rows violates the data model.
	if _, err := e.store.UpdateOrderStatus(order.ID, storage.OrderStatusEscrowed, storage.OrderStatusMatched); err != nil {
		t.Fatal(err)
	}

	m := NewMonitor(e, time.Minute)
	m.sweepInvariants()

	stored, _, _ := e.GetOrder(order.ID)
	if stored.Status != storage.OrderStatusFailed {
		t.Errorf("status = %s, want failed", stored.Status)
	}
}

func TestMonitorMarksEscrowExpired(t *testing.T) {
	e, src, dst := newTestEngine(t)
	order := createMatchedOrder(t, e)
	ctx := context.Background()

	if err := e.ExecuteSwap(ctx, order.ID); err != nil {
		t.Fatal(err)
	}

	// The chain disagrees with the local clock; refunds are rejected but
	// the escrows are recorded as expired and stay in the scan set.
	src.setRefundErr(backend.ErrNotExpired)
	dst.setRefundErr(backend.ErrNotExpired)
	e.clock = func() time.Time { return time.Unix(order.Timelock, 0).Add(time.Minute) }

	m := NewMonitor(e, time.Minute)
	m.scan(ctx, forceRequest{})

	if src.refundCount() != 0 || dst.refundCount() != 0 {
		t.Fatal("rejected refunds must not count as submitted")
	}
	_, escrows, _ := e.GetOrder(order.ID)
	if len(escrows) != 2 {
		t.Fatalf("escrow rows = %d, want 2", len(escrows))
	}
	for _, escrow := range escrows {
		if escrow.Status != storage.EscrowStatusExpired {
			t.Errorf("escrow %s/%s status = %s, want expired", escrow.Chain, escrow.Role, escrow.Status)
		}
	}

	// The chain catches up; the next scan completes the refunds.
	src.setRefundErr(nil)
	dst.setRefundErr(nil)
	m.scan(ctx, forceRequest{})

	if src.refundCount() != 1 || dst.refundCount() != 1 {
		t.Errorf("refunds = %d/%d, want 1/1", src.refundCount(), dst.refundCount())
	}
	stored, _, _ := e.GetOrder(order.ID)
	if stored.Status != storage.OrderStatusRefunded {
		t.Errorf("status = %s, want refunded", stored.Status)
	}
}

func TestMonitorSkipsClaimedEscrow(t *testing.T) {
	e, src, _ := newTestEngine(t)
	order := createMatchedOrder(t, e)
	ctx := context.Background()

	if err := e.ExecuteSwap(ctx, order.ID); err != nil {
		t.Fatal(err)
	}
	if err := e.ProcessRedemption(ctx, order.ID, storage.EscrowRoleSource, testPreimage); err != nil {
		t.Fatal(err)
	}

	e.clock = func() time.Time { return time.Unix(order.Timelock, 0).Add(time.Minute) }
	m := NewMonitor(e, time.Minute)
	m.scan(ctx, forceRequest{})

	if src.refundCount() != 0 {
		t.Error("claimed source escrow must not be refunded")
	}
	stored, _, _ := e.GetOrder(order.ID)
	if stored.Status != storage.OrderStatusClaimed {
		t.Errorf("status = %s, want claimed", stored.Status)
	}
}
