package storage

import (
	"errors"
	"testing"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(&Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testOrder(id string) *OrderRecord {
	return &OrderRecord{
		ID:        id,
		Status:    OrderStatusPending,
		Maker:     "0x1111111111111111111111111111111111111111",
		FromChain: "ethereum",
		ToChain:   "bsc",
		Amount:    "1000000000000000000",
		Hashlock:  "0x66687aadf862bd776c8fc18b8e9f8e20089714856ee233b3902a591d0d5f2925",
		Timelock:  1700000000,
		SwapKey:   "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
	}
}

func TestSaveAndGetOrder(t *testing.T) {
	s := newTestStorage(t)

	order := testOrder("order-1")
	if err := s.SaveOrder(order); err != nil {
		t.Fatalf("SaveOrder() error = %v", err)
	}

	got, err := s.GetOrder("order-1")
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if got.Status != OrderStatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.Amount != order.Amount || got.Hashlock != order.Hashlock {
		t.Error("round trip mismatch")
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at should be set on first save")
	}

	if _, err := s.GetOrder("missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("missing order error = %v, want ErrOrderNotFound", err)
	}

	bySwapKey, err := s.GetOrderBySwapKey(order.SwapKey)
	if err != nil {
		t.Fatalf("GetOrderBySwapKey() error = %v", err)
	}
	if bySwapKey.ID != "order-1" {
		t.Errorf("swap key lookup returned %s", bySwapKey.ID)
	}
}

func TestSaveOrderUpsert(t *testing.T) {
	s := newTestStorage(t)

	order := testOrder("order-1")
	if err := s.SaveOrder(order); err != nil {
		t.Fatal(err)
	}
	created := order.CreatedAt

	order.Status = OrderStatusMatched
	order.Taker = "0x2222222222222222222222222222222222222222"
	if err := s.SaveOrder(order); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetOrder("order-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != OrderStatusMatched {
		t.Errorf("status = %s, want matched", got.Status)
	}
	if got.Taker != order.Taker {
		t.Errorf("taker = %s", got.Taker)
	}
	if !got.CreatedAt.Equal(created) {
		t.Error("created_at must not change on update")
	}
}

func TestUpdateOrderStatusGuard(t *testing.T) {
	s := newTestStorage(t)
	if err := s.SaveOrder(testOrder("order-1")); err != nil {
		t.Fatal(err)
	}

	ok, err := s.UpdateOrderStatus("order-1", OrderStatusMatched, OrderStatusPending)
	if err != nil {
		t.Fatalf("UpdateOrderStatus() error = %v", err)
	}
	if !ok {
		t.Fatal("pending -> matched should apply")
	}

	// Same transition again: the guard no longer matches.
	ok, err = s.UpdateOrderStatus("order-1", OrderStatusMatched, OrderStatusPending)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("duplicate transition should not apply")
	}

	// Cancellation is only reachable from pending.
	ok, err = s.UpdateOrderStatus("order-1", OrderStatusCancelled, OrderStatusPending)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("matched order must not cancel")
	}

	// Walk to a terminal state and verify it sticks.
	if ok, _ = s.UpdateOrderStatus("order-1", OrderStatusEscrowed, OrderStatusMatched); !ok {
		t.Fatal("matched -> escrowed should apply")
	}
	if ok, _ = s.UpdateOrderStatus("order-1", OrderStatusClaimed, OrderStatusEscrowed); !ok {
		t.Fatal("escrowed -> claimed should apply")
	}
	if ok, _ = s.UpdateOrderStatus("order-1", OrderStatusFailed, OrderStatusClaimed); ok {
		t.Error("terminal order must not move")
	}

	got, err := s.GetOrder("order-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != OrderStatusClaimed {
		t.Errorf("status = %s, want claimed", got.Status)
	}
	if got.CompletedAt.IsZero() {
		t.Error("terminal transition should set completed_at")
	}
}

func TestSetOrderSecret(t *testing.T) {
	s := newTestStorage(t)
	if err := s.SaveOrder(testOrder("order-1")); err != nil {
		t.Fatal(err)
	}

	secret := "0x0101010101010101010101010101010101010101010101010101010101010101"
	if err := s.SetOrderSecret("order-1", secret); err != nil {
		t.Fatalf("SetOrderSecret() error = %v", err)
	}
	got, _ := s.GetOrder("order-1")
	if got.Secret != secret {
		t.Errorf("secret = %s", got.Secret)
	}

	if err := s.SetOrderSecret("missing", secret); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("missing order error = %v, want ErrOrderNotFound", err)
	}
}

func TestListOrders(t *testing.T) {
	s := newTestStorage(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := s.SaveOrder(testOrder(id)); err != nil {
			t.Fatal(err)
		}
	}
	if ok, _ := s.UpdateOrderStatus("b", OrderStatusCancelled, OrderStatusPending); !ok {
		t.Fatal("cancel should apply")
	}

	pending, err := s.ListOrders(OrderStatusPending, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Errorf("pending orders = %d, want 2", len(pending))
	}

	all, err := s.ListOrders("", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("all orders = %d, want 3", len(all))
	}

	active, err := s.ListActiveOrders()
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Errorf("active orders = %d, want 2", len(active))
	}
}

func testEscrow(orderID string, role EscrowRole) *EscrowRecord {
	chain := "ethereum"
	if role == EscrowRoleDestination {
		chain = "bsc"
	}
	return &EscrowRecord{
		OrderID:   orderID,
		Chain:     chain,
		Role:      role,
		Status:    EscrowStatusCreated,
		Sender:    "0x1111111111111111111111111111111111111111",
		Recipient: "0x2222222222222222222222222222222222222222",
		Amount:    "1000000000000000000",
		Hashlock:  "0x66687aadf862bd776c8fc18b8e9f8e20089714856ee233b3902a591d0d5f2925",
		Timelock:  1700000000,
	}
}

func TestSaveAndGetEscrow(t *testing.T) {
	s := newTestStorage(t)
	if err := s.SaveOrder(testOrder("order-1")); err != nil {
		t.Fatal(err)
	}

	src := testEscrow("order-1", EscrowRoleSource)
	src.CreateTxHash = "0xdead"
	src.CreateMarker = 42
	if err := s.SaveEscrow(src); err != nil {
		t.Fatalf("SaveEscrow() error = %v", err)
	}
	if err := s.SaveEscrow(testEscrow("order-1", EscrowRoleDestination)); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetEscrow("order-1", "ethereum", EscrowRoleSource)
	if err != nil {
		t.Fatalf("GetEscrow() error = %v", err)
	}
	if got.CreateTxHash != "0xdead" || got.CreateMarker != 42 {
		t.Error("submission fields lost in round trip")
	}

	byRole, err := s.GetEscrowByRole("order-1", EscrowRoleDestination)
	if err != nil {
		t.Fatal(err)
	}
	if byRole.Chain != "bsc" {
		t.Errorf("destination chain = %s", byRole.Chain)
	}

	both, err := s.ListEscrowsByOrder("order-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(both) != 2 {
		t.Errorf("escrow rows = %d, want 2", len(both))
	}

	if _, err := s.GetEscrow("order-1", "polygon", EscrowRoleSource); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("missing escrow error = %v, want ErrEscrowNotFound", err)
	}
}

func TestUpdateEscrowStatusGuard(t *testing.T) {
	s := newTestStorage(t)
	if err := s.SaveEscrow(testEscrow("order-1", EscrowRoleSource)); err != nil {
		t.Fatal(err)
	}

	ok, err := s.UpdateEscrowStatus("order-1", "ethereum", EscrowRoleSource, EscrowStatusFunded, "")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("created -> funded should apply")
	}

	ok, err = s.UpdateEscrowStatus("order-1", "ethereum", EscrowRoleSource, EscrowStatusClaimed, "0xbeef")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("funded -> claimed should apply")
	}

	// Claimed is terminal.
	ok, err = s.UpdateEscrowStatus("order-1", "ethereum", EscrowRoleSource, EscrowStatusRefunded, "0xffff")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("claimed escrow must not move to refunded")
	}

	got, _ := s.GetEscrow("order-1", "ethereum", EscrowRoleSource)
	if got.Status != EscrowStatusClaimed {
		t.Errorf("status = %s, want claimed", got.Status)
	}
	if got.ClaimTxHash != "0xbeef" {
		t.Errorf("claim tx = %s", got.ClaimTxHash)
	}
	if got.RefundTxHash != "" {
		t.Errorf("refund tx should be empty, got %s", got.RefundTxHash)
	}
}

func TestListOpenEscrows(t *testing.T) {
	s := newTestStorage(t)

	early := testEscrow("order-1", EscrowRoleSource)
	early.Timelock = 100
	late := testEscrow("order-2", EscrowRoleSource)
	late.Timelock = 200
	done := testEscrow("order-3", EscrowRoleSource)
	done.Status = EscrowStatusClaimed

	for _, e := range []*EscrowRecord{late, early, done} {
		if err := s.SaveEscrow(e); err != nil {
			t.Fatal(err)
		}
	}

	open, err := s.ListOpenEscrows()
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 2 {
		t.Fatalf("open escrows = %d, want 2", len(open))
	}
	if open[0].OrderID != "order-1" || open[1].OrderID != "order-2" {
		t.Error("open escrows should be ordered by timelock")
	}
}

func TestTransactionLog(t *testing.T) {
	s := newTestStorage(t)

	id, err := s.AppendTransaction(&TxRecord{
		OrderID: "order-1",
		Chain:   "ethereum",
		Type:    TxTypeCreation,
	})
	if err != nil {
		t.Fatalf("AppendTransaction() error = %v", err)
	}
	if id == "" {
		t.Fatal("expected generated id")
	}

	if err := s.ResolveTransaction(id, TxStatusConfirmed, "0xabc", ""); err != nil {
		t.Fatalf("ResolveTransaction() error = %v", err)
	}

	if _, err := s.AppendTransaction(&TxRecord{
		OrderID: "order-1",
		Chain:   "bsc",
		Type:    TxTypeClaim,
		Status:  TxStatusFailed,
		Error:   "insufficient funds",
	}); err != nil {
		t.Fatal(err)
	}

	records, err := s.ListTransactionsByOrder("order-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Status != TxStatusConfirmed || records[0].TxHash != "0xabc" {
		t.Errorf("first record = %+v", records[0])
	}
	if records[1].Error != "insufficient funds" {
		t.Errorf("second record error = %s", records[1].Error)
	}

	// Resolved rows do not re-resolve.
	if err := s.ResolveTransaction(id, TxStatusFailed, "", "late"); err != nil {
		t.Fatal(err)
	}
	records, _ = s.ListTransactionsByOrder("order-1")
	if records[0].Status != TxStatusConfirmed {
		t.Error("resolved transaction must not change status")
	}
}

func TestSettings(t *testing.T) {
	s := newTestStorage(t)

	if v, err := s.GetSetting("missing"); err != nil || v != "" {
		t.Errorf("GetSetting(missing) = %q, %v", v, err)
	}
	if err := s.SetSetting("schema_version", "1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSetting("schema_version", "2"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.GetSetting("schema_version"); v != "2" {
		t.Errorf("schema_version = %s, want 2", v)
	}
}
