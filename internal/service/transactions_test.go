package service

import (
	"errors"
	"testing"

	"github.com/Izu99/rice-app/internal/domain"
	"github.com/Izu99/rice-app/internal/store"
)

func TestBuyUpdatesWeightedAverageBeforeWeight(t *testing.T) {
	svc, ctx := newTestService(t)
	customer := mustCreateCustomer(t, svc, ctx, "Perera Stores", "0771234567")
	paddy := mustCreateStock(t, svc, ctx, domain.StockCreateRequest{
		Name:          "Nadu Paddy",
		ItemType:      domain.ItemTypePaddy,
		TotalWeightKg: 100,
		TotalBags:     2,
		PricePerKg:    50,
	})

	resp, err := svc.CreateBuyTransaction(ctx, domain.TransactionCreateRequest{
		CustomerID: customer.ID,
		Items: []domain.TransactionLineRequest{
			{StockItemID: paddy.ID, WeightKg: 50, Bags: 1, PricePerKg: 60},
		},
	})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if resp.Transaction.TotalAmount != 3000 {
		t.Fatalf("expected total 3000, got %v", resp.Transaction.TotalAmount)
	}

	reloaded, err := svc.GetStockItem(ctx, paddy.ID)
	if err != nil {
		t.Fatalf("reload stock: %v", err)
	}
	if reloaded.TotalWeightKg != 150 || reloaded.TotalBags != 3 {
		t.Fatalf("expected 150kg/3 bags, got %v/%v", reloaded.TotalWeightKg, reloaded.TotalBags)
	}
	// (100*50 + 50*60) / 150, derived from the weight before the credit.
	if !approxEqual(reloaded.AvgPurchasePrice, 53.33) {
		t.Fatalf("expected cost basis ~53.33, got %v", reloaded.AvgPurchasePrice)
	}

	updatedCustomer, err := svc.GetCustomer(ctx, customer.ID)
	if err != nil {
		t.Fatalf("reload customer: %v", err)
	}
	if updatedCustomer.TotalBuyAmount != 3000 {
		t.Fatalf("expected buy total 3000, got %v", updatedCustomer.TotalBuyAmount)
	}
	if updatedCustomer.Balance != -3000 {
		t.Fatalf("expected balance -3000, got %v", updatedCustomer.Balance)
	}
}

func TestBuyCreatesStockItemByName(t *testing.T) {
	svc, ctx := newTestService(t)
	customer := mustCreateCustomer(t, svc, ctx, "Perera Stores", "0771234567")

	resp, err := svc.CreateBuyTransaction(ctx, domain.TransactionCreateRequest{
		CustomerID: customer.ID,
		Items: []domain.TransactionLineRequest{
			{ItemName: "Samba Paddy", ItemType: domain.ItemTypePaddy, WeightKg: 200, Bags: 4, PricePerKg: 62},
		},
	})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}

	createdID := resp.Transaction.Items[0].StockItemID
	if createdID == "" {
		t.Fatal("expected the line to be bound to a stock item")
	}
	item, err := svc.GetStockItem(ctx, createdID)
	if err != nil {
		t.Fatalf("reload created stock: %v", err)
	}
	if item.TotalWeightKg != 200 || item.AvgPurchasePrice != 62 {
		t.Fatalf("unexpected new item state: %+v", item)
	}
}

func TestSellShortageLeavesLedgerUntouched(t *testing.T) {
	svc, ctx := newTestService(t)
	customer := mustCreateCustomer(t, svc, ctx, "Silva Traders", "0719876543")
	rice := mustCreateStock(t, svc, ctx, domain.StockCreateRequest{
		Name:          "Nadu Rice",
		ItemType:      domain.ItemTypeRice,
		TotalWeightKg: 150,
		TotalBags:     3,
		PricePerKg:    110,
	})

	_, err := svc.CreateSellTransaction(ctx, domain.TransactionCreateRequest{
		CustomerID: customer.ID,
		Items: []domain.TransactionLineRequest{
			{StockItemID: rice.ID, WeightKg: 200, Bags: 4, PricePerKg: 110},
		},
	})
	var shortage *store.StockShortageError
	if !errors.As(err, &shortage) {
		t.Fatalf("expected shortage error, got %v", err)
	}
	if len(shortage.Lines) != 1 {
		t.Fatalf("expected 1 shortage line, got %d", len(shortage.Lines))
	}
	if shortage.Lines[0].RequestedKg != 200 || shortage.Lines[0].AvailableKg != 150 {
		t.Fatalf("unexpected shortage detail: %+v", shortage.Lines[0])
	}

	reloaded, err := svc.GetStockItem(ctx, rice.ID)
	if err != nil {
		t.Fatalf("reload stock: %v", err)
	}
	if reloaded.TotalWeightKg != 150 {
		t.Fatalf("expected stock untouched at 150kg, got %v", reloaded.TotalWeightKg)
	}
	transactions, err := svc.ListTransactions(ctx, store.TransactionFilter{})
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(transactions) != 0 {
		t.Fatalf("expected no transaction recorded, got %d", len(transactions))
	}
}

func TestSellReportsEveryShortLine(t *testing.T) {
	svc, ctx := newTestService(t)
	customer := mustCreateCustomer(t, svc, ctx, "Silva Traders", "0719876543")
	nadu := mustCreateStock(t, svc, ctx, domain.StockCreateRequest{
		Name: "Nadu Rice", ItemType: domain.ItemTypeRice, TotalWeightKg: 100, PricePerKg: 110,
	})
	samba := mustCreateStock(t, svc, ctx, domain.StockCreateRequest{
		Name: "Samba Rice", ItemType: domain.ItemTypeRice, TotalWeightKg: 40, PricePerKg: 150,
	})

	_, err := svc.CreateSellTransaction(ctx, domain.TransactionCreateRequest{
		CustomerID: customer.ID,
		Items: []domain.TransactionLineRequest{
			{StockItemID: nadu.ID, WeightKg: 300, PricePerKg: 110},
			{StockItemID: samba.ID, WeightKg: 50, PricePerKg: 150},
		},
	})
	var shortage *store.StockShortageError
	if !errors.As(err, &shortage) {
		t.Fatalf("expected shortage error, got %v", err)
	}
	if len(shortage.Lines) != 2 {
		t.Fatalf("expected both short lines reported, got %+v", shortage.Lines)
	}
}

func TestPaymentStatusProgression(t *testing.T) {
	svc, ctx := newTestService(t)
	customer := mustCreateCustomer(t, svc, ctx, "Silva Traders", "0719876543")
	rice := mustCreateStock(t, svc, ctx, domain.StockCreateRequest{
		Name: "Nadu Rice", ItemType: domain.ItemTypeRice, TotalWeightKg: 500, PricePerKg: 100,
	})

	resp, err := svc.CreateSellTransaction(ctx, domain.TransactionCreateRequest{
		CustomerID:    customer.ID,
		PaymentMethod: domain.PaymentMethodCredit,
		Items: []domain.TransactionLineRequest{
			{StockItemID: rice.ID, WeightKg: 10, PricePerKg: 100},
		},
	})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	tx := resp.Transaction
	if tx.Status != domain.TxStatusPending || tx.Balance != 1000 {
		t.Fatalf("expected pending with balance 1000, got %s/%v", tx.Status, tx.Balance)
	}

	partial, err := svc.AddPayment(ctx, tx.ID, domain.PaymentRequest{Amount: 400, PaymentMethod: domain.PaymentMethodCash})
	if err != nil {
		t.Fatalf("first payment: %v", err)
	}
	if partial.Status != domain.TxStatusPartiallyPaid || partial.Balance != 600 {
		t.Fatalf("expected partially_paid with balance 600, got %s/%v", partial.Status, partial.Balance)
	}
	if len(partial.PaymentHistory) != 1 {
		t.Fatalf("expected 1 payment record, got %d", len(partial.PaymentHistory))
	}

	settled, err := svc.AddPayment(ctx, tx.ID, domain.PaymentRequest{Amount: 600, PaymentMethod: domain.PaymentMethodCash})
	if err != nil {
		t.Fatalf("second payment: %v", err)
	}
	if settled.Status != domain.TxStatusCompleted || settled.Balance != 0 {
		t.Fatalf("expected completed with zero balance, got %s/%v", settled.Status, settled.Balance)
	}
}

func TestAddPaymentValidation(t *testing.T) {
	svc, ctx := newTestService(t)

	if _, err := svc.AddPayment(ctx, "tx-any", domain.PaymentRequest{Amount: 0}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for zero amount, got %v", err)
	}
	if _, err := svc.AddPayment(ctx, "tx-any", domain.PaymentRequest{Amount: 100, PaymentMethod: "barter"}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for unknown method, got %v", err)
	}
}

func TestAddPaymentToCancelledTransactionFails(t *testing.T) {
	svc, ctx := newTestService(t)
	customer := mustCreateCustomer(t, svc, ctx, "Silva Traders", "0719876543")
	rice := mustCreateStock(t, svc, ctx, domain.StockCreateRequest{
		Name: "Nadu Rice", ItemType: domain.ItemTypeRice, TotalWeightKg: 500, PricePerKg: 100,
	})

	resp, err := svc.CreateSellTransaction(ctx, domain.TransactionCreateRequest{
		CustomerID: customer.ID,
		Items: []domain.TransactionLineRequest{
			{StockItemID: rice.ID, WeightKg: 10, PricePerKg: 100},
		},
	})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if _, err := svc.CancelTransaction(ctx, resp.Transaction.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, err = svc.AddPayment(ctx, resp.Transaction.ID, domain.PaymentRequest{Amount: 100})
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestCancelBuyCompensatesLedger(t *testing.T) {
	svc, ctx := newTestService(t)
	customer := mustCreateCustomer(t, svc, ctx, "Perera Stores", "0771234567")
	paddy := mustCreateStock(t, svc, ctx, domain.StockCreateRequest{
		Name: "Nadu Paddy", ItemType: domain.ItemTypePaddy, TotalWeightKg: 100, TotalBags: 2, PricePerKg: 50,
	})

	resp, err := svc.CreateBuyTransaction(ctx, domain.TransactionCreateRequest{
		CustomerID: customer.ID,
		Items: []domain.TransactionLineRequest{
			{StockItemID: paddy.ID, WeightKg: 50, Bags: 1, PricePerKg: 60},
		},
	})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}

	cancelled, err := svc.CancelTransaction(ctx, resp.Transaction.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.TxStatusCancelled {
		t.Fatalf("expected cancelled, got %q", cancelled.Status)
	}

	reloaded, err := svc.GetStockItem(ctx, paddy.ID)
	if err != nil {
		t.Fatalf("reload stock: %v", err)
	}
	if reloaded.TotalWeightKg != 100 || reloaded.TotalBags != 2 {
		t.Fatalf("expected stock restored to 100kg/2 bags, got %v/%v", reloaded.TotalWeightKg, reloaded.TotalBags)
	}
	updatedCustomer, err := svc.GetCustomer(ctx, customer.ID)
	if err != nil {
		t.Fatalf("reload customer: %v", err)
	}
	if updatedCustomer.TotalBuyAmount != 0 || updatedCustomer.Balance != 0 {
		t.Fatalf("expected customer totals reversed, got %+v", updatedCustomer)
	}

	// The terminal transition happens exactly once.
	if _, err := svc.CancelTransaction(ctx, resp.Transaction.ID); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state on double cancel, got %v", err)
	}
}

func TestTransactionClientIDReplay(t *testing.T) {
	svc, ctx := newTestService(t)
	customer := mustCreateCustomer(t, svc, ctx, "Perera Stores", "0771234567")
	paddy := mustCreateStock(t, svc, ctx, domain.StockCreateRequest{
		Name: "Nadu Paddy", ItemType: domain.ItemTypePaddy, TotalWeightKg: 100, PricePerKg: 50,
	})

	req := domain.TransactionCreateRequest{
		CustomerID: customer.ID,
		ClientID:   "device-2-tx-9",
		Items: []domain.TransactionLineRequest{
			{StockItemID: paddy.ID, WeightKg: 50, PricePerKg: 60},
		},
	}

	first, err := svc.CreateBuyTransaction(ctx, req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := svc.CreateBuyTransaction(ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed {
		t.Fatal("expected replay flag")
	}
	if second.Transaction.ID != first.Transaction.ID {
		t.Fatalf("replay returned a different transaction: %s vs %s", second.Transaction.ID, first.Transaction.ID)
	}

	// The stock credit happened once.
	reloaded, err := svc.GetStockItem(ctx, paddy.ID)
	if err != nil {
		t.Fatalf("reload stock: %v", err)
	}
	if reloaded.TotalWeightKg != 150 {
		t.Fatalf("expected single credit to 150kg, got %v", reloaded.TotalWeightKg)
	}
}

func TestSellRequiresExistingStockReference(t *testing.T) {
	svc, ctx := newTestService(t)
	customer := mustCreateCustomer(t, svc, ctx, "Silva Traders", "0719876543")

	_, err := svc.CreateSellTransaction(ctx, domain.TransactionCreateRequest{
		CustomerID: customer.ID,
		Items: []domain.TransactionLineRequest{
			{ItemName: "Phantom Rice", ItemType: domain.ItemTypeRice, WeightKg: 10, PricePerKg: 100},
		},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error without stock reference, got %v", err)
	}
}

func TestOverpaymentCompletesWithNegativeBalance(t *testing.T) {
	svc, ctx := newTestService(t)
	customer := mustCreateCustomer(t, svc, ctx, "Silva Traders", "0719876543")
	rice := mustCreateStock(t, svc, ctx, domain.StockCreateRequest{
		Name: "Nadu Rice", ItemType: domain.ItemTypeRice, TotalWeightKg: 500, PricePerKg: 100,
	})

	resp, err := svc.CreateSellTransaction(ctx, domain.TransactionCreateRequest{
		CustomerID: customer.ID,
		Items: []domain.TransactionLineRequest{
			{StockItemID: rice.ID, WeightKg: 10, PricePerKg: 100},
		},
	})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	updated, err := svc.AddPayment(ctx, resp.Transaction.ID, domain.PaymentRequest{Amount: 1200})
	if err != nil {
		t.Fatalf("payment: %v", err)
	}
	if updated.Status != domain.TxStatusCompleted || updated.Balance != -200 {
		t.Fatalf("expected completed with balance -200, got %s/%v", updated.Status, updated.Balance)
	}
}
