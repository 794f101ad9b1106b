package conflict

import (
	"testing"
	"time"

	"github.com/Izu99/rice-app/internal/domain"
)

var (
	checkpoint = time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	before     = checkpoint.Add(-time.Hour)
	after      = checkpoint.Add(time.Hour)
	later      = checkpoint.Add(2 * time.Hour)
)

func TestDetect(t *testing.T) {
	server := domain.StockItem{Name: "Nadu Paddy", TotalWeightKg: 100}
	client := domain.StockItem{Name: "Nadu Paddy", TotalWeightKg: 80}

	if Detect(server, client, before, after, checkpoint) {
		t.Fatal("a side unchanged since the checkpoint is not a conflict")
	}
	if Detect(server, client, after, before, checkpoint) {
		t.Fatal("a side unchanged since the checkpoint is not a conflict")
	}
	if !Detect(server, client, after, later, checkpoint) {
		t.Fatal("both sides changed with different payloads must conflict")
	}
	if Detect(server, server, after, later, checkpoint) {
		t.Fatal("identical payloads are not a conflict")
	}
}

func TestMergeStockItemLastWriteWins(t *testing.T) {
	server := domain.StockItem{Name: "Nadu Paddy", TotalWeightKg: 100, TotalBags: 2, PricePerKg: 55, Active: true, UpdatedAt: after}
	client := domain.StockItem{Name: "Nadu Paddy Grade A", TotalWeightKg: 80, TotalBags: 1, PricePerKg: 58, Active: true, UpdatedAt: later}

	merged, resolution := MergeStockItem(server, client, checkpoint)
	if resolution != ResolutionClient {
		t.Fatalf("expected client_newer, got %q", resolution)
	}
	if merged.Name != "Nadu Paddy Grade A" {
		t.Fatalf("expected client name, got %q", merged.Name)
	}
	// 80, not 180: concurrent quantity edits are picked, never summed.
	if merged.TotalWeightKg != 80 || merged.TotalBags != 1 {
		t.Fatalf("expected picked quantities 80kg/1 bag, got %v/%v", merged.TotalWeightKg, merged.TotalBags)
	}

	// Swapping sides swaps the label but the later write still wins.
	merged, resolution = MergeStockItem(client, server, checkpoint)
	if resolution != ResolutionServer {
		t.Fatalf("expected server_newer after swap, got %q", resolution)
	}
	if merged.Name != "Nadu Paddy Grade A" || merged.TotalWeightKg != 80 {
		t.Fatalf("expected the later write's values, got %+v", merged)
	}
}

func TestMergeStockItemServerNewer(t *testing.T) {
	server := domain.StockItem{Name: "Nadu Paddy", TotalWeightKg: 100, PricePerKg: 55, Active: true, UpdatedAt: later}
	client := domain.StockItem{Name: "Old Name", TotalWeightKg: 80, PricePerKg: 50, Active: true, UpdatedAt: after}

	merged, resolution := MergeStockItem(server, client, checkpoint)
	if resolution != ResolutionServer {
		t.Fatalf("expected server_newer, got %q", resolution)
	}
	if merged.Name != "Nadu Paddy" || merged.TotalWeightKg != 100 || merged.PricePerKg != 55 {
		t.Fatalf("expected server values, got %+v", merged)
	}
}

func TestMergeSoftDeleteWins(t *testing.T) {
	server := domain.StockItem{Name: "Nadu Paddy", Active: false, UpdatedAt: after}
	client := domain.StockItem{Name: "Nadu Paddy", Active: true, UpdatedAt: later}

	merged, resolution := MergeStockItem(server, client, checkpoint)
	if resolution != ResolutionSoftDelete {
		t.Fatalf("expected soft_delete, got %q", resolution)
	}
	if merged.Active {
		t.Fatal("a deletion on either side must stick")
	}

	// Same for the customer merge.
	deletedClient := domain.Customer{Name: "Perera", Active: false, UpdatedAt: after}
	liveServer := domain.Customer{Name: "Perera", Active: true, UpdatedAt: later}
	mergedCustomer, resolution := MergeCustomer(liveServer, deletedClient, checkpoint)
	if resolution != ResolutionSoftDelete || mergedCustomer.Active {
		t.Fatalf("expected customer soft delete to win, got %q active=%v", resolution, mergedCustomer.Active)
	}
}

func TestMergeCustomerRederivesBalance(t *testing.T) {
	server := domain.Customer{Name: "Perera Stores", TotalBuyAmount: 10000, TotalSellAmount: 4000, Active: true, UpdatedAt: later}
	client := domain.Customer{Name: "Perera Stores", TotalBuyAmount: 7000, TotalSellAmount: 4000, Active: true, UpdatedAt: after}

	merged, resolution := MergeCustomer(server, client, checkpoint)
	if resolution != ResolutionServer {
		t.Fatalf("expected server_newer, got %q", resolution)
	}
	if merged.TotalBuyAmount != 10000 {
		t.Fatalf("expected picked buy total 10000, got %v", merged.TotalBuyAmount)
	}
	if merged.Balance != -6000 {
		t.Fatalf("expected balance rederived from winning totals, got %v", merged.Balance)
	}
}

func TestMergeTransactionItemsByIdentity(t *testing.T) {
	shared := domain.TransactionItem{StockItemID: "stk-1", ItemName: "Nadu Rice", WeightKg: 100, PricePerKg: 110, TotalPrice: 11000}
	serverOnly := domain.TransactionItem{StockItemID: "stk-2", ItemName: "Samba Rice", WeightKg: 50, PricePerKg: 150, TotalPrice: 7500}
	clientShared := shared
	clientShared.WeightKg = 120
	clientShared.TotalPrice = 13200
	clientOnly := domain.TransactionItem{StockItemID: "stk-3", ItemName: "Broken Rice", WeightKg: 30, PricePerKg: 80, TotalPrice: 2400}

	server := domain.Transaction{
		Items:      []domain.TransactionItem{shared, serverOnly},
		PaidAmount: 5000,
		Active:     true,
		UpdatedAt:  after,
	}
	client := domain.Transaction{
		Items:      []domain.TransactionItem{clientShared, clientOnly},
		PaidAmount: 8000,
		Active:     true,
		UpdatedAt:  later,
	}

	merged, resolution := MergeTransaction(server, client, checkpoint)
	if resolution != ResolutionClient {
		t.Fatalf("expected client_newer, got %q", resolution)
	}
	if len(merged.Items) != 3 {
		t.Fatalf("expected 3 distinct lines after merge, got %d", len(merged.Items))
	}
	for _, item := range merged.Items {
		if item.StockItemID == "stk-1" && item.WeightKg != 120 {
			t.Fatalf("expected the shared line from the winning side, got %+v", item)
		}
	}
	// Totals come from the merged lines, not from either side's stale header.
	wantTotal := 13200.0 + 7500 + 2400
	if merged.TotalAmount != wantTotal {
		t.Fatalf("expected recomputed total %v, got %v", wantTotal, merged.TotalAmount)
	}
	if merged.PaidAmount != 8000 {
		t.Fatalf("expected picked paid amount 8000, got %v", merged.PaidAmount)
	}
	if merged.Balance != wantTotal-8000 {
		t.Fatalf("expected balance rederived, got %v", merged.Balance)
	}
}

func TestMergeMillingWholeRecord(t *testing.T) {
	server := domain.MillingRecord{BatchNumber: "ML-20260820-0900", OutputRiceKg: 650, ActualPercent: 65, Active: true, UpdatedAt: later}
	client := domain.MillingRecord{BatchNumber: "ML-20260820-0900", OutputRiceKg: 640, ActualPercent: 64, Active: true, UpdatedAt: after}

	merged, resolution := MergeMilling(server, client, checkpoint)
	if resolution != ResolutionServer {
		t.Fatalf("expected server_newer, got %q", resolution)
	}
	if merged.OutputRiceKg != 650 || merged.ActualPercent != 65 {
		t.Fatalf("expected the server record wholesale, got %+v", merged)
	}
}
