package service

import (
	"errors"
	"testing"

	"github.com/Izu99/rice-app/internal/domain"
	"github.com/Izu99/rice-app/internal/store"
)

func TestMillingInProgressDebitsPaddyOnly(t *testing.T) {
	svc, ctx := newTestService(t)
	paddy := mustCreateStock(t, svc, ctx, domain.StockCreateRequest{
		Name: "Nadu Paddy", ItemType: domain.ItemTypePaddy, TotalWeightKg: 2000, TotalBags: 40, PricePerKg: 55,
	})

	resp, err := svc.CreateMillingRecord(ctx, domain.MillingCreateRequest{
		PaddyItemID:    paddy.ID,
		InputPaddyKg:   1000,
		InputPaddyBags: 20,
		Status:         domain.MillingStatusInProgress,
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if resp.Record.Status != domain.MillingStatusInProgress {
		t.Fatalf("expected in_progress, got %q", resp.Record.Status)
	}
	if resp.Record.ActualPercent != 0 {
		t.Fatalf("expected no yield before completion, got %v", resp.Record.ActualPercent)
	}
	if resp.RiceAdded != nil {
		t.Fatal("in_progress batch must not credit rice")
	}

	reloaded, err := svc.GetStockItem(ctx, paddy.ID)
	if err != nil {
		t.Fatalf("reload paddy: %v", err)
	}
	if reloaded.TotalWeightKg != 1000 || reloaded.TotalBags != 20 {
		t.Fatalf("expected paddy debited to 1000kg/20 bags, got %v/%v", reloaded.TotalWeightKg, reloaded.TotalBags)
	}

	rice, err := svc.ListStockItems(ctx, domain.ItemTypeRice, false)
	if err != nil {
		t.Fatalf("list rice: %v", err)
	}
	if len(rice) != 0 {
		t.Fatalf("expected no rice stock yet, got %d items", len(rice))
	}
}

func TestCompleteMillingCreditsRiceOnce(t *testing.T) {
	svc, ctx := newTestService(t)
	paddy := mustCreateStock(t, svc, ctx, domain.StockCreateRequest{
		Name: "Nadu Paddy", ItemType: domain.ItemTypePaddy, TotalWeightKg: 2000, PricePerKg: 55,
	})

	created, err := svc.CreateMillingRecord(ctx, domain.MillingCreateRequest{
		PaddyItemID:  paddy.ID,
		InputPaddyKg: 1000,
		Status:       domain.MillingStatusInProgress,
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}

	completed, err := svc.CompleteMillingRecord(ctx, created.Record.ID, domain.MillingOutput{
		OutputRiceKg:   650,
		OutputRiceBags: 13,
		BrokenRiceKg:   20,
		HuskKg:         180,
		RiceItemName:   "Nadu Rice",
	})
	if err != nil {
		t.Fatalf("complete batch: %v", err)
	}
	if completed.Record.Status != domain.MillingStatusCompleted {
		t.Fatalf("expected completed, got %q", completed.Record.Status)
	}
	if completed.Record.ActualPercent != 65 {
		t.Fatalf("expected actual percent 65, got %v", completed.Record.ActualPercent)
	}
	// 1000 - (650 + 20 + 180)
	if completed.Record.WastageKg != 150 {
		t.Fatalf("expected wastage 150, got %v", completed.Record.WastageKg)
	}
	if completed.RiceAdded == nil || completed.RiceAdded.DeltaKg != 650 {
		t.Fatalf("expected rice credit of 650kg, got %+v", completed.RiceAdded)
	}

	rice, err := svc.GetStockItem(ctx, completed.Record.RiceItemID)
	if err != nil {
		t.Fatalf("reload rice: %v", err)
	}
	if rice.TotalWeightKg != 650 || rice.TotalBags != 13 {
		t.Fatalf("expected 650kg/13 bags of rice, got %v/%v", rice.TotalWeightKg, rice.TotalBags)
	}

	// Exactly-once: a second completion must not credit more rice.
	_, err = svc.CompleteMillingRecord(ctx, created.Record.ID, domain.MillingOutput{
		OutputRiceKg: 650,
		RiceItemName: "Nadu Rice",
	})
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state on double completion, got %v", err)
	}
	rice, err = svc.GetStockItem(ctx, completed.Record.RiceItemID)
	if err != nil {
		t.Fatalf("reload rice: %v", err)
	}
	if rice.TotalWeightKg != 650 {
		t.Fatalf("expected rice still at 650kg, got %v", rice.TotalWeightKg)
	}
}

func TestMillingCompletedAtCreationCreditsRice(t *testing.T) {
	svc, ctx := newTestService(t)
	paddy := mustCreateStock(t, svc, ctx, domain.StockCreateRequest{
		Name: "Samba Paddy", ItemType: domain.ItemTypePaddy, TotalWeightKg: 800, PricePerKg: 62,
	})

	resp, err := svc.CreateMillingRecord(ctx, domain.MillingCreateRequest{
		PaddyItemID:  paddy.ID,
		InputPaddyKg: 500,
		Output: &domain.MillingOutput{
			OutputRiceKg: 340,
			RiceItemName: "Samba Rice",
		},
	})
	if err != nil {
		t.Fatalf("create completed batch: %v", err)
	}
	if resp.Record.Status != domain.MillingStatusCompleted {
		t.Fatalf("expected completed, got %q", resp.Record.Status)
	}
	if resp.Record.ActualPercent != 68 {
		t.Fatalf("expected actual percent 68, got %v", resp.Record.ActualPercent)
	}
	if resp.RiceAdded == nil {
		t.Fatal("expected rice credit for a batch arriving completed")
	}
}

func TestMillingRequiresOutputWhenCompleted(t *testing.T) {
	svc, ctx := newTestService(t)
	paddy := mustCreateStock(t, svc, ctx, domain.StockCreateRequest{
		Name: "Nadu Paddy", ItemType: domain.ItemTypePaddy, TotalWeightKg: 800, PricePerKg: 55,
	})

	_, err := svc.CreateMillingRecord(ctx, domain.MillingCreateRequest{
		PaddyItemID:  paddy.ID,
		InputPaddyKg: 500,
		Status:       domain.MillingStatusCompleted,
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error without output, got %v", err)
	}
}

func TestMillingInsufficientPaddy(t *testing.T) {
	svc, ctx := newTestService(t)
	paddy := mustCreateStock(t, svc, ctx, domain.StockCreateRequest{
		Name: "Nadu Paddy", ItemType: domain.ItemTypePaddy, TotalWeightKg: 300, PricePerKg: 55,
	})

	_, err := svc.CreateMillingRecord(ctx, domain.MillingCreateRequest{
		PaddyItemID:  paddy.ID,
		InputPaddyKg: 1000,
		Status:       domain.MillingStatusInProgress,
	})
	var shortage *store.StockShortageError
	if !errors.As(err, &shortage) {
		t.Fatalf("expected shortage error, got %v", err)
	}
	if shortage.Lines[0].RequestedKg != 1000 || shortage.Lines[0].AvailableKg != 300 {
		t.Fatalf("unexpected shortage detail: %+v", shortage.Lines[0])
	}

	records, err := svc.ListMillingRecords(ctx, "", 0)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no batch recorded, got %d", len(records))
	}
}

func TestMillingClientIDReplayDebitsOnce(t *testing.T) {
	svc, ctx := newTestService(t)
	paddy := mustCreateStock(t, svc, ctx, domain.StockCreateRequest{
		Name: "Nadu Paddy", ItemType: domain.ItemTypePaddy, TotalWeightKg: 2000, PricePerKg: 55,
	})

	req := domain.MillingCreateRequest{
		PaddyItemID:  paddy.ID,
		InputPaddyKg: 1000,
		Status:       domain.MillingStatusInProgress,
		ClientID:     "device-4-mil-2",
	}
	first, err := svc.CreateMillingRecord(ctx, req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := svc.CreateMillingRecord(ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.Record.ID != first.Record.ID {
		t.Fatalf("replay returned a different batch: %s vs %s", second.Record.ID, first.Record.ID)
	}

	reloaded, err := svc.GetStockItem(ctx, paddy.ID)
	if err != nil {
		t.Fatalf("reload paddy: %v", err)
	}
	if reloaded.TotalWeightKg != 1000 {
		t.Fatalf("expected single debit to 1000kg, got %v", reloaded.TotalWeightKg)
	}
}

func TestMillingRejectsRiceAsInput(t *testing.T) {
	svc, ctx := newTestService(t)
	rice := mustCreateStock(t, svc, ctx, domain.StockCreateRequest{
		Name: "Nadu Rice", ItemType: domain.ItemTypeRice, TotalWeightKg: 500, PricePerKg: 110,
	})

	_, err := svc.CreateMillingRecord(ctx, domain.MillingCreateRequest{
		PaddyItemID:  rice.ID,
		InputPaddyKg: 100,
		Status:       domain.MillingStatusInProgress,
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for a non-paddy input, got %v", err)
	}
}
