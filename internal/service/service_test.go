package service

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Izu99/rice-app/internal/cache"
	"github.com/Izu99/rice-app/internal/domain"
	"github.com/Izu99/rice-app/internal/store"
	"github.com/Izu99/rice-app/internal/store/memory"
)

const testCompany = "mill-test"

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestService(t *testing.T) (*Service, context.Context) {
	t.Helper()
	svc := New(memory.New(), cache.NoopStockSummaryCache{}, discardLogger())
	ctx := WithActor(context.Background(), domain.Actor{
		UserID:    "tester",
		Role:      "admin",
		CompanyID: testCompany,
	})
	return svc, ctx
}

func mustCreateCustomer(t *testing.T, svc *Service, ctx context.Context, name, phone string) *domain.Customer {
	t.Helper()
	customer, err := svc.CreateCustomer(ctx, domain.CustomerCreateRequest{Name: name, Phone: phone})
	if err != nil {
		t.Fatalf("create customer %q: %v", name, err)
	}
	return customer
}

func mustCreateStock(t *testing.T, svc *Service, ctx context.Context, req domain.StockCreateRequest) *domain.StockItem {
	t.Helper()
	item, err := svc.CreateStockItem(ctx, req)
	if err != nil {
		t.Fatalf("create stock %q: %v", req.Name, err)
	}
	return item
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 0.01
}

func TestOperationsRequireCompanyContext(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateCustomer(context.Background(), domain.CustomerCreateRequest{Name: "X", Phone: "071"})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error without actor, got %v", err)
	}
}

func TestCreateCustomerValidation(t *testing.T) {
	svc, ctx := newTestService(t)

	if _, err := svc.CreateCustomer(ctx, domain.CustomerCreateRequest{Name: "  ", Phone: "0711111111"}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for blank name, got %v", err)
	}
	if _, err := svc.CreateCustomer(ctx, domain.CustomerCreateRequest{Name: "Fernando", Phone: ""}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for blank phone, got %v", err)
	}
}

func TestCreateCustomerDuplicatePhone(t *testing.T) {
	svc, ctx := newTestService(t)
	mustCreateCustomer(t, svc, ctx, "Fernando", "0711111111")

	_, err := svc.CreateCustomer(ctx, domain.CustomerCreateRequest{Name: "Other", Phone: "0711111111"})
	if !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestPhoneInUse(t *testing.T) {
	svc, ctx := newTestService(t)
	created := mustCreateCustomer(t, svc, ctx, "Fernando", "0711111111")

	inUse, match, err := svc.PhoneInUse(ctx, "0711111111")
	if err != nil {
		t.Fatalf("phone lookup: %v", err)
	}
	if !inUse || match == nil || match.ID != created.ID {
		t.Fatalf("expected match on %s, got inUse=%v match=%+v", created.ID, inUse, match)
	}

	inUse, match, err = svc.PhoneInUse(ctx, "0700000000")
	if err != nil {
		t.Fatalf("phone lookup: %v", err)
	}
	if inUse || match != nil {
		t.Fatalf("expected no match, got inUse=%v match=%+v", inUse, match)
	}
}

func TestDeactivateCustomerHidesFromDefaultList(t *testing.T) {
	svc, ctx := newTestService(t)
	customer := mustCreateCustomer(t, svc, ctx, "Fernando", "0711111111")

	if _, err := svc.DeactivateCustomer(ctx, customer.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	active, err := svc.ListCustomers(ctx, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected deactivated customer hidden, got %d", len(active))
	}

	all, err := svc.ListCustomers(ctx, true)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 1 || all[0].Active {
		t.Fatalf("expected one inactive customer, got %+v", all)
	}
}

func TestCreateStockItemValidation(t *testing.T) {
	svc, ctx := newTestService(t)

	_, err := svc.CreateStockItem(ctx, domain.StockCreateRequest{Name: "Mystery", ItemType: "husk"})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for bad item type, got %v", err)
	}
	_, err = svc.CreateStockItem(ctx, domain.StockCreateRequest{Name: "Nadu", ItemType: domain.ItemTypePaddy, TotalWeightKg: -1})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for negative weight, got %v", err)
	}
}

func TestCreateStockItemDefaultsAveragePrice(t *testing.T) {
	svc, ctx := newTestService(t)

	item := mustCreateStock(t, svc, ctx, domain.StockCreateRequest{
		Name:          "Nadu Paddy",
		ItemType:      domain.ItemTypePaddy,
		TotalWeightKg: 100,
		TotalBags:     2,
		PricePerKg:    50,
	})
	if item.AvgPurchasePrice != 50 {
		t.Fatalf("expected cost basis seeded from price, got %v", item.AvgPurchasePrice)
	}
}

func TestAdjustStockSubtractShortage(t *testing.T) {
	svc, ctx := newTestService(t)
	item := mustCreateStock(t, svc, ctx, domain.StockCreateRequest{
		Name:          "Nadu Paddy",
		ItemType:      domain.ItemTypePaddy,
		TotalWeightKg: 100,
		TotalBags:     2,
		PricePerKg:    50,
	})

	_, err := svc.AdjustStock(ctx, item.ID, domain.StockAdjustRequest{
		WeightKg:  150,
		Direction: domain.DirectionSubtract,
		Reason:    "spillage",
	})
	var shortage *store.StockShortageError
	if !errors.As(err, &shortage) {
		t.Fatalf("expected shortage error, got %v", err)
	}
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatal("shortage must unwrap to the insufficient stock sentinel")
	}
	if len(shortage.Lines) != 1 || shortage.Lines[0].RequestedKg != 150 || shortage.Lines[0].AvailableKg != 100 {
		t.Fatalf("unexpected shortage detail: %+v", shortage.Lines)
	}

	// Failed adjustment leaves the item untouched.
	reloaded, err := svc.GetStockItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.TotalWeightKg != 100 {
		t.Fatalf("expected 100kg untouched, got %v", reloaded.TotalWeightKg)
	}
}

func TestAdjustStockAdd(t *testing.T) {
	svc, ctx := newTestService(t)
	item := mustCreateStock(t, svc, ctx, domain.StockCreateRequest{
		Name:          "Nadu Paddy",
		ItemType:      domain.ItemTypePaddy,
		TotalWeightKg: 100,
		TotalBags:     2,
		PricePerKg:    50,
	})

	adjusted, err := svc.AdjustStock(ctx, item.ID, domain.StockAdjustRequest{
		WeightKg:  25,
		Bags:      1,
		Direction: domain.DirectionAdd,
		Reason:    "recount",
	})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if adjusted.TotalWeightKg != 125 || adjusted.TotalBags != 3 {
		t.Fatalf("expected 125kg/3 bags, got %v/%v", adjusted.TotalWeightKg, adjusted.TotalBags)
	}
}

func TestStockSummaryCountsLowStock(t *testing.T) {
	svc, ctx := newTestService(t)
	mustCreateStock(t, svc, ctx, domain.StockCreateRequest{
		Name:          "Nadu Paddy",
		ItemType:      domain.ItemTypePaddy,
		TotalWeightKg: 100,
		PricePerKg:    50,
		MinimumStock:  200,
	})
	mustCreateStock(t, svc, ctx, domain.StockCreateRequest{
		Name:          "Nadu Rice",
		ItemType:      domain.ItemTypeRice,
		TotalWeightKg: 500,
		PricePerKg:    110,
		MinimumStock:  100,
	})

	summary, err := svc.GetStockSummary(ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.TotalItems != 2 {
		t.Fatalf("expected 2 items, got %d", summary.TotalItems)
	}
	if summary.TotalPaddyKg != 100 || summary.TotalRiceKg != 500 {
		t.Fatalf("unexpected totals: %+v", summary)
	}
	if len(summary.LowStockItems) != 1 || summary.LowStockItems[0].Name != "Nadu Paddy" {
		t.Fatalf("expected only the paddy below minimum, got %+v", summary.LowStockItems)
	}
}

func TestAuditTrailRecordsMutations(t *testing.T) {
	svc, ctx := newTestService(t)
	mustCreateCustomer(t, svc, ctx, "Fernando", "0711111111")

	logs, err := svc.ListAuditLogs(ctx, time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Action != "customer_create" {
		t.Fatalf("expected one customer_create entry, got %+v", logs)
	}
	if logs[0].ActorID != "tester" || logs[0].CompanyID != testCompany {
		t.Fatalf("audit entry missing actor scoping: %+v", logs[0])
	}
}
