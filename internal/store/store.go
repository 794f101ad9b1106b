package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Izu99/rice-app/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidState      = errors.New("invalid state")
	ErrValidation        = errors.New("validation failed")
	ErrDuplicate         = errors.New("duplicate record")
)

// StockShortage reports one failing line of a sell or milling pre-flight
// check.
type StockShortage struct {
	ItemID      string  `json:"item_id,omitempty"`
	ItemName    string  `json:"item_name"`
	RequestedKg float64 `json:"requested_kg"`
	AvailableKg float64 `json:"available_kg"`
}

// StockShortageError carries every failing line so the caller can report all
// problems at once. It unwraps to ErrInsufficientStock.
type StockShortageError struct {
	Lines []StockShortage
}

func (e *StockShortageError) Error() string {
	parts := make([]string, 0, len(e.Lines))
	for _, line := range e.Lines {
		parts = append(parts, fmt.Sprintf("%s: requested %.2fkg, available %.2fkg", line.ItemName, line.RequestedKg, line.AvailableKg))
	}
	return "insufficient stock: " + strings.Join(parts, "; ")
}

func (e *StockShortageError) Unwrap() error {
	return ErrInsufficientStock
}

// TransactionFilter narrows ListTransactions. Zero values match everything.
type TransactionFilter struct {
	Type       string
	Status     string
	CustomerID string
	Limit      int
}

type Repository interface {
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	GetCustomerByID(ctx context.Context, companyID string, id string) (*domain.Customer, error)
	FindCustomerByClientID(ctx context.Context, companyID string, clientID string) (*domain.Customer, error)
	FindCustomerByPhone(ctx context.Context, companyID string, phone string) (*domain.Customer, error)
	ListCustomers(ctx context.Context, companyID string, includeInactive bool) ([]domain.Customer, error)
	UpdateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)

	CreateStockItem(ctx context.Context, item domain.StockItem) (*domain.StockItem, error)
	GetStockItemByID(ctx context.Context, companyID string, id string) (*domain.StockItem, error)
	FindStockItemByClientID(ctx context.Context, companyID string, clientID string) (*domain.StockItem, error)
	FindStockItemByName(ctx context.Context, companyID string, itemType string, name string) (*domain.StockItem, error)
	ListStockItems(ctx context.Context, companyID string, itemType string, includeInactive bool) ([]domain.StockItem, error)
	UpdateStockItem(ctx context.Context, item domain.StockItem) (*domain.StockItem, error)
	AdjustStock(ctx context.Context, companyID string, id string, weightKg float64, bags int, direction string, at time.Time) (*domain.StockItem, error)
	GetStockSummary(ctx context.Context, companyID string) (*domain.StockSummary, error)

	FindTransactionByClientID(ctx context.Context, companyID string, clientID string) (*domain.Transaction, error)
	GetTransactionByID(ctx context.Context, companyID string, id string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, companyID string, filter TransactionFilter) ([]domain.Transaction, error)
	CommitBuy(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	CommitSell(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	AppendPayment(ctx context.Context, companyID string, id string, payment domain.PaymentRecord) (*domain.Transaction, error)
	CancelTransaction(ctx context.Context, companyID string, id string, at time.Time) (*domain.Transaction, error)
	UpdateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)

	CreateMilling(ctx context.Context, record domain.MillingRecord) (*domain.MillingRecord, error)
	CompleteMilling(ctx context.Context, companyID string, id string, output domain.MillingOutput, at time.Time) (*domain.MillingRecord, error)
	GetMillingByID(ctx context.Context, companyID string, id string) (*domain.MillingRecord, error)
	FindMillingByClientID(ctx context.Context, companyID string, clientID string) (*domain.MillingRecord, error)
	ListMillingRecords(ctx context.Context, companyID string, status string, limit int) ([]domain.MillingRecord, error)
	UpdateMillingRecord(ctx context.Context, record domain.MillingRecord) (*domain.MillingRecord, error)
	GetMillingStats(ctx context.Context, companyID string, from time.Time, to time.Time) (*domain.MillingStats, error)

	GetSyncOperation(ctx context.Context, companyID string, clientID string) (*domain.SyncOperation, error)
	SaveSyncOperation(ctx context.Context, op domain.SyncOperation) error
	ChangesSince(ctx context.Context, companyID string, since time.Time) (*domain.ChangeSet, error)

	GetDailyReport(ctx context.Context, companyID string, day time.Time) (*domain.DailyReport, error)
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, companyID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, passwordHash string) error
}
