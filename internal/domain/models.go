package domain

import (
	"encoding/json"
	"time"
)

const (
	ItemTypePaddy = "paddy"
	ItemTypeRice  = "rice"
)

const (
	TxTypeBuy  = "buy"
	TxTypeSell = "sell"
)

const (
	TxStatusPending       = "pending"
	TxStatusPartiallyPaid = "partially_paid"
	TxStatusCompleted     = "completed"
	TxStatusCancelled     = "cancelled"
)

const (
	PaymentMethodCash         = "cash"
	PaymentMethodBankTransfer = "bank_transfer"
	PaymentMethodCheque       = "cheque"
	PaymentMethodCredit       = "credit"
)

const (
	MillingStatusInProgress = "in_progress"
	MillingStatusCompleted  = "completed"
)

const (
	EntityCustomer      = "customer"
	EntityStockItem     = "stock_item"
	EntityTransaction   = "transaction"
	EntityMillingRecord = "milling_record"
)

const (
	SyncOpCreate = "create"
	SyncOpUpdate = "update"
	SyncOpDelete = "delete"
)

const (
	SyncStatusCompleted = "completed"
	SyncStatusConflict  = "conflict"
	SyncStatusFailed    = "failed"
)

const (
	SyncResultSuccess  = "success"
	SyncResultConflict = "conflict"
	SyncResultError    = "error"
)

const (
	DirectionAdd      = "add"
	DirectionSubtract = "subtract"
)

type StockItem struct {
	ID               string    `json:"id"`
	CompanyID        string    `json:"company_id"`
	ClientID         string    `json:"client_id,omitempty"`
	Name             string    `json:"name"`
	ItemType         string    `json:"item_type"`
	TotalWeightKg    float64   `json:"total_weight_kg"`
	TotalBags        int       `json:"total_bags"`
	PricePerKg       float64   `json:"price_per_kg"`
	AvgPurchasePrice float64   `json:"avg_purchase_price"`
	MinimumStock     float64   `json:"minimum_stock"`
	SourceBatch      string    `json:"source_batch,omitempty"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (s StockItem) IsLowStock() bool {
	return s.TotalWeightKg < s.MinimumStock
}

type Customer struct {
	ID              string    `json:"id"`
	CompanyID       string    `json:"company_id"`
	ClientID        string    `json:"client_id,omitempty"`
	Name            string    `json:"name"`
	Phone           string    `json:"phone"`
	SecondaryPhone  string    `json:"secondary_phone,omitempty"`
	Email           string    `json:"email,omitempty"`
	Address         string    `json:"address,omitempty"`
	City            string    `json:"city,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	TotalBuyAmount  float64   `json:"total_buy_amount"`
	TotalSellAmount float64   `json:"total_sell_amount"`
	Balance         float64   `json:"balance"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type TransactionItem struct {
	StockItemID string  `json:"stock_item_id,omitempty"`
	ItemName    string  `json:"item_name"`
	ItemType    string  `json:"item_type"`
	WeightKg    float64 `json:"weight_kg"`
	Bags        int     `json:"bags"`
	PricePerKg  float64 `json:"price_per_kg"`
	TotalPrice  float64 `json:"total_price"`
}

type PaymentRecord struct {
	Amount        float64   `json:"amount"`
	PaymentMethod string    `json:"payment_method"`
	PaidAt        time.Time `json:"paid_at"`
	ReceivedBy    string    `json:"received_by,omitempty"`
	Notes         string    `json:"notes,omitempty"`
}

type Transaction struct {
	ID             string            `json:"id"`
	CompanyID      string            `json:"company_id"`
	ClientID       string            `json:"client_id,omitempty"`
	Number         string            `json:"number"`
	Type           string            `json:"type"`
	CustomerID     string            `json:"customer_id"`
	CustomerName   string            `json:"customer_name"`
	Items          []TransactionItem `json:"items"`
	TotalWeightKg  float64           `json:"total_weight_kg"`
	TotalBags      int               `json:"total_bags"`
	TotalAmount    float64           `json:"total_amount"`
	PaidAmount     float64           `json:"paid_amount"`
	Balance        float64           `json:"balance"`
	Status         string            `json:"status"`
	PaymentMethod  string            `json:"payment_method"`
	PaymentHistory []PaymentRecord   `json:"payment_history,omitempty"`
	Notes          string            `json:"notes,omitempty"`
	CreatedBy      string            `json:"created_by,omitempty"`
	Active         bool              `json:"active"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

type MillingRecord struct {
	ID               string    `json:"id"`
	CompanyID        string    `json:"company_id"`
	ClientID         string    `json:"client_id,omitempty"`
	BatchNumber      string    `json:"batch_number"`
	PaddyItemID      string    `json:"paddy_item_id"`
	PaddyItemName    string    `json:"paddy_item_name"`
	InputPaddyKg     float64   `json:"input_paddy_kg"`
	InputPaddyBags   int       `json:"input_paddy_bags"`
	OutputRiceKg     float64   `json:"output_rice_kg"`
	OutputRiceBags   int       `json:"output_rice_bags"`
	BrokenRiceKg     float64   `json:"broken_rice_kg"`
	HuskKg           float64   `json:"husk_kg"`
	WastageKg        float64   `json:"wastage_kg"`
	ExpectedPercent  float64   `json:"expected_percent"`
	ActualPercent    float64   `json:"actual_percent"`
	RiceItemID       string    `json:"rice_item_id,omitempty"`
	RiceItemName     string    `json:"rice_item_name,omitempty"`
	Status           string    `json:"status"`
	MilledBy         string    `json:"milled_by,omitempty"`
	Notes            string    `json:"notes,omitempty"`
	MillingDate      time.Time `json:"milling_date"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type SyncOperation struct {
	ClientID        string          `json:"client_id"`
	CompanyID       string          `json:"company_id"`
	EntityType      string          `json:"entity_type"`
	Operation       string          `json:"operation"`
	Data            json.RawMessage `json:"data,omitempty"`
	ClientCreatedAt time.Time       `json:"client_created_at"`
	Status          string          `json:"status"`
	Result          *SyncResult     `json:"result,omitempty"`
	RetryCount      int             `json:"retry_count"`
	ProcessedAt     time.Time       `json:"processed_at"`
}

type SyncResult struct {
	ClientID   string `json:"client_id"`
	Status     string `json:"status"`
	ServerID   string `json:"server_id,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	Error      string `json:"error,omitempty"`
}

type SyncClientOperation struct {
	ClientID        string          `json:"client_id"`
	EntityType      string          `json:"entity_type"`
	Operation       string          `json:"operation"`
	Data            json.RawMessage `json:"data"`
	ClientCreatedAt time.Time       `json:"client_created_at"`
}

type SyncPushRequest struct {
	Operations   []SyncClientOperation `json:"operations"`
	LastSyncTime time.Time             `json:"last_sync_time"`
	DeviceID     string                `json:"device_id,omitempty"`
}

type SyncPushResponse struct {
	Processed int          `json:"processed"`
	Succeeded int          `json:"succeeded"`
	Conflicts int          `json:"conflicts"`
	Failed    int          `json:"failed"`
	Results   []SyncResult `json:"results"`
}

type ChangeSet struct {
	Customers      []Customer      `json:"customers"`
	StockItems     []StockItem     `json:"stock_items"`
	Transactions   []Transaction   `json:"transactions"`
	MillingRecords []MillingRecord `json:"milling_records"`
	ServerTime     time.Time       `json:"server_time"`
}

type SyncStatus struct {
	ServerTime time.Time `json:"server_time"`
	Status     string    `json:"status"`
}

type CustomerCreateRequest struct {
	Name           string `json:"name"`
	Phone          string `json:"phone"`
	SecondaryPhone string `json:"secondary_phone,omitempty"`
	Email          string `json:"email,omitempty"`
	Address        string `json:"address,omitempty"`
	City           string `json:"city,omitempty"`
	Notes          string `json:"notes,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
}

type CustomerUpdateRequest struct {
	Name           *string `json:"name,omitempty"`
	Phone          *string `json:"phone,omitempty"`
	SecondaryPhone *string `json:"secondary_phone,omitempty"`
	Email          *string `json:"email,omitempty"`
	Address        *string `json:"address,omitempty"`
	City           *string `json:"city,omitempty"`
	Notes          *string `json:"notes,omitempty"`
	Active         *bool   `json:"active,omitempty"`
}

type StockCreateRequest struct {
	Name          string  `json:"name"`
	ItemType      string  `json:"item_type"`
	TotalWeightKg float64 `json:"total_weight_kg"`
	TotalBags     int     `json:"total_bags"`
	PricePerKg    float64 `json:"price_per_kg"`
	MinimumStock  float64 `json:"minimum_stock"`
	ClientID      string  `json:"client_id,omitempty"`
}

type StockUpdateRequest struct {
	Name         *string  `json:"name,omitempty"`
	PricePerKg   *float64 `json:"price_per_kg,omitempty"`
	MinimumStock *float64 `json:"minimum_stock,omitempty"`
	Active       *bool    `json:"active,omitempty"`
}

type StockAdjustRequest struct {
	WeightKg  float64 `json:"weight_kg"`
	Bags      int     `json:"bags"`
	Direction string  `json:"direction"`
	Reason    string  `json:"reason,omitempty"`
}

type TransactionLineRequest struct {
	StockItemID string  `json:"stock_item_id,omitempty"`
	ItemName    string  `json:"item_name,omitempty"`
	ItemType    string  `json:"item_type,omitempty"`
	WeightKg    float64 `json:"weight_kg"`
	Bags        int     `json:"bags"`
	PricePerKg  float64 `json:"price_per_kg"`
}

type TransactionCreateRequest struct {
	CustomerID    string                   `json:"customer_id"`
	Items         []TransactionLineRequest `json:"items"`
	PaidAmount    float64                  `json:"paid_amount"`
	PaymentMethod string                   `json:"payment_method"`
	Notes         string                   `json:"notes,omitempty"`
	ClientID      string                   `json:"client_id,omitempty"`
}

type TransactionResponse struct {
	Transaction Transaction `json:"transaction"`
	Replayed    bool        `json:"replayed"`
}

type PaymentRequest struct {
	Amount        float64 `json:"amount"`
	PaymentMethod string  `json:"payment_method"`
	Notes         string  `json:"notes,omitempty"`
}

type MillingOutput struct {
	OutputRiceKg   float64 `json:"output_rice_kg"`
	OutputRiceBags int     `json:"output_rice_bags"`
	BrokenRiceKg   float64 `json:"broken_rice_kg"`
	HuskKg         float64 `json:"husk_kg"`
	RiceItemName   string  `json:"rice_item_name"`
	ExpectedPercent float64 `json:"expected_percent"`
}

type MillingCreateRequest struct {
	PaddyItemID    string         `json:"paddy_item_id"`
	InputPaddyKg   float64        `json:"input_paddy_kg"`
	InputPaddyBags int            `json:"input_paddy_bags"`
	Status         string         `json:"status,omitempty"`
	Output         *MillingOutput `json:"output,omitempty"`
	MillingDate    *time.Time     `json:"milling_date,omitempty"`
	Notes          string         `json:"notes,omitempty"`
	ClientID       string         `json:"client_id,omitempty"`
}

type MillingResponse struct {
	Record        MillingRecord `json:"record"`
	PaddyDeducted StockMovement `json:"paddy_deducted"`
	RiceAdded     *StockMovement `json:"rice_added,omitempty"`
}

type StockMovement struct {
	ItemID   string  `json:"item_id"`
	ItemName string  `json:"item_name"`
	DeltaKg  float64 `json:"delta_kg"`
	TotalKg  float64 `json:"total_kg"`
}

type StockSummary struct {
	TotalItems    int         `json:"total_items"`
	TotalPaddyKg  float64     `json:"total_paddy_kg"`
	TotalRiceKg   float64     `json:"total_rice_kg"`
	StockValue    float64     `json:"stock_value"`
	LowStockItems []StockItem `json:"low_stock_items"`
}

type MillingStats struct {
	TotalBatches     int     `json:"total_batches"`
	TotalPaddyKg     float64 `json:"total_paddy_kg"`
	TotalRiceKg      float64 `json:"total_rice_kg"`
	TotalWastageKg   float64 `json:"total_wastage_kg"`
	AvgActualPercent float64 `json:"avg_actual_percent"`
}

type DailyReport struct {
	Date          string  `json:"date"`
	BuyCount      int     `json:"buy_count"`
	SellCount     int     `json:"sell_count"`
	BuyTotal      float64 `json:"buy_total"`
	SellTotal     float64 `json:"sell_total"`
	PaidTotal     float64 `json:"paid_total"`
	OutstandingTotal float64 `json:"outstanding_total"`
}

type AuditLog struct {
	ID         string    `json:"id"`
	CompanyID  string    `json:"company_id"`
	ActorID    string    `json:"actor_id"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	CompanyID   string `json:"company_id"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	UserID    string
	Role      string
	CompanyID string
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

type UserAccount struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	CompanyID    string    `json:"company_id"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}
