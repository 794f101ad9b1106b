package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Izu99/rice-app/internal/domain"
	"github.com/Izu99/rice-app/internal/store"
	"github.com/Izu99/rice-app/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the tables if they do not exist yet. Deployments with
// managed migrations can skip it.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS customers (
			id TEXT PRIMARY KEY,
			company_id TEXT NOT NULL,
			client_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			phone TEXT NOT NULL DEFAULT '',
			secondary_phone TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL DEFAULT '',
			city TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			total_buy_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_sell_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
			balance DOUBLE PRECISION NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS customers_company_client ON customers (company_id, client_id) WHERE client_id <> ''`,
		`CREATE TABLE IF NOT EXISTS stock_items (
			id TEXT PRIMARY KEY,
			company_id TEXT NOT NULL,
			client_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			item_type TEXT NOT NULL,
			total_weight_kg DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_bags INTEGER NOT NULL DEFAULT 0,
			price_per_kg DOUBLE PRECISION NOT NULL DEFAULT 0,
			avg_purchase_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			minimum_stock DOUBLE PRECISION NOT NULL DEFAULT 0,
			source_batch TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS stock_items_company_client ON stock_items (company_id, client_id) WHERE client_id <> ''`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			company_id TEXT NOT NULL,
			client_id TEXT NOT NULL DEFAULT '',
			number TEXT NOT NULL,
			tx_type TEXT NOT NULL,
			customer_id TEXT NOT NULL,
			customer_name TEXT NOT NULL DEFAULT '',
			items JSONB NOT NULL DEFAULT '[]',
			total_weight_kg DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_bags INTEGER NOT NULL DEFAULT 0,
			total_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
			paid_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
			balance DOUBLE PRECISION NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			payment_method TEXT NOT NULL DEFAULT 'cash',
			payment_history JSONB NOT NULL DEFAULT '[]',
			notes TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS transactions_company_client ON transactions (company_id, client_id) WHERE client_id <> ''`,
		`CREATE TABLE IF NOT EXISTS milling_records (
			id TEXT PRIMARY KEY,
			company_id TEXT NOT NULL,
			client_id TEXT NOT NULL DEFAULT '',
			batch_number TEXT NOT NULL,
			paddy_item_id TEXT NOT NULL,
			paddy_item_name TEXT NOT NULL DEFAULT '',
			input_paddy_kg DOUBLE PRECISION NOT NULL DEFAULT 0,
			input_paddy_bags INTEGER NOT NULL DEFAULT 0,
			output_rice_kg DOUBLE PRECISION NOT NULL DEFAULT 0,
			output_rice_bags INTEGER NOT NULL DEFAULT 0,
			broken_rice_kg DOUBLE PRECISION NOT NULL DEFAULT 0,
			husk_kg DOUBLE PRECISION NOT NULL DEFAULT 0,
			wastage_kg DOUBLE PRECISION NOT NULL DEFAULT 0,
			expected_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
			actual_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
			rice_item_id TEXT NOT NULL DEFAULT '',
			rice_item_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			milled_by TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			milling_date TIMESTAMPTZ NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS milling_company_client ON milling_records (company_id, client_id) WHERE client_id <> ''`,
		`CREATE TABLE IF NOT EXISTS sync_operations (
			company_id TEXT NOT NULL,
			client_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			operation TEXT NOT NULL,
			data JSONB,
			client_created_at TIMESTAMPTZ,
			status TEXT NOT NULL,
			result JSONB,
			retry_count INTEGER NOT NULL DEFAULT 0,
			processed_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (company_id, client_id)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id BIGSERIAL PRIMARY KEY,
			company_id TEXT NOT NULL,
			actor_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			entity_type TEXT NOT NULL DEFAULT '',
			entity_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			company_id TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const customerColumns = `id, company_id, client_id, name, phone, secondary_phone, email, address, city, notes,
	total_buy_amount, total_sell_amount, balance, active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCustomer(row rowScanner) (*domain.Customer, error) {
	var c domain.Customer
	err := row.Scan(
		&c.ID, &c.CompanyID, &c.ClientID, &c.Name, &c.Phone, &c.SecondaryPhone, &c.Email,
		&c.Address, &c.City, &c.Notes, &c.TotalBuyAmount, &c.TotalSellAmount, &c.Balance,
		&c.Active, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.ID == "" {
		customer.ID = xid.New("cus")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (`+customerColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, customer.ID, customer.CompanyID, customer.ClientID, customer.Name, customer.Phone,
		customer.SecondaryPhone, customer.Email, customer.Address, customer.City, customer.Notes,
		customer.TotalBuyAmount, customer.TotalSellAmount, customer.Balance, customer.Active,
		customer.CreatedAt, customer.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	return &customer, nil
}

func (s *Store) GetCustomerByID(ctx context.Context, companyID string, id string) (*domain.Customer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+customerColumns+` FROM customers WHERE company_id = $1 AND id = $2
	`, companyID, id)
	return scanCustomer(row)
}

func (s *Store) FindCustomerByClientID(ctx context.Context, companyID string, clientID string) (*domain.Customer, error) {
	if clientID == "" {
		return nil, store.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+customerColumns+` FROM customers WHERE company_id = $1 AND client_id = $2
	`, companyID, clientID)
	return scanCustomer(row)
}

func (s *Store) FindCustomerByPhone(ctx context.Context, companyID string, phone string) (*domain.Customer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+customerColumns+` FROM customers WHERE company_id = $1 AND phone = $2 AND active = TRUE
		LIMIT 1
	`, companyID, phone)
	return scanCustomer(row)
}

func (s *Store) ListCustomers(ctx context.Context, companyID string, includeInactive bool) ([]domain.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE company_id = $1`
	if !includeInactive {
		query += ` AND active = TRUE`
	}
	query += ` ORDER BY name ASC`

	rows, err := s.db.QueryContext(ctx, query, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 32)
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, *c)
	}
	return customers, rows.Err()
}

func (s *Store) UpdateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE customers SET name=$3, phone=$4, secondary_phone=$5, email=$6, address=$7, city=$8,
			notes=$9, total_buy_amount=$10, total_sell_amount=$11, balance=$12, active=$13, updated_at=$14
		WHERE company_id = $1 AND id = $2
	`, customer.CompanyID, customer.ID, customer.Name, customer.Phone, customer.SecondaryPhone,
		customer.Email, customer.Address, customer.City, customer.Notes, customer.TotalBuyAmount,
		customer.TotalSellAmount, customer.Balance, customer.Active, customer.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetCustomerByID(ctx, customer.CompanyID, customer.ID)
}

const stockColumns = `id, company_id, client_id, name, item_type, total_weight_kg, total_bags,
	price_per_kg, avg_purchase_price, minimum_stock, source_batch, active, created_at, updated_at`

func scanStockItem(row rowScanner) (*domain.StockItem, error) {
	var item domain.StockItem
	err := row.Scan(
		&item.ID, &item.CompanyID, &item.ClientID, &item.Name, &item.ItemType,
		&item.TotalWeightKg, &item.TotalBags, &item.PricePerKg, &item.AvgPurchasePrice,
		&item.MinimumStock, &item.SourceBatch, &item.Active, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return &item, nil
}

func (s *Store) CreateStockItem(ctx context.Context, item domain.StockItem) (*domain.StockItem, error) {
	if item.ID == "" {
		item.ID = xid.New("stk")
	}
	if item.AvgPurchasePrice == 0 {
		item.AvgPurchasePrice = item.PricePerKg
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_items (`+stockColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, item.ID, item.CompanyID, item.ClientID, item.Name, item.ItemType, item.TotalWeightKg,
		item.TotalBags, item.PricePerKg, item.AvgPurchasePrice, item.MinimumStock,
		item.SourceBatch, item.Active, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) GetStockItemByID(ctx context.Context, companyID string, id string) (*domain.StockItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+stockColumns+` FROM stock_items WHERE company_id = $1 AND id = $2
	`, companyID, id)
	return scanStockItem(row)
}

func (s *Store) FindStockItemByClientID(ctx context.Context, companyID string, clientID string) (*domain.StockItem, error) {
	if clientID == "" {
		return nil, store.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+stockColumns+` FROM stock_items WHERE company_id = $1 AND client_id = $2
	`, companyID, clientID)
	return scanStockItem(row)
}

func (s *Store) FindStockItemByName(ctx context.Context, companyID string, itemType string, name string) (*domain.StockItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+stockColumns+` FROM stock_items
		WHERE company_id = $1 AND item_type = $2 AND lower(name) = lower($3) AND active = TRUE
		LIMIT 1
	`, companyID, itemType, name)
	return scanStockItem(row)
}

func (s *Store) ListStockItems(ctx context.Context, companyID string, itemType string, includeInactive bool) ([]domain.StockItem, error) {
	query := `SELECT ` + stockColumns + ` FROM stock_items WHERE company_id = $1`
	args := []any{companyID}
	if itemType != "" {
		query += ` AND item_type = $2`
		args = append(args, itemType)
	}
	if !includeInactive {
		query += ` AND active = TRUE`
	}
	query += ` ORDER BY item_type, name ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.StockItem, 0, 32)
	for rows.Next() {
		item, err := scanStockItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func (s *Store) UpdateStockItem(ctx context.Context, item domain.StockItem) (*domain.StockItem, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE stock_items SET name=$3, total_weight_kg=$4, total_bags=$5, price_per_kg=$6,
			avg_purchase_price=$7, minimum_stock=$8, source_batch=$9, active=$10, updated_at=$11
		WHERE company_id = $1 AND id = $2
	`, item.CompanyID, item.ID, item.Name, item.TotalWeightKg, item.TotalBags, item.PricePerKg,
		item.AvgPurchasePrice, item.MinimumStock, item.SourceBatch, item.Active, item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetStockItemByID(ctx, item.CompanyID, item.ID)
}

func (s *Store) AdjustStock(ctx context.Context, companyID string, id string, weightKg float64, bags int, direction string, at time.Time) (*domain.StockItem, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	item, err := lockStock(ctx, pgTx, companyID, id, "")
	if err != nil {
		return nil, err
	}
	if direction == domain.DirectionSubtract && item.TotalWeightKg < weightKg {
		return nil, &store.StockShortageError{Lines: []store.StockShortage{{
			ItemID:      item.ID,
			ItemName:    item.Name,
			RequestedKg: weightKg,
			AvailableKg: item.TotalWeightKg,
		}}}
	}

	item.ApplyDelta(weightKg, bags, direction)
	item.UpdatedAt = at
	if err := updateStockLevels(ctx, pgTx, item); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return item, nil
}

func (s *Store) GetStockSummary(ctx context.Context, companyID string) (*domain.StockSummary, error) {
	items, err := s.ListStockItems(ctx, companyID, "", false)
	if err != nil {
		return nil, err
	}

	summary := domain.StockSummary{LowStockItems: []domain.StockItem{}}
	for _, item := range items {
		summary.TotalItems++
		switch item.ItemType {
		case domain.ItemTypePaddy:
			summary.TotalPaddyKg += item.TotalWeightKg
		case domain.ItemTypeRice:
			summary.TotalRiceKg += item.TotalWeightKg
		}
		summary.StockValue += item.TotalWeightKg * item.PricePerKg
		if item.IsLowStock() {
			summary.LowStockItems = append(summary.LowStockItems, item)
		}
	}
	return &summary, nil
}

const transactionColumns = `id, company_id, client_id, number, tx_type, customer_id, customer_name,
	items, total_weight_kg, total_bags, total_amount, paid_amount, balance, status,
	payment_method, payment_history, notes, created_by, active, created_at, updated_at`

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var items, payments []byte
	err := row.Scan(
		&tx.ID, &tx.CompanyID, &tx.ClientID, &tx.Number, &tx.Type, &tx.CustomerID, &tx.CustomerName,
		&items, &tx.TotalWeightKg, &tx.TotalBags, &tx.TotalAmount, &tx.PaidAmount, &tx.Balance,
		&tx.Status, &tx.PaymentMethod, &payments, &tx.Notes, &tx.CreatedBy, &tx.Active,
		&tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(items, &tx.Items); err != nil {
		return nil, fmt.Errorf("decode transaction items: %w", err)
	}
	if err := json.Unmarshal(payments, &tx.PaymentHistory); err != nil {
		return nil, fmt.Errorf("decode payment history: %w", err)
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()
	return &tx, nil
}

func (s *Store) FindTransactionByClientID(ctx context.Context, companyID string, clientID string) (*domain.Transaction, error) {
	if clientID == "" {
		return nil, store.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions WHERE company_id = $1 AND client_id = $2
	`, companyID, clientID)
	return scanTransaction(row)
}

func (s *Store) GetTransactionByID(ctx context.Context, companyID string, id string) (*domain.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions WHERE company_id = $1 AND id = $2
	`, companyID, id)
	return scanTransaction(row)
}

func (s *Store) ListTransactions(ctx context.Context, companyID string, filter store.TransactionFilter) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE company_id = $1 AND active = TRUE`
	args := []any{companyID}
	if filter.Type != "" {
		args = append(args, filter.Type)
		query += fmt.Sprintf(` AND tx_type = $%d`, len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if filter.CustomerID != "" {
		args = append(args, filter.CustomerID)
		query += fmt.Sprintf(` AND customer_id = $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := make([]domain.Transaction, 0, 32)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *tx)
	}
	return transactions, rows.Err()
}

// CommitBuy applies a purchase atomically: stock rows are locked, the
// weighted average recomputes on the pre-credit base, weight is credited,
// the transaction row is inserted and customer totals move. A replayed
// client_id returns the already-stored transaction.
func (s *Store) CommitBuy(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if len(tx.Items) == 0 {
		return nil, store.ErrValidation
	}

	if tx.ClientID != "" {
		if existing, err := s.FindTransactionByClientID(ctx, tx.CompanyID, tx.ClientID); err == nil {
			return existing, nil
		}
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	customer, err := lockCustomer(ctx, pgTx, tx.CompanyID, tx.CustomerID)
	if err != nil {
		return nil, err
	}

	now := tx.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	for i := range tx.Items {
		line := &tx.Items[i]
		item, err := lockStock(ctx, pgTx, tx.CompanyID, line.StockItemID, line.StockItemID)
		if errors.Is(err, store.ErrNotFound) {
			item, err = lockStockByName(ctx, pgTx, tx.CompanyID, line.ItemType, line.ItemName)
		}
		if errors.Is(err, store.ErrNotFound) {
			item = &domain.StockItem{
				ID:               xid.New("stk"),
				CompanyID:        tx.CompanyID,
				Name:             line.ItemName,
				ItemType:         line.ItemType,
				PricePerKg:       line.PricePerKg,
				AvgPurchasePrice: line.PricePerKg,
				Active:           true,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := insertStockTx(ctx, pgTx, item); err != nil {
				return nil, err
			}
			err = nil
		}
		if err != nil {
			return nil, err
		}

		// Price before weight: the average needs the pre-credit base.
		item.AvgPurchasePrice = domain.WeightedAveragePrice(item.AvgPurchasePrice, item.TotalWeightKg, line.PricePerKg, line.WeightKg)
		item.ApplyDelta(line.WeightKg, line.Bags, domain.DirectionAdd)
		item.UpdatedAt = now
		if err := updateStockLevels(ctx, pgTx, item); err != nil {
			return nil, err
		}

		line.StockItemID = item.ID
		line.ItemName = item.Name
		line.ItemType = item.ItemType
		line.TotalPrice = line.WeightKg * line.PricePerKg
	}

	if tx.ID == "" {
		tx.ID = xid.New("tx")
	}
	tx.Type = domain.TxTypeBuy
	tx.CustomerName = customer.Name
	tx.CreatedAt = now
	tx.UpdatedAt = now
	tx.Active = true
	tx.Recompute()

	if err := insertTransaction(ctx, pgTx, &tx); err != nil {
		if isUniqueViolation(err) {
			if existing, lookupErr := s.FindTransactionByClientID(ctx, tx.CompanyID, tx.ClientID); lookupErr == nil {
				return existing, nil
			}
			return nil, store.ErrDuplicate
		}
		return nil, err
	}

	customer.TotalBuyAmount += tx.TotalAmount
	customer.RecomputeBalance()
	customer.UpdatedAt = now
	if err := updateCustomerTotals(ctx, pgTx, customer); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &tx, nil
}

// CommitSell mirrors CommitBuy for the sell direction. All lines are checked
// against locked stock before any row changes, so a shortage leaves the
// database untouched.
func (s *Store) CommitSell(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if len(tx.Items) == 0 {
		return nil, store.ErrValidation
	}

	if tx.ClientID != "" {
		if existing, err := s.FindTransactionByClientID(ctx, tx.CompanyID, tx.ClientID); err == nil {
			return existing, nil
		}
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	customer, err := lockCustomer(ctx, pgTx, tx.CompanyID, tx.CustomerID)
	if err != nil {
		return nil, err
	}

	resolved := make([]*domain.StockItem, len(tx.Items))
	var shortages []store.StockShortage
	for i := range tx.Items {
		line := &tx.Items[i]
		item, err := lockStock(ctx, pgTx, tx.CompanyID, line.StockItemID, line.StockItemID)
		if err != nil {
			return nil, err
		}
		resolved[i] = item
		if item.TotalWeightKg < line.WeightKg {
			shortages = append(shortages, store.StockShortage{
				ItemID:      item.ID,
				ItemName:    item.Name,
				RequestedKg: line.WeightKg,
				AvailableKg: item.TotalWeightKg,
			})
		}
	}
	if len(shortages) > 0 {
		return nil, &store.StockShortageError{Lines: shortages}
	}

	now := tx.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	for i := range tx.Items {
		line := &tx.Items[i]
		item := resolved[i]
		item.ApplyDelta(line.WeightKg, line.Bags, domain.DirectionSubtract)
		item.UpdatedAt = now
		if err := updateStockLevels(ctx, pgTx, item); err != nil {
			return nil, err
		}

		line.StockItemID = item.ID
		line.ItemName = item.Name
		line.ItemType = item.ItemType
		line.TotalPrice = line.WeightKg * line.PricePerKg
	}

	if tx.ID == "" {
		tx.ID = xid.New("tx")
	}
	tx.Type = domain.TxTypeSell
	tx.CustomerName = customer.Name
	tx.CreatedAt = now
	tx.UpdatedAt = now
	tx.Active = true
	tx.Recompute()

	if err := insertTransaction(ctx, pgTx, &tx); err != nil {
		if isUniqueViolation(err) {
			if existing, lookupErr := s.FindTransactionByClientID(ctx, tx.CompanyID, tx.ClientID); lookupErr == nil {
				return existing, nil
			}
			return nil, store.ErrDuplicate
		}
		return nil, err
	}

	customer.TotalSellAmount += tx.TotalAmount
	customer.RecomputeBalance()
	customer.UpdatedAt = now
	if err := updateCustomerTotals(ctx, pgTx, customer); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *Store) AppendPayment(ctx context.Context, companyID string, id string, payment domain.PaymentRecord) (*domain.Transaction, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	tx, err := lockTransaction(ctx, pgTx, companyID, id)
	if err != nil {
		return nil, err
	}
	if tx.Status == domain.TxStatusCancelled {
		return nil, store.ErrInvalidState
	}

	tx.PaymentHistory = append(tx.PaymentHistory, payment)
	tx.PaidAmount += payment.Amount
	tx.Recompute()
	tx.UpdatedAt = payment.PaidAt

	if err := updateTransactionRow(ctx, pgTx, tx); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return tx, nil
}

// CancelTransaction is compensation, not deletion: stock and customer
// effects are reversed and the record stays with its history.
func (s *Store) CancelTransaction(ctx context.Context, companyID string, id string, at time.Time) (*domain.Transaction, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	tx, err := lockTransaction(ctx, pgTx, companyID, id)
	if err != nil {
		return nil, err
	}
	if tx.Status == domain.TxStatusCancelled {
		return nil, store.ErrInvalidState
	}

	reverse := domain.DirectionSubtract
	if tx.Type == domain.TxTypeSell {
		reverse = domain.DirectionAdd
	}
	for _, line := range tx.Items {
		item, err := lockStock(ctx, pgTx, companyID, line.StockItemID, "")
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		item.ApplyDelta(line.WeightKg, line.Bags, reverse)
		item.UpdatedAt = at
		if err := updateStockLevels(ctx, pgTx, item); err != nil {
			return nil, err
		}
	}

	customer, err := lockCustomer(ctx, pgTx, companyID, tx.CustomerID)
	if err == nil {
		switch tx.Type {
		case domain.TxTypeBuy:
			customer.TotalBuyAmount -= tx.TotalAmount
		case domain.TxTypeSell:
			customer.TotalSellAmount -= tx.TotalAmount
		}
		customer.RecomputeBalance()
		customer.UpdatedAt = at
		if err := updateCustomerTotals(ctx, pgTx, customer); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	tx.Status = domain.TxStatusCancelled
	tx.UpdatedAt = at
	if err := updateTransactionRow(ctx, pgTx, tx); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *Store) UpdateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	existing, err := s.GetTransactionByID(ctx, tx.CompanyID, tx.ID)
	if err != nil {
		return nil, err
	}
	tx.CreatedAt = existing.CreatedAt
	if tx.UpdatedAt.IsZero() {
		tx.UpdatedAt = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := updateTransactionRow(ctx, pgTx, &tx); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &tx, nil
}

const millingColumns = `id, company_id, client_id, batch_number, paddy_item_id, paddy_item_name,
	input_paddy_kg, input_paddy_bags, output_rice_kg, output_rice_bags, broken_rice_kg, husk_kg,
	wastage_kg, expected_percent, actual_percent, rice_item_id, rice_item_name, status, milled_by,
	notes, milling_date, active, created_at, updated_at`

func scanMilling(row rowScanner) (*domain.MillingRecord, error) {
	var m domain.MillingRecord
	err := row.Scan(
		&m.ID, &m.CompanyID, &m.ClientID, &m.BatchNumber, &m.PaddyItemID, &m.PaddyItemName,
		&m.InputPaddyKg, &m.InputPaddyBags, &m.OutputRiceKg, &m.OutputRiceBags, &m.BrokenRiceKg,
		&m.HuskKg, &m.WastageKg, &m.ExpectedPercent, &m.ActualPercent, &m.RiceItemID,
		&m.RiceItemName, &m.Status, &m.MilledBy, &m.Notes, &m.MillingDate, &m.Active,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	m.MillingDate = m.MillingDate.UTC()
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return &m, nil
}

// CreateMilling debits paddy unconditionally; rice is credited only for a
// batch arriving already completed.
func (s *Store) CreateMilling(ctx context.Context, record domain.MillingRecord) (*domain.MillingRecord, error) {
	if record.ClientID != "" {
		if existing, err := s.FindMillingByClientID(ctx, record.CompanyID, record.ClientID); err == nil {
			return existing, nil
		}
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	paddy, err := lockStock(ctx, pgTx, record.CompanyID, record.PaddyItemID, "")
	if err != nil {
		return nil, err
	}
	if paddy.ItemType != domain.ItemTypePaddy {
		return nil, store.ErrNotFound
	}
	if paddy.TotalWeightKg < record.InputPaddyKg {
		return nil, &store.StockShortageError{Lines: []store.StockShortage{{
			ItemID:      paddy.ID,
			ItemName:    paddy.Name,
			RequestedKg: record.InputPaddyKg,
			AvailableKg: paddy.TotalWeightKg,
		}}}
	}

	now := record.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	paddy.ApplyDelta(record.InputPaddyKg, record.InputPaddyBags, domain.DirectionSubtract)
	paddy.UpdatedAt = now
	if err := updateStockLevels(ctx, pgTx, paddy); err != nil {
		return nil, err
	}
	record.PaddyItemName = paddy.Name

	if record.Status == domain.MillingStatusCompleted {
		rice, err := creditRice(ctx, pgTx, record.CompanyID, record.RiceItemName, record.OutputRiceKg, record.OutputRiceBags, record.BatchNumber, now)
		if err != nil {
			return nil, err
		}
		record.RiceItemID = rice.ID
		record.RiceItemName = rice.Name
		record.RecomputeYield()
	}

	if record.ID == "" {
		record.ID = xid.New("mil")
	}
	record.CreatedAt = now
	record.UpdatedAt = now
	record.Active = true

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO milling_records (`+millingColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
	`, record.ID, record.CompanyID, record.ClientID, record.BatchNumber, record.PaddyItemID,
		record.PaddyItemName, record.InputPaddyKg, record.InputPaddyBags, record.OutputRiceKg,
		record.OutputRiceBags, record.BrokenRiceKg, record.HuskKg, record.WastageKg,
		record.ExpectedPercent, record.ActualPercent, record.RiceItemID, record.RiceItemName,
		record.Status, record.MilledBy, record.Notes, record.MillingDate, record.Active,
		record.CreatedAt, record.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			if existing, lookupErr := s.FindMillingByClientID(ctx, record.CompanyID, record.ClientID); lookupErr == nil {
				return existing, nil
			}
			return nil, store.ErrDuplicate
		}
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *Store) CompleteMilling(ctx context.Context, companyID string, id string, output domain.MillingOutput, at time.Time) (*domain.MillingRecord, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	record, err := lockMilling(ctx, pgTx, companyID, id)
	if err != nil {
		return nil, err
	}
	if record.Status != domain.MillingStatusInProgress {
		return nil, store.ErrInvalidState
	}

	rice, err := creditRice(ctx, pgTx, companyID, output.RiceItemName, output.OutputRiceKg, output.OutputRiceBags, record.BatchNumber, at)
	if err != nil {
		return nil, err
	}

	record.OutputRiceKg = output.OutputRiceKg
	record.OutputRiceBags = output.OutputRiceBags
	record.BrokenRiceKg = output.BrokenRiceKg
	record.HuskKg = output.HuskKg
	record.RiceItemID = rice.ID
	record.RiceItemName = rice.Name
	if output.ExpectedPercent > 0 {
		record.ExpectedPercent = output.ExpectedPercent
	}
	record.Status = domain.MillingStatusCompleted
	record.RecomputeYield()
	record.UpdatedAt = at

	if err := updateMillingRow(ctx, pgTx, record); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Store) GetMillingByID(ctx context.Context, companyID string, id string) (*domain.MillingRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+millingColumns+` FROM milling_records WHERE company_id = $1 AND id = $2
	`, companyID, id)
	return scanMilling(row)
}

func (s *Store) FindMillingByClientID(ctx context.Context, companyID string, clientID string) (*domain.MillingRecord, error) {
	if clientID == "" {
		return nil, store.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+millingColumns+` FROM milling_records WHERE company_id = $1 AND client_id = $2
	`, companyID, clientID)
	return scanMilling(row)
}

func (s *Store) ListMillingRecords(ctx context.Context, companyID string, status string, limit int) ([]domain.MillingRecord, error) {
	query := `SELECT ` + millingColumns + ` FROM milling_records WHERE company_id = $1 AND active = TRUE`
	args := []any{companyID}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	query += ` ORDER BY milling_date DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.MillingRecord, 0, 16)
	for rows.Next() {
		record, err := scanMilling(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

func (s *Store) UpdateMillingRecord(ctx context.Context, record domain.MillingRecord) (*domain.MillingRecord, error) {
	existing, err := s.GetMillingByID(ctx, record.CompanyID, record.ID)
	if err != nil {
		return nil, err
	}
	record.CreatedAt = existing.CreatedAt
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := updateMillingRow(ctx, pgTx, &record); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *Store) GetMillingStats(ctx context.Context, companyID string, from time.Time, to time.Time) (*domain.MillingStats, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(input_paddy_kg),0), COALESCE(SUM(output_rice_kg),0),
			COALESCE(SUM(wastage_kg),0),
			COALESCE(AVG(actual_percent) FILTER (WHERE status = $2), 0)
		FROM milling_records
		WHERE company_id = $1 AND active = TRUE`
	args := []any{companyID, domain.MillingStatusCompleted}
	if !from.IsZero() {
		args = append(args, from)
		query += fmt.Sprintf(` AND milling_date >= $%d`, len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		query += fmt.Sprintf(` AND milling_date <= $%d`, len(args))
	}

	var stats domain.MillingStats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.TotalBatches, &stats.TotalPaddyKg, &stats.TotalRiceKg,
		&stats.TotalWastageKg, &stats.AvgActualPercent,
	)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

func (s *Store) GetSyncOperation(ctx context.Context, companyID string, clientID string) (*domain.SyncOperation, error) {
	var op domain.SyncOperation
	var data, result []byte
	var clientCreatedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT company_id, client_id, entity_type, operation, data, client_created_at,
			status, result, retry_count, processed_at
		FROM sync_operations
		WHERE company_id = $1 AND client_id = $2
	`, companyID, clientID).Scan(
		&op.CompanyID, &op.ClientID, &op.EntityType, &op.Operation, &data, &clientCreatedAt,
		&op.Status, &result, &op.RetryCount, &op.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	op.Data = data
	if clientCreatedAt.Valid {
		op.ClientCreatedAt = clientCreatedAt.Time.UTC()
	}
	if len(result) > 0 {
		var res domain.SyncResult
		if err := json.Unmarshal(result, &res); err == nil {
			op.Result = &res
		}
	}
	op.ProcessedAt = op.ProcessedAt.UTC()
	return &op, nil
}

func (s *Store) SaveSyncOperation(ctx context.Context, op domain.SyncOperation) error {
	var result any
	if op.Result != nil {
		encoded, err := json.Marshal(op.Result)
		if err != nil {
			return err
		}
		result = encoded
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_operations (company_id, client_id, entity_type, operation, data,
			client_created_at, status, result, retry_count, processed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (company_id, client_id) DO UPDATE SET
			status = EXCLUDED.status, result = EXCLUDED.result,
			retry_count = EXCLUDED.retry_count, processed_at = EXCLUDED.processed_at
	`, op.CompanyID, op.ClientID, op.EntityType, op.Operation, []byte(op.Data),
		op.ClientCreatedAt, op.Status, result, op.RetryCount, op.ProcessedAt)
	return err
}

func (s *Store) ChangesSince(ctx context.Context, companyID string, since time.Time) (*domain.ChangeSet, error) {
	changes := domain.ChangeSet{
		Customers:      []domain.Customer{},
		StockItems:     []domain.StockItem{},
		Transactions:   []domain.Transaction{},
		MillingRecords: []domain.MillingRecord{},
		ServerTime:     time.Now().UTC(),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+customerColumns+` FROM customers WHERE company_id = $1 AND updated_at > $2 ORDER BY updated_at ASC
	`, companyID, since)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		changes.Customers = append(changes.Customers, *c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT `+stockColumns+` FROM stock_items WHERE company_id = $1 AND updated_at > $2 ORDER BY updated_at ASC
	`, companyID, since)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		item, err := scanStockItem(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		changes.StockItems = append(changes.StockItems, *item)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions WHERE company_id = $1 AND updated_at > $2 ORDER BY updated_at ASC
	`, companyID, since)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		changes.Transactions = append(changes.Transactions, *tx)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT `+millingColumns+` FROM milling_records WHERE company_id = $1 AND updated_at > $2 ORDER BY updated_at ASC
	`, companyID, since)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		record, err := scanMilling(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		changes.MillingRecords = append(changes.MillingRecords, *record)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	return &changes, nil
}

func (s *Store) GetDailyReport(ctx context.Context, companyID string, day time.Time) (*domain.DailyReport, error) {
	start := time.Date(day.UTC().Year(), day.UTC().Month(), day.UTC().Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	report := domain.DailyReport{Date: start.Format("2006-01-02")}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE tx_type = $4),
			COUNT(*) FILTER (WHERE tx_type = $5),
			COALESCE(SUM(total_amount) FILTER (WHERE tx_type = $4), 0),
			COALESCE(SUM(total_amount) FILTER (WHERE tx_type = $5), 0),
			COALESCE(SUM(paid_amount), 0),
			COALESCE(SUM(balance), 0)
		FROM transactions
		WHERE company_id = $1 AND created_at >= $2 AND created_at < $3 AND status <> $6 AND active = TRUE
	`, companyID, start, end, domain.TxTypeBuy, domain.TxTypeSell, domain.TxStatusCancelled).Scan(
		&report.BuyCount, &report.SellCount, &report.BuyTotal, &report.SellTotal,
		&report.PaidTotal, &report.OutstandingTotal,
	)
	if err != nil {
		return nil, err
	}
	return &report, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (company_id, actor_id, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, entry.CompanyID, entry.ActorID, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, companyID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	query := `
		SELECT id::text, company_id, actor_id, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE company_id = $1`
	args := []any{companyID}
	if !from.IsZero() {
		args = append(args, from)
		query += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		query += fmt.Sprintf(` AND created_at <= $%d`, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, 32)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.CompanyID, &entry.ActorID, &entry.Action,
			&entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, name, role, company_id, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, user.Username, user.PasswordHash, user.Name, user.Role, user.CompanyID, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, name, role, company_id, active, created_at
		FROM users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.PasswordHash, &user.Name, &user.Role,
			&user.CompanyID, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2 WHERE username = $1
	`, username, passwordHash)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func lockCustomer(ctx context.Context, pgTx *sql.Tx, companyID string, id string) (*domain.Customer, error) {
	row := pgTx.QueryRowContext(ctx, `
		SELECT `+customerColumns+` FROM customers WHERE company_id = $1 AND id = $2 FOR UPDATE
	`, companyID, id)
	return scanCustomer(row)
}

func updateCustomerTotals(ctx context.Context, pgTx *sql.Tx, customer *domain.Customer) error {
	_, err := pgTx.ExecContext(ctx, `
		UPDATE customers SET total_buy_amount=$3, total_sell_amount=$4, balance=$5, updated_at=$6
		WHERE company_id = $1 AND id = $2
	`, customer.CompanyID, customer.ID, customer.TotalBuyAmount, customer.TotalSellAmount,
		customer.Balance, customer.UpdatedAt)
	return err
}

func lockStock(ctx context.Context, pgTx *sql.Tx, companyID string, id string, clientID string) (*domain.StockItem, error) {
	if id == "" && clientID == "" {
		return nil, store.ErrNotFound
	}
	row := pgTx.QueryRowContext(ctx, `
		SELECT `+stockColumns+` FROM stock_items
		WHERE company_id = $1 AND (id = $2 OR (client_id <> '' AND client_id = $3))
		LIMIT 1
		FOR UPDATE
	`, companyID, id, clientID)
	return scanStockItem(row)
}

func lockStockByName(ctx context.Context, pgTx *sql.Tx, companyID string, itemType string, name string) (*domain.StockItem, error) {
	if strings.TrimSpace(name) == "" {
		return nil, store.ErrNotFound
	}
	row := pgTx.QueryRowContext(ctx, `
		SELECT `+stockColumns+` FROM stock_items
		WHERE company_id = $1 AND item_type = $2 AND lower(name) = lower($3) AND active = TRUE
		LIMIT 1
		FOR UPDATE
	`, companyID, itemType, name)
	return scanStockItem(row)
}

func insertStockTx(ctx context.Context, pgTx *sql.Tx, item *domain.StockItem) error {
	_, err := pgTx.ExecContext(ctx, `
		INSERT INTO stock_items (`+stockColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, item.ID, item.CompanyID, item.ClientID, item.Name, item.ItemType, item.TotalWeightKg,
		item.TotalBags, item.PricePerKg, item.AvgPurchasePrice, item.MinimumStock,
		item.SourceBatch, item.Active, item.CreatedAt, item.UpdatedAt)
	return err
}

func updateStockLevels(ctx context.Context, pgTx *sql.Tx, item *domain.StockItem) error {
	_, err := pgTx.ExecContext(ctx, `
		UPDATE stock_items SET total_weight_kg=$3, total_bags=$4, avg_purchase_price=$5, updated_at=$6
		WHERE company_id = $1 AND id = $2
	`, item.CompanyID, item.ID, item.TotalWeightKg, item.TotalBags, item.AvgPurchasePrice, item.UpdatedAt)
	return err
}

func creditRice(ctx context.Context, pgTx *sql.Tx, companyID string, name string, weightKg float64, bags int, batch string, at time.Time) (*domain.StockItem, error) {
	rice, err := lockStockByName(ctx, pgTx, companyID, domain.ItemTypeRice, name)
	if errors.Is(err, store.ErrNotFound) {
		rice = &domain.StockItem{
			ID:          xid.New("stk"),
			CompanyID:   companyID,
			Name:        name,
			ItemType:    domain.ItemTypeRice,
			SourceBatch: batch,
			Active:      true,
			CreatedAt:   at,
			UpdatedAt:   at,
		}
		if err := insertStockTx(ctx, pgTx, rice); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	rice.ApplyDelta(weightKg, bags, domain.DirectionAdd)
	rice.UpdatedAt = at
	if err := updateStockLevels(ctx, pgTx, rice); err != nil {
		return nil, err
	}
	return rice, nil
}

func lockTransaction(ctx context.Context, pgTx *sql.Tx, companyID string, id string) (*domain.Transaction, error) {
	row := pgTx.QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions WHERE company_id = $1 AND id = $2 FOR UPDATE
	`, companyID, id)
	return scanTransaction(row)
}

func insertTransaction(ctx context.Context, pgTx *sql.Tx, tx *domain.Transaction) error {
	items, err := json.Marshal(tx.Items)
	if err != nil {
		return err
	}
	payments, err := json.Marshal(tx.PaymentHistory)
	if err != nil {
		return err
	}
	if tx.PaymentHistory == nil {
		payments = []byte("[]")
	}
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`, tx.ID, tx.CompanyID, tx.ClientID, tx.Number, tx.Type, tx.CustomerID, tx.CustomerName,
		items, tx.TotalWeightKg, tx.TotalBags, tx.TotalAmount, tx.PaidAmount, tx.Balance,
		tx.Status, tx.PaymentMethod, payments, tx.Notes, tx.CreatedBy, tx.Active,
		tx.CreatedAt, tx.UpdatedAt)
	return err
}

func updateTransactionRow(ctx context.Context, pgTx *sql.Tx, tx *domain.Transaction) error {
	items, err := json.Marshal(tx.Items)
	if err != nil {
		return err
	}
	payments, err := json.Marshal(tx.PaymentHistory)
	if err != nil {
		return err
	}
	res, err := pgTx.ExecContext(ctx, `
		UPDATE transactions SET number=$3, customer_id=$4, customer_name=$5, items=$6,
			total_weight_kg=$7, total_bags=$8, total_amount=$9, paid_amount=$10, balance=$11,
			status=$12, payment_method=$13, payment_history=$14, notes=$15, active=$16, updated_at=$17
		WHERE company_id = $1 AND id = $2
	`, tx.CompanyID, tx.ID, tx.Number, tx.CustomerID, tx.CustomerName, items, tx.TotalWeightKg,
		tx.TotalBags, tx.TotalAmount, tx.PaidAmount, tx.Balance, tx.Status, tx.PaymentMethod,
		payments, tx.Notes, tx.Active, tx.UpdatedAt)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func lockMilling(ctx context.Context, pgTx *sql.Tx, companyID string, id string) (*domain.MillingRecord, error) {
	row := pgTx.QueryRowContext(ctx, `
		SELECT `+millingColumns+` FROM milling_records WHERE company_id = $1 AND id = $2 FOR UPDATE
	`, companyID, id)
	return scanMilling(row)
}

func updateMillingRow(ctx context.Context, pgTx *sql.Tx, record *domain.MillingRecord) error {
	res, err := pgTx.ExecContext(ctx, `
		UPDATE milling_records SET batch_number=$3, paddy_item_name=$4, input_paddy_kg=$5,
			input_paddy_bags=$6, output_rice_kg=$7, output_rice_bags=$8, broken_rice_kg=$9,
			husk_kg=$10, wastage_kg=$11, expected_percent=$12, actual_percent=$13, rice_item_id=$14,
			rice_item_name=$15, status=$16, milled_by=$17, notes=$18, milling_date=$19, active=$20,
			updated_at=$21
		WHERE company_id = $1 AND id = $2
	`, record.CompanyID, record.ID, record.BatchNumber, record.PaddyItemName, record.InputPaddyKg,
		record.InputPaddyBags, record.OutputRiceKg, record.OutputRiceBags, record.BrokenRiceKg,
		record.HuskKg, record.WastageKg, record.ExpectedPercent, record.ActualPercent,
		record.RiceItemID, record.RiceItemName, record.Status, record.MilledBy, record.Notes,
		record.MillingDate, record.Active, record.UpdatedAt)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
