package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tokocabang/backend/internal/domain"
	"tokocabang/backend/internal/pricing"
	"tokocabang/backend/internal/store"
	"tokocabang/backend/internal/xid"
)

// Writes that touch stock run under Serializable isolation with FOR UPDATE
// row locks. Serialization failures are retried up to maxTxAttempts before
// surfacing as store.ErrConcurrentUpdate.
const maxTxAttempts = 3

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

func (s *Store) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var product domain.Product
	var wholesale sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, sku, selling_price, wholesale_price, min_stock, active
		FROM products
		WHERE id = $1 AND active = true
	`, productID).Scan(&product.ID, &product.Name, &product.SKU, &product.SellingPrice, &wholesale, &product.MinStock, &product.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if wholesale.Valid {
		price := wholesale.Int64
		product.WholesalePrice = &price
	}
	return &product, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(productIDs))
	if len(productIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, sku, selling_price, wholesale_price, min_stock, active
		FROM products
		WHERE active = true AND id = ANY($1)
	`, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var product domain.Product
		var wholesale sql.NullInt64
		if err := rows.Scan(&product.ID, &product.Name, &product.SKU, &product.SellingPrice, &wholesale, &product.MinStock, &product.Active); err != nil {
			return nil, err
		}
		if wholesale.Valid {
			price := wholesale.Int64
			product.WholesalePrice = &price
		}
		result[product.ID] = product
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Store) BranchExists(ctx context.Context, branchID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM branches WHERE id = $1 AND active = true)
	`, branchID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (s *Store) GetStockLevel(ctx context.Context, productID string, branchID string) (int, error) {
	var qty int
	err := s.db.QueryRowContext(ctx, `
		SELECT qty
		FROM branch_stocks
		WHERE branch_id = $1 AND product_id = $2
	`, branchID, productID).Scan(&qty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return qty, nil
}

func (s *Store) GetStockMap(ctx context.Context, branchID string, productIDs []string) (map[string]int, error) {
	stockMap := make(map[string]int, len(productIDs))
	if len(productIDs) == 0 {
		return stockMap, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, qty
		FROM branch_stocks
		WHERE branch_id = $1 AND product_id = ANY($2)
	`, branchID, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var productID string
		var qty int
		if err := rows.Scan(&productID, &qty); err != nil {
			return nil, err
		}
		stockMap[productID] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range productIDs {
		if _, ok := stockMap[id]; !ok {
			stockMap[id] = 0
		}
	}

	return stockMap, nil
}

func (s *Store) ListLowStock(ctx context.Context, branchID string) ([]domain.LowStockItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, COALESCE(bs.qty, 0), p.min_stock
		FROM products p
		LEFT JOIN branch_stocks bs ON bs.product_id = p.id AND bs.branch_id = $1
		WHERE p.active = true AND p.min_stock > 0 AND COALESCE(bs.qty, 0) <= p.min_stock
		ORDER BY p.id
	`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.LowStockItem, 0, 16)
	for rows.Next() {
		item := domain.LowStockItem{BranchID: branchID}
		if err := rows.Scan(&item.ProductID, &item.Name, &item.Quantity, &item.MinStock); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ApplyMovement(ctx context.Context, mv domain.Movement) ([]domain.Movement, error) {
	if err := mv.Validate(); err != nil {
		return nil, store.ErrInvalidMovement
	}

	var entries []domain.Movement
	err := s.withSerializableRetry(ctx, func() error {
		var txErr error
		entries, txErr = s.applyMovementTx(ctx, mv)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) applyMovementTx(ctx context.Context, mv domain.Movement) ([]domain.Movement, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	now := time.Now().UTC()
	var entries []domain.Movement

	switch mv.Type {
	case domain.MovementTransfer:
		// Lock both branch rows in sorted order so two opposing transfers
		// cannot deadlock each other.
		branchIDs := []string{mv.FromBranchID, mv.ToBranchID}
		sort.Strings(branchIDs)
		stockMap := make(map[string]int, 2)
		for _, branchID := range branchIDs {
			qty, err := lockStockRow(ctx, pgTx, mv.ProductID, branchID)
			if err != nil {
				return nil, err
			}
			stockMap[branchID] = qty
		}

		if stockMap[mv.FromBranchID] < mv.Quantity {
			return nil, &store.InsufficientStockError{
				ProductID: mv.ProductID,
				BranchID:  mv.FromBranchID,
				Requested: mv.Quantity,
				Available: stockMap[mv.FromBranchID],
			}
		}

		transferID := xid.New("trf")
		out := mv
		out.ID = xid.New("mov")
		out.BranchID = mv.FromBranchID
		out.QuantityDelta = -mv.Quantity
		out.TransferID = transferID
		out.CreatedAt = now
		in := mv
		in.ID = xid.New("mov")
		in.BranchID = mv.ToBranchID
		in.QuantityDelta = mv.Quantity
		in.TransferID = transferID
		in.CreatedAt = now
		entries = []domain.Movement{out, in}

		if err := applyStockDelta(ctx, pgTx, mv.ProductID, mv.FromBranchID, -mv.Quantity); err != nil {
			return nil, err
		}
		if err := applyStockDelta(ctx, pgTx, mv.ProductID, mv.ToBranchID, mv.Quantity); err != nil {
			return nil, err
		}

	case domain.MovementAdjustment:
		current, err := lockStockRow(ctx, pgTx, mv.ProductID, mv.BranchID)
		if err != nil {
			return nil, err
		}
		if current+mv.QuantityDelta < 0 {
			return nil, &store.InsufficientStockError{
				ProductID: mv.ProductID,
				BranchID:  mv.BranchID,
				Requested: -mv.QuantityDelta,
				Available: current,
			}
		}
		entry := mv
		entry.ID = xid.New("mov")
		entry.Quantity = abs(mv.QuantityDelta)
		entry.CreatedAt = now
		entries = []domain.Movement{entry}
		if err := applyStockDelta(ctx, pgTx, mv.ProductID, mv.BranchID, mv.QuantityDelta); err != nil {
			return nil, err
		}

	case domain.MovementOpname:
		// Delta is computed against the locked row, never against the count
		// the client saw when it started counting.
		current, err := lockStockRow(ctx, pgTx, mv.ProductID, mv.BranchID)
		if err != nil {
			return nil, err
		}
		entry := mv
		entry.ID = xid.New("mov")
		entry.QuantityDelta = mv.CountedQty - current
		entry.Quantity = abs(entry.QuantityDelta)
		entry.CreatedAt = now
		entries = []domain.Movement{entry}
		if err := applyStockDelta(ctx, pgTx, mv.ProductID, mv.BranchID, entry.QuantityDelta); err != nil {
			return nil, err
		}

	case domain.MovementReceive:
		// Lock creates the stock row when this is the first movement for the
		// pair, so the delta below always has a row to land on.
		if _, err := lockStockRow(ctx, pgTx, mv.ProductID, mv.BranchID); err != nil {
			return nil, err
		}
		entry := mv
		entry.ID = xid.New("mov")
		entry.QuantityDelta = mv.Quantity
		entry.CreatedAt = now
		entries = []domain.Movement{entry}
		if err := applyStockDelta(ctx, pgTx, mv.ProductID, mv.BranchID, mv.Quantity); err != nil {
			return nil, err
		}

	default:
		return nil, store.ErrInvalidMovement
	}

	for _, entry := range entries {
		if err := insertMovement(ctx, pgTx, entry); err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return entries, nil
}

// lockStockRow upserts the (product, branch) stock row at qty 0 if missing,
// then takes a FOR UPDATE lock and returns the current quantity.
func lockStockRow(ctx context.Context, pgTx *sql.Tx, productID string, branchID string) (int, error) {
	_, err := pgTx.ExecContext(ctx, `
		INSERT INTO branch_stocks (branch_id, product_id, qty, updated_at)
		VALUES ($1,$2,0,now())
		ON CONFLICT (branch_id, product_id) DO NOTHING
	`, branchID, productID)
	if err != nil {
		return 0, err
	}

	var qty int
	err = pgTx.QueryRowContext(ctx, `
		SELECT qty
		FROM branch_stocks
		WHERE branch_id = $1 AND product_id = $2
		FOR UPDATE
	`, branchID, productID).Scan(&qty)
	if err != nil {
		return 0, err
	}
	return qty, nil
}

func applyStockDelta(ctx context.Context, pgTx *sql.Tx, productID string, branchID string, delta int) error {
	_, err := pgTx.ExecContext(ctx, `
		UPDATE branch_stocks
		SET qty = qty + $1, updated_at = now()
		WHERE branch_id = $2 AND product_id = $3
	`, delta, branchID, productID)
	return err
}

func insertMovement(ctx context.Context, pgTx *sql.Tx, mv domain.Movement) error {
	_, err := pgTx.ExecContext(ctx, `
		INSERT INTO stock_movements (
			id, type, product_id, branch_id, from_branch_id, to_branch_id,
			quantity, quantity_delta, counted_qty, reason, transfer_id,
			reference_id, actor_id, notes, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, mv.ID, mv.Type, mv.ProductID, mv.BranchID, nullIfEmpty(mv.FromBranchID), nullIfEmpty(mv.ToBranchID),
		mv.Quantity, mv.QuantityDelta, countedQtyValue(mv), nullIfEmpty(string(mv.Reason)), nullIfEmpty(mv.TransferID),
		nullIfEmpty(mv.ReferenceID), mv.ActorID, strings.TrimSpace(mv.Notes), mv.CreatedAt)
	return err
}

func (s *Store) ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.Movement, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, product_id, branch_id, from_branch_id, to_branch_id,
			quantity, quantity_delta, counted_qty, reason, transfer_id,
			reference_id, actor_id, COALESCE(notes,''), created_at
		FROM stock_movements
		WHERE ($1 = '' OR branch_id = $1)
			AND ($2 = '' OR product_id = $2)
			AND ($3 = '' OR type = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, filter.BranchID, filter.ProductID, string(filter.Type), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.Movement, 0, limit)
	for rows.Next() {
		var mv domain.Movement
		var fromBranch, toBranch, reason, transferID, referenceID sql.NullString
		var countedQty sql.NullInt64
		if err := rows.Scan(&mv.ID, &mv.Type, &mv.ProductID, &mv.BranchID, &fromBranch, &toBranch,
			&mv.Quantity, &mv.QuantityDelta, &countedQty, &reason, &transferID,
			&referenceID, &mv.ActorID, &mv.Notes, &mv.CreatedAt); err != nil {
			return nil, err
		}
		mv.FromBranchID = fromBranch.String
		mv.ToBranchID = toBranch.String
		mv.Reason = domain.AdjustmentReason(reason.String)
		mv.TransferID = transferID.String
		mv.ReferenceID = referenceID.String
		if countedQty.Valid {
			mv.CountedQty = int(countedQty.Int64)
		}
		mv.CreatedAt = mv.CreatedAt.UTC()
		movements = append(movements, mv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) ReplayStockLevel(ctx context.Context, productID string, branchID string) (int, error) {
	var qty int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity_delta), 0)::int
		FROM stock_movements
		WHERE product_id = $1 AND branch_id = $2
	`, productID, branchID).Scan(&qty)
	if err != nil {
		return 0, err
	}
	return qty, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, bool, error) {
	if sale.IdempotencyKey == "" || len(sale.Lines) == 0 {
		return nil, false, store.ErrInvalidMovement
	}

	var created *domain.Sale
	var duplicate bool
	err := s.withSerializableRetry(ctx, func() error {
		var txErr error
		created, duplicate, txErr = s.createSaleTx(ctx, sale)
		return txErr
	})
	if err != nil {
		return nil, false, err
	}
	return created, duplicate, nil
}

func (s *Store) createSaleTx(ctx context.Context, sale domain.Sale) (*domain.Sale, bool, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = pgTx.Rollback() }()

	productIDs := uniqueProductIDs(sale.Lines)
	if len(productIDs) == 0 {
		return nil, false, store.ErrInvalidMovement
	}

	productRows, err := pgTx.QueryContext(ctx, `
		SELECT id, name, sku, selling_price, wholesale_price, min_stock, active
		FROM products
		WHERE active = true AND id = ANY($1)
	`, productIDs)
	if err != nil {
		return nil, false, err
	}
	productMap := make(map[string]domain.Product, len(productIDs))
	for productRows.Next() {
		var product domain.Product
		var wholesale sql.NullInt64
		if err := productRows.Scan(&product.ID, &product.Name, &product.SKU, &product.SellingPrice, &wholesale, &product.MinStock, &product.Active); err != nil {
			_ = productRows.Close()
			return nil, false, err
		}
		if wholesale.Valid {
			price := wholesale.Int64
			product.WholesalePrice = &price
		}
		productMap[product.ID] = product
	}
	if err := productRows.Err(); err != nil {
		_ = productRows.Close()
		return nil, false, err
	}
	_ = productRows.Close()

	stockMap := make(map[string]int, len(productIDs))
	for _, productID := range productIDs {
		qty, err := lockStockRow(ctx, pgTx, productID, sale.BranchID)
		if err != nil {
			return nil, false, err
		}
		stockMap[productID] = qty
	}

	now := time.Now().UTC()
	priceMode := sale.PriceMode
	if priceMode == "" {
		priceMode = domain.PriceModeAuto
	}
	subtotal := int64(0)
	recomputedLines := make([]domain.SaleLine, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		if line.Quantity < 1 {
			return nil, false, store.ErrInvalidMovement
		}
		product, exists := productMap[line.ProductID]
		if !exists {
			return nil, false, fmt.Errorf("product %s unavailable: %w", line.ProductID, store.ErrNotFound)
		}
		if stockMap[line.ProductID] < line.Quantity {
			return nil, false, &store.InsufficientStockError{
				ProductID: line.ProductID,
				BranchID:  sale.BranchID,
				Requested: line.Quantity,
				Available: stockMap[line.ProductID],
			}
		}

		// Unit prices come from the product rows read in this transaction,
		// never from the caller's lines.
		unitPrice := pricing.ResolveUnitPrice(product, line.Quantity, priceMode)
		lineSubtotal := unitPrice * int64(line.Quantity)
		recomputedLines = append(recomputedLines, domain.SaleLine{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			UnitPrice: unitPrice,
			Subtotal:  lineSubtotal,
		})
		subtotal += lineSubtotal
		stockMap[line.ProductID] -= line.Quantity

		if err := applyStockDelta(ctx, pgTx, line.ProductID, sale.BranchID, -line.Quantity); err != nil {
			return nil, false, err
		}
	}

	sale.Lines = recomputedLines
	sale.Subtotal = subtotal
	sale.TotalAmount = subtotal - sale.DiscountAmount + sale.TaxAmount
	sale.Status = domain.SaleStatusCompleted
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = now
	}

	invoiceNumber, err := nextInvoiceNumber(ctx, pgTx, now)
	if err != nil {
		return nil, false, err
	}
	sale.InvoiceNumber = invoiceNumber

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (
			id, invoice_number, branch_id, cashier_id, customer_id, idempotency_key,
			subtotal, tax_amount, discount_amount, total_amount, payment_method,
			amount_paid, change_amount, status, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, sale.ID, sale.InvoiceNumber, sale.BranchID, sale.CashierID, nullIfEmpty(sale.CustomerID), sale.IdempotencyKey,
		sale.Subtotal, sale.TaxAmount, sale.DiscountAmount, sale.TotalAmount, sale.PaymentMethod,
		sale.AmountPaid, sale.ChangeAmount, sale.Status, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := s.FindSaleByIdempotency(ctx, sale.IdempotencyKey)
			if lookupErr == nil {
				return existing, true, nil
			}
		}
		return nil, false, err
	}

	for _, line := range sale.Lines {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, product_id, qty, unit_price, subtotal)
			VALUES ($1,$2,$3,$4,$5)
		`, sale.ID, line.ProductID, line.Quantity, line.UnitPrice, line.Subtotal)
		if err != nil {
			return nil, false, err
		}

		if err := insertMovement(ctx, pgTx, domain.Movement{
			ID:            xid.New("mov"),
			Type:          domain.MovementSale,
			ProductID:     line.ProductID,
			BranchID:      sale.BranchID,
			Quantity:      line.Quantity,
			QuantityDelta: -line.Quantity,
			ReferenceID:   sale.ID,
			ActorID:       sale.CashierID,
			CreatedAt:     now,
		}); err != nil {
			return nil, false, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, false, err
	}

	return &sale, false, nil
}

// nextInvoiceNumber assigns the next INV-YYYYMMDD-NNNN sequence for the day.
// Counting inside the serializable transaction keeps the sequence gap-free;
// concurrent checkouts serialize on it and retry.
func nextInvoiceNumber(ctx context.Context, pgTx *sql.Tx, now time.Time) (string, error) {
	day := now.Format("20060102")
	var count int
	err := pgTx.QueryRowContext(ctx, `
		SELECT COUNT(*)::int
		FROM sales
		WHERE invoice_number LIKE 'INV-' || $1 || '-%'
	`, day).Scan(&count)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("INV-%s-%04d", day, count+1), nil
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error) {
	return s.findSale(ctx, "idempotency_key", key)
}

func (s *Store) FindSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	return s.findSale(ctx, "id", id)
}

func (s *Store) FindSaleByInvoice(ctx context.Context, invoiceNumber string) (*domain.Sale, error) {
	return s.findSale(ctx, "invoice_number", invoiceNumber)
}

func (s *Store) findSale(ctx context.Context, column string, value string) (*domain.Sale, error) {
	if column != "id" && column != "idempotency_key" && column != "invoice_number" {
		return nil, fmt.Errorf("unsupported lookup column")
	}

	var sale domain.Sale
	var customerID sql.NullString

	query := fmt.Sprintf(`
		SELECT id, invoice_number, branch_id, cashier_id, customer_id, idempotency_key,
			subtotal, tax_amount, discount_amount, total_amount, payment_method,
			amount_paid, change_amount, status, created_at
		FROM sales
		WHERE %s = $1
	`, column)

	err := s.db.QueryRowContext(ctx, query, value).Scan(
		&sale.ID,
		&sale.InvoiceNumber,
		&sale.BranchID,
		&sale.CashierID,
		&customerID,
		&sale.IdempotencyKey,
		&sale.Subtotal,
		&sale.TaxAmount,
		&sale.DiscountAmount,
		&sale.TotalAmount,
		&sale.PaymentMethod,
		&sale.AmountPaid,
		&sale.ChangeAmount,
		&sale.Status,
		&sale.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if customerID.Valid {
		sale.CustomerID = customerID.String
	}
	sale.CreatedAt = sale.CreatedAt.UTC()

	lines, err := s.saleLines(ctx, sale.ID)
	if err != nil {
		return nil, err
	}
	sale.Lines = lines

	return &sale, nil
}

func (s *Store) saleLines(ctx context.Context, saleID string) ([]domain.SaleLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, qty, unit_price, subtotal
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY id ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.SaleLine, 0, 8)
	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.ProductID, &line.Quantity, &line.UnitPrice, &line.Subtotal); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (s *Store) ListSales(ctx context.Context, branchID string, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, invoice_number, branch_id, cashier_id, customer_id, idempotency_key,
			subtotal, tax_amount, discount_amount, total_amount, payment_method,
			amount_paid, change_amount, status, created_at
		FROM sales
		WHERE ($1 = '' OR branch_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, branchID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	ids := make([]string, 0, limit)
	for rows.Next() {
		var sale domain.Sale
		var customerID sql.NullString
		if err := rows.Scan(&sale.ID, &sale.InvoiceNumber, &sale.BranchID, &sale.CashierID, &customerID,
			&sale.IdempotencyKey, &sale.Subtotal, &sale.TaxAmount, &sale.DiscountAmount, &sale.TotalAmount,
			&sale.PaymentMethod, &sale.AmountPaid, &sale.ChangeAmount, &sale.Status, &sale.CreatedAt); err != nil {
			return nil, err
		}
		if customerID.Valid {
			sale.CustomerID = customerID.String
		}
		sale.CreatedAt = sale.CreatedAt.UTC()
		sales = append(sales, sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return sales, nil
	}

	lineRows, err := s.db.QueryContext(ctx, `
		SELECT sale_id, product_id, qty, unit_price, subtotal
		FROM sale_items
		WHERE sale_id = ANY($1)
		ORDER BY id ASC
	`, ids)
	if err != nil {
		return nil, err
	}
	defer lineRows.Close()

	lineMap := make(map[string][]domain.SaleLine, len(ids))
	for lineRows.Next() {
		var saleID string
		var line domain.SaleLine
		if err := lineRows.Scan(&saleID, &line.ProductID, &line.Quantity, &line.UnitPrice, &line.Subtotal); err != nil {
			return nil, err
		}
		lineMap[saleID] = append(lineMap[saleID], line)
	}
	if err := lineRows.Err(); err != nil {
		return nil, err
	}

	for i := range sales {
		sales[i].Lines = lineMap[sales[i].ID]
	}
	return sales, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	return s.findUser(ctx, "id", userID)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	return s.findUser(ctx, "username", strings.ToLower(strings.TrimSpace(username)))
}

func (s *Store) findUser(ctx context.Context, column string, value string) (*domain.User, error) {
	if column != "id" && column != "username" {
		return nil, fmt.Errorf("unsupported lookup column")
	}

	var user domain.User
	var branchID sql.NullString
	query := fmt.Sprintf(`
		SELECT id, username, password, role, branch_id, active, created_at
		FROM app_users
		WHERE %s = $1
	`, column)
	err := s.db.QueryRowContext(ctx, query, value).Scan(
		&user.ID, &user.Username, &user.Password, &user.Role, &branchID, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if branchID.Valid {
		branch := branchID.String
		user.BranchID = &branch
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.User) (*domain.User, error) {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return nil, store.ErrInvalidMovement
	}
	if user.ID == "" {
		user.ID = xid.New("usr")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (id, username, password, role, branch_id, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
	`, user.ID, user.Username, user.Password, user.Role, nullBranch(user.BranchID), user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidMovement
		}
		return nil, err
	}
	created := user
	return &created, nil
}

func (s *Store) ListBranchStaff(ctx context.Context, branchID string) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, password, role, branch_id, active, created_at
		FROM app_users
		WHERE branch_id = $1 AND active = true
		ORDER BY username ASC
	`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	staff := make([]domain.User, 0, 2)
	for rows.Next() {
		var user domain.User
		var branch sql.NullString
		if err := rows.Scan(&user.ID, &user.Username, &user.Password, &user.Role, &branch, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		if branch.Valid {
			b := branch.String
			user.BranchID = &b
		}
		user.CreatedAt = user.CreatedAt.UTC()
		staff = append(staff, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return staff, nil
}

// AssignStaff moves a user into a branch role slot. The user's old slot and
// the slot's current holder are both cleared in the same transaction, so the
// one-holder-per-slot rule never has an observable gap.
func (s *Store) AssignStaff(ctx context.Context, branchID string, userID string, role domain.StaffRole) error {
	return s.withSerializableRetry(ctx, func() error {
		pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		defer func() { _ = pgTx.Rollback() }()

		var exists bool
		err = pgTx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM app_users WHERE id = $1 AND active = true)
		`, userID).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			return store.ErrNotFound
		}

		_, err = pgTx.ExecContext(ctx, `
			UPDATE app_users
			SET branch_id = NULL, updated_at = now()
			WHERE role = $1 AND branch_id = $2 AND id <> $3
		`, role, branchID, userID)
		if err != nil {
			return err
		}

		_, err = pgTx.ExecContext(ctx, `
			UPDATE app_users
			SET role = $2, branch_id = $3, updated_at = now()
			WHERE id = $1
		`, userID, role, branchID)
		if err != nil {
			return err
		}

		return pgTx.Commit()
	})
}

func (s *Store) withSerializableRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = fn()
		if err == nil || !isSerializationFailure(err) {
			return err
		}
	}
	return store.ErrConcurrentUpdate
}

func uniqueProductIDs(lines []domain.SaleLine) []string {
	if len(lines) == 0 {
		return nil
	}

	set := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		if line.ProductID == "" {
			continue
		}
		set[line.ProductID] = struct{}{}
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func countedQtyValue(mv domain.Movement) any {
	if mv.Type != domain.MovementOpname {
		return nil
	}
	return mv.CountedQty
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullBranch(val *string) any {
	if val == nil || *val == "" {
		return nil
	}
	return *val
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
