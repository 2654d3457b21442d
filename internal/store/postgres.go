package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradetracker/portfolio-engine/internal/model"
)

// Schema is the DDL applied by Migrate.
//
//go:embed schema.sql
var Schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Units of work lock the user's cash row FOR UPDATE first, which serializes
// concurrent trades of one user across service instances.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the schema. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// --- Reader ---

func (s *PostgresStore) GetCash(ctx context.Context, userID string) (*model.CashBalance, error) {
	return getCash(ctx, s.pool, userID, false)
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	return getPosition(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string, closed *bool) ([]model.Position, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if closed == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT `+positionColumns+` FROM positions
			 WHERE user_id = $1
			 `+positionOrder, userID)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+positionColumns+` FROM positions
			 WHERE user_id = $1 AND is_closed = $2
			 `+positionOrder, userID, *closed)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, positionID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE position_id = $1
		 ORDER BY created_at, id`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, userID string) ([]model.BalanceSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, cash_balance::TEXT, position_value_at_cost::TEXT, total::TEXT, timestamp
		 FROM balance_snapshots
		 WHERE user_id = $1
		 ORDER BY timestamp DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.BalanceSnapshot
	for rows.Next() {
		var snap model.BalanceSnapshot
		var cashS, atCostS, totalS string
		if err := rows.Scan(&snap.ID, &snap.UserID, &cashS, &atCostS, &totalS, &snap.Timestamp); err != nil {
			return nil, err
		}
		if err := parseDecimals(
			&snap.CashBalance, cashS,
			&snap.PositionValueAtCost, atCostS,
			&snap.Total, totalS,
		); err != nil {
			return nil, err
		}
		result = append(result, snap)
	}
	return result, rows.Err()
}

// --- Unit of work ---

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockCash(ctx context.Context, userID string) (*model.CashBalance, bool, error) {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO cash_balances (user_id, available_cash, updated_at)
		 VALUES ($1, 0, now())
		 ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return nil, false, fmt.Errorf("ensure cash for %s: %w", userID, err)
	}
	c, err := getCash(ctx, t.tx, userID, true)
	if err != nil {
		return nil, false, err
	}
	return c, tag.RowsAffected() == 1, nil
}

func (t *pgTx) SaveCash(ctx context.Context, c *model.CashBalance) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE cash_balances SET available_cash = $2::NUMERIC, updated_at = $3
		 WHERE user_id = $1`,
		c.UserID, c.AvailableCash.String(), c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save cash for %s: %w", c.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("cash for user %s: %w", c.UserID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) FindOpenPosition(ctx context.Context, userID, coin string) (*model.Position, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE user_id = $1 AND coin_symbol = $2 AND NOT is_closed
		 FOR UPDATE`, userID, coin)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("open %s position for user %s: %w", coin, userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find open position: %w", err)
	}
	return p, nil
}

func (t *pgTx) LockPosition(ctx context.Context, id string) (*model.Position, error) {
	return getPosition(ctx, t.tx, id, true)
}

func (t *pgTx) InsertPosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (id, user_id, coin_symbol,
		                        total_amount, total_buy_amount, total_sell_amount,
		                        total_buy_value, total_sell_value,
		                        average_buy_price, average_sell_price,
		                        is_closed, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10::NUMERIC, $11, $12, $13)`,
		p.ID, p.UserID, p.CoinSymbol,
		p.TotalAmount.String(), p.TotalBuyAmount.String(), p.TotalSellAmount.String(),
		p.TotalBuyValue.String(), p.TotalSellValue.String(),
		p.AverageBuyPrice.String(), p.AverageSellPrice.String(),
		p.IsClosed, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert position %s: %w", p.ID, err)
	}
	return nil
}

func (t *pgTx) UpdatePosition(ctx context.Context, p *model.Position) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE positions
		 SET total_amount = $2::NUMERIC, total_buy_amount = $3::NUMERIC, total_sell_amount = $4::NUMERIC,
		     total_buy_value = $5::NUMERIC, total_sell_value = $6::NUMERIC,
		     average_buy_price = $7::NUMERIC, average_sell_price = $8::NUMERIC,
		     is_closed = $9, updated_at = $10
		 WHERE id = $1`,
		p.ID,
		p.TotalAmount.String(), p.TotalBuyAmount.String(), p.TotalSellAmount.String(),
		p.TotalBuyValue.String(), p.TotalSellValue.String(),
		p.AverageBuyPrice.String(), p.AverageSellPrice.String(),
		p.IsClosed, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) DeletePosition(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM positions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	return nil
}

func (t *pgTx) ListOpenPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE user_id = $1 AND NOT is_closed
		 `+positionOrder, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *model.Transaction) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, position_id, coin_symbol, type,
		                           price, amount, value, fee_percent,
		                           profit_loss_value, profit_loss_percentage,
		                           transaction_date, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		         $10::NUMERIC, $11::NUMERIC, $12, $13)`,
		tr.ID, tr.UserID, tr.PositionID, tr.CoinSymbol, string(tr.Type),
		tr.Price.String(), tr.Amount.String(), tr.Value.String(), tr.FeePercent.String(),
		nullableDecimal(tr.ProfitLossValue), nullableDecimal(tr.ProfitLossPercentage),
		tr.TransactionDate, tr.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", tr.ID, err)
	}
	return nil
}

func (t *pgTx) DeleteTransaction(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete transaction %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return nil
}

func (t *pgTx) LastTransaction(ctx context.Context, positionID string) (*model.Transaction, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE position_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`, positionID)
	tr, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transactions of position %s: %w", positionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("last transaction of %s: %w", positionID, err)
	}
	return tr, nil
}

func (t *pgTx) AppendSnapshot(ctx context.Context, s *model.BalanceSnapshot) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO balance_snapshots (id, user_id, cash_balance, position_value_at_cost, total, timestamp)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)`,
		s.ID, s.UserID, s.CashBalance.String(), s.PositionValueAtCost.String(), s.Total.String(), s.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append snapshot: %w", err)
	}
	return nil
}

// --- Scanning helpers ---

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// scanner reads one row; pgx.Row and pgx.Rows both implement it.
type scanner interface {
	Scan(dest ...any) error
}

const positionColumns = `id, user_id, coin_symbol,
	total_amount::TEXT, total_buy_amount::TEXT, total_sell_amount::TEXT,
	total_buy_value::TEXT, total_sell_value::TEXT,
	average_buy_price::TEXT, average_sell_price::TEXT,
	is_closed, created_at, updated_at`

// positionOrder names the table columns: positionColumns projects the
// NUMERIC columns as TEXT under the same names, and a bare name in ORDER BY
// would sort those strings.
const positionOrder = `ORDER BY positions.total_buy_value DESC, positions.created_at`

const transactionColumns = `id, user_id, position_id, coin_symbol, type,
	price::TEXT, amount::TEXT, value::TEXT, fee_percent::TEXT,
	profit_loss_value::TEXT, profit_loss_percentage::TEXT,
	transaction_date, created_at`

func getCash(ctx context.Context, q querier, userID string, forUpdate bool) (*model.CashBalance, error) {
	sql := `SELECT user_id, available_cash::TEXT, updated_at FROM cash_balances WHERE user_id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var c model.CashBalance
	var cashS string
	err := q.QueryRow(ctx, sql, userID).Scan(&c.UserID, &cashS, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("cash for user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get cash for %s: %w", userID, err)
	}
	if c.AvailableCash, err = decimal.NewFromString(cashS); err != nil {
		return nil, fmt.Errorf("parse cash for %s: %w", userID, err)
	}
	return &c, nil
}

func getPosition(ctx context.Context, q querier, id string, forUpdate bool) (*model.Position, error) {
	sql := `SELECT ` + positionColumns + ` FROM positions WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	p, err := scanPosition(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

func scanPosition(row scanner) (*model.Position, error) {
	var p model.Position
	var amt, buyAmt, sellAmt, buyVal, sellVal, avgBuy, avgSell string
	if err := row.Scan(&p.ID, &p.UserID, &p.CoinSymbol,
		&amt, &buyAmt, &sellAmt,
		&buyVal, &sellVal,
		&avgBuy, &avgSell,
		&p.IsClosed, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseDecimals(
		&p.TotalAmount, amt,
		&p.TotalBuyAmount, buyAmt,
		&p.TotalSellAmount, sellAmt,
		&p.TotalBuyValue, buyVal,
		&p.TotalSellValue, sellVal,
		&p.AverageBuyPrice, avgBuy,
		&p.AverageSellPrice, avgSell,
	); err != nil {
		return nil, fmt.Errorf("position %s: %w", p.ID, err)
	}
	return &p, nil
}

func scanPositions(rows pgx.Rows) ([]model.Position, error) {
	var result []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func scanTransaction(row scanner) (*model.Transaction, error) {
	var t model.Transaction
	var typ, price, amount, value, fee string
	var plValue, plPct *string
	if err := row.Scan(&t.ID, &t.UserID, &t.PositionID, &t.CoinSymbol, &typ,
		&price, &amount, &value, &fee,
		&plValue, &plPct,
		&t.TransactionDate, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Type = model.TransactionType(typ)
	if err := parseDecimals(
		&t.Price, price,
		&t.Amount, amount,
		&t.Value, value,
		&t.FeePercent, fee,
	); err != nil {
		return nil, fmt.Errorf("transaction %s: %w", t.ID, err)
	}
	var err error
	if t.ProfitLossValue, err = parseNullable(plValue); err != nil {
		return nil, fmt.Errorf("transaction %s: %w", t.ID, err)
	}
	if t.ProfitLossPercentage, err = parseNullable(plPct); err != nil {
		return nil, fmt.Errorf("transaction %s: %w", t.ID, err)
	}
	return &t, nil
}

// parseDecimals takes (*decimal.Decimal, string) pairs.
func parseDecimals(pairs ...any) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		dst := pairs[i].(*decimal.Decimal)
		v, err := decimal.NewFromString(pairs[i+1].(string))
		if err != nil {
			return fmt.Errorf("parse decimal %q: %w", pairs[i+1], err)
		}
		*dst = v
	}
	return nil
}

func parseNullable(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	v, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, fmt.Errorf("parse decimal %q: %w", *s, err)
	}
	return &v, nil
}

func nullableDecimal(v *decimal.Decimal) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}
