package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amirphl/mexc-bracket/internal/db/conf"
	"github.com/amirphl/mexc-bracket/internal/journal"
	"github.com/amirphl/mexc-bracket/internal/order"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

type Default struct {
	db *sql.DB
}

func New(c conf.Config) (*Default, error) {
	if c.DB == nil {
		return nil, fmt.Errorf("db: no connection in config %q", c.Name)
	}
	return &Default{db: c.DB}, nil
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, connStr string) (*Default, error) {
	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.PingContext(pctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &Default{db: conn}, nil
}

func (p *Default) GetDB() *sql.DB {
	return p.db
}

func (p *Default) Close() error {
	return p.db.Close()
}

// InTransaction runs fn with a transaction in its context. Nested calls join
// the outer transaction.
func (p *Default) InTransaction(ctx context.Context, fn func(context.Context) error) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		return fn(WithTransaction(ctx, tx))
	})
}

// executeWithTransaction executes a function with proper transaction management
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (p *Default) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}
	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (p *Default) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

// -------- Orders --------

const orderColumns = `order_id, client_order_id, symbol, side, type, price, stop_price, quantity, filled_qty, status, created_at, updated_at`

func (p *Default) SaveOrder(ctx context.Context, o order.Order) error {
	now := time.Now().UTC()
	created, updated := o.CreatedAt, o.UpdatedAt
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = now
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (order_id) DO UPDATE SET status=EXCLUDED.status, filled_qty=EXCLUDED.filled_qty, updated_at=EXCLUDED.updated_at`,
			o.OrderID, o.ClientOrderID, o.Symbol, string(o.Side), string(o.Type), o.Price, o.StopPrice, o.Quantity, o.FilledQty,
			string(o.Status), created, updated)
		if err != nil {
			return fmt.Errorf("failed to save order: %w", err)
		}
		return nil
	})
}

func scanOrder(rows *sql.Rows) (order.Order, error) {
	var (
		o                  order.Order
		side, typ, status  string
		clientID           sql.NullString
		price, stop        decimal.NullDecimal
		quantity, filled   decimal.Decimal
		createdAt, updated time.Time
	)
	if err := rows.Scan(&o.OrderID, &clientID, &o.Symbol, &side, &typ, &price, &stop, &quantity, &filled, &status, &createdAt, &updated); err != nil {
		return order.Order{}, fmt.Errorf("failed to scan order: %w", err)
	}
	o.ClientOrderID = clientID.String
	o.Side = order.Side(side)
	o.Type = order.Type(typ)
	o.Price = price.Decimal
	o.StopPrice = stop.Decimal
	o.Quantity = quantity
	o.FilledQty = filled
	o.Status = order.ParseStatus(status)
	o.CreatedAt = createdAt.UTC()
	o.UpdatedAt = updated.UTC()
	return o, nil
}

func (p *Default) GetOrder(ctx context.Context, orderID string) (*order.Order, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id=$1`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		return &o, nil
	}
	return nil, rows.Err()
}

func (p *Default) GetOpenOrders(ctx context.Context) ([]order.Order, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT `+orderColumns+` FROM orders WHERE status <> ALL($1) ORDER BY created_at ASC`,
		pq.Array(terminalStatuses))
	if err != nil {
		return nil, fmt.Errorf("failed to query open orders: %w", err)
	}
	defer rows.Close()

	var orders []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (p *Default) UpdateOrderStatus(ctx context.Context, orderID string, status order.Status, filledQty decimal.Decimal, updatedAt time.Time) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE orders SET status=$1, filled_qty=$2, updated_at=$3 WHERE order_id=$4`,
			string(status), filledQty, updatedAt.UTC(), orderID)
		if err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("no order found to update for ID %s", orderID)
		}
		return nil
	})
}

// -------- Events --------

func (p *Default) LogEvent(ctx context.Context, event journal.Event) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		data, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO events (time, type, position_id, symbol, description, data) VALUES ($1,$2,$3,$4,$5,$6)`,
			event.Time.UTC(), event.Type, event.PositionID, event.Symbol, event.Description, data)
		if err != nil {
			return fmt.Errorf("failed to log event: %w", err)
		}
		return nil
	})
}

func (p *Default) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT time, type, position_id, symbol, description, data FROM events
		WHERE type=$1 AND time >= $2 AND time < $3 ORDER BY time ASC`, eventType, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []journal.Event
	for rows.Next() {
		var e journal.Event
		var data []byte
		if err := rows.Scan(&e.Time, &e.Type, &e.PositionID, &e.Symbol, &e.Description, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		e.Time = e.Time.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// -------- Brackets --------

const bracketColumns = `position_id, symbol, side, mode, state, entry_price, stop_loss, take_profit, quote_amount, quantity, filled,
	entry_order_id, stop_loss_order_id, take_profit_order_id, last_error, created_at, updated_at`

func (p *Default) SaveBracket(ctx context.Context, b Bracket) error {
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO brackets (`+bracketColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
			ON CONFLICT (position_id) DO UPDATE SET
				state=EXCLUDED.state, quantity=EXCLUDED.quantity, filled=EXCLUDED.filled,
				entry_order_id=EXCLUDED.entry_order_id, stop_loss_order_id=EXCLUDED.stop_loss_order_id,
				take_profit_order_id=EXCLUDED.take_profit_order_id, last_error=EXCLUDED.last_error,
				updated_at=EXCLUDED.updated_at`,
			b.PositionID, b.Symbol, b.Side, b.Mode, b.State, b.EntryPrice, b.StopLoss, b.TakeProfit, b.QuoteAmount,
			b.Quantity, b.Filled, b.EntryOrderID, b.StopLossOrderID, b.TakeProfitOrderID, b.LastError, b.CreatedAt, b.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to save bracket [%s]: %w", b.PositionID, err)
		}
		return nil
	})
}

func scanBracket(rows *sql.Rows) (Bracket, error) {
	var b Bracket
	err := rows.Scan(&b.PositionID, &b.Symbol, &b.Side, &b.Mode, &b.State, &b.EntryPrice, &b.StopLoss, &b.TakeProfit,
		&b.QuoteAmount, &b.Quantity, &b.Filled, &b.EntryOrderID, &b.StopLossOrderID, &b.TakeProfitOrderID, &b.LastError,
		&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return Bracket{}, fmt.Errorf("failed to scan bracket: %w", err)
	}
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

func (p *Default) GetBracket(ctx context.Context, positionID string) (*Bracket, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT `+bracketColumns+` FROM brackets WHERE position_id=$1`, positionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bracket: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		b, err := scanBracket(rows)
		if err != nil {
			return nil, err
		}
		return &b, nil
	}
	return nil, rows.Err()
}

func (p *Default) GetActiveBrackets(ctx context.Context) ([]Bracket, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT `+bracketColumns+` FROM brackets
		WHERE state NOT IN ('CLOSED', 'CANCELLED', 'FAILED') ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active brackets: %w", err)
	}
	defer rows.Close()
	var out []Bracket
	for rows.Next() {
		b, err := scanBracket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
