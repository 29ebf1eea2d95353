package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/outcomex/market-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// uniqueViolation is the PostgreSQL SQLSTATE for unique index conflicts.
const uniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// travel as text so no value passes through float64.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgTx runs statements on q. Inside a unit of work lock is " FOR UPDATE" so
// every row read stays locked until commit.
type pgTx struct {
	q    querier
	lock string
}

// Atomically runs fn inside a READ COMMITTED transaction.
func (s *PostgresStore) Atomically(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgTx{q: tx, lock: " FOR UPDATE"}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) reader() *pgTx {
	return &pgTx{q: s.pool}
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return s.reader().GetMarket(ctx, id)
}

func (s *PostgresStore) GetWallet(ctx context.Context, id string) (*model.Wallet, error) {
	return s.reader().GetWallet(ctx, id)
}

func (s *PostgresStore) GetBalance(ctx context.Context, walletID, currency string) (*model.Balance, error) {
	return s.reader().GetBalance(ctx, walletID, currency)
}

func (s *PostgresStore) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	return s.reader().GetBet(ctx, id)
}

func (s *PostgresStore) GetPayout(ctx context.Context, id string) (*model.Payout, error) {
	return s.reader().GetPayout(ctx, id)
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	t := s.reader()
	rows, err := t.q.Query(ctx, `SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	markets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Market, error) {
		m, err := scanMarket(row)
		if err != nil {
			return model.Market{}, err
		}
		return *m, nil
	})
	if err != nil {
		return nil, err
	}
	for i := range markets {
		if markets[i].Outcomes, err = t.outcomes(ctx, markets[i].ID); err != nil {
			return nil, err
		}
	}
	return markets, nil
}

// RunMigrations applies the embedded SQL files in lexicographic order and
// records each in schema_migrations.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		var applied bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, name,
		).Scan(&applied); err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", name, err)
		}
		if applied {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", name, err)
		}
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, name)
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", name, err)
		}
	}
	return nil
}

// notFound maps pgx.ErrNoRows onto the domain sentinel.
func notFound(err error, sentinel error, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", sentinel, id)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// --- Markets ---

const marketColumns = `id, title, category, pricing_model, liquidity::TEXT, fee_rate::TEXT,
	status, end_date, resolved_outcome_id, total_volume::TEXT, total_bets,
	created_at, updated_at, resolved_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	err := row.Scan(&m.ID, &m.Title, &m.Category, &m.PricingModel, &m.Liquidity, &m.FeeRate,
		&m.Status, &m.EndDate, &m.ResolvedOutcomeID, &m.TotalVolume, &m.TotalBets,
		&m.CreatedAt, &m.UpdatedAt, &m.ResolvedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (t *pgTx) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO markets (id, title, category, pricing_model, liquidity, fee_rate, status,
		                      end_date, resolved_outcome_id, total_volume, total_bets,
		                      created_at, updated_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10::NUMERIC, $11, $12, $13, $14)`,
		m.ID, m.Title, m.Category, m.PricingModel, m.Liquidity.String(), m.FeeRate.String(), m.Status,
		m.EndDate, m.ResolvedOutcomeID, m.TotalVolume.String(), m.TotalBets,
		m.CreatedAt, m.UpdatedAt, m.ResolvedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", model.ErrMarketExists, m.ID)
	}
	if err != nil {
		return fmt.Errorf("insert market %s: %w", m.ID, err)
	}
	for _, o := range m.Outcomes {
		_, err := t.q.Exec(ctx,
			`INSERT INTO outcomes (market_id, id, label, position, shares, total_volume, resolved, winner)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
			m.ID, o.ID, o.Label, o.Position, o.Shares.String(), o.TotalVolume.String(), o.Resolved, o.Winner,
		)
		if err != nil {
			return fmt.Errorf("insert outcome %s/%s: %w", m.ID, o.ID, err)
		}
	}
	return nil
}

func (t *pgTx) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(t.q.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`+t.lock, id))
	if err != nil {
		return nil, notFound(err, model.ErrMarketNotFound, id)
	}
	if m.Outcomes, err = t.outcomes(ctx, id); err != nil {
		return nil, err
	}
	return m, nil
}

func (t *pgTx) outcomes(ctx context.Context, marketID string) ([]model.Outcome, error) {
	rows, err := t.q.Query(ctx,
		`SELECT id, market_id, label, position, shares::TEXT, total_volume::TEXT, resolved, winner
		 FROM outcomes WHERE market_id = $1 ORDER BY position`+t.lock, marketID)
	if err != nil {
		return nil, fmt.Errorf("get outcomes %s: %w", marketID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Outcome, error) {
		var o model.Outcome
		err := row.Scan(&o.ID, &o.MarketID, &o.Label, &o.Position, &o.Shares, &o.TotalVolume, &o.Resolved, &o.Winner)
		return o, err
	})
}

func (t *pgTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE markets
		 SET status = $2, resolved_outcome_id = $3, total_volume = $4::NUMERIC, total_bets = $5,
		     updated_at = $6, resolved_at = $7
		 WHERE id = $1`,
		m.ID, m.Status, m.ResolvedOutcomeID, m.TotalVolume.String(), m.TotalBets, m.UpdatedAt, m.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("update market %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrMarketNotFound, m.ID)
	}
	for _, o := range m.Outcomes {
		_, err := t.q.Exec(ctx,
			`UPDATE outcomes
			 SET shares = $3::NUMERIC, total_volume = $4::NUMERIC, resolved = $5, winner = $6
			 WHERE market_id = $1 AND id = $2`,
			m.ID, o.ID, o.Shares.String(), o.TotalVolume.String(), o.Resolved, o.Winner,
		)
		if err != nil {
			return fmt.Errorf("update outcome %s/%s: %w", m.ID, o.ID, err)
		}
	}
	return nil
}

// --- Wallets and balances ---

func (t *pgTx) CreateWallet(ctx context.Context, w *model.Wallet) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO wallets (id, user_id, kind, currency, address, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		w.ID, w.UserID, w.Kind, w.Currency, w.Address, w.Active, w.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", model.ErrWalletExists, w.ID)
	}
	return err
}

func (t *pgTx) GetWallet(ctx context.Context, id string) (*model.Wallet, error) {
	var w model.Wallet
	err := t.q.QueryRow(ctx,
		`SELECT id, user_id, kind, currency, address, active, created_at
		 FROM wallets WHERE id = $1`, id).
		Scan(&w.ID, &w.UserID, &w.Kind, &w.Currency, &w.Address, &w.Active, &w.CreatedAt)
	if err != nil {
		return nil, notFound(err, model.ErrWalletNotFound, id)
	}
	return &w, nil
}

func (t *pgTx) GetBalance(ctx context.Context, walletID, currency string) (*model.Balance, error) {
	// Lock the wallet row first: a balance row that does not exist yet has
	// nothing for FOR UPDATE to hold.
	if t.lock != "" {
		if _, err := t.q.Exec(ctx, `SELECT 1 FROM wallets WHERE id = $1`+t.lock, walletID); err != nil {
			return nil, fmt.Errorf("lock wallet %s: %w", walletID, err)
		}
	}
	var b model.Balance
	err := t.q.QueryRow(ctx,
		`SELECT wallet_id, currency, amount::TEXT, locked_amount::TEXT, updated_at
		 FROM balances WHERE wallet_id = $1 AND currency = $2`+t.lock, walletID, currency).
		Scan(&b.WalletID, &b.Currency, &b.Amount, &b.LockedAmount, &b.UpdatedAt)
	if err != nil {
		return nil, notFound(err, model.ErrBalanceNotFound, walletID+"/"+currency)
	}
	return &b, nil
}

func (t *pgTx) SaveBalance(ctx context.Context, b *model.Balance) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO balances (wallet_id, currency, amount, locked_amount, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)
		 ON CONFLICT (wallet_id, currency)
		 DO UPDATE SET amount = EXCLUDED.amount, locked_amount = EXCLUDED.locked_amount,
		               updated_at = EXCLUDED.updated_at`,
		b.WalletID, b.Currency, b.Amount.String(), b.LockedAmount.String(), b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save balance %s/%s: %w", b.WalletID, b.Currency, err)
	}
	return nil
}

// --- Transactions ---

const transactionColumns = `id, user_id, wallet_id, bet_id, payout_id, type, status,
	amount::TEXT, net_amount::TEXT, fee::TEXT, currency, description, request_key, created_at, processed_at`

func (t *pgTx) CreateTransaction(ctx context.Context, tx *model.Transaction) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO transactions (`+strings.ReplaceAll(transactionColumns, "::TEXT", "")+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12, $13, $14, $15)`,
		tx.ID, tx.UserID, tx.WalletID, tx.BetID, tx.PayoutID, tx.Type, tx.Status,
		tx.Amount.String(), tx.NetAmount.String(), tx.Fee.String(), tx.Currency, tx.Description,
		tx.RequestKey, tx.CreatedAt, tx.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", tx.ID, err)
	}
	return nil
}

func (t *pgTx) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	var tx model.Transaction
	err := t.q.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`+t.lock, id).
		Scan(&tx.ID, &tx.UserID, &tx.WalletID, &tx.BetID, &tx.PayoutID, &tx.Type, &tx.Status,
			&tx.Amount, &tx.NetAmount, &tx.Fee, &tx.Currency, &tx.Description, &tx.RequestKey,
			&tx.CreatedAt, &tx.ProcessedAt)
	if err != nil {
		return nil, notFound(err, model.ErrTransactionNotFound, id)
	}
	return &tx, nil
}

func (t *pgTx) UpdateTransaction(ctx context.Context, tx *model.Transaction) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE transactions SET bet_id = $2, payout_id = $3, status = $4, processed_at = $5, description = $6
		 WHERE id = $1`,
		tx.ID, tx.BetID, tx.PayoutID, tx.Status, tx.ProcessedAt, tx.Description,
	)
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", tx.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrTransactionNotFound, tx.ID)
	}
	return nil
}

func (t *pgTx) HasRecentTransaction(ctx context.Context, q DuplicateQuery) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM transactions
			WHERE user_id = $1 AND wallet_id = $2 AND type = $3 AND request_key = $4
			  AND status IN ('pending', 'completed') AND created_at >= $5)`,
		q.UserID, q.WalletID, q.Type, q.RequestKey, q.Since,
	).Scan(&exists)
	return exists, err
}

// --- Bets ---

const betColumns = `id, user_id, market_id, outcome_id, wallet_id, transaction_id, type,
	shares::TEXT, price::TEXT, total_cost::TEXT, fee::TEXT, net_amount::TEXT, potential_payout::TEXT,
	status, cancel_reason, created_at, updated_at, settled_at`

func scanBet(row pgx.Row) (model.Bet, error) {
	var b model.Bet
	err := row.Scan(&b.ID, &b.UserID, &b.MarketID, &b.OutcomeID, &b.WalletID, &b.TransactionID, &b.Type,
		&b.Shares, &b.Price, &b.TotalCost, &b.Fee, &b.NetAmount, &b.PotentialPayout,
		&b.Status, &b.CancelReason, &b.CreatedAt, &b.UpdatedAt, &b.SettledAt)
	return b, err
}

func (t *pgTx) CreateBet(ctx context.Context, b *model.Bet) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO bets (`+strings.ReplaceAll(betColumns, "::TEXT", "")+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC,
		         $12::NUMERIC, $13::NUMERIC, $14, $15, $16, $17, $18)`,
		b.ID, b.UserID, b.MarketID, b.OutcomeID, b.WalletID, b.TransactionID, b.Type,
		b.Shares.String(), b.Price.String(), b.TotalCost.String(), b.Fee.String(),
		b.NetAmount.String(), b.PotentialPayout.String(),
		b.Status, b.CancelReason, b.CreatedAt, b.UpdatedAt, b.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("insert bet %s: %w", b.ID, err)
	}
	return nil
}

func (t *pgTx) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	b, err := scanBet(t.q.QueryRow(ctx, `SELECT `+betColumns+` FROM bets WHERE id = $1`+t.lock, id))
	if err != nil {
		return nil, notFound(err, model.ErrBetNotFound, id)
	}
	return &b, nil
}

func (t *pgTx) UpdateBet(ctx context.Context, b *model.Bet) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE bets SET transaction_id = $2, status = $3, cancel_reason = $4, updated_at = $5, settled_at = $6
		 WHERE id = $1`,
		b.ID, b.TransactionID, b.Status, b.CancelReason, b.UpdatedAt, b.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("update bet %s: %w", b.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrBetNotFound, b.ID)
	}
	return nil
}

func (t *pgTx) ListOpenBets(ctx context.Context, marketID string) ([]model.Bet, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+betColumns+` FROM bets
		 WHERE market_id = $1 AND status IN ('pending', 'active')
		 ORDER BY created_at`, marketID)
	if err != nil {
		return nil, fmt.Errorf("list open bets %s: %w", marketID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Bet, error) {
		return scanBet(row)
	})
}

func (t *pgTx) HeldShares(ctx context.Context, userID, marketID, outcomeID string) (decimal.Decimal, error) {
	var held decimal.Decimal
	err := t.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(CASE WHEN type = 'BUY' THEN shares ELSE -shares END), 0)::TEXT
		 FROM bets
		 WHERE user_id = $1 AND market_id = $2 AND outcome_id = $3 AND status IN ('pending', 'active')`,
		userID, marketID, outcomeID,
	).Scan(&held)
	return held, err
}

func (t *pgTx) Position(ctx context.Context, userID, marketID, outcomeID string) (model.Position, error) {
	var pos model.Position
	err := t.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(shares) FILTER (WHERE type = 'BUY'), 0)::TEXT,
		        COALESCE(SUM(shares) FILTER (WHERE type = 'SELL'), 0)::TEXT
		 FROM bets
		 WHERE user_id = $1 AND market_id = $2 AND outcome_id = $3
		   AND status NOT IN ('cancelled', 'refunded')`,
		userID, marketID, outcomeID,
	).Scan(&pos.Bought, &pos.Sold)
	if err != nil {
		return pos, fmt.Errorf("position %s/%s/%s: %w", userID, marketID, outcomeID, err)
	}
	return pos, nil
}

func (t *pgTx) UserExposure(ctx context.Context, userID string) ([]model.Exposure, error) {
	rows, err := t.q.Query(ctx,
		`SELECT b.market_id, m.category, SUM(b.total_cost)::TEXT
		 FROM bets b
		 JOIN markets m ON m.id = b.market_id
		 WHERE b.user_id = $1 AND b.type = 'BUY' AND b.status IN ('pending', 'active')
		 GROUP BY b.market_id, m.category`, userID)
	if err != nil {
		return nil, fmt.Errorf("user exposure %s: %w", userID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Exposure, error) {
		var e model.Exposure
		err := row.Scan(&e.MarketID, &e.Category, &e.Amount)
		return e, err
	})
}

// --- Payouts ---

const payoutColumns = `id, user_id, bet_id, market_id, wallet_id, kind,
	gross_amount::TEXT, fee::TEXT, amount::TEXT, currency, status, external_payout_id,
	attempts, last_error, created_at, updated_at, completed_at`

func scanPayout(row pgx.Row) (*model.Payout, error) {
	var p model.Payout
	err := row.Scan(&p.ID, &p.UserID, &p.BetID, &p.MarketID, &p.WalletID, &p.Kind,
		&p.GrossAmount, &p.Fee, &p.Amount, &p.Currency, &p.Status, &p.ExternalPayoutID,
		&p.Attempts, &p.LastError, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *pgTx) CreatePayout(ctx context.Context, p *model.Payout) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO payouts (`+strings.ReplaceAll(payoutColumns, "::TEXT", "")+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12,
		         $13, $14, $15, $16, $17)`,
		p.ID, p.UserID, p.BetID, p.MarketID, p.WalletID, p.Kind,
		p.GrossAmount.String(), p.Fee.String(), p.Amount.String(), p.Currency, p.Status, p.ExternalPayoutID,
		p.Attempts, p.LastError, p.CreatedAt, p.UpdatedAt, p.CompletedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: bet %s", model.ErrPayoutExists, p.BetID)
	}
	if err != nil {
		return fmt.Errorf("insert payout %s: %w", p.ID, err)
	}
	return nil
}

func (t *pgTx) GetPayout(ctx context.Context, id string) (*model.Payout, error) {
	p, err := scanPayout(t.q.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`+t.lock, id))
	if err != nil {
		return nil, notFound(err, model.ErrPayoutNotFound, id)
	}
	return p, nil
}

func (t *pgTx) UpdatePayout(ctx context.Context, p *model.Payout) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE payouts
		 SET status = $2, external_payout_id = $3, attempts = $4, last_error = $5,
		     updated_at = $6, completed_at = $7
		 WHERE id = $1`,
		p.ID, p.Status, p.ExternalPayoutID, p.Attempts, p.LastError, p.UpdatedAt, p.CompletedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: bet %s", model.ErrPayoutExists, p.BetID)
	}
	if err != nil {
		return fmt.Errorf("update payout %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrPayoutNotFound, p.ID)
	}
	return nil
}

func (t *pgTx) GetLivePayoutByBet(ctx context.Context, betID string) (*model.Payout, error) {
	p, err := scanPayout(t.q.QueryRow(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE bet_id = $1 AND status <> 'failed'`+t.lock, betID))
	if err != nil {
		return nil, notFound(err, model.ErrPayoutNotFound, "bet "+betID)
	}
	return p, nil
}

// --- Resolutions and disputes ---

const resolutionColumns = `id, market_id, outcome_id, proposed_by, source, status,
	created_at, updated_at, confirmed_at`

func scanResolution(row pgx.Row) (*model.Resolution, error) {
	var r model.Resolution
	err := row.Scan(&r.ID, &r.MarketID, &r.OutcomeID, &r.ProposedBy, &r.Source, &r.Status,
		&r.CreatedAt, &r.UpdatedAt, &r.ConfirmedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *pgTx) CreateResolution(ctx context.Context, r *model.Resolution) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO resolutions (`+resolutionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.MarketID, r.OutcomeID, r.ProposedBy, r.Source, r.Status,
		r.CreatedAt, r.UpdatedAt, r.ConfirmedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: market %s", model.ErrResolutionExists, r.MarketID)
	}
	return err
}

func (t *pgTx) GetResolution(ctx context.Context, id string) (*model.Resolution, error) {
	r, err := scanResolution(t.q.QueryRow(ctx,
		`SELECT `+resolutionColumns+` FROM resolutions WHERE id = $1`+t.lock, id))
	if err != nil {
		return nil, notFound(err, model.ErrResolutionNotFound, id)
	}
	return r, nil
}

func (t *pgTx) UpdateResolution(ctx context.Context, r *model.Resolution) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE resolutions SET outcome_id = $2, status = $3, updated_at = $4, confirmed_at = $5
		 WHERE id = $1`,
		r.ID, r.OutcomeID, r.Status, r.UpdatedAt, r.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("update resolution %s: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrResolutionNotFound, r.ID)
	}
	return nil
}

func (t *pgTx) GetMarketResolution(ctx context.Context, marketID string) (*model.Resolution, error) {
	r, err := scanResolution(t.q.QueryRow(ctx,
		`SELECT `+resolutionColumns+` FROM resolutions WHERE market_id = $1`+t.lock, marketID))
	if err != nil {
		return nil, notFound(err, model.ErrResolutionNotFound, "market "+marketID)
	}
	return r, nil
}

const disputeColumns = `id, resolution_id, user_id, proposed_outcome_id, reason, status,
	reviewed_by, created_at, reviewed_at`

func (t *pgTx) CreateDispute(ctx context.Context, d *model.Dispute) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO disputes (`+disputeColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.ResolutionID, d.UserID, d.ProposedOutcomeID, d.Reason, d.Status,
		d.ReviewedBy, d.CreatedAt, d.ReviewedAt,
	)
	return err
}

func (t *pgTx) GetDispute(ctx context.Context, id string) (*model.Dispute, error) {
	var d model.Dispute
	err := t.q.QueryRow(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`+t.lock, id).
		Scan(&d.ID, &d.ResolutionID, &d.UserID, &d.ProposedOutcomeID, &d.Reason, &d.Status,
			&d.ReviewedBy, &d.CreatedAt, &d.ReviewedAt)
	if err != nil {
		return nil, notFound(err, model.ErrDisputeNotFound, id)
	}
	return &d, nil
}

func (t *pgTx) UpdateDispute(ctx context.Context, d *model.Dispute) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE disputes SET status = $2, reviewed_by = $3, reviewed_at = $4 WHERE id = $1`,
		d.ID, d.Status, d.ReviewedBy, d.ReviewedAt,
	)
	if err != nil {
		return fmt.Errorf("update dispute %s: %w", d.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrDisputeNotFound, d.ID)
	}
	return nil
}

func (t *pgTx) CountOpenDisputes(ctx context.Context, resolutionID string) (int, error) {
	var n int
	err := t.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM disputes WHERE resolution_id = $1 AND status = 'open'`, resolutionID,
	).Scan(&n)
	return n, err
}
