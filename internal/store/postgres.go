package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pnlduel/duel-engine/internal/model"
)

// PostgresSchema creates the tables used by PostgresStore. Balances and pots
// are BIGINT in the wager's smallest unit; trade amounts are NUMERIC.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS duels (
	id               BIGSERIAL PRIMARY KEY,
	participant_a    TEXT        NOT NULL,
	participant_b    TEXT,
	wager_amount     BIGINT      NOT NULL CHECK (wager_amount > 0),
	duration_seconds BIGINT      NOT NULL CHECK (duration_seconds > 0),
	state            TEXT        NOT NULL,
	pot              BIGINT      NOT NULL CHECK (pot >= 0),
	created_at       TIMESTAMPTZ NOT NULL,
	start_time       TIMESTAMPTZ,
	winner           TEXT,
	payout           BIGINT      NOT NULL DEFAULT 0,
	fee              BIGINT      NOT NULL DEFAULT 0,
	closed_at        TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_duels_state ON duels(state);

CREATE TABLE IF NOT EXISTS accounts (
	account TEXT   PRIMARY KEY,
	balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0)
);

CREATE TABLE IF NOT EXISTS trade_events (
	seq          BIGSERIAL   PRIMARY KEY,
	id           TEXT        NOT NULL UNIQUE,
	duel_id      BIGINT      NOT NULL REFERENCES duels(id),
	participant  TEXT        NOT NULL,
	token_in     TEXT        NOT NULL,
	token_out    TEXT        NOT NULL,
	amount_in    NUMERIC     NOT NULL,
	amount_out   NUMERIC     NOT NULL,
	timestamp    TIMESTAMPTZ NOT NULL,
	external_ref TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_trade_events_ref
	ON trade_events(duel_id, external_ref) WHERE external_ref IS NOT NULL;
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Duel transitions and their postings share one transaction; the state
// check lives in the UPDATE's WHERE clause so concurrent writers race on a
// single row.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, PostgresSchema)
	return err
}

const duelColumns = `id, participant_a, participant_b, wager_amount, duration_seconds,
	state, pot, created_at, start_time, winner, payout, fee, closed_at`

func (s *PostgresStore) CreateDuel(ctx context.Context, d *model.Duel, postings []model.Posting) (int64, error) {
	if err := CheckBalanced(0, d.Pot, postings); err != nil {
		return 0, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if err := applyPostingsPg(ctx, tx, postings); err != nil {
		return 0, err
	}

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO duels (participant_a, participant_b, wager_amount, duration_seconds,
		                    state, pot, created_at, start_time, winner, payout, fee, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id`,
		d.ParticipantA, d.ParticipantB, d.WagerAmount, d.DurationSeconds,
		string(d.State), d.Pot, d.CreatedAt, d.StartTime, d.Winner, d.Payout, d.Fee, d.ClosedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert duel: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *PostgresStore) GetDuel(ctx context.Context, id int64) (*model.Duel, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+duelColumns+` FROM duels WHERE id = $1`, id)
	d, err := scanDuel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("duel %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get duel %d: %w", id, err)
	}
	return d, nil
}

func (s *PostgresStore) ListDuels(ctx context.Context, states ...model.DuelState) ([]model.Duel, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if len(states) == 0 {
		rows, err = s.pool.Query(ctx, `SELECT `+duelColumns+` FROM duels ORDER BY id`)
	} else {
		names := make([]string, len(states))
		for i, st := range states {
			names[i] = string(st)
		}
		rows, err = s.pool.Query(ctx,
			`SELECT `+duelColumns+` FROM duels WHERE state = ANY($1) ORDER BY id`, names)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var duels []model.Duel
	for rows.Next() {
		d, err := scanDuel(rows)
		if err != nil {
			return nil, err
		}
		duels = append(duels, *d)
	}
	return duels, rows.Err()
}

func (s *PostgresStore) UpdateDuel(ctx context.Context, next *model.Duel, from model.DuelState, postings []model.Posting) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var prevPot int64
	err = tx.QueryRow(ctx,
		`SELECT pot FROM duels WHERE id = $1 AND state = $2 FOR UPDATE`,
		next.ID, string(from)).Scan(&prevPot)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.conflictOrMissing(ctx, tx, next.ID, from)
	}
	if err != nil {
		return fmt.Errorf("lock duel %d: %w", next.ID, err)
	}
	if err := CheckBalanced(prevPot, next.Pot, postings); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE duels
		 SET participant_b = $2, state = $3, pot = $4, start_time = $5,
		     winner = $6, payout = $7, fee = $8, closed_at = $9
		 WHERE id = $1 AND state = $10`,
		next.ID, next.ParticipantB, string(next.State), next.Pot, next.StartTime,
		next.Winner, next.Payout, next.Fee, next.ClosedAt, string(from),
	)
	if err != nil {
		return fmt.Errorf("update duel %d: %w", next.ID, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("duel %d: %w", next.ID, ErrStateConflict)
	}

	if err := applyPostingsPg(ctx, tx, postings); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Deposit(ctx context.Context, account string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit %d to %s: amount must be positive", amount, account)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (account, balance) VALUES ($1, $2)
		 ON CONFLICT (account) DO UPDATE SET balance = accounts.balance + EXCLUDED.balance`,
		account, amount)
	return err
}

func (s *PostgresStore) Balance(ctx context.Context, account string) (int64, error) {
	var bal int64
	err := s.pool.QueryRow(ctx, `SELECT balance FROM accounts WHERE account = $1`, account).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return bal, err
}

func (s *PostgresStore) InsertTrade(ctx context.Context, ev *model.TradeEvent) (bool, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO trade_events (id, duel_id, participant, token_in, token_out,
		                           amount_in, amount_out, timestamp, external_ref)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9)
		 ON CONFLICT (duel_id, external_ref) WHERE external_ref IS NOT NULL DO NOTHING
		 RETURNING seq`,
		ev.ID, ev.DuelID, ev.Participant, ev.TokenIn, ev.TokenOut,
		ev.AmountIn.String(), ev.AmountOut.String(), ev.Timestamp, nullIfEmpty(ev.ExternalRef),
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert trade: %w", err)
	}
	ev.Seq = seq
	return true, nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, duelID int64) ([]model.TradeEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, id, duel_id, participant, token_in, token_out,
		        amount_in::TEXT, amount_out::TEXT, timestamp, COALESCE(external_ref, '')
		 FROM trade_events WHERE duel_id = $1 ORDER BY seq`, duelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTradeEvents(rows)
}

func (s *PostgresStore) conflictOrMissing(ctx context.Context, tx pgx.Tx, id int64, from model.DuelState) error {
	var state string
	err := tx.QueryRow(ctx, `SELECT state FROM duels WHERE id = $1`, id).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("duel %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("duel %d is %s, expected %s: %w", id, state, from, ErrStateConflict)
}

// applyPostingsPg debits with a guarded UPDATE so a balance can never go
// negative, and credits with an upsert.
func applyPostingsPg(ctx context.Context, tx pgx.Tx, postings []model.Posting) error {
	for _, p := range netPostings(postings) {
		if p.Delta > 0 {
			if _, err := tx.Exec(ctx,
				`INSERT INTO accounts (account, balance) VALUES ($1, $2)
				 ON CONFLICT (account) DO UPDATE SET balance = accounts.balance + EXCLUDED.balance`,
				p.Account, p.Delta); err != nil {
				return fmt.Errorf("credit %s: %w", p.Account, err)
			}
			continue
		}
		tag, err := tx.Exec(ctx,
			`UPDATE accounts SET balance = balance + $2
			 WHERE account = $1 AND balance + $2 >= 0`,
			p.Account, p.Delta)
		if err != nil {
			return fmt.Errorf("debit %s: %w", p.Account, err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("account %s: %w", p.Account, ErrInsufficientFunds)
		}
	}
	return nil
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDuel(row rowScanner) (*model.Duel, error) {
	var d model.Duel
	var state string
	if err := row.Scan(&d.ID, &d.ParticipantA, &d.ParticipantB, &d.WagerAmount, &d.DurationSeconds,
		&state, &d.Pot, &d.CreatedAt, &d.StartTime, &d.Winner, &d.Payout, &d.Fee, &d.ClosedAt); err != nil {
		return nil, err
	}
	d.State = model.DuelState(state)
	return &d, nil
}

// scanTradeEvents reads rows into TradeEvent slices.
type tradeRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanTradeEvents(rows tradeRows) ([]model.TradeEvent, error) {
	var events []model.TradeEvent
	for rows.Next() {
		var e model.TradeEvent
		var inS, outS string

		if err := rows.Scan(&e.Seq, &e.ID, &e.DuelID, &e.Participant, &e.TokenIn, &e.TokenOut,
			&inS, &outS, &e.Timestamp, &e.ExternalRef); err != nil {
			return nil, err
		}

		var err error
		if e.AmountIn, err = decimal.NewFromString(inS); err != nil {
			return nil, fmt.Errorf("trade %s amount_in: %w", e.ID, err)
		}
		if e.AmountOut, err = decimal.NewFromString(outS); err != nil {
			return nil, fmt.Errorf("trade %s amount_out: %w", e.ID, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
