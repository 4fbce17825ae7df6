package store

// Single-node durable store on modernc.org/sqlite.
//
// Times are stored as unix nanoseconds and trade amounts as decimal TEXT so
// a round trip is exact. The pool is pinned to one connection: SQLite has a
// single writer anyway, and it keeps ":memory:" databases coherent.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/pnlduel/duel-engine/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS duels (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	participant_a    TEXT    NOT NULL,
	participant_b    TEXT,
	wager_amount     INTEGER NOT NULL CHECK (wager_amount > 0),
	duration_seconds INTEGER NOT NULL CHECK (duration_seconds > 0),
	state            TEXT    NOT NULL,
	pot              INTEGER NOT NULL CHECK (pot >= 0),
	created_at       INTEGER NOT NULL,
	start_time       INTEGER,
	winner           TEXT,
	payout           INTEGER NOT NULL DEFAULT 0,
	fee              INTEGER NOT NULL DEFAULT 0,
	closed_at        INTEGER
);

CREATE INDEX IF NOT EXISTS idx_duels_state ON duels(state);

CREATE TABLE IF NOT EXISTS accounts (
	account TEXT    PRIMARY KEY,
	balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0)
);

CREATE TABLE IF NOT EXISTS trade_events (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT    NOT NULL UNIQUE,
	duel_id      INTEGER NOT NULL REFERENCES duels(id),
	participant  TEXT    NOT NULL,
	token_in     TEXT    NOT NULL,
	token_out    TEXT    NOT NULL,
	amount_in    TEXT    NOT NULL,
	amount_out   TEXT    NOT NULL,
	timestamp    INTEGER NOT NULL,
	external_ref TEXT
);

-- NULL refs are distinct in SQLite, so only real refs are de-duplicated.
CREATE UNIQUE INDEX IF NOT EXISTS idx_trade_events_ref ON trade_events(duel_id, external_ref);
`

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dsn and applies the
// schema. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite pragma: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteDuelColumns = `id, participant_a, participant_b, wager_amount, duration_seconds,
	state, pot, created_at, start_time, winner, payout, fee, closed_at`

func (s *SQLiteStore) CreateDuel(ctx context.Context, d *model.Duel, postings []model.Posting) (int64, error) {
	if err := CheckBalanced(0, d.Pot, postings); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := applyPostingsSQL(ctx, tx, postings); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO duels (participant_a, participant_b, wager_amount, duration_seconds,
		                    state, pot, created_at, start_time, winner, payout, fee, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ParticipantA, d.ParticipantB, d.WagerAmount, d.DurationSeconds,
		string(d.State), d.Pot, d.CreatedAt.UnixNano(), unixPtr(d.StartTime),
		d.Winner, d.Payout, d.Fee, unixPtr(d.ClosedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert duel: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *SQLiteStore) GetDuel(ctx context.Context, id int64) (*model.Duel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteDuelColumns+` FROM duels WHERE id = ?`, id)
	d, err := scanSQLiteDuel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("duel %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get duel %d: %w", id, err)
	}
	return d, nil
}

func (s *SQLiteStore) ListDuels(ctx context.Context, states ...model.DuelState) ([]model.Duel, error) {
	query := `SELECT ` + sqliteDuelColumns + ` FROM duels`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		marks := make([]string, len(states))
		for i, st := range states {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE state IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var duels []model.Duel
	for rows.Next() {
		d, err := scanSQLiteDuel(rows)
		if err != nil {
			return nil, err
		}
		duels = append(duels, *d)
	}
	return duels, rows.Err()
}

func (s *SQLiteStore) UpdateDuel(ctx context.Context, next *model.Duel, from model.DuelState, postings []model.Posting) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var state string
	var prevPot int64
	err = tx.QueryRowContext(ctx, `SELECT state, pot FROM duels WHERE id = ?`, next.ID).Scan(&state, &prevPot)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("duel %d: %w", next.ID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if model.DuelState(state) != from {
		return fmt.Errorf("duel %d is %s, expected %s: %w", next.ID, state, from, ErrStateConflict)
	}
	if err := CheckBalanced(prevPot, next.Pot, postings); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE duels
		 SET participant_b = ?, state = ?, pot = ?, start_time = ?,
		     winner = ?, payout = ?, fee = ?, closed_at = ?
		 WHERE id = ? AND state = ?`,
		next.ParticipantB, string(next.State), next.Pot, unixPtr(next.StartTime),
		next.Winner, next.Payout, next.Fee, unixPtr(next.ClosedAt),
		next.ID, string(from),
	)
	if err != nil {
		return fmt.Errorf("update duel %d: %w", next.ID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("duel %d: %w", next.ID, ErrStateConflict)
	}

	if err := applyPostingsSQL(ctx, tx, postings); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Deposit(ctx context.Context, account string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit %d to %s: amount must be positive", amount, account)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (account, balance) VALUES (?, ?)
		 ON CONFLICT(account) DO UPDATE SET balance = balance + excluded.balance`,
		account, amount)
	return err
}

func (s *SQLiteStore) Balance(ctx context.Context, account string) (int64, error) {
	var bal int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE account = ?`, account).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return bal, err
}

func (s *SQLiteStore) InsertTrade(ctx context.Context, ev *model.TradeEvent) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO trade_events (id, duel_id, participant, token_in, token_out,
		                           amount_in, amount_out, timestamp, external_ref)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(duel_id, external_ref) DO NOTHING`,
		ev.ID, ev.DuelID, ev.Participant, ev.TokenIn, ev.TokenOut,
		ev.AmountIn.String(), ev.AmountOut.String(), ev.Timestamp.UnixNano(), nullIfEmpty(ev.ExternalRef),
	)
	if err != nil {
		return false, fmt.Errorf("insert trade: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if seq, err := res.LastInsertId(); err == nil {
		ev.Seq = seq
	}
	return true, nil
}

func (s *SQLiteStore) ListTrades(ctx context.Context, duelID int64) ([]model.TradeEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, duel_id, participant, token_in, token_out,
		        amount_in, amount_out, timestamp, COALESCE(external_ref, '')
		 FROM trade_events WHERE duel_id = ? ORDER BY seq`, duelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.TradeEvent
	for rows.Next() {
		var e model.TradeEvent
		var inS, outS string
		var ts int64
		if err := rows.Scan(&e.Seq, &e.ID, &e.DuelID, &e.Participant, &e.TokenIn, &e.TokenOut,
			&inS, &outS, &ts, &e.ExternalRef); err != nil {
			return nil, err
		}
		if e.AmountIn, err = decimal.NewFromString(inS); err != nil {
			return nil, fmt.Errorf("trade %s amount_in: %w", e.ID, err)
		}
		if e.AmountOut, err = decimal.NewFromString(outS); err != nil {
			return nil, fmt.Errorf("trade %s amount_out: %w", e.ID, err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

func applyPostingsSQL(ctx context.Context, tx *sql.Tx, postings []model.Posting) error {
	for _, p := range netPostings(postings) {
		if p.Delta > 0 {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO accounts (account, balance) VALUES (?, ?)
				 ON CONFLICT(account) DO UPDATE SET balance = balance + excluded.balance`,
				p.Account, p.Delta); err != nil {
				return fmt.Errorf("credit %s: %w", p.Account, err)
			}
			continue
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE accounts SET balance = balance + ? WHERE account = ? AND balance + ? >= 0`,
			p.Delta, p.Account, p.Delta)
		if err != nil {
			return fmt.Errorf("debit %s: %w", p.Account, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("account %s: %w", p.Account, ErrInsufficientFunds)
		}
	}
	return nil
}

func scanSQLiteDuel(row rowScanner) (*model.Duel, error) {
	var d model.Duel
	var state string
	var created int64
	var start, closed sql.NullInt64
	var partB, winner sql.NullString
	if err := row.Scan(&d.ID, &d.ParticipantA, &partB, &d.WagerAmount, &d.DurationSeconds,
		&state, &d.Pot, &created, &start, &winner, &d.Payout, &d.Fee, &closed); err != nil {
		return nil, err
	}
	d.State = model.DuelState(state)
	d.CreatedAt = time.Unix(0, created).UTC()
	d.StartTime = timeFromNull(start)
	d.ClosedAt = timeFromNull(closed)
	if partB.Valid {
		d.ParticipantB = &partB.String
	}
	if winner.Valid {
		d.Winner = &winner.String
	}
	return &d, nil
}

func unixPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	n := t.UnixNano()
	return &n
}

func timeFromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}
