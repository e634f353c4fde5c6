package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/atmx/pool-ledger/internal/address"
	"github.com/atmx/pool-ledger/internal/model"
)

// PostgreSQL error codes mapped onto store errors.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// querier is implemented by both DB and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Lamport amounts are stored as NUMERIC(20,0) so the full uint64 range fits.
type PostgresStore struct {
	db DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const (
	selectAccountSQL = `SELECT address, lamports::TEXT, data_len FROM accounts WHERE address = $1`
	selectPoolSQL    = `SELECT address, authority, total_deposits::TEXT, total_withdrawals::TEXT, bump, created_at
		 FROM pools WHERE address = $1`
	selectLedgerSQL = `SELECT address, user_address, pool_address,
		        balance::TEXT, total_deposits::TEXT, total_withdrawals::TEXT,
		        total_winnings::TEXT, total_losses::TEXT, bump, created_at
		 FROM user_ledgers WHERE address = $1`

	// Rows read inside a transaction are claimed without waiting; a
	// concurrent holder surfaces as ErrConflict instead of blocking.
	lockSuffix = ` FOR UPDATE NOWAIT`
)

func (s *PostgresStore) GetAccount(ctx context.Context, addr address.Address) (*model.Account, error) {
	return getAccount(ctx, s.db, selectAccountSQL, addr)
}

func (s *PostgresStore) GetPool(ctx context.Context, addr address.Address) (*model.Pool, error) {
	return getPool(ctx, s.db, selectPoolSQL, addr)
}

func (s *PostgresStore) GetUserLedger(ctx context.Context, addr address.Address) (*model.UserLedger, error) {
	return getUserLedger(ctx, s.db, selectLedgerSQL, addr)
}

func (s *PostgresStore) ListUserLedgers(ctx context.Context, pool address.Address) ([]model.UserLedger, error) {
	rows, err := s.db.Query(ctx,
		`SELECT address, user_address, pool_address,
		        balance::TEXT, total_deposits::TEXT, total_withdrawals::TEXT,
		        total_winnings::TEXT, total_losses::TEXT, bump, created_at
		 FROM user_ledgers WHERE pool_address = $1 ORDER BY created_at`, pool.String())
	if err != nil {
		return nil, fmt.Errorf("list user ledgers: %w", err)
	}
	defer rows.Close()

	var ledgers []model.UserLedger
	for rows.Next() {
		ledger, err := scanUserLedger(rows)
		if err != nil {
			return nil, err
		}
		ledgers = append(ledgers, *ledger)
	}
	return ledgers, rows.Err()
}

func (s *PostgresStore) ListEvents(ctx context.Context, pool address.Address, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, pool_address, kind, actor, counterparty, amount::TEXT, created_at
		 FROM events WHERE pool_address = $1
		 ORDER BY seq DESC LIMIT $2`, pool.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var poolS, kind, actorS, counterpartyS, amountS string
		if err := rows.Scan(&e.ID, &poolS, &kind, &actorS, &counterpartyS, &amountS, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = model.EventKind(kind)
		if err := parseAll(
			addrField(&e.Pool, poolS), addrField(&e.Actor, actorS), addrField(&e.Counterparty, counterpartyS),
			uintField(&e.Amount, amountS),
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Atomic runs fn inside a READ COMMITTED transaction. It commits if fn
// returns nil, otherwise it rolls back.
func (s *PostgresStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	err = fn(ctx, &pgTx{tx: tx, existing: make(map[address.Address]bool)})
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("rollback after fn error: %v (fn err: %w)", rbErr, err)
		}
		return mapPgError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", mapPgError(err))
	}
	return nil
}

// pgTx remembers which accounts it found locked. An account that was
// absent has no row to lock, so a concurrent creator surfaces as a unique
// violation on insert rather than a silent overwrite.
type pgTx struct {
	tx       pgx.Tx
	existing map[address.Address]bool
}

func (t *pgTx) GetAccount(ctx context.Context, addr address.Address) (*model.Account, error) {
	acct, err := getAccount(ctx, t.tx, selectAccountSQL+lockSuffix, addr)
	if err == nil {
		t.existing[addr] = true
	}
	return acct, err
}

func (t *pgTx) GetPool(ctx context.Context, addr address.Address) (*model.Pool, error) {
	return getPool(ctx, t.tx, selectPoolSQL+lockSuffix, addr)
}

func (t *pgTx) GetUserLedger(ctx context.Context, addr address.Address) (*model.UserLedger, error) {
	return getUserLedger(ctx, t.tx, selectLedgerSQL+lockSuffix, addr)
}

func (t *pgTx) PutAccount(ctx context.Context, acct *model.Account) error {
	if t.existing[acct.Address] {
		_, err := t.tx.Exec(ctx,
			`UPDATE accounts SET lamports = $2::NUMERIC, data_len = $3 WHERE address = $1`,
			acct.Address.String(), formatUint(acct.Lamports), acct.DataLen,
		)
		if err != nil {
			return fmt.Errorf("put account %s: %w", acct.Address, mapPgError(err))
		}
		return nil
	}

	_, err := t.tx.Exec(ctx,
		`INSERT INTO accounts (address, lamports, data_len) VALUES ($1, $2::NUMERIC, $3)`,
		acct.Address.String(), formatUint(acct.Lamports), acct.DataLen,
	)
	if err != nil {
		err = mapPgError(err)
		if errors.Is(err, ErrAlreadyExists) {
			return fmt.Errorf("put account %s: %w", acct.Address, ErrConflict)
		}
		return fmt.Errorf("put account %s: %w", acct.Address, err)
	}
	t.existing[acct.Address] = true
	return nil
}

func (t *pgTx) CreatePool(ctx context.Context, p *model.Pool) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO pools (address, authority, total_deposits, total_withdrawals, bump, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6)`,
		p.Address.String(), p.Authority.String(),
		formatUint(p.TotalDeposits), formatUint(p.TotalWithdrawals),
		int16(p.Bump), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create pool %s: %w", p.Address, mapPgError(err))
	}
	return nil
}

func (t *pgTx) UpdatePool(ctx context.Context, p *model.Pool) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE pools SET total_deposits = $2::NUMERIC, total_withdrawals = $3::NUMERIC
		 WHERE address = $1`,
		p.Address.String(), formatUint(p.TotalDeposits), formatUint(p.TotalWithdrawals),
	)
	if err != nil {
		return fmt.Errorf("update pool %s: %w", p.Address, mapPgError(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) CreateUserLedger(ctx context.Context, l *model.UserLedger) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO user_ledgers (address, user_address, pool_address,
		        balance, total_deposits, total_withdrawals, total_winnings, total_losses, bump, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		l.Address.String(), l.User.String(), l.Pool.String(),
		formatUint(l.Balance), formatUint(l.TotalDeposits), formatUint(l.TotalWithdrawals),
		formatUint(l.TotalWinnings), formatUint(l.TotalLosses),
		int16(l.Bump), l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create user ledger %s: %w", l.Address, mapPgError(err))
	}
	return nil
}

func (t *pgTx) UpdateUserLedger(ctx context.Context, l *model.UserLedger) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE user_ledgers
		 SET balance = $2::NUMERIC, total_deposits = $3::NUMERIC, total_withdrawals = $4::NUMERIC,
		     total_winnings = $5::NUMERIC, total_losses = $6::NUMERIC
		 WHERE address = $1`,
		l.Address.String(),
		formatUint(l.Balance), formatUint(l.TotalDeposits), formatUint(l.TotalWithdrawals),
		formatUint(l.TotalWinnings), formatUint(l.TotalLosses),
	)
	if err != nil {
		return fmt.Errorf("update user ledger %s: %w", l.Address, mapPgError(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertEvent(ctx context.Context, e *model.Event) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO events (id, pool_address, kind, actor, counterparty, amount, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7)`,
		e.ID, e.Pool.String(), string(e.Kind), e.Actor.String(), e.Counterparty.String(),
		formatUint(e.Amount), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", mapPgError(err))
	}
	return nil
}

// --- Scanning helpers ---

func getAccount(ctx context.Context, q querier, sql string, addr address.Address) (*model.Account, error) {
	var a model.Account
	var addrS, lamportsS string

	err := q.QueryRow(ctx, sql, addr.String()).Scan(&addrS, &lamportsS, &a.DataLen)
	if err != nil {
		return nil, notFoundOr(fmt.Sprintf("get account %s", addr), err)
	}
	if err := parseAll(addrField(&a.Address, addrS), uintField(&a.Lamports, lamportsS)); err != nil {
		return nil, err
	}
	return &a, nil
}

func getPool(ctx context.Context, q querier, sql string, addr address.Address) (*model.Pool, error) {
	var p model.Pool
	var addrS, authorityS, depositsS, withdrawalsS string
	var bump int16

	err := q.QueryRow(ctx, sql, addr.String()).
		Scan(&addrS, &authorityS, &depositsS, &withdrawalsS, &bump, &p.CreatedAt)
	if err != nil {
		return nil, notFoundOr(fmt.Sprintf("get pool %s", addr), err)
	}
	p.Bump = uint8(bump)
	if err := parseAll(
		addrField(&p.Address, addrS), addrField(&p.Authority, authorityS),
		uintField(&p.TotalDeposits, depositsS), uintField(&p.TotalWithdrawals, withdrawalsS),
	); err != nil {
		return nil, err
	}
	return &p, nil
}

func getUserLedger(ctx context.Context, q querier, sql string, addr address.Address) (*model.UserLedger, error) {
	l, err := scanUserLedger(q.QueryRow(ctx, sql, addr.String()))
	if err != nil {
		return nil, notFoundOr(fmt.Sprintf("get user ledger %s", addr), err)
	}
	return l, nil
}

func scanUserLedger(row pgx.Row) (*model.UserLedger, error) {
	var l model.UserLedger
	var addrS, userS, poolS, balanceS, depositsS, withdrawalsS, winningsS, lossesS string
	var bump int16

	if err := row.Scan(&addrS, &userS, &poolS,
		&balanceS, &depositsS, &withdrawalsS, &winningsS, &lossesS,
		&bump, &l.CreatedAt); err != nil {
		return nil, err
	}
	l.Bump = uint8(bump)
	if err := parseAll(
		addrField(&l.Address, addrS), addrField(&l.User, userS), addrField(&l.Pool, poolS),
		uintField(&l.Balance, balanceS), uintField(&l.TotalDeposits, depositsS),
		uintField(&l.TotalWithdrawals, withdrawalsS), uintField(&l.TotalWinnings, winningsS),
		uintField(&l.TotalLosses, lossesS),
	); err != nil {
		return nil, err
	}
	return &l, nil
}

func notFoundOr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, mapPgError(err))
}

// mapPgError translates lock and uniqueness failures into store errors,
// keeping the driver error in the chain.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	case pgLockNotAvailable, pgSerializationFailure, pgDeadlockDetected:
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}

type fieldParser func() error

func addrField(dst *address.Address, s string) fieldParser {
	return func() error {
		a, err := address.Parse(s)
		if err != nil {
			return err
		}
		*dst = a
		return nil
	}
}

func uintField(dst *uint64, s string) fieldParser {
	return func() error {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return fmt.Errorf("parse amount %q: %w", s, err)
		}
		*dst = v
		return nil
	}
}

func parseAll(parsers ...fieldParser) error {
	for _, p := range parsers {
		if err := p(); err != nil {
			return err
		}
	}
	return nil
}
