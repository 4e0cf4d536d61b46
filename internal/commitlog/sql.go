package commitlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Klingon-tech/klingnet-notary/pkg/types"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS request_log (
	id              TEXT PRIMARY KEY,
	consuming_tx_id TEXT NOT NULL,
	requester       TEXT NOT NULL,
	signature       BLOB,
	submitted_at    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS committed_states (
	state_ref       TEXT PRIMARY KEY,
	consuming_tx_id TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS committed_transactions (
	tx_id TEXT PRIMARY KEY
);
`

// SQLLog implements Log on SQLite. The primary keys on committed_states
// and committed_transactions reject a second consumer even if two
// processes share the file.
type SQLLog struct {
	db             *sql.DB
	maxInputStates int
}

// OpenSQLite opens (creating if needed) the commit log database at path.
func OpenSQLite(path string, maxInputStates int) (*SQLLog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("commit log path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create commit log schema: %w", err)
	}
	if maxInputStates <= 0 {
		maxInputStates = DefaultMaxInputStates
	}
	return &SQLLog{db: db, maxInputStates: maxInputStates}, nil
}

// FindCommitted issues one IN query per chunk of refs.
func (l *SQLLog) FindCommitted(ctx context.Context, refs []types.StateRef) (map[types.StateRef]types.Hash, error) {
	found := make(map[types.StateRef]types.Hash)
	for _, chunk := range chunks(refs, l.maxInputStates) {
		args := make([]any, len(chunk))
		for i, ref := range chunk {
			args[i] = ref.String()
		}
		query := "SELECT state_ref, consuming_tx_id FROM committed_states WHERE state_ref IN (" +
			placeholders(len(chunk)) + ")"
		if err := l.scanStates(ctx, query, args, found); err != nil {
			return nil, err
		}
	}
	return found, nil
}

func (l *SQLLog) scanStates(ctx context.Context, query string, args []any, into map[types.StateRef]types.Hash) error {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query committed states: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var refText, consumerHex string
		if err := rows.Scan(&refText, &consumerHex); err != nil {
			return fmt.Errorf("scan committed state: %w", err)
		}
		ref, err := types.ParseStateRef(refText)
		if err != nil {
			return fmt.Errorf("committed state row: %w", err)
		}
		consumer, err := types.HexToHash(consumerHex)
		if err != nil {
			return fmt.Errorf("committed state %s: %w", refText, err)
		}
		into[ref] = consumer
	}
	return rows.Err()
}

// ConsumingTx returns the tx that consumed ref.
func (l *SQLLog) ConsumingTx(ctx context.Context, ref types.StateRef) (types.Hash, bool, error) {
	var consumerHex string
	err := l.db.QueryRowContext(ctx,
		"SELECT consuming_tx_id FROM committed_states WHERE state_ref = ?", ref.String()).Scan(&consumerHex)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Hash{}, false, nil
	}
	if err != nil {
		return types.Hash{}, false, fmt.Errorf("query committed state %s: %w", ref, err)
	}
	h, err := types.HexToHash(consumerHex)
	if err != nil {
		return types.Hash{}, false, fmt.Errorf("committed state %s: %w", ref, err)
	}
	return h, true, nil
}

// IsTxCommitted checks committed_transactions.
func (l *SQLLog) IsTxCommitted(ctx context.Context, txID types.Hash) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM committed_transactions WHERE tx_id = ?", txID.String()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query committed tx %s: %w", txID, err)
	}
	return n > 0, nil
}

// PersistBatch inserts every row of b inside one transaction.
func (l *SQLLog) PersistBatch(ctx context.Context, b *Batch) (err error) {
	if b.Empty() {
		return nil
	}
	sqlTx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit log tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	for _, r := range b.Requests {
		if _, err = sqlTx.ExecContext(ctx,
			"INSERT INTO request_log (id, consuming_tx_id, requester, signature, submitted_at) VALUES (?, ?, ?, ?, ?)",
			r.ID, r.ConsumingTxID.String(), r.Requester, []byte(r.Signature), toMillis(r.SubmittedAt)); err != nil {
			return fmt.Errorf("insert request %s: %w", r.ID, err)
		}
	}
	for _, s := range b.States {
		if _, err = sqlTx.ExecContext(ctx,
			"INSERT INTO committed_states (state_ref, consuming_tx_id) VALUES (?, ?)",
			s.Ref.String(), s.ConsumingTxID.String()); err != nil {
			if isConstraintError(err) {
				err = fmt.Errorf("%w: %s: %v", ErrStateConsumed, s.Ref, err)
				return err
			}
			return fmt.Errorf("insert committed state %s: %w", s.Ref, err)
		}
	}
	for _, txID := range b.Transactions {
		if _, err = sqlTx.ExecContext(ctx,
			"INSERT INTO committed_transactions (tx_id) VALUES (?)", txID.String()); err != nil {
			if isConstraintError(err) {
				err = fmt.Errorf("%w: tx %s already committed: %v", ErrStateConsumed, txID, err)
				return err
			}
			return fmt.Errorf("insert committed tx %s: %w", txID, err)
		}
	}

	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit commit log tx: %w", err)
	}
	return nil
}

// Request returns a logged request by id.
func (l *SQLLog) Request(ctx context.Context, id string) (*Request, error) {
	var (
		r           Request
		consumerHex string
		sig         []byte
		millis      int64
	)
	err := l.db.QueryRowContext(ctx,
		"SELECT id, consuming_tx_id, requester, signature, submitted_at FROM request_log WHERE id = ?", id).
		Scan(&r.ID, &consumerHex, &r.Requester, &sig, &millis)
	if err != nil {
		return nil, fmt.Errorf("query request %s: %w", id, err)
	}
	if r.ConsumingTxID, err = types.HexToHash(consumerHex); err != nil {
		return nil, fmt.Errorf("request %s: %w", id, err)
	}
	r.Signature = sig
	r.SubmittedAt = fromMillis(millis)
	return &r, nil
}

// Close closes the database handle.
func (l *SQLLog) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

func isSQLiteBusy(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}
