package slotstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/coldbell/pricecaster/relayer/internal/wire"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var (
	ErrSlotTaken     = errors.New("slot already mapped")
	ErrPriceIDMapped = errors.New("price id already mapped")
	ErrUnknownDriver = errors.New("unknown store driver")
)

// Entry maps one price id to an on-chain slot and the asset it reports for.
type Entry struct {
	Slot     uint8
	PriceID  wire.PriceID
	AssetRef uint64
}

// Store persists the slot layout. It is not safe for concurrent writers; the
// slot manager serializes mutations.
type Store struct {
	raw     *sql.DB
	dialect dialect
}

// Open connects to driver ("postgres" or "sqlite") and creates the table if needed.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	var (
		raw *sql.DB
		err error
	)
	placeholders := questionMarks
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverPostgres, "pgx":
		raw, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		raw.SetConnMaxIdleTime(30 * time.Second)
		raw.SetMaxIdleConns(2)
		raw.SetMaxOpenConns(4)
		placeholders = dollarNumbers
	case DriverSQLite, "":
		raw, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		raw.SetMaxOpenConns(1)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := raw.PingContext(pingCtx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	store := newStore(raw, placeholders)
	if err := store.migrate(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return store, nil
}

func newStore(raw *sql.DB, d dialect) *Store {
	return &Store{raw: raw, dialect: d}
}

func (s *Store) db() conn {
	return conn{q: s.raw, dialect: s.dialect}
}

func (s *Store) Close() error {
	return s.raw.Close()
}

// withTx runs fn in one transaction, rolled back unless fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(conn) error) error {
	raw, err := s.raw.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	tx := conn{q: raw, dialect: s.dialect}
	defer func() {
		_ = raw.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return raw.Commit()
}

var ddl = []string{
	`CREATE TABLE IF NOT EXISTS slot_layout (
		slot INTEGER NOT NULL,
		price_id TEXT NOT NULL,
		asset_ref BIGINT NOT NULL,
		PRIMARY KEY (slot, price_id, asset_ref)
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_slot_layout_slot ON slot_layout(slot);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_slot_layout_price_id ON slot_layout(price_id);`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range ddl {
		if _, err := s.db().exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate slot_layout: %w", err)
		}
	}
	return nil
}

// DropAndRecreate empties the layout by dropping and recreating the table.
func (s *Store) DropAndRecreate(ctx context.Context) error {
	return s.withTx(ctx, func(tx conn) error {
		if _, err := tx.exec(ctx, `DROP TABLE IF EXISTS slot_layout;`); err != nil {
			return fmt.Errorf("drop slot_layout: %w", err)
		}
		for _, stmt := range ddl {
			if _, err := tx.exec(ctx, stmt); err != nil {
				return fmt.Errorf("recreate slot_layout: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) Get(ctx context.Context, id wire.PriceID) (Entry, bool, error) {
	row := s.db().queryRow(ctx,
		`SELECT slot, price_id, asset_ref FROM slot_layout WHERE price_id = ?`, id.Hex())
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get slot for %s: %w", id.Hex(), err)
	}
	return entry, true, nil
}

func (s *Store) ListPriceIDs(ctx context.Context) ([]wire.PriceID, error) {
	rows, err := s.db().query(ctx, `SELECT price_id FROM slot_layout ORDER BY slot`)
	if err != nil {
		return nil, fmt.Errorf("list price ids: %w", err)
	}
	defer rows.Close()

	var out []wire.PriceID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan price id: %w", err)
		}
		id, err := wire.ParsePriceID(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list price ids: %w", err)
	}
	return out, nil
}

// Insert records a new mapping. A slot or price id that is already mapped is rejected.
func (s *Store) Insert(ctx context.Context, slot uint8, id wire.PriceID, assetRef uint64) error {
	return s.withTx(ctx, func(tx conn) error {
		n, err := tx.count(ctx, `SELECT COUNT(*) FROM slot_layout WHERE slot = ?`, int(slot))
		if err != nil {
			return fmt.Errorf("check slot %d: %w", slot, err)
		}
		if n > 0 {
			return fmt.Errorf("%w: %d", ErrSlotTaken, slot)
		}
		if n, err = tx.count(ctx, `SELECT COUNT(*) FROM slot_layout WHERE price_id = ?`, id.Hex()); err != nil {
			return fmt.Errorf("check price id %s: %w", id.Hex(), err)
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", ErrPriceIDMapped, id.Hex())
		}

		if _, err := tx.exec(ctx,
			`INSERT INTO slot_layout (slot, price_id, asset_ref) VALUES (?, ?, ?)`,
			int(slot), id.Hex(), int64(assetRef),
		); err != nil {
			return fmt.Errorf("insert slot %d: %w", slot, err)
		}
		return nil
	})
}

func (s *Store) RowCount(ctx context.Context) (int, error) {
	n, err := s.db().count(ctx, `SELECT COUNT(*) FROM slot_layout`)
	if err != nil {
		return 0, fmt.Errorf("count slot_layout: %w", err)
	}
	return n, nil
}

// All yields every entry ordered by slot. Iteration stops after the first error.
func (s *Store) All(ctx context.Context) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		rows, err := s.db().query(ctx, `SELECT slot, price_id, asset_ref FROM slot_layout ORDER BY slot`)
		if err != nil {
			yield(Entry{}, fmt.Errorf("list slot_layout: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			entry, err := scanEntry(rows)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			if !yield(entry, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Entry{}, fmt.Errorf("list slot_layout: %w", err))
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// asset_ref is stored as the two's complement int64 of the uint64 reference.
func scanEntry(row rowScanner) (Entry, error) {
	var (
		slot     int64
		priceHex string
		assetRef int64
	)
	if err := row.Scan(&slot, &priceHex, &assetRef); err != nil {
		return Entry{}, err
	}
	if slot < 0 || slot > 255 {
		return Entry{}, fmt.Errorf("slot %d out of range", slot)
	}
	id, err := wire.ParsePriceID(priceHex)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Slot: uint8(slot), PriceID: id, AssetRef: uint64(assetRef)}, nil
}
