package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"profilestore/internal/domain"
	"profilestore/internal/storage"

	_ "modernc.org/sqlite"
)

const (
	partitionSchema = `
CREATE TABLE IF NOT EXISTS profiles (
	key TEXT PRIMARY KEY,
	record_json TEXT NOT NULL,
	event_id TEXT NOT NULL,
	applied_offset INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS search_index (
	term TEXT NOT NULL,
	key TEXT NOT NULL,
	PRIMARY KEY (term, key)
);

CREATE INDEX IF NOT EXISTS idx_search_index_key ON search_index(key);

CREATE TABLE IF NOT EXISTS partition_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
	metaAppliedOffset  = "applied_offset"
	metaPartitionCount = "partition_count"
)

var ErrPartitionOpen = errors.New("partition already open")

type Store struct {
	baseDir    string
	partitions int

	mu   sync.Mutex
	open map[domain.PartitionID]*Partition
}

func NewStore(baseDir string, partitions int) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir: %w", err)
	}
	return &Store{baseDir: baseDir, partitions: partitions, open: make(map[domain.PartitionID]*Partition)}, nil
}

func (s *Store) Open(ctx context.Context, p domain.PartitionID) (storage.Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.open[p]; ok {
		return nil, fmt.Errorf("%w: %d", ErrPartitionOpen, p)
	}
	db, err := openSQLite(s.path(p))
	if err != nil {
		return nil, storageErr(p, "open", err)
	}
	if _, err := db.ExecContext(ctx, partitionSchema); err != nil {
		_ = db.Close()
		return nil, storageErr(p, "schema", err)
	}
	if err := checkPartitionCount(ctx, db, s.partitions); err != nil {
		_ = db.Close()
		return nil, storageErr(p, "partition count", err)
	}
	part := &Partition{id: p, db: db, store: s}
	s.open[p] = part
	return part, nil
}

// Reset deletes every partition file under the base directory. Partitions
// must be closed first.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.open) > 0 {
		return fmt.Errorf("reset with %d partitions open", len(s.open))
	}
	matches, err := filepath.Glob(filepath.Join(s.baseDir, "profiles-p*.db*"))
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) Close() error {
	s.mu.Lock()
	open := make([]*Partition, 0, len(s.open))
	for _, p := range s.open {
		open = append(open, p)
	}
	s.mu.Unlock()

	var errs []error
	for _, p := range open {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) path(p domain.PartitionID) string {
	return filepath.Join(s.baseDir, fmt.Sprintf("profiles-p%02d.db", p))
}

func (s *Store) release(p domain.PartitionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, p)
}

type Partition struct {
	id    domain.PartitionID
	db    *sql.DB
	store *Store

	closeOnce sync.Once
	closeErr  error
}

func (p *Partition) ID() domain.PartitionID { return p.id }

func (p *Partition) Get(ctx context.Context, key string) (domain.ProfileRecord, bool, error) {
	var raw string
	err := p.db.QueryRowContext(ctx, `SELECT record_json FROM profiles WHERE key=?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return domain.ProfileRecord{}, false, nil
	}
	if err != nil {
		return domain.ProfileRecord{}, false, storageErr(p.id, "get", err)
	}
	var rec domain.ProfileRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return domain.ProfileRecord{}, false, storageErr(p.id, "decode", err)
	}
	return rec, true, nil
}

func (p *Partition) Search(ctx context.Context, term string) ([]domain.ProfileRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT pr.record_json
FROM search_index si
JOIN profiles pr ON pr.key = si.key
WHERE si.term = ?
ORDER BY pr.key`, term)
	if err != nil {
		return nil, storageErr(p.id, "search", err)
	}
	defer rows.Close()

	var out []domain.ProfileRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, storageErr(p.id, "search scan", err)
		}
		var rec domain.ProfileRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, storageErr(p.id, "decode", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(p.id, "search", err)
	}
	return out, nil
}

func (p *Partition) Apply(ctx context.Context, m storage.Mutation) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(p.id, "begin", err)
	}
	defer tx.Rollback()

	applied, ok, err := appliedOffsetTx(ctx, tx)
	if err != nil {
		return storageErr(p.id, "read offset", err)
	}
	if ok && m.Offset <= applied {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM search_index WHERE key=?`, m.Key); err != nil {
		return storageErr(p.id, "clear index", err)
	}
	if m.Record == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM profiles WHERE key=?`, m.Key); err != nil {
			return storageErr(p.id, "delete", err)
		}
	} else {
		raw, err := json.Marshal(m.Record)
		if err != nil {
			return storageErr(p.id, "encode", err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO profiles(key, record_json, event_id, applied_offset) VALUES(?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET record_json=excluded.record_json, event_id=excluded.event_id, applied_offset=excluded.applied_offset`,
			m.Key, string(raw), m.EventID, m.Offset); err != nil {
			return storageErr(p.id, "upsert", err)
		}
		for _, term := range m.Terms {
			if _, err := tx.ExecContext(ctx, `INSERT INTO search_index(term, key) VALUES(?, ?) ON CONFLICT DO NOTHING`, term, m.Key); err != nil {
				return storageErr(p.id, "index", err)
			}
		}
	}
	if err := setMetaTx(ctx, tx, metaAppliedOffset, strconv.FormatInt(m.Offset, 10)); err != nil {
		return storageErr(p.id, "write offset", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr(p.id, "commit", err)
	}
	return nil
}

func (p *Partition) Skip(ctx context.Context, offset int64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(p.id, "begin", err)
	}
	defer tx.Rollback()

	applied, ok, err := appliedOffsetTx(ctx, tx)
	if err != nil {
		return storageErr(p.id, "read offset", err)
	}
	if ok && offset <= applied {
		return nil
	}
	if err := setMetaTx(ctx, tx, metaAppliedOffset, strconv.FormatInt(offset, 10)); err != nil {
		return storageErr(p.id, "write offset", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr(p.id, "commit", err)
	}
	return nil
}

func (p *Partition) AppliedOffset(ctx context.Context) (int64, bool, error) {
	var raw string
	err := p.db.QueryRowContext(ctx, `SELECT value FROM partition_meta WHERE key=?`, metaAppliedOffset).Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storageErr(p.id, "read offset", err)
	}
	off, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, storageErr(p.id, "parse offset", err)
	}
	return off, true, nil
}

func (p *Partition) Dump(ctx context.Context) (map[string]domain.ProfileRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT key, record_json FROM profiles ORDER BY key`)
	if err != nil {
		return nil, storageErr(p.id, "dump", err)
	}
	defer rows.Close()

	out := map[string]domain.ProfileRecord{}
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, storageErr(p.id, "dump scan", err)
		}
		var rec domain.ProfileRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, storageErr(p.id, "decode", err)
		}
		out[key] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(p.id, "dump", err)
	}
	return out, nil
}

func (p *Partition) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.db.Close()
		p.store.release(p.id)
	})
	return p.closeErr
}

// openSQLite applies the pragmas through the DSN so that every pooled
// connection gets them, not only the first one.
func openSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func checkPartitionCount(ctx context.Context, db *sql.DB, partitions int) error {
	var raw string
	err := db.QueryRowContext(ctx, `SELECT value FROM partition_meta WHERE key=?`, metaPartitionCount).Scan(&raw)
	if err == sql.ErrNoRows {
		_, err = db.ExecContext(ctx, `INSERT INTO partition_meta(key, value) VALUES(?, ?)`, metaPartitionCount, strconv.Itoa(partitions))
		return err
	}
	if err != nil {
		return err
	}
	if raw != strconv.Itoa(partitions) {
		return fmt.Errorf("written with %s partitions, cluster has %d: reset required", raw, partitions)
	}
	return nil
}

func appliedOffsetTx(ctx context.Context, tx *sql.Tx) (int64, bool, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT value FROM partition_meta WHERE key=?`, metaAppliedOffset).Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	off, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return off, true, nil
}

func setMetaTx(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO partition_meta(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

func storageErr(p domain.PartitionID, op string, err error) error {
	return fmt.Errorf("%w: partition %d %s: %w", domain.ErrStorageFailure, p, op, err)
}
