// Package store persists indexed artifacts into a relational database.
// SQLite is the default backend; a postgres:// DSN switches to PostgreSQL.
// Each artifact loads inside a single transaction and loads are idempotent,
// so re-indexing a file never duplicates rows.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/route-beacon/peer-stats/internal/metrics"
	"github.com/route-beacon/peer-stats/internal/rel"
	"github.com/route-beacon/peer-stats/internal/stats"
	"go.uber.org/zap"
)

const (
	driverSQLite   = "sqlite3"
	driverPostgres = "pgx"

	schemaVersion = 1
)

// One statement per entry: the pgx driver rejects multi-statement Exec.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS peer_stats (
		collector TEXT NOT NULL,
		date TEXT NOT NULL,
		asn BIGINT NOT NULL,
		ip TEXT NOT NULL,
		num_v4_pfxs BIGINT NOT NULL,
		num_v6_pfxs BIGINT NOT NULL,
		num_connected_asns BIGINT NOT NULL,
		PRIMARY KEY (collector, date, asn, ip)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_peer_stats_date ON peer_stats (date)`,
	`CREATE TABLE IF NOT EXISTS as2rel (
		date TEXT NOT NULL,
		asn_a BIGINT NOT NULL,
		asn_b BIGINT NOT NULL,
		family INTEGER NOT NULL,
		PRIMARY KEY (date, asn_a, asn_b, family)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_as2rel_date ON as2rel (date)`,
	`CREATE TABLE IF NOT EXISTS pfx2as (
		date TEXT NOT NULL,
		prefix TEXT NOT NULL,
		origin_asn BIGINT NOT NULL,
		PRIMARY KEY (date, prefix, origin_asn)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pfx2as_date ON pfx2as (date)`,
}

type Store struct {
	db     *sql.DB
	driver string
	logger *zap.Logger
}

// Open connects to the database named by dsn and ensures the schema exists.
// A postgres:// or postgresql:// DSN selects PostgreSQL; anything else is
// treated as an SQLite database path.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	driver := driverSQLite
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = driverPostgres
	} else {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	s := &Store{db: db, driver: driver, logger: logger}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("store opened", zap.String("driver", driver))
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// sqliteDSN appends the connection pragmas unless the caller supplied their
// own query string.
func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1"
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if s.driver == driverSQLite {
		var version int
		if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
			return fmt.Errorf("store: read schema version: %w", err)
		}
		if version > schemaVersion {
			return fmt.Errorf("store: database schema version %d is newer than supported %d", version, schemaVersion)
		}
	}

	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: apply schema: %w", err)
		}
	}

	if s.driver == driverSQLite {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			return fmt.Errorf("store: write schema version: %w", err)
		}
	}
	return nil
}

// Analyze refreshes the SQLite query planner statistics after a bulk load.
// PostgreSQL maintains its own statistics; the call is a no-op there.
func (s *Store) Analyze(ctx context.Context) error {
	if s.driver != driverSQLite {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, "ANALYZE"); err != nil {
		return fmt.Errorf("store: analyze: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $N for the PostgreSQL driver.
func (s *Store) rebind(query string) string {
	if s.driver != driverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

const insertPeerStatsSQL = `
	INSERT INTO peer_stats (collector, date, asn, ip, num_v4_pfxs, num_v6_pfxs, num_connected_asns)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (collector, date, asn, ip) DO UPDATE SET
		num_v4_pfxs = excluded.num_v4_pfxs,
		num_v6_pfxs = excluded.num_v6_pfxs,
		num_connected_asns = excluded.num_connected_asns`

// InsertPeerStats loads one collector report for one date in a single
// transaction. Existing rows for the same peer are overwritten, so a
// regenerated artifact replaces its previous load.
func (s *Store) InsertPeerStats(ctx context.Context, date string, report *stats.CollectorReport) (int64, error) {
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	query := s.rebind(insertPeerStatsSQL)
	var total int64
	for _, ps := range report.Peers {
		res, err := tx.ExecContext(ctx, query,
			report.Collector, date, ps.ASN, ps.IP.String(),
			ps.NumV4Pfxs, ps.NumV6Pfxs, ps.NumConnectedASNs,
		)
		if err != nil {
			return 0, fmt.Errorf("store: insert peer_stats row: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit peer_stats: %w", err)
	}

	metrics.StoreWriteDuration.WithLabelValues("peer_stats").Observe(time.Since(start).Seconds())
	metrics.IndexRowsTotal.WithLabelValues("peer_stats").Add(float64(total))
	return total, nil
}

const insertPairSQL = `
	INSERT INTO as2rel (date, asn_a, asn_b, family)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (date, asn_a, asn_b, family) DO NOTHING`

// InsertPairs loads adjacency pairs for one date in a single transaction.
// Pairs already present, from an earlier load or another collector's artifact
// for the same date, are left alone. Returns the number of new rows.
func (s *Store) InsertPairs(ctx context.Context, date string, pairs []rel.Pair) (int64, error) {
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	query := s.rebind(insertPairSQL)
	var total int64
	for _, p := range pairs {
		res, err := tx.ExecContext(ctx, query, date, p.AsnA, p.AsnB, p.Family)
		if err != nil {
			return 0, fmt.Errorf("store: insert as2rel row: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit as2rel: %w", err)
	}

	metrics.StoreWriteDuration.WithLabelValues("as2rel").Observe(time.Since(start).Seconds())
	metrics.IndexRowsTotal.WithLabelValues("as2rel").Add(float64(total))
	return total, nil
}

const insertOriginSQL = `
	INSERT INTO pfx2as (date, prefix, origin_asn)
	VALUES (?, ?, ?)
	ON CONFLICT (date, prefix, origin_asn) DO NOTHING`

// InsertOrigins loads prefix-to-origin rows for one date in a single
// transaction. Returns the number of new rows.
func (s *Store) InsertOrigins(ctx context.Context, date string, origins []rel.Origin) (int64, error) {
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	query := s.rebind(insertOriginSQL)
	var total int64
	for _, o := range origins {
		res, err := tx.ExecContext(ctx, query, date, o.Prefix.String(), o.OriginASN)
		if err != nil {
			return 0, fmt.Errorf("store: insert pfx2as row: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit pfx2as: %w", err)
	}

	metrics.StoreWriteDuration.WithLabelValues("pfx2as").Observe(time.Since(start).Seconds())
	metrics.IndexRowsTotal.WithLabelValues("pfx2as").Add(float64(total))
	return total, nil
}
