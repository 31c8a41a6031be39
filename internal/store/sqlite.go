package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/brickwatch/compliance-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db       *sql.DB
	notifier *notifier
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, notifier: newNotifier()}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS snapshots (
	building_id TEXT PRIMARY KEY,
	data        TEXT NOT NULL,
	updated_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshot_history (
	id          TEXT PRIMARY KEY,
	building_id TEXT NOT NULL,
	data        TEXT NOT NULL,
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS monthly_buckets (
	building_id     TEXT NOT NULL,
	month           TEXT NOT NULL,
	violation_count INTEGER NOT NULL DEFAULT 0,
	permit_count    INTEGER NOT NULL DEFAULT 0,
	dsny_count      INTEGER NOT NULL DEFAULT 0,
	emissions_score REAL,
	PRIMARY KEY (building_id, month)
);

CREATE INDEX IF NOT EXISTS idx_history_building ON snapshot_history(building_id, created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	s.notifier.closeAll()
	return s.db.Close()
}

func (s *SQLiteStore) PutSnapshot(ctx context.Context, snap model.ComplianceSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal snapshot")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (building_id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(building_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		snap.BuildingID, string(data), snap.LastUpdated,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert snapshot %s", snap.BuildingID)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshot_history (id, building_id, data, created_at) VALUES (?, ?, ?, ?)`,
		uuid.New().String(), snap.BuildingID, string(data), time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert history %s", snap.BuildingID)
	}

	s.notifier.notify(snap)
	return nil
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, buildingID string) (*model.ComplianceSnapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM snapshots WHERE building_id = ?`, buildingID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get snapshot %s", buildingID)
	}

	var snap model.ComplianceSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal snapshot %s", buildingID)
	}
	return &snap, nil
}

func (s *SQLiteStore) MarkStale(ctx context.Context, buildingID string) error {
	snap, err := s.GetSnapshot(ctx, buildingID)
	if err != nil || snap == nil {
		return err
	}
	snap.Stale = true

	data, err := json.Marshal(snap)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal snapshot")
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE snapshots SET data = ? WHERE building_id = ?`,
		string(data), buildingID,
	)
	return eris.Wrapf(err, "sqlite: mark stale %s", buildingID)
}

func (s *SQLiteStore) History(ctx context.Context, buildingID string, limit int) ([]model.ComplianceSnapshot, error) {
	query := `SELECT data FROM snapshot_history WHERE building_id = ? ORDER BY created_at ASC`
	args := []any{buildingID}
	if limit > 0 {
		query = `SELECT data FROM (
			SELECT data, created_at FROM snapshot_history WHERE building_id = ?
			ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: history %s", buildingID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ComplianceSnapshot
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan history row")
		}
		var snap model.ComplianceSnapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal history row")
		}
		out = append(out, snap)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: history rows")
}

func (s *SQLiteStore) PutBuckets(ctx context.Context, buildingID string, buckets []model.MonthlyBucket) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin buckets tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM monthly_buckets WHERE building_id = ?`, buildingID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: clear buckets %s", buildingID)
	}

	for _, b := range buckets {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO monthly_buckets (building_id, month, violation_count, permit_count, dsny_count, emissions_score)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			buildingID, string(b.Month), b.ViolationCount, b.PermitCount, b.DSNYCount, b.EmissionsScore,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert bucket %s/%s", buildingID, b.Month)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit buckets")
}

func (s *SQLiteStore) GetBuckets(ctx context.Context, buildingID string) ([]model.MonthlyBucket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT building_id, month, violation_count, permit_count, dsny_count, emissions_score
		 FROM monthly_buckets WHERE building_id = ? ORDER BY month ASC`, buildingID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get buckets %s", buildingID)
	}
	return scanBucketRows(rows)
}

func (s *SQLiteStore) AllBuckets(ctx context.Context) ([]model.MonthlyBucket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT building_id, month, violation_count, permit_count, dsny_count, emissions_score
		 FROM monthly_buckets ORDER BY building_id, month ASC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: all buckets")
	}
	return scanBucketRows(rows)
}

func scanBucketRows(rows *sql.Rows) ([]model.MonthlyBucket, error) {
	defer rows.Close() //nolint:errcheck

	var out []model.MonthlyBucket
	for rows.Next() {
		var b model.MonthlyBucket
		var month string
		if err := rows.Scan(&b.BuildingID, &month, &b.ViolationCount, &b.PermitCount, &b.DSNYCount, &b.EmissionsScore); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan bucket row")
		}
		b.Month = model.MonthKey(month)
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: bucket rows")
}

func (s *SQLiteStore) Subscribe(buildingID string) (<-chan model.ComplianceSnapshot, func()) {
	return s.notifier.subscribe(buildingID)
}

func (s *SQLiteStore) Sweep(ctx context.Context, retention time.Duration, maxUpdates int) (int, error) {
	removed := 0

	if retention > 0 {
		cutoff := time.Now().UTC().Add(-retention)
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM snapshot_history WHERE created_at < ?`, cutoff,
		)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: sweep by age")
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += int(n)
		}
	}

	if maxUpdates > 0 {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM snapshot_history WHERE id NOT IN (
				SELECT h2.id FROM snapshot_history h2
				WHERE h2.building_id = snapshot_history.building_id
				ORDER BY h2.created_at DESC LIMIT ?
			)`, maxUpdates,
		)
		if err != nil {
			return removed, eris.Wrap(err, "sqlite: sweep by count")
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += int(n)
		}
	}

	return removed, nil
}
