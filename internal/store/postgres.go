package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/brickwatch/compliance-engine/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses, abstracted so tests
// can substitute pgxmock.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore implements Store using a pgx connection pool.
type PostgresStore struct {
	pool     Pool
	notifier *notifier
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}

	return NewPostgresFromPool(pool), nil
}

// NewPostgresFromPool wraps an existing pool; used by tests with pgxmock.
func NewPostgresFromPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool, notifier: newNotifier()}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS snapshots (
	building_id TEXT PRIMARY KEY,
	data        JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshot_history (
	id          UUID PRIMARY KEY,
	building_id TEXT NOT NULL,
	data        JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS monthly_buckets (
	building_id     TEXT NOT NULL,
	month           TEXT NOT NULL,
	violation_count INT NOT NULL DEFAULT 0,
	permit_count    INT NOT NULL DEFAULT 0,
	dsny_count      INT NOT NULL DEFAULT 0,
	emissions_score DOUBLE PRECISION,
	PRIMARY KEY (building_id, month)
);

CREATE INDEX IF NOT EXISTS idx_history_building ON snapshot_history(building_id, created_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.notifier.closeAll()
	s.pool.Close()
	return nil
}

func (s *PostgresStore) PutSnapshot(ctx context.Context, snap model.ComplianceSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal snapshot")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO snapshots (building_id, data, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (building_id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		snap.BuildingID, data, snap.LastUpdated,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert snapshot %s", snap.BuildingID)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO snapshot_history (id, building_id, data, created_at) VALUES ($1, $2, $3, $4)`,
		uuid.New(), snap.BuildingID, data, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert history %s", snap.BuildingID)
	}

	s.notifier.notify(snap)
	return nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, buildingID string) (*model.ComplianceSnapshot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM snapshots WHERE building_id = $1`, buildingID,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get snapshot %s", buildingID)
	}

	var snap model.ComplianceSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, eris.Wrapf(err, "postgres: unmarshal snapshot %s", buildingID)
	}
	return &snap, nil
}

func (s *PostgresStore) MarkStale(ctx context.Context, buildingID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE snapshots SET data = jsonb_set(data, '{stale}', 'true') WHERE building_id = $1`,
		buildingID,
	)
	return eris.Wrapf(err, "postgres: mark stale %s", buildingID)
}

func (s *PostgresStore) History(ctx context.Context, buildingID string, limit int) ([]model.ComplianceSnapshot, error) {
	query := `SELECT data FROM snapshot_history WHERE building_id = $1 ORDER BY created_at ASC`
	args := []any{buildingID}
	if limit > 0 {
		query = `SELECT data FROM (
			SELECT data, created_at FROM snapshot_history WHERE building_id = $1
			ORDER BY created_at DESC LIMIT $2
		) recent ORDER BY created_at ASC`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: history %s", buildingID)
	}
	defer rows.Close()

	var out []model.ComplianceSnapshot
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan history row")
		}
		var snap model.ComplianceSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal history row")
		}
		out = append(out, snap)
	}
	return out, eris.Wrap(rows.Err(), "postgres: history rows")
}

func (s *PostgresStore) PutBuckets(ctx context.Context, buildingID string, buckets []model.MonthlyBucket) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM monthly_buckets WHERE building_id = $1`, buildingID,
	); err != nil {
		return eris.Wrapf(err, "postgres: clear buckets %s", buildingID)
	}

	for _, b := range buckets {
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO monthly_buckets (building_id, month, violation_count, permit_count, dsny_count, emissions_score)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			buildingID, string(b.Month), b.ViolationCount, b.PermitCount, b.DSNYCount, b.EmissionsScore,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert bucket %s/%s", buildingID, b.Month)
		}
	}
	return nil
}

func (s *PostgresStore) GetBuckets(ctx context.Context, buildingID string) ([]model.MonthlyBucket, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT building_id, month, violation_count, permit_count, dsny_count, emissions_score
		 FROM monthly_buckets WHERE building_id = $1 ORDER BY month ASC`, buildingID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get buckets %s", buildingID)
	}
	return scanPgxBuckets(rows)
}

func (s *PostgresStore) AllBuckets(ctx context.Context) ([]model.MonthlyBucket, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT building_id, month, violation_count, permit_count, dsny_count, emissions_score
		 FROM monthly_buckets ORDER BY building_id, month ASC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: all buckets")
	}
	return scanPgxBuckets(rows)
}

func scanPgxBuckets(rows pgx.Rows) ([]model.MonthlyBucket, error) {
	defer rows.Close()

	var out []model.MonthlyBucket
	for rows.Next() {
		var b model.MonthlyBucket
		var month string
		if err := rows.Scan(&b.BuildingID, &month, &b.ViolationCount, &b.PermitCount, &b.DSNYCount, &b.EmissionsScore); err != nil {
			return nil, eris.Wrap(err, "postgres: scan bucket row")
		}
		b.Month = model.MonthKey(month)
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "postgres: bucket rows")
}

func (s *PostgresStore) Subscribe(buildingID string) (<-chan model.ComplianceSnapshot, func()) {
	return s.notifier.subscribe(buildingID)
}

func (s *PostgresStore) Sweep(ctx context.Context, retention time.Duration, maxUpdates int) (int, error) {
	removed := 0

	if retention > 0 {
		cutoff := time.Now().UTC().Add(-retention)
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM snapshot_history WHERE created_at < $1`, cutoff,
		)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: sweep by age")
		}
		removed += int(tag.RowsAffected())
	}

	if maxUpdates > 0 {
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM snapshot_history WHERE id NOT IN (
				SELECT id FROM (
					SELECT id, ROW_NUMBER() OVER (PARTITION BY building_id ORDER BY created_at DESC) AS rn
					FROM snapshot_history
				) ranked WHERE rn <= $1
			)`, maxUpdates,
		)
		if err != nil {
			return removed, eris.Wrap(err, "postgres: sweep by count")
		}
		removed += int(tag.RowsAffected())
	}

	return removed, nil
}
