package driver

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql
	"golang.org/x/sync/singleflight"

	"github.com/rivetkit/rivetkit-go/pkg/config"
	"github.com/rivetkit/rivetkit-go/pkg/rivet"
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresDriver implements both driver contracts on a single actors table.
// Alarms are fired by a polling loop that atomically claims due rows.
type PostgresDriver struct {
	db   *sql.DB
	cfg  *config.PostgresConfig
	stop chan struct{}
	done chan struct{}
	once sync.Once

	handlerMu sync.RWMutex
	handler   AlarmHandler

	getOrCreate singleflight.Group
}

// NewPostgresDriver connects, runs migrations, and starts the alarm poller.
func NewPostgresDriver(ctx context.Context, cfg *config.PostgresConfig) (*PostgresDriver, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d, err := NewPostgresDriverFromDB(db, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("Postgres driver initialized", "host", cfg.Host, "database", cfg.Database)
	return d, nil
}

// NewPostgresDriverFromDB wraps an existing pool (useful for testing), runs
// migrations, and starts the alarm poller.
func NewPostgresDriverFromDB(db *sql.DB, cfg *config.PostgresConfig) (*PostgresDriver, error) {
	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	d := &PostgresDriver{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go d.alarmLoop()
	return d, nil
}

func runMigrations(db *sql.DB) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	src, err := iofs.New(sub, ".")
	if err != nil {
		return err
	}
	dbDriver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", dbDriver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close stops the alarm poller and closes the pool.
func (d *PostgresDriver) Close() error {
	d.once.Do(func() { close(d.stop) })
	<-d.done
	return d.db.Close()
}

// SetAlarmHandler registers the alarm callback.
func (d *PostgresDriver) SetAlarmHandler(h AlarmHandler) {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.handler = h
}

// alarmLoop claims due alarms and dispatches them. Claiming clears alarm_at
// atomically, so an alarm fires on exactly one runner; the runtime rearms if
// more events remain.
func (d *PostgresDriver) alarmLoop() {
	defer close(d.done)
	ticker := time.NewTicker(d.cfg.AlarmPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.fireDueAlarms()
		}
	}
}

func (d *PostgresDriver) fireDueAlarms() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows, err := d.db.QueryContext(ctx,
		`UPDATE actors SET alarm_at = NULL WHERE alarm_at <= now() RETURNING actor_id`)
	if err != nil {
		slog.Error("Alarm scan failed", "error", err)
		return
	}
	defer rows.Close()

	var due []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			slog.Error("Alarm row scan failed", "error", err)
			return
		}
		due = append(due, id)
	}
	if err := rows.Err(); err != nil {
		slog.Error("Alarm scan failed", "error", err)
		return
	}

	d.handlerMu.RLock()
	h := d.handler
	d.handlerMu.RUnlock()
	if h == nil {
		return
	}
	for _, id := range due {
		h(id)
	}
}

// --- ManagerDriver ---

func (d *PostgresDriver) GetForID(ctx context.Context, name, actorID string) (*ActorRecord, error) {
	rec, err := d.scanOne(ctx,
		`SELECT actor_id, name, key, input FROM actors WHERE actor_id = $1`, actorID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Name != name {
		return nil, rivet.ActorNotFound(actorID)
	}
	return rec, nil
}

func (d *PostgresDriver) GetForKey(ctx context.Context, name string, key rivet.Key) (*ActorRecord, error) {
	rec, err := d.scanOne(ctx,
		`SELECT actor_id, name, key, input FROM actors WHERE name = $1 AND key = $2`, name, key.String())
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, rivet.ActorNotFound("")
	}
	return rec, nil
}

func (d *PostgresDriver) GetOrCreateForKey(ctx context.Context, name string, key rivet.Key, input []byte) (*ActorRecord, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	type result struct {
		record  *ActorRecord
		created bool
	}
	v, err, _ := d.getOrCreate.Do(name+"\x00"+key.String(), func() (any, error) {
		id := uuid.New().String()
		row := d.db.QueryRowContext(ctx,
			`INSERT INTO actors (actor_id, name, key, input) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (name, key) DO NOTHING
			 RETURNING actor_id`,
			id, name, key.String(), input)
		var insertedID string
		switch err := row.Scan(&insertedID); {
		case err == nil:
			return result{
				record:  &ActorRecord{ActorID: insertedID, Name: name, Key: key, Input: input},
				created: true,
			}, nil
		case errors.Is(err, sql.ErrNoRows):
			// Lost the race or the actor already existed — fetch it.
			rec, err := d.GetForKey(ctx, name, key)
			if err != nil {
				return nil, err
			}
			return result{record: rec}, nil
		default:
			return nil, err
		}
	})
	if err != nil {
		return nil, false, err
	}
	r := v.(result)
	return r.record, r.created, nil
}

func (d *PostgresDriver) Create(ctx context.Context, name string, key rivet.Key, input []byte) (*ActorRecord, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	id := uuid.New().String()
	row := d.db.QueryRowContext(ctx,
		`INSERT INTO actors (actor_id, name, key, input) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name, key) DO NOTHING
		 RETURNING actor_id`,
		id, name, key.String(), input)
	var insertedID string
	switch err := row.Scan(&insertedID); {
	case err == nil:
		return &ActorRecord{ActorID: insertedID, Name: name, Key: key, Input: input}, nil
	case errors.Is(err, sql.ErrNoRows):
		return nil, rivet.ActorAlreadyExists(name, key)
	default:
		return nil, err
	}
}

func (d *PostgresDriver) ListActors(ctx context.Context, q ListQuery) ([]*ActorRecord, error) {
	query := `SELECT actor_id, name, key, input FROM actors WHERE ($1 = '' OR name = $1)`
	args := []any{q.Name}
	switch {
	case len(q.ActorIDs) > 0:
		placeholders := ""
		for i, id := range q.ActorIDs {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += fmt.Sprintf("$%d", len(args)+1)
			args = append(args, id)
		}
		query += ` AND actor_id IN (` + placeholders + `)`
	case q.Key != nil:
		query += ` AND key = $2`
		args = append(args, q.Key.String())
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ActorRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- ActorDriver ---

func (d *PostgresDriver) ReadBlob(ctx context.Context, actorID string) ([]byte, error) {
	var blob []byte
	err := d.db.QueryRowContext(ctx,
		`SELECT blob FROM actors WHERE actor_id = $1`, actorID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rivet.ActorNotFound(actorID)
	}
	if err != nil {
		return nil, err
	}
	return blob, nil
}

func (d *PostgresDriver) WriteBlob(ctx context.Context, actorID string, data []byte) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE actors SET blob = $2 WHERE actor_id = $1`, actorID, data)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return rivet.ActorNotFound(actorID)
	}
	return nil
}

func (d *PostgresDriver) SetAlarm(ctx context.Context, actorID string, at time.Time) error {
	var alarm any
	if !at.IsZero() {
		alarm = at.UTC()
	}
	res, err := d.db.ExecContext(ctx,
		`UPDATE actors SET alarm_at = $2 WHERE actor_id = $1`, actorID, alarm)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return rivet.ActorNotFound(actorID)
	}
	return nil
}

func (d *PostgresDriver) scanOne(ctx context.Context, query string, args ...any) (*ActorRecord, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanRecord(rows)
}

func scanRecord(rows *sql.Rows) (*ActorRecord, error) {
	var rec ActorRecord
	var keyStr string
	if err := rows.Scan(&rec.ActorID, &rec.Name, &keyStr, &rec.Input); err != nil {
		return nil, err
	}
	key, err := rivet.ParseKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt key for actor %s: %w", rec.ActorID, err)
	}
	rec.Key = key
	return &rec, nil
}

var (
	_ ManagerDriver = (*PostgresDriver)(nil)
	_ ActorDriver   = (*PostgresDriver)(nil)
	_ AlarmNotifier = (*PostgresDriver)(nil)
)
