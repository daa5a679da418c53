// internal/storage/sqlite.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	_ "modernc.org/sqlite"

	"carbsmart/internal/models"
	"carbsmart/internal/pinguard"
)

const (
	// Fixed width so stored timestamps sort lexically.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 500

	// MaxStoredImageBytes caps the data URL kept with a result. Larger
	// images are not stored; the result itself still is.
	MaxStoredImageBytes = 1 << 20
)

var ErrUserIDRequired = errors.New("storage: user id is required")

type SQLiteStorage struct {
	db *sql.DB
}

var _ pinguard.CredentialStore = (*SQLiteStorage)(nil)

func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes every transaction, which makes the
	// credential read-modify-write atomic across sessions.
	db.SetMaxOpenConns(1)

	storage := &SQLiteStorage{db: db}
	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStorage) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS profiles (
        user_id TEXT PRIMARY KEY,
        insulin_ratio INTEGER NOT NULL DEFAULT 10,
        comments TEXT NOT NULL DEFAULT '',
        parental_pin_hash TEXT,
        pin_failed_attempts INTEGER NOT NULL DEFAULT 0,
        pin_locked_until INTEGER,
        pin_last_unlock INTEGER,
        created_at TEXT NOT NULL,
        updated_at TEXT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS meal_logs (
        id TEXT PRIMARY KEY,
        user_id TEXT NOT NULL,
        timestamp TEXT NOT NULL,
        image_url TEXT NOT NULL,
        carbs_estimate INTEGER NOT NULL,
        insulin_ratio INTEGER NOT NULL,
        insulin_dose REAL NOT NULL,
        confidence TEXT NOT NULL DEFAULT '',
        food_items TEXT NOT NULL DEFAULT '[]',
        created_at TEXT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS app_statistics (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        user_id TEXT,
        event_type TEXT NOT NULL,
        created_at TEXT NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_meal_logs_user_timestamp ON meal_logs(user_id, timestamp);
    CREATE INDEX IF NOT EXISTS idx_app_statistics_event ON app_statistics(event_type, created_at);
    `

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// GetSettings returns the user's settings, or the defaults when no profile exists yet.
func (s *SQLiteStorage) GetSettings(ctx context.Context, userID string) (models.Settings, error) {
	if userID == "" {
		return models.Settings{}, ErrUserIDRequired
	}
	settings := models.DefaultSettings()
	err := s.db.QueryRowContext(ctx,
		`SELECT insulin_ratio, comments FROM profiles WHERE user_id = ?`, userID,
	).Scan(&settings.InsulinRatio, &settings.Comments)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DefaultSettings(), nil
	}
	if err != nil {
		return models.Settings{}, fmt.Errorf("failed to load settings: %w", err)
	}
	return settings, nil
}

// UpdateSettings validates and stores the user's settings.
func (s *SQLiteStorage) UpdateSettings(ctx context.Context, userID string, settings models.Settings) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	if err := settings.Validate(); err != nil {
		return err
	}
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO profiles (user_id, insulin_ratio, comments, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(user_id) DO UPDATE SET
            insulin_ratio = excluded.insulin_ratio,
            comments = excluded.comments,
            updated_at = excluded.updated_at
    `, userID, settings.InsulinRatio, settings.Comments, now, now)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// LoadCredential implements pinguard.CredentialStore.
func (s *SQLiteStorage) LoadCredential(ctx context.Context, userID string) (*models.PinCredential, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	return scanCredential(s.db.QueryRowContext(ctx, credentialQuery, userID))
}

// UpdateCredential implements pinguard.CredentialStore. The read, fn and
// write share one transaction.
func (s *SQLiteStorage) UpdateCredential(ctx context.Context, userID string, fn pinguard.UpdateFunc) (*models.PinCredential, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := scanCredential(tx.QueryRowContext(ctx, credentialQuery, userID))
	if err != nil {
		return nil, err
	}
	next, err := fn(current.Clone())
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current, tx.Commit()
	}

	now := formatTime(time.Now())
	_, err = tx.ExecContext(ctx, `
        INSERT INTO profiles (user_id, parental_pin_hash, pin_failed_attempts, pin_locked_until, pin_last_unlock, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(user_id) DO UPDATE SET
            parental_pin_hash = excluded.parental_pin_hash,
            pin_failed_attempts = excluded.pin_failed_attempts,
            pin_locked_until = excluded.pin_locked_until,
            pin_last_unlock = excluded.pin_last_unlock,
            updated_at = excluded.updated_at
    `, userID, next.HashedPin, next.FailedAttempts, toMillis(next.LockedUntil), toMillis(next.LastUnlockTime), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to save credential: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit credential: %w", err)
	}
	return next.Clone(), nil
}

const credentialQuery = `
    SELECT parental_pin_hash, pin_failed_attempts, pin_locked_until, pin_last_unlock
    FROM profiles
    WHERE user_id = ?
`

func scanCredential(row *sql.Row) (*models.PinCredential, error) {
	var (
		hash        sql.NullString
		failed      int
		lockedUntil sql.NullInt64
		lastUnlock  sql.NullInt64
	)
	err := row.Scan(&hash, &failed, &lockedUntil, &lastUnlock)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if !hash.Valid || hash.String == "" {
		return nil, nil
	}
	return &models.PinCredential{
		HashedPin:      hash.String,
		FailedAttempts: failed,
		LockedUntil:    fromMillis(lockedUntil),
		LastUnlockTime: fromMillis(lastUnlock),
	}, nil
}

// AppendResults stores confirmed results in one transaction. Rows are never updated.
func (s *SQLiteStorage) AppendResults(ctx context.Context, userID string, results []models.CalculationResult) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	if len(results) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
        INSERT INTO meal_logs (id, user_id, timestamp, image_url, carbs_estimate, insulin_ratio, insulin_dose, confidence, food_items, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `
	now := formatTime(time.Now())
	for _, r := range results {
		items := r.FoodItems
		if items == nil {
			items = []string{}
		}
		foods, err := sonic.MarshalString(items)
		if err != nil {
			return fmt.Errorf("failed to encode food items: %w", err)
		}
		image := r.ImageURL
		if len(image) > MaxStoredImageBytes {
			image = ""
		}
		_, err = tx.ExecContext(ctx, query,
			r.ID, userID, formatTime(r.Timestamp), image, r.CarbsEstimate,
			r.InsulinRatio, r.InsulinDose, string(r.Confidence), foods, now)
		if err != nil {
			return fmt.Errorf("failed to insert meal log %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// History returns the user's results newest first. Image data is only read
// when q.IncludeImages is set.
func (s *SQLiteStorage) History(ctx context.Context, userID string, q models.HistoryQuery) ([]models.CalculationResult, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	image := "''"
	if q.IncludeImages {
		image = "image_url"
	}
	var sb strings.Builder
	sb.WriteString(`
        SELECT id, timestamp, ` + image + `, carbs_estimate, insulin_ratio, insulin_dose, confidence, food_items
        FROM meal_logs
        WHERE user_id = ?
    `)
	args := []interface{}{userID}

	if !q.Start.IsZero() {
		sb.WriteString(" AND timestamp >= ?")
		args = append(args, formatTime(q.Start))
	}
	if !q.End.IsZero() {
		sb.WriteString(" AND timestamp < ?")
		args = append(args, formatTime(q.End))
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	sb.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ?")
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query meal logs: %w", err)
	}
	defer rows.Close()

	var results []models.CalculationResult
	for rows.Next() {
		var (
			r          models.CalculationResult
			timestamp  string
			confidence string
			foods      string
		)
		err := rows.Scan(&r.ID, &timestamp, &r.ImageURL, &r.CarbsEstimate,
			&r.InsulinRatio, &r.InsulinDose, &confidence, &foods)
		if err != nil {
			return nil, fmt.Errorf("failed to scan meal log: %w", err)
		}
		if r.Timestamp, err = parseTime(timestamp); err != nil {
			return nil, fmt.Errorf("failed to parse timestamp: %w", err)
		}
		r.Confidence = models.ConfidenceLevel(confidence)
		if foods != "" && foods != "[]" {
			if err := sonic.UnmarshalString(foods, &r.FoodItems); err != nil {
				return nil, fmt.Errorf("failed to decode food items for %s: %w", r.ID, err)
			}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read meal logs: %w", err)
	}

	return results, nil
}

// RecordEvent appends a usage statistic. userID may be empty for anonymous events.
func (s *SQLiteStorage) RecordEvent(ctx context.Context, userID, eventType string) error {
	if eventType == "" {
		return errors.New("storage: event type is required")
	}
	var uid interface{}
	if userID != "" {
		uid = userID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO app_statistics (user_id, event_type, created_at) VALUES (?, ?, ?)`,
		uid, eventType, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// CountEvents returns how many events of eventType were recorded for userID.
func (s *SQLiteStorage) CountEvents(ctx context.Context, userID, eventType string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM app_statistics WHERE user_id = ? AND event_type = ?`,
		userID, eventType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func toMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
