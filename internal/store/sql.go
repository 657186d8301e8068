package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"notification-pipeline/internal/clock"
	"notification-pipeline/pkg/models"
)

type dialect struct {
	name         string
	driver       string
	gooseDialect string
	migrationDir string
	numbered     bool // $1 placeholders instead of ?
}

var (
	postgresDialect = dialect{name: "postgres", driver: "postgres", gooseDialect: "postgres", migrationDir: "migrations/postgres", numbered: true}
	sqliteDialect   = dialect{name: "sqlite", driver: "sqlite", gooseDialect: "sqlite3", migrationDir: "migrations/sqlite"}
)

// rebind rewrites ? placeholders for dialects that number them
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const notificationColumns = `id, user_id, type, title, message, icon, priority, category,
	entity_type, entity_id, entity_url, actor_id, is_read, delivery_method,
	expires_at, data, metadata, created_at, updated_at`

const insertNotificationQuery = `
	INSERT INTO notifications (` + notificationColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectNotificationByIDQuery = `
	SELECT ` + notificationColumns + `
	FROM notifications
	WHERE id = ?`

const selectUserNotificationsQuery = `
	SELECT ` + notificationColumns + `
	FROM notifications
	WHERE user_id = ?
	ORDER BY created_at DESC
	LIMIT ? OFFSET ?`

const selectMetadataQuery = `SELECT metadata FROM notifications WHERE id = ?`

const updateMetadataQuery = `UPDATE notifications SET metadata = ?, updated_at = ? WHERE id = ?`

// SQLStore persists notifications through database/sql
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	clock   clock.Clock
	logger  *logrus.Logger
}

// OpenPostgres connects to Postgres and applies migrations
func OpenPostgres(dsn string, logger *logrus.Logger) (*SQLStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return newSQLStore(db, postgresDialect, logger)
}

// OpenSQLite opens (or creates) a SQLite database. ":memory:" gives a
// private in-memory database.
func OpenSQLite(path string, logger *logrus.Logger) (*SQLStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// one connection keeps an in-memory database alive and serialises writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA busy_timeout = 5000")
	if path != ":memory:" {
		_, _ = db.Exec("PRAGMA journal_mode = WAL")
		_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	}

	return newSQLStore(db, sqliteDialect, logger)
}

func newSQLStore(db *sql.DB, d dialect, logger *logrus.Logger) (*SQLStore, error) {
	if err := Migrate(db, d, logger); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLStore{db: db, dialect: d, clock: clock.Real{}, logger: logger}, nil
}

// WithClock overrides the clock used for timestamps
func (s *SQLStore) WithClock(c clock.Clock) *SQLStore {
	s.clock = clock.OrReal(c)
	return s
}

// CreateNotification inserts a new notification
func (s *SQLStore) CreateNotification(ctx context.Context, params models.CreateParams) (*models.Notification, error) {
	n := models.NewNotification(params, s.clock.Now().UTC())
	if err := s.insert(ctx, s.db, n); err != nil {
		return nil, err
	}
	return n, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *SQLStore) insert(ctx context.Context, exec execer, n *models.Notification) error {
	data, err := json.Marshal(nonNilMap(n.Data))
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	metadata, err := json.Marshal(n.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	var expiresAt sql.NullTime
	if n.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: n.ExpiresAt.UTC(), Valid: true}
	}

	_, err = exec.ExecContext(ctx, s.dialect.rebind(insertNotificationQuery),
		n.ID, n.UserID, string(n.Type), n.Title, n.Message,
		nullString(n.Icon), string(n.Priority), string(n.Category),
		nullString(string(n.EntityType)), nullString(n.EntityID), nullString(n.EntityURL), nullString(n.ActorID),
		n.IsRead, n.DeliveryMethod, expiresAt,
		string(data), string(metadata), n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// UpdateNotification merges metadata into the stored notification
func (s *SQLStore) UpdateNotification(ctx context.Context, id string, metadata models.Metadata) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowContext(ctx, s.dialect.rebind(selectMetadataQuery), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load metadata: %w", err)
	}

	current := models.Metadata{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &current); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	merged, err := json.Marshal(current.Merge(metadata))
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(updateMetadataQuery), string(merged), s.clock.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to update notification: %w", err)
	}

	return tx.Commit()
}

// GetNotificationByID returns the notification, or nil when it does not exist
func (s *SQLStore) GetNotificationByID(ctx context.Context, id string) (*models.Notification, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(selectNotificationByIDQuery), id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// GetUserNotifications lists a user's notifications newest first
func (s *SQLStore) GetUserNotifications(ctx context.Context, userID string, opts ListOptions) ([]models.Notification, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(selectUserNotificationsQuery),
		userID, normalizeLimit(opts.Limit), opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	list := []models.Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notifications: %w", err)
	}
	return list, nil
}

// CreateBulkNotifications inserts the same notification for every user in
// one transaction
func (s *SQLStore) CreateBulkNotifications(ctx context.Context, userIDs []string, params models.CreateParams) (int, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.clock.Now().UTC()
	for _, userID := range userIDs {
		p := params
		p.UserID = userID
		if err := s.insert(ctx, tx, models.NewNotification(p, now)); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit bulk insert: %w", err)
	}
	return len(userIDs), nil
}

// Close closes the database
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(row scanner) (*models.Notification, error) {
	var (
		n                                            models.Notification
		notificationType, priority, category         string
		icon, entityType, entityID, entityURL, actor sql.NullString
		expiresAt                                    sql.NullTime
		data, metadata                               []byte
	)

	err := row.Scan(
		&n.ID, &n.UserID, &notificationType, &n.Title, &n.Message, &icon, &priority, &category,
		&entityType, &entityID, &entityURL, &actor, &n.IsRead, &n.DeliveryMethod,
		&expiresAt, &data, &metadata, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan notification: %w", err)
	}

	n.Type = models.NotificationType(notificationType)
	n.Priority = models.NotificationPriority(priority)
	n.Category = models.NotificationCategory(category)
	n.Icon = icon.String
	n.EntityType = models.EntityType(entityType.String)
	n.EntityID = entityID.String
	n.EntityURL = entityURL.String
	n.ActorID = actor.String
	if expiresAt.Valid {
		t := expiresAt.Time
		n.ExpiresAt = &t
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &n.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal data: %w", err)
		}
	}
	n.Metadata = models.Metadata{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &n.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	if len(n.Data) == 0 {
		n.Data = nil
	}

	return &n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNilMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
