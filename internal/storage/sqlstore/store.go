// Package sqlstore implements storage interfaces on SQLite, PostgreSQL and
// MySQL through database/sql.
//
// Partner records are kept as JSON documents next to the columns used for
// lookups, so new partner settings need no schema change.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sirosfoundation/go-as2/internal/storage"
	"github.com/sirosfoundation/go-as2/pkg/partner"
)

// Dialects
const (
	SQLite   = "sqlite"
	Postgres = "postgres"
	MySQL    = "mysql"
)

// MessagesTable holds the message log
const MessagesTable = "as2_messages"

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds database settings
type Config struct {
	// Dialect is sqlite, postgres or mysql
	Dialect string
	DSN     string
	// Table holds partner records, "partners" when empty
	Table string
}

// Store implements storage.Store on a SQL database
type Store struct {
	db       *sql.DB
	dialect  string
	partners string
}

var _ storage.Store = (*Store)(nil)

// Open connects to the database and creates the tables when missing
func Open(ctx context.Context, cfg *Config) (*Store, error) {
	driver, err := driverFor(cfg.Dialect)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", cfg.Dialect, err)
	}
	if cfg.Dialect == SQLite {
		// a single connection keeps in-memory databases alive and
		// serialises writers
		db.SetMaxOpenConns(1)
	}
	s, err := New(ctx, db, cfg.Dialect, cfg.Table)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database
func New(ctx context.Context, db *sql.DB, dialect, table string) (*Store, error) {
	if _, err := driverFor(dialect); err != nil {
		return nil, err
	}
	if table == "" {
		table = "partners"
	}
	if !identifier.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	s := &Store{db: db, dialect: dialect, partners: table}
	if err := s.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging %s database: %w", dialect, err)
	}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return s, nil
}

func driverFor(dialect string) (string, error) {
	switch dialect {
	case SQLite:
		return "sqlite3", nil
	case Postgres:
		return "postgres", nil
	case MySQL:
		return "mysql", nil
	}
	return "", fmt.Errorf("unsupported SQL dialect %q", dialect)
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + s.partners + ` (
			id VARCHAR(255) NOT NULL PRIMARY KEY,
			name VARCHAR(255) NOT NULL DEFAULT '',
			is_local BOOLEAN NOT NULL DEFAULT FALSE,
			record TEXT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + MessagesTable + ` (
			id VARCHAR(255) NOT NULL PRIMARY KEY,
			direction VARCHAR(16) NOT NULL,
			from_id VARCHAR(255) NOT NULL,
			to_id VARCHAR(255) NOT NULL,
			status VARCHAR(16) NOT NULL,
			mic VARCHAR(255) NOT NULL DEFAULT '',
			files TEXT NOT NULL,
			disposition VARCHAR(64) NOT NULL DEFAULT '',
			modifier TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database
func (s *Store) Close(context.Context) error {
	return s.db.Close()
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind turns ? placeholders into $n for PostgreSQL
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// upsert builds an insert that replaces the row with the same id
func (s *Store) upsert(table string, columns []string) string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), marks)

	var sets []string
	for _, c := range columns[1:] {
		if s.dialect == MySQL {
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", c, c))
		} else {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}
	if s.dialect == MySQL {
		query += " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	} else {
		query += " ON CONFLICT (" + columns[0] + ") DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return s.rebind(query)
}

// PartnerStore implementation

func (s *Store) Get(ctx context.Context, id string) (*partner.Record, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT record FROM "+s.partners+" WHERE id = ?"), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", partner.ErrUnknownPartner, id)
	}
	if err != nil {
		return nil, fmt.Errorf("finding partner %s: %w", id, err)
	}
	return decodeRecord(doc)
}

func (s *Store) List(ctx context.Context) ([]*partner.Record, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT record FROM "+s.partners+" ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*partner.Record
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		r, err := decodeRecord(doc)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *Store) PutPartner(ctx context.Context, record *partner.Record) error {
	record.ID = strings.TrimSpace(record.ID)
	if record.ID == "" {
		return fmt.Errorf("%w: empty id", partner.ErrInvalidPartner)
	}
	doc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding partner %s: %w", record.ID, err)
	}
	query := s.upsert(s.partners, []string{"id", "name", "is_local", "record", "updated_at"})
	_, err = s.db.ExecContext(ctx, query, record.ID, record.Name, record.IsLocal, string(doc), time.Now().UnixNano())
	return err
}

func (s *Store) DeletePartner(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM "+s.partners+" WHERE id = ?"), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", partner.ErrUnknownPartner, id)
	}
	return nil
}

func decodeRecord(doc string) (*partner.Record, error) {
	var r partner.Record
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return nil, fmt.Errorf("decoding partner record: %w", err)
	}
	return &r, nil
}

// MessageLog implementation

const messageColumns = "id, direction, from_id, to_id, status, mic, files, disposition, modifier, created_at, updated_at"

func (s *Store) SaveMessage(ctx context.Context, msg *storage.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}
	files, err := json.Marshal(msg.Files)
	if err != nil {
		return fmt.Errorf("encoding files of %s: %w", msg.ID, err)
	}
	query := s.upsert(MessagesTable, strings.Split(messageColumns, ", "))
	_, err = s.db.ExecContext(ctx, query,
		msg.ID, string(msg.Direction), msg.FromID, msg.ToID, string(msg.Status), msg.Mic, string(files),
		msg.Disposition, msg.Modifier, msg.CreatedAt.UnixNano(), msg.UpdatedAt.UnixNano())
	return err
}

func (s *Store) GetMessage(ctx context.Context, id string) (*storage.Message, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT "+messageColumns+" FROM "+MessagesTable+" WHERE id = ?"), id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrMessageNotFound, id)
	}
	return msg, err
}

func (s *Store) UpdateDisposition(ctx context.Context, id, disposition, modifier string) error {
	res, err := s.db.ExecContext(ctx,
		s.rebind("UPDATE "+MessagesTable+" SET status = ?, disposition = ?, modifier = ?, updated_at = ? WHERE id = ?"),
		string(storage.StatusFor(disposition)), disposition, modifier, time.Now().UnixNano(), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrMessageNotFound, id)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, filter *storage.MessageFilter) ([]*storage.Message, error) {
	query := "SELECT " + messageColumns + " FROM " + MessagesTable
	var where []string
	var args []any
	limit, offset := -1, 0
	if filter != nil {
		if filter.Direction != "" {
			where = append(where, "direction = ?")
			args = append(args, string(filter.Direction))
		}
		if filter.Status != "" {
			where = append(where, "status = ?")
			args = append(args, string(filter.Status))
		}
		if filter.PartnerID != "" {
			where = append(where, "(from_id = ? OR to_id = ?)")
			args = append(args, filter.PartnerID, filter.PartnerID)
		}
		if filter.Limit > 0 {
			limit = filter.Limit
		}
		offset = filter.Offset
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if limit > 0 {
		query += " LIMIT " + strconv.Itoa(limit)
		if offset > 0 {
			query += " OFFSET " + strconv.Itoa(offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*storage.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*storage.Message, error) {
	var (
		msg                  storage.Message
		direction, status    string
		files                string
		createdAt, updatedAt int64
	)
	err := row.Scan(&msg.ID, &direction, &msg.FromID, &msg.ToID, &status, &msg.Mic, &files,
		&msg.Disposition, &msg.Modifier, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	msg.Direction = storage.Direction(direction)
	msg.Status = storage.MessageStatus(status)
	msg.CreatedAt = time.Unix(0, createdAt)
	msg.UpdatedAt = time.Unix(0, updatedAt)
	if err := json.Unmarshal([]byte(files), &msg.Files); err != nil {
		return nil, fmt.Errorf("decoding files of %s: %w", msg.ID, err)
	}
	return &msg, nil
}
