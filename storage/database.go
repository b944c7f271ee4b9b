package storage

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/eddielth/sensorbridge/calibration"
	"github.com/eddielth/sensorbridge/logger"
)

// DatabaseType selects the SQL dialect of a mirror
type DatabaseType string

const (
	// MySQL
	MySQL DatabaseType = "mysql"
	// PostgreSQL
	PostgreSQL DatabaseType = "postgresql"
)

// DefaultTable is the mirror table name
const DefaultTable = "sensor_readings"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// dialect hides the per-database SQL differences
type dialect interface {
	driver() string
	schema(table string) []string
	placeholder(n int) string
}

func dialectFor(dbType DatabaseType) (dialect, error) {
	switch dbType {
	case MySQL:
		return mysqlDialect{}, nil
	case PostgreSQL:
		return postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// SQLStore mirrors samples into a relational table, one row per reading
type SQLStore struct {
	db      *sql.DB
	dbType  DatabaseType
	dialect dialect
	table   string
	session string
}

// NewSQLStore connects to dsn and creates the mirror table if needed
func NewSQLStore(dbType, dsn, table, session string) (*SQLStore, error) {
	d, err := dialectFor(DatabaseType(dbType))
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.driver(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database failed: %w", dbType, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database failed: %w", dbType, err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := newSQLStore(db, DatabaseType(dbType), table, session)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// newSQLStore wraps an open handle and initialises the schema
func newSQLStore(db *sql.DB, dbType DatabaseType, table, session string) (*SQLStore, error) {
	d, err := dialectFor(dbType)
	if err != nil {
		return nil, err
	}
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	store := &SQLStore{
		db:      db,
		dbType:  dbType,
		dialect: d,
		table:   table,
		session: session,
	}
	if err := store.InitDatabase(); err != nil {
		return nil, err
	}

	logger.Info("Init %s mirror, table %s", dbType, table)
	return store, nil
}

// InitDatabase creates the mirror table and its indexes
func (s *SQLStore) InitDatabase() error {
	for _, stmt := range s.dialect.schema(s.table) {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create %s schema failed: %w", s.dbType, err)
		}
	}
	return nil
}

// Append inserts one row per reading inside a single transaction
func (s *SQLStore) Append(sample calibration.Sample) (err error) {
	if len(sample.Readings) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction failed: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	const columns = 8
	valueStrings := make([]string, 0, len(sample.Readings))
	valueArgs := make([]interface{}, 0, len(sample.Readings)*columns)
	ts := sample.Timestamp.UTC()
	for i, r := range sample.Readings {
		marks := make([]string, columns)
		for j := range marks {
			marks[j] = s.dialect.placeholder(i*columns + j + 1)
		}
		valueStrings = append(valueStrings, "("+strings.Join(marks, ", ")+")")
		valueArgs = append(valueArgs, s.session, int64(sample.Seq), ts, r.Channel, r.Unit, r.Raw, r.Value, r.Valid)
	}

	query := fmt.Sprintf("INSERT INTO %s (session_id, seq, ts, channel, unit, raw, value, valid) VALUES %s",
		s.table, strings.Join(valueStrings, ", "))
	if _, err = tx.Exec(query, valueArgs...); err != nil {
		return fmt.Errorf("insert sample %d failed: %w", sample.Seq, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit sample %d failed: %w", sample.Seq, err)
	}
	return nil
}

// Name implements Backend
func (s *SQLStore) Name() string {
	return string(s.dbType)
}

// Close implements Backend
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close %s database failed: %w", s.dbType, err)
	}
	logger.Info("%s mirror closed", s.dbType)
	return nil
}
