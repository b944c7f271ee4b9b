package storage

import (
	"fmt"
	"strconv"

	_ "github.com/lib/pq"
)

type postgresDialect struct{}

func (postgresDialect) driver() string { return "postgres" }

func (postgresDialect) placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (postgresDialect) schema(table string) []string {
	return []string{
		fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		session_id VARCHAR(64) NOT NULL,
		seq BIGINT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		channel VARCHAR(64) NOT NULL,
		unit VARCHAR(32),
		raw DOUBLE PRECISION NOT NULL,
		value DOUBLE PRECISION NOT NULL,
		valid BOOLEAN NOT NULL
	);
	`, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_ts ON %s (ts)", table, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_channel ON %s (channel)", table, table),
	}
}
