package storage

import (
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

type mysqlDialect struct{}

func (mysqlDialect) driver() string { return "mysql" }

func (mysqlDialect) placeholder(int) string { return "?" }

func (mysqlDialect) schema(table string) []string {
	return []string{fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		session_id VARCHAR(64) NOT NULL,
		seq BIGINT NOT NULL,
		ts DATETIME(6) NOT NULL,
		channel VARCHAR(64) NOT NULL,
		unit VARCHAR(32),
		raw DOUBLE NOT NULL,
		value DOUBLE NOT NULL,
		valid BOOLEAN NOT NULL,
		INDEX idx_ts (ts),
		INDEX idx_channel (channel)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
	`, table)}
}
