package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"drainscan/internal/config"
	"drainscan/pkg/models"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// PostgresStore 基于 PostgreSQL 的恶意地址库
type PostgresStore struct {
	db     *sql.DB
	table  string
	logger *logrus.Logger
}

// NewPostgresStore 连接数据库并检查连通性
func NewPostgresStore(ctx context.Context, cfg *config.StoreConfig, logger *logrus.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("数据库连接失败: %w", err)
	}

	table := cfg.Table
	if table == "" {
		table = "malicious_addresses"
	}

	logger.WithField("table", table).Info("恶意地址库已连接")
	return NewPostgresStoreWithDB(db, table, logger), nil
}

// NewPostgresStoreWithDB 使用已有连接创建
func NewPostgresStoreWithDB(db *sql.DB, table string, logger *logrus.Logger) *PostgresStore {
	return &PostgresStore{db: db, table: pq.QuoteIdentifier(table), logger: logger}
}

// EnsureSchema 建表（已存在时跳过）
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  address      text        PRIMARY KEY,
  report_count integer     NOT NULL DEFAULT 1,
  source       text        NOT NULL DEFAULT '',
  first_seen   timestamptz NOT NULL DEFAULT now(),
  last_seen    timestamptz NOT NULL DEFAULT now()
)`, s.table)
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *PostgresStore) LookupBatch(ctx context.Context, addresses []string) ([]models.KnownMaliciousRecord, error) {
	if len(addresses) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(
		`SELECT address, report_count, source, first_seen, last_seen FROM %s WHERE address = ANY($1)`,
		s.table,
	)
	rows, err := s.db.QueryContext(ctx, query, pq.Array(addresses))
	if err != nil {
		return nil, fmt.Errorf("查询恶意地址失败: %w", err)
	}
	defer rows.Close()

	var out []models.KnownMaliciousRecord
	for rows.Next() {
		var r models.KnownMaliciousRecord
		if err := rows.Scan(&r.Address, &r.ReportCount, &r.Source, &r.FirstSeen, &r.LastSeen); err != nil {
			return nil, fmt.Errorf("读取恶意地址记录失败: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"queried": len(addresses),
		"matched": len(out),
	}).Debug("恶意地址查询完成")
	return out, nil
}

// Close 关闭连接
func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
