package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"GoVoiceBridge/internal/config"
	"GoVoiceBridge/internal/logger"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS call_events (
	id          BIGSERIAL PRIMARY KEY,
	call_handle TEXT        NOT NULL,
	status      TEXT        NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS call_events_call_handle_idx ON call_events (call_handle, id);
`

// PostgresStore 基于 PostgreSQL 的事件存储
type PostgresStore struct {
	pool *pgxpool.Pool
}

// ConnectPostgres 创建连接池并建表。
// 进程启动时数据库可能还没就绪，连接探测按指数退避重试，直到 ConnectTimeout。
func ConnectPostgres(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	log := logger.WithModule("store")

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = cfg.ConnectTimeout

	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return pool.Ping(pingCtx)
	}
	notify := func(err error, wait time.Duration) {
		log.WithError(err).WithField("retry_in", wait).Warn("Database not reachable yet")
	}

	if err := backoff.RetryNotify(ping, backoff.WithContext(policy, ctx), notify); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	log.Info("PostgreSQL connection pool ready")
	return &PostgresStore{pool: pool}, nil
}

// Record 写入一条事件
func (s *PostgresStore) Record(ctx context.Context, event CallEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_events (call_handle, status, created_at) VALUES ($1, $2, $3)`,
		event.CallHandle, event.Status, event.At)
	if err != nil {
		return fmt.Errorf("insert call event: %w", err)
	}
	return nil
}

// List 按写入顺序返回通话的事件
func (s *PostgresStore) List(ctx context.Context, callHandle string) ([]CallEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT call_handle, status, created_at FROM call_events WHERE call_handle = $1 ORDER BY id`,
		callHandle)
	if err != nil {
		return nil, fmt.Errorf("query call events: %w", err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (CallEvent, error) {
		var e CallEvent
		err := row.Scan(&e.CallHandle, &e.Status, &e.At)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan call events: %w", err)
	}
	return events, nil
}

// Close 关闭连接池
func (s *PostgresStore) Close() {
	s.pool.Close()
	logger.WithModule("store").Info("PostgreSQL connection pool closed")
}

// Stats 连接池统计
func (s *PostgresStore) Stats() Stats {
	st := s.pool.Stat()
	return Stats{
		Backend: "postgres",
		Pool: &PoolStats{
			MaxConns:      st.MaxConns(),
			TotalConns:    st.TotalConns(),
			IdleConns:     st.IdleConns(),
			AcquiredConns: st.AcquiredConns(),
			AcquireCount:  st.AcquireCount(),
		},
	}
}

// Open 根据配置选择存储实现：配置了 DSN 时连接 PostgreSQL，否则使用内存存储。
// memOpts 只作用于内存存储。
func Open(ctx context.Context, cfg config.DatabaseConfig, memOpts ...MemoryOption) (CallEventStore, error) {
	if cfg.DSN == "" {
		return NewMemoryStore(memOpts...), nil
	}
	return ConnectPostgres(ctx, cfg)
}
