package client

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"auth-gateway/internal/config"
	"auth-gateway/internal/models"
	"auth-gateway/internal/util"
)

// ClickhouseClient stores the append-only auth event log used for audit
// queries and funnel analysis.
type ClickhouseClient struct {
	conn   driver.Conn
	config *config.Config
}

func NewClickhouseClient(cfg *config.Config) (*ClickhouseClient, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Clickhouse.URL},
		Auth: clickhouse.Auth{
			Database: cfg.Clickhouse.Database,
			Username: cfg.Clickhouse.Username,
			Password: cfg.Clickhouse.Password,
		},
		DialTimeout:     5 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse connection failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping failed: %w", err)
	}

	client := &ClickhouseClient{conn: conn, config: cfg}
	if err := client.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}

	util.Info("ClickHouse client connected", util.String("addr", cfg.Clickhouse.URL))
	return client, nil
}

func (c *ClickhouseClient) ensureSchema(ctx context.Context) error {
	return c.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS auth_events (
			event_id     String,
			kind         LowCardinality(String),
			contact_hash String,
			user_id      String,
			purpose      LowCardinality(String),
			channel      LowCardinality(String),
			outcome      LowCardinality(String),
			detail       String,
			remote_ip    String,
			occurred_at  DateTime64(3)
		)
		ENGINE = MergeTree()
		PARTITION BY toYYYYMM(occurred_at)
		ORDER BY (kind, occurred_at)
		TTL toDateTime(occurred_at) + INTERVAL 90 DAY
	`)
}

// InsertEvent appends one auth event row.
func (c *ClickhouseClient) InsertEvent(ctx context.Context, ev *models.AuthEvent) error {
	batch, err := c.conn.PrepareBatch(ctx, "INSERT INTO auth_events")
	if err != nil {
		return err
	}
	if err := batch.Append(
		ev.EventID,
		string(ev.Kind),
		ev.ContactHash,
		ev.UserID,
		ev.Purpose,
		ev.Channel,
		ev.Outcome,
		ev.Detail,
		ev.RemoteIP,
		ev.OccurredAt,
	); err != nil {
		return err
	}
	return batch.Send()
}

// CountRecentByKind supports the funnel view: events of a kind within a
// trailing window.
func (c *ClickhouseClient) CountRecentByKind(ctx context.Context, kind models.EventKind, window time.Duration) (uint64, error) {
	var count uint64
	err := c.conn.QueryRow(ctx,
		"SELECT count() FROM auth_events WHERE kind = ? AND occurred_at >= now() - ?",
		string(kind), int64(window.Seconds()),
	).Scan(&count)
	return count, err
}

func (c *ClickhouseClient) HealthCheck(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *ClickhouseClient) Close() error {
	return c.conn.Close()
}
