package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"auth-gateway/internal/config"
	"auth-gateway/internal/util"
)

// ScyllaClient owns the session for the durable verification ledger and the
// account security flags table. The driver prepares and caches statements
// per host on first use.
type ScyllaClient struct {
	session *gocql.Session
	config  *config.Config
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	cluster := gocql.NewCluster(cfg.Scylla.Nodes...)
	cluster.Keyspace = cfg.Scylla.Keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
	}
	if cfg.Scylla.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Scylla.Username,
			Password: cfg.Scylla.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("scylla connection failed: %w", err)
	}

	client := &ScyllaClient{session: session, config: cfg}
	if err := client.ensureSchema(); err != nil {
		session.Close()
		return nil, fmt.Errorf("scylla schema: %w", err)
	}

	util.Info("Scylla client connected",
		util.Any("nodes", cfg.Scylla.Nodes),
		util.String("keyspace", cfg.Scylla.Keyspace))
	return client, nil
}

func (s *ScyllaClient) ensureSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS verification_codes (
			contact_bucket int,
			contact_hash text,
			code_id text,
			contact_encrypted text,
			contact_key_id text,
			purpose text,
			code_hash text,
			code_salt text,
			hash_algorithm text,
			pepper_version int,
			consumed boolean,
			consumed_at timestamp,
			delivery_provider text,
			issued_at timestamp,
			expires_at timestamp,
			PRIMARY KEY ((contact_bucket, contact_hash), code_id)
		)`,
		`CREATE TABLE IF NOT EXISTS account_security_flags (
			user_id text PRIMARY KEY,
			twofa_enabled boolean,
			twofa_skipped boolean,
			profile_completed boolean,
			updated_at timestamp
		)`,
	}
	for _, stmt := range statements {
		if err := s.session.Query(stmt).Exec(); err != nil {
			return err
		}
	}
	return nil
}

// Query builds a context-bound query from CQL text and binds.
func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.session.Query(stmt, values...).WithContext(ctx)
}

// ExecuteWithRetry runs a statement with a short manual backoff on top of
// the driver's own retry policy, for transient timeouts under load.
func (s *ScyllaClient) ExecuteWithRetry(ctx context.Context, stmt string, values ...interface{}) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = s.Query(ctx, stmt, values...).Exec(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}
	return fmt.Errorf("scylla execute failed after retries: %w", err)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	return s.Query(ctx, "SELECT now() FROM system.local").Exec()
}

func (s *ScyllaClient) Close() {
	s.session.Close()
}
