package factory

import (
	"fmt"

	"auth-gateway/internal/audit"
	"auth-gateway/internal/bucketing"
	"auth-gateway/internal/client"
	"auth-gateway/internal/config"
	"auth-gateway/internal/delivery"
	"auth-gateway/internal/encryption"
	"auth-gateway/internal/handler"
	"auth-gateway/internal/hashing"
	"auth-gateway/internal/redirect"
	redisrepo "auth-gateway/internal/repository/redis"
	"auth-gateway/internal/repository/scylla"
	"auth-gateway/internal/service"
	"auth-gateway/internal/session"
	"auth-gateway/internal/util"
)

// Factory builds and owns every infrastructure client. In production a
// failed client aborts startup; in development the gateway comes up
// degraded with the failed dependency disabled.
type Factory struct {
	Config *config.Config

	Redis      *client.RedisClient
	Scylla     *scylla.ScyllaClient
	Kafka      *client.KafkaClient
	Clickhouse *client.ClickhouseClient
	ES         *client.ESClient

	Audit    *audit.Emitter
	Services *service.ServiceFactory
	Cookies  *session.CookieAdapter
	Resolver *redirect.Resolver

	AuthHandler   *handler.AuthHandler
	HealthHandler *handler.HealthHandler
}

func New(cfg *config.Config) (*Factory, error) {
	f := &Factory{Config: cfg}

	var err error
	if f.Redis, err = client.NewRedisClient(cfg); err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	if f.Scylla, err = scylla.NewScyllaClient(cfg); err != nil {
		return nil, fmt.Errorf("scylla: %w", err)
	}

	// The audit sinks are optional in development: a missing broker or
	// warehouse downgrades the event fan-out, not the auth path.
	if f.Kafka, err = client.NewKafkaClient(cfg); err != nil {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("kafka: %w", err)
		}
		util.Warn("kafka unavailable, audit stream disabled", util.ErrorField(err))
	}
	if f.Clickhouse, err = client.NewClickhouseClient(cfg); err != nil {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("clickhouse: %w", err)
		}
		util.Warn("clickhouse unavailable, audit warehouse disabled", util.ErrorField(err))
	}
	if f.ES, err = client.NewESClient(cfg); err != nil {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("elasticsearch: %w", err)
		}
		util.Warn("elasticsearch unavailable, audit search disabled", util.ErrorField(err))
	}

	bm := bucketing.NewBucketingManager(cfg)
	hasher := hashing.NewHasher(cfg)
	encryptor, err := encryption.NewEncryptionManager(cfg)
	if err != nil {
		return nil, fmt.Errorf("encryption: %w", err)
	}

	var stream audit.StreamSink
	if f.Kafka != nil {
		stream = f.Kafka
	}
	var warehouse audit.WarehouseSink
	if f.Clickhouse != nil {
		warehouse = f.Clickhouse
	}
	var search audit.SearchSink
	if f.ES != nil {
		search = f.ES
	}
	f.Audit = audit.NewEmitter(stream, warehouse, search, bm)

	f.Cookies = session.NewCookieAdapter(cfg)
	f.Resolver = redirect.NewResolver(cfg)

	f.Services = service.NewServiceFactory(cfg, service.ServiceDeps{
		CodeCache:  redisrepo.NewCodeCache(f.Redis, cfg),
		CodeLedger: scylla.NewCodeRepository(f.Scylla),
		Flags:      scylla.NewProfileRepository(f.Scylla),
		Hasher:     hasher,
		Encryptor:  encryptor,
		Bucketing:  bm,
		Email:      delivery.NewEmailSender(cfg),
		SMS:        delivery.NewSMSSender(cfg),
		Provider:   client.NewProviderClient(cfg),
		Bridge:     client.NewBridgeClient(cfg),
		Audit:      f.Audit,
		Resolver:   f.Resolver,
	})

	f.AuthHandler = handler.NewAuthHandler(f.Services, f.Cookies, f.Resolver, f.Audit, cfg)

	checks := map[string]handler.HealthChecker{
		"redis":  f.Redis,
		"scylla": f.Scylla,
	}
	if f.Kafka != nil {
		checks["kafka"] = f.Kafka
	}
	if f.Clickhouse != nil {
		checks["clickhouse"] = f.Clickhouse
	}
	if f.ES != nil {
		checks["elasticsearch"] = f.ES
	}
	f.HealthHandler = handler.NewHealthHandler(checks)

	return f, nil
}

// Close shuts the clients down in reverse dependency order.
func (f *Factory) Close() {
	if f.Audit != nil {
		f.Audit.Close()
	}
	if f.Kafka != nil {
		if err := f.Kafka.Close(); err != nil {
			util.Warn("kafka close failed", util.ErrorField(err))
		}
	}
	if f.Clickhouse != nil {
		if err := f.Clickhouse.Close(); err != nil {
			util.Warn("clickhouse close failed", util.ErrorField(err))
		}
	}
	if f.Scylla != nil {
		f.Scylla.Close()
	}
	if f.Redis != nil {
		if err := f.Redis.Close(); err != nil {
			util.Warn("redis close failed", util.ErrorField(err))
		}
	}
}
