package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"

	"github.com/example/treedoc/internal/storage"
)

const probeTimeout = 5 * time.Second

// Resources owns the server's external connections. Redis and Object are nil
// unless their endpoints are configured; Postgres is nil for the SQLite and
// memory drivers.
type Resources struct {
	WAL      storage.Store
	Postgres *pgxpool.Pool
	Redis    *redis.Client
	Object   *minio.Client

	bucket string
}

// NewResources opens the WAL backend and the optional peers, then probes them.
func NewResources(ctx context.Context, cfg Config) (*Resources, error) {
	res := &Resources{bucket: cfg.ObjectBucket}

	if err := res.openWAL(ctx, cfg); err != nil {
		return nil, err
	}
	if cfg.RedisAddr != "" {
		res.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}
	if cfg.ObjectEndpoint != "" {
		client, err := minio.New(cfg.ObjectEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.ObjectAccessKey, cfg.ObjectSecretKey, ""),
			Secure: cfg.ObjectUseSSL,
			Region: cfg.ObjectRegion,
		})
		if err != nil {
			res.Close()
			return nil, fmt.Errorf("create object client: %w", err)
		}
		res.Object = client
	}

	if err := res.HealthCheck(ctx); err != nil {
		res.Close()
		return nil, err
	}
	return res, nil
}

func (r *Resources) openWAL(ctx context.Context, cfg Config) error {
	switch cfg.StorageDriver {
	case DriverPostgres:
		poolCfg, err := pgxpool.ParseConfig(cfg.PostgresURL)
		if err != nil {
			return fmt.Errorf("parse postgres url: %w", err)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("create postgres pool: %w", err)
		}
		r.Postgres = pool
		r.WAL = storage.NewPostgresWAL(pool)
	case DriverSQLite, DriverMemory:
		path := cfg.SQLitePath
		if cfg.StorageDriver == DriverMemory {
			path = ":memory:"
		}
		wal, err := storage.OpenSQLite(ctx, path)
		if err != nil {
			return err
		}
		r.WAL = wal
	default:
		return fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
	return nil
}

// Dependencies names the configured external systems, for startup logs.
func (r *Resources) Dependencies() []string {
	deps := []string{"wal"}
	if r.Postgres != nil {
		deps = append(deps, "postgres")
	}
	if r.Redis != nil {
		deps = append(deps, "redis")
	}
	if r.Object != nil {
		deps = append(deps, "object")
	}
	return deps
}

// HealthCheck probes every configured dependency and reports all failures.
func (r *Resources) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var errs []error
	if r.Postgres != nil {
		if err := r.Postgres.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}
	if r.Redis != nil {
		if err := r.Redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if r.Object != nil {
		// No ping in the S3 API; a bucket lookup is the cheapest round trip.
		if _, err := r.Object.BucketExists(ctx, r.bucket); err != nil {
			errs = append(errs, fmt.Errorf("object storage: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("healthcheck failed: %w", err)
	}
	return nil
}

// EnsureBucket creates the snapshot bucket when object storage is configured
// and the bucket does not exist yet.
func (r *Resources) EnsureBucket(ctx context.Context, region string) error {
	if r.Object == nil {
		return nil
	}
	exists, err := r.Object.BucketExists(ctx, r.bucket)
	if err != nil {
		return fmt.Errorf("lookup bucket %s: %w", r.bucket, err)
	}
	if exists {
		return nil
	}
	if err := r.Object.MakeBucket(ctx, r.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", r.bucket, err)
	}
	return nil
}

// Close releases every open connection.
func (r *Resources) Close() {
	if r.WAL != nil {
		_ = r.WAL.Close()
	}
	if r.Postgres != nil {
		r.Postgres.Close()
	}
	if r.Redis != nil {
		_ = r.Redis.Close()
	}
}
