package allocator

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dsql/auth"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lychee-technology/formsync"
	"go.uber.org/zap"
)

// ConnString builds the postgres URL for cfg using password, which may be an IAM token.
func ConnString(cfg formsync.AllocatorConfig, password string) string {
	sslMode := cfg.PGSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.PGUser, password),
		Host:     fmt.Sprintf("%s:%d", cfg.PGHost, cfg.PGPort),
		Path:     "/" + cfg.PGDatabase,
		RawQuery: "sslmode=" + url.QueryEscape(sslMode),
	}
	return u.String()
}

// NewPool opens and pings a pgx pool for the allocation database. With PGUseIAM set the
// password is replaced per connection by a DSQL auth token.
func NewPool(ctx context.Context, cfg formsync.AllocatorConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(ConnString(cfg, cfg.PGPassword))
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
	}

	if cfg.PGUseIAM {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		if cfg.Region != "" {
			awsCfg.Region = cfg.Region
		}
		endpoint := fmt.Sprintf("%s:%d", cfg.PGHost, cfg.PGPort)
		poolConfig.BeforeConnect = iamPassword(endpoint, awsCfg)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// iamPassword sets a freshly generated token as the password of each new connection.
func iamPassword(endpoint string, awsCfg aws.Config) func(context.Context, *pgx.ConnConfig) error {
	return func(ctx context.Context, cc *pgx.ConnConfig) error {
		token, err := auth.GenerateDbConnectAuthToken(ctx, endpoint, awsCfg.Region, awsCfg.Credentials)
		if err != nil {
			zap.S().Warnw("allocator: failed to generate IAM auth token", "endpoint", endpoint, "err", err)
			return fmt.Errorf("generate iam token: %w", err)
		}
		cc.Password = token
		return nil
	}
}
