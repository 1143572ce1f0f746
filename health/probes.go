package health

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
)

// redisPinger is the slice of the go-redis client the probe needs.
// *redis.Client and *redis.ClusterClient both satisfy it.
type redisPinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisProbe checks a Redis backend with PING.
type RedisProbe struct {
	name   string
	client redisPinger
}

// NewRedisProbe creates a probe named "redis" over the given client.
func NewRedisProbe(client *redis.Client) *RedisProbe {
	return &RedisProbe{name: "redis", client: client}
}

func (p *RedisProbe) Name() string { return p.name }

func (p *RedisProbe) Check(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// PostgresProbe checks a Postgres pool with a ping.
type PostgresProbe struct {
	name string
	pool *pgxpool.Pool
}

// NewPostgresProbe creates a probe named "postgres" over the pool.
func NewPostgresProbe(pool *pgxpool.Pool) *PostgresProbe {
	return &PostgresProbe{name: "postgres", pool: pool}
}

func (p *PostgresProbe) Name() string { return p.name }

func (p *PostgresProbe) Check(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}

// HTTPProbe checks a dependency over HTTP GET. A 5xx answer is
// unhealthy; a 4xx answer means the dependency is reachable but
// misconfigured for us, reported as degraded.
type HTTPProbe struct {
	name   string
	url    string
	client *http.Client
}

// NewHTTPProbe creates a probe for the given URL. Pass nil to use
// http.DefaultClient; the probe relies on the per-cycle timeout for
// cancellation either way.
func NewHTTPProbe(name, url string, client *http.Client) *HTTPProbe {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProbe{name: name, url: url, client: client}
}

func (p *HTTPProbe) Name() string { return p.name }

func (p *HTTPProbe) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("building probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("probe target returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return Degraded(fmt.Errorf("probe target returned %d", resp.StatusCode))
	default:
		return nil
	}
}
