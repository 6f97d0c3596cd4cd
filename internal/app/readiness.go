package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fairyhunter13/doc-indexer/internal/adapter/httpserver"
	"github.com/fairyhunter13/doc-indexer/internal/config"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// RedisPingResult is the minimal return type of a Redis client's Ping.
type RedisPingResult interface{ Err() error }

// RedisClient is the minimal interface for a Redis client needed for readiness.
type RedisClient interface{ Ping(ctx context.Context) RedisPingResult }

// BuildProbes returns the readiness checks for the API process: job
// store, queue driver, vector store and embedding endpoint.
func BuildProbes(cfg config.Config, pool Pinger, rdb RedisClient) []httpserver.Probe {
	return []httpserver.Probe{
		{Name: "job_store", Check: func(ctx context.Context) error {
			if pool == nil {
				return fmt.Errorf("db not configured")
			}
			return pool.Ping(ctx)
		}},
		{Name: "queue", Check: func(ctx context.Context) error {
			if rdb == nil {
				return fmt.Errorf("redis not configured")
			}
			return rdb.Ping(ctx).Err()
		}},
		{Name: "vector_store", Check: func(ctx context.Context) error {
			return httpProbe(ctx, cfg.QdrantURL+"/collections", map[string]string{"api-key": cfg.QdrantAPIKey})
		}},
		{Name: "embeddings", Check: func(ctx context.Context) error {
			if cfg.EmbeddingsURL == "" {
				return fmt.Errorf("embeddings url not configured")
			}
			return httpProbe(ctx, cfg.EmbeddingsURL+"/models", map[string]string{"Authorization": "Bearer " + cfg.EmbeddingsAPIKey})
		}},
	}
}

func httpProbe(ctx context.Context, url string, headers map[string]string) error {
	client := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	for k, v := range headers {
		if v != "" && v != "Bearer " {
			req.Header.Set(k, v)
		}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("status %d from %s", resp.StatusCode, url)
}
