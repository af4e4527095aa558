// Package export persists the end-of-run metrics snapshot and summary to
// Redis so that other tools can read finished runs.
package export

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/logflow/logstream/pkg/pipeline"
)

// RedisConfig configures the Redis exporter.
type RedisConfig struct {
	// Address is the Redis server address (e.g., "localhost:6379")
	Address string

	// Password for Redis authentication (optional)
	Password string

	// Database number to use (default: 0)
	Database int

	// Prefix is prepended to run keys
	Prefix string

	// TTL is the time-to-live for run keys (0 = no expiration)
	TTL time.Duration

	// Timeout for Redis operations
	Timeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig(address string) RedisConfig {
	return RedisConfig{
		Address: address,
		Prefix:  "logstream:runs:",
		TTL:     7 * 24 * time.Hour,
		Timeout: 5 * time.Second,
	}
}

// Store is the subset of Redis used by the exporter.
type Store interface {
	// WriteRun replaces the hash at key, sets its TTL and adds the run to
	// the index sorted set, atomically.
	WriteRun(ctx context.Context, key string, fields map[string]string, ttl time.Duration, index, member string, score float64) error
	Close() error
}

// Exporter writes run snapshots.
type Exporter struct {
	cfg    RedisConfig
	store  Store
	logger *zap.Logger
}

// NewRedisExporter connects to Redis and checks the connection.
func NewRedisExporter(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*Exporter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	pctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewExporter(cfg, &redisStore{client: client}, logger), nil
}

// NewExporter creates an exporter over store.
func NewExporter(cfg RedisConfig, store Store, logger *zap.Logger) *Exporter {
	if cfg.Prefix == "" {
		cfg.Prefix = "logstream:runs:"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{cfg: cfg, store: store, logger: logger}
}

// Key returns the hash key for a run.
func (x *Exporter) Key(runID string) string {
	return x.cfg.Prefix + runID
}

// IndexKey returns the sorted set of exported run ids, scored by finish time.
func (x *Exporter) IndexKey() string {
	return x.cfg.Prefix + "index"
}

// Export writes sum to Redis.
func (x *Exporter) Export(ctx context.Context, sum *pipeline.Summary) error {
	fields, err := Fields(sum)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, x.cfg.Timeout)
	defer cancel()

	key := x.Key(sum.RunID)
	score := float64(sum.Finished.UnixMilli())
	if err := x.store.WriteRun(ctx, key, fields, x.cfg.TTL, x.IndexKey(), sum.RunID, score); err != nil {
		return fmt.Errorf("failed to export run %s: %w", sum.RunID, err)
	}
	x.logger.Info("exported run snapshot",
		zap.String("key", key),
		zap.Int("fields", len(fields)),
		zap.Duration("ttl", x.cfg.TTL))
	return nil
}

// Close closes the underlying connection.
func (x *Exporter) Close(context.Context) error {
	return x.store.Close()
}

// Fields flattens a summary into hash fields. Metric values are stored
// under "metric:<key>" as JSON so that nested values (buckets, percentiles)
// survive.
func Fields(sum *pipeline.Summary) (map[string]string, error) {
	f := map[string]string{
		"run_id":       sum.RunID,
		"mode":         string(sum.Mode),
		"read":         strconv.FormatInt(sum.Read, 10),
		"accepted":     strconv.FormatInt(sum.Accepted, 10),
		"dropped":      strconv.FormatInt(sum.Dropped, 10),
		"errored":      strconv.FormatInt(sum.Errored, 10),
		"batches":      strconv.FormatInt(sum.Batches, 10),
		"aborted":      strconv.FormatBool(sum.Aborted),
		"canceled":     strconv.FormatBool(sum.Canceled),
		"spans_closed": strconv.FormatInt(sum.Spans.Closed, 10),
		"spans_late":   strconv.FormatInt(sum.Spans.Late, 10),
		"started":      sum.Started.UTC().Format(time.RFC3339Nano),
		"finished":     sum.Finished.UTC().Format(time.RFC3339Nano),
		"duration_ms":  strconv.FormatInt(sum.Duration().Milliseconds(), 10),
	}
	if len(sum.Conflicts) > 0 {
		f["metric_conflicts"] = strconv.Itoa(len(sum.Conflicts))
	}
	if sum.AbortErr != nil {
		f["abort_error"] = sum.AbortErr.Error()
		f["abort_position"] = sum.AbortPosition
	}

	kinds := make([]string, 0, len(sum.Errors.ByKind))
	for k := range sum.Errors.ByKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		f["errors:"+k] = strconv.FormatInt(sum.Errors.ByKind[k], 10)
	}

	for k, v := range sum.Metrics.Values() {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metric %s: %w", k, err)
		}
		f["metric:"+k] = string(b)
	}
	return f, nil
}

type redisStore struct {
	client *redis.Client
}

func (s *redisStore) WriteRun(ctx context.Context, key string, fields map[string]string, ttl time.Duration, index, member string, score float64) error {
	values := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		values = append(values, k, v)
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, values...)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		pipe.ZAdd(ctx, index, redis.Z{Score: score, Member: member})
		return nil
	})
	return err
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
