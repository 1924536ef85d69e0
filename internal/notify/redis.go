// Package notify pushes pending transaction status to providers over Redis.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/state"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisClient is the subset of *redis.Client the notifier uses.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

type Config struct {
	Addr         string        `yaml:"addr"` // Empty disables status push
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	StatusTTL    time.Duration `yaml:"status_ttl"`
	StreamMaxLen int64         `yaml:"stream_max_len"`
}

func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		StatusTTL:    24 * time.Hour,
		StreamMaxLen: 10_000,
	}
}

// StatusMessage is the JSON pushed for each transition.
type StatusMessage struct {
	PendingID          string    `json:"pending_id"`
	Provider           string    `json:"provider"`
	Token              string    `json:"token"`
	TxType             string    `json:"tx_type"`
	Amount             int64     `json:"amount"`
	Status             string    `json:"status"`
	ChainTxID          string    `json:"chain_tx_id,omitempty"`
	RetryCount         int       `json:"retry_count"`
	Error              string    `json:"error,omitempty"`
	ManualIntervention bool      `json:"manual_intervention,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func newStatusMessage(tx *state.PendingPoolTransaction) StatusMessage {
	return StatusMessage{
		PendingID:          tx.ID.String(),
		Provider:           tx.Provider,
		Token:              tx.Token,
		TxType:             string(tx.TxType),
		Amount:             tx.Amount,
		Status:             string(tx.Status),
		ChainTxID:          tx.ChainTxID,
		RetryCount:         tx.RetryCount,
		Error:              tx.Error,
		ManualIntervention: tx.ManualIntervention,
		UpdatedAt:          tx.UpdatedAt,
	}
}

// ProviderChannel is the Pub/Sub channel a provider's wallet UI listens on.
func ProviderChannel(provider string) string {
	return fmt.Sprintf("pool:provider:%s:transactions", provider)
}

// ProviderStream keeps a capped history for clients that reconnect.
func ProviderStream(provider string) string {
	return fmt.Sprintf("pool:provider:%s:transactions:stream", provider)
}

// StatusKey holds the latest status of one pending transaction.
func StatusKey(tx *state.PendingPoolTransaction) string {
	return "pool:tx:" + tx.ID.String()
}

// RedisNotifier publishes every pending transaction transition to the
// provider's channel and stream and caches the latest status.
type RedisNotifier struct {
	client RedisClient
	cfg    Config
	logger zerolog.Logger
}

var _ core.StatusNotifier = (*RedisNotifier)(nil)

func NewRedisNotifier(client RedisClient, cfg Config, logger zerolog.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, cfg: cfg, logger: logger}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

func (n *RedisNotifier) NotifyTransaction(ctx context.Context, tx *state.PendingPoolTransaction) error {
	data, err := json.Marshal(newStatusMessage(tx))
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	if err := n.client.Set(ctx, StatusKey(tx), data, n.cfg.StatusTTL).Err(); err != nil {
		return fmt.Errorf("cache status %s: %w", tx.ID, err)
	}

	args := &redis.XAddArgs{
		Stream: ProviderStream(tx.Provider),
		Values: map[string]interface{}{"status": data},
	}
	if n.cfg.StreamMaxLen > 0 {
		args.MaxLen = n.cfg.StreamMaxLen
		args.Approx = true
	}
	if err := n.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("append status stream %s: %w", tx.Provider, err)
	}

	receivers, err := n.client.Publish(ctx, ProviderChannel(tx.Provider), data).Result()
	if err != nil {
		return fmt.Errorf("publish status %s: %w", tx.ID, err)
	}
	n.logger.Debug().
		Str("pending_id", tx.ID.String()).
		Str("status", string(tx.Status)).
		Int64("receivers", receivers).
		Msg("status pushed")
	return nil
}

// Health pings Redis. Used as a readiness check.
func (n *RedisNotifier) Health(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}
