// Package redis provides the Redis cache for hivepool: ban lookups, miner
// flags and hashrate snapshots.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	banKeyPrefix      = "hive:ban:"
	flagsKeyPrefix    = "hive:flags:"
	hashrateKeyPrefix = "hive:hashrate:"
	poolHashrateKey   = "hive:hashrate:pool"

	// FlagRetention is how long a miner's flags survive without new ones.
	FlagRetention = 24 * time.Hour
)

// Client wraps Redis operations for the mining pool
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns client settings for url.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:          url,
		PoolSize:     20,
		MinIdleConns: 2,
		MaxRetries:   2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
}

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.MaxRetries = cfg.MaxRetries
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Bans

// CacheBan stores the ban state of ip for ttl. A zero ttl keeps it forever.
func (c *Client) CacheBan(ctx context.Context, ip string, banned bool, ttl time.Duration) error {
	value := "0"
	if banned {
		value = "1"
	}
	if err := c.rdb.Set(ctx, banKeyPrefix+ip, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache ban: %w", err)
	}
	return nil
}

// CachedBan returns the cached ban state of ip. found is false on a cache
// miss.
func (c *Client) CachedBan(ctx context.Context, ip string) (banned, found bool, err error) {
	value, err := c.rdb.Get(ctx, banKeyPrefix+ip).Result()
	if err != nil {
		if err == redis.Nil {
			return false, false, nil
		}
		return false, false, fmt.Errorf("failed to get ban: %w", err)
	}
	return value == "1", true, nil
}

// Miner flags

// FlagMiner counts one occurrence of reason for minerID and returns the new
// count.
func (c *Client) FlagMiner(ctx context.Context, minerID, reason string) (int64, error) {
	key := flagsKeyPrefix + minerID

	pipe := c.rdb.Pipeline()
	incrCmd := pipe.HIncrBy(ctx, key, reason, 1)
	pipe.Expire(ctx, key, FlagRetention)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to flag miner: %w", err)
	}

	return incrCmd.Val(), nil
}

// MinerFlags returns the flag counts of minerID by reason.
func (c *Client) MinerFlags(ctx context.Context, minerID string) (map[string]int64, error) {
	raw, err := c.rdb.HGetAll(ctx, flagsKeyPrefix+minerID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get miner flags: %w", err)
	}
	flags := make(map[string]int64, len(raw))
	for reason, val := range raw {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			flags[reason] = n
		}
	}
	return flags, nil
}

// Hashrate snapshots

// SetHashrate appends a hashrate sample for minerID, or for the pool when
// minerID is empty, and drops samples older than window.
func (c *Client) SetHashrate(ctx context.Context, minerID string, hashrate float64, at time.Time, window time.Duration) error {
	key := hashrateKey(minerID)
	timestamp := at.Unix()

	// Store as sorted set with timestamp as score
	member := redis.Z{
		Score:  float64(timestamp),
		Member: fmt.Sprintf("%d:%s", timestamp, strconv.FormatFloat(hashrate, 'f', -1, 64)),
	}

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, member)
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", timestamp-int64(window.Seconds())))
	pipe.Expire(ctx, key, window*2) // Keep data a bit longer than window

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set hashrate: %w", err)
	}

	return nil
}

// LatestHashrate returns the newest sample for minerID, zero when none is
// stored.
func (c *Client) LatestHashrate(ctx context.Context, minerID string) (float64, error) {
	values, err := c.rdb.ZRevRange(ctx, hashrateKey(minerID), 0, 0).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get hashrate: %w", err)
	}
	if len(values) == 0 {
		return 0, nil
	}
	return parseSample(values[0])
}

func hashrateKey(minerID string) string {
	if minerID == "" {
		return poolHashrateKey
	}
	return hashrateKeyPrefix + "miner:" + minerID
}

// parseSample reads a "timestamp:hashrate" member. The timestamp keeps equal
// hashrates at different times distinct in the set.
func parseSample(member string) (float64, error) {
	_, value, ok := strings.Cut(member, ":")
	if !ok {
		return 0, fmt.Errorf("malformed hashrate sample %q", member)
	}
	return strconv.ParseFloat(value, 64)
}
