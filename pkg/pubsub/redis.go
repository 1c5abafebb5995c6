// Package pubsub implements the optional external collaborators of spec.md
// §6: a Redis-backed publisher for the `{prefix}:server:{uuid}:{kind}`
// channel envelope, and a Redis sorted-set implementation of
// pkg/stats.ExternalBackend. Not a teacher dependency; github.com/redis/
// go-redis/v9 is the closest ecosystem-standard Go Redis client and is named,
// not pack-grounded (see SPEC_FULL.md §3 and DESIGN.md).
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuemby/warden/pkg/types"
)

// Publisher publishes server events to Redis channels named
// "{prefix}:server:{uuid}:{kind}" with the JSON envelope {type, data}
// spec.md §6 specifies.
type Publisher struct {
	client *redis.Client
	prefix string
}

// NewPublisher dials url (a redis:// URL) and returns a Publisher using
// prefix for channel names.
func NewPublisher(url, prefix string) (*Publisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Publisher{client: redis.NewClient(opts), prefix: prefix}, nil
}

// envelope mirrors spec.md §6: {"type": "<snake_case>", "data": {...}}.
type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func kindChannelSuffix(k types.EventKind) string {
	switch k {
	case types.EventStateChange:
		return "state"
	case types.EventStats:
		return "stats"
	case types.EventConsoleOutput:
		return "console"
	case types.EventInstallStarted, types.EventInstallOutput, types.EventInstallCompleted:
		return "install"
	case types.EventBackupStarted, types.EventBackupCompleted:
		return "backup"
	case types.EventScheduleExecuting:
		return "schedule"
	default:
		return "event"
	}
}

// Publish sends ev on the channel for serverUUID and ev.Kind.
func (p *Publisher) Publish(ctx context.Context, serverUUID string, ev *types.Event) error {
	channel := fmt.Sprintf("%s:server:%s:%s", p.prefix, serverUUID, kindChannelSuffix(ev.Kind))
	env := envelope{Type: string(ev.Kind), Data: ev}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}
	return p.client.Publish(ctx, channel, body).Err()
}

// Close releases the underlying connection.
func (p *Publisher) Close() error { return p.client.Close() }

// StatsBackend implements pkg/stats.ExternalBackend over a Redis sorted set
// keyed "stats:{uuid}" with score = timestamp, TTL refreshed on every push,
// per spec.md §4.14.
type StatsBackend struct {
	client *redis.Client
}

// NewStatsBackend dials url and returns a StatsBackend.
func NewStatsBackend(url string) (*StatsBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &StatsBackend{client: redis.NewClient(opts)}, nil
}

func statsKey(uuid string) string { return "stats:" + uuid }

// Push adds entry to the sorted set and refreshes the key's TTL to window.
func (s *StatsBackend) Push(uuid string, entry types.StatsEntry, window time.Duration) error {
	ctx := context.Background()
	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := statsKey(uuid)
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(entry.TimestampMS), Member: body})
	cutoff := float64(entry.TimestampMS) - float64(window.Milliseconds())
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatFloat(cutoff, 'f', 0, 64))
	pipe.Expire(ctx, key, window)
	_, err = pipe.Exec(ctx)
	return err
}

// History returns entries within window of now, oldest first.
func (s *StatsBackend) History(uuid string, window time.Duration) ([]types.StatsEntry, error) {
	ctx := context.Background()
	cutoff := time.Now().Add(-window).UnixMilli()
	members, err := s.client.ZRangeByScore(ctx, statsKey(uuid), &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	return decodeEntries(members)
}

// Latest returns the entry with the highest score.
func (s *StatsBackend) Latest(uuid string) (types.StatsEntry, bool, error) {
	ctx := context.Background()
	members, err := s.client.ZRevRangeByScore(ctx, statsKey(uuid), &redis.ZRangeBy{
		Min: "-inf", Max: "+inf", Count: 1,
	}).Result()
	if err != nil {
		return types.StatsEntry{}, false, err
	}
	if len(members) == 0 {
		return types.StatsEntry{}, false, nil
	}
	entries, err := decodeEntries(members)
	if err != nil || len(entries) == 0 {
		return types.StatsEntry{}, false, err
	}
	return entries[0], true, nil
}

// Clear removes the sorted set for uuid.
func (s *StatsBackend) Clear(uuid string) error {
	return s.client.Del(context.Background(), statsKey(uuid)).Err()
}

func decodeEntries(members []string) ([]types.StatsEntry, error) {
	out := make([]types.StatsEntry, 0, len(members))
	for _, m := range members {
		var e types.StatsEntry
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Close releases the underlying connection.
func (s *StatsBackend) Close() error { return s.client.Close() }
