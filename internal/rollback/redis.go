package rollback

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "clausegate"

// RedisStore keeps deployments in hashes and call logs in sorted sets
// scored by call time.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: defaultRedisPrefix}
}

func (s *RedisStore) promptKey(name string) string { return s.prefix + ":prompt:" + name }

func (s *RedisStore) promptsKey() string { return s.prefix + ":prompts" }

func (s *RedisStore) activeKey() string { return s.prefix + ":experiments:active" }

func (s *RedisStore) callsKey(prompt, version string) string {
	return s.prefix + ":calls:" + prompt + ":" + version
}

// StartExperiment implements ExperimentStore.
func (s *RedisStore) StartExperiment(ctx context.Context, e Experiment) error {
	if e.Prompt == "" || e.ActiveVersion == "" || e.CandidateVersion == "" {
		return errors.New("prompt, active and candidate versions are required")
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.promptKey(e.Prompt), map[string]any{
			"active_version":    e.ActiveVersion,
			"candidate_version": e.CandidateVersion,
			"traffic_split":     strconv.FormatFloat(e.TrafficSplit, 'f', -1, 64),
			"active":            "1",
			"started_at":        e.StartedAt.UTC().Format(time.RFC3339Nano),
			"ended_at":          "",
			"end_reason":        "",
		})
		pipe.SAdd(ctx, s.promptsKey(), e.Prompt)
		pipe.SAdd(ctx, s.activeKey(), e.Prompt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("start experiment %s: %w", e.Prompt, err)
	}
	return nil
}

// ActiveExperiments implements Store.
func (s *RedisStore) ActiveExperiments(ctx context.Context) ([]Experiment, error) {
	return s.load(ctx, s.activeKey())
}

// Experiments implements ExperimentStore.
func (s *RedisStore) Experiments(ctx context.Context) ([]Experiment, error) {
	return s.load(ctx, s.promptsKey())
}

func (s *RedisStore) load(ctx context.Context, setKey string) ([]Experiment, error) {
	names, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	out := make([]Experiment, 0, len(names))
	for _, name := range names {
		fields, err := s.client.HGetAll(ctx, s.promptKey(name)).Result()
		if err != nil {
			return nil, fmt.Errorf("read prompt %s: %w", name, err)
		}
		if len(fields) == 0 {
			continue
		}
		out = append(out, decodeExperiment(name, fields))
	}
	sortExperiments(out)
	return out, nil
}

func decodeExperiment(name string, f map[string]string) Experiment {
	e := Experiment{
		Prompt:           name,
		ActiveVersion:    f["active_version"],
		CandidateVersion: f["candidate_version"],
		Active:           f["active"] == "1",
		EndReason:        f["end_reason"],
	}
	e.TrafficSplit, _ = strconv.ParseFloat(f["traffic_split"], 64)
	e.StartedAt, _ = time.Parse(time.RFC3339Nano, f["started_at"])
	if f["ended_at"] != "" {
		e.EndedAt, _ = time.Parse(time.RFC3339Nano, f["ended_at"])
	}
	return e
}

// RecordCall implements ExperimentStore.
func (s *RedisStore) RecordCall(ctx context.Context, c Call) error {
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}
	outcome := "0"
	if c.Success {
		outcome = "1"
	}
	member := uuid.NewString() + ":" + outcome
	if err := s.client.ZAdd(ctx, s.callsKey(c.Prompt, c.Version), redis.Z{
		Score:  float64(c.At.UnixMilli()),
		Member: member,
	}).Err(); err != nil {
		return fmt.Errorf("record call %s@%s: %w", c.Prompt, c.Version, err)
	}
	return nil
}

// FailureRate implements Store.
func (s *RedisStore) FailureRate(ctx context.Context, prompt, version string, since time.Time) (float64, int, error) {
	members, err := s.client.ZRangeByScore(ctx, s.callsKey(prompt, version), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("read calls %s@%s: %w", prompt, version, err)
	}
	if len(members) == 0 {
		return 0, 0, nil
	}
	failed := 0
	for _, m := range members {
		if strings.HasSuffix(m, ":0") {
			failed++
		}
	}
	return float64(failed) / float64(len(members)), len(members), nil
}

// Revert implements Store. The hash update and the active-set removal run
// in one MULTI/EXEC.
func (s *RedisStore) Revert(ctx context.Context, prompt, reason string) error {
	n, err := s.client.Exists(ctx, s.promptKey(prompt)).Result()
	if err != nil {
		return fmt.Errorf("check prompt %s: %w", prompt, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, prompt)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.promptKey(prompt), map[string]any{
			"traffic_split": "0",
			"active":        "0",
			"ended_at":      time.Now().UTC().Format(time.RFC3339Nano),
			"end_reason":    reason,
		})
		pipe.SRem(ctx, s.activeKey(), prompt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("revert %s: %w", prompt, err)
	}
	return nil
}
