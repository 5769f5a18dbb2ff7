package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"reportd/internal/report"
	logx "reportd/pkg/logx"
)

// ErrLeaseHeld is returned by Open when another process owns the registry.
var ErrLeaseHeld = errors.New("registry is owned by another scheduler")

var errLeaseLost = errors.New("registry lease lost")

const (
	defaultKeyPrefix = "reportd:"
	defaultLeaseTTL  = 30 * time.Second
)

// Writes check the lease token inside the same script, so a process that
// lost its lease cannot overwrite the new owner's data.
var (
	scriptPut = redis.NewScript(`
if redis.call("get", KEYS[1]) ~= ARGV[1] then
	return redis.error_reply("LEASE_LOST")
end
return redis.call("hset", KEYS[2], ARGV[2], ARGV[3])`)

	scriptDel = redis.NewScript(`
if redis.call("get", KEYS[1]) ~= ARGV[1] then
	return redis.error_reply("LEASE_LOST")
end
return redis.call("hdel", KEYS[2], ARGV[2])`)

	scriptExtend = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

	scriptRelease = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)
)

// redisStore keeps jobs in one hash (<prefix>jobs) and holds an owner lease
// (<prefix>owner) for as long as it is open.
type redisStore struct {
	client   *redis.Client
	log      logx.Logger
	jobsKey  string
	leaseKey string
	token    string
	ttl      time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	mu   sync.Mutex
	lost bool
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	url := strings.TrimSpace(cfg.RedisURL)
	if url == "" {
		return nil, errors.New("registry.redis_url is required for redis driver")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	st, err := newRedisStore(ctx, client, cfg.KeyPrefix, cfg.LeaseTTL, log)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return st, nil
}

func newRedisStore(ctx context.Context, client *redis.Client, prefix string, ttl time.Duration, log logx.Logger) (*redisStore, error) {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	s := &redisStore{
		client:   client,
		log:      log,
		jobsKey:  prefix + "jobs",
		leaseKey: prefix + "owner",
		token:    uuid.NewString(),
		ttl:      ttl,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	ok, err := client.SetNX(ctx, s.leaseKey, s.token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return nil, ErrLeaseHeld
	}
	go s.keepAlive()
	return s, nil
}

// keepAlive extends the lease every ttl/3 until Close.
func (s *redisStore) keepAlive() {
	defer close(s.done)
	t := time.NewTicker(s.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.ttl/3)
			n, err := scriptExtend.Run(ctx, s.client, []string{s.leaseKey}, s.token, s.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				s.log.Warn("registry lease refresh failed", logx.Err(err))
				continue
			}
			if n == 0 {
				s.mu.Lock()
				s.lost = true
				s.mu.Unlock()
				s.log.Error("registry lease lost; writes are refused")
				return
			}
		}
	}
}

func (s *redisStore) leaseLost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}

func (s *redisStore) mapErr(op string, err error) error {
	if err != nil && strings.Contains(err.Error(), "LEASE_LOST") {
		s.mu.Lock()
		s.lost = true
		s.mu.Unlock()
		err = errLeaseLost
	}
	return report.RegistryIO(op, err)
}

func (s *redisStore) Put(ctx context.Context, job report.Job) error {
	if err := validID(job.ID); err != nil {
		return err
	}
	if s.leaseLost() {
		return report.RegistryIO("registry put", errLeaseLost)
	}
	body, err := json.Marshal(job)
	if err != nil {
		return report.RegistryIO("registry put", err)
	}
	if err := scriptPut.Run(ctx, s.client, []string{s.leaseKey, s.jobsKey}, s.token, job.ID, string(body)).Err(); err != nil {
		return s.mapErr("registry put", err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, id string) (bool, error) {
	if s.leaseLost() {
		return false, report.RegistryIO("registry delete", errLeaseLost)
	}
	n, err := scriptDel.Run(ctx, s.client, []string{s.leaseKey, s.jobsKey}, s.token, id).Int64()
	if err != nil {
		return false, s.mapErr("registry delete", err)
	}
	return n > 0, nil
}

func (s *redisStore) Get(ctx context.Context, id string) (report.Job, error) {
	body, err := s.client.HGet(ctx, s.jobsKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return report.Job{}, ErrNotFound
	}
	if err != nil {
		return report.Job{}, report.RegistryIO("registry get", err)
	}
	return decodeJob(id, []byte(body))
}

func (s *redisStore) List(ctx context.Context) ([]report.Job, error) {
	all, err := s.client.HGetAll(ctx, s.jobsKey).Result()
	if err != nil {
		return nil, report.RegistryIO("registry list", err)
	}
	out := make([]report.Job, 0, len(all))
	for id, body := range all {
		j, err := decodeJob(id, []byte(body))
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	sortJobs(out)
	return out, nil
}

// Close releases the lease (if still ours) and closes the client.
func (s *redisStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := scriptRelease.Run(ctx, s.client, []string{s.leaseKey}, s.token).Err(); err != nil {
		s.log.Warn("registry lease release failed", logx.Err(err))
	}
	return s.client.Close()
}
