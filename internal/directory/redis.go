// ABOUTME: Redis-backed Directory implementation with TTL-bounded records.
// ABOUTME: Four records per connection: id→instance, id→credential, cred→instance, cred→id-set.

package directory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Directory on top of a shared Redis deployment. Records are
// last-writer-wins and expire after the configured TTL; the staleness window
// that implies is accepted rather than coordinated away.
type Redis struct {
	client   *redis.Client
	instance string
	ttl      time.Duration
	logger   *slog.Logger
}

// RedisOptions configures a Redis directory.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Instance string
	TTL      time.Duration
	Logger   *slog.Logger
}

// NewRedis creates a Redis-backed Directory. The connection is verified
// lazily; a down Redis degrades to logged failures, not startup failure.
func NewRedis(opts RedisOptions) *Redis {
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		instance: opts.Instance,
		ttl:      opts.TTL,
		logger:   opts.Logger,
	}
}

func agentInstanceKey(id string) string     { return fmt.Sprintf("agent:%s:instance", id) }
func agentCredentialKey(id string) string   { return fmt.Sprintf("agent:%s:credential", id) }
func credentialInstanceKey(c string) string { return fmt.Sprintf("cred:%s:instance", c) }
func credentialAgentsKey(c string) string   { return fmt.Sprintf("cred:%s:agents", c) }

// Register publishes the four ownership records for an admitted connection.
func (r *Redis) Register(ctx context.Context, id, credential string) error {
	pipe := r.client.Pipeline()
	pipe.Set(ctx, agentInstanceKey(id), r.instance, r.ttl)
	pipe.Set(ctx, agentCredentialKey(id), credential, r.ttl)
	pipe.Set(ctx, credentialInstanceKey(credential), r.instance, r.ttl)
	pipe.SAdd(ctx, credentialAgentsKey(credential), id)
	pipe.Expire(ctx, credentialAgentsKey(credential), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registering %s in directory: %w", id, err)
	}
	return nil
}

// Refresh extends every record's TTL. Invoked on lastSeen updates.
func (r *Redis) Refresh(ctx context.Context, id, credential string) error {
	pipe := r.client.Pipeline()
	pipe.Expire(ctx, agentInstanceKey(id), r.ttl)
	pipe.Expire(ctx, agentCredentialKey(id), r.ttl)
	pipe.Expire(ctx, credentialInstanceKey(credential), r.ttl)
	pipe.Expire(ctx, credentialAgentsKey(credential), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("refreshing %s in directory: %w", id, err)
	}
	return nil
}

// Remove deletes the connection's records, dropping the credential-level
// records only once its id set has emptied.
func (r *Redis) Remove(ctx context.Context, id, credential string) error {
	pipe := r.client.Pipeline()
	pipe.Del(ctx, agentInstanceKey(id))
	pipe.Del(ctx, agentCredentialKey(id))
	pipe.SRem(ctx, credentialAgentsKey(credential), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("removing %s from directory: %w", id, err)
	}

	remaining, err := r.client.SCard(ctx, credentialAgentsKey(credential)).Result()
	if err != nil {
		return fmt.Errorf("counting credential members: %w", err)
	}
	if remaining == 0 {
		pipe = r.client.Pipeline()
		pipe.Del(ctx, credentialInstanceKey(credential))
		pipe.Del(ctx, credentialAgentsKey(credential))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("removing credential records: %w", err)
		}
	}
	return nil
}

// Owner looks up which instance holds the agent id.
func (r *Redis) Owner(ctx context.Context, id string) (string, error) {
	instance, err := r.client.Get(ctx, agentInstanceKey(id)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("looking up owner of %s: %w", id, err)
	}
	return instance, nil
}

// OwnerOfCredential looks up which instance last accepted the credential.
func (r *Redis) OwnerOfCredential(ctx context.Context, credential string) (string, error) {
	instance, err := r.client.Get(ctx, credentialInstanceKey(credential)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("looking up credential owner: %w", err)
	}
	return instance, nil
}

// Members returns the deployment-wide id set recorded for a credential.
func (r *Redis) Members(ctx context.Context, credential string) ([]string, error) {
	ids, err := r.client.SMembers(ctx, credentialAgentsKey(credential)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing credential members: %w", err)
	}
	return ids, nil
}

// InstanceID identifies this process in the directory.
func (r *Redis) InstanceID() string { return r.instance }

// Close releases the Redis client.
func (r *Redis) Close() error { return r.client.Close() }
