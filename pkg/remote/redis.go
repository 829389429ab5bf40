package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	rdb "github.com/redis/go-redis/v9"

	"github.com/froyosync/froyosync/pkg/changes"
	"github.com/froyosync/froyosync/pkg/engine"
)

const (
	defaultRedisPrefix    = "froyosync:"
	defaultHealthInterval = 10 * time.Second
)

// RedisConfig describes a remote kept in Redis.
//
// Keys under Prefix:
//
//	objects            hash of "type/id" to stored object
//	devices            set of registered device IDs
//	changes:<device>   hash of "type/id" to "changed" or "deleted"
//	events             pub/sub channel carrying change notices
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr" validate:"required,hostname_port"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"-"`
	DB       int    `yaml:"db,omitempty" json:"db,omitempty" validate:"gte=0"`
	Prefix   string `yaml:"prefix,omitempty" json:"prefix,omitempty"`

	// HealthInterval is how often the connection is pinged while idle.
	HealthInterval time.Duration `yaml:"health_interval,omitempty" json:"health_interval,omitempty"`
}

// notice is published on the events channel for every Save and Remove.
type notice struct {
	Origin string `json:"origin"`
	Key    string `json:"key"`
	State  string `json:"state"`
}

// RedisConnector stores the remote replica in Redis. Other devices' changes
// arrive over pub/sub.
type RedisConnector struct {
	cfg    RedisConfig
	device string
	codec  codec
	sess   *session

	mu     sync.Mutex
	client *rdb.Client
	pubsub *rdb.PubSub
}

var _ engine.RemoteConnector = (*RedisConnector)(nil)

// NewRedisConnector creates a connector for the Redis server in cfg.
func NewRedisConnector(cfg RedisConfig, opts Options) (*RedisConnector, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultRedisPrefix
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}

	c := &RedisConnector{
		cfg:    cfg,
		device: opts.DeviceID,
		codec:  codec{enc: opts.Encryptor},
	}
	c.sess = newSession(KindRedis, cfg.Addr, (*redisBackend)(c), opts)
	return c, nil
}

// Connect implements engine.RemoteConnector.
func (c *RedisConnector) Connect(ctx context.Context, observer engine.RemoteObserver) error {
	return c.sess.start(ctx, observer)
}

// Reload implements engine.RemoteConnector.
func (c *RedisConnector) Reload(ctx context.Context) error {
	c.sess.requestReload()
	return nil
}

// Close implements engine.RemoteConnector.
func (c *RedisConnector) Close() error {
	c.sess.stop()
	return nil
}

// Load implements engine.Store.
func (c *RedisConnector) Load(ctx context.Context, key changes.ObjectKey) (json.RawMessage, error) {
	client, err := c.redisClient()
	if err != nil {
		return nil, err
	}

	data, err := client.HGet(ctx, c.objectsKey(), key.String()).Bytes()
	if err != nil {
		if errors.Is(err, rdb.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, connectionError(KindRedis, err)
	}
	return c.codec.open(key, data)
}

// Save implements engine.Store.
func (c *RedisConnector) Save(ctx context.Context, key changes.ObjectKey, payload json.RawMessage) error {
	sealed, err := c.codec.seal(key, payload)
	if err != nil {
		return err
	}
	return c.write(ctx, key, changes.Changed, func(pipe rdb.Pipeliner) {
		pipe.HSet(ctx, c.objectsKey(), key.String(), []byte(sealed))
	})
}

// Remove implements engine.Store.
func (c *RedisConnector) Remove(ctx context.Context, key changes.ObjectKey) error {
	return c.write(ctx, key, changes.Deleted, func(pipe rdb.Pipeliner) {
		pipe.HDel(ctx, c.objectsKey(), key.String())
	})
}

// MarkUnchanged implements engine.Store.
func (c *RedisConnector) MarkUnchanged(ctx context.Context, key changes.ObjectKey) error {
	client, err := c.redisClient()
	if err != nil {
		return err
	}
	if err := client.HDel(ctx, c.changesKey(c.device), key.String()).Err(); err != nil {
		return connectionError(KindRedis, err)
	}
	return nil
}

// write applies the object mutation, marks key with state for every other
// device, clears this device's entry and publishes a notice in one
// transaction.
func (c *RedisConnector) write(ctx context.Context, key changes.ObjectKey, state changes.ChangeState, mutate func(rdb.Pipeliner)) error {
	client, err := c.redisClient()
	if err != nil {
		return err
	}

	devices, err := client.SMembers(ctx, c.devicesKey()).Result()
	if err != nil {
		return connectionError(KindRedis, err)
	}

	msg, err := json.Marshal(notice{Origin: c.device, Key: key.String(), State: state.String()})
	if err != nil {
		return fmt.Errorf("failed to encode notice: %w", err)
	}

	pipe := client.TxPipeline()
	mutate(pipe)
	for _, d := range devices {
		if d == c.device {
			continue
		}
		pipe.HSet(ctx, c.changesKey(d), key.String(), state.String())
	}
	pipe.HDel(ctx, c.changesKey(c.device), key.String())
	pipe.Publish(ctx, c.eventsChannel(), msg)

	if _, err := pipe.Exec(ctx); err != nil {
		return connectionError(KindRedis, err)
	}
	return nil
}

func (c *RedisConnector) redisClient() (*rdb.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, connectionError(KindRedis, errNotConnected)
	}
	return c.client, nil
}

func (c *RedisConnector) objectsKey() string {
	return c.cfg.Prefix + "objects"
}

func (c *RedisConnector) devicesKey() string {
	return c.cfg.Prefix + "devices"
}

func (c *RedisConnector) changesKey(device string) string {
	return c.cfg.Prefix + "changes:" + device
}

func (c *RedisConnector) eventsChannel() string {
	return c.cfg.Prefix + "events"
}

// redisBackend is the session side of a RedisConnector.
type redisBackend RedisConnector

func (b *redisBackend) connector() *RedisConnector {
	return (*RedisConnector)(b)
}

func (b *redisBackend) dial(ctx context.Context) error {
	c := b.connector()

	client := rdb.NewClient(&rdb.Options{
		Addr:     c.cfg.Addr,
		Username: c.cfg.Username,
		Password: c.cfg.Password,
		DB:       c.cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return err
	}

	// Subscribe before the change log is read so no notice is missed.
	pubsub := client.Subscribe(ctx, c.eventsChannel())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		_ = client.Close()
		return err
	}

	if err := b.register(ctx, client); err != nil {
		_ = pubsub.Close()
		_ = client.Close()
		return err
	}

	c.mu.Lock()
	c.client = client
	c.pubsub = pubsub
	c.mu.Unlock()
	return nil
}

// register adds the device to the devices set. A new device starts with
// every stored object marked Changed.
func (b *redisBackend) register(ctx context.Context, client *rdb.Client) error {
	c := b.connector()

	added, err := client.SAdd(ctx, c.devicesKey(), c.device).Result()
	if err != nil {
		return fmt.Errorf("failed to register device: %w", err)
	}
	if added == 0 {
		return nil
	}

	keys, err := client.HKeys(ctx, c.objectsKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to list objects: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	values := make(map[string]interface{}, len(keys))
	for _, k := range keys {
		values[k] = changes.Changed.String()
	}
	if err := client.HSet(ctx, c.changesKey(c.device), values).Err(); err != nil {
		return fmt.Errorf("failed to seed change log: %w", err)
	}
	return nil
}

func (b *redisBackend) changeLog(ctx context.Context) (changes.ChangeLog, error) {
	c := b.connector()
	client, err := c.redisClient()
	if err != nil {
		return nil, err
	}

	entries, err := client.HGetAll(ctx, c.changesKey(c.device)).Result()
	if err != nil {
		return nil, err
	}

	log := make(changes.ChangeLog, len(entries))
	for field, value := range entries {
		key, err := changes.ParseKey(field)
		if err != nil {
			continue
		}
		state, err := changes.ParseState(value)
		if err != nil || state == changes.Unchanged {
			continue
		}
		log[key] = state
	}
	return log, nil
}

func (b *redisBackend) watch(ctx context.Context, emit func(changes.ObjectKey, changes.ChangeState)) error {
	c := b.connector()

	c.mu.Lock()
	client, pubsub := c.client, c.pubsub
	c.mu.Unlock()
	if client == nil || pubsub == nil {
		return errNotConnected
	}

	messages := pubsub.Channel()
	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if err := client.Ping(ctx).Err(); err != nil {
				return err
			}

		case msg, ok := <-messages:
			if !ok {
				return fmt.Errorf("subscription closed")
			}
			var n notice
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				continue
			}
			if n.Origin == c.device {
				continue
			}
			key, err := changes.ParseKey(n.Key)
			if err != nil {
				continue
			}
			state, err := changes.ParseState(n.State)
			if err != nil {
				continue
			}
			emit(key, state)
		}
	}
}

func (b *redisBackend) hangup() {
	c := b.connector()

	c.mu.Lock()
	client, pubsub := c.client, c.pubsub
	c.client, c.pubsub = nil, nil
	c.mu.Unlock()

	if pubsub != nil {
		_ = pubsub.Close()
	}
	if client != nil {
		_ = client.Close()
	}
}
