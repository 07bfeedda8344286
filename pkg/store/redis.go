package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyIMEISet        = "devices:imei:set"
	keyStatusHash     = "devices:status"
	commandListPrefix = "devices:commands:"
)

// Cache wraps the Redis fast-path layer: the IMEI allow-list set, the
// live status hash and the per-IMEI command lists.
type Cache struct {
	rdb *redis.Client
}

// OpenCache connects to the Redis instance backing the presence/command cache.
func OpenCache(addr, password string, db int) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: ping redis: %w", err)
	}
	return &Cache{rdb: rdb}, nil
}

// Close closes the Redis client.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// IsAuthorised is an O(1) set membership check on the allow-list.
func (c *Cache) IsAuthorised(ctx context.Context, imei string) (bool, error) {
	return c.rdb.SIsMember(ctx, keyIMEISet, imei).Result()
}

// ReplaceAllowList atomically rebuilds the allow-list set from a full SQL
// snapshot.
func (c *Cache) ReplaceAllowList(ctx context.Context, imeis []string) error {
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, keyIMEISet)
	if len(imeis) > 0 {
		members := make([]interface{}, len(imeis))
		for i, imei := range imeis {
			members[i] = imei
		}
		pipe.SAdd(ctx, keyIMEISet, members...)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// DeviceStatus is the live per-IMEI state mirrored in the status hash.
// HasLocation marks a patch as carrying a fix: status-only
// updates (LOGIN, disconnect) leave it false so the merge never clobbers
// the last-known location fields with zero values.
type DeviceStatus struct {
	IMEI        string    `json:"imei"`
	Status      string    `json:"status"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	SpeedKmh    float64   `json:"speed_kmh"`
	CourseDeg   float64   `json:"course_deg"`
	ACC         bool      `json:"acc"`
	Satellites  int       `json:"satellites"`
	UpdatedAt   time.Time `json:"updated_at"`
	HasLocation bool      `json:"has_location,omitempty"`
}

// mergeStatusScript performs the read-modify-write merge server-side so
// concurrent updates to the same IMEI from two sockets merge field-wise
// instead of clobbering each other, and stay correct across gateway
// instances without a process-local mutex.
// Location fields overwrite as a unit, and only when the patch carries a
// fix; a fix with lat=0 or acc=false still overwrites, since absence is
// signalled by has_location rather than by zero values.
var mergeStatusScript = redis.NewScript(`
local existing = redis.call('HGET', KEYS[1], ARGV[1])
local patch = cjson.decode(ARGV[2])
local current = {}
if existing then
	current = cjson.decode(existing)
end
current['imei'] = patch['imei']
current['status'] = patch['status']
current['updated_at'] = patch['updated_at']
if patch['has_location'] then
	current['lat'] = patch['lat']
	current['lon'] = patch['lon']
	current['speed_kmh'] = patch['speed_kmh']
	current['course_deg'] = patch['course_deg']
	current['acc'] = patch['acc']
	current['satellites'] = patch['satellites']
end
current['has_location'] = nil
local encoded = cjson.encode(current)
redis.call('HSET', KEYS[1], ARGV[1], encoded)
return encoded
`)

// UpsertStatus merges patch into the IMEI's live status entry.
func (c *Cache) UpsertStatus(ctx context.Context, patch DeviceStatus) error {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	return mergeStatusScript.Run(ctx, c.rdb, []string{keyStatusHash}, patch.IMEI, string(patchJSON)).Err()
}

// GetStatus returns the current status entry for an IMEI, if present.
func (c *Cache) GetStatus(ctx context.Context, imei string) (DeviceStatus, bool, error) {
	raw, err := c.rdb.HGet(ctx, keyStatusHash, imei).Result()
	if err == redis.Nil {
		return DeviceStatus{}, false, nil
	}
	if err != nil {
		return DeviceStatus{}, false, err
	}
	var st DeviceStatus
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return DeviceStatus{}, false, err
	}
	return st, true, nil
}

// AllStatuses returns every entry currently hot in the status hash, for
// the background flush-to-SQL pass.
func (c *Cache) AllStatuses(ctx context.Context) ([]DeviceStatus, error) {
	raw, err := c.rdb.HGetAll(ctx, keyStatusHash).Result()
	if err != nil {
		return nil, err
	}
	statuses := make([]DeviceStatus, 0, len(raw))
	for _, v := range raw {
		var st DeviceStatus
		if err := json.Unmarshal([]byte(v), &st); err != nil {
			continue
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

// QueuedCommand is one entry popped from or pushed to a per-IMEI command list.
type QueuedCommand struct {
	ID        int64     `json:"id"`
	Command   string    `json:"command"`
	CreatedAt time.Time `json:"created_at"`
}

func commandListKey(imei string) string {
	return commandListPrefix + imei
}

// PushCommand appends to the tail of the IMEI's command list, preserving FIFO order.
func (c *Cache) PushCommand(ctx context.Context, imei string, cmd QueuedCommand) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return c.rdb.RPush(ctx, commandListKey(imei), payload).Err()
}

// RequeueCommand pushes a command back onto the head of the list after a
// failed socket write, preserving FIFO order for the retry.
func (c *Cache) RequeueCommand(ctx context.Context, imei string, cmd QueuedCommand) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return c.rdb.LPush(ctx, commandListKey(imei), payload).Err()
}

// PopCommand pops the oldest pending command for an IMEI, or reports none pending.
func (c *Cache) PopCommand(ctx context.Context, imei string) (QueuedCommand, bool, error) {
	raw, err := c.rdb.LPop(ctx, commandListKey(imei)).Result()
	if err == redis.Nil {
		return QueuedCommand{}, false, nil
	}
	if err != nil {
		return QueuedCommand{}, false, err
	}
	var cmd QueuedCommand
	if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
		return QueuedCommand{}, false, err
	}
	return cmd, true, nil
}

// ReplaceCommandQueue clears and rebuilds one IMEI's command list from a
// SQL-ordered snapshot.
func (c *Cache) ReplaceCommandQueue(ctx context.Context, imei string, pending []QueuedCommand) error {
	key := commandListKey(imei)
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, key)
	for _, cmd := range pending {
		payload, err := json.Marshal(cmd)
		if err != nil {
			return err
		}
		pipe.RPush(ctx, key, payload)
	}
	_, err := pipe.Exec(ctx)
	return err
}
