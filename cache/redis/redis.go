package redis

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/zlnvch/sketchroom/cache"
)

type RedisRoomCache struct {
	client redis.UniversalClient
}

func NewRedisRoomCache(ctx context.Context, devMode bool, redisEndpoint string) (*RedisRoomCache, error) {
	var client redis.UniversalClient
	if devMode {
		client = redis.NewClient(&redis.Options{
			Addr: redisEndpoint,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr: redisEndpoint,
			// AWS elasticache endpoints require TLS
			TLSConfig: &tls.Config{},
		})
	}

	err := client.Ping(ctx).Err()
	if err != nil {
		return nil, err
	}

	return &RedisRoomCache{client: client}, nil
}

func (redisCache *RedisRoomCache) Publish(ctx context.Context, channel string, message []byte) error {
	return redisCache.client.Publish(ctx, channel, message).Err()
}

func (redisCache *RedisRoomCache) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	pubsub := redisCache.client.Subscribe(ctx, channel)
	// Ensure subscription is established
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		log.Error().Err(err).Str("channel", channel).Msg("Pubsub subscribe failed")
		return err
	}

	ch := pubsub.Channel()

	go func() {
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					log.Warn().Str("channel", channel).Msg("Pubsub channel closed")
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()

	return nil
}

// Keys share the {roomId} hash tag so every script touches a single slot.
func buildSeqKey(roomId string) string {
	return "room:{" + roomId + "}:seq"
}

func buildOpsKey(roomId string) string {
	return "room:{" + roomId + "}:ops"
}

func buildCompleteKey(roomId string) string {
	return "room:{" + roomId + "}:complete"
}

func buildChatKey(roomId string) string {
	return "room:{" + roomId + "}:chat"
}

func roomKeys(roomId string) []string {
	return []string{buildSeqKey(roomId), buildOpsKey(roomId), buildCompleteKey(roomId)}
}

const cacheTTL = 10 * time.Minute

var ttlSeconds = int(cacheTTL / time.Second)

// The live log is a list of "seq:index:json" entries holding exactly the
// surviving operations. The sequence counter has no TTL: it must outlive the
// log so numbers never repeat while clients are connected.
var appendScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
redis.call('RPUSH', KEYS[2], seq .. ':0:' .. ARGV[1])
local max = tonumber(ARGV[2])
if max > 0 then
	redis.call('LTRIM', KEYS[2], -max, -1)
end
redis.call('EXPIRE', KEYS[2], ARGV[3])
redis.call('EXPIRE', KEYS[3], ARGV[3])
return seq
`)

var popScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
local popped = redis.call('RPOP', KEYS[2])
redis.call('EXPIRE', KEYS[3], ARGV[1])
if popped then
	return {seq, popped}
end
return {seq}
`)

var resetScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
redis.call('DEL', KEYS[2])
for i = 2, #ARGV do
	redis.call('RPUSH', KEYS[2], seq .. ':' .. (i - 2) .. ':' .. ARGV[i])
end
redis.call('EXPIRE', KEYS[2], ARGV[1])
redis.call('SET', KEYS[3], '1', 'EX', ARGV[1])
return seq
`)

// Entries appended before the seed (by another instance racing the load)
// are kept when they are newer than the seeded state.
var seedScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
	return 0
end
local existing = redis.call('LRANGE', KEYS[2], 0, -1)
redis.call('DEL', KEYS[2])
local maxSeq = tonumber(ARGV[2])
for i = 3, #ARGV do
	redis.call('RPUSH', KEYS[2], ARGV[i])
end
for _, e in ipairs(existing) do
	local s = tonumber(string.match(e, '^(%d+):'))
	if s and s > maxSeq then
		redis.call('RPUSH', KEYS[2], e)
	end
end
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur < maxSeq then
	redis.call('SET', KEYS[1], maxSeq)
end
redis.call('EXPIRE', KEYS[2], ARGV[1])
redis.call('SET', KEYS[3], '1', 'EX', ARGV[1])
return 1
`)

func encodeEntry(seq int64, index int, data []byte) string {
	return strconv.FormatInt(seq, 10) + ":" + strconv.Itoa(index) + ":" + string(data)
}

func decodeEntry(entry string) (cache.CachedOp, error) {
	raw := []byte(entry)
	first := bytes.IndexByte(raw, ':')
	if first < 0 {
		return cache.CachedOp{}, fmt.Errorf("malformed log entry %q", entry)
	}
	second := bytes.IndexByte(raw[first+1:], ':')
	if second < 0 {
		return cache.CachedOp{}, fmt.Errorf("malformed log entry %q", entry)
	}
	second += first + 1

	seq, err := strconv.ParseInt(entry[:first], 10, 64)
	if err != nil {
		return cache.CachedOp{}, fmt.Errorf("malformed log entry seq: %w", err)
	}
	index, err := strconv.Atoi(entry[first+1 : second])
	if err != nil {
		return cache.CachedOp{}, fmt.Errorf("malformed log entry index: %w", err)
	}
	return cache.CachedOp{Seq: seq, Index: index, Data: raw[second+1:]}, nil
}

func (redisCache *RedisRoomCache) AppendOperation(ctx context.Context, roomId string, data []byte, maxLen int) (int64, error) {
	return appendScript.Run(ctx, redisCache.client, roomKeys(roomId), data, maxLen, ttlSeconds).Int64()
}

func (redisCache *RedisRoomCache) PopOperation(ctx context.Context, roomId string) (int64, *cache.CachedOp, error) {
	res, err := popScript.Run(ctx, redisCache.client, roomKeys(roomId), ttlSeconds).Slice()
	if err != nil {
		return 0, nil, err
	}
	if len(res) == 0 {
		return 0, nil, fmt.Errorf("pop script returned nothing")
	}

	seq, ok := res[0].(int64)
	if !ok {
		return 0, nil, fmt.Errorf("pop script returned seq of type %T", res[0])
	}
	if len(res) < 2 {
		return seq, nil, nil
	}

	entry, ok := res[1].(string)
	if !ok {
		return seq, nil, fmt.Errorf("pop script returned entry of type %T", res[1])
	}
	op, err := decodeEntry(entry)
	if err != nil {
		return seq, nil, err
	}
	return seq, &op, nil
}

func (redisCache *RedisRoomCache) ResetOperations(ctx context.Context, roomId string, ops [][]byte) (int64, error) {
	args := make([]interface{}, 0, len(ops)+1)
	args = append(args, ttlSeconds)
	for _, op := range ops {
		args = append(args, op)
	}
	return resetScript.Run(ctx, redisCache.client, roomKeys(roomId), args...).Int64()
}

func (redisCache *RedisRoomCache) GetOperations(ctx context.Context, roomId string) (int64, []cache.CachedOp, error) {
	pipe := redisCache.client.TxPipeline()
	seqCmd := pipe.Get(ctx, buildSeqKey(roomId))
	opsCmd := pipe.LRange(ctx, buildOpsKey(roomId), 0, -1)
	pipe.Expire(ctx, buildOpsKey(roomId), cacheTTL)
	pipe.Expire(ctx, buildCompleteKey(roomId), cacheTTL)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, nil, err
	}

	seq, err := seqCmd.Int64()
	if err != nil && err != redis.Nil {
		return 0, nil, err
	}

	entries, err := opsCmd.Result()
	if err != nil {
		return 0, nil, err
	}

	ops := make([]cache.CachedOp, 0, len(entries))
	for _, e := range entries {
		op, err := decodeEntry(e)
		if err != nil {
			log.Warn().Err(err).Str("room", roomId).Msg("Skipping malformed cached op")
			continue
		}
		ops = append(ops, op)
	}
	return seq, ops, nil
}

func (redisCache *RedisRoomCache) SeedOperations(ctx context.Context, roomId string, seq int64, ops []cache.CachedOp) error {
	args := make([]interface{}, 0, len(ops)+2)
	args = append(args, ttlSeconds, seq)
	for _, op := range ops {
		args = append(args, encodeEntry(op.Seq, op.Index, op.Data))
	}
	return seedScript.Run(ctx, redisCache.client, roomKeys(roomId), args...).Err()
}

func (redisCache *RedisRoomCache) IsRoomComplete(ctx context.Context, roomId string) (bool, error) {
	val, err := redisCache.client.Exists(ctx, buildCompleteKey(roomId)).Result()
	if err != nil {
		return false, err
	}
	return val > 0, nil
}

func (redisCache *RedisRoomCache) InvalidateRoom(ctx context.Context, roomId string) error {
	keys := append(roomKeys(roomId), buildChatKey(roomId))
	return redisCache.client.Del(ctx, keys...).Err()
}

func (redisCache *RedisRoomCache) AppendChatMessage(ctx context.Context, roomId string, data []byte, maxLen int) error {
	key := buildChatKey(roomId)

	pipe := redisCache.client.Pipeline()
	pipe.RPush(ctx, key, data)
	if maxLen > 0 {
		pipe.LTrim(ctx, key, int64(-maxLen), -1)
	}
	pipe.Expire(ctx, key, cacheTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// GetChatMessages returns the cached chat history and whether it was cached
// at all.
func (redisCache *RedisRoomCache) GetChatMessages(ctx context.Context, roomId string) ([][]byte, bool, error) {
	key := buildChatKey(roomId)

	pipe := redisCache.client.Pipeline()
	existsCmd := pipe.Exists(ctx, key)
	rangeCmd := pipe.LRange(ctx, key, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, false, err
	}
	if existsCmd.Val() == 0 {
		return nil, false, nil
	}

	entries := rangeCmd.Val()
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = []byte(e)
	}
	return out, true, nil
}

func (redisCache *RedisRoomCache) SeedChatMessages(ctx context.Context, roomId string, messages [][]byte) error {
	if len(messages) == 0 {
		return nil
	}
	key := buildChatKey(roomId)
	values := make([]interface{}, len(messages))
	for i, m := range messages {
		values[i] = m
	}

	pipe := redisCache.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.RPush(ctx, key, values...)
	pipe.Expire(ctx, key, cacheTTL)
	_, err := pipe.Exec(ctx)
	return err
}
