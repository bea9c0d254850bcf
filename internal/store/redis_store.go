package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/HsiangNianian/walletbridge/internal/rpc"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// resolveScript removes a pending record and leaves a tombstone in one step.
// Returns 0 on success, 1 when the record is gone, 2 when a tombstone exists.
var resolveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  if redis.call('EXISTS', KEYS[3]) == 1 then
    return 2
  end
  return 1
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('SET', KEYS[3], ARGV[2], 'PX', ARGV[3])
return 0
`)

// RedisStore keeps the queue in Redis so it outlives a background restart within
// one session. All keys live under walletbridge:<session>:.
type RedisStore struct {
	client      *redis.Client
	session     string
	prefix      string
	resolvedTTL time.Duration
}

func NewRedisStore(addr, session string, resolvedTTL time.Duration) *RedisStore {
	return NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: addr}), session, resolvedTTL)
}

func NewRedisStoreWithClient(client *redis.Client, session string, resolvedTTL time.Duration) *RedisStore {
	if session == "" {
		session = uuid.NewString()
	}
	if resolvedTTL <= 0 {
		resolvedTTL = DefaultResolvedTTL
	}
	return &RedisStore{
		client:      client,
		session:     session,
		prefix:      "walletbridge:" + session + ":",
		resolvedTTL: resolvedTTL,
	}
}

func (r *RedisStore) Close() error { return r.client.Close() }

func (r *RedisStore) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisStore) seqKey() string             { return r.prefix + "seq" }
func (r *RedisStore) orderKey() string           { return r.prefix + "order" }
func (r *RedisStore) recordKey(t Token) string   { return r.prefix + "record:" + string(t) }
func (r *RedisStore) resolvedKey(t Token) string { return r.prefix + "resolved:" + string(t) }
func (r *RedisStore) tokenFor(seq int64) Token   { return Token(fmt.Sprintf("%s-%d", r.session, seq)) }

func (r *RedisStore) Enqueue(ctx context.Context, req rpc.Request, origin string) (Token, error) {
	if req == nil {
		return "", ErrNilRequest
	}
	seq, err := r.client.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return "", fmt.Errorf("allocate token: %w", err)
	}
	token := r.tokenFor(seq)
	data, err := json.Marshal(Record{
		Token:     token,
		Request:   req,
		Status:    StatusPending,
		Origin:    origin,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return "", err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.recordKey(token), data, 0)
		pipe.ZAdd(ctx, r.orderKey(), redis.Z{Score: float64(seq), Member: string(token)})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", token, err)
	}
	return token, nil
}

func (r *RedisStore) Resolve(ctx context.Context, token Token, outcome Status, mutated rpc.Request) (Resolution, error) {
	if err := validOutcome(outcome); err != nil {
		return Resolution{}, err
	}

	data, err := r.client.Get(ctx, r.recordKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Resolution{}, r.missing(ctx, token)
	}
	if err != nil {
		return Resolution{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Resolution{}, fmt.Errorf("decode record %s: %w", token, err)
	}
	res, err := resolution(rec, outcome, mutated)
	if err != nil {
		return Resolution{}, err
	}

	code, err := resolveScript.Run(ctx, r.client,
		[]string{r.recordKey(token), r.orderKey(), r.resolvedKey(token)},
		string(token), string(outcome), r.resolvedTTL.Milliseconds(),
	).Int()
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve %s: %w", token, err)
	}
	if code != 0 {
		return Resolution{}, r.missing(ctx, token)
	}
	return res, nil
}

func (r *RedisStore) missing(ctx context.Context, token Token) error {
	status, err := r.client.Get(ctx, r.resolvedKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return &UnknownTokenError{Token: token}
	}
	if err != nil {
		return err
	}
	return &AlreadyResolvedError{Token: token, Status: Status(status)}
}

func (r *RedisStore) List(ctx context.Context) ([]Record, error) {
	tokens, err := r.client.ZRange(ctx, r.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return []Record{}, nil
	}
	keys := make([]string, len(tokens))
	for i, t := range tokens {
		keys[i] = r.recordKey(Token(t))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", tokens[i], err)
		}
		out = append(out, rec)
	}
	return out, nil
}
