package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shaiso/Conveyor/internal/domain"
)

// DefaultRedisPrefix — префикс ключей по умолчанию.
const DefaultRedisPrefix = "conveyor:"

// createScript создаёт hash, если ключа ещё нет.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
for i = 1, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
return 1
`)

// transitionScript — compare-and-set по (state, worker).
//
// ARGV: from (через запятую, пусто — любое нетерминальное), owner, to,
// now, ttl в секундах, затем пары поле/значение.
// Ответ: {1, hgetall} — применён, {0, hgetall} — условие не выполнено,
// {-1} — записи нет.
var transitionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {-1}
end
local terminal = {SUCCESS = true, FAILURE = true, REVOKED = true}
local state = redis.call('HGET', KEYS[1], 'state')
local allowed = false
if ARGV[1] == '' then
  allowed = not terminal[state]
else
  for s in string.gmatch(ARGV[1], '[^,]+') do
    if s == state then
      allowed = true
    end
  end
end
if allowed and ARGV[2] ~= '' then
  allowed = redis.call('HGET', KEYS[1], 'worker') == ARGV[2]
end
if not allowed then
  return {0, redis.call('HGETALL', KEYS[1])}
end

redis.call('HSET', KEYS[1], 'state', ARGV[3])
for i = 6, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
if ARGV[3] == 'SUCCESS' then
  redis.call('HDEL', KEYS[1], 'error')
end
if ARGV[3] == 'STARTED' then
  redis.call('HSET', KEYS[1], 'started_at', ARGV[4])
end
if terminal[ARGV[3]] then
  redis.call('HSET', KEYS[1], 'done_at', ARGV[4])
  local ttl = tonumber(ARGV[5])
  if ttl > 0 then
    redis.call('EXPIRE', KEYS[1], ttl)
  end
end
return {1, redis.call('HGETALL', KEYS[1])}
`)

// chordPartScript записывает часть и уменьшает счётчик одной операцией.
//
// KEYS: chord hash, parts hash (один hash tag). ARGV: child id, part, now.
// Ответ: {1, remaining} — записано, {-1, remaining} — повтор, {-2, 0} — chord нет.
// Последняя часть сохраняет done_at.
var chordPartScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {-2, 0}
end
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2]) == 0 then
  return {-1, tonumber(redis.call('HGET', KEYS[1], 'remaining'))}
end
local remaining = redis.call('HINCRBY', KEYS[1], 'remaining', -1)
if remaining <= 0 then
  redis.call('HSET', KEYS[1], 'done_at', ARGV[3])
end
return {1, remaining}
`)

// RedisConfig — конфигурация Redis-хранилища.
type RedisConfig struct {
	// URL — redis://[user:pass@]host:port/db.
	URL string

	// Prefix — префикс ключей. По умолчанию DefaultRedisPrefix.
	Prefix string

	// TTL — время жизни терминальных записей. 0 — без истечения.
	TTL time.Duration

	Logger *slog.Logger
}

// Redis — хранилище на Redis.
//
// Запись — hash <prefix>task:<id>. Группа — JSON-строка <prefix>group:<id>.
// Chord — два hash с общим hash tag: <prefix>chord:{<id>} и <prefix>chord:{<id>}:parts,
// так что скрипт части работает и в Redis Cluster.
// Индекс <prefix>expiry (zset, score — unix-время) используется Purge;
// множество <prefix>chords:waiting хранит id chord, которые ещё собирают части.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

var _ Store = (*Redis)(nil)

// NewRedis подключается к Redis и проверяет соединение.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}

	logger.Info("redis backend connected", "addr", opts.Addr, "db", opts.DB)
	return &Redis{client: client, prefix: prefix, ttl: cfg.TTL, logger: logger}, nil
}

func (r *Redis) taskKey(id string) string  { return r.prefix + "task:" + id }
func (r *Redis) groupKey(id string) string { return r.prefix + "group:" + id }
func (r *Redis) chordKey(id string) string { return r.prefix + "chord:{" + id + "}" }
func (r *Redis) partsKey(id string) string { return r.chordKey(id) + ":parts" }
func (r *Redis) expiryKey() string         { return r.prefix + "expiry" }
func (r *Redis) waitingKey() string        { return r.prefix + "chords:waiting" }

// CreatePending создаёт записи, которых ещё нет. Один pipeline на вызов.
func (r *Redis) CreatePending(ctx context.Context, records []*domain.Record) error {
	if len(records) == 0 {
		return nil
	}

	pipe := r.client.Pipeline()
	for _, rec := range records {
		fields, err := recordFields(rec)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", rec.ID, err)
		}
		createScript.Eval(ctx, pipe, []string{r.taskKey(rec.ID)}, fields...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create pending: %w", err)
	}
	return nil
}

// Get возвращает запись.
func (r *Redis) Get(ctx context.Context, id string) (*domain.Record, error) {
	fields, err := r.client.HGetAll(ctx, r.taskKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: record %s", ErrNotFound, id)
	}
	return recordFromFields(id, fields)
}

// Transition условно меняет запись Lua-скриптом.
func (r *Redis) Transition(ctx context.Context, id string, t domain.Transition) (*domain.Record, error) {
	fields, err := transitionFields(&t)
	if err != nil {
		return nil, fmt.Errorf("encode transition %s: %w", id, err)
	}

	from := make([]string, len(t.From))
	for i, s := range t.From {
		from[i] = string(s)
	}
	now := time.Now().UTC()

	args := []any{
		strings.Join(from, ","),
		t.Owner,
		string(t.To),
		formatTime(now),
		strconv.FormatInt(int64(r.ttl/time.Second), 10),
	}
	args = append(args, fields...)

	res, err := transitionScript.Run(ctx, r.client, []string{r.taskKey(id)}, args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("transition %s: %w", id, err)
	}

	code, _ := res[0].(int64)
	if code == -1 {
		return nil, fmt.Errorf("%w: record %s", ErrNotFound, id)
	}
	rec, err := recordFromReply(id, res[1])
	if err != nil {
		return nil, err
	}
	if code == 0 {
		return rec, fmt.Errorf("%w: %s is %s", ErrInvalidState, id, rec.State)
	}

	if t.To.IsTerminal() {
		r.index(ctx, r.taskKey(id), now)
	}
	return rec, nil
}

// SaveGroup сохраняет группу, если её ещё нет.
func (r *Redis) SaveGroup(ctx context.Context, g *domain.GroupRecord) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal group: %w", err)
	}
	created, err := r.client.SetNX(ctx, r.groupKey(g.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("save group %s: %w", g.ID, err)
	}
	if created {
		r.index(ctx, r.groupKey(g.ID), g.CreatedAt)
	}
	return nil
}

// GetGroup возвращает группу.
func (r *Redis) GetGroup(ctx context.Context, id string) (*domain.GroupRecord, error) {
	data, err := r.client.Get(ctx, r.groupKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: group %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get group %s: %w", id, err)
	}
	var g domain.GroupRecord
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("unmarshal group %s: %w", id, err)
	}
	return &g, nil
}

// CreateChord создаёт счётчик chord, если его ещё нет.
func (r *Redis) CreateChord(ctx context.Context, c *domain.ChordRecord) error {
	children, err := json.Marshal(c.Children)
	if err != nil {
		return fmt.Errorf("marshal chord children: %w", err)
	}
	body := c.Body
	if body == nil {
		body = json.RawMessage("null")
	}

	fields := []any{
		"children", string(children),
		"remaining", strconv.Itoa(c.Remaining),
		"body", string(body),
		"policy", string(c.Policy),
		fieldCreatedAt, formatTime(c.CreatedAt),
	}
	created, err := createScript.Run(ctx, r.client, []string{r.chordKey(c.ID)}, fields...).Int()
	if err != nil {
		return fmt.Errorf("create chord %s: %w", c.ID, err)
	}
	if created == 1 {
		if err := r.client.SAdd(ctx, r.waitingKey(), c.ID).Err(); err != nil {
			return fmt.Errorf("mark chord %s waiting: %w", c.ID, err)
		}
		r.index(ctx, r.chordKey(c.ID), c.CreatedAt)
	}
	return nil
}

// ChordPart записывает часть ребёнка и уменьшает счётчик.
func (r *Redis) ChordPart(ctx context.Context, chordID, childID string, part domain.ChordPart) (int, bool, error) {
	data, err := json.Marshal(part)
	if err != nil {
		return 0, false, fmt.Errorf("marshal chord part: %w", err)
	}

	keys := []string{r.chordKey(chordID), r.partsKey(chordID)}
	now := formatTime(time.Now().UTC())
	res, err := chordPartScript.Run(ctx, r.client, keys, childID, string(data), now).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("chord part %s/%s: %w", chordID, childID, err)
	}

	remaining := int(res[1])
	switch res[0] {
	case -2:
		return 0, false, fmt.Errorf("%w: chord %s", ErrNotFound, chordID)
	case -1:
		return remaining, false, fmt.Errorf("%w: chord %s part %s", ErrAlreadyExists, chordID, childID)
	}
	if remaining <= 0 {
		// Не фатально: Purge сам убирает собранные chord из множества.
		if err := r.client.SRem(ctx, r.waitingKey(), chordID).Err(); err != nil {
			r.logger.Warn("failed to unmark chord", "chord_id", chordID, "error", err)
		}
	}
	return remaining, remaining == 0, nil
}

// GetChord возвращает счётчик chord со всеми частями.
func (r *Redis) GetChord(ctx context.Context, id string) (*domain.ChordRecord, error) {
	head, err := r.client.HGetAll(ctx, r.chordKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get chord %s: %w", id, err)
	}
	if len(head) == 0 {
		return nil, fmt.Errorf("%w: chord %s", ErrNotFound, id)
	}
	parts, err := r.client.HGetAll(ctx, r.partsKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get chord parts %s: %w", id, err)
	}

	c := &domain.ChordRecord{
		ID:     id,
		Body:   json.RawMessage(head["body"]),
		Policy: domain.ParseChordPolicy(head["policy"]),
		Parts:  make(map[string]domain.ChordPart, len(parts)),
	}
	if err := json.Unmarshal([]byte(head["children"]), &c.Children); err != nil {
		return nil, fmt.Errorf("unmarshal chord children %s: %w", id, err)
	}
	if c.Remaining, err = strconv.Atoi(head["remaining"]); err != nil {
		return nil, fmt.Errorf("parse chord remaining %s: %w", id, err)
	}
	if c.CreatedAt, err = parseTime(head[fieldCreatedAt]); err != nil {
		return nil, err
	}
	if c.DoneAt, err = parseTimePtr(head[fieldDoneAt]); err != nil {
		return nil, err
	}
	for child, raw := range parts {
		var p domain.ChordPart
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("unmarshal chord part %s/%s: %w", id, child, err)
		}
		c.Parts[child] = p
	}
	return c, nil
}

// Purge удаляет ключи из индекса со временем до before.
//
// Ключ, который ещё нужен (ребёнок несобранного chord, группа
// с незавершённым ребёнком, chord без последней части), остаётся
// в индексе и проверяется следующим вызовом.
func (r *Redis) Purge(ctx context.Context, before time.Time) (int, error) {
	keys, err := r.client.ZRangeByScore(ctx, r.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("purge scan: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	waiting, err := r.waitingChildren(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, key := range keys {
		keep, err := r.keepOnPurge(ctx, key, before, waiting)
		if err != nil {
			return n, err
		}
		if keep {
			continue
		}

		del := []string{key}
		if strings.HasPrefix(key, r.prefix+"chord:") {
			del = append(del, key+":parts")
		}
		removed, err := r.client.Del(ctx, del...).Result()
		if err != nil {
			return n, fmt.Errorf("purge %s: %w", key, err)
		}
		if removed > 0 {
			n++
		}
		if err := r.client.ZRem(ctx, r.expiryKey(), key).Err(); err != nil {
			return n, fmt.Errorf("purge index %s: %w", key, err)
		}
	}
	return n, nil
}

// waitingChildren возвращает ключи записей, которых ждут несобранные chord.
func (r *Redis) waitingChildren(ctx context.Context) (map[string]struct{}, error) {
	ids, err := r.client.SMembers(ctx, r.waitingKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list waiting chords: %w", err)
	}

	out := make(map[string]struct{})
	for _, id := range ids {
		c, err := r.GetChord(ctx, id)
		if errors.Is(err, ErrNotFound) {
			_ = r.client.SRem(ctx, r.waitingKey(), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		if c.Fired() {
			_ = r.client.SRem(ctx, r.waitingKey(), id).Err()
			continue
		}
		for _, child := range c.Children {
			out[r.taskKey(child)] = struct{}{}
		}
	}
	return out, nil
}

// keepOnPurge сообщает, что ключ из индекса ещё нельзя удалять.
func (r *Redis) keepOnPurge(ctx context.Context, key string, before time.Time, waiting map[string]struct{}) (bool, error) {
	switch {
	case strings.HasPrefix(key, r.prefix+"task:"):
		_, ok := waiting[key]
		return ok, nil

	case strings.HasPrefix(key, r.prefix+"chord:"):
		id := strings.TrimSuffix(strings.TrimPrefix(key, r.prefix+"chord:{"), "}")
		c, err := r.GetChord(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return !c.Fired() || !c.DoneAt.Before(before), nil

	case strings.HasPrefix(key, r.prefix+"group:"):
		g, err := r.GetGroup(ctx, strings.TrimPrefix(key, r.prefix+"group:"))
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		for _, child := range g.Children {
			state, err := r.client.HGet(ctx, r.taskKey(child), fieldState).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return false, fmt.Errorf("purge check %s: %w", child, err)
			}
			if !domain.ParseState(state).IsTerminal() {
				return true, nil
			}
		}
	}
	return false, nil
}

// Ping проверяет соединение.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close закрывает клиент.
func (r *Redis) Close() error {
	return r.client.Close()
}

// index добавляет ключ в индекс Purge. Ошибка не фатальна: ключ
// с TTL всё равно истечёт.
func (r *Redis) index(ctx context.Context, key string, at time.Time) {
	err := r.client.ZAdd(ctx, r.expiryKey(), redis.Z{Score: float64(at.Unix()), Member: key}).Err()
	if err != nil {
		r.logger.Warn("failed to index key for purge", "key", key, "error", err)
	}
}

// recordFromReply декодирует ответ HGETALL из Lua (плоский массив).
func recordFromReply(id string, reply any) (*domain.Record, error) {
	flat, ok := reply.([]any)
	if !ok || len(flat)%2 != 0 {
		return nil, fmt.Errorf("unexpected reply for record %s: %T", id, reply)
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		fields[k] = v
	}
	return recordFromFields(id, fields)
}
