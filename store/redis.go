package store

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// redisStore is the key-value-per-actor deployment: one hash per session
// record, one sorted set per session's event log (scored by event index),
// and a sorted set indexing sessions by creation time.
type redisStore struct {
	client *redis.Client
	cfg    config
}

var _ Store = (*redisStore)(nil)

const defaultRedisPrefix = "acp"

// NewRedis returns a Store backed by Redis. The caller owns the redis.Client
// lifecycle; Close is a no-op on the client.
func NewRedis(client *redis.Client, opts ...Option) Store {
	cfg := applyOptions(opts)
	if cfg.prefix == "" {
		cfg.prefix = defaultRedisPrefix
	}
	return &redisStore{client: client, cfg: cfg}
}

func (s *redisStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.cfg.queryTimeout)
}

func (s *redisStore) sessionsKey() string {
	return s.cfg.prefix + ":sessions"
}

func (s *redisStore) sessionKey(id string) string {
	return s.cfg.prefix + ":session:" + id
}

func (s *redisStore) eventsKey(id string) string {
	return s.cfg.prefix + ":events:" + id
}

func (s *redisStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	data, err := s.client.HGet(qctx, s.sessionKey(id), "r").Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec SessionRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("error decoding session record: %w", err)
	}
	return &rec, nil
}

func (s *redisStore) UpdateSession(ctx context.Context, rec SessionRecord) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	data, err := msgpack.Marshal(rec)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.HSet(qctx, s.sessionKey(rec.ID), "r", data)
	// Millisecond scores stay exactly representable as float64; nanoseconds
	// would lose precision and corrupt cursor comparisons.
	pipe.ZAdd(qctx, s.sessionsKey(), redis.Z{
		Score:  float64(rec.CreatedAt.UnixMilli()),
		Member: rec.ID,
	})
	if _, err := pipe.Exec(qctx); err != nil {
		return err
	}
	return s.evict(qctx, rec.ID)
}

// evict removes the oldest sessions beyond maxSessions, skipping the record
// just written.
func (s *redisStore) evict(ctx context.Context, justWritten string) error {
	if s.cfg.maxSessions <= 0 {
		return nil
	}
	count, err := s.client.ZCard(ctx, s.sessionsKey()).Result()
	if err != nil {
		return err
	}
	excess := int(count) - s.cfg.maxSessions
	if excess <= 0 {
		return nil
	}
	// One extra candidate in case the just-written record sorts oldest.
	candidates, err := s.client.ZRange(ctx, s.sessionsKey(), 0, int64(excess)).Result()
	if err != nil {
		return err
	}
	victims := make([]string, 0, excess)
	for _, id := range candidates {
		if id == justWritten {
			continue
		}
		victims = append(victims, id)
		if len(victims) == excess {
			break
		}
	}
	if len(victims) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, id := range victims {
		pipe.Del(ctx, s.sessionKey(id), s.eventsKey(id))
		pipe.ZRem(ctx, s.sessionsKey(), id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) ListSessions(ctx context.Context, req ListRequest) (*SessionPage, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	limit := s.cfg.pageLimit(req)

	var ids []string
	if req.Cursor == "" {
		members, err := s.client.ZRangeByScore(qctx, s.sessionsKey(), &redis.ZRangeBy{
			Min: "-inf", Max: "+inf", Count: int64(limit + 1),
		}).Result()
		if err != nil {
			return nil, err
		}
		ids = members
	} else {
		cur, err := decodeCursor(req.Cursor)
		if err != nil {
			return nil, err
		}
		// Members sharing the cursor's score sort lexicographically, so fetch
		// the tied score band first and filter past the cursor id, then take
		// everything strictly above the score.
		tied, err := s.client.ZRangeByScore(qctx, s.sessionsKey(), &redis.ZRangeBy{
			Min: strconv.FormatInt(cur.Key, 10),
			Max: strconv.FormatInt(cur.Key, 10),
		}).Result()
		if err != nil {
			return nil, err
		}
		for _, id := range tied {
			if id > cur.ID {
				ids = append(ids, id)
			}
		}
		rest, err := s.client.ZRangeByScore(qctx, s.sessionsKey(), &redis.ZRangeBy{
			Min: "(" + strconv.FormatInt(cur.Key, 10), Max: "+inf", Count: int64(limit + 1),
		}).Result()
		if err != nil {
			return nil, err
		}
		ids = append(ids, rest...)
	}

	page := &SessionPage{}
	for _, id := range ids {
		if len(page.Sessions) == limit {
			last := page.Sessions[limit-1]
			page.NextCursor = encodeCursor(last.CreatedAt.UnixMilli(), last.ID)
			break
		}
		rec, err := s.GetSession(ctx, id)
		if err == ErrNotFound {
			// Index entry raced an eviction; skip.
			continue
		}
		if err != nil {
			return nil, err
		}
		page.Sessions = append(page.Sessions, *rec)
	}
	return page, nil
}

func (s *redisStore) InsertEvent(ctx context.Context, ev SessionEvent) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	data, err := msgpack.Marshal(ev)
	if err != nil {
		return err
	}
	key := s.eventsKey(ev.SessionID)
	if err := s.client.ZAdd(qctx, key, redis.Z{
		Score:  float64(ev.EventIndex),
		Member: data,
	}).Err(); err != nil {
		return err
	}

	if s.cfg.maxEventsPerSession <= 0 {
		return nil
	}
	count, err := s.client.ZCard(qctx, key).Result()
	if err != nil {
		return err
	}
	excess := int(count) - s.cfg.maxEventsPerSession
	if excess <= 0 {
		return nil
	}
	// Trim the oldest entries, never the event just written.
	candidates, err := s.client.ZRange(qctx, key, 0, int64(excess)).Result()
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	removed := 0
	for _, member := range candidates {
		if bytes.Equal([]byte(member), data) {
			continue
		}
		pipe.ZRem(qctx, key, member)
		removed++
		if removed == excess {
			break
		}
	}
	if removed == 0 {
		return nil
	}
	_, err = pipe.Exec(qctx)
	return err
}

func (s *redisStore) ListEvents(ctx context.Context, sessionID string, req ListRequest) (*EventPage, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	limit := s.cfg.pageLimit(req)

	min := "-inf"
	if req.Cursor != "" {
		cur, err := decodeCursor(req.Cursor)
		if err != nil {
			return nil, err
		}
		// Event indexes are unique per session, so an exclusive score bound
		// is sufficient.
		min = "(" + strconv.FormatInt(cur.Key, 10)
	}
	members, err := s.client.ZRangeByScore(qctx, s.eventsKey(sessionID), &redis.ZRangeBy{
		Min: min, Max: "+inf", Count: int64(limit + 1),
	}).Result()
	if err != nil {
		return nil, err
	}

	page := &EventPage{}
	for _, member := range members {
		if len(page.Events) == limit {
			last := page.Events[limit-1]
			page.NextCursor = encodeCursor(last.EventIndex, last.ID)
			break
		}
		var ev SessionEvent
		if err := msgpack.Unmarshal([]byte(member), &ev); err != nil {
			return nil, fmt.Errorf("error decoding session event: %w", err)
		}
		page.Events = append(page.Events, ev)
	}
	return page, nil
}

// Close is a no-op; the caller owns the redis.Client lifecycle.
func (s *redisStore) Close() error {
	return nil
}
