package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/okian/strata/internal/domain/model"
	"github.com/okian/strata/pkg/metrics"
)

// Payload markers. Decoding accepts both so compression can be toggled on a
// live keyspace.
const (
	payloadJSON   byte = 'j'
	payloadSnappy byte = 's'
)

const defaultKeyPrefix = "strata:"

// Redis is the cache tier backed by a Redis (or Valkey) server. Each subject
// owns a capped sorted set scored by event time in microseconds (ZADD +
// ZREMRANGEBYRANK) whose TTL is refreshed on every push; sessions are hashes
// with the same TTL.
//
// Members are a 16-byte UUIDv7 followed by the payload. The prefix keeps
// identical events distinct and orders equal timestamps by push order.
type Redis struct {
	client        redis.UniversalClient
	ttl           time.Duration
	maxPerSubject int
	prefix        string
	compression   bool
}

// NewRedis wraps an existing client. The client is owned by the returned
// cache and closed by Close.
func NewRedis(client redis.UniversalClient, opts ...Option) *Redis {
	s := settings{
		ttl:           defaultTTL,
		maxPerSubject: defaultMaxPerSubject,
		keyPrefix:     defaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return &Redis{
		client:        client,
		ttl:           s.ttl,
		maxPerSubject: s.maxPerSubject,
		prefix:        s.keyPrefix,
		compression:   s.compression,
	}
}

func (r *Redis) listKey(subject uuid.UUID) string {
	return r.prefix + "interactions:" + subject.String()
}

func (r *Redis) sessionKey(sessionID string) string {
	return r.prefix + "session:" + sessionID
}

// Capacity returns the per-subject list bound.
func (r *Redis) Capacity() int { return r.maxPerSubject }

// Push adds e to its subject's set, drops the oldest entries past the bound
// and refreshes the TTL in a single MULTI/EXEC round trip.
func (r *Redis) Push(ctx context.Context, e *model.InteractionEvent) error {
	member, err := r.member(e)
	if err != nil {
		return err
	}
	key := r.listKey(e.SubjectID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, member)
		pipe.ZRemRangeByRank(ctx, key, 0, int64(-r.maxPerSubject-1))
		pipe.Expire(ctx, key, r.ttl)
		if e.SessionID != "" {
			sk := r.sessionKey(e.SessionID)
			pipe.HSet(ctx, sk, map[string]any{
				"user_id":        e.SubjectID.String(),
				"last_event":     string(e.EventType),
				"last_object_id": e.ObjectID.String(),
				"last_timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
			})
			pipe.Expire(ctx, sk, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: push: %w", err)
	}
	return nil
}

// Recent returns up to limit events for subject, newest first. Entries that
// fail to decode are skipped and counted.
func (r *Redis) Recent(ctx context.Context, subject uuid.UUID, limit int) ([]model.InteractionEvent, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	raw, err := r.client.ZRevRange(ctx, r.listKey(subject), 0, stop).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("cache: recent: %w", err)
	}
	out := make([]model.InteractionEvent, 0, len(raw))
	for _, item := range raw {
		e, err := r.decodeMember([]byte(item))
		if err != nil {
			metrics.RecordTierError(metrics.TierCache, "decode")
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Replace overwrites the subject's set with events (newest first).
func (r *Redis) Replace(ctx context.Context, subject uuid.UUID, events []model.InteractionEvent) error {
	if len(events) > r.maxPerSubject {
		events = events[:r.maxPerSubject]
	}
	// Oldest first so that equal timestamps keep the given order.
	members := make([]redis.Z, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		m, err := r.member(&events[i])
		if err != nil {
			return err
		}
		members = append(members, m)
	}
	key := r.listKey(subject)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(members) > 0 {
			pipe.ZAdd(ctx, key, members...)
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: replace: %w", err)
	}
	return nil
}

// Session returns the last-seen state of a session; the zero value when the
// hash does not exist.
func (r *Redis) Session(ctx context.Context, sessionID string) (model.SessionState, error) {
	h, err := r.client.HGetAll(ctx, r.sessionKey(sessionID)).Result()
	if err != nil {
		return model.SessionState{}, fmt.Errorf("cache: session: %w", err)
	}
	if len(h) == 0 {
		return model.SessionState{}, nil
	}
	st := model.SessionState{
		SessionID: sessionID,
		LastEvent: model.EventType(h["last_event"]),
	}
	if st.SubjectID, err = uuid.Parse(h["user_id"]); err != nil {
		return model.SessionState{}, fmt.Errorf("%w: session subject: %v", ErrCorruptPayload, err)
	}
	if st.LastObject, err = uuid.Parse(h["last_object_id"]); err != nil {
		return model.SessionState{}, fmt.Errorf("%w: session object: %v", ErrCorruptPayload, err)
	}
	if st.LastSeenAt, err = time.Parse(time.RFC3339Nano, h["last_timestamp"]); err != nil {
		return model.SessionState{}, fmt.Errorf("%w: session timestamp: %v", ErrCorruptPayload, err)
	}
	return st, nil
}

// Ping probes the server.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client's connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) member(e *model.InteractionEvent) (redis.Z, error) {
	payload, err := r.encode(e)
	if err != nil {
		return redis.Z{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return redis.Z{}, fmt.Errorf("cache: member id: %w", err)
	}
	return redis.Z{
		Score:  float64(e.Timestamp.UnixMicro()),
		Member: string(append(id[:], payload...)),
	}, nil
}

func (r *Redis) decodeMember(p []byte) (model.InteractionEvent, error) {
	if len(p) <= len(uuid.UUID{}) {
		return model.InteractionEvent{}, ErrCorruptPayload
	}
	return r.decode(p[len(uuid.UUID{}):])
}

func (r *Redis) encode(e *model.InteractionEvent) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("cache: encode: %w", err)
	}
	if r.compression {
		return append([]byte{payloadSnappy}, snappy.Encode(nil, b)...), nil
	}
	return append([]byte{payloadJSON}, b...), nil
}

func (r *Redis) decode(p []byte) (model.InteractionEvent, error) {
	var e model.InteractionEvent
	if len(p) == 0 {
		return e, ErrCorruptPayload
	}
	body := p[1:]
	switch p[0] {
	case payloadJSON:
	case payloadSnappy:
		var err error
		if body, err = snappy.Decode(nil, body); err != nil {
			return e, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
		}
	default:
		return e, fmt.Errorf("%w: marker %s", ErrCorruptPayload, strconv.Quote(string(p[:1])))
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return e, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	return e, nil
}
