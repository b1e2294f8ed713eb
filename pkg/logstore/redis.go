package logstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
)

const (
	redisWorkersKey  = "oplog:workers"
	redisHeaderBytes = 16
)

// RedisLayer implements IndexedLayer on Redis. Each worker's entries live in
// a sorted set scored by index; the boundary lives in a hash.
type RedisLayer struct {
	client redis.UniversalClient
}

// NewRedisLayer creates a layer backed by a single Redis node.
func NewRedisLayer(addr, password string, db int) *RedisLayer {
	return &RedisLayer{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewRedisLayerFromClient wraps an existing client.
func NewRedisLayerFromClient(client redis.UniversalClient) *RedisLayer {
	return &RedisLayer{client: client}
}

func (r *RedisLayer) Name() string { return "redis" }

// Ping checks connectivity.
func (r *RedisLayer) Ping(ctx context.Context) error {
	return r.classify("ping", r.client.Ping(ctx).Err())
}

func (r *RedisLayer) Close() error { return r.client.Close() }

func entriesKey(w oplog.WorkerID) string { return "oplog:{" + w.String() + "}:entries" }
func metaKey(w oplog.WorkerID) string    { return "oplog:{" + w.String() + "}:meta" }

// Members carry a fixed header (index, unix nanos) so they are unique per
// index and the timestamp survives without decoding.
func encodeMember(rec Record) string {
	buf := make([]byte, redisHeaderBytes+len(rec.Data))
	binary.BigEndian.PutUint64(buf[0:8], uint64(rec.Index))
	binary.BigEndian.PutUint64(buf[8:16], uint64(rec.Timestamp.UnixNano())) //nolint:gosec
	copy(buf[redisHeaderBytes:], rec.Data)
	return string(buf)
}

func decodeMember(m string) (Record, error) {
	if len(m) < redisHeaderBytes {
		return Record{}, fmt.Errorf("redis member too short: %d bytes", len(m))
	}
	b := []byte(m)
	return Record{
		Index:     oplog.Index(binary.BigEndian.Uint64(b[0:8])),
		Timestamp: time.Unix(0, int64(binary.BigEndian.Uint64(b[8:16]))).UTC(), //nolint:gosec
		Data:      b[redisHeaderBytes:],
	}, nil
}

func score(idx oplog.Index) string { return strconv.FormatUint(uint64(idx), 10) }

func (r *RedisLayer) AppendBatch(ctx context.Context, worker oplog.WorkerID, records []Record) error {
	members := make([]redis.Z, len(records))
	for i, rec := range records {
		members[i] = redis.Z{Score: float64(rec.Index), Member: encodeMember(rec)}
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, redisWorkersKey, worker.String())
		pipe.HSetNX(ctx, metaKey(worker), "boundary", 0)
		if len(members) > 0 {
			pipe.ZAddNX(ctx, entriesKey(worker), members...)
		}
		return nil
	})
	return r.classify("append", err)
}

func (r *RedisLayer) Read(ctx context.Context, worker oplog.WorkerID, from oplog.Index, max int) ([]Record, error) {
	by := &redis.ZRangeBy{Min: score(from), Max: "+inf"}
	if max > 0 {
		by.Count = int64(max)
	}
	members, err := r.client.ZRangeByScore(ctx, entriesKey(worker), by).Result()
	if err != nil {
		return nil, r.classify("read", err)
	}
	out := make([]Record, 0, len(members))
	for _, m := range members {
		rec, err := decodeMember(m)
		if err != nil {
			return nil, &oplog.IntegrityError{Worker: worker, Err: err}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *RedisLayer) Last(ctx context.Context, worker oplog.WorkerID) (oplog.Index, bool, error) {
	res, err := r.client.ZRevRangeWithScores(ctx, entriesKey(worker), 0, 0).Result()
	if err != nil {
		return 0, false, r.classify("last", err)
	}
	if len(res) == 0 {
		return 0, false, nil
	}
	return oplog.Index(res[0].Score), true, nil
}

func (r *RedisLayer) DeleteBelow(ctx context.Context, worker oplog.WorkerID, idx oplog.Index) error {
	err := r.client.ZRemRangeByScore(ctx, entriesKey(worker), "-inf", "("+score(idx)).Err()
	return r.classify("delete", err)
}

func (r *RedisLayer) DeleteFrom(ctx context.Context, worker oplog.WorkerID, idx oplog.Index) error {
	err := r.client.ZRemRangeByScore(ctx, entriesKey(worker), score(idx), "+inf").Err()
	return r.classify("delete", err)
}

func (r *RedisLayer) Boundary(ctx context.Context, worker oplog.WorkerID) (oplog.Index, error) {
	v, err := r.client.HGet(ctx, metaKey(worker), "boundary").Uint64()
	if errors.Is(err, redis.Nil) {
		return oplog.InitialIndex, nil
	}
	if err != nil {
		return 0, r.classify("boundary", err)
	}
	return oplog.Index(v), nil
}

func (r *RedisLayer) SetBoundary(ctx context.Context, worker oplog.WorkerID, idx oplog.Index) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, redisWorkersKey, worker.String())
		pipe.HSet(ctx, metaKey(worker), "boundary", uint64(idx))
		return nil
	})
	return r.classify("boundary", err)
}

func (r *RedisLayer) Count(ctx context.Context, worker oplog.WorkerID) (int, error) {
	n, err := r.client.ZCard(ctx, entriesKey(worker)).Result()
	if err != nil {
		return 0, r.classify("count", err)
	}
	return int(n), nil
}

func (r *RedisLayer) Exists(ctx context.Context, worker oplog.WorkerID) (bool, error) {
	ok, err := r.client.SIsMember(ctx, redisWorkersKey, worker.String()).Result()
	if err != nil {
		return false, r.classify("exists", err)
	}
	return ok, nil
}

func (r *RedisLayer) Workers(ctx context.Context) ([]oplog.WorkerID, error) {
	keys, err := r.client.SMembers(ctx, redisWorkersKey).Result()
	if err != nil {
		return nil, r.classify("workers", err)
	}
	out := make([]oplog.WorkerID, 0, len(keys))
	for _, k := range keys {
		w, err := oplog.ParseWorkerID(k)
		if err != nil {
			return nil, fmt.Errorf("corrupt worker member %q: %w", k, err)
		}
		out = append(out, w)
	}
	sortWorkers(out)
	return out, nil
}

func (r *RedisLayer) DeleteWorker(ctx context.Context, worker oplog.WorkerID) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, entriesKey(worker), metaKey(worker))
		pipe.SRem(ctx, redisWorkersKey, worker.String())
		return nil
	})
	return r.classify("delete", err)
}

func (r *RedisLayer) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	op = "redis " + op
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) {
		return oplog.Transient(op, err)
	}
	msg := err.Error()
	for _, prefix := range []string{"LOADING", "TRYAGAIN", "BUSY", "CLUSTERDOWN", "MASTERDOWN"} {
		if strings.HasPrefix(msg, prefix) {
			return oplog.Transient(op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
