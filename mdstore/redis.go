// Package mdstore is the metadata-store client: object replica locations,
// read and atomically updated in Redis.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package mdstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/NVIDIA/rebalancer/cmn/cos"
	"github.com/NVIDIA/rebalancer/cmn/nlog"
	"github.com/NVIDIA/rebalancer/core"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
)

const (
	DfltKeyPrefix = "evac:"

	maxTxRetries = 8
	scanBatch    = 256
)

// key layout:
// - <prefix>obj:<object-id>    JSON-encoded core.ObjectMeta
// - <prefix>shark:<storage-id> SET of object IDs with a replica on that node
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// interface guard
var _ core.MdClient = (*Redis)(nil)

func NewRedis(addr, password string, db int, prefix string) *Redis {
	if prefix == "" {
		prefix = DfltKeyPrefix
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrMdUnreachable, err)
	}
	return nil
}

func (r *Redis) Close() error { return r.rdb.Close() }

func (r *Redis) objKey(id string) string      { return r.prefix + "obj:" + id }
func (r *Redis) sharkKey(shark string) string { return r.prefix + "shark:" + shark }

// connectivity failures are critical for the job; anything else is about the object
func mdErr(err error) error {
	var (
		opErr  *net.OpError
		dnsErr *net.DNSError
	)
	switch {
	case errors.As(err, &opErr), errors.As(err, &dnsErr),
		errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, context.DeadlineExceeded),
		cos.IsRetriableConnErr(err), cos.IsEOF(err), errors.Is(err, redis.ErrClosed):
		return fmt.Errorf("%w: %v", core.ErrMdUnreachable, err)
	}
	return err
}

func decode(id string, b []byte) (*core.ObjectMeta, error) {
	var meta core.ObjectMeta
	if err := jsoniter.Unmarshal(b, &meta); err != nil {
		return nil, fmt.Errorf("object %s: corrupted metadata: %w", id, err)
	}
	return &meta, nil
}

func (r *Redis) Get(ctx context.Context, objID string) (*core.ObjectMeta, error) {
	b, err := r.rdb.Get(ctx, r.objKey(objID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", core.ErrObjectGone, objID)
		}
		return nil, mdErr(err)
	}
	return decode(objID, b)
}

// Put stores the record and indexes it under each replica's node.
func (r *Redis) Put(ctx context.Context, meta *core.ObjectMeta) error {
	b, err := jsoniter.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.objKey(meta.ID), b, 0)
		for _, s := range meta.Sharks {
			pipe.SAdd(ctx, r.sharkKey(s.StorageID), meta.ID)
		}
		return nil
	})
	return mdErr(err)
}

// ReplaceReplica swaps `from` for `to` under optimistic locking (WATCH/MULTI/EXEC),
// retrying when a concurrent writer touches the same object.
func (r *Redis) ReplaceReplica(ctx context.Context, objID string, from, to core.Replica) (*core.ObjectMeta, error) {
	var (
		key     = r.objKey(objID)
		updated *core.ObjectMeta
	)
	txf := func(tx *redis.Tx) error {
		b, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", core.ErrObjectGone, objID)
			}
			return err
		}
		meta, err := decode(objID, b)
		if err != nil {
			return err
		}
		idx, done, err := meta.SwapIdx(from, to)
		if err != nil {
			return err
		}
		if done {
			updated = meta
			return nil
		}
		meta.Sharks[idx] = to
		nb, err := jsoniter.Marshal(meta)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, nb, 0)
			pipe.SRem(ctx, r.sharkKey(from.StorageID), objID)
			pipe.SAdd(ctx, r.sharkKey(to.StorageID), objID)
			return nil
		})
		if err == nil {
			updated = meta
		}
		return err
	}
	for range maxTxRetries {
		err := r.rdb.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return updated, nil
		case errors.Is(err, redis.TxFailedErr):
			if nlog.V(4) {
				nlog.Infoln("object", objID, "modified concurrently, retrying")
			}
			continue
		case errors.Is(err, core.ErrObjectGone), errors.Is(err, core.ErrReplicaMoved):
			return nil, err
		default:
			return nil, mdErr(err)
		}
	}
	return nil, fmt.Errorf("object %s: giving up after %d conflicting concurrent updates", objID, maxTxRetries)
}

// Scan streams the objects indexed under `shark` (SSCAN + MGET in batches).
// Index entries whose records are gone are skipped.
func (r *Redis) Scan(ctx context.Context, shark string, out chan<- *core.EvacObj) error {
	var (
		iter = r.rdb.SScan(ctx, r.sharkKey(shark), 0, "", scanBatch).Iterator()
		ids  = make([]string, 0, scanBatch)
	)
	flush := func() error {
		if len(ids) == 0 {
			return nil
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = r.objKey(id)
		}
		vals, err := r.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return mdErr(err)
		}
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue // deleted since indexed
			}
			meta, err := decode(ids[i], []byte(s))
			if err != nil {
				nlog.Errorln(err)
				continue
			}
			if !meta.HasReplicaOn(shark) {
				continue // stale index entry
			}
			select {
			case out <- meta.ToEvacObj():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		ids = ids[:0]
		return nil
	}
	for iter.Next(ctx) {
		ids = append(ids, iter.Val())
		if len(ids) == scanBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return mdErr(err)
	}
	return flush()
}

