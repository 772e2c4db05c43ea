// Package kvdb provides a local embedded key-value database for the evacuation agent.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package kvdb

import (
	"errors"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"
)

type BuntDriver struct {
	driver *buntdb.DB
}

// interface guard
var _ Driver = (*BuntDriver)(nil)

// NewBuntDB opens (or creates) the database file; ":memory:" opens an in-memory database.
func NewBuntDB(path string) (*BuntDriver, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, err
	}
	var cfg buntdb.Config
	if err := db.ReadConfig(&cfg); err != nil {
		db.Close()
		return nil, err
	}
	// every committed task transition must survive a crash
	cfg.SyncPolicy = buntdb.Always
	if err := db.SetConfig(cfg); err != nil {
		db.Close()
		return nil, err
	}
	return &BuntDriver{driver: db}, nil
}

func marshal(object any) (string, error) {
	b, err := jsoniter.Marshal(object)
	return string(b), err
}

func bunt2kvdb(err error, collection, key string) error {
	if errors.Is(err, buntdb.ErrNotFound) {
		return NewErrNotFound(collection, key)
	}
	return err
}

func (bd *BuntDriver) Close() error { return bd.driver.Close() }

func (bd *BuntDriver) Set(collection, key string, object any) error {
	s, err := marshal(object)
	if err != nil {
		return err
	}
	return bd.SetString(collection, key, s)
}

func (bd *BuntDriver) Get(collection, key string, object any) error {
	s, err := bd.GetString(collection, key)
	if err != nil {
		return err
	}
	return jsoniter.UnmarshalFromString(s, object)
}

func (bd *BuntDriver) SetString(collection, key, data string) error {
	err := bd.driver.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(makePath(collection, key), data, nil)
		return err
	})
	return bunt2kvdb(err, collection, key)
}

func (bd *BuntDriver) GetString(collection, key string) (value string, err error) {
	err = bd.driver.View(func(tx *buntdb.Tx) error {
		var err error
		value, err = tx.Get(makePath(collection, key))
		return err
	})
	return value, bunt2kvdb(err, collection, key)
}

func (bd *BuntDriver) Delete(collection, key string) error {
	err := bd.driver.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(makePath(collection, key))
		return err
	})
	return bunt2kvdb(err, collection, key)
}

func (bd *BuntDriver) List(collection, pattern string) ([]string, error) {
	keys := make([]string, 0)
	err := bd.driver.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(listPattern(collection, pattern), func(path, _ string) bool {
			_, key := ParsePath(path)
			keys = append(keys, key)
			return true
		})
	})
	return keys, err
}

func (bd *BuntDriver) GetAll(collection, pattern string) (map[string]string, error) {
	values := make(map[string]string)
	err := bd.driver.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(listPattern(collection, pattern), func(path, val string) bool {
			_, key := ParsePath(path)
			values[key] = val
			return true
		})
	})
	return values, err
}

func (bd *BuntDriver) DeleteCollection(collection, pattern string) error {
	keys, err := bd.List(collection, pattern)
	if err != nil || len(keys) == 0 {
		return err
	}
	return bd.driver.Update(func(tx *buntdb.Tx) error {
		for _, k := range keys {
			if _, err := tx.Delete(makePath(collection, k)); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
				return err
			}
		}
		return nil
	})
}

func (bd *BuntDriver) Commit(b *Batch) error {
	if b.Len() == 0 {
		return nil
	}
	return bd.driver.Update(func(tx *buntdb.Tx) error {
		for _, op := range b.ops {
			path := makePath(op.collection, op.key)
			if op.del {
				if _, err := tx.Delete(path); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
					return err
				}
				continue
			}
			if _, _, err := tx.Set(path, op.value, nil); err != nil {
				return err
			}
		}
		return nil
	})
}
