// Package kvdb provides a local embedded key-value database for the evacuation agent.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package kvdb

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

type DBMock struct {
	values map[string]string
	mtx    sync.RWMutex
}

// interface guard
var _ Driver = (*DBMock)(nil)

func NewDBMock() *DBMock     { return &DBMock{values: make(map[string]string)} }
func (*DBMock) Close() error { return nil }

func (bd *DBMock) Set(collection, key string, object any) error {
	s, err := marshal(object)
	if err != nil {
		return err
	}
	return bd.SetString(collection, key, s)
}

func (bd *DBMock) Get(collection, key string, object any) error {
	s, err := bd.GetString(collection, key)
	if err != nil {
		return err
	}
	return jsoniter.UnmarshalFromString(s, object)
}

func (bd *DBMock) SetString(collection, key, data string) error {
	bd.mtx.Lock()
	bd.values[makePath(collection, key)] = data
	bd.mtx.Unlock()
	return nil
}

func (bd *DBMock) GetString(collection, key string) (string, error) {
	bd.mtx.RLock()
	defer bd.mtx.RUnlock()
	value, ok := bd.values[makePath(collection, key)]
	if !ok {
		return "", NewErrNotFound(collection, key)
	}
	return value, nil
}

func (bd *DBMock) Delete(collection, key string) error {
	bd.mtx.Lock()
	defer bd.mtx.Unlock()
	name := makePath(collection, key)
	if _, ok := bd.values[name]; !ok {
		return NewErrNotFound(collection, key)
	}
	delete(bd.values, name)
	return nil
}

// under lock
func (bd *DBMock) match(collection, pattern string) []string {
	filter := listPattern(collection, pattern)
	keys := make([]string, 0)
	for k := range bd.values {
		if ok, _ := filepath.Match(filter, k); ok || (strings.HasSuffix(filter, "*") &&
			strings.HasPrefix(k, strings.TrimSuffix(filter, "*"))) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (bd *DBMock) List(collection, pattern string) ([]string, error) {
	bd.mtx.RLock()
	defer bd.mtx.RUnlock()
	paths := bd.match(collection, pattern)
	keys := make([]string, 0, len(paths))
	for _, path := range paths {
		_, key := ParsePath(path)
		keys = append(keys, key)
	}
	return keys, nil
}

func (bd *DBMock) GetAll(collection, pattern string) (map[string]string, error) {
	bd.mtx.RLock()
	defer bd.mtx.RUnlock()
	values := make(map[string]string)
	for _, path := range bd.match(collection, pattern) {
		_, key := ParsePath(path)
		values[key] = bd.values[path]
	}
	return values, nil
}

func (bd *DBMock) DeleteCollection(collection, pattern string) error {
	bd.mtx.Lock()
	for _, path := range bd.match(collection, pattern) {
		delete(bd.values, path)
	}
	bd.mtx.Unlock()
	return nil
}

func (bd *DBMock) Commit(b *Batch) error {
	bd.mtx.Lock()
	for _, op := range b.ops {
		path := makePath(op.collection, op.key)
		if op.del {
			delete(bd.values, path)
		} else {
			bd.values[path] = op.value
		}
	}
	bd.mtx.Unlock()
	return nil
}
