// Package kvdb provides a local embedded key-value database for the evacuation agent.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package kvdb

import (
	"fmt"
	"strings"
)

// General info:
// ## Collection ##
//   For buntdb the collection is a pure virtual stuff: it is just a prefix of
//   a key in database ("collection##key").
// ## List ##
//   If a pattern is empty, List returns all keys in the collection. A pattern
//   may include '*' and '?'. A pattern without wildcards is a prefix: trailing
//   '*' is added automatically.
// ## Batch ##
//   Commit applies all the batched sets and deletes in a single transaction:
//   a concurrent reader sees either none or all of them.
// ## Errors ##
//   A driver converts database errors to `kvdb` package errors for clients.

const CollectionSepa = "##"

type (
	Driver interface {
		// A driver syncs data with local drives on close
		Close() error
		// Write an object to database. Object is marshaled as JSON
		Set(collection, key string, object any) error
		// Read an object from database.
		Get(collection, key string, object any) error
		// Write an already marshaled object or simple string
		SetString(collection, key, data string) error
		// Read a string or an object as JSON from database
		GetString(collection, key string) (string, error)
		// Delete a single object
		Delete(collection, key string) error
		// Delete all keys of a collection that match the pattern
		DeleteCollection(collection, pattern string) error
		// Return subkeys of a collection that match the pattern
		List(collection, pattern string) ([]string, error)
		// Return subkeys with their values: map[key]value
		GetAll(collection, pattern string) (map[string]string, error)
		// Apply batched updates in one transaction
		Commit(b *Batch) error
	}

	Batch struct {
		ops []batchOp
	}
	batchOp struct {
		collection, key string
		value           string
		del             bool
	}

	ErrNotFound struct {
		collection string
		key        string
	}
)

func makePath(collection, key string) string { return collection + CollectionSepa + key }

// Extract collection and key names from full key path
func ParsePath(path string) (string, string) {
	pos := strings.Index(path, CollectionSepa)
	if pos < 0 {
		return path, ""
	}
	return path[:pos], path[pos+len(CollectionSepa):]
}

func listPattern(collection, pattern string) string {
	if !strings.ContainsAny(pattern, "*?") {
		pattern += "*"
	}
	return makePath(collection, pattern)
}

///////////
// Batch //
///////////

func (b *Batch) Set(collection, key string, object any) error {
	s, err := marshal(object)
	if err != nil {
		return err
	}
	b.ops = append(b.ops, batchOp{collection: collection, key: key, value: s})
	return nil
}

func (b *Batch) Delete(collection, key string) {
	b.ops = append(b.ops, batchOp{collection: collection, key: key, del: true})
}

func (b *Batch) Len() int { return len(b.ops) }

/////////////////
// ErrNotFound //
/////////////////

func NewErrNotFound(collection, key string) *ErrNotFound {
	return &ErrNotFound{collection: collection, key: key}
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s %q not found", e.collection, e.key)
}

func IsErrNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}
