// Package cos provides common low-level types and utilities for the evacuation manager and agents
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/teris-io/shortid"
)

// NOTE: `shortid` uses hardcoded 01/2016 as a starting timestamp
const (
	// Alphabet for generating short IDs similar to the shortid.DEFAULT_ABC
	uuidABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"
	letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var (
	sids    [16]*shortid.Shortid
	sidOnce sync.Once
)

func InitShortID(seed uint64) {
	for i := range sids {
		sids[i] = shortid.MustNew(uint8(i+1) /*worker*/, uuidABC, seed)
	}
}

// GenJobID generates job identity (RFC 4122 UUID)
func GenJobID() string { return uuid.NewString() }

func IsValidJobID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// GenShortID generates unique and user-friendly IDs (assignments, requests)
func GenShortID() (id string) {
	sidOnce.Do(func() {
		if sids[0] == nil {
			InitShortID(uint64(time.Now().UnixNano()))
		}
	})
	var err error
	for _, sid := range sids {
		id, err = sid.Generate()
		if err == nil && id[0] != '-' && id[0] != '_' && id[len(id)-1] != '-' && id[len(id)-1] != '_' {
			return
		}
	}
	return RandString(10)
}

func RandString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.IntN(len(letters))]
	}
	return string(b)
}
