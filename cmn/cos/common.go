// Package cos provides common low-level types and utilities for the evacuation manager and agents
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
	TiB = 1024 * GiB
)

type StrSet map[string]struct{}

const maxl = 16

func SHead(s string) string {
	if len(s) > maxl {
		return s[:maxl] + "..."
	}
	return s
}

func Plural(num int) (s string) {
	if num != 1 {
		s = "s"
	}
	return
}

func NewStrSet(keys ...string) StrSet {
	ss := make(StrSet, len(keys))
	for _, k := range keys {
		ss[k] = struct{}{}
	}
	return ss
}

func (ss StrSet) Contains(key string) (yes bool) { _, yes = ss[key]; return }
func (ss StrSet) Add(key string)                 { ss[key] = struct{}{} }

// ToSizeIEC formats bytes, e.g. 1536 => "1.50KiB"
func ToSizeIEC(b int64) string {
	switch {
	case b >= TiB:
		return strconv.FormatFloat(float64(b)/TiB, 'f', 2, 64) + "TiB"
	case b >= GiB:
		return strconv.FormatFloat(float64(b)/GiB, 'f', 2, 64) + "GiB"
	case b >= MiB:
		return strconv.FormatFloat(float64(b)/MiB, 'f', 2, 64) + "MiB"
	case b >= KiB:
		return strconv.FormatFloat(float64(b)/KiB, 'f', 2, 64) + "KiB"
	}
	return strconv.FormatInt(b, 10) + "B"
}

// SplitList parses comma-separated list, skips empty entries
func SplitList(s string) (out []string) {
	for _, e := range strings.Split(s, ",") {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return
}

// Duration is time.Duration that (un)marshals as a human-readable string ("30s", "1m").
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }
func (d Duration) String() string   { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) { return jsoniter.Marshal(d.String()) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var (
		s   string
		n   int64
		err error
	)
	if err = jsoniter.Unmarshal(b, &s); err != nil {
		// bare number: nanoseconds
		if errN := jsoniter.Unmarshal(b, &n); errN != nil {
			return err
		}
		*d = Duration(n)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}
