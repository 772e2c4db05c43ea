// Package discovery produces the stream of objects residing on a storage node.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package discovery

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/NVIDIA/rebalancer/api"
	"github.com/NVIDIA/rebalancer/api/apc"
	"github.com/NVIDIA/rebalancer/cmn/cos"
	"github.com/NVIDIA/rebalancer/cmn/nlog"
	"github.com/NVIDIA/rebalancer/core"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

const maxRecordSize = 4 * cos.MiB

type (
	// HTTP streams NDJSON object records from `GET <url>?shark=<storage-id>`.
	HTTP struct {
		client *http.Client
		url    string
	}

	// File reads NDJSON object records from a local file.
	File struct {
		path string
	}

	// Scanner is implemented by metadata stores that index objects by node.
	Scanner interface {
		Scan(ctx context.Context, shark string, out chan<- *core.EvacObj) error
	}
	// Md scans the metadata store directly.
	Md struct {
		sc Scanner
	}
)

// interface guard
var (
	_ core.Feed = (*HTTP)(nil)
	_ core.Feed = (*File)(nil)
	_ core.Feed = (*Md)(nil)
)

// HTTP has no overall timeout: the stream may legitimately run for hours.
func NewHTTP(u string) *HTTP    { return &HTTP{client: api.NewClient(0), url: u} }
func NewFile(path string) *File { return &File{path: path} }
func NewMd(sc Scanner) *Md      { return &Md{sc: sc} }

func (f *HTTP) Run(ctx context.Context, shark string, out chan<- *core.EvacObj) error {
	reqParams := &api.ReqParams{
		BaseParams: api.BaseParams{Client: f.client, URL: f.url, Method: http.MethodGet},
		Query:      url.Values{apc.QparamShark: []string{shark}},
	}
	body, err := reqParams.DoReader(ctx)
	if err != nil {
		return errors.Wrapf(err, "discovery feed %s", f.url)
	}
	defer body.Close()
	return decodeNDJSON(ctx, body, shark, out)
}

func (f *File) Run(ctx context.Context, shark string, out chan<- *core.EvacObj) error {
	fh, err := os.Open(f.path)
	if err != nil {
		return errors.Wrap(err, "discovery feed")
	}
	defer fh.Close()
	return decodeNDJSON(ctx, fh, shark, out)
}

func (f *Md) Run(ctx context.Context, shark string, out chan<- *core.EvacObj) error {
	started := time.Now()
	err := f.sc.Scan(ctx, shark, out)
	if err == nil {
		nlog.Infoln("metadata scan of", shark, "done in", time.Since(started))
	}
	return err
}

// decodeNDJSON emits one object per line. Lines that do not parse, or objects
// that do not reside on `shark`, are logged and skipped; a broken stream is an error.
func decodeNDJSON(ctx context.Context, r io.Reader, shark string, out chan<- *core.EvacObj) error {
	var (
		scanner  = bufio.NewScanner(r)
		lno      int
		skipped  int
		received int
	)
	scanner.Buffer(make([]byte, 64*cos.KiB), maxRecordSize)
	for scanner.Scan() {
		lno++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var meta core.ObjectMeta
		if err := jsoniter.Unmarshal(line, &meta); err != nil {
			nlog.Errorf("discovery: line %d: bad record: %v", lno, err)
			skipped++
			continue
		}
		if !meta.HasReplicaOn(shark) {
			if nlog.V(4) {
				nlog.Infof("discovery: line %d: %s has no replica on %s", lno, meta.ID, shark)
			}
			skipped++
			continue
		}
		select {
		case out <- meta.ToEvacObj():
			received++
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "discovery stream broken after %d line%s", lno, cos.Plural(lno))
	}
	if skipped > 0 {
		nlog.Warningf("discovery: %d record%s received, %d skipped", received, cos.Plural(received), skipped)
	}
	return nil
}
