// Package nlog - evacuation logger, provides buffering, timestamping, writing, and
// flushing/rotating
/*
 * Copyright (c) 2023-2025, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

const nlogBufSize = 64 * 1024

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

type nlog struct {
	file *os.File
	bw   *bufio.Writer
	sev  severity
	size int64
	mw   sync.Mutex
}

var (
	nlogs [2]*nlog // INFO, ERROR

	logDir, logRole, title, arg0, host string

	toStderr, alsoToStderr bool

	pid int

	onceInitFiles sync.Once

	sevText = []string{sevInfo: "INFO", sevWarn: "WARNING", sevErr: "ERROR"}

	pool = sync.Pool{New: func() any { return &bytes.Buffer{} }}
)

func init() {
	pid = os.Getpid()
	arg0 = filepath.Base(os.Args[0])
	host = "unknown"
	if h, err := os.Hostname(); err == nil {
		if before, _, ok := strings.Cut(h, "."); ok {
			h = before
		}
		host = h
	}
}

func initFiles() {
	if logDir == "" {
		toStderr = true
		return
	}
	now := time.Now()
	for i, sev := range []severity{sevInfo, sevErr} {
		nlog := &nlog{sev: sev}
		if err := nlog.rotate(now); err != nil {
			toStderr = true
			fmt.Fprintf(os.Stderr, "nlog: unable to create logs in %q: %v (logging to stderr)\n", logDir, err)
			return
		}
		nlogs[i] = nlog
	}
}

// main function
func log(sev severity, depth int, format string, args ...any) {
	onceInitFiles.Do(initFiles)

	fb := pool.Get().(*bytes.Buffer)
	fb.Reset()
	sprintf(sev, depth, format, fb, args...)
	line := fb.Bytes()

	if toStderr {
		os.Stderr.Write(line)
	} else {
		if alsoToStderr || sev >= sevErr {
			os.Stderr.Write(line)
		}
		nlogs[0].write(line)
		if sev >= sevWarn {
			nlogs[1].write(line)
		}
	}
	pool.Put(fb)
}

func (nlog *nlog) write(line []byte) {
	nlog.mw.Lock()
	n, err := nlog.bw.Write(line)
	if err != nil {
		os.Stderr.WriteString("nlog: " + err.Error() + "\n")
	}
	nlog.size += int64(n)
	if nlog.size >= MaxSize {
		nlog.bw.Flush()
		nlog.file.Close()
		if err := nlog.rotate(time.Now()); err != nil {
			os.Stderr.WriteString("nlog: failed to rotate: " + err.Error() + "\n")
		}
	}
	nlog.mw.Unlock()
}

func (nlog *nlog) flush(exit bool) {
	nlog.mw.Lock()
	if nlog.bw != nil {
		nlog.bw.Flush()
		if exit {
			nlog.file.Sync()
		}
	}
	nlog.mw.Unlock()
}

// under mw-lock (or at init)
func (nlog *nlog) rotate(now time.Time) (err error) {
	var (
		s    = fmt.Sprintf("host %s, %s for %s/%s\n", host, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		snow = now.Format("2006/01/02 15:04:05")
	)
	if nlog.file, err = fcreate(sevText[nlog.sev], now); err != nil {
		return
	}
	nlog.bw = bufio.NewWriterSize(nlog.file, nlogBufSize)
	nlog.size = 0
	if title == "" {
		_, err = nlog.bw.WriteString("Started up at " + snow + ", " + s)
	} else {
		nlog.bw.WriteString("Rotated at " + snow + ", " + s)
		_, err = nlog.bw.WriteString(title)
	}
	return
}

//
// utils
//

func sname() string {
	if logRole != "" {
		return logRole
	}
	return arg0
}

func logfname(tag string, t time.Time) (name, link string) {
	s := sname()
	name = fmt.Sprintf("%s.%s.%s.%02d%02d-%02d%02d%02d.%d",
		s, host, tag, t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), pid)
	return name, s + "." + tag
}

func fcreate(tag string, t time.Time) (*os.File, error) {
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, err
	}
	name, link := logfname(tag, t)
	f, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, err
	}
	// re-symlink
	symlink := filepath.Join(logDir, link)
	os.Remove(symlink)
	os.Symlink(name, symlink)
	return f, nil
}

func formatHdr(s severity, depth int, fb *bytes.Buffer) {
	const char = "IWE"
	fb.WriteByte(char[s])
	fb.WriteByte(' ')
	fb.WriteString(time.Now().Format("15:04:05.000000"))
	fb.WriteByte(' ')
	_, fn, ln, ok := runtime.Caller(4 + depth)
	if !ok {
		return
	}
	if idx := strings.LastIndexByte(fn, filepath.Separator); idx > 0 {
		fn = fn[idx+1:]
	}
	fb.WriteString(strings.TrimSuffix(fn, ".go"))
	fb.WriteByte(':')
	fb.WriteString(strconv.Itoa(ln))
	fb.WriteByte(' ')
}

func sprintf(sev severity, depth int, format string, fb *bytes.Buffer, args ...any) {
	formatHdr(sev, depth, fb)
	if format == "" {
		fmt.Fprintln(fb, args...)
		return
	}
	fmt.Fprintf(fb, format, args...)
	if b := fb.Bytes(); len(b) == 0 || b[len(b)-1] != '\n' {
		fb.WriteByte('\n')
	}
}
