// Package cos provides common low-level types and utilities for the evacuation manager and agents
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/NVIDIA/rebalancer/cmn/nlog"
)

// POSIX permissions
const (
	PermRWR   os.FileMode = 0o640
	PermRWXRX os.FileMode = 0o750

	dirMode = PermRWXRX | os.ModeDir
)

const ContentLengthUnknown = -1

type (
	// WriterMulti writes to all the writers, stops at the first error.
	WriterMulti struct{ w []io.Writer }

	// WriterOnly hides `ReadFrom` of the underlying writer (e.g., *os.File)
	// so that io.CopyBuffer goes through the provided buffer.
	WriterOnly struct{ io.Writer }
)

func IsEOF(err error) bool {
	return err == io.EOF || err == io.ErrUnexpectedEOF ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

func NewWriterMulti(w ...io.Writer) *WriterMulti { return &WriterMulti{w} }

func (mw *WriterMulti) Write(b []byte) (n int, err error) {
	for _, w := range mw.w {
		n, err = w.Write(b)
		if err != nil {
			return
		}
		if n != len(b) {
			err = io.ErrShortWrite
			return
		}
	}
	return len(b), nil
}

// CreateDir creates directory if does not exist.
func CreateDir(dir string) error { return os.MkdirAll(dir, dirMode) }

// CreateFile creates a new write-only (O_WRONLY) file with default cos.PermRWR permissions.
// NOTE: if the file pathname doesn't exist it'll be created.
// NOTE: if the file already exists it'll be also silently truncated.
func CreateFile(fqn string) (*os.File, error) {
	if err := CreateDir(filepath.Dir(fqn)); err != nil {
		return nil, err
	}
	return os.OpenFile(fqn, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, PermRWR)
}

// Rename is a single rename(2); creates the destination directory if doesn't exist.
func Rename(src, dst string) (err error) {
	err = os.Rename(src, dst)
	if err == nil || !os.IsNotExist(err) {
		return
	}
	// create and retry (slow path)
	if err = CreateDir(filepath.Dir(dst)); err == nil {
		err = os.Rename(src, dst)
	}
	return
}

// RemoveFile removes path; returns nil upon success or if the path does not exist.
func RemoveFile(path string) (err error) {
	err = os.Remove(path)
	if os.IsNotExist(err) {
		err = nil
	}
	return
}

// SaveReader writes the reader to `fqn` computing the checksum on the fly;
// on any error the partially written `fqn` is removed.
// Size < 0 means unknown.
func SaveReader(fqn string, reader io.Reader, buf []byte, cksumType string, size int64) (cksum *CksumHashSize, err error) {
	file, erc := CreateFile(fqn)
	if erc != nil {
		return nil, erc
	}
	defer func() {
		if err == nil {
			return
		}
		if nestedErr := RemoveFile(fqn); nestedErr != nil {
			nlog.Errorf("nested (%v): failed to remove %s: %v", err, fqn, nestedErr)
		}
	}()
	if size >= 0 {
		// one extra byte to detect oversized content
		reader = io.LimitReader(reader, size+1)
	}
	cksum, err = CopyAndChecksum(WriterOnly{file}, reader, buf, cksumType)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to save to %q: %w", fqn, err)
	}
	if err = file.Sync(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to sync %q: %w", fqn, err)
	}
	if err = file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close %q: %w", fqn, err)
	}
	if size >= 0 && cksum.Size != size {
		return nil, fmt.Errorf("wrong size when saving to %q: expected %d, got %d", fqn, size, cksum.Size)
	}
	return cksum, nil
}

// CopyAndChecksum reads from `r` and writes to `w`; returns checksum and num bytes copied, or error
func CopyAndChecksum(w io.Writer, r io.Reader, buf []byte, cksumType string) (*CksumHashSize, error) {
	cksum := NewCksumHashSize(cksumType)
	if buf == nil {
		buf = make([]byte, 64*KiB)
	}
	_, err := io.CopyBuffer(NewWriterMulti(cksum, w), r, buf)
	cksum.Finalize()
	return cksum, err
}

// DrainReader reads and discards all the data from a reader.
func DrainReader(r io.Reader) {
	_, err := io.Copy(io.Discard, r)
	if err == nil || IsEOF(err) {
		return
	}
	nlog.Warningln("failed to drain reader:", err)
}

func Close(closer io.Closer) {
	if err := closer.Close(); err != nil {
		nlog.Warningln("close:", err)
	}
}
