// Package cos provides common low-level types and utilities for the evacuation manager and agents
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"sort"

	"github.com/OneOfOne/xxhash"
)

// checksums
const (
	ChecksumNone   = "none"
	ChecksumXXHash = "xxhash"
	ChecksumMD5    = "md5"
	ChecksumCRC32C = "crc32c"
	ChecksumSHA256 = "sha256"
)

const badDataCksumPrefix = "BAD DATA CHECKSUM:"

type (
	noopHash struct{}

	ErrBadCksum struct {
		expected, actual *Cksum
		context          string
	}
	Cksum struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	}
	CksumHash struct {
		Cksum
		H   hash.Hash
		sum []byte
	}
	// CksumHashSize hashes and counts everything written through it.
	CksumHashSize struct {
		CksumHash
		Size int64
	}
)

var checksums = map[string]struct{}{
	ChecksumNone:   {},
	ChecksumXXHash: {},
	ChecksumMD5:    {},
	ChecksumCRC32C: {},
	ChecksumSHA256: {},
}

// interface guard
var (
	_ hash.Hash = (*noopHash)(nil)
	_ io.Writer = (*CksumHashSize)(nil)
)

///////////////
// CksumHash //
///////////////

func NewCksumHash(ty string) *CksumHash {
	ck := &CksumHash{}
	ck.Init(ty)
	return ck
}

func (ck *CksumHash) Init(ty string) {
	Assert(ck.H == nil)
	ck.Type = ty
	switch ty {
	case ChecksumNone, "":
		ck.Type, ck.H = ChecksumNone, &noopHash{}
	case ChecksumXXHash:
		ck.H = xxhash.New64()
	case ChecksumMD5:
		ck.H = md5.New()
	case ChecksumCRC32C:
		ck.H = crc32.New(crc32.MakeTable(crc32.Castagnoli))
	case ChecksumSHA256:
		ck.H = sha256.New()
	default:
		AssertMsg(false, "unknown checksum type: "+ty)
	}
}

func (ck *CksumHash) Sum() []byte { return ck.sum }

func (ck *CksumHash) Finalize() {
	ck.sum = ck.H.Sum(nil)
	ck.Value = hex.EncodeToString(ck.sum)
}

func (ck *CksumHash) Clone() *Cksum { return &Cksum{Type: ck.Type, Value: ck.Value} }

///////////////////
// CksumHashSize //
///////////////////

func NewCksumHashSize(ty string) *CksumHashSize {
	ck := &CksumHashSize{}
	ck.Init(ty)
	return ck
}

func (ck *CksumHashSize) Write(b []byte) (n int, err error) {
	n, err = ck.H.Write(b)
	ck.Size += int64(n)
	return
}

///////////
// Cksum //
///////////

func NewCksum(ty, value string) *Cksum { return &Cksum{Type: ty, Value: value} }

func (ck *Cksum) IsEmpty() bool { return ck == nil || ck.Type == "" || ck.Type == ChecksumNone }

// Equal never reports a match for empty checksums: "no checksum" is not a proof of identity.
func (ck *Cksum) Equal(to *Cksum) bool {
	if ck.IsEmpty() || to.IsEmpty() {
		return false
	}
	return ck.Type == to.Type && ck.Value == to.Value
}

func (ck *Cksum) String() string {
	if ck == nil {
		return "checksum <nil>"
	}
	if ck.IsEmpty() {
		return "checksum <none>"
	}
	return ck.Type + "[" + SHead(ck.Value) + "]"
}

func (ck *Cksum) Validate() error {
	if err := ValidateCksumType(ck.Type); err != nil {
		return err
	}
	if ck.Type != ChecksumNone && ck.Value == "" {
		return fmt.Errorf("empty %s checksum value", ck.Type)
	}
	return nil
}

//
// helpers
//

// ChecksumFile computes the checksum of the file at path using the type of `ck`.
func ChecksumFile(path, ty string) (*Cksum, int64, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer fh.Close()
	ckh := NewCksumHashSize(ty)
	buf := make([]byte, 64*KiB)
	if _, err := io.CopyBuffer(ckh, fh, buf); err != nil {
		return nil, 0, err
	}
	ckh.Finalize()
	return ckh.Clone(), ckh.Size, nil
}

func SupportedChecksums() (types []string) {
	types = make([]string, 0, len(checksums))
	for ty := range checksums {
		types = append(types, ty)
	}
	sort.Strings(types)
	return
}

func ValidateCksumType(ty string) error {
	if _, ok := checksums[ty]; !ok {
		return fmt.Errorf("invalid checksum type %q (expecting %v)", ty, SupportedChecksums())
	}
	return nil
}

//
// noopHash
//

func (*noopHash) Write(b []byte) (int, error) { return len(b), nil }
func (*noopHash) Sum([]byte) []byte           { return nil }
func (*noopHash) Reset()                      {}
func (*noopHash) Size() int                   { return 0 }
func (*noopHash) BlockSize() int              { return KiB }

//
// errors
//

func NewErrDataCksum(expected, actual *Cksum, context string) error {
	return &ErrBadCksum{expected: expected, actual: actual, context: context}
}

func (e *ErrBadCksum) Error() string {
	var context string
	if e.context != "" {
		context = " (context: " + e.context + ")"
	}
	if e.expected != nil && e.actual != nil && e.expected.Type == e.actual.Type {
		return fmt.Sprintf("%s %s(%s != %s)%s", badDataCksumPrefix, e.expected.Type, e.expected.Value,
			e.actual.Value, context)
	}
	return fmt.Sprintf("%s (%s != %s)%s", badDataCksumPrefix, e.expected, e.actual, context)
}

func IsErrBadCksum(err error) bool {
	var e *ErrBadCksum
	return As(err, &e)
}
