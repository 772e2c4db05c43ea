// Package jsp (JSON persistence) provides utilities to load and store configuration
// and other structures encoded as JSON or YAML.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package jsp

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/NVIDIA/rebalancer/cmn/cos"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	FmtJSON = "json"
	FmtYAML = "yaml"
)

// Format infers the encoding from the file extension (JSON by default).
func Format(fqn string) string {
	switch strings.ToLower(filepath.Ext(fqn)) {
	case ".yaml", ".yml":
		return FmtYAML
	default:
		return FmtJSON
	}
}

// Load decodes the file into v. YAML documents are normalized to JSON first
// so that a single set of `json` struct tags serves both formats.
func Load(fqn string, v any) error {
	b, err := os.ReadFile(fqn)
	if err != nil {
		return err
	}
	if err := Decode(b, v, Format(fqn)); err != nil {
		return errors.Wrapf(err, "failed to load %q", fqn)
	}
	return nil
}

func Decode(b []byte, v any, format string) error {
	if format == FmtYAML {
		var (
			doc any
			err error
		)
		if err = yaml.Unmarshal(b, &doc); err != nil {
			return err
		}
		if b, err = jsoniter.Marshal(doc); err != nil {
			return err
		}
	}
	return jsoniter.Unmarshal(b, v)
}

func Encode(w io.Writer, v any, format string) error {
	if format == FmtYAML {
		// round-trip through JSON to honor `json` tags and custom marshalers
		b, err := jsoniter.Marshal(v)
		if err != nil {
			return err
		}
		var doc any
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := jsoniter.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Save writes v atomically: encode into a temp file, fsync, rename.
func Save(fqn string, v any) (err error) {
	var (
		buf bytes.Buffer
		tmp = fqn + ".tmp." + cos.RandString(6)
	)
	if err = Encode(&buf, v, Format(fqn)); err != nil {
		return err
	}
	file, err := cos.CreateFile(tmp)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if errRm := cos.RemoveFile(tmp); errRm != nil {
				err = fmt.Errorf("%w (nested: failed to remove %s: %v)", err, tmp, errRm)
			}
		}
	}()
	if _, err = file.Write(buf.Bytes()); err != nil {
		cos.Close(file)
		return err
	}
	if err = file.Sync(); err != nil {
		cos.Close(file)
		return err
	}
	if err = file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, fqn)
}
