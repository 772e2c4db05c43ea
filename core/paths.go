// Package core provides the evacuation data model: jobs, objects under migration,
// assignments and their state machines, storage nodes, and the error taxonomy.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package core

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

const TmpSuffix = ".tmp"

// FQN is the final on-disk location: <root>/<owner>/<object-id>
func FQN(root, owner, objID string) string { return filepath.Join(root, owner, objID) }

// TmpFQN is the sibling download target.
func TmpFQN(fqn string) string { return fqn + TmpSuffix }

func IsTmpFQN(fqn string) bool { return strings.HasSuffix(fqn, TmpSuffix) }

// DefaultSourceURLFmt renders the download location of an object on a storage node,
// e.g. http://1.stor.example.com/<owner>/<object-id>
const DefaultSourceURLFmt = "http://%s/%s/%s"

// ObjectURL formats (storage-id, owner, object-id) with path-escaped components.
func ObjectURL(format, storageID, owner, objID string) string {
	if format == "" {
		format = DefaultSourceURLFmt
	}
	return fmt.Sprintf(format, storageID, url.PathEscape(owner), url.PathEscape(objID))
}
