// Package agent implements the per-node transfer processor: it accepts assignments,
// downloads and verifies objects, and reports per-task outcomes to the manager.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package agent

import (
	"os"

	"github.com/NVIDIA/rebalancer/api/apc"
	"github.com/NVIDIA/rebalancer/cmn/cos"
	"github.com/NVIDIA/rebalancer/cmn/nlog"
	"github.com/NVIDIA/rebalancer/core"

	"github.com/karrick/godirwalk"
	"golang.org/x/sys/unix"
)

// max walk errors before giving up
const errThreshold = 100

// removeTmp deletes partial downloads (*.tmp) anywhere under root.
func removeTmp(root string) (n int, err error) {
	var errCnt int
	opts := &godirwalk.Options{
		Unsorted: true,
		Callback: func(fqn string, de *godirwalk.Dirent) error {
			if de.IsDir() || !core.IsTmpFQN(fqn) {
				return nil
			}
			if err := cos.RemoveFile(fqn); err != nil {
				return err
			}
			n++
			return nil
		},
		ErrorCallback: func(fqn string, err error) godirwalk.ErrorAction {
			errCnt++
			nlog.Warningln("walk", fqn+":", err)
			if errCnt > errThreshold {
				return godirwalk.Halt
			}
			return godirwalk.SkipNode
		},
	}
	if err = godirwalk.Walk(root, opts); err != nil && os.IsNotExist(err) {
		err = nil
	}
	return
}

func statfs(root string) (total, used int64, err error) {
	var st unix.Statfs_t
	if err = unix.Statfs(root, &st); err != nil {
		nlog.Errorf("failed to statfs %q: %v", root, err)
		return
	}
	bsize := int64(st.Bsize) //nolint:unconvert // platform-dependent type
	total = int64(st.Blocks) * bsize
	used = total - int64(st.Bavail)*bsize
	return
}

// Capacity reports the filesystem holding the object root.
func (p *Processor) Capacity() (*apc.CapacityInfo, error) {
	conf := p.co.Get()
	total, used, err := statfs(conf.Root)
	if err != nil {
		return nil, err
	}
	return &apc.CapacityInfo{
		StorageID:  conf.StorageID,
		Datacenter: conf.Datacenter,
		TotalBytes: total,
		UsedBytes:  used,
		Pending:    p.Pending(),
	}, nil
}

// OpenObject opens a stored (final, verified) object for serving.
func (p *Processor) OpenObject(owner, objID string) (*os.File, os.FileInfo, error) {
	if err := core.ValidatePathElem(owner); err != nil {
		return nil, nil, err
	}
	if err := core.ValidatePathElem(objID); err != nil {
		return nil, nil, err
	}
	fh, err := os.Open(core.FQN(p.co.Get().Root, owner, objID))
	if err != nil {
		return nil, nil, err
	}
	finfo, err := fh.Stat()
	if err != nil || finfo.IsDir() {
		fh.Close()
		if err == nil {
			err = cos.NewErrNotFound(owner, objID)
		}
		return nil, nil, err
	}
	return fh, finfo, nil
}
