//go:build ceph

// Copyright (C) 2026 The Project Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Ceph/RADOS backend. Built only with -tags ceph, the same gate the
// teacher's own storage/persistence-ceph.go uses, since librados's cgo
// bindings require the Ceph client headers to be present on the build
// host.
package archive

import (
	"context"
	"io"
	"path"
	"sync"

	"github.com/ceph/go-ceph/rados"
)

// CephConfig names the cluster, pool, and object-key prefix a CephBackend
// writes under.
type CephConfig struct {
	ClusterName string
	UserName    string
	ConfFile    string
	Pool        string
	Prefix      string
}

// CephBackend uploads archived files as RADOS objects, lazily connecting
// on first use the same way the teacher's CephStorage does.
type CephBackend struct {
	cfg CephConfig

	mu    sync.Mutex
	conn  *rados.Conn
	ioctx *rados.IOContext
}

// NewCephBackend constructs a backend that opens its connection lazily.
func NewCephBackend(cfg CephConfig) *CephBackend {
	return &CephBackend{cfg: cfg}
}

func (b *CephBackend) ensureOpen() (*rados.IOContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ioctx != nil {
		return b.ioctx, nil
	}

	conn, err := rados.NewConnWithClusterAndUser(b.cfg.ClusterName, b.cfg.UserName)
	if err != nil {
		return nil, err
	}
	if b.cfg.ConfFile != "" {
		if err := conn.ReadConfigFile(b.cfg.ConfFile); err != nil {
			return nil, err
		}
	} else {
		_ = conn.ReadDefaultConfigFile()
	}
	if err := conn.Connect(); err != nil {
		return nil, err
	}
	ioctx, err := conn.OpenIOContext(b.cfg.Pool)
	if err != nil {
		conn.Shutdown()
		return nil, err
	}
	b.conn = conn
	b.ioctx = ioctx
	return b.ioctx, nil
}

// Upload implements Backend by writing the full object in one WriteFull
// call, RADOS having no notion of a streamed multipart upload the way S3
// does.
func (b *CephBackend) Upload(ctx context.Context, key string, r io.Reader) error {
	ioctx, err := b.ensureOpen()
	if err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	objName := path.Join(b.cfg.Prefix, key)
	return ioctx.WriteFull(objName, data)
}
