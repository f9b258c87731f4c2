//go:build ceph

/*
Copyright (C) 2024  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package ceph implements backing.Ops against a single RADOS object,
// grounded on the teacher's storage/persistence-ceph.go. Unlike S3, RADOS
// takes a write offset directly, so — unlike backing/s3 — this Ops drives
// the object with true random-offset Write/Read instead of an in-memory
// mirror; the ring above still never has to know which medium it's on.
package ceph

import (
	"errors"

	"github.com/ceph/go-ceph/rados"

	"github.com/launix-de/logfs/backing"
)

// Config names the cluster/pool/object a backing/ceph.Ops binds to,
// mirroring the teacher's CephFactory fields one for one plus the object
// name itself (the teacher derives object names from shard+column; here
// there is exactly one object per ring, so the caller names it directly).
type Config struct {
	UserName    string
	ClusterName string
	ConfFile    string
	Pool        string
	Object      string
}

// Ops is a RADOS-backed backing.Ops.
type Ops struct {
	cfg   Config
	conn  *rados.Conn
	ioctx *rados.IOContext

	lastRead  int
	lastWrite int
}

// New returns an Ops bound to cfg. The cluster connection is not opened
// until Init.
func New(cfg Config) *Ops {
	return &Ops{cfg: cfg}
}

func (o *Ops) Init(read, write bool) error {
	conn, err := rados.NewConnWithClusterAndUser(o.cfg.ClusterName, o.cfg.UserName)
	if err != nil {
		return errors.Join(backing.ErrIO, err)
	}
	if o.cfg.ConfFile != "" {
		if err := conn.ReadConfigFile(o.cfg.ConfFile); err != nil {
			return errors.Join(backing.ErrIO, err)
		}
	} else {
		_ = conn.ReadDefaultConfigFile()
	}
	if err := conn.Connect(); err != nil {
		return errors.Join(backing.ErrIO, err)
	}
	ioctx, err := conn.OpenIOContext(o.cfg.Pool)
	if err != nil {
		conn.Shutdown()
		return errors.Join(backing.ErrIO, err)
	}
	o.conn = conn
	o.ioctx = ioctx

	if _, err := o.ioctx.Stat(o.cfg.Object); err != nil {
		if err := o.ioctx.Truncate(o.cfg.Object, 0); err != nil {
			return errors.Join(backing.ErrIO, err)
		}
	}
	return nil
}

func (o *Ops) Done() error {
	if o.ioctx != nil {
		o.ioctx.Destroy()
		o.ioctx = nil
	}
	if o.conn != nil {
		o.conn.Shutdown()
		o.conn = nil
	}
	return nil
}

func (o *Ops) StartWrite(offset int64, data []byte) error {
	if err := o.ioctx.Write(o.cfg.Object, data, uint64(offset)); err != nil {
		o.lastWrite = 0
		return errors.Join(backing.ErrIO, err)
	}
	// rados.Write is all-or-nothing: it never partially writes.
	o.lastWrite = len(data)
	return nil
}

func (o *Ops) TestWrite() (int, bool, error) { return o.lastWrite, true, nil }
func (o *Ops) WaitWrite() (int, error)        { return o.lastWrite, nil }

func (o *Ops) StartRead(offset int64, buf []byte) error {
	n, err := o.ioctx.Read(o.cfg.Object, buf, uint64(offset))
	if err != nil {
		return errors.Join(backing.ErrIO, err)
	}
	o.lastRead = n
	return nil
}

func (o *Ops) TestRead() (int, bool, error) { return o.lastRead, true, nil }
func (o *Ops) WaitRead() (int, error)        { return o.lastRead, nil }

// Flush is a no-op: RADOS has no client-side fsync, durability is governed
// by the pool's replication/ack policy (same note as the teacher's
// CephLogfile.flushLocked).
func (o *Ops) Flush() error { return nil }

func (o *Ops) Reset(size int64) error {
	if err := o.ioctx.Truncate(o.cfg.Object, uint64(size)); err != nil {
		return errors.Join(backing.ErrIO, err)
	}
	return nil
}

func (o *Ops) GetSize() (int64, error) {
	stat, err := o.ioctx.Stat(o.cfg.Object)
	if err != nil {
		return 0, errors.Join(backing.ErrIO, err)
	}
	return int64(stat.Size), nil
}
