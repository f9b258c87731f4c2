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

// Package s3 implements backing.Ops against a single S3 (or S3-compatible)
// object, grounded on the teacher's storage/persistence-s3.go. S3 has no
// partial-write or append primitive, so — exactly like S3Logfile there —
// the whole object is held in memory and read-modify-written on Flush;
// StartWrite/StartRead only touch that in-memory mirror, which Init
// populates with one GetObject and Flush/Reset persist with one PutObject.
package s3

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/launix-de/logfs/backing"
)

// Config names the bucket/key/credentials a backing/s3.Ops binds to,
// mirroring the teacher's S3Factory fields one for one.
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Endpoint        string
	Bucket          string
	Key             string
	ForcePathStyle  bool
}

// Ops is an S3-backed backing.Ops: one object per ring (meta log, data log,
// or standalone canonical file), mirrored entirely into memory between
// Init and Done.
type Ops struct {
	cfg    Config
	client *s3.Client

	mu        bytesBuf
	dirty     bool
	lastRead  int
	lastWrite int
}

// bytesBuf is the in-memory mirror of the object; a named type only so Ops's
// field list reads the way osfile.Ops's does (path/offset bookkeeping next
// to the handle it's for).
type bytesBuf struct {
	data []byte
}

// New returns an Ops bound to cfg. The object is not fetched until Init.
func New(cfg Config) *Ops {
	return &Ops{cfg: cfg}
}

func (o *Ops) Init(read, write bool) error {
	var opts []func(*config.LoadOptions) error
	if o.cfg.Region != "" {
		opts = append(opts, config.WithRegion(o.cfg.Region))
	}
	if o.cfg.AccessKeyID != "" && o.cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.cfg.AccessKeyID, o.cfg.SecretAccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return errors.Join(backing.ErrIO, err)
	}

	var s3Opts []func(*s3.Options)
	if o.cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(opt *s3.Options) { opt.BaseEndpoint = aws.String(o.cfg.Endpoint) })
	}
	if o.cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(opt *s3.Options) { opt.UsePathStyle = true })
	}
	o.client = s3.NewFromConfig(cfg, s3Opts...)

	resp, err := o.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(o.cfg.Bucket),
		Key:    aws.String(o.cfg.Key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			o.mu.data = nil
			return nil
		}
		return errors.Join(backing.ErrIO, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Join(backing.ErrIO, err)
	}
	o.mu.data = data
	return nil
}

func (o *Ops) Done() error {
	if !o.dirty {
		return nil
	}
	return o.Flush()
}

func (o *Ops) growTo(n int) {
	if n <= len(o.mu.data) {
		return
	}
	grown := make([]byte, n)
	copy(grown, o.mu.data)
	o.mu.data = grown
}

func (o *Ops) StartWrite(offset int64, data []byte) error {
	o.growTo(int(offset) + len(data))
	o.lastWrite = copy(o.mu.data[offset:], data)
	o.dirty = true
	return nil
}

func (o *Ops) TestWrite() (int, bool, error) { return o.lastWrite, true, nil }
func (o *Ops) WaitWrite() (int, error)        { return o.lastWrite, nil }

func (o *Ops) StartRead(offset int64, buf []byte) error {
	if offset >= int64(len(o.mu.data)) {
		o.lastRead = 0
		return nil
	}
	o.lastRead = copy(buf, o.mu.data[offset:])
	return nil
}

func (o *Ops) TestRead() (int, bool, error) { return o.lastRead, true, nil }
func (o *Ops) WaitRead() (int, error)        { return o.lastRead, nil }

func (o *Ops) Flush() error {
	_, err := o.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(o.cfg.Bucket),
		Key:    aws.String(o.cfg.Key),
		Body:   bytes.NewReader(o.mu.data),
	})
	if err != nil {
		return errors.Join(backing.ErrIO, err)
	}
	o.dirty = false
	return nil
}

func (o *Ops) Reset(size int64) error {
	o.mu.data = make([]byte, size)
	return o.Flush()
}

func (o *Ops) GetSize() (int64, error) {
	return int64(len(o.mu.data)), nil
}
