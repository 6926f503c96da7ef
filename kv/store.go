// Copyright 2023 The Cuber Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package kv is the abstract ordered key-value engine the region core is
// built on (spec §1: "the underlying ordered KV engine ... treated as an
// abstract KV store with transactional writes and snapshots"). Region,
// txn, scan and invindex never talk to a concrete engine; they only see
// this interface, so a process can be wired to any column-family capable
// LSM or B-tree store without touching region logic.
package kv

import (
	"context"
	"errors"
)

const (
	// DefaultCF holds routing-index (primary/secondary) row data.
	DefaultCF = CF("default")
	// MetaCF holds region_info/applied_index/num_table_lines/pre_commit rows.
	MetaCF = CF("meta")
	// ReverseCF holds the three-level inverted-index postings.
	ReverseCF = CF("reverse")
)

var (
	ErrNotFound  = errors.New("key not found")
	ErrConflict  = errors.New("write conflict")
	ErrTxnClosed = errors.New("transaction already closed")
)

type CF string

func (cf CF) String() string { return string(cf) }

// Store is a process-wide, column-family-capable transactional KV engine.
// Region isolation within Store comes entirely from key prefixing
// (region_id || ...), never from separate Store instances.
type Store interface {
	CreateColumn(cf CF) error
	GetAllColumns() []CF

	// NewSnapshot pins the current engine state for consistent reads; it
	// must be closed by the caller and must not outlive the Store.
	NewSnapshot() Snapshot

	// Begin opens a read-write transaction. If snap is non-nil, reads
	// inside the txn observe that snapshot; writes are buffered until
	// Commit.
	Begin(snap Snapshot) Txn

	Get(ctx context.Context, cf CF, key []byte, snap Snapshot) (ValueGetter, error)
	List(ctx context.Context, cf CF, prefix, marker []byte, snap Snapshot) ListReader

	Write(ctx context.Context, batch WriteBatch) error
	Stats(ctx context.Context) (Stats, error)
	Close()
}

// Txn is a single KV transaction: the unit of atomicity for a consensus
// apply (data mutation + applied_index + num_table_lines written together,
// spec §4.1).
type Txn interface {
	Get(ctx context.Context, cf CF, key []byte) (ValueGetter, error)
	Put(cf CF, key, value []byte)
	Delete(cf CF, key []byte)
	DeleteRange(cf CF, start, end []byte)
	// Lock takes a row-level lock on key for the lifetime of the
	// transaction; exec.Insert and exec.Delete take it on the row's
	// primary key.
	Lock(key []byte) error
	Commit(ctx context.Context) error
	Rollback()
}

type ListReader interface {
	Next() (key []byte, val ValueGetter, ok bool)
	Prev() (key []byte, val ValueGetter, ok bool)
	SeekTo(key []byte)
	SeekForPrev(key []byte)
	Close()
}

type ValueGetter interface {
	Value() []byte
	Size() int
	Close()
}

type Snapshot interface {
	Close()
}

type WriteBatch interface {
	Put(cf CF, key, value []byte)
	Delete(cf CF, key []byte)
	DeleteRange(cf CF, start, end []byte)
	Close()
}

type Stats struct {
	Used       uint64
	NumEntries uint64
}
