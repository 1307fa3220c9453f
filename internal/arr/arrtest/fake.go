// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package arrtest provides an in-memory arr.Client for service tests.
package arrtest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/autobrr/huntarr/internal/arr"
	"github.com/autobrr/huntarr/internal/models"
)

// Fake is a scriptable arr.Client. All fields may be changed between calls
// through the setters; direct field access is only safe before first use.
type Fake struct {
	AppType models.AppType
	Version string

	mu         sync.Mutex
	statusErr  error
	missing    []arr.Item
	upgrades   []arr.Item
	listErr    error
	queue      []arr.QueueItem
	queueSize  int
	queueErr   error
	searchErr  func(id int64) error
	onSearch   func(ctx context.Context, ids []int64)
	searches   [][]int64
	removed    []int64
	removeErr  error
	cmdStatus  string
	commandSeq atomic.Int64

	StatusCalls atomic.Int32
	ListCalls   atomic.Int32
	QueueCalls  atomic.Int32
}

var _ arr.Client = (*Fake)(nil)

func NewFake(app models.AppType) *Fake {
	return &Fake{AppType: app, Version: "4.0.0.1", cmdStatus: "completed"}
}

func (f *Fake) SetStatusErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusErr = err
}

func (f *Fake) SetMissing(items ...arr.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missing = append([]arr.Item(nil), items...)
}

func (f *Fake) SetUpgrades(items ...arr.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upgrades = append([]arr.Item(nil), items...)
}

func (f *Fake) SetListErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func (f *Fake) SetQueue(items ...arr.QueueItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append([]arr.QueueItem(nil), items...)
	f.queueSize = len(items)
}

func (f *Fake) SetQueueSize(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queueSize = n
}

func (f *Fake) SetQueueErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queueErr = err
}

// SetSearchErr makes TriggerSearch fail for the ids fn returns an error for.
func (f *Fake) SetSearchErr(fn func(id int64) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchErr = fn
}

// OnSearch runs before each search is recorded; it may block on ctx.
func (f *Fake) OnSearch(fn func(ctx context.Context, ids []int64)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSearch = fn
}

func (f *Fake) SetRemoveErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeErr = err
}

func (f *Fake) SetCommandStatus(status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmdStatus = status
}

// SearchedIDs flattens every successful TriggerSearch call in order.
func (f *Fake) SearchedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for _, batch := range f.searches {
		ids = append(ids, batch...)
	}
	return ids
}

func (f *Fake) SearchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.searches)
}

func (f *Fake) RemovedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.removed...)
}

func (f *Fake) App() models.AppType {
	return f.AppType
}

func (f *Fake) SystemStatus(ctx context.Context) (*arr.SystemStatus, error) {
	f.StatusCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	name := string(f.AppType)
	if f.AppType == models.AppWhisparrV3 {
		name = string(models.AppWhisparr)
	}
	return &arr.SystemStatus{AppName: name, Version: f.Version}, nil
}

func (f *Fake) list(ctx context.Context, opts arr.ListOptions, items []arr.Item) ([]arr.Item, error) {
	f.ListCalls.Add(1)
	if opts.BeforeRequest != nil {
		if err := opts.BeforeRequest(ctx); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]arr.Item, 0, len(items))
	for _, item := range items {
		if opts.MonitoredOnly && !item.Monitored {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func (f *Fake) ListMissing(ctx context.Context, opts arr.ListOptions) ([]arr.Item, error) {
	f.mu.Lock()
	items := f.missing
	f.mu.Unlock()
	return f.list(ctx, opts, items)
}

func (f *Fake) ListUpgradeCandidates(ctx context.Context, opts arr.ListOptions) ([]arr.Item, error) {
	f.mu.Lock()
	items := f.upgrades
	f.mu.Unlock()
	return f.list(ctx, opts, items)
}

func (f *Fake) TriggerSearch(ctx context.Context, itemIDs ...int64) (*arr.Command, error) {
	f.mu.Lock()
	hook := f.onSearch
	errFn := f.searchErr
	f.mu.Unlock()

	if hook != nil {
		hook(ctx, itemIDs)
	}
	if err := ctx.Err(); err != nil {
		return nil, &arr.UpstreamError{Op: "POST command", Err: err}
	}
	if errFn != nil {
		for _, id := range itemIDs {
			if err := errFn(id); err != nil {
				return nil, err
			}
		}
	}

	f.mu.Lock()
	f.searches = append(f.searches, append([]int64(nil), itemIDs...))
	f.mu.Unlock()

	return &arr.Command{ID: f.commandSeq.Add(1), Name: "Search", Status: "queued"}, nil
}

func (f *Fake) CommandStatus(ctx context.Context, commandID int64) (*arr.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &arr.Command{ID: commandID, Name: "Search", Status: f.cmdStatus}, nil
}

func (f *Fake) ListActiveDownloads(ctx context.Context) ([]arr.QueueItem, error) {
	f.QueueCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queueErr != nil {
		return nil, f.queueErr
	}
	return append([]arr.QueueItem(nil), f.queue...), nil
}

func (f *Fake) QueueSize(ctx context.Context) (int, error) {
	f.QueueCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queueErr != nil {
		return 0, f.queueErr
	}
	return f.queueSize, nil
}

func (f *Fake) RemoveDownload(ctx context.Context, queueID int64, opts arr.RemoveOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, queueID)
	kept := f.queue[:0]
	for _, q := range f.queue {
		if q.ID != queueID {
			kept = append(kept, q)
		}
	}
	f.queue = kept
	f.queueSize = len(kept)
	return nil
}
