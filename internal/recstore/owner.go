package recstore

import (
	"context"
	"errors"
	"time"
)

// ErrOwnerStopped is returned by Do once the owner's Run loop has exited.
var ErrOwnerStopped = errors.New("store owner stopped")

// DefaultStatusInterval is how often Run logs the storage summary.
const DefaultStatusInterval = 10 * time.Second

// Owner serializes access to a Store: every operation runs as a closure on
// the goroutine executing Run.
type Owner struct {
	store    *Store
	interval time.Duration
	reqs     chan func()
	done     chan struct{}
}

// NewOwner wraps s. A non-positive interval disables the periodic status log.
func NewOwner(s *Store, interval time.Duration) *Owner {
	return &Owner{
		store:    s,
		interval: interval,
		reqs:     make(chan func()),
		done:     make(chan struct{}),
	}
}

// Run executes submitted operations until ctx is cancelled. It must be
// called once.
func (o *Owner) Run(ctx context.Context) error {
	defer close(o.done)

	var tick <-chan time.Time
	if o.interval > 0 {
		t := time.NewTicker(o.interval)
		defer t.Stop()
		tick = t.C
	}

	o.store.log.Info("store owner started")
	for {
		select {
		case <-ctx.Done():
			o.store.log.Info("store owner stopped")
			return ctx.Err()
		case fn := <-o.reqs:
			fn()
		case <-tick:
			o.logStatus()
		}
	}
}

func (o *Owner) logStatus() {
	info, err := o.store.StorageInfo()
	if err != nil {
		o.store.log.Warn("flash status unavailable", "err", err)
		return
	}
	o.store.log.Info("flash status",
		"records", info.Records,
		"used", info.Used,
		"free", info.Free,
		"next_id", o.store.NextRecordID(),
		"cache", o.store.cache.len())
}

// Do runs fn with exclusive access to the store and returns its error.
// If ctx ends while fn is running, Do returns early but fn still completes.
func (o *Owner) Do(ctx context.Context, fn func(*Store) error) error {
	errc := make(chan error, 1)
	req := func() { errc <- fn(o.store) }

	select {
	case o.reqs <- req:
	case <-o.done:
		return ErrOwnerStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn through o and hands back its value without sharing variables
// with a closure that may outlive an abandoned Do.
func call[T any](ctx context.Context, o *Owner, fn func(*Store) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	resc := make(chan result, 1)
	err := o.Do(ctx, func(s *Store) error {
		v, err := fn(s)
		resc <- result{v, err}
		return err
	})
	select {
	case r := <-resc:
		return r.v, r.err
	default:
		var zero T
		return zero, err
	}
}

// Store appends data through the owner.
func (o *Owner) Store(ctx context.Context, data []byte) (uint32, error) {
	return call(ctx, o, func(s *Store) (uint32, error) {
		return s.StoreData(data)
	})
}

// Read fetches one record through the owner.
func (o *Owner) Read(ctx context.Context, id uint32) (Record, error) {
	return call(ctx, o, func(s *Store) (Record, error) {
		return s.ReadData(id)
	})
}

// Info returns the storage summary through the owner.
func (o *Owner) Info(ctx context.Context) (Info, error) {
	return call(ctx, o, func(s *Store) (Info, error) {
		return s.StorageInfo()
	})
}
