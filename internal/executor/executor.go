// Package executor runs independent per-item operations with bounded
// parallelism and per-item timeouts. Every fan-out stage of the funnel uses
// the same machinery; only the operation and the limits differ.
package executor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config bounds one stage invocation.
type Config struct {
	// Concurrency is the max operations in flight at once. Default: 4.
	Concurrency int

	// Timeout bounds each individual operation. Default: 2m.
	Timeout time.Duration

	// ChunkSize, when > 0, processes items in fixed-size chunks with
	// ChunkPause between them. Trades throughput for backend load.
	ChunkSize  int
	ChunkPause time.Duration
}

// Failure records one item that did not produce a result.
type Failure struct {
	Index int
	Label string
	Err   error
}

// Result aggregates one stage invocation.
type Result[R any] struct {
	// Values holds results of completed operations, in input order.
	Values   []R
	Failures []Failure
}

// Operation produces a result for one item. It should honor ctx, but the
// executor enforces the timeout regardless.
type Operation[T, R any] func(ctx context.Context, item T) (R, error)

// Map applies op to every item with at most cfg.Concurrency in flight.
// Items that time out, return an error, or panic are dropped and recorded
// as failures; one bad item never blocks the batch. Results keep the input
// order so callers can rely on it for stable downstream sorting. label
// renders an item identifier for failure logs.
func Map[T, R any](ctx context.Context, cfg Config, items []T, label func(T) string, op Operation[T, R]) Result[R] {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}

	type slot struct {
		val R
		ok  bool
	}
	slots := make([]slot, len(items))
	failures := make([]Failure, len(items))

	run := func(chunk []T, offset int) {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(cfg.Concurrency)
		for i, item := range chunk {
			idx := offset + i
			item := item
			g.Go(func() error {
				val, err := runOne(gctx, cfg.Timeout, item, op)
				if err != nil {
					failures[idx] = Failure{Index: idx, Label: label(item), Err: err}
					zap.L().Warn("item failed stage",
						zap.Int("index", idx),
						zap.String("item", label(item)),
						zap.Error(err),
					)
					return nil // failures never abort the batch
				}
				slots[idx] = slot{val: val, ok: true}
				return nil
			})
		}
		_ = g.Wait()
	}

	if cfg.ChunkSize > 0 {
		for start := 0; start < len(items); start += cfg.ChunkSize {
			end := start + cfg.ChunkSize
			if end > len(items) {
				end = len(items)
			}
			run(items[start:end], start)
			if end < len(items) && cfg.ChunkPause > 0 {
				select {
				case <-ctx.Done():
					start = len(items)
				case <-time.After(cfg.ChunkPause):
				}
			}
		}
	} else {
		run(items, 0)
	}

	res := Result[R]{Values: make([]R, 0, len(items))}
	for i, s := range slots {
		if s.ok {
			res.Values = append(res.Values, s.val)
			continue
		}
		f := failures[i]
		if f.Err == nil {
			// Never attempted (context cancelled before its chunk ran).
			f = Failure{Index: i, Label: label(items[i]), Err: context.Canceled}
		}
		res.Failures = append(res.Failures, f)
	}
	return res
}

// runOne enforces the per-item timeout even when op ignores its context:
// the op runs in its own goroutine and the executor abandons it on deadline.
func runOne[T, R any](ctx context.Context, timeout time.Duration, item T, op Operation[T, R]) (R, error) {
	itemCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		val R
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero R
				done <- outcome{val: zero, err: fmt.Errorf("operation panicked: %v", r)}
			}
		}()
		val, err := op(itemCtx, item)
		done <- outcome{val: val, err: err}
	}()

	var zero R
	select {
	case <-itemCtx.Done():
		return zero, itemCtx.Err()
	case out := <-done:
		return out.val, out.err
	}
}
