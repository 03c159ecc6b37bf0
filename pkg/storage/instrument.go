package storage

import (
	"context"
	"encoding/json"
	"errors"

	"weft/pkg/metrics"
)

// Instrument wraps a client so every operation is counted by verb and
// outcome. Expected concurrency signals get their own outcome label since
// they are routine, not faults.
func Instrument(inner Client, col *metrics.Collector) Client {
	return &instrumentedClient{inner: inner, col: col}
}

type instrumentedClient struct {
	inner Client
	col   *metrics.Collector
}

func opOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPreconditionFailed):
		return "precondition_failed"
	default:
		return "error"
	}
}

func (c *instrumentedClient) Get(ctx context.Context, key string) (Entry, error) {
	e, err := c.inner.Get(ctx, key)
	c.col.StorageOp("get", opOutcome(err))
	return e, err
}

func (c *instrumentedClient) Put(ctx context.Context, key string, data json.RawMessage, opts PutOptions) (Entry, error) {
	e, err := c.inner.Put(ctx, key, data, opts)
	c.col.StorageOp("put", opOutcome(err))
	return e, err
}

func (c *instrumentedClient) Delete(ctx context.Context, key string, opts DeleteOptions) error {
	err := c.inner.Delete(ctx, key, opts)
	c.col.StorageOp("delete", opOutcome(err))
	return err
}

func (c *instrumentedClient) List(ctx context.Context, prefix string, opts ListOptions) (Page, error) {
	p, err := c.inner.List(ctx, prefix, opts)
	c.col.StorageOp("list", opOutcome(err))
	return p, err
}
