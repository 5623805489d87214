package cdb

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// FakeClient is an in-memory, fully synchronous-or-scripted Client used by
// writer tests to control exactly when and how a write completes.
type FakeClient struct {
	mu       sync.Mutex
	Requests []WriteRequest
	// NextResult, if set, is returned for the next Write via cb instead of
	// OK. It is consumed (reset to OK) after each write.
	NextResult ResultCode
	// Async, if true, delivers the callback on a separate goroutine rather
	// than synchronously before Write returns.
	Async bool
}

// NewFakeClient creates a FakeClient that succeeds every write until told
// otherwise via NextResult.
func NewFakeClient() *FakeClient {
	return &FakeClient{}
}

func (c *FakeClient) Write(_ context.Context, req WriteRequest, cb Callback) (Tag, error) {
	c.mu.Lock()
	c.Requests = append(c.Requests, req)
	rc := c.NextResult
	c.NextResult = OK
	async := c.Async
	c.mu.Unlock()

	tag := Tag(uuid.NewString())
	if cb == nil {
		return tag, nil
	}
	if async {
		go cb(tag, rc, nil)
	} else {
		cb(tag, rc, nil)
	}
	return tag, nil
}

func (c *FakeClient) Close() error { return nil }

// Count returns the number of Write calls made so far.
func (c *FakeClient) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Requests)
}

// Last returns the most recent write request, or the zero value if none.
func (c *FakeClient) Last() WriteRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Requests) == 0 {
		return WriteRequest{}
	}
	return c.Requests[len(c.Requests)-1]
}
