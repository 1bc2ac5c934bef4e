// Package work defines the contract between the execution bridge and the
// computations it runs. The numeric engines behind each job class live
// elsewhere; the orchestrator only sees this interface.
package work

import (
	"context"
	"encoding/json"

	"github.com/mkarlsen/quantd/internal/model"
)

// ProgressFunc reports a progress update from a running computation. It is
// safe to call from the worker goroutine; updates are handed off to the
// orchestrator and never mutate job state directly. It never blocks and
// never panics back into the caller.
type ProgressFunc func(p model.Progress)

// Func is a unit of long-running work. It must observe ctx promptly: a
// cancelled context means the job was cancelled and the function should
// unwind, returning ctx.Err(). The returned raw message becomes the job
// result on success.
type Func func(ctx context.Context, report ProgressFunc) (json.RawMessage, error)
