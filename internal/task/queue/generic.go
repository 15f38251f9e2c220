package queue

import (
	"context"
	"fmt"
)

// SubmitFunc submits a typed function. The result is retrieved with Await.
func SubmitFunc[T any](q *Queue, fn func(ctx context.Context) (T, error), opt Options) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("queue: nil func")
	}
	return q.Submit(func(ctx context.Context, _ []any) (any, error) {
		return fn(ctx)
	}, nil, opt)
}

// Await waits for id and asserts its result to T.
func Await[T any](ctx context.Context, q *Queue, id string) (T, error) {
	var zero T
	v, err := q.Wait(ctx, id)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("queue: task %s returned %T, want %T", id, v, zero)
	}
	return out, nil
}
