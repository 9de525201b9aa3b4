package handler

import (
	"context"
	"fmt"
)

// Echo is the reference Handler shipped by the core: it demonstrates the
// contract without any domain-specific business logic, which lives in
// handlers registered by the binary that embeds the worker runtime. Args is
// copied verbatim into Result.Output so callers can verify a round trip.
var Echo HandlerFunc = func(ctx context.Context, args []byte) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, fmt.Errorf("handler: echo: %w", ctx.Err())
	default:
	}
	out := make([]byte, len(args))
	copy(out, args)
	return Result{Output: out}, nil
}
