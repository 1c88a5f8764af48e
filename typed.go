package toolhost

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/toolhost/toolhost-go/invoke"
)

// Typed adapts a handler taking decoded arguments of type A into a registry
// Handler. Schema validation runs before the handler, so by the time fn sees
// the arguments they satisfy the declared parameter schema.
func Typed[A any](fn func(ctx context.Context, inv *invoke.Context, args A) (any, error)) Handler {
	return func(ctx context.Context, inv *invoke.Context, raw json.RawMessage) (any, error) {
		var a A
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &a); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
		}
		return fn(ctx, inv, a)
	}
}
