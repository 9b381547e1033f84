// Package sequence derives human-readable, branch-scoped order numbers.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	PurchaseOrderPrefix = "PO"
	SalesOrderPrefix    = "SO"
)

// Next returns the number following last, formatted PREFIX-NNN.
// An empty or unparsable last number starts the sequence at 1.
func Next(last string, prefix string) string {
	next := Value(last) + 1
	return Format(prefix, next)
}

func Format(prefix string, n int) string {
	return fmt.Sprintf("%s-%03d", strings.ToUpper(strings.TrimSpace(prefix)), n)
}

// Value returns the trailing numeric sequence of number, or 0 if it has none.
func Value(number string) int {
	number = strings.TrimSpace(number)
	end := len(number)
	start := end
	for start > 0 && number[start-1] >= '0' && number[start-1] <= '9' {
		start--
	}
	if start == end {
		return 0
	}
	n, err := strconv.Atoi(number[start:end])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Retry runs fn and, when it fails with conflict, runs it exactly once more.
// fn is expected to recompute the number on every call.
func Retry(ctx context.Context, conflict error, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err == nil || !errors.Is(err, conflict) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fn(ctx)
}
