package sequence

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextStartsAtOne(t *testing.T) {
	require.Equal(t, "PO-001", Next("", PurchaseOrderPrefix))
	require.Equal(t, "SO-001", Next("garbage", SalesOrderPrefix))
}

func TestNextIncrementsTrailingDigits(t *testing.T) {
	require.Equal(t, "PO-002", Next("PO-001", "PO"))
	require.Equal(t, "PO-010", Next("PO-009", "PO"))
	require.Equal(t, "PO-1000", Next("PO-999", "PO"))
	require.Equal(t, "SO-043", Next("SO-42", "so"))
}

func TestRetryRunsOnceMoreOnConflict(t *testing.T) {
	errConflict := errors.New("conflict")
	calls := 0
	err := Retry(context.Background(), errConflict, func(context.Context) error {
		calls++
		if calls == 1 {
			return errConflict
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestRetryGivesUpAfterSecondConflict(t *testing.T) {
	errConflict := errors.New("conflict")
	calls := 0
	err := Retry(context.Background(), errConflict, func(context.Context) error {
		calls++
		return errConflict
	})
	require.ErrorIs(t, err, errConflict)
	require.Equal(t, 2, calls)
}

func TestRetryDoesNotRetryOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Retry(context.Background(), errors.New("conflict"), func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestValueReadsTrailingDigits(t *testing.T) {
	require.Equal(t, 12, Value("PO-012"))
	require.Equal(t, 0, Value("PO-"))
	require.Equal(t, 0, Value(""))
}
