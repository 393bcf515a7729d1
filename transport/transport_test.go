package transport

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRetryableClassification(t *testing.T) {
	var retry = Errorf("listMergedPRs", 503, true, "service unavailable")
	var terminal = Errorf("getPR", 422, false, "unprocessable")

	require.True(t, Retryable(retry))
	require.False(t, Retryable(terminal))
	require.False(t, Retryable(errors.New("plain")))
	require.False(t, Retryable(nil))

	// Wrapping preserves classification.
	require.True(t, Retryable(fmt.Errorf("cycle: %w", retry)))
}

func TestErrorMessageIncludesStatus(t *testing.T) {
	var err = Errorf("blocksGet", 500, true, "boom")
	require.Contains(t, err.Error(), "blocksGet")
	require.Contains(t, err.Error(), "500")

	var noStatus = Errorf("blocksGet", 0, true, "dial tcp: timeout")
	require.NotContains(t, noStatus.Error(), "status")
}
