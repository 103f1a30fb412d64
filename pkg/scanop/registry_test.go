package scanop

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orcherrors "github.com/scanforge/orchestrator-core/pkg/errors"
)

func TestRegistryInvokeUnregisteredIsFatal(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	_, err := r.Invoke(context.Background(), "stage-1", "classify", nil)
	require.Error(t, err)
	assert.True(t, orcherrors.Is(err, orcherrors.KindStageFatal))
}

func TestRegistryInvokeSuccess(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Register("classify", OperationFunc(func(ctx context.Context, inputs map[string]any) (Outcome, error) {
		return Outcome{Outputs: map[string]any{"classification": "pii"}}, nil
	}))

	out, err := r.Invoke(context.Background(), "stage-1", "classify", nil)
	require.NoError(t, err)
	assert.Equal(t, "pii", out.Outputs["classification"])
}

func TestRegistryInvokeRetryableClassification(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Register("classify", OperationFunc(func(ctx context.Context, inputs map[string]any) (Outcome, error) {
		return Outcome{Retryable: true}, errors.New("transient I/O error")
	}))

	_, err := r.Invoke(context.Background(), "stage-1", "classify", nil)
	require.Error(t, err)
	assert.True(t, orcherrors.Is(err, orcherrors.KindStageRetryable))
}

func TestRegistryInvokeFatalClassification(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Register("classify", OperationFunc(func(ctx context.Context, inputs map[string]any) (Outcome, error) {
		return Outcome{}, errors.New("unsupported operation")
	}))

	_, err := r.Invoke(context.Background(), "stage-1", "classify", nil)
	require.Error(t, err)
	assert.True(t, orcherrors.Is(err, orcherrors.KindStageFatal))
}

func TestRegistryBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Register("classify", OperationFunc(func(ctx context.Context, inputs map[string]any) (Outcome, error) {
		return Outcome{}, errors.New("boom")
	}))

	for i := 0; i < 5; i++ {
		_, _ = r.Invoke(context.Background(), "stage-1", "classify", nil)
	}

	_, err := r.Invoke(context.Background(), "stage-1", "classify", nil)
	require.Error(t, err)
	assert.True(t, orcherrors.Is(err, orcherrors.KindStageRetryable))
}
