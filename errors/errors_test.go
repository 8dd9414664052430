package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(42), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.class.String())
		})
	}
}

func TestWrap_Format(t *testing.T) {
	err := Wrap(ErrConnectionLost, "influx", "Publish", "write point")
	require.Error(t, err)
	assert.Equal(t, "influx.Publish: write point failed: connection lost", err.Error())
	assert.True(t, errors.Is(err, ErrConnectionLost))

	assert.Nil(t, Wrap(nil, "a", "b", "c"))
	assert.Nil(t, WrapTransient(nil, "a", "b", "c"))
	assert.Nil(t, WrapInvalid(nil, "a", "b", "c"))
	assert.Nil(t, WrapFatal(nil, "a", "b", "c"))
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		invalid   bool
		fatal     bool
	}{
		{"nil", nil, false, false, false},
		{"connection lost", ErrConnectionLost, true, false, false},
		{"not connected", ErrNotConnected, true, false, false},
		{"deadline", context.DeadlineExceeded, true, false, false},
		{"invalid data", ErrInvalidData, false, true, false},
		{"invalid config", ErrInvalidConfig, false, false, true},
		{"wrapped transient", WrapTransient(fmt.Errorf("boom"), "c", "m", "a"), true, false, false},
		{"wrapped invalid", WrapInvalid(fmt.Errorf("bad"), "c", "m", "a"), false, true, false},
		{"wrapped fatal", WrapFatal(fmt.Errorf("dead"), "c", "m", "a"), false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
			assert.Equal(t, tt.invalid, IsInvalid(tt.err))
			assert.Equal(t, tt.fatal, IsFatal(tt.err))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorFatal, Classify(ErrUnknownType))
	assert.Equal(t, ErrorInvalid, Classify(ErrParsingFailed))
	assert.Equal(t, ErrorTransient, Classify(errors.New("something odd")))
}

func TestClassifiedError_Unwrap(t *testing.T) {
	err := WrapInvalid(ErrParsingFailed, "decoder", "Decode", "parse payload")

	var ce *ClassifiedError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "decoder", ce.Component)
	assert.Equal(t, "Decode", ce.Operation)
	assert.True(t, errors.Is(err, ErrParsingFailed))
}

func TestRetryConfig_Retry(t *testing.T) {
	rc := RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2}

	t.Run("transient retried", func(t *testing.T) {
		calls := 0
		err := rc.Retry(context.Background(), func() error {
			calls++
			if calls < 3 {
				return ErrConnectionLost
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("invalid not retried", func(t *testing.T) {
		calls := 0
		err := rc.Retry(context.Background(), func() error {
			calls++
			return ErrInvalidData
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.True(t, errors.Is(err, ErrInvalidData))
	})
}
