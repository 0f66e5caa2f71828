package kverr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAndIs(t *testing.T) {
	err := New(NotFound, "get").WithKey("k1")
	assert.True(t, Is(err, NotFound))
	assert.False(t, Is(err, Invalid))
	assert.Equal(t, "k1", err.Key)
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(Invalid, "put", cause)
	assert.True(t, Is(err, Invalid))
	assert.ErrorIs(t, err, cause)
}

func TestWithLeaderHint(t *testing.T) {
	err := New(NotLeader, "put").WithLeaderHint("10.0.0.2:7950")
	assert.Equal(t, "10.0.0.2:7950", err.LeaderHint)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"typed error", New(BatchTooLarge, "put_many"), BatchTooLarge},
		{"plain error", errors.New("oops"), ""},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorMessageIncludesOpAndCause(t *testing.T) {
	err := Wrap(Invalid, "put", errors.New("bad json"))
	assert.Contains(t, err.Error(), "put")
	assert.Contains(t, err.Error(), "bad json")
}

func TestWithRequestIDAndRequestIDOf(t *testing.T) {
	err := New(NotLeader, "put").WithRequestID("req-123")
	assert.Equal(t, "req-123", err.RequestID)
	assert.Equal(t, "req-123", RequestIDOf(err))
	assert.Equal(t, "", RequestIDOf(errors.New("plain")))
}
