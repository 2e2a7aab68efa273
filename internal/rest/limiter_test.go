package rest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotewire/quotewire/internal/errs"
)

func TestConnLimiter_AcquireRelease(t *testing.T) {
	l := NewConnLimiter(2)

	s1, err := l.Acquire()
	require.NoError(t, err)
	s2, err := l.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 2, l.InUse())

	_, err = l.Acquire()
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindRateLimited))
	assert.EqualValues(t, 1, l.Rejected())

	s1.Release()
	assert.Equal(t, 1, l.InUse())
	s3, err := l.Acquire()
	require.NoError(t, err)

	s2.Release()
	s3.Release()
	assert.Equal(t, 0, l.InUse())
}

func TestConnLimiter_DoubleReleaseIsSafe(t *testing.T) {
	l := NewConnLimiter(1)
	s, err := l.Acquire()
	require.NoError(t, err)

	s.Release()
	s.Release()
	s.Release()
	assert.Equal(t, 0, l.InUse(), "extra releases must not free slots twice")

	// The single slot is still usable and still singular.
	s2, err := l.Acquire()
	require.NoError(t, err)
	_, err = l.Acquire()
	require.Error(t, err)
	s2.Release()
}
