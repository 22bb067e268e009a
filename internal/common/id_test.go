package common

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewULID(t *testing.T) {
	a, err := NewULID()
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	b, err := NewULID()
	require.NoError(t, err)

	assert.Len(t, a, 26)
	assert.NotEqual(t, a, b)
	assert.Less(t, a, b, "ids should sort by creation time")

	_, err = ulid.Parse(a)
	assert.NoError(t, err)
}
