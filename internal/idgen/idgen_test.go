package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithPrefix(t *testing.T) {
	a, b := WithPrefix("shd_"), WithPrefix("shd_")
	assert.True(t, strings.HasPrefix(a, "shd_"))
	assert.Len(t, a, len("shd_")+24)
	assert.NotEqual(t, a, b)
}

func TestNewIsVersion4UUID(t *testing.T) {
	id := New()
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), parsed.Version())
	assert.Equal(t, uuid.RFC4122, parsed.Variant())
	assert.NotEqual(t, id, New())
}
