package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafe(t *testing.T) {
	assert.Equal(t, "", Safe(""))
	assert.Equal(t, "orders-v2", Safe("orders.v2"))
	assert.Equal(t, "my-queue-name", Safe("My Queue Name"))
	assert.Equal(t, "abc123", Safe("abc123"))
}

func TestSafeLengthPreserving(t *testing.T) {
	in := "a!b@c#d$e"
	assert.Equal(t, len(in), len(Safe(in)))
}

func TestTableSafe(t *testing.T) {
	assert.Equal(t, "", TableSafe(""))
	assert.Equal(t, "OrdersxV2", TableSafe("orders.v2"))
	assert.Equal(t, "MyxQueuexName", TableSafe("My Queue Name"))

	// Must always start with a letter.
	got := TableSafe("123abc")
	assert.True(t, strings.HasPrefix(got, "T") || (got[0] >= 'A' && got[0] <= 'Z'))
}

func TestNewIdentityFormat(t *testing.T) {
	id := New()
	assert.Contains(t, id, "-")
	parts := strings.Split(id, "-")
	assert.GreaterOrEqual(t, len(parts), 2)
}
