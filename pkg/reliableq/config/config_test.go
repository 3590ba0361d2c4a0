package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseModeCaseInsensitive(t *testing.T) {
	m, ok := ParseMode("sEnD")
	require.True(t, ok)
	assert.Equal(t, ModeSend, m)

	_, ok = ParseMode("bogus")
	assert.False(t, ok)
}

func TestValidateRejectsBadMode(t *testing.T) {
	c := Config{Queues: []QueueConfig{{
		Name:                    "orders",
		StorageConnectionString: "UseDevelopmentStorage=true",
		Mode:                    "Sideways",
		IsEnabled:               true,
	}}}

	err := c.Validate()
	require.Error(t, err)
}

func TestValidateIgnoresDisabledQueues(t *testing.T) {
	c := Config{Queues: []QueueConfig{{
		Name:      "orders",
		Mode:      "bogus",
		IsEnabled: false,
	}}}

	assert.NoError(t, c.Validate())
}

func TestLookupCaseInsensitive(t *testing.T) {
	c := Config{Queues: []QueueConfig{{Name: "Orders", IsEnabled: true}}}

	q, ok := c.Lookup("orders")
	require.True(t, ok)
	assert.Equal(t, "Orders", q.Name)

	_, ok = c.Lookup("missing")
	assert.False(t, ok)
}

func TestEnabledFiltersDisabled(t *testing.T) {
	c := Config{Queues: []QueueConfig{
		{Name: "a", IsEnabled: true},
		{Name: "b", IsEnabled: false},
	}}
	assert.Len(t, c.Enabled(), 1)
}
