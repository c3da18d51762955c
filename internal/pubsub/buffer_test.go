package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestBufferSupersedesSameKey(t *testing.T) {
	buffer := NewLatestBuffer()
	buffer.Upsert(Measurement{Peripheral: 3, QuantityType: 7, Value: 20.1})
	buffer.Upsert(Measurement{Peripheral: 3, QuantityType: 7, Value: 21.5})

	snapshot := buffer.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, 21.5, snapshot[0].Value)
}

func TestLatestBufferKeepsDistinctKeys(t *testing.T) {
	buffer := NewLatestBuffer()
	buffer.Upsert(Measurement{Peripheral: 3, QuantityType: 7, Value: 1})
	buffer.Upsert(Measurement{Peripheral: 3, QuantityType: 8, Value: 2})
	buffer.Upsert(Measurement{Peripheral: 4, QuantityType: 7, Value: 3})

	assert.Equal(t, 3, buffer.Len())

	latest, ok := buffer.Get(ChannelKey{Peripheral: 3, QuantityType: 8})
	require.True(t, ok)
	assert.Equal(t, float64(2), latest.Value)

	_, ok = buffer.Get(ChannelKey{Peripheral: 9, QuantityType: 9})
	assert.False(t, ok)
}
