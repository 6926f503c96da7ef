package region

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegionBatchDataRoundTripsThroughPooledBuffer(t *testing.T) {
	b := newRegionBatch()
	b.Put([]byte("k1"), []byte("v1"))
	b.Put([]byte("k2"), []byte("v2"))
	b.DeleteRange([]byte("d0"), []byte("d9"))

	data := b.Data()
	require.NotEmpty(t, data)

	// Data is idempotent until Close returns the backing buffer to the pool.
	require.Equal(t, data, b.Data())

	decoded := newRegionBatch()
	decoded.From(append([]byte(nil), data...))
	require.Len(t, decoded.recs, 3)
	require.Equal(t, "k1", string(decoded.recs[0].key))
	require.Equal(t, "v1", string(decoded.recs[0].value))
	require.False(t, decoded.recs[0].del)
	require.Equal(t, "k2", string(decoded.recs[1].key))
	require.True(t, decoded.recs[2].del)
	require.Equal(t, "d0", string(decoded.recs[2].key))
	require.Equal(t, "d9", string(decoded.recs[2].value))

	b.Close()
	b.Close() // must not double-free the pooled buffer
}

func TestRegionBatchCloseIsNoOpWithoutData(t *testing.T) {
	b := newRegionBatch()
	b.Close() // Data was never called, so there's no pooled buffer to return
}
