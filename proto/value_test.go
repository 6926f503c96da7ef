package proto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDateValueComparesByCalendarOrder(t *testing.T) {
	earlier := DateValue(2023, 1, 1)
	later := DateValue(2024, 6, 15)

	require.NotEqual(t, int64(0), earlier.asInt64(), "DATE must not encode as the zero int64 lane")
	require.Equal(t, -1, Compare(earlier, later))
	require.Equal(t, 1, Compare(later, earlier))
	require.Equal(t, 0, Compare(earlier, DateValue(2023, 1, 1)))
}

func TestTimeAndTimestampValuesCompare(t *testing.T) {
	require.Equal(t, -1, Compare(TimeValue(100), TimeValue(200)))
	require.Equal(t, 1, Compare(TimestampValue(200), TimestampValue(100)))
}

func TestDatetimeValueStillComparesCorrectly(t *testing.T) {
	require.Equal(t, -1, Compare(DatetimeValue(-5), DatetimeValue(5)))
}

func TestDateHashIsNonZeroAndStable(t *testing.T) {
	v := DateValue(2024, 3, 15)
	require.NotEqual(t, uint64(0), v.Hash())
	require.Equal(t, v.Hash(), DateValue(2024, 3, 15).Hash())
}
