package source

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMinorUnits(t *testing.T) {
	t.Parallel()

	got, err := minorUnits("12.34", "USD")
	require.NoError(t, err)
	require.EqualValues(t, 1234, got)

	got, err = minorUnits("12", "USD")
	require.NoError(t, err)
	require.EqualValues(t, 1200, got)

	got, err = minorUnits("1,200", "JPY")
	require.NoError(t, err)
	require.EqualValues(t, 1200, got)

	got, err = minorUnits("-4.5", "USD")
	require.NoError(t, err)
	require.EqualValues(t, -450, got)

	// scale comes from the code, excess digits are an error not a rounding
	_, err = minorUnits("12.00", "JPY")
	require.Error(t, err)
	_, err = minorUnits("12.345", "USD")
	require.Error(t, err)
	_, err = minorUnits("12.00", "XYZ")
	require.Error(t, err)
	_, err = minorUnits("", "USD")
	require.Error(t, err)
}
