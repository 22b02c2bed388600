package wire_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldbell/pricecaster/relayer/internal/wire"
)

func TestParsePriceID(t *testing.T) {
	raw := "e62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43"

	id, err := wire.ParsePriceID(raw)
	require.NoError(t, err)
	require.Equal(t, raw, id.Hex())
	require.EqualValues(t, 0xe6, id[0])

	prefixed, err := wire.ParsePriceID("  0x" + strings.ToUpper(raw) + " ")
	require.NoError(t, err)
	require.Equal(t, id, prefixed)

	for _, bad := range []string{"", "0x1234", raw + "00", strings.Repeat("zz", 32)} {
		_, err := wire.ParsePriceID(bad)
		require.Error(t, err, bad)
	}

	require.True(t, wire.PriceID{}.IsZero())
	require.Equal(t, []string{raw}, wire.PriceIDHexes([]wire.PriceID{id}))
}
