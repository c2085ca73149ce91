package checksum

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Checksum_Calculate_ThenPoke_ThenTest_RoundTrips(t *testing.T) {
	t.Parallel()
	data := []byte{0x45, 0x00, 0x00, 0x1c, 0x00, 0x00, 0x40, 0x00, 0x28, 0x06, 0x00, 0x00, 192, 168, 2, 9, 192, 168, 2, 42}
	Poke(data, 10)
	require.True(t, Test(data, 10))
}

func Test_Checksum_Test_AllZeroFieldPasses(t *testing.T) {
	t.Parallel()
	data := []byte{1, 2, 3, 4, 0, 0, 5, 6}
	require.True(t, Test(data, 4))
}

func Test_Checksum_Test_CorruptedDataFails(t *testing.T) {
	t.Parallel()
	data := []byte{0x45, 0x00, 0x00, 0x1c, 0x00, 0x00, 0x40, 0x00, 0x28, 0x06, 0x00, 0x00, 192, 168, 2, 9, 192, 168, 2, 42}
	Poke(data, 10)
	data[0] ^= 0xFF
	require.False(t, Test(data, 10))
}
