package contracts

import (
	"context"
	"math/big"
	"testing"

	"github.com/devblac/season-keeper/internal/chain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// packingReader round-trips canned values through the real ABI encoder.
type packingReader struct {
	values map[string][]any
}

func (p packingReader) Read(_ context.Context, c chain.Contract, method string, _ ...any) ([]any, error) {
	m := c.ABI.Methods[method]
	data, err := m.Outputs.Pack(p.values[method]...)
	if err != nil {
		return nil, err
	}
	return m.Outputs.Unpack(data)
}

func loadContract(t *testing.T, name string) chain.Contract {
	t.Helper()
	abis, err := LoadABIs(nil)
	require.NoError(t, err)
	c, err := abis.Contract(name, common.HexToAddress("0x01"))
	require.NoError(t, err)
	return c
}

func TestSeasonDetails(t *testing.T) {
	curve := common.HexToAddress("0xAA00000000000000000000000000000000000000")
	token := common.HexToAddress("0xBB00000000000000000000000000000000000000")
	r := packingReader{values: map[string][]any{
		"getSeasonDetails": {"Season 7", big.NewInt(100), big.NewInt(200), token, curve, uint8(1), big.NewInt(3), big.NewInt(42)},
		"currentSeasonId":  {big.NewInt(7)},
		"getWinners":       {[]common.Address{token}},
	}}
	raffle := NewRaffleReader(r, loadContract(t, Raffle))

	d, err := raffle.SeasonDetails(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "Season 7", d.Name)
	assert.Equal(t, uint64(100), d.StartTime)
	assert.Equal(t, uint64(200), d.EndTime)
	assert.Equal(t, curve, d.BondingCurve)
	assert.Equal(t, token, d.RaffleToken)
	assert.Equal(t, StatusActive, d.Status)
	assert.Equal(t, uint64(42), d.TotalTickets)

	id, err := raffle.CurrentSeasonID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), id)

	winners, err := raffle.Winners(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{token}, winners)
}

func TestMaxSupplyUsesLastStep(t *testing.T) {
	r := packingReader{values: map[string][]any{
		"getBondSteps": {[]BondStep{
			{RangeTo: big.NewInt(1000), Price: big.NewInt(10)},
			{RangeTo: big.NewInt(5000), Price: big.NewInt(20)},
		}},
	}}
	supply, err := MaxSupply(context.Background(), r, loadContract(t, BondingCurve))
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), supply)

	empty := packingReader{values: map[string][]any{"getBondSteps": {[]BondStep{}}}}
	_, err = MaxSupply(context.Background(), empty, loadContract(t, BondingCurve))
	assert.Error(t, err)
}

func TestPriceBps(t *testing.T) {
	r := packingReader{values: map[string][]any{"getPrices": {big.NewInt(6400), big.NewInt(3600)}}}
	bps, err := PriceBps(context.Background(), r, loadContract(t, Market))
	require.NoError(t, err)
	assert.Equal(t, uint64(6400), bps)
}

func TestBuiltinEventsDecode(t *testing.T) {
	abis, err := LoadABIs(nil)
	require.NoError(t, err)
	for _, tc := range []struct{ abi, event string }{
		{Raffle, EventSeasonStarted},
		{Raffle, EventSeasonCompleted},
		{BondingCurve, EventPositionUpdate},
		{Market, EventTrade},
		{MarketFactory, EventMarketCreated},
	} {
		_, err := abis.Decoder(tc.abi, tc.event)
		assert.NoError(t, err, "%s.%s", tc.abi, tc.event)
	}
	_, err = abis.Get("Nope")
	assert.Error(t, err)
}

func TestSeasonStatusString(t *testing.T) {
	assert.Equal(t, "VRFPending", StatusVRFPending.String())
	assert.Equal(t, "SeasonStatus(9)", SeasonStatus(9).String())
}

type countingReader struct {
	packingReader
	calls int
}

func (c *countingReader) Read(ctx context.Context, ct chain.Contract, method string, args ...any) ([]any, error) {
	c.calls++
	return c.packingReader.Read(ctx, ct, method, args...)
}

func TestViewsCacheMaxSupply(t *testing.T) {
	abis, err := LoadABIs(nil)
	require.NoError(t, err)
	r := &countingReader{packingReader: packingReader{values: map[string][]any{
		"getBondSteps": {[]BondStep{{RangeTo: big.NewInt(100), Price: big.NewInt(1)}}},
	}}}
	v, err := NewViews(r, abis, common.HexToAddress("0x01"))
	require.NoError(t, err)

	curve := common.HexToAddress("0xAA")
	for i := 0; i < 3; i++ {
		supply, err := v.MaxSupply(context.Background(), curve)
		require.NoError(t, err)
		assert.Equal(t, uint64(100), supply)
	}
	assert.Equal(t, 1, r.calls)
}
