package contracts

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/devblac/season-keeper/internal/chain"
	"github.com/devblac/season-keeper/internal/source/evm"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ABI names, matching artifact file names in abi_dirs.
const (
	Raffle        = "Raffle"
	BondingCurve  = "BondingCurve"
	MarketFactory = "MarketFactory"
	Market        = "Market"
	Oracle        = "Oracle"
)

const (
	EventPositionUpdate  = "PositionUpdate"
	EventTrade           = "Trade"
	EventSeasonStarted   = "SeasonStarted"
	EventSeasonCompleted = "SeasonCompleted"
	EventMarketCreated   = "MarketCreated"
)

const (
	FnStartSeason             = "startSeason"
	FnRequestSeasonEnd        = "requestSeasonEnd"
	FnUpdateRaffleProbability = "updateRaffleProbability"
	FnUpdateMarketSentiment   = "updateMarketSentiment"
	FnCreateMarket            = "createMarket"
	FnResolveSeasonMarkets    = "resolveSeasonMarkets"
)

var builtin = map[string]string{
	Raffle:        RaffleABI,
	BondingCurve:  BondingCurveABI,
	MarketFactory: MarketFactoryABI,
	Market:        MarketABI,
	Oracle:        OracleABI,
}

// ABIs holds parsed ABIs by contract name.
type ABIs map[string]*abi.ABI

// LoadABIs parses the built-in ABIs and overlays any artifacts found in dirs.
func LoadABIs(dirs []string) (ABIs, error) {
	out := ABIs{}
	for name, raw := range builtin {
		a, err := abi.JSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("builtin abi %s: %w", name, err)
		}
		out[name] = &a
	}
	loaded, err := evm.LoadABIs(dirs)
	if err != nil {
		return nil, err
	}
	for name, a := range loaded {
		out[name] = a
	}
	return out, nil
}

func (a ABIs) Get(name string) (*abi.ABI, error) {
	parsed, ok := a[name]
	if !ok {
		return nil, fmt.Errorf("abi %s not loaded", name)
	}
	return parsed, nil
}

// Contract binds a loaded ABI to an address.
func (a ABIs) Contract(name string, addr common.Address) (chain.Contract, error) {
	parsed, err := a.Get(name)
	if err != nil {
		return chain.Contract{}, err
	}
	return chain.Contract{Name: name, Address: addr, ABI: parsed}, nil
}

// Decoder returns a log decoder for event on the named ABI.
func (a ABIs) Decoder(name, event string) (*evm.Decoder, error) {
	parsed, err := a.Get(name)
	if err != nil {
		return nil, err
	}
	return evm.NewDecoder(parsed, event)
}

// DefaultMarketType is the market created when a player crosses the threshold.
const DefaultMarketType = "WINNER_PREDICTION"

// MarketTypeID is the bytes32 identifier of a market type name.
func MarketTypeID(name string) [32]byte {
	return crypto.Keccak256Hash([]byte(name))
}

// SeasonStatus mirrors the raffle's on-chain season state.
type SeasonStatus uint8

const (
	StatusNotStarted SeasonStatus = iota
	StatusActive
	StatusEndRequested
	StatusVRFPending
	StatusDistributing
	StatusCompleted
)

func (s SeasonStatus) String() string {
	switch s {
	case StatusNotStarted:
		return "NotStarted"
	case StatusActive:
		return "Active"
	case StatusEndRequested:
		return "EndRequested"
	case StatusVRFPending:
		return "VRFPending"
	case StatusDistributing:
		return "Distributing"
	case StatusCompleted:
		return "Completed"
	default:
		return fmt.Sprintf("SeasonStatus(%d)", uint8(s))
	}
}

// SeasonDetails is the decoded result of getSeasonDetails.
type SeasonDetails struct {
	Name              string
	StartTime         uint64
	EndTime           uint64
	RaffleToken       common.Address
	BondingCurve      common.Address
	Status            SeasonStatus
	TotalParticipants uint64
	TotalTickets      uint64
}

// RaffleReader wraps the raffle's view functions.
type RaffleReader struct {
	reader   chain.Reader
	contract chain.Contract
}

func NewRaffleReader(r chain.Reader, c chain.Contract) *RaffleReader {
	return &RaffleReader{reader: r, contract: c}
}

func (r *RaffleReader) Contract() chain.Contract { return r.contract }

func (r *RaffleReader) CurrentSeasonID(ctx context.Context) (uint64, error) {
	out, err := r.reader.Read(ctx, r.contract, "currentSeasonId")
	if err != nil {
		return 0, err
	}
	return uintAt(out, 0)
}

func (r *RaffleReader) SeasonDetails(ctx context.Context, seasonID uint64) (SeasonDetails, error) {
	out, err := r.reader.Read(ctx, r.contract, "getSeasonDetails", new(big.Int).SetUint64(seasonID))
	if err != nil {
		return SeasonDetails{}, err
	}
	if len(out) < 6 {
		return SeasonDetails{}, fmt.Errorf("getSeasonDetails: %d outputs", len(out))
	}
	var d SeasonDetails
	var ok bool
	if d.Name, ok = out[0].(string); !ok {
		return SeasonDetails{}, fmt.Errorf("getSeasonDetails: name is %T", out[0])
	}
	if d.StartTime, err = uintAt(out, 1); err != nil {
		return SeasonDetails{}, err
	}
	if d.EndTime, err = uintAt(out, 2); err != nil {
		return SeasonDetails{}, err
	}
	if d.RaffleToken, ok = out[3].(common.Address); !ok {
		return SeasonDetails{}, fmt.Errorf("getSeasonDetails: raffleToken is %T", out[3])
	}
	if d.BondingCurve, ok = out[4].(common.Address); !ok {
		return SeasonDetails{}, fmt.Errorf("getSeasonDetails: bondingCurve is %T", out[4])
	}
	status, ok := out[5].(uint8)
	if !ok {
		return SeasonDetails{}, fmt.Errorf("getSeasonDetails: status is %T", out[5])
	}
	d.Status = SeasonStatus(status)
	if len(out) >= 8 {
		d.TotalParticipants, _ = uintAt(out, 6)
		d.TotalTickets, _ = uintAt(out, 7)
	}
	return d, nil
}

func (r *RaffleReader) Winners(ctx context.Context, seasonID uint64) ([]common.Address, error) {
	out, err := r.reader.Read(ctx, r.contract, "getWinners", new(big.Int).SetUint64(seasonID))
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.New("getWinners: no output")
	}
	winners, ok := out[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("getWinners: output is %T", out[0])
	}
	return winners, nil
}

// BondStep is one tier of a bonding curve; RangeTo is the cumulative supply cap.
type BondStep struct {
	RangeTo *big.Int
	Price   *big.Int
}

// MaxSupply returns the final bond step's rangeTo, the season's ticket cap.
func MaxSupply(ctx context.Context, r chain.Reader, curve chain.Contract) (uint64, error) {
	out, err := r.Read(ctx, curve, "getBondSteps")
	if err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return 0, errors.New("getBondSteps: no output")
	}
	steps := *abi.ConvertType(out[0], new([]BondStep)).(*[]BondStep)
	if len(steps) == 0 {
		return 0, errors.New("bonding curve has no steps")
	}
	last := steps[len(steps)-1].RangeTo
	if last == nil || !last.IsUint64() || last.Sign() == 0 {
		return 0, fmt.Errorf("invalid max supply %v", last)
	}
	return last.Uint64(), nil
}

// PriceBps reads a market's YES price in basis points.
func PriceBps(ctx context.Context, r chain.Reader, market chain.Contract) (uint64, error) {
	out, err := r.Read(ctx, market, "getPrices")
	if err != nil {
		return 0, err
	}
	return uintAt(out, 0)
}

func uintAt(out []any, i int) (uint64, error) {
	if i >= len(out) {
		return 0, fmt.Errorf("output %d missing", i)
	}
	switch v := out[i].(type) {
	case *big.Int:
		if v.Sign() < 0 || !v.IsUint64() {
			return 0, fmt.Errorf("output %d out of range: %s", i, v)
		}
		return v.Uint64(), nil
	case uint8:
		return uint64(v), nil
	case uint16:
		return uint64(v), nil
	case uint32:
		return uint64(v), nil
	case uint64:
		return v, nil
	default:
		return 0, fmt.Errorf("output %d is %T", i, v)
	}
}
