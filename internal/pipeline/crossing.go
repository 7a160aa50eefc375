package pipeline

import "math/big"

// DefaultThresholdBps is the share of max supply (1%) at which a player gets a market.
const DefaultThresholdBps = 100

const bpsScale = 10_000

// ShareBps is floor(count * 10000 / supply); zero when supply is zero.
func ShareBps(count, supply uint64) uint64 {
	if supply == 0 {
		return 0
	}
	n := new(big.Int).SetUint64(count)
	n.Mul(n, big.NewInt(bpsScale))
	n.Quo(n, new(big.Int).SetUint64(supply))
	if !n.IsUint64() {
		return ^uint64(0)
	}
	return n.Uint64()
}

// Crossed reports oldShare < threshold <= newShare.
func Crossed(oldShare, newShare, threshold uint64) bool {
	return oldShare < threshold && threshold <= newShare
}
