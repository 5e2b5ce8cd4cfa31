package monitor

import (
	"math/big"

	"github.com/relayhub/go-relay/pkg/txqueue"
)

// BumpGas computes replacement fees for the given resubmission attempt. Fees
// grow 20% per attempt over the original values, and the max fee never lands
// below baseFee*multiplier so the replacement can outbid current demand. The
// function is deterministic: the same inputs always price the same
// replacement.
func BumpGas(gas txqueue.GasFees, baseFee *big.Int, attempt int, multiplier float64) txqueue.GasFees {
	if attempt < 1 {
		attempt = 1
	}

	// 1.2^attempt in integer math: *12^attempt / 10^attempt.
	num := new(big.Int).Exp(big.NewInt(12), big.NewInt(int64(attempt)), nil)
	den := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(attempt)), nil)
	scale := func(v *big.Int) *big.Int {
		if v == nil {
			return nil
		}
		return new(big.Int).Div(new(big.Int).Mul(v, num), den)
	}

	if gas.MaxFeePerGas == nil {
		return txqueue.GasFees{GasPrice: scale(gas.GasPrice)}
	}

	maxFee := scale(gas.MaxFeePerGas)
	if baseFee != nil {
		floor := mulFloat(baseFee, multiplier)
		if maxFee.Cmp(floor) < 0 {
			maxFee = floor
		}
	}

	tip := scale(gas.MaxPriorityFeePerGas)
	if tip != nil && tip.Cmp(maxFee) > 0 {
		tip = maxFee
	}
	return txqueue.GasFees{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}
}

func mulFloat(v *big.Int, m float64) *big.Int {
	out, _ := new(big.Float).Mul(new(big.Float).SetInt(v), big.NewFloat(m)).Int(nil)
	return out
}
