package coind

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// RawBlock is the result of getnewblockraw: a fully assembled block paying
// the pool address, waiting for a nonce and a path.
type RawBlock struct {
	BlockHex string `json:"blockhex"`
	Nbits    string `json:"nbits"`
	Expanded string `json:"expanded"`
}

// FundResult is the subset of fundrawtransaction the pool reads. The daemon's
// transaction format is not decoded locally, so the hex is kept as is.
type FundResult struct {
	Hex       string  `json:"hex"`
	Fee       float64 `json:"fee"`
	ChangePos int     `json:"changepos"`
}

// coinAmount renders an amount with exactly eight decimals so the daemon
// receives the principal without float rounding.
func coinAmount(a btcutil.Amount) string {
	sign := ""
	if a < 0 {
		sign = "-"
		a = -a
	}
	return fmt.Sprintf("%s%d.%08d", sign, int64(a)/btcutil.SatoshiPerBitcoin, int64(a)%btcutil.SatoshiPerBitcoin)
}
