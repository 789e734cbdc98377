package market

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Split divides price into the platform fee and the proceeds owed to the fee
// recipient. The fee is price*feeRate/100 truncated to a whole amount.
func Split(price Amount, feeRatePercent uint64) (fee, proceeds Amount) {
	gross := price.Mul(decimal.NewFromInt(int64(feeRatePercent)))
	fee, _ = gross.QuoRem(hundred, 0)
	return fee, price.Sub(fee)
}

// Credit is one payment-rail credit applied during settlement.
type Credit struct {
	Account Address `json:"account"`
	Amount  Amount  `json:"amount"`
}

func settlementCredits(owner, recipient Address, fee, proceeds Amount) []Credit {
	var credits []Credit
	if fee.IsPositive() {
		credits = append(credits, Credit{Account: owner, Amount: fee})
	}
	if proceeds.IsPositive() {
		credits = append(credits, Credit{Account: recipient, Amount: proceeds})
	}
	return credits
}
