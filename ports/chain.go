package ports

import (
	"context"

	"github.com/shopspring/decimal"
)

// ChainReader is the blockchain data source
type ChainReader interface {
	// Balance returns the account balance in ether
	Balance(ctx context.Context, address string) (decimal.Decimal, error)
}
