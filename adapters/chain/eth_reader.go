package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/layer-3/sigauth/internal/eth"
	"github.com/layer-3/sigauth/ports"
)

// weiExponent converts wei to ether
const weiExponent = -18

// EthReader reads account data from an Ethereum JSON-RPC endpoint
type EthReader struct {
	client  *ethclient.Client
	timeout time.Duration
}

var _ ports.ChainReader = (*EthReader)(nil)

// DialEthReader connects to the JSON-RPC endpoint at rpcURL. Every call made
// through the reader is bounded by timeout.
func DialEthReader(ctx context.Context, rpcURL string, timeout time.Duration) (*EthReader, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &EthReader{client: client, timeout: timeout}, nil
}

// Balance returns the latest balance of address in ether
func (r *EthReader) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	addr, err := eth.ParseAddress(address)
	if err != nil {
		return decimal.Decimal{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	wei, err := r.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to fetch balance: %w", err)
	}
	return WeiToEther(wei), nil
}

// Close closes the RPC connection
func (r *EthReader) Close() {
	r.client.Close()
}

// WeiToEther converts a wei amount to ether without losing precision
func WeiToEther(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, weiExponent)
}
