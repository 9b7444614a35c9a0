package feed

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/creditscore/internal/profile"
)

// ChainReader is the subset of ethclient.Client the chain source reads.
type ChainReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
}

var (
	_ ChainReader = (*ethclient.Client)(nil)
	_ Committer   = (*ChainSource)(nil)
)

// weiPerBalanceUnit scales native balances to milli-ether.
var weiPerBalanceUnit = big.NewInt(1_000_000_000_000_000)

// ChainSource overlays on-chain facts onto another source:
//   - balance is the native balance in milli-ether, saturating at 2^64-1
//   - frequency is the account nonce (transactions sent)
//   - newTx is the nonce growth since the last committed integration
//
// Volume and mix come from the base source. Until an account has been
// committed once, newTx also comes from the base source.
type ChainSource struct {
	reader ChainReader
	base   Source

	mu        sync.Mutex
	lastNonce map[string]uint64
}

// NewChainSource returns a source reading balances and nonces through reader.
func NewChainSource(reader ChainReader, base Source) *ChainSource {
	return &ChainSource{
		reader:    reader,
		base:      base,
		lastNonce: make(map[string]uint64),
	}
}

// DialChainSource connects to an Ethereum JSON-RPC endpoint. The returned
// close function releases the connection.
func DialChainSource(ctx context.Context, rpcURL string, base Source) (*ChainSource, func(), error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	return NewChainSource(client, base), client.Close, nil
}

func (s *ChainSource) Fetch(ctx context.Context, account common.Address) (profile.ExternalData, error) {
	data, err := s.base.Fetch(ctx, account)
	if err != nil {
		return profile.ExternalData{}, err
	}

	wei, err := s.reader.BalanceAt(ctx, account, nil)
	if err != nil {
		return profile.ExternalData{}, fmt.Errorf("read balance: %w", err)
	}
	nonce, err := s.reader.NonceAt(ctx, account, nil)
	if err != nil {
		return profile.ExternalData{}, fmt.Errorf("read nonce: %w", err)
	}

	data.Balance = scaleBalance(wei)
	data.Frequency = nonce

	s.mu.Lock()
	if prev, ok := s.lastNonce[profile.Key(account)]; ok {
		data.NewTx = 0
		if nonce > prev {
			data.NewTx = nonce - prev
		}
	}
	s.mu.Unlock()

	return data, nil
}

// Commit records the nonce carried in data as the baseline for the next
// newTx delta. Until a fetch is committed the delta keeps growing.
func (s *ChainSource) Commit(account common.Address, data profile.ExternalData) {
	s.mu.Lock()
	s.lastNonce[profile.Key(account)] = data.Frequency
	s.mu.Unlock()
}

func scaleBalance(wei *big.Int) uint64 {
	if wei == nil || wei.Sign() <= 0 {
		return 0
	}
	units := new(big.Int).Quo(wei, weiPerBalanceUnit)
	if !units.IsUint64() {
		return ^uint64(0)
	}
	return units.Uint64()
}
