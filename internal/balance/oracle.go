package balance

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const erc20BalanceABI = `[
	{
		"constant": true,
		"inputs": [{"name": "owner", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"type": "function"
	}
]`

// contractCaller is the read-only subset of *ethclient.Client the oracle uses.
type contractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type backend struct {
	network Network
	caller  contractCaller
	close   func()
}

// EthOracle reads ERC-20 balances over JSON-RPC. Reads never fail: any error
// is reported as a zero balance so that sufficiency checks fail closed.
type EthOracle struct {
	abi      abi.ABI
	backends map[int64]*backend
	logger   *zap.Logger
}

// NewEthOracle dials one RPC client per network.
func NewEthOracle(ctx context.Context, networks []Network, logger *zap.Logger) (*EthOracle, error) {
	backends := make(map[int64]*backend, len(networks))
	for _, n := range networks {
		if n.RPCURL == "" {
			return nil, fmt.Errorf("network %d: rpc url is required", n.ChainID)
		}
		if !common.IsHexAddress(n.TokenAddress) {
			return nil, fmt.Errorf("network %d: invalid token address %q", n.ChainID, n.TokenAddress)
		}
		cli, err := ethclient.DialContext(ctx, n.RPCURL)
		if err != nil {
			for _, b := range backends {
				b.close()
			}
			return nil, fmt.Errorf("dial %s rpc: %w", n.Name, err)
		}
		backends[n.ChainID] = &backend{network: n, caller: cli, close: cli.Close}
	}
	return newOracle(backends, logger)
}

func newOracle(backends map[int64]*backend, logger *zap.Logger) (*EthOracle, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20BalanceABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EthOracle{abi: parsed, backends: backends, logger: logger}, nil
}

// Network reports the configuration for chainID, if supported.
func (o *EthOracle) Network(chainID int64) (Network, bool) {
	b, ok := o.backends[chainID]
	if !ok {
		return Network{}, false
	}
	return b.network, true
}

// GetBalance returns the token balance of address on chainID in whole-token
// units.
func (o *EthOracle) GetBalance(ctx context.Context, address string, chainID int64) decimal.Decimal {
	b, ok := o.backends[chainID]
	if !ok {
		o.logger.Warn("balance read for unsupported chain", zap.Int64("chain_id", chainID))
		return decimal.Zero
	}
	if !common.IsHexAddress(address) {
		o.logger.Warn("balance read for malformed address", zap.String("address", address))
		return decimal.Zero
	}

	raw, err := o.balanceOf(ctx, b, common.HexToAddress(address))
	if err != nil {
		o.logger.Warn("balance read failed, treating as zero",
			zap.String("address", address),
			zap.Int64("chain_id", chainID),
			zap.String("network", b.network.Name),
			zap.Error(err))
		return decimal.Zero
	}

	bal := decimal.NewFromBigInt(raw, -b.network.TokenDecimals)
	o.logger.Debug("balance read",
		zap.String("address", address),
		zap.Int64("chain_id", chainID),
		zap.String("token", b.network.TokenSymbol),
		zap.String("balance", bal.String()))
	return bal
}

func (o *EthOracle) balanceOf(ctx context.Context, b *backend, owner common.Address) (*big.Int, error) {
	data, err := o.abi.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}

	token := common.HexToAddress(b.network.TokenAddress)
	out, err := b.caller.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call contract: %w", err)
	}
	// an address that never held the token can come back empty
	if len(out) == 0 {
		return big.NewInt(0), nil
	}

	values, err := o.abi.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("unpack balance: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unexpected balanceOf output count %d", len(values))
	}
	bal, ok := values[0].(*big.Int)
	if !ok || bal == nil {
		return nil, fmt.Errorf("unexpected balanceOf output type %T", values[0])
	}
	if bal.Sign() < 0 {
		return nil, fmt.Errorf("negative balance %s", bal)
	}
	return bal, nil
}

// Ping checks every configured RPC endpoint.
func (o *EthOracle) Ping(ctx context.Context) error {
	for _, b := range o.backends {
		if _, err := b.caller.BlockNumber(ctx); err != nil {
			return fmt.Errorf("%s rpc: %w", b.network.Name, err)
		}
	}
	return nil
}

func (o *EthOracle) Close() {
	for _, b := range o.backends {
		if b.close != nil {
			b.close()
		}
	}
}
