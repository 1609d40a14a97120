package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

const erc20ABI = `[
  {"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
  {"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}
]`

// EthClient transfers an ERC-20 stablecoin over JSON-RPC.
type EthClient struct {
	client    *ethclient.Client
	contract  *bind.BoundContract
	token     common.Address
	chainID   *big.Int
	decimals  int32
	transacts *bind.TransactOpts
}

type EthClientConfig struct {
	RPCURL         string
	PrivateKeyHex  string
	TokenAddress   string
	ConnectTimeout time.Duration
}

func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, fmt.Errorf("stablecoin token address is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for sending transfers")
	}
	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	if cfg.ConnectTimeout > 0 {
		bo.MaxElapsedTime = cfg.ConnectTimeout
	}
	var chainID *big.Int
	if err := backoff.Retry(func() error {
		id, err := cli.ChainID(ctx)
		if err != nil {
			return err
		}
		chainID = id
		return nil
	}, backoff.WithContext(bo, ctx)); err != nil {
		cli.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	token := common.HexToAddress(cfg.TokenAddress)
	bound := bind.NewBoundContract(token, parsedABI, cli, cli, cli)

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate

	var out []interface{}
	if err := bound.Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
		cli.Close()
		return nil, fmt.Errorf("read token decimals: %w", err)
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		cli.Close()
		return nil, fmt.Errorf("unexpected decimals type %T", out[0])
	}

	return &EthClient{
		client:    cli,
		contract:  bound,
		token:     token,
		chainID:   chainID,
		decimals:  int32(decimals),
		transacts: txOpts,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (c *EthClient) ValidateAddress(address string) bool {
	return common.IsHexAddress(address)
}

func (c *EthClient) SendFunds(ctx context.Context, to string, amount decimal.Decimal) (SendResult, error) {
	if !c.ValidateAddress(to) {
		return SendResult{}, ErrInvalidAddress
	}
	units, err := toBaseUnits(amount, c.decimals)
	if err != nil {
		return SendResult{}, err
	}

	opts := *c.transacts
	opts.Context = ctx

	tx, err := c.contract.Transact(&opts, "transfer", common.HexToAddress(to), units)
	if err != nil {
		return SendResult{}, fmt.Errorf("transfer tx: %w", err)
	}
	return SendResult{Hash: tx.Hash().Hex(), Status: StatePending}, nil
}

// GetTransferStatus counts confirmations as blocks since inclusion, the
// inclusion block itself being the first.
func (c *EthClient) GetTransferStatus(ctx context.Context, hash string) (TransferStatus, error) {
	if len(hash) != 66 || !strings.HasPrefix(hash, "0x") {
		return TransferStatus{}, fmt.Errorf("%w: %s", ErrUnknownTransfer, hash)
	}
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(hash))
	if errors.Is(err, ethereum.NotFound) {
		return TransferStatus{Status: StatePending}, nil
	}
	if err != nil {
		return TransferStatus{}, fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return TransferStatus{Status: StateFailed}, nil
	}

	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		return TransferStatus{}, fmt.Errorf("fetch head: %w", err)
	}
	return TransferStatus{
		Status:        StateConfirmed,
		Confirmations: confirmations(head, receipt.BlockNumber),
	}, nil
}

// SuggestGasPrice lets the fee estimator read live gas prices.
func (c *EthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.client.SuggestGasPrice(ctx)
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

func (c *EthClient) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

func toBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive")
	}
	scaled := amount.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimals", amount, decimals)
	}
	return scaled.BigInt(), nil
}

func confirmations(head uint64, included *big.Int) uint64 {
	if included == nil || !included.IsUint64() {
		return 0
	}
	block := included.Uint64()
	if head < block {
		return 0
	}
	return head - block + 1
}
