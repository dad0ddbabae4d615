package ethereum

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"Chimera-Swarm/internal/web3"
)

var (
	// ErrTxNotFound 表示节点上查不到该交易的回执。
	ErrTxNotFound = errors.New("transaction receipt not found")
	// ErrTxReverted 表示交易已上链但执行失败。
	ErrTxReverted = errors.New("transaction reverted")
	// ErrTxUnconfirmed 表示确认数不足。
	ErrTxUnconfirmed = errors.New("transaction not sufficiently confirmed")
)

// Config describes how to reach the EVM node used for receipt checks.
type Config struct {
	Name          string
	RPCURL        string
	Confirmations uint64
}

type receiptReader interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// ReceiptVerifier 通过交易回执确认交易成功上链。
type ReceiptVerifier struct {
	name          string
	confirmations uint64
	reader        receiptReader
	closer        func()
}

// NewReceiptVerifier dials the configured RPC endpoint.
func NewReceiptVerifier(ctx context.Context, cfg Config) (*ReceiptVerifier, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)
	v := newReceiptVerifier(cfg, eth)
	v.closer = eth.Close
	return v, nil
}

func newReceiptVerifier(cfg Config, reader receiptReader) *ReceiptVerifier {
	confirmations := cfg.Confirmations
	if confirmations == 0 {
		confirmations = 1
	}
	return &ReceiptVerifier{name: cfg.Name, confirmations: confirmations, reader: reader}
}

// VerifyTransaction 要求交易回执存在、状态成功且确认数达标。
func (v *ReceiptVerifier) VerifyTransaction(ctx context.Context, txRef string) error {
	if v == nil || v.reader == nil {
		return errors.New("未初始化的以太坊客户端")
	}
	hash, err := web3.ParseTxHash(txRef)
	if err != nil {
		return err
	}
	receipt, err := v.reader.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return fmt.Errorf("%w: %s", ErrTxNotFound, hash.Hex())
		}
		return fmt.Errorf("查询交易回执失败: %w", err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: %s", ErrTxReverted, hash.Hex())
	}
	if receipt.BlockNumber == nil {
		return fmt.Errorf("%w: %s pending", ErrTxUnconfirmed, hash.Hex())
	}
	head, err := v.reader.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined || head-mined+1 < v.confirmations {
		return fmt.Errorf("%w: %s has %d/%d", ErrTxUnconfirmed, hash.Hex(), confirmationsOf(head, mined), v.confirmations)
	}
	return nil
}

// Close releases network connections held by the verifier.
func (v *ReceiptVerifier) Close() {
	if v != nil && v.closer != nil {
		v.closer()
		v.closer = nil
	}
}

func confirmationsOf(head, mined uint64) uint64 {
	if head < mined {
		return 0
	}
	return head - mined + 1
}

var _ web3.TxVerifier = (*ReceiptVerifier)(nil)
