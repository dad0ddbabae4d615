package web3

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrInvalidTxRef 表示交易凭证不是合法的 32 字节哈希。
var ErrInvalidTxRef = errors.New("web3: invalid transaction reference")

// TxVerifier 校验一笔交易是否真实且成功。
type TxVerifier interface {
	VerifyTransaction(ctx context.Context, txRef string) error
}

// ParseTxHash 解析 0x 前缀的 32 字节交易哈希。
func ParseTxHash(txRef string) (common.Hash, error) {
	raw, err := hexutil.Decode(strings.TrimSpace(txRef))
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrInvalidTxRef, err)
	}
	if len(raw) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidTxRef, common.HashLength, len(raw))
	}
	return common.BytesToHash(raw), nil
}

// FormatVerifier 只检查交易哈希格式，用于没有可用节点的环境。
type FormatVerifier struct{}

// VerifyTransaction 校验格式。
func (FormatVerifier) VerifyTransaction(_ context.Context, txRef string) error {
	_, err := ParseTxHash(txRef)
	return err
}
