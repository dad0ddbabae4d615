package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "Chimera-Swarm/internal/errors"
	"Chimera-Swarm/internal/governor"
	"Chimera-Swarm/internal/knowledge"
	"Chimera-Swarm/internal/llm"
	"Chimera-Swarm/internal/observability/metrics"
	"Chimera-Swarm/internal/task"
	"Chimera-Swarm/pkg/logger"
)

// Outcome 是 Skill 执行成功后的产出。
type Outcome struct {
	Output     any
	Confidence float64
	// Transaction 非空时结果会被标记为交易类结果，需要 Judge 额外校验。
	Transaction *task.Transaction
}

// Skill 执行某一类任务的具体能力。
type Skill interface {
	Execute(ctx context.Context, t *task.Task) (Outcome, error)
}

// SkillFunc 允许使用函数实现 Skill。
type SkillFunc func(ctx context.Context, t *task.Task) (Outcome, error)

// Execute 实现 Skill。
func (f SkillFunc) Execute(ctx context.Context, t *task.Task) (Outcome, error) {
	return f(ctx, t)
}

// EchoSkill 是不依赖外部服务的演示能力。
type EchoSkill struct {
	Confidence float64
}

// DefaultEchoConfidence 是 EchoSkill 默认给出的置信度。
const DefaultEchoConfidence = 0.95

// Execute 实现 Skill。
func (s EchoSkill) Execute(_ context.Context, t *task.Task) (Outcome, error) {
	confidence := s.Confidence
	if confidence == 0 {
		confidence = DefaultEchoConfidence
	}
	return Outcome{
		Output:     "Processed content for " + t.Context.Instruction,
		Confidence: confidence,
	}, nil
}

// LLMSkill 通过大模型生成内容。
type LLMSkill struct {
	Client llm.Client
	// FallbackConfidence 在模型未自评置信度时使用。
	FallbackConfidence float64
	// Knowledge 可选，命中的资料随提示词一起发送。
	Knowledge knowledge.Provider
}

// Execute 实现 Skill。
func (s LLMSkill) Execute(ctx context.Context, t *task.Task) (Outcome, error) {
	if s.Client == nil {
		return Outcome{}, xerrors.New(xerrors.CodeInitializationFailure, "llm client 未配置")
	}
	resp, err := s.Client.Generate(ctx, llm.Request{
		TaskType:    t.Type,
		Instruction: t.Context.Instruction,
		Attempt:     t.Context.RetryCount,
		Hints:       stringHints(t.Context.Extra),
		References:  s.references(t),
	})
	if err != nil {
		return Outcome{}, err
	}
	confidence := resp.Confidence
	if confidence < 0 {
		confidence = s.FallbackConfidence
	}
	output := map[string]any{"reply": resp.Reply}
	if resp.Thought != "" {
		output["thought"] = resp.Thought
	}
	return Outcome{Output: output, Confidence: confidence}, nil
}

func (s LLMSkill) references(t *task.Task) []string {
	if s.Knowledge == nil {
		return nil
	}
	var refs []string
	for _, snippet := range s.Knowledge.Query(t.Context.Instruction, t.Type) {
		refs = append(refs, snippet.String())
	}
	return refs
}

func stringHints(extra map[string]any) map[string]string {
	if len(extra) == 0 {
		return nil
	}
	hints := make(map[string]string, len(extra))
	for key, value := range extra {
		if s, ok := value.(string); ok {
			hints[key] = s
		}
	}
	return hints
}

// Budget 是转账前后需要的预算准入与记账能力，由 governor.Governor 实现。
type Budget interface {
	CheckRequest(ctx context.Context, agentID string, cost float64) (governor.Status, error)
	RecordSpend(ctx context.Context, agentID string, amount float64) error
}

// Wallet 执行资产转账并返回交易哈希。
type Wallet interface {
	Transfer(ctx context.Context, to common.Address, amount float64, asset string) (common.Hash, error)
}

// ErrInsufficientFunds 表示钱包余额不足。
var ErrInsufficientFunds = errors.New("worker: insufficient funds")

// MockWallet 是进程内的模拟钱包，初始余额默认 100。
type MockWallet struct {
	mu      sync.Mutex
	owner   common.Address
	balance float64
	nonce   uint64
	now     func() time.Time
}

// DefaultMockBalance 是模拟钱包的初始余额。
const DefaultMockBalance = 100.0

// NewMockWallet 创建模拟钱包。
func NewMockWallet(owner common.Address, balance float64) *MockWallet {
	if balance <= 0 {
		balance = DefaultMockBalance
	}
	return &MockWallet{owner: owner, balance: balance, now: time.Now}
}

// Balance 返回当前余额。
func (w *MockWallet) Balance() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balance
}

// Transfer 扣减余额并生成交易哈希。
func (w *MockWallet) Transfer(_ context.Context, to common.Address, amount float64, asset string) (common.Hash, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if amount > w.balance {
		return common.Hash{}, ErrInsufficientFunds
	}
	w.balance -= amount
	w.nonce++
	hash := crypto.Keccak256Hash(
		w.owner.Bytes(),
		to.Bytes(),
		[]byte(asset),
		[]byte(strconv.FormatFloat(amount, 'f', -1, 64)),
		new(big.Int).SetUint64(w.nonce).Bytes(),
		[]byte(w.now().UTC().Format(time.RFC3339Nano)),
	)
	return hash, nil
}

// TransferSkill 执行链上转账：先经 Governor 准入，转账成功后再记账。
//
// 任务上下文需要携带 to_address 与 amount，可选 asset（默认 USDC）。
type TransferSkill struct {
	Wallet  Wallet
	Budget  Budget
	AgentID string
	Log     *slog.Logger
}

// DefaultAsset 是转账默认使用的资产。
const DefaultAsset = "USDC"

// Execute 实现 Skill。
func (s TransferSkill) Execute(ctx context.Context, t *task.Task) (Outcome, error) {
	if s.Wallet == nil || s.Budget == nil {
		return Outcome{}, xerrors.New(xerrors.CodeInitializationFailure, "transfer skill 缺少钱包或预算组件")
	}
	to, amount, asset, err := transferParams(t.Context.Extra)
	if err != nil {
		return Outcome{}, err
	}
	agentID := s.AgentID
	if agentID == "" {
		agentID = t.AssignedWorkerID
	}

	status, err := s.Budget.CheckRequest(ctx, agentID, amount)
	if err != nil {
		return Outcome{}, err
	}
	if status == governor.Block {
		return Outcome{}, fmt.Errorf("预算拦截: agent %s 转账 %.2f %s", agentID, amount, asset)
	}

	hash, err := s.Wallet.Transfer(ctx, to, amount, asset)
	if err != nil {
		return Outcome{}, err
	}
	recorded := true
	if err := s.Budget.RecordSpend(ctx, agentID, amount); err != nil {
		// 转账已发生，记账失败不能回滚：计入预算故障指标并写审计日志，输出里标记未记账。
		recorded = false
		metrics.ObserveGovernorFailure("record_after_transfer")
		log := s.Log
		if log == nil {
			log = slog.Default()
		}
		log.Error("转账已完成但记账失败",
			slog.String("agent_id", agentID),
			slog.String("tx_hash", hash.Hex()),
			slog.Float64("amount", amount),
			slog.Any("error", err))
		logger.Audit().Error("budget record missed",
			slog.String("task_id", t.ID),
			slog.String("agent_id", agentID),
			slog.String("tx_hash", hash.Hex()),
			slog.Float64("amount", amount),
			slog.String("asset", asset))
	}
	return Outcome{
		Output: map[string]any{
			"tx_hash":         hash.Hex(),
			"to_address":      to.Hex(),
			"amount":          amount,
			"asset":           asset,
			"status":          "success",
			"budget_recorded": recorded,
		},
		Confidence:  1,
		Transaction: &task.Transaction{TxRef: hash.Hex()},
	}, nil
}

func transferParams(extra map[string]any) (common.Address, float64, string, error) {
	rawTo, _ := extra["to_address"].(string)
	if !common.IsHexAddress(rawTo) {
		return common.Address{}, 0, "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无效的收款地址 %q", rawTo))
	}
	var amount float64
	switch v := extra["amount"].(type) {
	case float64:
		amount = v
	case int:
		amount = float64(v)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return common.Address{}, 0, "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "无效的转账金额")
		}
		amount = parsed
	default:
		return common.Address{}, 0, "", xerrors.New(xerrors.CodeInvalidArgument, "缺少转账金额")
	}
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return common.Address{}, 0, "", xerrors.New(xerrors.CodeInvalidArgument, "转账金额必须为正数")
	}
	asset, _ := extra["asset"].(string)
	if asset == "" {
		asset = DefaultAsset
	}
	return common.HexToAddress(rawTo), amount, asset, nil
}

// Router 按 task_type 选择 Skill，未注册的类型交给 Fallback。
type Router struct {
	skills   map[string]Skill
	Fallback Skill
}

// NewRouter 创建路由器。
func NewRouter(fallback Skill) *Router {
	return &Router{skills: make(map[string]Skill), Fallback: fallback}
}

// Handle 为任务类型注册 Skill。
func (r *Router) Handle(taskType string, skill Skill) *Router {
	if skill != nil {
		r.skills[taskType] = skill
	}
	return r
}

// Execute 实现 Skill。
func (r *Router) Execute(ctx context.Context, t *task.Task) (Outcome, error) {
	if skill, ok := r.skills[t.Type]; ok {
		return skill.Execute(ctx, t)
	}
	if r.Fallback == nil {
		return Outcome{}, fmt.Errorf("没有能处理任务类型 %q 的 skill", t.Type)
	}
	return r.Fallback.Execute(ctx, t)
}
