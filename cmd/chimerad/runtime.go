package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"Chimera-Swarm/internal/config"
	"Chimera-Swarm/internal/governor"
	"Chimera-Swarm/internal/incident"
	"Chimera-Swarm/internal/judge"
	"Chimera-Swarm/internal/knowledge"
	"Chimera-Swarm/internal/llm/openai"
	"Chimera-Swarm/internal/planner"
	"Chimera-Swarm/internal/queue"
	"Chimera-Swarm/internal/storage/mysql"
	"Chimera-Swarm/internal/storage/redis"
	"Chimera-Swarm/internal/web3"
	"Chimera-Swarm/internal/web3/ethereum"
	"Chimera-Swarm/internal/worker"
	"Chimera-Swarm/pkg/logger"
)

// runtime 持有一次进程运行期间共享的组件，并负责按逆序关闭它们。
type runtime struct {
	cfg       *config.Config
	store     queue.Store
	governor  *governor.Governor
	incidents incident.Dispatcher
	archive   incident.Repository
	closers   []io.Closer
}

func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
			Compress:   cfg.Log.Audit.Compress,
		},
	}); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	rt := &runtime{cfg: cfg}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.store = store
	rt.closers = append(rt.closers, store)

	rt.governor = governor.New(store,
		governor.WithDailyLimit(cfg.Governance.DailyLimit),
		governor.WithThresholds(cfg.Governance.WarnRatio, cfg.Governance.BlockRatio),
		governor.WithRetention(cfg.Governance.Retention.Std()),
		governor.WithKeyPrefix(cfg.Governance.KeyPrefix),
		governor.WithRecordRetry(cfg.Governance.RecordAttempts, cfg.Governance.RecordBackoff.Std()),
	)

	if err := rt.buildIncidents(ctx); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}

func openStore(ctx context.Context, cfg *config.Config) (queue.Store, error) {
	switch cfg.Queues.Backend {
	case "memory":
		logger.L().Warn("使用进程内队列，多个进程之间不会共享任务")
		return queue.NewMemoryStore(), nil
	case "redis":
		return redis.New(ctx, redis.Config{
			URL:         cfg.Redis.URL,
			Address:     cfg.Redis.Address,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout.Std(),
		})
	default:
		return nil, fmt.Errorf("未知的队列后端: %s", cfg.Queues.Backend)
	}
}

func (rt *runtime) buildIncidents(ctx context.Context) error {
	archiveCfg := rt.cfg.Incident.Archive
	switch archiveCfg.Driver {
	case "memory":
		rt.archive = incident.NewMemoryRepository(0)
	case "file":
		repo, err := mysql.NewFileIncidentRepository(rt.cfg.Runtime.DataDir)
		if err != nil {
			return err
		}
		rt.archive = repo
	case "mysql":
		repo, err := mysql.NewSQLIncidentRepository(ctx, mysql.Config{
			DSN:             archiveCfg.DSN,
			MaxOpenConns:    archiveCfg.MaxOpenConns,
			MaxIdleConns:    archiveCfg.MaxIdleConns,
			ConnMaxLifetime: archiveCfg.ConnMaxLifetime.Std(),
		})
		if err != nil {
			return err
		}
		rt.archive = repo
		rt.closers = append(rt.closers, repo)
	default:
		return fmt.Errorf("未知的事件归档驱动: %s", archiveCfg.Driver)
	}

	var notifiers []incident.Notifier
	for _, sink := range rt.cfg.Incident.Sinks {
		switch incident.Sink(sink) {
		case incident.SinkQueue:
			notifiers = append(notifiers, &incident.QueueNotifier{Producer: rt.store, Queue: rt.cfg.Queues.Incident})
		case incident.SinkLog:
			notifiers = append(notifiers, incident.LogNotifier{})
		case incident.SinkArchive:
			notifiers = append(notifiers, &incident.ArchiveNotifier{Repository: rt.archive})
		case incident.SinkAMQP:
			notifier, err := incident.NewAMQPNotifier(incident.AMQPConfig{
				URL:     rt.cfg.Incident.RabbitMQ.URL,
				Queue:   rt.cfg.Incident.RabbitMQ.Queue,
				Durable: rt.cfg.Incident.RabbitMQ.Durable,
			})
			if err != nil {
				return err
			}
			notifiers = append(notifiers, notifier)
			rt.closers = append(rt.closers, notifier)
		default:
			return fmt.Errorf("未知的事件通道: %s", sink)
		}
	}
	rt.incidents = incident.NewFanout(notifiers...)
	return nil
}

func (rt *runtime) planner() *planner.Planner {
	cfg := rt.cfg.Planner
	return planner.New(rt.store, rt.governor,
		planner.WithStrategy(planner.SplitStrategy{Parts: cfg.Parts, TaskType: cfg.TaskType}),
		planner.WithMaxRetries(cfg.MaxRetries),
		planner.WithAgentID(cfg.AgentID),
		planner.WithDecompositionCost(cfg.DecompositionCost),
		planner.WithIncidents(rt.incidents),
		planner.WithTaskQueue(rt.cfg.Queues.Task),
	)
}

func (rt *runtime) skill() (worker.Skill, error) {
	var base worker.Skill
	switch rt.cfg.Worker.Skill {
	case "echo":
		base = worker.EchoSkill{}
	case "llm":
		client, err := openai.NewClient(openai.Config{
			APIKey:      rt.cfg.LLM.OpenAI.APIKey,
			BaseURL:     rt.cfg.LLM.OpenAI.BaseURL,
			Model:       rt.cfg.LLM.OpenAI.Model,
			Temperature: rt.cfg.LLM.OpenAI.Temperature,
			Timeout:     rt.cfg.LLM.OpenAI.Timeout.Std(),
		})
		if err != nil {
			return nil, err
		}
		skill := worker.LLMSkill{Client: client, FallbackConfidence: worker.DefaultEchoConfidence}
		if path := rt.cfg.Worker.KnowledgeFile; path != "" {
			provider, err := knowledge.LoadStaticProvider(path, rt.cfg.Worker.KnowledgeMaxResults)
			if err != nil {
				return nil, err
			}
			skill.Knowledge = provider
		}
		base = skill
	default:
		return nil, fmt.Errorf("未知的 skill: %s", rt.cfg.Worker.Skill)
	}

	router := worker.NewRouter(base)
	if wallet := rt.cfg.Worker.Wallet; wallet.Enabled {
		if wallet.Owner != "" && !common.IsHexAddress(wallet.Owner) {
			return nil, fmt.Errorf("无效的钱包地址: %s", wallet.Owner)
		}
		router.Handle("transfer", worker.TransferSkill{
			Wallet:  worker.NewMockWallet(common.HexToAddress(wallet.Owner), wallet.Balance),
			Budget:  rt.governor,
			AgentID: wallet.AgentID,
			Log:     logger.Named("transfer"),
		})
	}
	return router, nil
}

func (rt *runtime) workers() ([]*worker.Worker, error) {
	skill, err := rt.skill()
	if err != nil {
		return nil, err
	}
	out := make([]*worker.Worker, 0, rt.cfg.Worker.Count)
	for i := 0; i < rt.cfg.Worker.Count; i++ {
		out = append(out, worker.New("", rt.store, skill,
			worker.WithQueues(rt.cfg.Queues.Task, rt.cfg.Queues.Review),
			worker.WithPollWait(rt.cfg.Queues.PollWait.Std()),
		))
	}
	return out, nil
}

func (rt *runtime) judge(ctx context.Context, rejections judge.RejectionHandler) (*judge.Judge, error) {
	opts := []judge.Option{
		judge.WithThreshold(rt.cfg.Judge.Threshold),
		judge.WithDisclosure(rt.cfg.Judge.Disclosure, rt.cfg.Judge.Triggers...),
		judge.WithQueue(rt.store, rt.cfg.Queues.Review, rt.cfg.Queues.PollWait.Std()),
		judge.WithRejectionHandler(rejections),
	}
	switch rt.cfg.Judge.Verifier {
	case "none":
	case "format":
		opts = append(opts, judge.WithVerifier(judge.TxVerifier(web3.FormatVerifier{})))
	case "ethereum":
		defs, err := web3.LoadChainDefinitions(rt.cfg.Web3.ChainsFile)
		if err != nil {
			return nil, err
		}
		name, chain, err := defs.Resolve(rt.cfg.Web3.Chain, rt.cfg.Web3.RPCURL)
		if err != nil {
			return nil, err
		}
		confirmations := chain.Confirmations
		if rt.cfg.Web3.Confirmations > 0 {
			confirmations = rt.cfg.Web3.Confirmations
		}
		verifier, err := ethereum.NewReceiptVerifier(ctx, ethereum.Config{
			Name:          name,
			RPCURL:        chain.RPCURL,
			Confirmations: confirmations,
		})
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, closerFunc(func() error { verifier.Close(); return nil }))
		opts = append(opts, judge.WithVerifier(judge.TxVerifier(verifier)))
	default:
		return nil, fmt.Errorf("未知的交易校验器: %s", rt.cfg.Judge.Verifier)
	}
	return judge.New(opts...), nil
}

func (rt *runtime) queueNames() []string {
	return []string{rt.cfg.Queues.Task, rt.cfg.Queues.Review, rt.cfg.Queues.Incident}
}

// Close 按创建的逆序关闭所有资源。
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// ignoreCanceled 把正常的关停信号视为成功退出。
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func logExit(component string, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.L().Error("组件异常退出", slog.String("component", component), slog.Any("error", err))
	}
}
