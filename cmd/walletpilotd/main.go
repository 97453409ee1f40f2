package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"WalletPilot/internal/agent"
	"WalletPilot/internal/api"
	"WalletPilot/internal/compose"
	"WalletPilot/internal/config"
	"WalletPilot/internal/enrich"
	"WalletPilot/internal/executor"
	"WalletPilot/internal/intent"
	"WalletPilot/internal/knowledge"
	"WalletPilot/internal/language"
	"WalletPilot/internal/limits"
	"WalletPilot/internal/llm"
	"WalletPilot/internal/llm/openai"
	"WalletPilot/internal/memory"
	"WalletPilot/internal/observability/alerting"
	"WalletPilot/internal/pricing"
	"WalletPilot/internal/settlement"
	"WalletPilot/internal/storage"
	"WalletPilot/internal/storage/mysql"
	wpredis "WalletPilot/internal/storage/redis"
	"WalletPilot/internal/web3"
	"WalletPilot/internal/web3/provider"
	"WalletPilot/pkg/logger"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// main 是 WalletPilot 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("walletpilotd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("加载 .env 失败: %v", err)
	}

	configPath := os.Getenv("WALLETPILOT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "walletpilot.json")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:   cfg.Logging.AuditPath != "",
			Path:      cfg.Logging.AuditPath,
			MaxSizeMB: cfg.Logging.AuditMaxMB,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("walletpilotd")

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var sharedRedis *goredis.Client
	if cfg.Memory.Driver == "redis" || cfg.Agent.LockDriver == "redis" {
		sharedRedis, err = wpredis.Dial(ctx, wpredis.Config{
			Address:  cfg.Memory.Redis.Address,
			Password: cfg.Memory.Redis.Password,
			DB:       cfg.Memory.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer sharedRedis.Close()
	}

	var memStore memory.Store = memory.NewMemoryStore(cfg.Memory.TTL())
	if cfg.Memory.Driver == "redis" {
		memStore = wpredis.NewConversationStore(sharedRedis, cfg.Memory.Redis.Prefix, cfg.Memory.TTL())
	}
	mem := memory.New(memStore, memory.WithMaxMessages(cfg.Memory.MaxMessages))

	keys, err := web3.NewKeyRing(web3.ParseKeyList(os.Getenv(cfg.Web3.SignerKeysEnv))...)
	if err != nil {
		return err
	}
	chains, err := provider.NewRegistry(ctx, cfg.Web3, provider.EthereumDialer(keys))
	if err != nil {
		return err
	}
	defer chains.Close()
	ledger, err := chains.DefaultClient()
	if err != nil {
		return err
	}
	tokens := chains.DefaultTokens()
	log.Info("链客户端已就绪",
		slog.String("chain", chains.DefaultChain()),
		slog.String("native", tokens.Native().Symbol),
		slog.Int("signers", len(keys.Addresses())),
	)

	alerts := buildAlerting(cfg)
	llmClient := createLLMClient(cfg, log)
	rates := pricing.FromConfig(cfg.Pricing)
	tokenSet := buildTokenSet(tokens)

	help, err := loadKnowledge(cfg)
	if err != nil {
		return err
	}

	exec := executor.New(ledger, tokens, store)
	guard := limits.NewGuard(store, store,
		limits.WithFailMode(limits.ParseFailMode(cfg.Limits.FailMode)),
		limits.WithDefaults(limitDefaults(cfg.Limits)),
	)

	queue, err := settlement.NewQueue(ctx, cfg.Settlement)
	if err != nil {
		return err
	}
	defer queue.Close()
	processor := settlement.NewProcessor(ledger, store, queue, queue,
		settlement.WithWorkerCount(cfg.Settlement.Workers),
		settlement.WithMaxAttempts(cfg.Settlement.MaxAttempts),
		settlement.WithPollInterval(cfg.Settlement.PollInterval()),
		settlement.WithAlertDispatcher(alerts),
	)

	agentOpts := []agent.Option{
		agent.WithAlertDispatcher(alerts),
		agent.WithRequireConfirmation(*cfg.Agent.RequireConfirmation),
		agent.WithConfirmationTTL(cfg.Agent.ConfirmationTTL()),
	}
	if cfg.Agent.LockDriver == "redis" {
		agentOpts = append(agentOpts, agent.WithLocker(wpredis.NewLocker(sharedRedis, cfg.Memory.Redis.Prefix, cfg.Agent.LockTTL())))
	}
	ag, err := agent.New(agent.Components{
		Detector: language.NewDetector(language.Parse(cfg.Agent.FallbackLanguage, language.English)),
		Memory:   mem,
		Classifier: intent.NewClassifier(llmClient, tokenSet,
			intent.WithRateSource(rates),
			intent.WithTimeout(cfg.Agent.LLMTimeout()),
		),
		Enricher: enrich.New(exec, exec, tokens,
			enrich.WithKnowledge(help),
			enrich.WithPricing(rates),
			enrich.WithHistory(store),
		),
		Guard:    guard,
		Executor: exec,
		Composer: compose.New(llmClient, mem, tokenSet,
			compose.WithTimeout(cfg.Agent.LLMTimeout()),
			compose.WithPreferTemplates(*cfg.Agent.PreferTemplates),
		),
		Ledger:     store,
		Settlement: settlement.NewService(queue),
		Tokens:     tokens,
	}, agentOpts...)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, api.Dependencies{
		Chat:         ag,
		Limits:       guard,
		Users:        store,
		Transactions: store,
		Balances:     exec,
		Chain:        ledger,
		Tokens:       tokens,
	},
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		api.WithMetrics(*cfg.Server.MetricsEnabled),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := processor.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("结算处理器异常退出: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := server.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	log.Info("WalletPilot 已启动",
		slog.String("addr", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("memory", cfg.Memory.Driver),
		slog.String("settlement", cfg.Settlement.Driver),
		slog.String("fail_mode", cfg.Limits.FailMode),
	)
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "memory", "":
		store, err := storage.NewMemoryStore(cfg.Storage.DataDir)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "mysql":
		store, err := mysql.NewStore(ctx, mysql.ConfigFromStorage(cfg.Storage))
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

// createLLMClient 未配置 API Key 时返回 nil，分类与回复退化为默认意图和模板。
func createLLMClient(cfg *config.Config, log *slog.Logger) llm.Client {
	apiKey := cfg.LLM.OpenAI.ResolveAPIKey()
	if apiKey == "" {
		log.Warn("未配置 OpenAI API Key，仅使用模板回复", slog.String("api_key_env", cfg.LLM.OpenAI.APIKeyEnv))
		return nil
	}
	client, err := openai.NewClient(openai.Config{
		APIKey:      apiKey,
		BaseURL:     cfg.LLM.OpenAI.BaseURL,
		Model:       cfg.LLM.OpenAI.Model,
		Timeout:     cfg.LLM.OpenAI.Timeout(),
		Temperature: cfg.LLM.OpenAI.Temperature,
		MaxTokens:   cfg.LLM.OpenAI.MaxTokens,
		MaxRetries:  cfg.LLM.OpenAI.MaxRetries,
	})
	if err != nil {
		log.Warn("初始化 OpenAI 客户端失败，仅使用模板回复", slog.Any("error", err))
		return nil
	}
	return client
}

func buildAlerting(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL))
	}
	return alerting.NewFanout(notifiers...)
}

func loadKnowledge(cfg *config.Config) (knowledge.Provider, error) {
	if cfg.Knowledge.Source == "" {
		return knowledge.NewDefaultProvider(cfg.Knowledge.MaxResults), nil
	}
	provider, err := knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
	if err != nil {
		return nil, err
	}
	return provider, nil
}

// buildTokenSet 把链上代币注册表转换为分类器可识别的符号与别名。
func buildTokenSet(reg *web3.Registry) *intent.TokenSet {
	all := reg.All()
	symbols := make([]string, 0, len(all))
	for _, tok := range all {
		symbols = append(symbols, tok.Symbol)
	}
	set := intent.NewTokenSet(reg.Native().Symbol, symbols...)
	for _, tok := range all {
		for _, alias := range tok.Aliases {
			set.AddAlias(alias, tok.Symbol)
		}
	}
	return set
}

func limitDefaults(cfg config.LimitsConfig) limits.Defaults {
	d := limits.SystemDefaults()
	if cfg.MaxPerTx > 0 {
		d.MaxPerTx = decimal.NewFromFloat(cfg.MaxPerTx)
	}
	if cfg.MaxTxPerDay > 0 {
		d.MaxTxPerDay = cfg.MaxTxPerDay
	}
	if cfg.MaxPerDay > 0 {
		d.MaxPerDay = decimal.NewFromFloat(cfg.MaxPerDay)
	}
	if cfg.MaxPerMonth > 0 {
		d.MaxPerMonth = decimal.NewFromFloat(cfg.MaxPerMonth)
	}
	return d
}
