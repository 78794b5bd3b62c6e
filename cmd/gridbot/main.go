package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gridbot/internal/backtest"
	"gridbot/internal/config"
	"gridbot/internal/downloader"
	"gridbot/internal/exchange"
	"gridbot/internal/logger"
	"gridbot/internal/metrics"
	"gridbot/internal/models"
	"gridbot/internal/persistence"
	"gridbot/internal/pricefeed"
	"gridbot/internal/reporter"
	"gridbot/internal/scheduler"
	"gridbot/internal/service"
	"gridbot/internal/statemanager"

	"go.uber.org/zap"
)

const (
	liveStreamURL    = "wss://fstream.binance.com"
	testnetStreamURL = "wss://stream.binancefuture.com"
)

// extractSymbolFromPath 从数据文件路径中提取交易对名称
// 例如: "data/BNBUSDT-2025-03-15-2025-06-15.csv" -> "BNBUSDT"
// 文件名不是大写交易对时返回空串
func extractSymbolFromPath(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), ".csv")
	sym := strings.Split(name, "-")[0]
	if sym == "" || sym != strings.ToUpper(sym) {
		return ""
	}
	return sym
}

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	envPath := flag.String("env", ".env", "path to the .env file holding API credentials")
	mode := flag.String("mode", "live", "running mode: live, backtest or status")
	dataPath := flag.String("data", "", "path to historical data file for backtesting")
	symbol := flag.String("symbol", "", "symbol to backtest (e.g., BNBUSDT)")
	startDate := flag.String("start", "", "start date for backtesting (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date for backtesting (YYYY-MM-DD)")
	botID := flag.String("bot", "", "bot id whose grid is used for backtesting (default: first bot)")
	flag.Parse()

	// 加载配置之前先用默认日志
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	cfg, err := config.LoadConfig(*configPath, *envPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	log := logger.InitLogger(cfg.LogConfig)
	defer logger.Sync()

	switch *mode {
	case "live":
		err = runLiveMode(cfg, log)
	case "backtest":
		var path string
		path, err = handleBacktestMode(log, *symbol, *startDate, *endDate, *dataPath)
		if err == nil {
			err = runBacktestMode(cfg, log, path, *botID, *symbol)
		}
	case "status":
		err = runStatusMode(cfg)
	default:
		err = fmt.Errorf("未知的运行模式: %s。请选择 'live', 'backtest' 或 'status'", *mode)
	}
	if err != nil {
		logger.S().Fatal(err)
	}
}

// runLiveMode 启动所有配置的 bot, 直到收到退出信号
func runLiveMode(cfg *models.AppConfig, log *zap.Logger) error {
	log.Info("--- 启动实时交易模式 ---", zap.Bool("testnet", cfg.IsTestnet), zap.Int("bots", len(cfg.Bots)))
	if len(cfg.Bots) == 0 {
		return errors.New("配置中没有任何 bot")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("打开状态数据库失败: %w", err)
	}
	defer repo.Close()

	states := statemanager.NewStateManager(repo, log)
	if _, err := states.Restore(); err != nil {
		log.Warn("恢复历史状态失败", zap.Error(err))
	}
	states.Start()
	defer states.Stop()

	sched := scheduler.NewTicker(ctx)
	svc := service.New(binanceFactory(cfg.IsTestnet, log), service.Options{
		TickInterval: cfg.TickInterval(),
		CallTimeout:  cfg.CallTimeout(),
		Scheduler:    sched,
		States:       states,
	}, log)

	srv := startMetricsServer(cfg.MetricsAddr, log)
	feed := startPriceFeed(ctx, cfg, log)

	started := 0
	for _, bc := range cfg.Bots {
		h, err := svc.StartBot(ctx, bc)
		if err != nil {
			log.Error("bot 启动失败", zap.String("bot_id", bc.ID), zap.Error(err))
			continue
		}
		started++
		feed.AddSymbol(h.Symbol)
	}
	if started == 0 {
		return errors.New("没有任何 bot 启动成功")
	}

	statusJob := sched.Schedule(cfg.StatusEvery(), func(context.Context) {
		reporter.RenderStatus(os.Stdout, svc.List())
	})

	<-ctx.Done()
	log.Info("收到退出信号, 正在停止所有 bot...")
	statusJob.Stop()

	// 收到信号后 ctx 已取消, 撤单用新的带超时的 context
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	stopErr := svc.StopAll(shutdownCtx)
	reporter.RenderStatus(os.Stdout, svc.List())

	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}
	if stopErr != nil {
		return fmt.Errorf("部分 bot 未能停止, 请检查挂单: %w", stopErr)
	}
	log.Info("所有 bot 已停止")
	return nil
}

// binanceFactory 为每个 bot 用它自己的凭证创建交易所客户端
func binanceFactory(testnet bool, log *zap.Logger) service.ExchangeFactory {
	return func(bc models.BotConfig) (exchange.Exchange, error) {
		if bc.APIKey == "" || bc.SecretKey == "" {
			return nil, fmt.Errorf("bot %s 缺少 API 凭证", bc.ID)
		}
		ex := exchange.NewBinanceExchange(bc.APIKey, bc.SecretKey, testnet, log)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ex.SyncTime(ctx); err != nil {
			log.Warn("时间同步失败, 使用本地时间", zap.String("bot_id", bc.ID), zap.Error(err))
		}
		return ex, nil
	}
}

func startMetricsServer(addr string, log *zap.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics 服务异常退出", zap.Error(err))
		}
	}()
	log.Info("metrics 服务已启动", zap.String("addr", addr))
	return srv
}

// startPriceFeed 按配置选择 websocket 或 REST 作为行情来源
func startPriceFeed(ctx context.Context, cfg *models.AppConfig, log *zap.Logger) *pricefeed.Feed {
	var source pricefeed.TickerSource
	if cfg.PriceStream {
		url := liveStreamURL
		if cfg.IsTestnet {
			url = testnetStreamURL
		}
		stream := pricefeed.NewStreamSource(url, log)
		for _, bc := range cfg.Bots {
			stream.Subscribe(ctx, bc.Symbol)
		}
		go func() {
			<-ctx.Done()
			stream.Close()
		}()
		source = stream
	} else {
		// 行情接口是公开的, 不需要密钥
		source = exchange.NewBinanceExchange("", "", cfg.IsTestnet, log)
	}

	feed := pricefeed.New(source, log, pricefeed.WithCallTimeout(cfg.CallTimeout()))
	go feed.Run(ctx, cfg.FeedInterval())
	return feed
}

// handleBacktestMode 处理回测模式的启动逻辑，包括数据下载。
// 成功后返回数据文件路径，失败则返回错误。
func handleBacktestMode(log *zap.Logger, symbol, startDate, endDate, dataPath string) (string, error) {
	if symbol != "" && startDate != "" && endDate != "" {
		startTime, err1 := time.Parse("2006-01-02", startDate)
		endTime, err2 := time.Parse("2006-01-02", endDate)
		if err := errors.Join(err1, err2); err != nil {
			return "", fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式: %w", err)
		}

		fileName := filepath.Join("data", fmt.Sprintf("%s-%s-%s.csv", symbol, startDate, endDate))
		d := downloader.NewKlineDownloader(log)
		if err := d.DownloadKlines(context.Background(), symbol, fileName, startTime, endTime); err != nil {
			return "", fmt.Errorf("下载数据失败: %w", err)
		}
		return fileName, nil
	}

	if dataPath == "" {
		return "", errors.New("回测模式需要通过 -data 或 -symbol/-start/-end 参数指定数据源")
	}
	return dataPath, nil
}

// runBacktestMode 用配置中的网格参数回放历史数据
func runBacktestMode(cfg *models.AppConfig, log *zap.Logger, dataPath, botID, symbol string) error {
	log.Info("--- 启动回测模式 ---", zap.String("data", dataPath))
	bot, err := pickBot(cfg, botID)
	if err != nil {
		return err
	}
	sym := symbol
	if sym == "" {
		sym = extractSymbolFromPath(dataPath)
	}
	if sym != "" && sym != bot.Symbol {
		log.Info("使用数据文件中的交易对", zap.String("from", bot.Symbol), zap.String("to", sym))
		bot.Symbol = sym
	}

	klines, err := downloader.LoadKlines(dataPath)
	if err != nil {
		return fmt.Errorf("读取回测数据失败: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	res, err := backtest.NewRunner(cfg.Backtest, log).Run(ctx, bot, klines)
	if err != nil {
		return err
	}
	res.Input.DataPath = dataPath
	reporter.RenderBacktest(os.Stdout, res.Input, res.Metrics)
	return nil
}

func pickBot(cfg *models.AppConfig, id string) (models.BotConfig, error) {
	if len(cfg.Bots) == 0 {
		return models.BotConfig{}, errors.New("配置中没有任何 bot")
	}
	if id == "" {
		return cfg.Bots[0], nil
	}
	for _, b := range cfg.Bots {
		if b.ID == id {
			return b, nil
		}
	}
	return models.BotConfig{}, fmt.Errorf("配置中找不到 bot %s", id)
}

// runStatusMode 打印数据库中保存的 bot 状态
func runStatusMode(cfg *models.AppConfig) error {
	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("打开状态数据库失败: %w", err)
	}
	defer repo.Close()

	states, err := repo.ListStates()
	if err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Println("数据库中没有任何 bot 状态")
		return nil
	}
	reporter.RenderStates(os.Stdout, states)
	return nil
}
