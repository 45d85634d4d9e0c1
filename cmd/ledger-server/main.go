// Package main Ledger Server 入口
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"build-ledger/internal/api"
	"build-ledger/internal/auth"
	"build-ledger/internal/checkpoint"
	"build-ledger/internal/config"
	"build-ledger/internal/eventbus/redis"
	"build-ledger/internal/eventstore"
	"build-ledger/internal/gate"
	"build-ledger/internal/metrics"
	"build-ledger/internal/model"
	"build-ledger/internal/objstore"
	"build-ledger/internal/projection"
	"build-ledger/internal/rollback"
	"build-ledger/internal/storage"
	postgresdriver "build-ledger/internal/storage/driver/postgres"
	sqlitedriver "build-ledger/internal/storage/driver/sqlite"
	"build-ledger/internal/storage/etcdlock"
	"build-ledger/internal/storage/mongostore"
	"build-ledger/internal/storage/repository"
	"build-ledger/internal/timemachine"
	"build-ledger/pkg/logging"
)

func main() {
	// 加载配置（自动加载 .env，根据 APP_ENV 切换数据库和 Redis）
	cfg := config.Load()

	log.Printf("Starting Ledger Server... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	logger := logging.New(logging.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Component: "ledger-server",
	})

	// 初始化主存储（sqlite / postgres / mongodb）
	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()
	log.Printf("Connected to %s", cfg.DatabaseDriver)

	m := metrics.New("ledger")

	// 事件库：可选 Redis Streams 镜像（供跨进程消费者实时订阅）
	storeOpts := []eventstore.Option{
		eventstore.WithMetrics(m),
		eventstore.WithEnvironment(cfg.Ledger.Environment, cfg.Ledger.Process),
	}
	if cfg.RedisEnabled {
		bus, err := redis.NewStoreFromURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer bus.Close()
		storeOpts = append(storeOpts, eventstore.WithMirror(bus))
		log.Println("Connected to Redis")
	}
	events := eventstore.New(store, logger, storeOpts...)

	// 检查点与回滚：可选 etcd 分布式锁、MinIO 产物归档
	ckptOpts := []checkpoint.Option{
		checkpoint.WithAppender(events),
		checkpoint.WithMetrics(m),
	}
	rbOpts := []rollback.Option{
		rollback.WithAppender(events),
		rollback.WithMetrics(m),
		rollback.WithStalenessWindow(cfg.Ledger.StalenessWindow),
	}
	if cfg.EtcdEnabled {
		client, err := etcdlock.NewClient(cfg.EtcdEndpoints, 5*time.Second)
		if err != nil {
			log.Fatalf("Failed to connect to etcd: %v", err)
		}
		locker := etcdlock.NewLocker(client, "/build-ledger/locks")
		defer locker.Close()
		ckptOpts = append(ckptOpts, checkpoint.WithLocker(locker))
		rbOpts = append(rbOpts, rollback.WithLocker(locker))
		log.Println("Connected to etcd")
	}
	if cfg.MinIO.Enabled {
		oc, err := objstore.NewClient(cfg.MinIO)
		if err != nil {
			log.Fatalf("Failed to connect to MinIO: %v", err)
		}
		if err := oc.EnsureBucket(context.Background()); err != nil {
			log.Fatalf("Failed to ensure MinIO bucket: %v", err)
		}
		ckptOpts = append(ckptOpts, checkpoint.WithArchiver(oc))
		log.Println("Connected to MinIO")
	}

	manager := checkpoint.NewManager(store, logger, ckptOpts...)
	projector := projection.New()
	machine := timemachine.New(events, projector, store, logger)
	gates := gate.NewEvaluator(store, defaultRules(), logger,
		gate.WithAppender(events),
		gate.WithCheckpointCreator(manager),
		gate.WithMetrics(m),
		gate.WithApprovalTimeout(cfg.Ledger.ApprovalTimeout),
	)
	engine := rollback.NewEngine(store, manager, logger, rbOpts...)

	h := api.NewHandler(events, projector, machine, manager, gates, engine, logger)
	h.SetMetrics(m)

	handler := auth.Middleware(auth.Config{
		JWTSecret:      cfg.JWTSecret,
		AccessTokenTTL: 15 * time.Minute,
	})(h.Router())

	srv := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 优雅关闭
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("Ledger Server listening on :%s", cfg.APIPort)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	fmt.Println("Server stopped")
}

// openStore 按配置的驱动打开账本存储
func openStore(cfg *config.Config) (storage.LedgerStore, error) {
	switch cfg.DatabaseDriver {
	case "postgres":
		db, err := postgresdriver.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		dialect := postgresdriver.NewDialect()
		if err := dialect.AutoMigrate(db); err != nil {
			return nil, err
		}
		return repository.NewStore(db, dialect), nil
	case "mongodb":
		return mongostore.NewStore(cfg.DatabaseURL, "build_ledger")
	default:
		db, err := sqlitedriver.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		dialect := sqlitedriver.NewDialect()
		if err := dialect.AutoMigrate(db); err != nil {
			return nil, err
		}
		return repository.NewStore(db, dialect), nil
	}
}

// defaultRules 服务端基线规则集
//
// 具体项目通常在此基础上按阶段注册自己的校验规则。
func defaultRules() *gate.Registry {
	registry := gate.NewRegistry()

	registry.Register(&gate.Rule{
		ID:          "artifacts-present",
		Description: "评估必须携带产物",
		Level:       model.RuleLevelBlock,
		Validate: func(ctx context.Context, vc *gate.ValidationContext) (*model.ValidationResult, error) {
			if len(vc.Artifacts) == 0 {
				return &model.ValidationResult{
					Status:  model.ResultStatusFailed,
					Message: "no artifacts submitted for evaluation",
				}, nil
			}
			return &model.ValidationResult{Status: model.ResultStatusPassed}, nil
		},
	})

	registry.Register(&gate.Rule{
		ID:          "quality-threshold",
		Description: "产物自报质量分不低于 70",
		Level:       model.RuleLevelWarn,
		Validate: func(ctx context.Context, vc *gate.ValidationContext) (*model.ValidationResult, error) {
			score, ok := vc.Artifacts["quality_score"].(float64)
			if !ok {
				return &model.ValidationResult{Status: model.ResultStatusSkipped, Message: "no quality_score reported"}, nil
			}
			if score < 70 {
				return &model.ValidationResult{
					Status:  model.ResultStatusFailed,
					Message: fmt.Sprintf("quality score %.1f below threshold 70", score),
				}, nil
			}
			return &model.ValidationResult{Status: model.ResultStatusPassed}, nil
		},
	})

	return registry
}
