package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/prism-kb/prism/internal/ai"
	"github.com/prism-kb/prism/internal/config"
	"github.com/prism-kb/prism/internal/extract"
	"github.com/prism-kb/prism/internal/filestore"
	"github.com/prism-kb/prism/internal/handler"
	"github.com/prism-kb/prism/internal/middleware"
	"github.com/prism-kb/prism/internal/pipeline"
	"github.com/prism-kb/prism/internal/repo"
	"github.com/prism-kb/prism/internal/schedule"
	"github.com/prism-kb/prism/internal/search"
	"github.com/prism-kb/prism/internal/service"
)

const maxUploadSize = 256 << 20

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "prism",
		Short: "prism ingestion and retrieval server",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run prism server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return fmt.Errorf("--config is required")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger.Init(
				cfg.LogConfig.File,
				cfg.LogConfig.Level,
				int(cfg.LogConfig.FileCount),
				int(cfg.LogConfig.FileSize),
				int(cfg.LogConfig.KeepDays),
				cfg.LogConfig.Console,
			)
			logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", configPath))

			db, err := repo.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			if err := repo.ApplyMigrations(db); err != nil {
				return fmt.Errorf("migrations: %w", err)
			}
			return runServer(cfg, db)
		},
	}

	runCmd.Flags().StringVar(&configPath, "config", "", "path to config.json")
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("startup error", zap.Error(err))
	}
}

func runServer(cfg *config.Config, db *sql.DB) error {
	logutil.GetLogger(context.Background()).Info(
		"starting server",
		zap.Int("port", cfg.Port),
		zap.String("db_path", cfg.DBPath),
		zap.String("file_store", cfg.FileStore.Type),
	)

	docRepo := repo.NewDocumentRepo(db)
	chunkRepo := repo.NewChunkRepo(db)
	embeddingRepo := repo.NewEmbeddingRepo(db)
	taskRepo := repo.NewTaskRepo(db)
	stateRepo := repo.NewStageStateRepo(db)

	store, err := filestore.New(cfg.FileStore)
	if err != nil {
		return fmt.Errorf("init file store: %w", err)
	}

	aiProvider, err := ai.NewProvider(cfg.AI.Provider, cfg.AI.Data)
	if err != nil {
		return fmt.Errorf("init ai provider: %w", err)
	}
	embedder := ai.NewEmbedder(aiProvider, cfg.AI.Model, cfg.AI.Dims)

	searchClient := search.New(cfg.Search.Endpoint, cfg.Search.APIKey, time.Duration(cfg.Search.TimeoutSecond)*time.Second)
	extractor := extract.NewHTTPExtractor(cfg.Pipeline.ExtractEndpoint, cfg.Pipeline.ExtractAPIKey, time.Duration(cfg.Pipeline.CallTimeoutSecond)*time.Second)

	dedup := pipeline.NewDeduplicator(docRepo, store)
	chunker := pipeline.NewChunker(cfg.Pipeline.TargetTokens, cfg.Pipeline.OverlapTokens, cfg.Pipeline.MinTokens)
	embedProc := pipeline.NewEmbedProcessor(chunkRepo, embeddingRepo, embedder, cfg.Pipeline.EmbedBatchSize, cfg.Pipeline.MaxRetries)
	indexer := pipeline.NewIndexer(docRepo, chunkRepo, embeddingRepo, searchClient, cfg.Search.IndexPrefix+"-", cfg.Pipeline.IndexBatchSize)
	orch := pipeline.NewOrchestrator(pipeline.OrchestratorParams{
		Docs:        docRepo,
		Chunks:      chunkRepo,
		Tasks:       taskRepo,
		States:      stateRepo,
		Store:       store,
		Extractor:   extractor,
		Dedup:       dedup,
		Chunker:     chunker,
		Embed:       embedProc,
		Indexer:     indexer,
		WorkerLimit: cfg.Pipeline.WorkerLimit,
	})

	documentService := service.NewDocumentService(docRepo, store)
	pipelineService := service.NewPipelineService(orch, taskRepo)
	queryService := service.NewQueryService(
		searchClient, chunkRepo, docRepo,
		cfg.Search.IndexPrefix+"-",
		cfg.Synonyms,
		cfg.Query.CacheSize,
		time.Duration(cfg.Query.CacheTTLHours)*time.Hour,
	)

	deps := handler.RouterDeps{
		Documents: handler.NewDocumentHandler(documentService, maxUploadSize),
		Pipeline:  handler.NewPipelineHandler(pipelineService),
		Query:     handler.NewQueryHandler(queryService),
	}

	engine, err := webapi.NewEngine(
		"/api/v1",
		fmt.Sprintf("0.0.0.0:%d", cfg.Port),
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.RequestID(),
			middleware.CORS(cfg.CORS),
			middleware.RateLimit(time.Second),
			gzip.Gzip(gzip.DefaultCompression),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}

	sched := schedule.NewCronScheduler()
	retention := time.Duration(cfg.Schedule.TaskRetentionDays) * 24 * time.Hour
	if err := sched.AddJob(schedule.NewTaskCleanupJob(taskRepo, retention), cfg.Schedule.CleanupSpec); err != nil {
		return fmt.Errorf("schedule cleanup: %w", err)
	}
	if err := sched.AddJob(schedule.NewEmbeddingResyncJob(docRepo, embeddingRepo, embedProc), cfg.Schedule.ResyncSpec); err != nil {
		return fmt.Errorf("schedule resync: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched.Start(ctx)
	defer sched.Stop()

	logutil.GetLogger(context.Background()).Info("http server listening", zap.String("addr", fmt.Sprintf("0.0.0.0:%d", cfg.Port)))
	go func() {
		if err := engine.Run(); err != nil && err != http.ErrServerClosed {
			logutil.GetLogger(context.Background()).Error("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logutil.GetLogger(context.Background()).Info("server stopping...")
	return nil
}
