package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fabfab/document-portal/analysis"
	"github.com/fabfab/document-portal/chat"
	"github.com/fabfab/document-portal/config"
	"github.com/fabfab/document-portal/database"
	"github.com/fabfab/document-portal/embeddings"
	"github.com/fabfab/document-portal/index"
	"github.com/fabfab/document-portal/llm"
	"github.com/fabfab/document-portal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "docportal",
		Short:         "Analyze, compare and chat with uploaded documents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newIngestCmd(),
		newChatCmd(),
		newAnalyzeCmd(),
		newCompareCmd(),
		newCleanCmd(),
		newClearCmd(),
	)
	return root
}

// app holds the components a command needs. Connections are opened lazily
// by the constructors that need them and released by close.
type app struct {
	cfg    config.Config
	logger *zap.Logger

	pool   *pgxpool.Pool
	driver neo4j.DriverWithContext
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger}, nil
}

func (a *app) close(ctx context.Context) {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.driver != nil {
		if err := a.driver.Close(ctx); err != nil {
			a.logger.Warn("close neo4j driver", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func (a *app) postgres(ctx context.Context) (*pgxpool.Pool, error) {
	if a.pool != nil {
		return a.pool, nil
	}
	pool, err := database.NewPostgresPool(ctx, a.cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres connection: %w", err)
	}
	a.pool = pool
	return pool, nil
}

func (a *app) graphDriver(ctx context.Context) (neo4j.DriverWithContext, error) {
	if a.driver != nil {
		return a.driver, nil
	}
	driver, err := database.NewNeo4jDriver(ctx, a.cfg.Neo4jURI, a.cfg.Neo4jUser, a.cfg.Neo4jPass)
	if err != nil {
		return nil, fmt.Errorf("neo4j connection: %w", err)
	}
	a.driver = driver
	return driver, nil
}

func (a *app) indexManager(ctx context.Context) (*index.Manager, error) {
	embedder, err := embeddings.NewEmbedder(a.cfg)
	if err != nil {
		return nil, err
	}

	opener := index.FileStores(a.logger)
	if a.cfg.IndexBackend == config.IndexBackendPostgres {
		pool, err := a.postgres(ctx)
		if err != nil {
			return nil, err
		}
		if err := database.EnsureIndexSchema(ctx, pool, a.cfg.Embeddings.Dimension); err != nil {
			return nil, err
		}
		opener = index.PostgresStores(pool, a.logger)
	}

	opts := []index.Option{index.WithLogger(a.logger)}
	if a.cfg.Embeddings.BatchSize > 0 {
		opts = append(opts, index.WithBatchSize(a.cfg.Embeddings.BatchSize))
	}
	return index.NewManager(embedder, opener, opts...), nil
}

func (a *app) chatService(ctx context.Context) (*chat.Service, error) {
	manager, err := a.indexManager(ctx)
	if err != nil {
		return nil, err
	}
	client, err := llm.NewClient(a.cfg)
	if err != nil {
		return nil, err
	}

	opts := []chat.Option{chat.WithLogger(a.logger)}
	if a.cfg.GraphEnabled {
		driver, err := a.graphDriver(ctx)
		if err != nil {
			return nil, err
		}
		opts = append(opts, chat.WithGraphStore(chat.NewNeo4jGraphStore(driver)))
	}

	return chat.NewService(manager, client, chat.Config{
		UploadBase: a.cfg.UploadBase,
		IndexBase:  a.cfg.FaissBase,
	}, opts...), nil
}

func (a *app) analyzer() (*analysis.Analyzer, error) {
	client, err := llm.NewClient(a.cfg)
	if err != nil {
		return nil, err
	}
	return analysis.NewAnalyzer(client, a.logger)
}

func (a *app) comparator() (*analysis.Comparator, error) {
	client, err := llm.NewClient(a.cfg)
	if err != nil {
		return nil, err
	}
	return analysis.NewComparator(client, a.logger)
}

// runWithApp builds the app, runs fn under a signal-aware context and
// releases every connection afterwards.
func runWithApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	return fn(ctx, a)
}
