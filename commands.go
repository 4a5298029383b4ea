package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fabfab/document-portal/api"
	"github.com/fabfab/document-portal/chat"
	"github.com/fabfab/document-portal/config"
	"github.com/fabfab/document-portal/database"
	"github.com/fabfab/document-portal/index"
	"github.com/fabfab/document-portal/ingestion"
	"github.com/fabfab/document-portal/knowledge"
	"github.com/fabfab/document-portal/session"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				if addr == "" {
					addr = a.cfg.HTTPAddr
				}
				return serve(ctx, a, addr)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default HTTP_ADDR)")
	return cmd
}

func serve(ctx context.Context, a *app, addr string) error {
	svc, err := a.chatService(ctx)
	if err != nil {
		return err
	}
	analyzer, err := a.analyzer()
	if err != nil {
		return err
	}
	comparator, err := a.comparator()
	if err != nil {
		return err
	}

	handler := api.New(a.cfg, api.Deps{Chat: svc, Analyzer: analyzer, Comparator: comparator}, a.logger)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if a.cfg.SessionCleanupInterval > 0 {
		go runJanitor(ctx, a.cfg, a.logger)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("http shutdown", zap.Error(err))
		}
	}()

	a.logger.Info("http server listening", zap.String("addr", addr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	a.logger.Info("http server stopped")
	return nil
}

// runJanitor prunes old comparison sessions every SessionCleanupInterval.
func runJanitor(ctx context.Context, cfg config.Config, logger *zap.Logger) {
	ticker := time.NewTicker(cfg.SessionCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := session.CleanOld(cfg.CompareBase, cfg.CompareKeepSessions, logger)
			if err != nil {
				logger.Warn("session cleanup failed", zap.Error(err))
				continue
			}
			if len(removed) > 0 {
				logger.Info("session cleanup finished", zap.Int("removed", len(removed)))
			}
		}
	}
}

func newIngestCmd() *cobra.Command {
	opts := chat.DefaultBuildOptions()
	var shared bool
	cmd := &cobra.Command{
		Use:   "ingest <file|dir>...",
		Short: "Index documents for chat",
		Long: `Index PDF, DOCX, TXT and Markdown files into a chat session.
Directories are walked for supported files.

Examples:
  docportal ingest report.pdf notes.md
  docportal ingest --session-id session_20250101_120000_ab12cd34 appendix.pdf
  docportal ingest --shared ./handbooks`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.UseSessionDirs = !shared
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				svc, err := a.chatService(ctx)
				if err != nil {
					return err
				}
				uploads, err := expandUploads(args)
				if err != nil {
					return err
				}
				result, err := svc.BuildRetriever(ctx, uploads, opts)
				if err != nil {
					return fmt.Errorf("ingestion failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "session: %s\nadded: %d\ntotal: %d\n", result.SessionID, result.Added, result.Total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.SessionID, "session-id", "", "session to add documents to (default: new session)")
	cmd.Flags().BoolVar(&shared, "shared", false, "use the shared index instead of a per-session one")
	cmd.Flags().IntVar(&opts.ChunkSize, "chunk-size", opts.ChunkSize, "characters per chunk")
	cmd.Flags().IntVar(&opts.ChunkOverlap, "chunk-overlap", opts.ChunkOverlap, "characters shared by adjacent chunks")
	return cmd
}

// expandUploads turns file and directory arguments into uploads.
func expandUploads(args []string) ([]session.Upload, error) {
	var uploads []session.Upload
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", arg, err)
		}
		if !info.IsDir() {
			uploads = append(uploads, session.FileUpload(arg))
			continue
		}
		paths, err := ingestion.CollectFiles(arg)
		if err != nil {
			return nil, err
		}
		for _, path := range paths {
			uploads = append(uploads, session.FileUpload(path))
		}
	}
	return uploads, nil
}

func newChatCmd() *cobra.Command {
	var (
		opts       chat.QueryOptions
		shared     bool
		searchType string
	)
	cmd := &cobra.Command{
		Use:   "chat [question]",
		Short: "Ask a question about an indexed session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := ""
			if len(args) > 0 {
				question = args[0]
			}
			if strings.TrimSpace(question) == "" {
				var err error
				if question, err = prompt(cmd.InOrStdin(), cmd.OutOrStdout(), "Enter your question: "); err != nil {
					return err
				}
			}
			opts.UseSessionDirs = !shared
			opts.SearchType = index.SearchType(searchType)

			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				svc, err := a.chatService(ctx)
				if err != nil {
					return err
				}
				result, err := svc.Query(ctx, question, opts)
				if err != nil {
					return fmt.Errorf("chat failed: %w", err)
				}
				printAnswer(cmd.OutOrStdout(), result)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.SessionID, "session-id", "", "session to query")
	cmd.Flags().BoolVar(&shared, "shared", false, "query the shared index")
	cmd.Flags().IntVar(&opts.K, "k", chat.DefaultQueryK, "number of passages to retrieve")
	cmd.Flags().StringVar(&searchType, "search-type", string(index.SearchSimilarity), "similarity, mmr or similarity_score_threshold")
	return cmd
}

func printAnswer(w io.Writer, result chat.QueryResult) {
	fmt.Fprintln(w, result.Answer)
	if len(result.Sources) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Sources:")
	for i, src := range result.Sources {
		name := src.FileName
		if name == "" {
			name = src.Source
		}
		fmt.Fprintf(w, "%d. %s (score %.3f)\n", i+1, name, src.Score)
		if len(src.Pages) > 0 {
			fmt.Fprintf(w, "   Pages: %s\n", strings.Join(src.Pages, ", "))
		}
		if src.ChunkCount > 0 {
			fmt.Fprintf(w, "   Indexed chunks: %d\n", src.ChunkCount)
		}
	}
}

func newAnalyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <file.pdf>",
		Short: "Extract structured metadata from a PDF",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				analyzer, err := a.analyzer()
				if err != nil {
					return err
				}
				result, err := analyzer.AnalyzeUpload(ctx, a.cfg.AnalysisBase, session.FileUpload(args[0]))
				if err != nil {
					return fmt.Errorf("analysis failed: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), result.Metadata)
			})
		},
	}
}

func newCompareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compare <reference.pdf> <actual.pdf>",
		Short: "Compare two PDFs page by page",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				comparator, err := a.comparator()
				if err != nil {
					return err
				}
				result, err := comparator.CompareUploads(ctx, a.cfg.CompareBase,
					session.FileUpload(args[0]), session.FileUpload(args[1]))
				if err != nil {
					return fmt.Errorf("comparison failed: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}

func newCleanCmd() *cobra.Command {
	var (
		base string
		keep int
	)
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove old comparison sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithApp(cmd, func(_ context.Context, a *app) error {
				if base == "" {
					base = a.cfg.CompareBase
				}
				if !cmd.Flags().Changed("keep") {
					keep = a.cfg.CompareKeepSessions
				}
				removed, err := session.CleanOld(base, keep, a.logger)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d session(s) from %s\n", len(removed), base)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&base, "base", "", "session base directory (default COMPARE_BASE)")
	cmd.Flags().IntVar(&keep, "keep", 0, "number of newest sessions to keep (default COMPARE_KEEP_SESSIONS)")
	return cmd
}

func newClearCmd() *cobra.Command {
	var confirmed bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every indexed document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirmed {
				answer, err := prompt(cmd.InOrStdin(), cmd.OutOrStdout(),
					"This will permanently delete indexed data and graph nodes. Continue? [y/N]: ")
				if err != nil {
					return err
				}
				answer = strings.ToLower(strings.TrimSpace(answer))
				if answer != "y" && answer != "yes" {
					fmt.Fprintln(cmd.OutOrStdout(), "clear aborted")
					return nil
				}
			}
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				return clearAll(ctx, a, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().BoolVar(&confirmed, "confirm", false, "skip confirmation prompt")
	return cmd
}

func clearAll(ctx context.Context, a *app, out io.Writer) error {
	switch a.cfg.IndexBackend {
	case config.IndexBackendPostgres:
		pool, err := a.postgres(ctx)
		if err != nil {
			return err
		}
		removed, err := database.ClearIndex(ctx, pool)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "cleared %d postgres index entries\n", removed)
	default:
		if err := os.RemoveAll(a.cfg.FaissBase); err != nil {
			return fmt.Errorf("remove index directory: %w", err)
		}
		fmt.Fprintf(out, "removed index directory %s\n", a.cfg.FaissBase)
	}

	if a.cfg.GraphEnabled {
		driver, err := a.graphDriver(ctx)
		if err != nil {
			return err
		}
		if err := knowledge.Purge(ctx, driver); err != nil {
			return fmt.Errorf("clear neo4j: %w", err)
		}
		fmt.Fprintln(out, "neo4j sessions, documents and chunks cleared")
	}
	return nil
}

func prompt(in io.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)
	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		return scanner.Text(), nil
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return "", nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
