package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"llmctl/internal/budget"
	"llmctl/internal/config"
	"llmctl/internal/engine"
	"llmctl/internal/errors"
	"llmctl/internal/logging"
	"llmctl/internal/mcpconfig"
	"llmctl/internal/noderun"
	"llmctl/internal/provider"
	"llmctl/internal/queue"
	"llmctl/internal/retrieval"
	"llmctl/internal/store"
	"llmctl/internal/workspace"
)

const runJobKind = "flowchart.run"

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the flowchart execution engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	var opts []config.Option
	if path := viper.GetString("config"); path != "" {
		opts = append(opts, config.WithPath(path))
	}
	cfg, err := config.Load(opts...)
	if err != nil {
		return err
	}
	logger := logging.NewComponentLogger("Serve")

	if cfg.DatabaseURL == "" {
		return errors.New(errors.CodeValidation, "database_url is not configured")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	s := store.NewPGStore(pool)
	defer s.Close()
	if err := s.MigrateSchema(ctx); err != nil {
		return err
	}

	adapter, err := buildAdapter(cfg)
	if err != nil {
		return err
	}
	router := provider.NewRouter(adapter)
	registry := provider.NewDispatchRegistry(cfg.DispatchTTL)
	workspaces := workspace.NewManager(cfg.WorkspaceRoot, cfg.WorkspaceRetention)

	budgeter := budget.New(budget.Config{
		WindowTokens: cfg.Budget.ContextWindowTokens,
		Percentages: budget.Percentages{
			History: cfg.Budget.HistoryPercent,
			RAG:     cfg.Budget.RAGPercent,
			MCP:     cfg.Budget.MCPPercent,
		},
		CompactionTrigger:   cfg.Budget.CompactionTrigger,
		CompactionTarget:    cfg.Budget.CompactionTarget,
		PreserveRecentTurns: cfg.Budget.PreserveRecentTurns,
		MaxSummaryChars:     cfg.Budget.MaxSummaryChars,
		SnippetChars:        cfg.Budget.SnippetChars,
	})

	var retriever *retrieval.Retriever
	if cfg.RAG.EmbeddingURL != "" {
		embedder, err := retrieval.NewHTTPEmbedder(cfg.RAG.EmbeddingURL, "", nil)
		if err != nil {
			return err
		}
		vectors, err := retrieval.NewVectorStore(cfg.RAG.PersistDir, embedder)
		if err != nil {
			return err
		}
		retriever = retrieval.NewRetriever(vectors, cfg.RAG.QueryMaxChars)
	}

	runtime, err := noderun.New(noderun.Config{
		Store:          s,
		Dispatcher:     router,
		Registry:       registry,
		Workspaces:     workspaces,
		Budgeter:       budgeter,
		Retriever:      retriever,
		MCP:            mcpconfig.NewRegistry(s),
		DefaultTimeout: time.Duration(cfg.DefaultNodeTimeoutSeconds) * time.Second,
		RetrievalTopK:  cfg.RAG.TopK,
	})
	if err != nil {
		return err
	}

	eng := engine.New(s, runtime)
	hub := engine.NewWSHub()
	eng.Subscribe(hub)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	q := queue.New(rdb, logging.NewComponentLogger("Queue"))
	q.RegisterHandler(runJobKind, func(ctx context.Context, job *queue.Job) error {
		var payload struct {
			FlowchartID string `json:"flowchart_id"`
			Initiator   string `json:"initiator"`
		}
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return errors.Wrap(errors.CodeValidation, err, "malformed run job %s", job.ID)
		}
		_, err := eng.StartRun(ctx, payload.FlowchartID, payload.Initiator)
		return err
	})

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		queues := []string{cfg.Queue.Default, cfg.Queue.RAGIndex, cfg.Queue.RAGGit, cfg.Queue.RAGDrive}
		err := q.Work(ctx, queues, cfg.Queue.Concurrency)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	group.Go(func() error {
		queue.Beat(ctx, time.Hour, logger, func(ctx context.Context) error {
			if err := registry.Prune(ctx, s); err != nil {
				return err
			}
			_, err := workspaces.Cleanup(time.Now())
			return err
		})
		return nil
	})

	group.Go(func() error {
		return serveHTTP(ctx, cfg.ListenAddr, apiMux(eng, hub, q, cfg.Queue.Default), logger)
	})
	if cfg.MetricsAddr != "" {
		group.Go(func() error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			return serveHTTP(ctx, cfg.MetricsAddr, mux, logger)
		})
	}

	logger.Info("engine up: api %s, metrics %s, queues on %s", cfg.ListenAddr, cfg.MetricsAddr, cfg.RedisAddr)
	return group.Wait()
}

func buildAdapter(cfg config.Config) (provider.Adapter, error) {
	if cfg.Frontier.APIKey != "" {
		return provider.NewAnthropicAdapterFromAPIKey(cfg.Frontier.APIKey, cfg.Frontier.Model, 0)
	}
	return provider.NewLocalAdapter(cfg.Local.BaseURL, cfg.Local.Model, nil)
}

func apiMux(eng *engine.Engine, hub *engine.WSHub, enqueuer queue.Enqueuer, defaultQueue string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/runs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, errors.New(errors.CodeValidation, "POST only"))
			return
		}
		var payload struct {
			FlowchartID string `json:"flowchart_id"`
			Initiator   string `json:"initiator"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.FlowchartID == "" {
			writeError(w, http.StatusBadRequest, errors.New(errors.CodeValidation, "flowchart_id is required"))
			return
		}
		jobID, err := enqueuer.Enqueue(r.Context(), defaultQueue, runJobKind, payload)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "job_id": jobID})
	})
	mux.HandleFunc("/runs/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, errors.New(errors.CodeValidation, "POST only"))
			return
		}
		runID := r.URL.Query().Get("run_id")
		if runID == "" {
			writeError(w, http.StatusBadRequest, errors.New(errors.CodeValidation, "run_id is required"))
			return
		}
		eng.Cancel(runID)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})
	return mux
}

// writeError renders the API error envelope.
func writeError(w http.ResponseWriter, status int, err error) {
	var engineErr *errors.Error
	if !errors.As(err, &engineErr) {
		engineErr = errors.Wrap(errors.CodeInternal, err, "request failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok": false,
		"error": map[string]any{
			"contract_version": provider.ContractVersion,
			"code":             string(engineErr.Code),
			"message":          engineErr.Message,
			"details":          engineErr.Details,
			"request_id":       uuid.NewString(),
		},
	})
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger logging.Logger) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}
	srv := &http.Server{Addr: addr, Handler: handler}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown %s: %v", addr, err)
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
