// Command server wires the full engine together: Genkit-backed planning,
// evaluation, and synthesis, plus a worker pool for subtask execution. The
// pool runs in-process by default, or out-of-process over MCP stdio when
// -pool-cmd is given.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ZanzyTHEbar/searchscale"
	"github.com/ZanzyTHEbar/searchscale/internal/adapters"
	"github.com/ZanzyTHEbar/searchscale/internal/cache"
	"github.com/ZanzyTHEbar/searchscale/internal/config"
	"github.com/ZanzyTHEbar/searchscale/internal/eventbus"
	"github.com/ZanzyTHEbar/searchscale/internal/fetch"
	"github.com/ZanzyTHEbar/searchscale/internal/guard"
	"github.com/ZanzyTHEbar/searchscale/internal/mcppool"
	"github.com/ZanzyTHEbar/searchscale/internal/pool"
	"github.com/ZanzyTHEbar/searchscale/internal/prompt"
)

func main() {
	configPath := flag.String("config", os.Getenv("SEARCHSCALE_CONFIG"), "path to YAML config file")
	query := flag.String("query", "", "query to run; falls back to positional args")
	stream := flag.Bool("stream", false, "stream per-hop progress chunks")
	poolCmd := flag.String("pool-cmd", "", "command to spawn an out-of-process worker pool over MCP stdio")
	fetchCmd := flag.String("fetch-cmd", "", "command to spawn an MCP search server used instead of SerpAPI")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	q := *query
	if q == "" {
		q = strings.Join(flag.Args(), " ")
	}
	if q == "" {
		logger.Fatal("a query is required, pass -query or positional args")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	if os.Getenv("GEMINI_API_KEY") == "" {
		logger.Fatal("GEMINI_API_KEY environment variable not set")
	}

	g, err := genkit.Init(ctx,
		genkit.WithPlugins(&googlegenai.GoogleAI{}),
		genkit.WithDefaultModel(cfg.Genkit.Model),
	)
	if err != nil {
		logger.Fatal("genkit initialization failed", zap.Error(err))
	}

	engine, err := buildEngine(ctx, g, cfg, *poolCmd, *fetchCmd, logger)
	if err != nil {
		logger.Fatal("failed to build engine", zap.Error(err))
	}
	defer engine.Close()

	subscribeProgress(engine, logger)

	if *stream {
		runStreaming(ctx, engine, q, logger)
		return
	}

	answer, err := engine.Process(ctx, q)
	if err != nil {
		logger.Fatal("run failed", zap.Error(err))
	}
	fmt.Println(answer)
}

// buildEngine assembles collaborators around a shared Genkit instance.
func buildEngine(ctx context.Context, g *genkit.Genkit, cfg *config.File, poolCmd, fetchCmd string, logger *zap.Logger) (*searchscale.SearchScale, error) {
	executor, err := buildExecutor(ctx, cfg, poolCmd, fetchCmd, logger)
	if err != nil {
		return nil, err
	}

	engineCfg := cfg.EngineConfig()

	plannerFlow := genkit.DefineFlow(g, "plannerFlow",
		func(ctx context.Context, input *adapters.PlannerInput) (*searchscale.Plan, error) {
			plan, _, err := genkit.GenerateData[searchscale.Plan](ctx, g,
				ai.WithSystem(prompt.ManagerSystem),
				ai.WithPrompt(prompt.Planner(input.Query, input.MaxHops)),
			)
			if err != nil {
				return nil, err
			}
			return plan, nil
		})

	evaluatorFlow := genkit.DefineFlow(g, "evaluatorFlow",
		func(ctx context.Context, input *adapters.EvaluatorInput) (*searchscale.HopDecision, error) {
			decision, _, err := genkit.GenerateData[searchscale.HopDecision](ctx, g,
				ai.WithSystem(prompt.ManagerSystem),
				ai.WithPrompt(prompt.Evaluator(input.Query, input.Hop, input.Results)),
			)
			if err != nil {
				return nil, err
			}
			return decision, nil
		})

	solverFlow := genkit.DefineFlow(g, "solverFlow",
		func(ctx context.Context, input *adapters.SolverInput) (string, error) {
			return genkit.GenerateText(ctx, g,
				ai.WithSystem(prompt.ManagerSystem),
				ai.WithPrompt(prompt.Solver(input.Query, input.Results)),
			)
		})

	// The cache is shared between the engine and the planner adapter so
	// repeated queries reuse their plans.
	memCache := cache.NewInMemoryCache(engineCfg.CacheTTL)
	memCache.SetLogger(logger)
	planner := adapters.NewGenkitPlannerAdapter(plannerFlow, memCache, engineCfg.MaxHops, logger)

	options := []searchscale.Option{
		searchscale.WithConfig(engineCfg),
		searchscale.WithPlanner(planner),
		searchscale.WithEvaluator(adapters.NewGenkitEvaluatorAdapter(evaluatorFlow)),
		searchscale.WithSolver(adapters.NewGenkitSolverAdapter(solverFlow)),
		searchscale.WithExecutor(executor),
		searchscale.WithCache(memCache),
		searchscale.WithLogger(logger),
	}

	if expr := cfg.Orchestrator.ContinueExpression; expr != "" {
		continueGuard, err := guard.New(expr)
		if err != nil {
			return nil, err
		}
		options = append(options, searchscale.WithContinueGuard(continueGuard))
	}

	return searchscale.New(ctx, g, options...)
}

func buildExecutor(ctx context.Context, cfg *config.File, poolCmd, fetchCmd string, logger *zap.Logger) (searchscale.SubtaskExecutor, error) {
	if poolCmd != "" {
		parts := strings.Fields(poolCmd)
		return mcppool.NewRemoteExecutor(ctx, parts[0], os.Environ(), parts[1:],
			mcppool.WithLogger(logger))
	}

	fetcher, err := buildFetcher(ctx, cfg, fetchCmd, logger)
	if err != nil {
		return nil, err
	}
	return pool.NewWorkerPool(fetcher, cfg.PoolConfig(), pool.WithLogger(logger))
}

func buildFetcher(ctx context.Context, cfg *config.File, fetchCmd string, logger *zap.Logger) (searchscale.Fetcher, error) {
	if fetchCmd != "" {
		parts := strings.Fields(fetchCmd)
		return fetch.NewMCPFetcher(ctx, parts[0], os.Environ(), parts[1:],
			fetch.WithMCPLogger(logger))
	}

	fetchOpts := []fetch.SerpAPIOption{fetch.WithSerpLogger(logger)}
	if cfg.Fetch.Endpoint != "" {
		fetchOpts = append(fetchOpts, fetch.WithEndpoint(cfg.Fetch.Endpoint))
	}
	return fetch.NewSerpAPIFetcher(cfg.Fetch.SerpAPIKey, cfg.Fetch.Timeout, fetchOpts...)
}

// subscribeProgress logs run milestones from the event bus.
func subscribeProgress(engine *searchscale.SearchScale, logger *zap.Logger) {
	bus := engine.EventBus()
	if bus == nil {
		return
	}
	types := []eventbus.EventType{
		eventbus.EventPlanGenerationSuccess,
		eventbus.EventHopDispatchSuccess,
		eventbus.EventHopDispatchFailure,
		eventbus.EventSynthesisSuccess,
		eventbus.EventRunFailure,
	}
	_, err := bus.Subscribe(types, func(ctx context.Context, event eventbus.Event) error {
		logger.Info("progress", zap.String("event", string(event.Type())), zap.Any("metadata", event.Metadata()))
		return nil
	})
	if err != nil {
		logger.Warn("failed to subscribe to progress events", zap.Error(err))
	}
}

// runStreaming consumes hop chunks as they arrive and prints the final
// answer last.
func runStreaming(ctx context.Context, engine *searchscale.SearchScale, query string, logger *zap.Logger) {
	chunks, err := engine.ProcessStream(ctx, query)
	if err != nil {
		logger.Fatal("failed to start streaming run", zap.Error(err))
	}

	group, _ := errgroup.WithContext(ctx)
	group.Go(func() error {
		for chunk := range chunks {
			switch chunk.Kind {
			case searchscale.ChunkHop:
				fmt.Printf("[hop %d] %s\n", chunk.HopIndex, chunk.Text)
			case searchscale.ChunkFinal:
				fmt.Printf("\n%s\n", chunk.Text)
			case searchscale.ChunkError:
				return fmt.Errorf("run failed: %s", chunk.Text)
			}
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.Fatal("streaming run failed", zap.Error(err))
	}
}
