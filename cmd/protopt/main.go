package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/kvashee/protopt/config"
	"github.com/kvashee/protopt/errors"
	"github.com/kvashee/protopt/llm"
	"github.com/kvashee/protopt/optimize"
	"github.com/kvashee/protopt/protocol"
	"github.com/kvashee/protopt/server"
	"github.com/kvashee/protopt/tokenizer"
)

func main() {
	configFlag := flag.String("c", "", "Path to a config file (defaults to ~/.protopt and ./.protopt)")
	modeFlag := flag.String("mode", "run", "Execution mode: 'run', 'optimize', or 'serve'")
	inputFlag := flag.String("input", "", "Task input for run mode")
	roundsFlag := flag.Int("rounds", 0, "Override the configured number of search rounds")
	variationsFlag := flag.Int("variations", 0, "Override the configured branch size per round")
	flag.Parse()

	cfg, err := loadConfig(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %+v\n", err)
		os.Exit(1)
	}
	if *roundsFlag > 0 {
		cfg.Rounds = *roundsFlag
	}
	if *variationsFlag > 0 {
		cfg.VariationCount = *variationsFlag
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %+v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	counter, err := newCounter(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing tokenizer: %+v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	client, err := newClient(ctx, cfg.LLMClient, cfg.Model)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing LLM client: %+v\n", err)
		os.Exit(1)
	}
	variationModel := cfg.VariationModel
	if variationModel == "" {
		variationModel = cfg.Model
	}
	variationClient, err := newClient(ctx, cfg.LLMClient, variationModel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing variation client: %+v\n", err)
		os.Exit(1)
	}

	switch *modeFlag {
	case "run":
		err = runOnce(ctx, cfg, client, counter, *inputFlag)
	case "optimize":
		err = runOptimize(ctx, cfg, client, variationClient, counter, logger)
	case "serve":
		err = serve(cfg, client, variationClient, counter, logger)
	default:
		fmt.Fprintf(os.Stderr, "Invalid mode '%s'. Must be 'run', 'optimize', or 'serve'.\n", *modeFlag)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "protopt stopped with an error: %+v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.LoadConfig()
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func newCounter(cfg *config.Config) (tokenizer.Counter, error) {
	encoding := cfg.Encoding
	if encoding == "" {
		encoding = tokenizer.EncodingForModel(cfg.Model)
	}
	return tokenizer.New(encoding)
}

func newClient(ctx context.Context, provider, model string) (llm.Client, error) {
	switch provider {
	case "openai":
		return llm.NewOpenAIClient(ctx, model)
	case "anthropic":
		return llm.NewAnthropicClient(ctx, model)
	case "gemini":
		return llm.NewGeminiClient(ctx, model)
	case "bedrock":
		return llm.NewBedrockClient(ctx, model)
	default:
		return &llm.MockClient{}, nil
	}
}

func buildProtocol(cfg *config.Config, client llm.Client, counter tokenizer.Counter) (*protocol.Protocol, error) {
	agents := make([]*protocol.Agent, len(cfg.Agents))
	for i, a := range cfg.Agents {
		agents[i] = protocol.NewAgent(a.Name, a.Role)
	}
	return protocol.New(cfg.Protocol, agents, client, counter)
}

// runOnce executes a single handshake, printing each priced message the way
// an observer would see it.
func runOnce(ctx context.Context, cfg *config.Config, client llm.Client, counter tokenizer.Counter, input string) error {
	if input == "" {
		return errors.New("run mode requires -input")
	}
	p, err := buildProtocol(cfg, client, counter)
	if err != nil {
		return err
	}
	entry := p.AgentByName(cfg.EntryAgent)
	if entry == nil {
		entry = p.Agents[0]
	}

	final, tokens, err := entry.Run(ctx, input, func(ev protocol.Event) {
		switch ev.Type {
		case protocol.EventAgentMessage:
			fmt.Printf("[%s] %s -> %s: %s (running total %d tokens)\n", ev.Direction, ev.From, ev.To, ev.Message, ev.Tokens)
		case protocol.EventFinal:
			fmt.Printf("[final] %s: %s\n", ev.From, ev.Message)
		}
	})
	if err != nil {
		return err
	}
	fmt.Printf("\nFinal answer: %s\nCommunication tokens: %d\n", final, tokens)
	return nil
}

func runOptimize(ctx context.Context, cfg *config.Config, client, variationClient llm.Client, counter tokenizer.Counter, logger *slog.Logger) error {
	prompts, err := cfg.ExpandPrompts()
	if err != nil {
		return err
	}
	if len(prompts) == 0 {
		return errors.New("optimize mode requires at least one prompt in config")
	}
	p, err := buildProtocol(cfg, client, counter)
	if err != nil {
		return err
	}

	optimizer := optimize.New(p,
		optimize.WithEntryAgent(cfg.EntryAgent),
		optimize.WithRounds(cfg.Rounds),
		optimize.WithVariationCount(cfg.VariationCount),
		optimize.WithSelection(optimize.Selection(cfg.Selection)),
		optimize.WithVariationClient(variationClient),
		optimize.WithLogger(logger),
	)
	best, err := optimizer.Optimize(ctx, prompts)
	if err != nil {
		return err
	}

	fmt.Printf("Best rule (%.1f tokens):\n%s\n\n", best.CommunicationTokens, best.Rule)
	tree, err := json.MarshalIndent(optimizer.Tree(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(tree))
	return nil
}

func serve(cfg *config.Config, client, variationClient llm.Client, counter tokenizer.Counter, logger *slog.Logger) error {
	srv := server.New(client, variationClient, counter, optimize.Selection(cfg.Selection), logger)
	logger.Info("listening", "addr", cfg.Listen)
	return http.ListenAndServe(cfg.Listen, srv.Handler())
}
