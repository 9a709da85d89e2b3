package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/Gelotto/imagegen-client/internal/client"
	"github.com/Gelotto/imagegen-client/internal/config"
	"github.com/Gelotto/imagegen-client/internal/generation"
	"github.com/Gelotto/imagegen-client/internal/logging"
	"github.com/Gelotto/imagegen-client/internal/models"
)

type options struct {
	configPath string
	prompt     string
	negative   string
	model      string
	steps      int
	cfg        float64
	seed       int64
	resolution string
	out        string
	listModels bool
}

func parseFlags() options {
	defaults := generation.DefaultParameters()

	var opts options
	flag.StringVar(&opts.configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&opts.prompt, "prompt", "", "Text prompt to render")
	flag.StringVar(&opts.negative, "negative", "", "Optional negative prompt")
	flag.StringVar(&opts.model, "model", "", "Model filename (default: first base model)")
	flag.IntVar(&opts.steps, "steps", defaults.Steps, "Sampling steps (10-50)")
	flag.Float64Var(&opts.cfg, "cfg", defaults.CFG, "Guidance scale (1.0-20.0, step 0.5)")
	flag.Int64Var(&opts.seed, "seed", defaults.Seed, "Seed, -1 for random")
	flag.StringVar(&opts.resolution, "resolution", string(defaults.Resolution), "Output resolution WIDTHxHEIGHT")
	flag.StringVar(&opts.out, "out", "", "Write the generated image to this path")
	flag.BoolVar(&opts.listModels, "list-models", false, "List available models and exit")
	flag.Parse()
	return opts
}

func main() {
	opts := parseFlags()

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if cfg.BaseURLSource == "default" {
		logger.Warn("no API base URL configured, using fallback",
			zap.String("env", config.BaseURLEnv),
			zap.String("url", cfg.API.URL))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- run(ctx, cfg, opts, os.Stdout, logger)
	}()

	if code := awaitShutdown(sigChan, errChan, cancel, logger); code != 0 {
		os.Exit(code)
	}
}

// awaitShutdown blocks until run returns or a signal arrives and yields the
// process exit code. The logger is flushed on every path.
func awaitShutdown(sigChan <-chan os.Signal, errChan <-chan error, cancel context.CancelFunc, logger *zap.Logger) int {
	defer logger.Sync()

	select {
	case sig := <-sigChan:
		logger.Info("received signal, shutting down", zap.Stringer("signal", sig))
		cancel()
		<-errChan
		return 1

	case err := <-errChan:
		if err != nil {
			logger.Error("imagegen failed", zap.Error(err))
			cancel()
			return 1
		}
	}
	return 0
}

// run drives one generation request to a terminal state
func run(ctx context.Context, cfg *config.Config, opts options, stdout io.Writer, logger *zap.Logger) error {
	api := client.NewAPIClient(cfg.APIBase(), cfg.API.Timeout)
	api.SetLogger(logger)

	if err := api.HealthCheck(ctx); err != nil {
		return err
	}

	if opts.listModels {
		list, err := api.ListModels(ctx)
		if err != nil {
			return err
		}
		return printModels(stdout, list)
	}

	model := opts.model
	if model == "" {
		list, err := api.ListModels(ctx)
		if err != nil {
			return err
		}
		def, ok := list.Default()
		if !ok {
			return errors.New("no base models available")
		}
		model = def.Filename
		logger.Info("using default model", zap.String("model", model))
	}

	params := generation.Parameters{
		Prompt:         opts.prompt,
		Model:          model,
		Steps:          opts.steps,
		CFG:            opts.cfg,
		Seed:           opts.seed,
		Resolution:     generation.Resolution(opts.resolution),
		NegativePrompt: opts.negative,
	}

	results := generation.NewChannelSink(1, logger)
	machine, err := generation.NewMachine(api,
		generation.WithSink(generation.MultiSink{generation.LogSink{Logger: logger}, results}),
		generation.WithLogger(logger),
		generation.WithPollerOptions(
			generation.WithInterval(cfg.Polling.Interval),
			generation.WithTimeout(cfg.Polling.Timeout),
		),
	)
	if err != nil {
		return err
	}
	defer machine.Close()

	machine.Subscribe(func(t generation.Transition) {
		fmt.Fprintf(stdout, "%-10s -> %s\n", t.From, t.To)
	})

	if _, err := machine.Generate(ctx, params); err != nil {
		return fmt.Errorf("generation failed: %w", err)
	}

	select {
	case req := <-results.C():
		if req.State != generation.StateCompleted {
			return fmt.Errorf("generation failed: %s", req.Reason)
		}
		fmt.Fprintf(stdout, "image: %s\n", req.ImageURL)
		if opts.out != "" {
			return saveImage(ctx, api, req.ImageURL, opts.out, stdout)
		}
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

func saveImage(ctx context.Context, api *client.APIClient, imageURL, path string, stdout io.Writer) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()

	n, err := api.DownloadImage(ctx, imageURL, f)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "saved %d bytes to %s\n", n, path)
	return nil
}

func printModels(w io.Writer, list *models.ModelList) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CATEGORY\tFILENAME\tNAME")
	for _, category := range []string{models.CategoryBase, models.CategoryMerged, models.CategoryLora} {
		for _, m := range list.Category(category) {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", category, m.Filename, m.DisplayName)
		}
	}
	return tw.Flush()
}
