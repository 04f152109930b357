package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/storykeep/continuity/automation"
	"github.com/storykeep/continuity/logging"
	"github.com/storykeep/continuity/provider"
)

func main() {
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	message := cfg.Message
	if message == "" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintln(os.Stderr, fmt.Errorf("read message from stdin: %w", err).Error())
			os.Exit(2)
		}
		message = strings.TrimSpace(string(b))
	}
	if message == "" {
		fmt.Fprintln(os.Stderr, "empty message (pass -message or pipe it on stdin)")
		os.Exit(2)
	}

	acfg := automation.LoadConfig(cfg.Dir, nil)
	if cfg.Model != "" {
		acfg.SubModel.Model = cfg.Model
	}
	if cfg.BaseURL != "" {
		acfg.SubModel.BaseURL = cfg.BaseURL
	}
	if cfg.Debug {
		acfg.Debug = true
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv(acfg.SubModel.APIKeyEnv)
	}
	if apiKey == "" {
		fmt.Fprintf(os.Stderr, "missing %s (or pass -api-key)\n", acfg.SubModel.APIKeyEnv)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.Dir, acfg.Debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	caller, err := provider.NewOpenAICaller(apiKey, acfg.SubModel.BaseURL, acfg.SubModel.Model)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	orch, err := automation.NewOrchestrator(cfg.Dir, acfg, caller, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	defer orch.Close()

	out := os.Stdout
	if cfg.OutPath != "" {
		f, err := os.Create(cfg.OutPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, fmt.Errorf("open -out: %w", err).Error())
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}

	if cfg.Cached {
		prompt, entities, prof, err := orch.RunAutomationWithCaching(ctx, message)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		enc := json.NewEncoder(out)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(map[string]any{
			"cached_prefix":  prompt.CachedPrefix,
			"dynamic_suffix": prompt.DynamicSuffix,
			"entities":       entities,
		}); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "entities=%d prefix_bytes=%d suffix_bytes=%d total=%s\n",
			len(entities), len(prompt.CachedPrefix), len(prompt.DynamicSuffix), prof.Total)
		return
	}

	full, entities, err := orch.RunAutomation(ctx, message)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	if _, err := io.WriteString(out, full); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "entities=%d prompt_bytes=%d\n", len(entities), len(full))
}

type Config struct {
	Dir     string
	Message string
	OutPath string
	Cached  bool

	Model   string
	BaseURL string
	APIKey  string
	Debug   bool
}

func (c Config) Validate() error {
	if c.Dir == "" {
		return errors.New("missing -dir")
	}
	fi, err := os.Stat(c.Dir)
	if err != nil {
		return fmt.Errorf("stat -dir: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("-dir is not a directory: %s", c.Dir)
	}
	return nil
}

func parseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	fs.SetOutput(os.Stderr)

	fs.StringVar(&cfg.Dir, "dir", ".", "Roleplay project directory")
	fs.StringVar(&cfg.Message, "message", "", "User message for this turn (default: read from stdin)")
	fs.StringVar(&cfg.OutPath, "out", "", "Write the assembled prompt to this file (default: stdout)")
	fs.BoolVar(&cfg.Cached, "cached", false, "Emit JSON with separate cacheable prefix and dynamic suffix")
	fs.StringVar(&cfg.Model, "model", "", "Sub-model override (default: from state/automation_config.json)")
	fs.StringVar(&cfg.BaseURL, "base-url", "", "Sub-model API base URL override")
	fs.StringVar(&cfg.APIKey, "api-key", "", "Sub-model API key (overrides the configured env var)")
	fs.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.Dir = filepath.Clean(cfg.Dir)
	if cfg.OutPath != "" {
		cfg.OutPath = filepath.Clean(cfg.OutPath)
	}
	return cfg, nil
}
