package main

import (
	"context"
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

// reply-analyzer runs the post-turn background analysis over an assistant
// reply and caches the results for the next turn's prompt. It is meant to
// be launched after a reply is delivered, overlapping the user's think
// time.
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

	reply, err := readReply(cfg.ReplyPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	if reply == "" {
		fmt.Fprintln(os.Stderr, "empty reply (pass -reply-file or pipe it on stdin)")
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

	responseNumber := cfg.Response
	if responseNumber == 0 {
		responseNumber = automation.NewCounter(cfg.Dir).Current()
	}

	var characters []string
	for _, name := range strings.Split(cfg.Characters, ",") {
		if n := strings.TrimSpace(name); n != "" {
			characters = append(characters, n)
		}
	}
	if len(characters) == 0 {
		characters = orch.Index().DetectMentioned(reply)
	}

	if err := orch.RunBackgroundAgents(ctx, reply, responseNumber, characters); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "response=%d characters=%d cache=%s\n",
		responseNumber, len(characters), filepath.Join(cfg.Dir, "state", "agent_analysis.json"))
}

type Config struct {
	Dir        string
	ReplyPath  string
	Response   int
	Characters string

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
	if c.Response < 0 {
		return errors.New("-response must be >= 0")
	}
	return nil
}

func parseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	fs.SetOutput(os.Stderr)

	fs.StringVar(&cfg.Dir, "dir", ".", "Roleplay project directory")
	fs.StringVar(&cfg.ReplyPath, "reply-file", "", "File containing the assistant reply to analyze (default: read from stdin)")
	fs.IntVar(&cfg.Response, "response", 0, "Response number the reply belongs to (default: current counter value)")
	fs.StringVar(&cfg.Characters, "characters", "", "Comma-separated character names in the scene (default: detect from reply)")
	fs.StringVar(&cfg.Model, "model", "", "Sub-model override (default: from state/automation_config.json)")
	fs.StringVar(&cfg.BaseURL, "base-url", "", "Sub-model API base URL override")
	fs.StringVar(&cfg.APIKey, "api-key", "", "Sub-model API key (overrides the configured env var)")
	fs.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.Dir = filepath.Clean(cfg.Dir)
	if cfg.ReplyPath != "" {
		cfg.ReplyPath = filepath.Clean(cfg.ReplyPath)
	}
	return cfg, nil
}

func readReply(path string) (string, error) {
	if path == "" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read reply from stdin: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read -reply-file: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}
