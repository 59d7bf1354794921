// Command authcore is a thin demonstration CLI wiring the credential store
// (C1), selector (C6), and per-provider plugin registrations into a single
// GetAPIKey call. It carries no HTTP API surface: that layer is out of
// scope for this core.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"

	"authcore/internal/config"
	"authcore/internal/logging"
	"authcore/internal/providers/anthropic"
	"authcore/internal/providers/openaicodex"
	"authcore/internal/providers/qwen"
	"authcore/internal/ranking"
	"authcore/internal/refresh"
	"authcore/internal/selector"
	"authcore/internal/store"
	"authcore/internal/usageprobe"
)

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	provider := flag.String("provider", "", "provider to fetch an API key for")
	sessionID := flag.String("session", "", "optional session id for stickiness")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfgManager, err := config.NewManager(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	cfg := cfgManager.Get()
	if *debug {
		cfg.Debug = true
	}
	if err := logging.Setup(cfg); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	backend, err := store.Open(expandHome(cfg.StorePath))
	if err != nil {
		log.WithError(err).Fatal("failed to open credential store")
	}
	defer backend.Close()

	refreshers := refresh.NewRegistry()
	refreshers.Register("anthropic", anthropic.NewRefresher())
	refreshers.Register("qwen", qwen.NewRefresher())
	refreshers.Register("openai-codex", openaicodex.NewRefresher())

	probers := usageprobe.NewRegistry()
	probers.Register("anthropic", anthropic.NewProber())
	probers.Register("qwen", qwen.Prober{})
	probers.Register("openai-codex", openaicodex.Prober{})

	rankers := ranking.NewRegistry()
	rankers.Register("anthropic", anthropic.Strategy{})
	rankers.Register("qwen", qwen.Strategy{})
	rankers.Register("openai-codex", openaicodex.Strategy{})

	sel := selector.New(backend, refreshers, probers, rankers,
		selector.WithProviderEnvVars(cfg.ProviderEnvVars()),
		selector.WithEnvLookup(os.LookupEnv),
	)
	cfgManager.OnChange(func(old, new *config.FileConfig) {
		log.Info("authcore: configuration file changed; restart to pick up provider declarations")
	})
	cfgManager.StartWatching()
	defer cfgManager.Stop()

	if err := sel.Reload(ctx); err != nil {
		log.WithError(err).Fatal("failed to load credentials")
	}

	if *provider == "" {
		log.Fatal("usage: authcore -provider <name> [-session <id>]")
	}

	key, ok, err := sel.GetAPIKey(ctx, *provider, *sessionID, selector.GetAPIKeyOptions{})
	if err != nil {
		log.WithError(err).Fatal("failed to select an API key")
	}
	if !ok {
		log.WithField("provider", *provider).Fatal("no credential available for provider")
	}
	fmt.Println(key)
}
