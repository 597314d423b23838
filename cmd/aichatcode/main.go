// Command aichatcode runs the collaborative project chat server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/ashishkum25/AiChatCode/pkg/assistant"
	"github.com/ashishkum25/AiChatCode/pkg/auth"
	"github.com/ashishkum25/AiChatCode/pkg/bus"
	"github.com/ashishkum25/AiChatCode/pkg/config"
	"github.com/ashishkum25/AiChatCode/pkg/ipc"
	"github.com/ashishkum25/AiChatCode/pkg/logging"
	"github.com/ashishkum25/AiChatCode/pkg/relay"
	"github.com/ashishkum25/AiChatCode/pkg/session"
	"github.com/ashishkum25/AiChatCode/pkg/storage"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	bind := flag.String("bind", "", "listen address override, e.g. 127.0.0.1:3000")
	flag.Parse()

	if err := run(*configPath, *bind); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, bindOverride string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if bindOverride != "" {
		cfg.Server.Bind = bindOverride
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir)
	if err != nil {
		return fmt.Errorf("open logs: %w", err)
	}
	defer logger.Close()
	logger.SetMinLevel(logging.ParseLevel(cfg.Logging.Level))

	store, err := storage.New(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	verifier := auth.NewVerifier(cfg.Auth.Secret)

	var messageBus bus.MessageBus
	if cfg.Bus.URL != "" {
		busCfg := bus.DefaultConfig()
		busCfg.URL = cfg.Bus.URL
		messageBus, err = bus.NewNATSBus(busCfg)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
	} else {
		messageBus = bus.NewMemoryBus()
	}
	defer messageBus.Close()

	var completer assistant.Completer
	if cfg.Assistant.APIKey != "" {
		completer = assistant.NewGeminiClient(cfg.Assistant.APIKey,
			assistant.WithModel(cfg.Assistant.Model))
	} else {
		logger.Warn(logging.CategoryConfig, "assistant_disabled", "no API key configured", nil)
	}

	registry := session.NewRegistry(logger)
	router := relay.NewRouter(registry, completer, store, messageBus, logger,
		relay.WithAssistantTimeout(cfg.Assistant.Timeout))

	server := ipc.New(cfg.Server, cfg.Auth.TokenTTL, verifier, store, registry, router, messageBus, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		// Let in-flight assistant directives finish their announcements.
		router.Wait()
		return nil
	})

	return g.Wait()
}
