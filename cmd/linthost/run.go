package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/linthost-dev/linthost/internal/channel"
	"github.com/linthost-dev/linthost/internal/command"
	"github.com/linthost-dev/linthost/internal/config"
	"github.com/linthost-dev/linthost/internal/host"
	"github.com/linthost-dev/linthost/internal/logging"
	"github.com/linthost-dev/linthost/internal/supervisor"
)

func newRunCommand() *cobra.Command {
	var (
		settingsPath string
		logLevel     string
		openLangs    []string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor against the configured server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervisor(settingsPath, logLevel, openLangs)
		},
	}

	cmd.Flags().StringVar(&settingsPath, "settings", "linthost.toml", "settings file to load and watch")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().StringSliceVar(&openLangs, "open", []string{"typescript"}, "language identifiers to open documents for at startup")

	return cmd
}

func runSupervisor(settingsPath, logLevel string, openLangs []string) error {
	logger := logging.New(logging.Config{
		Level:  logging.ParseLevel(logLevel),
		Output: os.Stderr,
		Prefix: "linthost",
	})

	snap, err := config.LoadFile(settingsPath, config.DefaultSnapshot(), logger)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	store := config.NewStore(snap)
	router := channel.NewRouter(snap.TraceLevel)

	console := host.NewConsoleHost(router, os.Stdout)
	router.SetPresenter(console)

	sup := supervisor.New(store, router, logger)
	sup.Start()

	registry := command.NewRegistry()
	command.Defaults(registry, sup, router)
	registry.Bind(console.RegisterCommand)

	// Mirror channel output to the terminal as it arrives.
	router.Subscribe(channel.Main, func(name string, rec channel.Record) {
		fmt.Printf("[%s] %s\n", name, rec.Text)
	})
	router.Subscribe(channel.Trace, func(name string, rec channel.Record) {
		fmt.Printf("[%s] %s\n", name, rec.Text)
	})

	watcher, err := config.NewWatcher(settingsPath, store.Current, sup.ApplyConfig, logger)
	if err != nil {
		logger.Warn("settings watcher unavailable: %v", err)
	} else {
		defer watcher.Close()
	}

	for _, lang := range openLangs {
		sup.DocumentOpened(lang)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	fmt.Println("commands: restart, show, trace, open <lang>, close <lang>, status, quit")

	for {
		select {
		case <-signals:
			return shutdown(sup, logger)

		case line, ok := <-lines:
			if !ok {
				return shutdown(sup, logger)
			}
			if done := dispatch(console, sup, line); done {
				return shutdown(sup, logger)
			}
		}
	}
}

// dispatch handles one harness prompt line. Returns true to quit.
func dispatch(console *host.ConsoleHost, sup *supervisor.Supervisor, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "restart":
		console.RunCommand(command.RestartServer)
	case "show":
		console.RunCommand(command.ShowOutputChannel)
	case "trace":
		console.RunCommand(command.ShowTraceOutputChannel)
	case "open":
		if len(fields) > 1 {
			sup.DocumentOpened(fields[1])
		}
	case "close":
		if len(fields) > 1 {
			sup.DocumentClosed(fields[1])
		}
	case "status":
		stats := sup.Stats()
		fmt.Printf("state=%s restarts=%d pid=%d\n", stats.State, stats.Restarts, stats.PID)
	case "quit", "exit":
		return true
	default:
		fmt.Printf("unknown: %s\n", fields[0])
	}
	return false
}

func shutdown(sup *supervisor.Supervisor, logger *logging.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := sup.Shutdown(ctx); err != nil {
		logger.Error("shutdown: %v", err)
		return err
	}
	return nil
}
