// proctord - Exam delivery integrity client
//
//	proctord run        Run a proctored exam session
//	proctord check      Validate configuration and exam manifest
//	proctord flush      Push locally staged answers and violations
//	proctord version    Print version
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"proctord/internal/client"
	"proctord/internal/config"
	"proctord/internal/logging"
	"proctord/internal/manifest"
	"proctord/internal/offline"
	"proctord/internal/platform"
	"proctord/internal/session"
)

const version = "0.3.1"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		cmdRun()
	case "check":
		cmdCheck()
	case "flush":
		cmdFlush()
	case "version":
		fmt.Println("proctord", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`proctord - Exam Delivery Integrity Client

USAGE:
    proctord <command> [options]

COMMANDS:
    run                 Run a proctored exam session
    check               Validate configuration and exam manifest
    flush               Push locally staged answers and violations
    version             Print version

Run 'proctord <command> -h' for command options.`)
}

func cmdRun() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file (toml, yaml, or json)")
	manifestPath := fs.String("manifest", "", "exam manifest (overrides config)")
	fs.Parse(os.Args[2:])

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if *manifestPath != "" {
		cfg.Exam.ManifestPath = *manifestPath
	}

	logger, logLevel, err := logging.NewDynamic(cfg.Logging.ToConfig())
	if err != nil {
		fatal(err)
	}

	man, err := manifest.Load(cfg.Exam.ManifestPath)
	if err != nil {
		fatal(fmt.Errorf("load manifest: %w", err))
	}
	if cfg.Exam.TestID != "" && cfg.Exam.TestID != man.TestID {
		fatal(fmt.Errorf("manifest test id %q does not match configured %q", man.TestID, cfg.Exam.TestID))
	}

	api := client.New(client.Config{
		BaseURL: cfg.Server.BaseURL,
		Token:   cfg.Server.Token,
		TestID:  man.TestID,
		Timeout: time.Duration(cfg.Server.TimeoutSec) * time.Second,
	})

	sess, err := session.New(cfg, man, api, session.Options{
		Host:            platform.NewHostSource(logger),
		WipeCredentials: func() { api.ClearToken() },
	}, logger)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Integrity thresholds are fixed at session start; only the log
	// level follows config edits mid-session.
	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, logger)
		if err != nil {
			logger.Warn("config watcher unavailable", "error", err)
		} else {
			watcher.OnChange(func(next *config.Config) {
				logLevel.Set(logging.ParseLevel(next.Logging.Level))
			})
			if err := watcher.Start(ctx); err != nil {
				logger.Warn("config watcher failed to start", "error", err)
			} else {
				defer watcher.Stop()
			}
		}
	}

	if err := sess.Start(ctx); err != nil {
		fatal(err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	fmt.Printf("Exam %q started (%s)\n", man.Title, man.TestID)

	go func() {
		for w := range sess.Warnings() {
			fmt.Printf("WARNING %d/%d: %s\n", w.Count, w.Count+w.Remaining, w.Event.Type)
		}
	}()
	go func() {
		for n := range sess.Timer().Notices() {
			logger.Warn("clock drift corrected", "drift", n.Drift)
		}
	}()

	select {
	case sig := <-sigChan:
		fmt.Printf("Received %v, shutting down\n", sig)
		sess.Stop()

	case ev := <-sess.Terminated():
		fmt.Printf("SESSION TERMINATED: %s (%s)\n", ev.Type, ev.Details)
		sess.Stop()
		os.Exit(2)

	case res := <-sess.Finished():
		sess.Stop()
		if res.Err != nil {
			fmt.Fprintf(os.Stderr, "Submission failed: %v\n", res.Err)
			fmt.Fprintln(os.Stderr, "Staged answers are retained; run 'proctord flush' when online.")
			os.Exit(1)
		}
		fmt.Printf("Submitted (%s): result %s\n", res.Trigger, res.ResultID)
	}
}

func cmdCheck() {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file")
	manifestPath := fs.String("manifest", "", "exam manifest")
	fs.Parse(os.Args[2:])

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	fmt.Println("Configuration: OK")

	path := cfg.Exam.ManifestPath
	if *manifestPath != "" {
		path = *manifestPath
	}
	if path == "" {
		fmt.Println("No manifest configured; skipping manifest check")
		return
	}

	man, err := manifest.Load(path)
	if err != nil {
		fatal(fmt.Errorf("manifest: %w", err))
	}
	fmt.Printf("Manifest: OK (%s, %d questions, %s)\n",
		man.TestID, len(man.Questions), man.Duration())
}

func cmdFlush() {
	fs := flag.NewFlagSet("flush", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file")
	fs.Parse(os.Args[2:])

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}

	logger, err := logging.New(cfg.Logging.ToConfig())
	if err != nil {
		fatal(err)
	}

	api := client.New(client.Config{
		BaseURL: cfg.Server.BaseURL,
		Token:   cfg.Server.Token,
		TestID:  cfg.Exam.TestID,
		Timeout: time.Duration(cfg.Server.TimeoutSec) * time.Second,
	})

	store, err := offline.Open(cfg.Storage.Path, api, logger)
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pending, err := store.PendingCount(cfg.Exam.TestID)
	if err != nil {
		fatal(err)
	}
	if pending == 0 {
		fmt.Println("Nothing staged")
		return
	}

	if err := store.Flush(ctx); err != nil {
		fatal(fmt.Errorf("flush: %w", err))
	}
	fmt.Printf("Flushed %d staged records\n", pending)
}

func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path == "" {
		cfg = config.Default()
	} else {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
