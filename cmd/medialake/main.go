package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/kk-code-lab/medialake/internal/app"
	"github.com/kk-code-lab/medialake/internal/config"
)

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	showVersionShort := flag.Bool("v", false, "Print version and exit (shorthand)")
	dataDir := flag.String("data-dir", "./repo", "Repository directory")
	configPath := flag.String("config", "", "YAML configuration file")
	mode := flag.String("mode", "status", "Mode: init|add|cat|range|faststart|release|status|fsck|scrub|gc|snapshot")
	pathArg := flag.String("path", "", "Logical path (add/cat/range/faststart/release)")
	sourceArg := flag.String("source", "", "Source file to ingest (add)")
	rangeStart := flag.Int64("range-start", 0, "Range start offset (range)")
	rangeLength := flag.Int64("range-length", 0, "Range length in bytes (range)")
	message := flag.String("message", "", "Snapshot message (snapshot)")
	jsonOut := flag.Bool("json", false, "Output ops report as JSON")
	verbose := flag.Bool("verbose", false, "Debug logging")
	flag.Parse()

	if *showVersion || *showVersionShort {
		fmt.Printf("medialake %s (commit %s)\n", app.Version, app.BuildCommit)
		return
	}
	if flag.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "unknown arguments:", flag.Args())
		os.Exit(2)
	}

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	repo, err := app.Open(*dataDir, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "repository error: %v\n", err)
		os.Exit(1)
	}
	defer repo.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := runArgs{
		repo:        repo,
		path:        *pathArg,
		source:      *sourceArg,
		rangeStart:  *rangeStart,
		rangeLength: *rangeLength,
		message:     *message,
		jsonOut:     *jsonOut,
	}
	if err := run(ctx, *mode, args); err != nil {
		fmt.Fprintf(os.Stderr, "%s error: %v\n", *mode, err)
		os.Exit(1)
	}
}
