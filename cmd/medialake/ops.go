package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/kk-code-lab/medialake/internal/app"
	"github.com/kk-code-lab/medialake/internal/ops"
)

type runArgs struct {
	repo        *app.Repo
	path        string
	source      string
	rangeStart  int64
	rangeLength int64
	message     string
	jsonOut     bool
}

func run(ctx context.Context, mode string, args runArgs) error {
	switch mode {
	case "init":
		// app.Open already created the directory tree and pinned the
		// hash algorithm; nothing more to do.
		fmt.Printf("initialized repository at %s\n", args.repo.Layout.Root)
		return nil
	case "add":
		return runAdd(ctx, args)
	case "cat":
		return runCat(ctx, args)
	case "range":
		return runRange(ctx, args)
	case "faststart":
		return runFastStart(ctx, args)
	case "release":
		if args.path == "" {
			return fmt.Errorf("release requires -path")
		}
		if err := args.repo.Release(ctx, args.path); err != nil {
			return err
		}
		fmt.Printf("released %s\n", args.path)
		return nil
	}

	var (
		report *ops.Report
		err    error
	)
	switch mode {
	case "status":
		report, err = ops.Status(ctx, args.repo.Meta)
	case "fsck":
		report, err = ops.Fsck(ctx, args.repo.Meta)
	case "scrub":
		report, err = ops.Scrub(ctx, args.repo.Store)
	case "gc":
		report, err = args.repo.GC(ctx)
	case "snapshot":
		report, err = ops.Snapshot(ctx, args.repo.Meta, args.repo.Layout, args.message)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
	if err != nil {
		return err
	}
	if args.jsonOut {
		return writeJSONReport(report)
	}
	fmt.Printf("%s\n", formatReport(report))
	return nil
}

func runAdd(ctx context.Context, args runArgs) error {
	if args.path == "" || args.source == "" {
		return fmt.Errorf("add requires -path and -source")
	}
	man, res, err := args.repo.AddFile(ctx, args.path, args.source)
	if err != nil {
		return err
	}
	if args.jsonOut {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	fmt.Printf("added %s version=%s size=%d chunks=%d new=%d container=%v\n",
		man.Path, res.VersionID, res.Size, res.Chunks, res.NewChunks, res.Container)
	return nil
}

func runCat(ctx context.Context, args runArgs) error {
	if args.path == "" {
		return fmt.Errorf("cat requires -path")
	}
	r, _, err := args.repo.Get(ctx, args.path)
	if err != nil {
		return err
	}
	defer r.Close()
	_, err = io.Copy(os.Stdout, r)
	return err
}

func runRange(ctx context.Context, args runArgs) error {
	if args.path == "" {
		return fmt.Errorf("range requires -path")
	}
	if args.rangeLength <= 0 {
		return fmt.Errorf("range requires a positive -range-length")
	}
	r, _, err := args.repo.GetRange(ctx, args.path, args.rangeStart, args.rangeLength)
	if err != nil {
		return err
	}
	defer r.Close()
	_, err = io.Copy(os.Stdout, r)
	return err
}

func runFastStart(ctx context.Context, args runArgs) error {
	if args.path == "" {
		return fmt.Errorf("faststart requires -path")
	}
	return args.repo.ExportFastStart(ctx, args.path, os.Stdout)
}

func formatReport(report *ops.Report) string {
	if report == nil {
		return ""
	}
	return fmt.Sprintf("mode=%s manifests=%d chunks=%d errors=%d", report.Mode, report.Manifests, report.Chunks, report.Errors)
}

func writeJSONReport(report *ops.Report) error {
	if report == nil {
		return nil
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
