// Command worker converts local files to Markdown notes without the HTTP
// server. Directories are expanded to the supported files they contain.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"

	"github.com/bindrap/notesWebApp/config"
	"github.com/bindrap/notesWebApp/internal/app"
	"github.com/bindrap/notesWebApp/internal/models"
	"github.com/bindrap/notesWebApp/internal/utils/validator"
	"github.com/bindrap/notesWebApp/pkg/logger"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("NOTEBOT_CONFIG"), "path to YAML config")
		outDir     = flag.String("out", "notes", "directory for the generated Markdown")
		summary    = flag.Bool("summary", false, "append a summary section")
		metadata   = flag.Bool("metadata", false, "prepend YAML front matter")
	)
	flag.Parse()
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: worker [flags] file-or-dir...")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log, err := logger.NewLogger(
		logger.WithLevel(cfg.Log.Level),
		logger.WithEncoding("console"),
		logger.WithOutputPaths([]string{"stderr"}),
	)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	paths, err := collect(flag.Args())
	if err != nil {
		log.Fatal("Failed to read inputs", logger.Error(err))
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatal("Failed to create output directory", logger.Error(err))
	}

	// Outputs live in the output directory; task artifacts are scratch.
	scratch, err := os.MkdirTemp("", "notebot-*")
	if err != nil {
		log.Fatal("Failed to create scratch directory", logger.Error(err))
	}
	defer os.RemoveAll(scratch)
	cfg.Storage.Root = scratch

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to build service", logger.Error(err))
	}
	if err := a.Start(ctx); err != nil {
		log.Fatal("Failed to start service", logger.Error(err))
	}

	opts := models.Options{Summary: *summary, Metadata: *metadata}
	r := &runner{app: a, outDir: *outDir, opts: opts, log: log, written: make(map[string]bool)}

	failed := 0
	for _, batch := range chunk(paths, cfg.Limits.MaxFiles) {
		n, err := r.run(ctx, batch)
		if err != nil {
			log.Error("Batch failed", logger.Error(err))
			failed += len(batch)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		failed += n
	}

	log.Info("Done",
		logger.Int("files", len(paths)),
		logger.Int("failed", failed),
		logger.String("out", *outDir),
	)
	if err := a.Shutdown(context.Background()); err != nil {
		log.Warn("Shutdown incomplete", logger.Error(err))
	}
	if failed > 0 {
		os.Exit(1)
	}
}

type runner struct {
	app    *app.App
	outDir string
	opts   models.Options
	log    logger.Logger
	// written holds lower-cased names already written in this run.
	written map[string]bool
}

// run processes one batch and returns how many of its files failed.
func (r *runner) run(ctx context.Context, paths []string) (int, error) {
	uploads := make([]models.Upload, 0, len(paths))
	var total int64
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return 0, err
		}
		uploads = append(uploads, models.Upload{Filename: filepath.Base(p), Data: data})
		total += int64(len(data))
	}

	taskID, err := r.app.Scheduler.Submit(ctx, uploads, r.opts)
	if err != nil {
		return 0, err
	}
	r.log.Info("Batch submitted",
		logger.String("task_id", taskID),
		logger.Int("files", len(uploads)),
		logger.String("size", humanize.Bytes(uint64(total))),
	)

	snap, err := r.app.Scheduler.Wait(ctx, taskID)
	if err != nil {
		return 0, err
	}
	for _, f := range snap.Failed {
		r.log.Warn("File failed", logger.String("filename", f.Filename), logger.String("reason", f.Reason))
	}

	refs, err := r.app.Scheduler.Outputs(taskID)
	if err != nil {
		return 0, err
	}
	for _, ref := range refs {
		if err := r.copyOut(ctx, taskID, ref.Name()); err != nil {
			return 0, err
		}
	}
	return snap.Counts.Failed, r.app.Scheduler.Delete(ctx, taskID)
}

func (r *runner) copyOut(ctx context.Context, taskID, name string) error {
	rc, _, err := r.app.Scheduler.OpenOutput(ctx, taskID, name)
	if err != nil {
		return err
	}
	defer rc.Close()

	dst := filepath.Join(r.outDir, r.claim(name))
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return err
	}
	r.log.Info("Wrote note", logger.String("path", dst))
	return f.Close()
}

// claim returns name, or name with a _<n> suffix when an earlier batch of
// this run already wrote it.
func (r *runner) claim(name string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	candidate := name
	for n := 2; r.written[strings.ToLower(candidate)]; n++ {
		candidate = fmt.Sprintf("%s_%d%s", base, n, ext)
	}
	r.written[strings.ToLower(candidate)] = true
	return candidate
}

// collect expands directories to the supported files directly inside them.
func collect(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		var found []string
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			if _, ok := validator.AllowedTypes[strings.ToLower(filepath.Ext(e.Name()))]; ok {
				found = append(found, filepath.Join(arg, e.Name()))
			}
		}
		sort.Strings(found)
		paths = append(paths, found...)
	}
	return paths, nil
}

func chunk(paths []string, size int) [][]string {
	if size <= 0 {
		size = len(paths)
	}
	var out [][]string
	for len(paths) > size {
		out = append(out, paths[:size])
		paths = paths[size:]
	}
	if len(paths) > 0 {
		out = append(out, paths)
	}
	return out
}
