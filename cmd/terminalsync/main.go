package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/user/terminalsync/internal/config"
	"github.com/user/terminalsync/internal/db"
	"github.com/user/terminalsync/internal/hub"
	"github.com/user/terminalsync/internal/pty"
	"github.com/user/terminalsync/internal/server"
	"github.com/user/terminalsync/internal/tmux"
)

var version = "0.1.0"

func main() {
	debug := flag.Bool("debug", false, "enable debug logging")
	printToken := flag.Bool("print-token", false, "print the auth token and exit")
	history := flag.Bool("history", false, "print the session journal and exit")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Println("terminalsync", version)
		return
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	if *printToken {
		fmt.Println(cfg.Token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	journal := openJournal(ctx, cfg, logger)
	defer journal.close()

	if *history {
		printHistory(ctx, journal)
		return
	}

	shellArgv, err := cfg.ShellArgv()
	if err != nil {
		logger.Error("invalid shell configuration", "err", err)
		os.Exit(1)
	}

	store := pty.NewStore(logger)
	journal.observe(store, cfg.DefaultShell)

	// The idle sink tears the process down through the same path as a
	// signal, so shutdown stays graceful either way.
	runCtx, idleShutdown := context.WithCancel(ctx)
	defer idleShutdown()

	h := hub.New(hub.Config{
		Store:      store,
		Tmux:       tmux.NewProvider(cfg.ScrollbackLines, logger),
		ShellArgv:  shellArgv,
		MaxClients: cfg.MaxClients,
		IdleSink:   idleShutdown,
		Logger:     logger,
	})
	go h.Run(runCtx)

	writePIDFile(cfg, logger)
	defer removePIDFile(cfg)

	fmt.Fprintf(os.Stderr, "\nterminalsync v%s running at http://%s:%d/?token=%s\n\n",
		version, cfg.Host, cfg.Port, cfg.Token)

	srv := server.New(cfg, h, logger)
	if err := srv.Start(runCtx); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}

// journalHandle bundles the optional sqlite journal; a handle with a nil
// repo means journaling is disabled (open failure is logged, never fatal).
type journalHandle struct {
	db   *db.DB
	repo *db.SessionLogRepo
}

func openJournal(ctx context.Context, cfg *config.Config, logger *slog.Logger) *journalHandle {
	openCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	d, err := db.Open(openCtx, cfg.DBPath)
	if err != nil {
		logger.Warn("session journal disabled", "err", err)
		return &journalHandle{}
	}
	return &journalHandle{db: d, repo: db.NewSessionLogRepo(d)}
}

func (j *journalHandle) close() {
	if j.db != nil {
		_ = j.db.Close()
	}
}

// observe hooks store lifecycle callbacks to the journal.
func (j *journalHandle) observe(store *pty.Store, shell string) {
	if j.repo == nil {
		return
	}
	store.OnCreated = func(info pty.SessionInfo) {
		err := j.repo.RecordCreated(context.Background(), db.SessionRecord{
			ID:        info.ID,
			Name:      info.Name,
			Shell:     shell,
			Source:    string(info.Source),
			CreatedAt: info.CreatedAt,
		})
		if err != nil {
			slog.Debug("journal create failed", "id", info.ID, "err", err)
		}
	}
	store.OnExited = func(info pty.SessionInfo) {
		err := j.repo.RecordExited(context.Background(), info.ID, info.ExitCode, time.Now())
		if err != nil {
			slog.Debug("journal exit failed", "id", info.ID, "err", err)
		}
	}
}

func printHistory(ctx context.Context, j *journalHandle) {
	if j.repo == nil {
		fmt.Fprintln(os.Stderr, "session journal is not available")
		os.Exit(1)
	}
	records, err := j.repo.List(ctx, 50)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to read session journal:", err)
		os.Exit(1)
	}
	for _, rec := range records {
		status := "running"
		if rec.ExitedAt != nil {
			status = "exited"
			if rec.ExitCode != nil {
				status += " (" + strconv.Itoa(*rec.ExitCode) + ")"
			}
		}
		fmt.Printf("%s  %-12s  %-8s  %s\n",
			rec.CreatedAt.Local().Format(time.DateTime), rec.Name, rec.Source, status)
	}
}

func writePIDFile(cfg *config.Config, logger *slog.Logger) {
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(cfg.PIDPath(), []byte(pid+"\n"), 0o644); err != nil {
		logger.Warn("failed to write pid file", "path", cfg.PIDPath(), "err", err)
	}
}

func removePIDFile(cfg *config.Config) {
	_ = os.Remove(cfg.PIDPath())
}
