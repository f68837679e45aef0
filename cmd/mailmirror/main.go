package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vdavid/mailmirror/internal/api"
	"github.com/vdavid/mailmirror/internal/config"
	"github.com/vdavid/mailmirror/internal/db"
	"github.com/vdavid/mailmirror/internal/logger"
	"github.com/vdavid/mailmirror/internal/models"
	"github.com/vdavid/mailmirror/internal/source"
	mirrorsync "github.com/vdavid/mailmirror/internal/sync"
	ws "github.com/vdavid/mailmirror/internal/websocket"
	"go.uber.org/zap"
)

const (
	exitOK      = 0
	exitFatal   = 1
	exitPartial = 2
)

const usage = `usage: mailmirror <command> [flags]

commands:
  sync        run one sync (-account, -mode full|incremental)
  daemon      poll every configured account and serve the local API
  status      print sync state (-account)
  fetch-body  load and print one message with its body: fetch-body <stable-id>
  search      full-text search: search [-account] [-limit] <query>
  thread      print a thread with its messages: thread <thread-id>
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "help" {
		_, _ = fmt.Fprint(stderr, usage)
		return exitFatal
	}
	command, rest := args[0], args[1:]

	cfg, err := config.NewConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return exitFatal
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Failed to create logger: %v\n", err)
		return exitFatal
	}
	defer func() { _ = log.Sync() }()

	a := &app{cfg: cfg, log: log, stdout: stdout}
	defer a.close()

	switch command {
	case "sync":
		err = a.sync(ctx, rest)
	case "daemon":
		err = a.daemon(ctx)
	case "status":
		err = a.status(ctx, rest)
	case "fetch-body":
		err = a.fetchBody(ctx, rest)
	case "search":
		err = a.search(ctx, rest)
	case "thread":
		err = a.thread(ctx, rest)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n%s", command, usage)
		return exitFatal
	}

	var partial *partialError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &partial):
		log.Warn("Finished with errors", zap.Error(err))
		return exitPartial
	default:
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFatal
	}
}

// partialError means the command did its work but some of it was skipped.
type partialError struct {
	accounts []string
}

func (e *partialError) Error() string {
	return "partial sync for " + strings.Join(e.accounts, ", ")
}

// app holds what the commands share. The store and source are opened on
// first use so read-only commands never touch the mail client's files.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	stdout io.Writer

	store *db.Store
	src   *source.EnvelopeIndex
}

func (a *app) openStore(ctx context.Context) (*db.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	store, err := db.Open(ctx, a.cfg.DBPath, db.Options{BusyTimeout: a.cfg.BusyTimeout}, a.log)
	if err != nil {
		return nil, fmt.Errorf("failed to open mirror at %s: %w", a.cfg.DBPath, err)
	}
	a.store = store
	return store, nil
}

func (a *app) service(ctx context.Context) (*mirrorsync.Service, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if a.src == nil {
		src, err := source.OpenEnvelopeIndex(ctx, a.cfg.SourceRoot, a.cfg.EnvelopeIndex, a.cfg.BusyTimeout, a.log)
		if err != nil {
			return nil, err
		}
		a.src = src
	}
	opts := mirrorsync.DefaultOptions()
	opts.BatchSize = a.cfg.BatchSize
	opts.Workers = a.cfg.ParseWorkers
	opts.LeaseTTL = a.cfg.LeaseTTL
	return mirrorsync.NewService(store, a.src, opts, a.log), nil
}

func (a *app) close() {
	if a.src != nil {
		_ = a.src.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("Failed to close mirror store", zap.Error(err))
		}
	}
}

func (a *app) accounts(flagValue string) ([]string, error) {
	if flagValue != "" {
		return strings.Split(flagValue, ","), nil
	}
	if len(a.cfg.Accounts) == 0 {
		return nil, errors.New("no accounts: pass -account or set MAILMIRROR_ACCOUNTS")
	}
	return a.cfg.Accounts, nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) sync(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	account := fs.String("account", "", "comma-separated account ids (default: all configured)")
	modeFlag := fs.String("mode", string(models.SyncIncremental), "full or incremental")
	if err := fs.Parse(args); err != nil {
		return err
	}
	mode, err := models.ParseSyncMode(*modeFlag)
	if err != nil {
		return err
	}
	accounts, err := a.accounts(*account)
	if err != nil {
		return err
	}
	svc, err := a.service(ctx)
	if err != nil {
		return err
	}

	var partial []string
	var reports []*models.SyncReport
	for _, acct := range accounts {
		report, err := svc.Sync(ctx, acct, mode)
		if err != nil {
			return fmt.Errorf("sync of account %s failed: %w", acct, err)
		}
		reports = append(reports, report)
		if report.Partial() {
			partial = append(partial, acct)
		}
	}
	if err := a.printJSON(reports); err != nil {
		return err
	}
	if len(partial) > 0 {
		return &partialError{accounts: partial}
	}
	return nil
}

func (a *app) daemon(ctx context.Context) error {
	accounts, err := a.accounts("")
	if err != nil {
		return err
	}
	svc, err := a.service(ctx)
	if err != nil {
		return err
	}
	poller := mirrorsync.NewPoller(svc, accounts, a.cfg.PollInterval, a.cfg.FullSyncEvery, a.log)
	hub := ws.NewHub(10, a.log)
	poller.OnSync = func(accountID string, report *models.SyncReport, err error) {
		hub.Publish(ws.SyncEvent(accountID, report, err, db.IsConcurrentSyncError(err)))
	}

	var server *http.Server
	serveErr := make(chan error, 1)
	if a.cfg.MetricsAddr != "" {
		server = &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           api.NewServer(a.store, svc, poller, hub, a.cfg.APIToken, a.log),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.log.Info("Local API listening", zap.String("addr", a.cfg.MetricsAddr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	a.log.Info("Daemon started",
		zap.Strings("accounts", accounts),
		zap.Duration("interval", a.cfg.PollInterval),
		zap.Int("full_sync_every", a.cfg.FullSyncEvery))

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		poller.Run(pollCtx)
		close(done)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		runErr = fmt.Errorf("local API failed: %w", runErr)
	}
	cancel()
	<-done

	if server != nil {
		shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer stop()
		_ = server.Shutdown(shutdownCtx)
	}
	a.log.Info("Daemon stopped")
	return runErr
}

func (a *app) status(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	account := fs.String("account", "", "comma-separated account ids (default: all configured)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	accounts, err := a.accounts(*account)
	if err != nil {
		return err
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	type entry struct {
		*models.SyncState
		Status models.SyncStatus `json:"status"`
	}
	out := make([]entry, 0, len(accounts))
	for _, acct := range accounts {
		state, err := db.GetSyncState(ctx, store.DB, acct)
		if err != nil {
			return err
		}
		out = append(out, entry{SyncState: state, Status: state.Status()})
	}
	return a.printJSON(out)
}

func (a *app) fetchBody(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: fetch-body <stable-id>")
	}
	svc, err := a.service(ctx)
	if err != nil {
		return err
	}
	msg, err := svc.FetchBody(ctx, args[0])
	if err != nil {
		return err
	}
	return a.printJSON(msg)
}

func (a *app) search(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	account := fs.String("account", "", "limit to one account")
	limit := fs.Int("limit", 20, "maximum results")
	deleted := fs.Bool("deleted", false, "include messages deleted at the source")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(query) == "" {
		return errors.New("usage: search [-account id] [-limit n] <query>")
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	results, err := db.Search(ctx, store.DB, db.SearchQuery{
		Text:           query,
		AccountID:      *account,
		IncludeDeleted: *deleted,
		Limit:          *limit,
	})
	if err != nil {
		return err
	}

	type hit struct {
		StableID string `json:"stable_id"`
		ThreadID string `json:"thread_id"`
		Subject  string `json:"subject"`
		Sender   string `json:"sender"`
		Snippet  string `json:"snippet"`
	}
	hits := make([]hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, hit{r.Message.StableID, r.Message.ThreadID, r.Message.Subject, r.Message.Sender, r.Snippet})
	}
	return a.printJSON(hits)
}

func (a *app) thread(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: thread <thread-id>")
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	thread, err := db.GetThread(ctx, store.DB, args[0])
	if err != nil {
		return err
	}
	return a.printJSON(thread)
}
