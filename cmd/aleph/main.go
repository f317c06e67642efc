package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/yourusername/aleph-gateway/pkg/aleph"
	"github.com/yourusername/aleph-gateway/pkg/checkpoint"
	"github.com/yourusername/aleph-gateway/pkg/oai"
	"github.com/yourusername/aleph-gateway/pkg/telemetry"
)

var (
	errUsage       = errors.New("usage: aleph <command> [options]")
	errUnavailable = errors.New("some services are unavailable")
)

type command func(ctx context.Context, client *aleph.Client, args []string, out *json.Encoder) error

var commands = map[string]command{
	"ping":    cmdPing,
	"harvest": cmdHarvest,
	"get":     cmdGet,
	"find":    cmdFind,
	"search":  cmdSearch,
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.ConfigFromEnv("aleph-cli"))
	if err != nil {
		slog.Warn("failed to init tracer", "error", err)
		shutdownTracer = func(context.Context) error { return nil }
	}

	code := 0
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			usage(os.Stderr)
		}
		slog.Error("aleph failed", "error", err)
		code = 1
	}
	shutdownTracer(context.WithoutCancel(ctx))
	cancel()
	os.Exit(code)
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `aleph - read records from an Aleph catalog

Usage: aleph <command> [options]

Commands:
  ping       Report which configured services answer
  harvest    Harvest records over OAI-PMH as JSON lines
  get        Get one record over OAI-PMH by document number
  find       Find system numbers over X-Server
  search     Search the Z39.50 target with a PQF query

Configuration:
  ALEPH_CONFIG  YAML config file; otherwise ALEPH_* variables are read

Examples:
  aleph ping
  aleph harvest -from 2024-01-01 -set MZK01-CNB -checkpoint state.db
  aleph harvest -checkpoint state.db -resume
  aleph get -doc 000960080
  aleph find -field isn -value 80-7203-386-4 -single
  aleph search -q '@attr 1=4 krakatit'`)
}

func loadConfig() (aleph.Config, error) {
	if path := os.Getenv("ALEPH_CONFIG"); path != "" {
		return aleph.LoadConfig(path)
	}
	return aleph.ConfigFromEnv()
}

// run executes one command, writing records to stdout as JSON lines.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	name, args := args[0], args[1:]
	if name == "help" {
		usage(stdout)
		return nil
	}
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q: %w", name, errUsage)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := aleph.New(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	return cmd(ctx, client, args, json.NewEncoder(stdout))
}

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func parseDate(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("-%s %q: expected YYYY-MM-DD or RFC 3339", name, v)
}

func cmdPing(ctx context.Context, client *aleph.Client, args []string, out *json.Encoder) error {
	fs := newFlagSet("ping")
	timeout := fs.Duration("timeout", 10*time.Second, "Probe timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	failed := false
	for _, s := range client.Status(ctx) {
		if err := out.Encode(s); err != nil {
			return err
		}
		failed = failed || !s.Available
	}
	if failed {
		return errUnavailable
	}
	return nil
}

func cmdHarvest(ctx context.Context, client *aleph.Client, args []string, out *json.Encoder) error {
	fs := newFlagSet("harvest")
	from := fs.String("from", "", "Harvest records changed on or after this date")
	until := fs.String("until", "", "Harvest records changed on or before this date")
	var sets stringList
	fs.Var(&sets, "set", "OAI set to harvest (repeatable, in order)")
	dsn := fs.String("checkpoint", "", "SQLite path or postgres:// DSN holding the harvest state")
	name := fs.String("name", "", "Checkpoint name (default: the base)")
	resume := fs.Bool("resume", false, "Continue from the saved checkpoint")
	limit := fs.Int("limit", 0, "Stop after this many records")
	if err := fs.Parse(args); err != nil {
		return err
	}

	oc, err := client.OAI()
	if err != nil {
		return err
	}

	var store checkpoint.Store
	if *dsn != "" {
		store, err = checkpoint.Open(ctx, *dsn)
		if err != nil {
			return err
		}
		defer store.Close()
	} else if *resume {
		return errors.New("-resume requires -checkpoint")
	}
	key := *name
	if key == "" {
		key = client.Base()
	}
	save := func(st oai.State) {
		if store == nil {
			return
		}
		if err := store.Save(context.WithoutCancel(ctx), key, st); err != nil {
			slog.Error("failed to save checkpoint", "name", key, "error", err)
		}
	}

	var it *oai.Iterator
	if *resume {
		st, ok, err := store.Load(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no checkpoint named %q", key)
		}
		slog.Info("resuming harvest", "name", key, "set", st.Set(), "token", st.Token)
		it = oc.Resume(st)
	} else {
		h := oai.Harvest{Sets: sets}
		if h.From, err = parseDate("from", *from); err != nil {
			return err
		}
		if h.Until, err = parseDate("until", *until); err != nil {
			return err
		}
		if it, err = oc.ListRecords(ctx, h); err != nil {
			return err
		}
	}

	// page is the state the records being read were fetched with; taken
	// counts the ones already written.
	n, page, taken := 0, it.State(), 0
	for rec, err := range it.All(ctx) {
		if err != nil {
			save(it.State())
			return fmt.Errorf("harvest stopped after %d records: %w", n, err)
		}
		if err := out.Encode(rec); err != nil {
			return err
		}
		n++
		taken++
		// A drained buffer means State points at the next unfetched page.
		if it.Buffered() == 0 {
			page, taken = it.State(), 0
			save(page)
		}
		if *limit > 0 && n >= *limit {
			if taken > 0 {
				page.Skip += taken
				save(page)
			}
			break
		}
	}

	if it.Done() && store != nil {
		if err := store.Clear(ctx, key); err != nil {
			return err
		}
	}
	slog.Info("harvest finished", "records", n, "pages", it.Pages(), "complete", it.Done())
	return nil
}

func cmdGet(ctx context.Context, client *aleph.Client, args []string, out *json.Encoder) error {
	fs := newFlagSet("get")
	doc := fs.String("doc", "", "Document number, e.g. 000960080")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *doc == "" {
		return fmt.Errorf("get: -doc is required: %w", errUsage)
	}
	oc, err := client.OAI()
	if err != nil {
		return err
	}
	rec, err := oc.GetRecord(ctx, *doc)
	if err != nil {
		return err
	}
	return out.Encode(rec)
}

type systemNumber struct {
	SystemNumber string `json:"system_number"`
}

func cmdFind(ctx context.Context, client *aleph.Client, args []string, out *json.Encoder) error {
	fs := newFlagSet("find")
	field := fs.String("field", "", "X-Server find code, e.g. isn or wrd")
	value := fs.String("value", "", "Value to find")
	single := fs.Bool("single", false, "Require exactly one hit")
	limit := fs.Int("limit", 0, "Stop after this many system numbers")
	if err := fs.Parse(args); err != nil {
		return err
	}
	xc, err := client.X()
	if err != nil {
		return err
	}

	if *single {
		sn, err := xc.FindSingleSystemNumber(ctx, *field, *value)
		if err != nil {
			return err
		}
		return out.Encode(systemNumber{sn})
	}

	it, err := xc.FindSystemNumbers(ctx, *field, *value)
	if err != nil {
		return err
	}
	n := 0
	for sn, err := range it.All(ctx) {
		if err != nil {
			return err
		}
		if err := out.Encode(systemNumber{sn}); err != nil {
			return err
		}
		n++
		if *limit > 0 && n >= *limit {
			break
		}
	}
	slog.Info("find finished", "total", it.State().Total, "printed", n)
	return nil
}

func cmdSearch(ctx context.Context, client *aleph.Client, args []string, out *json.Encoder) error {
	fs := newFlagSet("search")
	q := fs.String("q", "", "PQF query, e.g. '@attr 1=4 krakatit'")
	limit := fs.Int("limit", 10, "Maximum records to fetch, 0 for all")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *q == "" {
		return fmt.Errorf("search: -q is required: %w", errUsage)
	}
	records, count, err := client.SearchZ3950(ctx, *q, *limit)
	for _, rec := range records {
		if err := out.Encode(rec); err != nil {
			return err
		}
	}
	if err != nil {
		return err
	}
	slog.Info("search finished", "hits", count, "printed", len(records))
	return nil
}
