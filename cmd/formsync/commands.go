package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lychee-technology/formsync"
	"github.com/lychee-technology/formsync/factory"
	"github.com/lychee-technology/formsync/internal/syncengine"
	"github.com/lychee-technology/formsync/internal/telemetry"
	"go.uber.org/zap"
)

type commonOptions struct {
	configPath string
	token      string
	userGUID   string
}

func newFlagSet(name string) (*flag.FlagSet, *commonOptions) {
	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	flags.SetOutput(os.Stdout)
	flags.Usage = func() {
		fmt.Printf("Usage: formsync %s [options]\n\nOptions:\n", name)
		flags.PrintDefaults()
	}
	opts := &commonOptions{}
	flags.StringVar(&opts.configPath, "config", os.Getenv("FORMSYNC_CONFIG"), "path to a YAML config file")
	flags.StringVar(&opts.token, "token", os.Getenv("FORMSYNC_TOKEN"), "bearer token for the server API")
	flags.StringVar(&opts.userGUID, "user", os.Getenv("FORMSYNC_USER"), "officer GUID recorded as the owner of new work")
	return flags, opts
}

// parse reports handled=true when -h was requested and the command should stop quietly.
func parse(flags *flag.FlagSet, args []string) (handled bool, err error) {
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return true, nil
		}
		return true, err
	}
	return false, nil
}

// openEngine loads the config, swaps in the configured logger and builds the engine.
func openEngine(ctx context.Context, opts *commonOptions) (*factory.Engine, error) {
	cfg, err := formsync.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}

	logger, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)

	auth := &formsync.StaticAuthenticator{
		AccessToken: opts.token,
		User:        formsync.UserContext{GUID: opts.userGUID},
	}
	return factory.NewEngineWithConfig(ctx, cfg, auth)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type outcomeView struct {
	RecordID string `json:"recordId"`
	Type     string `json:"type"`
	Route    string `json:"route,omitempty"`
	Outcome  string `json:"outcome"`
	Error    string `json:"error,omitempty"`
}

type reportView struct {
	DurationMS int64          `json:"durationMs"`
	Outcomes   []outcomeView  `json:"outcomes"`
	Counts     map[string]int `json:"counts"`
}

func viewReport(r *syncengine.PassReport) reportView {
	view := reportView{Outcomes: []outcomeView{}, Counts: map[string]int{}}
	if r == nil {
		return view
	}
	view.DurationMS = r.Duration().Milliseconds()
	for _, out := range r.Outcomes {
		v := outcomeView{
			RecordID: out.RecordID,
			Type:     string(out.Type),
			Route:    string(out.Route),
			Outcome:  string(out.Outcome),
		}
		if out.Err != nil {
			v.Error = out.Err.Error()
		}
		view.Outcomes = append(view.Outcomes, v)
		view.Counts[string(out.Outcome)]++
	}
	return view
}

func runSync(args []string) error {
	flags, opts := newFlagSet("sync")
	if handled, err := parse(flags, args); handled {
		return err
	}

	ctx := context.Background()
	engine, err := openEngine(ctx, opts)
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := engine.ProcessOfflineSubmissions(ctx); err != nil {
		return err
	}
	return printJSON(viewReport(engine.LastReport()))
}

func runReplenish(args []string) error {
	flags, opts := newFlagSet("replenish")
	if handled, err := parse(flags, args); handled {
		return err
	}

	ctx := context.Background()
	engine, err := openEngine(ctx, opts)
	if err != nil {
		return err
	}
	defer engine.Close()

	inserted, err := engine.FetchAndSaveFormIDs(ctx)
	if err != nil {
		return err
	}
	return printJSON(inserted)
}

func runAvailability(args []string) error {
	flags, opts := newFlagSet("availability")
	if handled, err := parse(flags, args); handled {
		return err
	}

	ctx := context.Background()
	engine, err := openEngine(ctx, opts)
	if err != nil {
		return err
	}
	defer engine.Close()

	avail, err := engine.GetFormAvailability(ctx)
	if err != nil {
		return err
	}
	return printJSON(avail)
}

func runLease(args []string) error {
	flags, opts := newFlagSet("lease")
	formType := flags.String("type", string(formsync.FormType12Hour), "form type: 12Hour, 24Hour or VI")
	id := flags.String("id", "", "identifier to lease (default: next available)")
	if handled, err := parse(flags, args); handled {
		return err
	}

	ft := formsync.FormType(*formType)
	if !ft.Valid() {
		return fmt.Errorf("unknown form type %q", *formType)
	}

	ctx := context.Background()
	engine, err := openEngine(ctx, opts)
	if err != nil {
		return err
	}
	defer engine.Close()

	target := *id
	if target == "" {
		next, ok, err := engine.GetNextAvailableFormID(ctx, ft)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no %s identifiers available; run replenish", ft)
		}
		target = next
	}
	if err := engine.MarkFormAsLeased(ctx, target, ft); err != nil {
		return err
	}
	fmt.Println(target)
	return nil
}

func runRefreshReference(args []string) error {
	flags, opts := newFlagSet("refresh-reference")
	if handled, err := parse(flags, args); handled {
		return err
	}

	ctx := context.Background()
	engine, err := openEngine(ctx, opts)
	if err != nil {
		return err
	}
	defer engine.Close()

	return engine.RefreshReference(ctx)
}

func runFetchForm(args []string) error {
	flags, opts := newFlagSet("fetch-form")
	formID := flags.String("id", "", "form id (required)")
	if handled, err := parse(flags, args); handled {
		return err
	}
	if *formID == "" {
		flags.Usage()
		return fmt.Errorf("-id is required")
	}

	ctx := context.Background()
	engine, err := openEngine(ctx, opts)
	if err != nil {
		return err
	}
	defer engine.Close()

	def, err := engine.FetchFormDefinition(ctx, *formID)
	if err != nil {
		return err
	}
	return printJSON(def)
}

func runWatch(args []string) error {
	flags, opts := newFlagSet("watch")
	if handled, err := parse(flags, args); handled {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := openEngine(ctx, opts)
	if err != nil {
		return err
	}
	defer engine.Close()

	zap.S().Infow("watching for connectivity")
	if err := engine.Monitor().Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
