package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"browsernerd/internal/actions"
	"browsernerd/internal/logging"
	"browsernerd/internal/scoping"
	"browsernerd/internal/storagestate"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	actionsFile string
	exitAfter   bool
)

var runCmd = &cobra.Command{
	Use:   "run [url]",
	Short: "Start a browser session with restored state and scoped secrets",
	Long: `Starts (or attaches to) Chrome, restores the storage state file, opens url
and keeps checkpointing cookies and web storage until interrupted. A final
save runs on shutdown.

With --actions, a JSON list of {"name": ..., "params": {...}} actions is
dispatched once the page is open. Parameters may contain
<secret>name</secret> placeholders; each is filled in only if the secret is
scoped to the page the browser is on when that action runs.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSession,
}

func init() {
	runCmd.Flags().StringVarP(&actionsFile, "actions", "a", "", "JSON file of actions to dispatch ('-' for stdin)")
	runCmd.Flags().BoolVar(&exitAfter, "exit", false, "Exit after dispatching actions instead of waiting for a signal")
}

func runSession(cmd *cobra.Command, args []string) (err error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := logging.InitAudit(); err != nil {
		logger.Warn("audit log disabled", zap.Error(err))
	}
	started := time.Now()
	audit := logging.AuditWithSession(uuid.NewString())

	store, err := loadSecrets()
	if err != nil {
		return err
	}
	checkCoverage(store, cfg.Browser.AllowedDomains)
	engine := scoping.New(store, scoping.WithLogger(logger.Named("scoping")))

	var batch []actions.Action
	if actionsFile != "" {
		if batch, err = readActions(cmd.InOrStdin(), actionsFile); err != nil {
			return err
		}
	}

	launchCtx, cancel := context.WithTimeout(ctx, timeout)
	surface, err := openSurface(launchCtx)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		if err := surface.Close(); err != nil {
			logger.Debug("browser close", zap.Error(err))
		}
	}()

	persister := storagestate.NewPersister(surface, storagestate.Options{
		Path:           cfg.StorageState.Path,
		Fs:             fs,
		Interval:       cfg.GetAutoSaveInterval(),
		CaptureTimeout: cfg.GetCaptureTimeout(),
		SkipUnchanged:  cfg.StorageState.SkipUnchanged,
		Logger:         logger.Named("storage"),
	})
	// Deferred after surface.Close so it runs first, while the browser is
	// still reachable.
	defer func() {
		// The signal context is done by now; give the final save its own.
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.GetCaptureTimeout())
		defer cancel()
		if err := persister.Close(closeCtx); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), warnStyle.Render("final save failed: "+err.Error()))
		}
	}()

	prior, err := persister.Load(ctx)
	if err != nil {
		return err
	}
	if err := persister.Restore(ctx, prior); err != nil {
		// A browser without the old session is still usable.
		logger.Warn("storage state restore failed", zap.Error(err))
	}
	persister.Start(ctx)

	startURL := "about:blank"
	if len(args) > 0 {
		startURL = args[0]
	}
	if _, err := surface.NewPage(ctx, startURL); err != nil {
		return fmt.Errorf("open %s: %s", startURL, engine.FilterOutbound(err.Error()))
	}
	logging.Boot("session started at %s", startURL)
	audit.SessionStart(startURL)
	defer func() { audit.SessionEnd(time.Since(started).Milliseconds(), err) }()

	if len(batch) > 0 {
		d := actions.NewDispatcher(engine, surface, logger.Named("actions"))
		results, err := d.Dispatch(ctx, batch)
		printResults(cmd.OutOrStdout(), results)
		if err != nil {
			// Error text can echo parameters; never print resolved values.
			return errors.New(engine.FilterOutbound(err.Error()))
		}
	}

	if exitAfter {
		return nil
	}
	fmt.Fprintln(cmd.ErrOrStderr(), labelStyle.UnsetWidth().Render("session running, Ctrl+C to save and exit"))
	<-ctx.Done()
	return nil
}

// readActions decodes a JSON action list from path, or from stdin for "-".
func readActions(stdin io.Reader, path string) ([]actions.Action, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = afero.ReadFile(fs, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read actions: %w", err)
	}
	var batch []actions.Action
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("parse actions: %w", err)
	}
	for i, a := range batch {
		if a.Name == "" {
			return nil, fmt.Errorf("parse actions: action %d has no name", i)
		}
	}
	return batch, nil
}

// printResults reports dispatched actions by secret name only.
func printResults(out io.Writer, results []actions.Result) {
	for _, r := range results {
		line := fmt.Sprintf("%-12s %s", r.Action, r.URL)
		if len(r.Resolved) > 0 {
			line += "  filled: " + strings.Join(r.Resolved, ",")
		}
		if len(r.Unresolved) > 0 {
			fmt.Fprintln(out, warnStyle.Render(line+"  not applicable: "+strings.Join(r.Unresolved, ",")))
			continue
		}
		fmt.Fprintln(out, okStyle.Render(line))
	}
}
