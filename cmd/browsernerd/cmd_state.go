package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"browsernerd/internal/browser"
	"browsernerd/internal/storagestate"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	showCookies bool
	mergeOutput string
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect, export and merge storage state files",
}

var stateShowCmd = &cobra.Command{
	Use:   "show [file]",
	Short: "Summarize a storage state file (values are not shown)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  showState,
}

var stateExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Capture the running browser's state and merge it into a file",
	Long: `Attaches to the browser at browser.debugger_url (or launches one), captures
cookies, localStorage and sessionStorage and merges them into the file.
Defaults to storage_state.path.`,
	Args: cobra.MaximumNArgs(1),
	RunE: exportState,
}

var stateMergeCmd = &cobra.Command{
	Use:   "merge <base> <incoming>",
	Short: "Merge two storage state files, incoming wins conflicts",
	Args:  cobra.ExactArgs(2),
	RunE:  mergeState,
}

func init() {
	stateShowCmd.Flags().BoolVar(&showCookies, "cookies", false, "List cookie names, domains and paths")
	stateMergeCmd.Flags().StringVarP(&mergeOutput, "output", "o", "", "Output file (default: overwrite base)")

	stateCmd.AddCommand(stateShowCmd, stateExportCmd, stateMergeCmd)
}

// statePath returns the file argument or the configured storage state path.
func statePath(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if cfg.StorageState.Path == "" {
		return "", errors.New("no file given and storage_state.path is not set")
	}
	return cfg.StorageState.Path, nil
}

func showState(cmd *cobra.Command, args []string) error {
	path, err := statePath(args)
	if err != nil {
		return err
	}
	snap, err := storagestate.ReadFile(fs, path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	renderState(cmd.OutOrStdout(), path, snap, time.Now())
	return nil
}

func renderState(out io.Writer, path string, snap storagestate.Snapshot, now time.Time) {
	expired := 0
	for _, c := range snap.Cookies {
		if c.Expired(float64(now.Unix())) {
			expired++
		}
	}

	fmt.Fprintln(out, titleStyle.Render("Storage state"))
	fmt.Fprintln(out, field("file", path))
	fmt.Fprintln(out, field("cookies", fmt.Sprintf("%d (%d expired)", len(snap.Cookies), expired)))
	fmt.Fprintln(out, field("origins", fmt.Sprintf("%d", len(snap.Origins))))

	if showCookies && len(snap.Cookies) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, titleStyle.Render("Cookies"))
		cookies := append([]storagestate.Cookie{}, snap.Cookies...)
		sort.SliceStable(cookies, func(i, j int) bool { return cookies[i].Domain < cookies[j].Domain })
		for _, c := range cookies {
			line := fmt.Sprintf("%s %s%s", c.Name, c.Domain, c.Path)
			if c.Expired(float64(now.Unix())) {
				fmt.Fprintln(out, warnStyle.Render(line+"  (expired)"))
				continue
			}
			fmt.Fprintln(out, line)
		}
	}

	if len(snap.Origins) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, titleStyle.Render("Origins"))
		for _, o := range snap.Origins {
			fmt.Fprintf(out, "%s  local=%d session=%d\n", o.Origin, len(o.LocalStorage), len(o.SessionStorage))
		}
	}
}

func exportState(cmd *cobra.Command, args []string) error {
	path, err := statePath(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	surface, err := openSurface(ctx)
	if err != nil {
		return err
	}
	// An attached browser keeps running; only a launched one is ours to close.
	if cfg.Browser.DebuggerURL == "" {
		defer surface.Close()
	}

	p := storagestate.NewPersister(surface, storagestate.Options{
		Path:           path,
		Fs:             fs,
		CaptureTimeout: cfg.GetCaptureTimeout(),
		Logger:         logger.Named("storage"),
	})
	res, err := p.Save(ctx)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render(fmt.Sprintf("exported %d cookies, %d origins -> %s", res.Cookies, res.Origins, res.Path)))
	return nil
}

func mergeState(cmd *cobra.Command, args []string) error {
	incoming, err := storagestate.ReadFile(fs, args[1])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[1], err)
	}

	out := mergeOutput
	if out == "" {
		out = args[0]
	}
	var merged storagestate.Snapshot
	if out == args[0] {
		merged, err = storagestate.MergeFile(cmd.Context(), fs, out, incoming)
		if err != nil {
			return err
		}
	} else {
		base, err := storagestate.ReadFile(fs, args[0])
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
		merged = storagestate.Merge(base, incoming)
		if err := storagestate.WriteFile(fs, out, merged); err != nil {
			return err
		}
	}
	logger.Debug("storage state merged",
		zap.String("base", args[0]),
		zap.String("incoming", args[1]),
		zap.String("output", out))
	fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render(fmt.Sprintf("merged %d cookies, %d origins -> %s", len(merged.Cookies), len(merged.Origins), out)))
	return nil
}

// openSurface connects to or launches Chrome and wraps it for capture.
func openSurface(ctx context.Context) (*browser.RodSurface, error) {
	bcfg := cfg.BrowserSettings()
	l := logger.Named("browser")
	b, _, err := browser.Launch(ctx, bcfg, l)
	if err != nil {
		return nil, err
	}
	return browser.NewRodSurface(b, bcfg, l), nil
}
