package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"browsernerd/internal/logging"
	"browsernerd/internal/scoping"
	"browsernerd/internal/secrets"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	strictCoverage bool
	totpURL        string
	sealRecipients []string
	sealOutput     string
)

// fs is the filesystem state and seal commands use.
var fs afero.Fs = afero.NewOsFs()

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Inspect and manage the secrets file",
	Long: `Inspect and manage the secrets file. Secret values are never printed;
only names, scope patterns and TOTP codes are shown.`,
}

var secretsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "List secret names and scopes and check them against allowed_domains",
	RunE:  checkSecrets,
}

var secretsTOTPCmd = &cobra.Command{
	Use:   "totp <name>",
	Short: "Print the current one-time code for a TOTP secret",
	Args:  cobra.ExactArgs(1),
	RunE:  printTOTP,
}

var secretsFilterCmd = &cobra.Command{
	Use:   "filter",
	Short: "Replace secret values read from stdin with placeholders",
	Long: `Reads text from stdin and writes it to stdout with every known secret
value replaced by its <secret>name</secret> placeholder. Use it on page
content before handing it to a model.`,
	Args: cobra.NoArgs,
	RunE: filterSecrets,
}

var secretsSealCmd = &cobra.Command{
	Use:   "seal <file>",
	Short: "Encrypt a plaintext secrets file with age",
	Args:  cobra.ExactArgs(1),
	RunE:  sealSecrets,
}

func init() {
	secretsCheckCmd.Flags().BoolVar(&strictCoverage, "strict", false, "Fail when a scope pattern is not covered by allowed_domains")
	secretsTOTPCmd.Flags().StringVar(&totpURL, "url", "", "Page URL used to pick a scoped secret")
	secretsSealCmd.Flags().StringSliceVarP(&sealRecipients, "recipient", "r", nil, "age recipient (age1...), repeatable")
	secretsSealCmd.Flags().StringVarP(&sealOutput, "output", "o", "", "Output file (default <file>.age)")

	secretsCmd.AddCommand(secretsCheckCmd, secretsTOTPCmd, secretsFilterCmd, secretsSealCmd)
}

// loadSecrets reads the configured secrets file. No file means no secrets.
func loadSecrets() (*secrets.Store, error) {
	l := logger.Named("secrets")
	if cfg.Secrets.File == "" {
		l.Debug("no secrets file configured")
		return secrets.New(nil, nil, secrets.WithLogger(l)), nil
	}
	opts := cfg.SecretsLoadOptions()
	opts.Logger = l
	opts.Fs = fs
	store, err := secrets.Load(cfg.Secrets.File, opts)
	if err != nil {
		return nil, err
	}
	logging.Get(logging.CategorySecrets).Info("secrets loaded",
		zap.String("file", cfg.Secrets.File),
		zap.Int("names", len(store.Names())),
		zap.Int("scopes", len(store.Patterns())))
	return store, nil
}

// checkCoverage reports scope patterns outside allowed to the secrets logger
// and the boot log.
func checkCoverage(store *secrets.Store, allowed []string) []string {
	uncovered := secrets.CheckCoverage(store, allowed, logger.Named("secrets"))
	if len(uncovered) > 0 {
		logging.BootWarn("%d scope pattern(s) not covered by allowed_domains: %s",
			len(uncovered), strings.Join(uncovered, ", "))
	}
	return uncovered
}

func checkSecrets(cmd *cobra.Command, args []string) error {
	store, err := loadSecrets()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	allowed := cfg.Browser.AllowedDomains

	fmt.Fprintln(out, titleStyle.Render("Secrets"))
	fmt.Fprintln(out, field("file", orNone(cfg.Secrets.File)))
	fmt.Fprintln(out, field("names", orNone(strings.Join(store.Names(), ", "))))
	fmt.Fprintln(out, field("allowed", orNone(strings.Join(allowed, ", "))))
	fmt.Fprintln(out)

	uncovered := checkCoverage(store, allowed)
	missing := make(map[string]bool, len(uncovered))
	for _, p := range uncovered {
		missing[p] = true
	}

	fmt.Fprintln(out, titleStyle.Render("Scopes"))
	patterns := store.Patterns()
	if len(patterns) == 0 {
		fmt.Fprintln(out, labelStyle.Render("(none)"))
	}
	for _, p := range patterns {
		switch {
		case len(allowed) == 0:
			fmt.Fprintln(out, warnStyle.Render("! "+p+"  (no allowed_domains)"))
		case missing[p]:
			fmt.Fprintln(out, warnStyle.Render("! "+p+"  (not covered)"))
		default:
			fmt.Fprintln(out, okStyle.Render("✓ "+p))
		}
	}

	if strictCoverage && !store.Empty() && (len(uncovered) > 0 || len(allowed) == 0) {
		return fmt.Errorf("%d scope pattern(s) not covered by allowed_domains", max(len(uncovered), len(patterns)))
	}
	return nil
}

func printTOTP(cmd *cobra.Command, args []string) error {
	store, err := loadSecrets()
	if err != nil {
		return err
	}
	name := args[0]
	entry, ok := store.ResolveApplicable(totpURL)[name]
	if !ok {
		if totpURL == "" {
			return fmt.Errorf("secret %q not found among global secrets (use --url for scoped ones)", name)
		}
		return fmt.Errorf("secret %q does not apply to %s", name, totpURL)
	}
	if !entry.IsTOTPSeed {
		return fmt.Errorf("secret %q is not a TOTP seed", name)
	}

	now := time.Now()
	code, err := scoping.GenerateTOTP(entry.Value, now)
	if err != nil {
		return fmt.Errorf("secret %q: %w", name, err)
	}
	remaining := 30 - now.Unix()%30
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", code, labelStyle.UnsetWidth().Render(fmt.Sprintf("(%ds left)", remaining)))
	return nil
}

func filterSecrets(cmd *cobra.Command, args []string) error {
	store, err := loadSecrets()
	if err != nil {
		return err
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	engine := scoping.New(store, scoping.WithLogger(logger.Named("scoping")))
	_, err = io.WriteString(cmd.OutOrStdout(), engine.FilterOutbound(string(data)))
	return err
}

func sealSecrets(cmd *cobra.Command, args []string) error {
	in := args[0]
	plaintext, err := afero.ReadFile(fs, in)
	if err != nil {
		return fmt.Errorf("read %s: %w", in, err)
	}
	// Parse first so a broken file is never sealed. Env entries are
	// resolved at load time, so any non-empty stand-in will do here.
	if _, err := secrets.Parse(plaintext, secrets.LoadOptions{Getenv: func(string) string { return "-" }}); err != nil {
		return err
	}
	sealed, err := secrets.Seal(plaintext, sealRecipients...)
	if err != nil {
		return err
	}
	out := sealOutput
	if out == "" {
		out = in + ".age"
	}
	if err := afero.WriteFile(fs, out, sealed, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("sealed "+in+" -> "+out))
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
