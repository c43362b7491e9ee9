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
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hyperifyio/secfilings/internal/app"
	"github.com/hyperifyio/secfilings/internal/insight"
	"github.com/hyperifyio/secfilings/internal/orchestrator"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("secfilings failed")
		os.Exit(1)
	}
}

type rootOptions struct {
	configFile string
	envFiles   []string
	verbose    bool
	jsonOut    bool

	userAgent    string
	requestDelay time.Duration
	dataDir      string
	database     string
	workers      int
	llmBaseURL   string
	llmModel     string
	llmKey       string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "secfilings",
		Short:         "Retrieve SEC filings and split them into labelled sections",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.configFile, "config", "", "YAML or JSON config file")
	pf.StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "dotenv files loaded before reading the environment")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose logging")
	pf.BoolVar(&opts.jsonOut, "json", false, "Print results as JSON")
	pf.StringVar(&opts.userAgent, "user-agent", "", "Registry contact string, e.g. \"Name email@example.com\" (SEC_USER_AGENT)")
	pf.DurationVar(&opts.requestDelay, "delay", 0, "Minimum spacing between registry requests (SEC_REQUEST_DELAY)")
	pf.StringVar(&opts.dataDir, "data-dir", "", "Directory for the database and raw documents (DATA_DIR)")
	pf.StringVar(&opts.database, "db", "", "Database file (DATABASE_PATH)")
	pf.IntVar(&opts.workers, "workers", 0, "Concurrent filings (WORKERS)")
	pf.StringVar(&opts.llmBaseURL, "llm.base", "", "OpenAI-compatible base URL (LLM_BASE_URL)")
	pf.StringVar(&opts.llmModel, "llm.model", "", "Model name (LLM_MODEL)")
	pf.StringVar(&opts.llmKey, "llm.key", "", "API key (LLM_API_KEY)")

	root.AddCommand(
		newSyncCmd(opts),
		newSectionsCmd(opts),
		newFinancialsCmd(opts),
		newSearchCmd(opts),
		newReextractCmd(opts),
		newRetryCmd(opts),
		newAnalyzeCmd(opts),
		newVersionCmd(),
	)
	return root
}

// loadConfig layers defaults, config file, dotenv and environment, then
// explicitly set flags.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (app.Config, error) {
	cfg := app.DefaultConfig()
	if opts.configFile != "" {
		fc, err := app.LoadConfigFile(opts.configFile)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		app.ApplyFileConfig(&cfg, fc)
	}
	if err := app.LoadEnvFiles(opts.envFiles...); err != nil {
		return cfg, fmt.Errorf("load env files: %w", err)
	}
	app.ApplyEnvOverrides(&cfg)

	flags := cmd.Flags()
	if flags.Changed("user-agent") {
		cfg.UserAgent = opts.userAgent
	}
	if flags.Changed("delay") {
		cfg.RequestDelay = opts.requestDelay
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = opts.dataDir
	}
	if flags.Changed("db") {
		cfg.DatabasePath = opts.database
	}
	if flags.Changed("workers") {
		cfg.Workers = opts.workers
	}
	if flags.Changed("llm.base") {
		cfg.LLMBaseURL = opts.llmBaseURL
	}
	if flags.Changed("llm.model") {
		cfg.LLMModel = opts.llmModel
	}
	if flags.Changed("llm.key") {
		cfg.LLMAPIKey = opts.llmKey
	}
	if opts.verbose {
		cfg.Verbose = true
	}
	if cfg.Verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	return cfg, nil
}

// withApp opens the application for the duration of fn. adjust, when
// non-nil, applies command-specific flags on top of the loaded config.
func withApp(cmd *cobra.Command, opts *rootOptions, adjust func(*app.Config), fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	if adjust != nil {
		adjust(&cfg)
	}
	ctx := cmd.Context()
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("close")
		}
	}()
	return fn(ctx, a)
}

func newSyncCmd(opts *rootOptions) *cobra.Command {
	var formType string
	var limit, maxAgeDays int
	var amendments bool
	var discovery string
	cmd := &cobra.Command{
		Use:   "sync <cik-or-ticker>...",
		Short: "Discover, fetch and extract a company's filings",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 0 {
				return errors.New("--limit must not be negative")
			}
			adjust := func(cfg *app.Config) {
				if cmd.Flags().Changed("limit") {
					cfg.FilingLimit = limit
				}
				if cmd.Flags().Changed("max-age-days") && maxAgeDays >= 0 {
					cfg.MaxFilingAge = time.Duration(maxAgeDays) * 24 * time.Hour
				}
				if amendments {
					cfg.IncludeAmendments = true
				}
				if cmd.Flags().Changed("discovery") {
					cfg.DiscoverySource = discovery
				}
			}
			return withApp(cmd, opts, adjust, func(ctx context.Context, a *app.App) error {
				var failed int
				for _, company := range args {
					report, err := a.Sync(ctx, company, formType)
					if err != nil {
						return fmt.Errorf("%s: %w", company, err)
					}
					for _, o := range report.Outcomes {
						if o.State.Failed() || o.Err != nil {
							failed++
						}
					}
					if err := printOutcomes(cmd.OutOrStdout(), opts.jsonOut, report.Outcomes); err != nil {
						return err
					}
				}
				if failed > 0 {
					log.Warn().Int("failed", failed).Msg("some filings were not extracted; see retry")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&formType, "form", "", "Form type (default from config, 10-K)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum filings per company (0 = all)")
	cmd.Flags().IntVar(&maxAgeDays, "max-age-days", 0, "Skip filings older than this many days (0 = no limit; default from MAX_FILING_AGE_DAYS)")
	cmd.Flags().BoolVar(&amendments, "amendments", false, "Include amended filings (/A)")
	cmd.Flags().StringVar(&discovery, "discovery", "", "Discovery source: auto, submissions or atom (SEC_DISCOVERY)")
	return cmd
}

func newSectionsCmd(opts *rootOptions) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "sections <accession>",
		Short: "Print the stored sections of a filing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, nil, func(ctx context.Context, a *app.App) error {
				fs, err := a.GetSections(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOut {
					return writeJSON(out, fs)
				}
				fmt.Fprintf(out, "%s %s %s [%s]\n", fs.Filing.Accession, fs.Filing.FormType, fs.Filing.FilingDate, fs.Filing.Status)
				for _, s := range fs.Sections {
					fmt.Fprintf(out, "\n#%d %s (%.2f) %s\n", s.Ordinal, s.Label, s.Confidence, s.Heading)
					text := s.Content
					if !full {
						text = preview(text, 240)
					}
					fmt.Fprintln(out, text)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "Print full section text")
	return cmd
}

func newFinancialsCmd(opts *rootOptions) *cobra.Command {
	var showFacts bool
	cmd := &cobra.Command{
		Use:   "financials <accession>",
		Short: "Print stored financial statement tables and inline XBRL metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, nil, func(ctx context.Context, a *app.App) error {
				fin, err := a.GetFinancials(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOut {
					return writeJSON(out, fin)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "METRIC\tVALUE\tUNIT\tPERIOD END\tCONCEPT")
				for _, m := range fin.Metrics {
					fmt.Fprintf(tw, "%s\t%.0f\t%s\t%s\t%s\n", m.Name, m.Value, m.Unit, m.PeriodEnd, m.Concept)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				for _, t := range fin.Tables {
					fmt.Fprintf(out, "\n#%d %s\n%s\n", t.Ordinal, t.Kind, t.Content)
				}
				if showFacts {
					fmt.Fprintln(out)
					tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "CONCEPT\tVALUE\tCONTEXT\tUNIT\tPERIOD END")
					for _, f := range fin.Facts {
						fmt.Fprintf(tw, "%s\t%g\t%s\t%s\t%s\n", f.Concept, f.Value, f.ContextRef, f.UnitRef, f.PeriodEnd)
					}
					return tw.Flush()
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&showFacts, "facts", false, "Also list every inline XBRL fact")
	return cmd
}

func newSearchCmd(opts *rootOptions) *cobra.Command {
	var formType string
	var limit int
	cmd := &cobra.Command{
		Use:   "search <text>",
		Short: "Find filings whose sections contain text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, nil, func(ctx context.Context, a *app.App) error {
				hits, err := a.Search(ctx, strings.Join(args, " "), formType, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOut {
					return writeJSON(out, hits)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ACCESSION\tFORM\tDATE\tCOMPANY\tSECTION\tSNIPPET")
				for _, h := range hits {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", h.Accession, h.FormType, h.FilingDate, h.CompanyName, h.Label, h.Snippet)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&formType, "form", "", "Restrict to a form type")
	cmd.Flags().IntVar(&limit, "limit", app.DefaultSearchLimit, "Maximum filings returned")
	return cmd
}

func newReextractCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reextract",
		Short: "Re-run extraction for filings produced by an older extractor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, nil, func(ctx context.Context, a *app.App) error {
				outs, err := a.Reextract(ctx)
				if err != nil {
					return err
				}
				return printOutcomes(cmd.OutOrStdout(), opts.jsonOut, outs)
			})
		},
	}
}

func newRetryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Re-process filings that failed to fetch or extract",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, nil, func(ctx context.Context, a *app.App) error {
				outs, err := a.RetryFailed(ctx)
				if err != nil {
					return err
				}
				return printOutcomes(cmd.OutOrStdout(), opts.jsonOut, outs)
			})
		},
	}
}

func newAnalyzeCmd(opts *rootOptions) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "analyze <accession>",
		Short: "Summarize a stored filing with an OpenAI-compatible model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := insight.ParseKind(kind)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, nil, func(ctx context.Context, a *app.App) error {
				res, err := a.Analyze(ctx, args[0], k)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintln(cmd.OutOrStdout(), res.Text)
				return nil
			})
		},
	}
	names := make([]string, 0, len(insight.Kinds()))
	for _, k := range insight.Kinds() {
		names = append(names, string(k))
	}
	cmd.Flags().StringVar(&kind, "kind", string(insight.KindRiskSummary), "Analysis kind: "+strings.Join(names, ", "))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "secfilings %s\n  commit: %s\n  built:  %s\n", app.BuildVersion, app.BuildCommit, app.BuildDate)
		},
	}
}

type outcomeView struct {
	Accession     string `json:"accession"`
	Form          string `json:"form"`
	State         string `json:"state"`
	Skipped       bool   `json:"skipped,omitempty"`
	Sections      int    `json:"sections"`
	LowConfidence int    `json:"low_confidence,omitempty"`
	Tables        int    `json:"tables,omitempty"`
	Facts         int    `json:"facts,omitempty"`
	Error         string `json:"error,omitempty"`
}

func printOutcomes(w io.Writer, asJSON bool, outs []orchestrator.Outcome) error {
	views := make([]outcomeView, len(outs))
	for i, o := range outs {
		views[i] = outcomeView{Accession: o.Accession, Form: o.FormType, State: string(o.State), Skipped: o.Skipped, Sections: o.Sections, LowConfidence: o.LowConfidence, Tables: o.Tables, Facts: o.Facts}
		if o.Err != nil {
			views[i].Error = o.Err.Error()
		}
	}
	if asJSON {
		return writeJSON(w, views)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCESSION\tFORM\tSTATE\tSECTIONS\tREVIEW\tFACTS\tNOTE")
	for _, v := range views {
		note := v.Error
		if v.Skipped {
			note = "already extracted"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n", v.Accession, v.Form, v.State, v.Sections, v.LowConfidence, v.Facts, note)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
