// Package cli is the command-line adapter over the ApplicationService.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"accounting-reports/internal/app"
	"accounting-reports/internal/bootstrap"
	"accounting-reports/internal/config"
	"accounting-reports/internal/core"
	"accounting-reports/internal/db"
	"accounting-reports/migrations"

	"github.com/spf13/cobra"
)

// Opener builds the application service for one command run. The returned
// func releases it.
type Opener func(ctx context.Context, cfg *config.Config) (app.ApplicationService, func(), error)

// DefaultOpener assembles the service from cfg with bootstrap.Open.
func DefaultOpener(ctx context.Context, cfg *config.Config) (app.ApplicationService, func(), error) {
	rt, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return rt.Service, rt.Close, nil
}

type globalFlags struct {
	configPath string
	reportsDir string
	fixture    string
	logLevel   string
}

// optionFlags map onto the previous options of a request.
type optionFlags struct {
	dateFrom       string
	dateTo         string
	filter         string
	companies      []int
	comparison     string
	periods        int
	fiscalPosition string
	unfoldAll      bool
	hierarchy      bool
	hideZero       bool
}

func (f *optionFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.dateFrom, "date-from", "", "period start (YYYY-MM-DD)")
	fs.StringVar(&f.dateTo, "date-to", "", "period end (YYYY-MM-DD)")
	fs.StringVar(&f.filter, "filter", "", "date filter, e.g. this_month, last_quarter, this_year")
	fs.IntSliceVar(&f.companies, "company", nil, "company id (repeatable)")
	fs.StringVar(&f.comparison, "comparison", "", "comparison filter: previous_period or same_last_year")
	fs.IntVar(&f.periods, "periods", 1, "number of comparison periods")
	fs.StringVar(&f.fiscalPosition, "fiscal-position", "", "all, domestic or a fiscal position id")
	fs.BoolVar(&f.unfoldAll, "unfold-all", false, "unfold every foldable line")
	fs.BoolVar(&f.hierarchy, "hierarchy", false, "group accounts by account group")
	fs.BoolVar(&f.hideZero, "hide-zero", false, "hide lines whose values are all zero")
}

var optionFlagNames = []string{
	"date-from", "date-to", "filter", "company", "comparison", "periods",
	"fiscal-position", "unfold-all", "hierarchy", "hide-zero",
}

// previous returns nil when no flag was given so the report defaults apply.
func (f *optionFlags) previous(cmd *cobra.Command) *core.Options {
	set := false
	for _, name := range optionFlagNames {
		set = set || cmd.Flags().Changed(name)
	}
	if !set {
		return nil
	}
	opts := &core.Options{
		Date:           core.DateOption{DateFrom: f.dateFrom, DateTo: f.dateTo, Filter: f.filter},
		FiscalPosition: f.fiscalPosition,
		UnfoldAll:      f.unfoldAll,
		Hierarchy:      f.hierarchy,
		Hide0Lines:     f.hideZero,
	}
	if f.dateTo != "" && f.filter == "" {
		opts.Date.Filter = "custom"
	}
	for _, id := range f.companies {
		opts.Companies = append(opts.Companies, core.CompanyOption{ID: id})
	}
	if f.comparison != "" {
		opts.Comparison = core.ComparisonOption{Filter: f.comparison, NumberPeriod: f.periods}
	}
	return opts
}

// NewRootCommand creates the root CLI command with all subcommands
// registered. open is called once per command that needs the engine.
func NewRootCommand(open Opener) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "reports",
		Short: "Render and maintain financial reports",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "config file (yaml)")
	pf.StringVar(&g.reportsDir, "reports", "", "directory of report definitions (overrides REPORTS_DIR)")
	pf.StringVar(&g.fixture, "fixture", "", "serve the ledger from a YAML fixture instead of PostgreSQL")
	pf.StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newListCommand(g, open),
		newOptionsCommand(g, open),
		newLinesCommand(g, open),
		newExpandCommand(g, open),
		newManualValueCommand(g, open),
		newCarryoverCommand(g, open),
		newValidateCommand(g),
		newMigrateCommand(g),
	)
	return root
}

// setup loads the configuration, applies the global flags and returns a
// context carrying the logger.
func setup(cmd *cobra.Command, g *globalFlags) (context.Context, *config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if g.reportsDir != "" {
		cfg.Reports.Dir = g.reportsDir
	}
	if g.fixture != "" {
		cfg.Reports.Fixture = g.fixture
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		return nil, nil, err
	}
	return logger.WithContext(cmd.Context()), cfg, nil
}

// withService runs fn against an opened service.
func withService(cmd *cobra.Command, g *globalFlags, open Opener, fn func(ctx context.Context, svc app.ApplicationService) error) error {
	ctx, cfg, err := setup(cmd, g)
	if err != nil {
		return err
	}
	svc, closeFn, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, svc)
}

// ── Commands ──────────────────────────────────────────────────────────────────

func newListCommand(g *globalFlags, open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the loaded reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd, g, open, func(ctx context.Context, svc app.ApplicationService) error {
				res, err := svc.ListReports(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%-6s %-14s %-40s %s\n", "ID", "CODE", "NAME", "LINES")
				for _, r := range res.Reports {
					fmt.Fprintf(out, "%-6d %-14s %-40s %d\n", r.ID, r.Code, r.Name, r.Lines)
				}
				return nil
			})
		},
	}
}

func newOptionsCommand(g *globalFlags, open Opener) *cobra.Command {
	of := &optionFlags{}
	cmd := &cobra.Command{
		Use:   "options <report>",
		Short: "Print the resolved options of a report as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, g, open, func(ctx context.Context, svc app.ApplicationService) error {
				res, err := svc.GetOptions(ctx, app.OptionsRequest{ReportRef: args[0], Previous: of.previous(cmd)})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res.Options)
			})
		},
	}
	of.register(cmd)
	return cmd
}

func newLinesCommand(g *globalFlags, open Opener) *cobra.Command {
	of := &optionFlags{}
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "lines <report>",
		Short: "Render a report",
		Example: `  reports lines PL --date-from 2024-01-01 --date-to 2024-03-31
  reports lines TB --fixture reports/fixtures/demo_ledger.yaml --hierarchy`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, g, open, func(ctx context.Context, svc app.ApplicationService) error {
				res, err := svc.GetLines(ctx, app.OptionsRequest{ReportRef: args[0], Previous: of.previous(cmd)})
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), res)
				}
				printLines(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	of.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print lines and options as JSON")
	return cmd
}

func newExpandCommand(g *globalFlags, open Opener) *cobra.Command {
	of := &optionFlags{}
	var req core.ExpandRequest
	cmd := &cobra.Command{
		Use:   "expand <report> <line-id>",
		Short: "Print the sublines of one line as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, g, open, func(ctx context.Context, svc app.ApplicationService) error {
				req.LineID = args[1]
				res, err := svc.ExpandLine(ctx, app.ExpandLineRequest{
					OptionsRequest: app.OptionsRequest{ReportRef: args[0], Previous: of.previous(cmd)},
					Line:           req,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res.Lines)
			})
		},
	}
	of.register(cmd)
	cmd.Flags().StringVar(&req.Groupby, "groupby", "", "groupby chain of the line")
	cmd.Flags().StringVar(&req.ExpandFunction, "expand-function", "", "expand function of the line (default expand_groupby)")
	cmd.Flags().IntVar(&req.Offset, "offset", 0, "offset of a load-more line")
	return cmd
}

func newManualValueCommand(g *globalFlags, open Opener) *cobra.Command {
	of := &optionFlags{}
	var edit core.ManualValueRequest
	cmd := &cobra.Command{
		Use:   "manual-value <report>",
		Short: "Store a manual value on an editable expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, g, open, func(ctx context.Context, svc app.ApplicationService) error {
				res, err := svc.EditManualValue(ctx, app.ManualValueRequest{
					OptionsRequest: app.OptionsRequest{ReportRef: args[0], Previous: of.previous(cmd)},
					Edit:           edit,
				})
				if err != nil {
					return err
				}
				printLines(cmd.OutOrStdout(), &app.LinesResult{Options: res.Options, Lines: res.Lines})
				return nil
			})
		},
	}
	of.register(cmd)
	cmd.Flags().IntVar(&edit.TargetExpressionID, "expression", 0, "target expression id")
	cmd.Flags().StringVar(&edit.Value, "value", "", "new value")
	cmd.Flags().StringVar(&edit.ColumnGroupKey, "column-group", "", "column group key (required with comparisons)")
	_ = cmd.MarkFlagRequired("expression")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func newCarryoverCommand(g *globalFlags, open Opener) *cobra.Command {
	of := &optionFlags{}
	cmd := &cobra.Command{
		Use:   "carryover <report>",
		Short: "Generate the carryover records of a report period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, g, open, func(ctx context.Context, svc app.ApplicationService) error {
				res, err := svc.GenerateCarryover(ctx, app.OptionsRequest{ReportRef: args[0], Previous: of.previous(cmd)})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s %s..%s: %d records\n", res.ReportCode, res.DateFrom, res.DateTo, len(res.Records))
				for _, r := range res.Records {
					value := ""
					if r.Value != nil {
						value = r.Value.StringFixed(2)
					}
					fmt.Fprintf(out, "  company %-4d expression %-6d %12s  %s\n", r.CompanyID, r.TargetExpressionID, value, r.Name)
				}
				return nil
			})
		},
	}
	of.register(cmd)
	return cmd
}

func newValidateCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and check the report definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, cfg, err := setup(cmd, g)
			if err != nil {
				return err
			}
			catalog, err := core.LoadCatalog(cfg.Reports.Dir)
			if err != nil {
				return err
			}
			lines, expressions := 0, 0
			for _, r := range catalog.Reports() {
				lines += len(r.AllLines())
				expressions += len(r.Expressions())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d reports, %d lines, %d expressions: OK\n", len(catalog.Reports()), lines, expressions)
			return nil
		},
	}
}

func newMigrateCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setup(cmd, g)
			if err != nil {
				return err
			}
			pool, err := db.NewPool(ctx, cfg.Database.URL)
			if err != nil {
				return err
			}
			defer pool.Close()
			applied, err := db.Migrate(ctx, pool, migrations.FS)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d migrations applied\n", len(applied))
			return nil
		},
	}
}

// ── Output ────────────────────────────────────────────────────────────────────

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printLines(w io.Writer, res *app.LinesResult) {
	width := 78
	if res.Options != nil {
		width = 44 + 18*len(res.Options.Columns)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("=", width))
	if res.ReportName != "" {
		fmt.Fprintf(w, "  %s\n", res.ReportName)
	}
	if res.Options != nil {
		fmt.Fprintf(w, "  Period   : %s (%s..%s)\n", res.Options.Date.String, res.Options.Date.DateFrom, res.Options.Date.DateTo)
		fmt.Fprintf(w, "  Currency : %s\n", res.Options.Currency)
		fmt.Fprintln(w, strings.Repeat("=", width))
		fmt.Fprintf(w, "  %-40s", "")
		for _, col := range res.Options.Columns {
			fmt.Fprintf(w, " %17s", col.Name)
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, strings.Repeat("-", width))
	}
	for _, l := range res.Lines {
		name := strings.Repeat("  ", max(l.Level-1, 0)) + l.Name
		fmt.Fprintf(w, "  %-40s", truncate(name, 40))
		for _, c := range l.Columns {
			fmt.Fprintf(w, " %17s", c.Name)
		}
		if l.Growth != nil {
			fmt.Fprintf(w, " %8s", l.Growth.Name)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w, strings.Repeat("=", width))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
