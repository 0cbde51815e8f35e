// Command antidefacectl runs one engine operation against the configured
// installation and prints the result.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/y0ug/antideface/internal/antideface"
	"github.com/y0ug/antideface/internal/database"
	"github.com/y0ug/antideface/internal/database/models"
)

var (
	rootDir    string
	jsonOutput bool
	verbose    bool

	colorRed    = color.New(color.FgRed, color.Bold)
	colorGreen  = color.New(color.FgGreen, color.Bold)
	colorYellow = color.New(color.FgYellow)
	colorCyan   = color.New(color.FgCyan)

	monitor *antideface.Monitor
	db      database.Database
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		colorRed.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "antidefacectl",
	Short: "Operate the anti-defacement engine from the command line",
	Long: `Runs one engine operation against the installation named by
ANTIDEFACE_ROOT (or --root) using the same database as the daemon.

Examples:
  antidefacectl build
  antidefacectl check --json
  antidefacectl restore /var/www/html/index.php`,
	SilenceUsage:       true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardownDB,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "root of the managed installation (overrides ANTIDEFACE_ROOT)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print reports as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log engine activity to stderr")

	rootCmd.AddCommand(buildCmd, checkCmd, scanCmd, restoreCmd, deleteCmd, backupCmd, teardownCmd, statusCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()
	if rootDir != "" {
		os.Setenv("ANTIDEFACE_ROOT", rootDir)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	cfg, err := antideface.LoadConfig()
	if err != nil {
		return err
	}
	dbConfig, err := database.LoadDatabaseConfig()
	if err != nil {
		return err
	}
	db, err = database.Open(dbConfig, logger)
	if err != nil {
		return err
	}
	if err := db.Initialize(cmd.Context()); err != nil {
		return err
	}
	monitor, err = antideface.Setup(cfg, db, logger)
	if err != nil {
		return err
	}
	monitor.LoadState(cmd.Context())
	return nil
}

func teardownDB(cmd *cobra.Command, args []string) error {
	if db == nil {
		return nil
	}
	return db.Close(context.Background())
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Fingerprint the installation and replace the stored baseline",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		baseline, errs, err := monitor.Build(cmd.Context(), "")
		if err != nil {
			return err
		}
		printErrors(errs)
		if jsonOutput {
			return printJSON(map[string]interface{}{
				"root":         baseline.Root,
				"files":        baseline.Len(),
				"generated_at": baseline.GeneratedAt,
			})
		}
		colorGreen.Printf("Baseline built: %d files under %s\n", baseline.Len(), baseline.Root)
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Compare the installation against the stored baseline",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := monitor.Check(cmd.Context(), "", nil)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(report)
		}
		printErrors(report.Errors)
		if report.Bootstrapped {
			colorYellow.Println("No usable baseline; a new one was built.")
			return nil
		}
		for _, e := range report.Drifted() {
			verdictColor(e.Verdict).Printf("%-9s %s\n", e.Verdict, e.Path)
		}
		counts := report.Counts()
		if report.Clean() {
			colorGreen.Printf("Clean: %d files unchanged\n", counts[models.Unchanged])
			return nil
		}
		colorRed.Printf("Drifted: %d modified, %d missing, %d added\n",
			counts[models.Modified], counts[models.Missing], counts[models.Added])
		return nil
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan every target for unwanted files and known vulnerabilities",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		report := monitor.Scan(cmd.Context(), nil)
		if jsonOutput {
			return printJSON(report)
		}
		for _, t := range report.Targets {
			colorCyan.Printf("%s (%d files)\n", t.Label, t.FilesScanned)
			for _, f := range t.Findings {
				severityColor(f.Severity).Printf("  [%s] %s: %s\n", f.Severity, f.Issue, f.Path)
			}
			for _, v := range t.Vulnerabilities {
				colorRed.Printf("  [vuln] %s %s: %s\n", v.Component.Name, v.Component.Version, v.Title)
			}
			printErrors(t.Errors)
		}
		if report.Partial {
			colorYellow.Println("Scan interrupted; report is partial")
		}
		fmt.Printf("Scan %s: %d findings\n", report.ID, len(report.Findings()))
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore [path...]",
	Short: "Restore the given paths, or every drifted file when none are given",
	RunE: func(cmd *cobra.Command, args []string) error {
		var results []models.RestoreResult
		if len(args) == 0 {
			report, err := monitor.Check(cmd.Context(), "", nil)
			if err != nil {
				return err
			}
			results = monitor.RestoreDrift(cmd.Context(), report)
		} else {
			for _, p := range args {
				result, _ := monitor.Restore(cmd.Context(), p)
				results = append(results, result)
			}
		}
		if jsonOutput {
			return printJSON(results)
		}
		failed := 0
		for _, r := range results {
			if r.Error != "" {
				failed++
				colorRed.Printf("failed    %s: %s\n", r.Path, r.Error)
				continue
			}
			colorGreen.Printf("%-9s %s\n", r.Outcome, r.Path)
		}
		if failed > 0 {
			return fmt.Errorf("%d restore(s) failed", failed)
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <path>",
	Short: "Delete a file reported by a scan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := monitor.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		colorGreen.Printf("Deleted %s\n", args[0])
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup [path...]",
	Short: "Back up the given paths, or the protected files when none are given",
	RunE: func(cmd *cobra.Command, args []string) error {
		errs := monitor.Backup(args)
		printErrors(errs)
		if len(errs) > 0 {
			return fmt.Errorf("%d backup(s) failed", len(errs))
		}
		colorGreen.Println("Backup completed")
		return nil
	},
}

var teardownCmd = &cobra.Command{
	Use:   "teardown",
	Short: "Delete the stored baseline and the protected file backups",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := monitor.TeardownState(cmd.Context()); err != nil {
			return err
		}
		colorYellow.Println("Engine state removed")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the lifecycle state of the installation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status := monitor.Status()
		if jsonOutput {
			return printJSON(status)
		}
		fmt.Printf("%s: ", status.Root)
		stateColor(status.State).Println(status.State)
		return nil
	},
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printErrors(errs []error) {
	for _, err := range errs {
		colorYellow.Fprintf(os.Stderr, "warning: %v\n", err)
	}
}

func verdictColor(v models.Verdict) *color.Color {
	switch v {
	case models.Modified, models.Missing:
		return colorRed
	case models.Added:
		return colorYellow
	}
	return colorGreen
}

func severityColor(s models.Severity) *color.Color {
	if s == models.SeverityHigh {
		return colorRed
	}
	return colorYellow
}

func stateColor(s models.State) *color.Color {
	switch s {
	case models.StateDrifted:
		return colorRed
	case models.StateUninitialized:
		return colorYellow
	}
	return colorGreen
}
