package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sqlinx/internal/config"

	"github.com/spf13/cobra"

	// Drivers
	_ "github.com/alexbrainman/odbc"
	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Version is set at build time.
var Version = "dev"

type configKey struct{}

func main() {
	if isRunningAsService() {
		runAsService()
		return
	}
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "sqlinx",
		Short: "sqlinx - SQL workbench for SQLite, PostgreSQL, MySQL and SQL Server",
		Long: `sqlinx serves a browser workbench for exploring databases.

Connect to the bundled sample database, upload a SQLite file, convert CSV, JSON
or XLSX files into SQLite, or point it at a PostgreSQL, MySQL or SQL Server
instance. Running without a subcommand starts the server.`,
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
				return nil
			}
			cfg, err := config.Load(cfgFile, cmd.Root().PersistentFlags())
			if err != nil {
				return fmt.Errorf("load config: %w\nCheck sqlinx.yaml, .env or the %s environment variable", err, config.SessionKeyEnv)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey{}, cfg))
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), getConfig(cmd))
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./"+config.DefaultFile+")")
	flags.Int("port", 8080, "HTTP port")
	flags.String("data-dir", "", "directory for per-session database files")
	flags.String("log-dir", "logs", "directory for the log file")
	flags.String("log-level", "info", "log level (debug|info|warn|error)")
	flags.Duration("connect-timeout", 10*time.Second, "timeout for opening database connections")
	flags.Int("sample-limit", 10000, "rows kept when converting files (0 keeps every row)")
	flags.String("ai-endpoint", "", "chat endpoint used for insights")
	flags.String("ai-model", "", "model name sent to the chat endpoint")

	_ = rootCmd.RegisterFlagCompletionFunc("log-level", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"debug", "info", "warn", "error"}, cobra.ShellCompDirectiveNoFileComp
	})

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newConvertCmd())
	rootCmd.AddCommand(newSampleCmd())
	rootCmd.AddCommand(newPingCmd())
	rootCmd.AddCommand(serviceCommands()...)

	return rootCmd
}

func getConfig(cmd *cobra.Command) *config.Config {
	if cfg, ok := cmd.Context().Value(configKey{}).(*config.Config); ok {
		return cfg
	}
	cfg, err := config.Load("", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}
