package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sqlinx/internal/core"
	"sqlinx/internal/data"
	"sqlinx/internal/logger"
	"sqlinx/internal/service"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type convertOptions struct {
	Out    string
	Table  string
	Format string
	All    bool
	Types  map[string]string
}

func newConvertCmd() *cobra.Command {
	opts := &convertOptions{}

	cmd := &cobra.Command{
		Use:   "convert FILE",
		Short: "Convert a CSV, JSON or XLSX file into a SQLite database",
		Long: `Convert loads a delimited, JSON or XLSX file into a table of a SQLite
database, inferring column types from the rows it keeps. Compressed inputs
(.gz, .bz2, .xz, .zst) are decompressed on the fly.`,
		Example: `  # Convert the first 10000 rows of sales.csv into sales.db
  sqlinx convert sales.csv

  # Keep every row and force a column type
  sqlinx convert events.json.gz --all --type created_at=datetime --out events.db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConvert(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "SQLite file to write (default: <table>.db)")
	cmd.Flags().StringVar(&opts.Table, "table", "", "target table (default: derived from the file name)")
	cmd.Flags().StringVar(&opts.Format, "format", "", "input format (csv|json|xlsx); detected from the extension when empty")
	cmd.Flags().BoolVar(&opts.All, "all", false, "keep every row instead of the sample limit")
	cmd.Flags().StringToStringVar(&opts.Types, "type", nil, "column type overrides, e.g. price=float")

	return cmd
}

func runConvert(cmd *cobra.Command, path string, opts *convertOptions) error {
	cfg := getConfig(cmd)
	l := logger.New(cmd.ErrOrStderr(), logger.ParseLevel(cfg.Log.Level))

	spec := core.ConversionSpec{
		SourceName:  filepath.Base(path),
		Format:      core.FileFormat(strings.ToLower(opts.Format)),
		TargetTable: opts.Table,
		SampleLimit: cfg.Convert.SampleLimit,
	}
	if opts.All {
		spec.SampleLimit = -1
	}
	for col, name := range opts.Types {
		t, ok := core.ParseColumnType(name)
		if !ok {
			return fmt.Errorf("unknown column type %q for %s", name, col)
		}
		if spec.TypeOverrides == nil {
			spec.TypeOverrides = map[string]core.ColumnType{}
		}
		spec.TypeOverrides[col] = t
	}

	out := opts.Out
	if out == "" {
		table := opts.Table
		if table == "" {
			table = service.TableNameFromFile(path)
		}
		if table == "" {
			table = service.DefaultTableName
		}
		out = table + ".db"
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	res, err := service.NewConverter(l).Convert(cmd.Context(), f, spec, out)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Wrote %d rows into table %s of %s\n", res.RowCount, res.TableName, out)
	if res.Truncated() {
		fmt.Fprintf(w, "Kept the first %d of %d rows; use --all to keep everything.\n", res.RowCount, res.SourceRowCount)
	}
	if res.Warnings > 0 {
		fmt.Fprintf(w, "%d values did not match their column type and were stored as NULL.\n", res.Warnings)
	}
	for _, c := range res.Columns {
		fmt.Fprintf(w, "  %-30s %s\n", c.Name, c.Type)
	}
	return nil
}

func newSampleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sample [FILE]",
		Short: "Write the sample database (departments and employees) to a file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := service.SampleFile
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := data.InitSampleDB(cmd.Context(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sample database written to %s\n", path)
			return nil
		},
	}
}

type pingOptions struct {
	Kind     string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Driver   string
	File     string
}

func newPingCmd() *cobra.Command {
	opts := &pingOptions{}

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that a database is reachable with the given settings",
		Long: `Ping resolves a connection the same way the workbench does and reports the
error kind on failure. Without --password the password is read from the
terminal without echo.`,
		Example: `  sqlinx ping --kind postgres --host localhost --user app --database shop
  sqlinx ping --kind sqlserver --host db01 --user sa --database master --driver "ODBC Driver 18 for SQL Server"
  sqlinx ping --kind sqlite-upload --file ./chinook.db`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPing(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Kind, "kind", "postgres", "database kind (postgres|mysql|sqlserver|sqlite-upload)")
	cmd.Flags().StringVar(&opts.Host, "host", "localhost", "server host")
	cmd.Flags().IntVar(&opts.Port, "port", 0, "server port (default: the kind's standard port)")
	cmd.Flags().StringVarP(&opts.User, "user", "u", "", "user name")
	cmd.Flags().StringVar(&opts.Password, "password", "", "password (prompted when empty)")
	cmd.Flags().StringVarP(&opts.Database, "database", "d", "", "database name")
	cmd.Flags().StringVar(&opts.Driver, "driver", "", "ODBC driver name for SQL Server")
	cmd.Flags().StringVar(&opts.File, "file", "", "SQLite file for sqlite kinds")

	return cmd
}

func runPing(cmd *cobra.Command, opts *pingOptions) error {
	cfg := getConfig(cmd)
	l := logger.New(cmd.ErrOrStderr(), logger.ParseLevel(cfg.Log.Level))

	kind, ok := core.ParseKind(opts.Kind)
	if !ok {
		return fmt.Errorf("unknown kind %q", opts.Kind)
	}
	conn := core.ConnectionConfig{
		Kind:     kind,
		Host:     opts.Host,
		Port:     opts.Port,
		User:     opts.User,
		Password: opts.Password,
		Database: opts.Database,
		Driver:   opts.Driver,
		FilePath: opts.File,
	}

	if !kind.IsSQLite() && conn.Password == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		pass, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		conn.Password = string(pass)
	}

	h, err := service.NewResolver(cfg.ConnectTimeout, l).Resolve(cmd.Context(), conn)
	if err != nil {
		return err
	}
	defer h.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "OK: %s\n", conn.Describe())
	return nil
}
