package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/payrollsync/internal/app"
	"github.com/kimhsiao/payrollsync/internal/config"
	apperrors "github.com/kimhsiao/payrollsync/internal/errors"
	"github.com/kimhsiao/payrollsync/internal/logging"
	"github.com/kimhsiao/payrollsync/internal/models"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"
}

// Version is set at build time.
var Version = "0.1.0"

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the payrollsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "payrollsync",
		Short: "Offline outbox for the payroll client",
		Long: `payrollsync keeps mutating requests made while the payroll client is
offline and replays them, oldest first, once the server is reachable.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newFlushCommand(opts))
	cmd.AddCommand(newDiscardCommand(opts))
	cmd.AddCommand(newDeadLettersCommand(opts))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// open loads the config, sets up logging and opens the outbox.
func open(opts *RootOptions) (*app.App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	level := logging.ParseLevel(cfg.Logging.Level)
	if opts.Verbose {
		level = logging.LevelDebug
	}
	logging.Init(os.Stderr, level)
	return app.New(cfg)
}

// printer renders command results as JSON or text.
type printer struct {
	format string
	out    io.Writer
}

func newPrinter(opts *RootOptions, cmd *cobra.Command) printer {
	return printer{format: opts.Format, out: cmd.OutOrStdout()}
}

// print writes v as JSON, or calls text for the human-readable form.
func (p printer) print(v any, text func(w io.Writer)) error {
	if p.format == "json" {
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(p.out)
	return nil
}

func newServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the flush driver, admin API and event websocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "payrollsync v%s\n", Version)
			return err
		},
	}
}

func newListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending requests, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			records, err := a.Outbox.List(cmd.Context())
			if err != nil {
				return err
			}
			if records == nil {
				records = []*models.QueueRecord{}
			}
			return newPrinter(opts, cmd).print(records, func(w io.Writer) {
				writeRecords(w, records)
			})
		},
	}
}

func writeRecords(w io.Writer, records []*models.QueueRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "outbox is empty")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTAG\tMETHOD\tTARGET\tBODY\tATTEMPTS\tQUEUED\tLAST ERROR")
	for _, r := range records {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.Tag, r.Method, r.Target, r.BodyKind, r.Attempts,
			r.CreatedAtTime().Format(time.RFC3339), r.LastError)
	}
	tw.Flush()
}

func newFlushCommand(opts *RootOptions) *cobra.Command {
	var max int
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Run one flush pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.Prober != nil {
				a.Prober.Check(cmd.Context())
			}
			result, err := a.Flusher.Flush(cmd.Context(), max)
			if err != nil {
				return err
			}
			return newPrinter(opts, cmd).print(result, func(w io.Writer) {
				fmt.Fprintf(w, "synced %d, %d remaining\n", result.Synced, result.Remaining)
			})
		},
	}
	cmd.Flags().IntVar(&max, "max", 0, "maximum records to replay (0 uses sync.batch_size)")
	return cmd
}

// parseID accepts a bare record id or its "local:<id>" form.
func parseID(arg string) (int64, error) {
	if ref, err := models.ParseLocalRef(arg); err == nil {
		id, _ := ref.LocalID()
		return id, nil
	}
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid id %q", arg))
	}
	return id, nil
}

func newDiscardCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <id>",
		Short: "Delete a pending request without replaying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := open(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Outbox.Discard(cmd.Context(), id); err != nil {
				return err
			}
			return newPrinter(opts, cmd).print(map[string]int64{"discarded": id}, func(w io.Writer) {
				fmt.Fprintf(w, "discarded %d\n", id)
			})
		},
	}
}

func newDeadLettersCommand(opts *RootOptions) *cobra.Command {
	var requeue int64
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List requests that exhausted sync.max_rejections, or requeue one",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			p := newPrinter(opts, cmd)
			if requeue > 0 {
				newID, err := a.Outbox.RequeueDeadLetter(cmd.Context(), requeue)
				if err != nil {
					return err
				}
				return p.print(map[string]int64{"requeued": requeue, "id": newID}, func(w io.Writer) {
					fmt.Fprintf(w, "requeued %d as %d\n", requeue, newID)
				})
			}

			dls, err := a.Outbox.DeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			if dls == nil {
				dls = []*models.DeadLetter{}
			}
			return p.print(dls, func(w io.Writer) {
				writeDeadLetters(w, dls)
			})
		},
	}
	cmd.Flags().Int64Var(&requeue, "requeue", 0, "append the dead letter with this id back to the outbox")
	return cmd
}

func writeDeadLetters(w io.Writer, dls []*models.DeadLetter) {
	if len(dls) == 0 {
		fmt.Fprintln(w, "no dead letters")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTAG\tMETHOD\tTARGET\tATTEMPTS\tREASON")
	for _, d := range dls {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n", d.ID, d.Tag, d.Method, d.Target, d.Attempts, d.Reason)
	}
	tw.Flush()
}
