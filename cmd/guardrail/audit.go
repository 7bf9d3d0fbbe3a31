package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/guardrail/internal/audit"
)

var errChainBroken = errors.New("audit ledger integrity broken")

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect, verify, export and archive the audit ledger",
}

var auditFlags struct {
	kind    string
	limit   int
	offset  int
	from    int64
	to      int64
	format  string
	out     string
	jsonOut bool
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List records, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := optionalKind(auditFlags.kind)
		if err != nil {
			return err
		}
		return withLedger(cmd, func(ctx context.Context, l *audit.Ledger) error {
			records, err := l.Collect(ctx, audit.ListOptions{Kind: kind, Limit: auditFlags.limit, Offset: auditFlags.offset})
			if err != nil {
				return err
			}
			if auditFlags.jsonOut {
				return writeJSON(cmd.OutOrStdout(), records)
			}
			printRecords(cmd.OutOrStdout(), records)
			return nil
		})
	},
}

var auditGetCmd = &cobra.Command{
	Use:   "get SEQ",
	Short: "Print one record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || seq < 0 {
			return fmt.Errorf("invalid sequence number %q", args[0])
		}
		return withLedger(cmd, func(ctx context.Context, l *audit.Ledger) error {
			rec, err := l.Get(ctx, seq)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), rec)
		})
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the hash chain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd, func(ctx context.Context, l *audit.Ledger) error {
			res, err := l.VerifyChain(ctx, auditFlags.from, auditFlags.to)
			return reportVerify(cmd.OutOrStdout(), res, err)
		})
	},
}

var auditVerifyFileCmd = &cobra.Command{
	Use:   "verify-file FILE",
	Short: "Verify a JSON export offline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		records, err := audit.ParseJSONExport(data)
		if err != nil {
			return err
		}
		res, err := audit.VerifyRecords(records)
		return reportVerify(cmd.OutOrStdout(), res, err)
	},
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a range of records as JSON or CSV",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := exportOptions()
		if err != nil {
			return err
		}
		return withLedger(cmd, func(ctx context.Context, l *audit.Ledger) error {
			data, err := l.Export(ctx, opts)
			if err != nil {
				return err
			}
			if auditFlags.out == "" || auditFlags.out == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(auditFlags.out, data, 0o600); err != nil {
				return err
			}
			okColor.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes to %s\n", len(data), auditFlags.out)
			return nil
		})
	},
}

var auditArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Verify a range and upload its export to object storage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := exportOptions()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.ArchiveEnabled() {
			return errors.New("archive_bucket is not configured")
		}
		logger := newLogger(cfg)
		client, err := audit.NewS3Client(audit.ArchiveConfig{
			Bucket:          cfg.ArchiveBucket,
			AccessKeyID:     cfg.ArchiveAccessKeyID,
			SecretAccessKey: cfg.ArchiveSecretAccessKey,
			Endpoint:        cfg.ArchiveEndpoint,
			Region:          cfg.ArchiveRegion,
			Prefix:          cfg.ArchivePrefix,
		})
		if err != nil {
			return fmt.Errorf("archive client: %w", err)
		}

		ctx := cmd.Context()
		a, err := newStorageApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		res, err := audit.NewArchiver(client, cfg.ArchiveBucket, cfg.ArchivePrefix, logger).Archive(ctx, a.ledger, opts)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	auditListCmd.Flags().StringVar(&auditFlags.kind, "kind", "", "INTENT, RESULT or DENIAL")
	auditListCmd.Flags().IntVar(&auditFlags.limit, "limit", 50, "maximum records")
	auditListCmd.Flags().IntVar(&auditFlags.offset, "offset", 0, "newest records to skip")
	auditListCmd.Flags().BoolVar(&auditFlags.jsonOut, "json", false, "print records as JSON")

	for _, c := range []*cobra.Command{auditVerifyCmd, auditExportCmd, auditArchiveCmd} {
		c.Flags().Int64Var(&auditFlags.from, "from", 0, "first sequence number")
		c.Flags().Int64Var(&auditFlags.to, "to", -1, "last sequence number (-1 = head)")
	}
	for _, c := range []*cobra.Command{auditExportCmd, auditArchiveCmd} {
		c.Flags().StringVar(&auditFlags.format, "format", string(audit.ExportFormatJSON), "json or csv")
		c.Flags().StringVar(&auditFlags.kind, "kind", "", "only records of this kind")
	}
	auditExportCmd.Flags().StringVarP(&auditFlags.out, "out", "o", "", "output file (default: stdout)")

	auditCmd.AddCommand(auditListCmd, auditGetCmd, auditVerifyCmd, auditVerifyFileCmd, auditExportCmd, auditArchiveCmd)
}

// withLedger opens the configured ledger for the duration of fn.
func withLedger(cmd *cobra.Command, fn func(ctx context.Context, l *audit.Ledger) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	ctx := cmd.Context()
	a, err := newStorageApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a.ledger)
}

func optionalKind(s string) (audit.Kind, error) {
	if s == "" {
		return "", nil
	}
	return audit.ParseKind(s)
}

func exportOptions() (audit.ExportOptions, error) {
	kind, err := optionalKind(auditFlags.kind)
	if err != nil {
		return audit.ExportOptions{}, err
	}
	format := audit.ExportFormat(auditFlags.format)
	if format != audit.ExportFormatJSON && format != audit.ExportFormatCSV {
		return audit.ExportOptions{}, fmt.Errorf("unsupported format %q, want json or csv", auditFlags.format)
	}
	if auditFlags.from < 0 {
		return audit.ExportOptions{}, errors.New("--from must not be negative")
	}
	if auditFlags.to >= 0 && auditFlags.to < auditFlags.from {
		return audit.ExportOptions{}, errors.New("--to must not be before --from")
	}
	return audit.ExportOptions{Format: format, From: auditFlags.from, To: auditFlags.to, Kind: kind}, nil
}

// reportVerify prints a verification result. A broken chain is returned as
// an error so the command exits non-zero.
func reportVerify(w io.Writer, res *audit.VerifyResult, err error) error {
	var integrityErr *audit.IntegrityError
	if err != nil && !errors.As(err, &integrityErr) {
		return err
	}
	if res == nil {
		return err
	}
	if res.Valid {
		okColor.Fprintf(w, "chain valid: %d records checked (%d..%d)\n", res.Checked, res.From, res.To)
		return nil
	}
	errColor.Fprintf(w, "chain broken at sequence %d: %s\n", *res.FirstBreakAt, res.Reason)
	fmt.Fprintf(w, "%d records verified before the break\n", res.Checked)
	return fmt.Errorf("%w at sequence %d", errChainBroken, *res.FirstBreakAt)
}

func printRecords(w io.Writer, records []*audit.Record) {
	if len(records) == 0 {
		warnColor.Fprintln(w, "no records")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tKIND\tTIMESTAMP\tRECORD HASH")
	for _, rec := range records {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", rec.SequenceNo, rec.Kind, rec.Timestamp.UTC().Format(time.RFC3339), shortHash(rec.RecordHash))
	}
	_ = tw.Flush()
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
