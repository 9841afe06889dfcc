package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/alqaisi42/medexaTPA-sub004/internal/domain/rules"
)

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file|key>",
		Short: "Import a rule bundle from a file or the bundle store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fromBucket, _ := cmd.Flags().GetBool("from-bucket")

			ctx := context.Background()
			a, err := newApp(ctx, newLogger())
			if err != nil {
				return err
			}
			defer a.Close()

			var summary *rules.ImportSummary
			if fromBucket {
				summary, err = a.svc.ImportBundleObject(ctx, args[0])
			} else {
				summary, err = importFile(ctx, a.svc, args[0])
			}
			if err != nil {
				return fmt.Errorf("import %s: %w", args[0], err)
			}
			return writeJSON(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().Bool("from-bucket", false, "Treat the argument as a bundle store object key")
	return cmd
}

func importFile(ctx context.Context, svc *rules.Service, path string) (*rules.ImportSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	b, err := rules.DecodeBundle(f)
	if err != nil {
		return nil, err
	}
	return svc.ImportBundle(ctx, b)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
