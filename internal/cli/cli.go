// Package cli implements the snaildb command-line tool: one-shot
// operations against a local database directory.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Hk669/snailDB/pkg/engine"
)

// NewRootCmd builds the snaildb command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "snaildb",
		Short:         "Embedded LSM key-value store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("dir", "d", "./data", "database directory")

	root.AddCommand(
		newPutCmd(),
		newGetCmd(),
		newDeleteCmd(),
		newScanCmd(),
		newStatsCmd(),
		newCompactCmd(),
	)
	return root
}

// Execute runs the CLI. Called by main.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// openDB opens the engine for a one-shot command. Background compaction
// is disabled so the command finishes promptly.
func openDB(cmd *cobra.Command) (*engine.Engine, error) {
	dir, err := cmd.Flags().GetString("dir")
	if err != nil {
		return nil, err
	}
	opts := engine.DefaultOptions()
	opts.CompactionConcurrency = 0
	return engine.Open(dir, opts)
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Add or update a key-value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Put([]byte(args[0]), []byte(args[1]))
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Look up the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			value, found, err := db.Get([]byte(args[0]))
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("key %q not found", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(value))
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Delete([]byte(args[0]))
		},
	}
}

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List key-value pairs in key order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			var start, end []byte
			if v, _ := cmd.Flags().GetString("start"); v != "" {
				start = []byte(v)
			}
			if v, _ := cmd.Flags().GetString("end"); v != "" {
				end = []byte(v)
			}

			s, err := db.Scan(start, end)
			if err != nil {
				return err
			}
			defer s.Close()

			for s.Next() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", s.Key(), s.Value())
			}
			return s.Err()
		},
	}
	cmd.Flags().String("start", "", "inclusive start key")
	cmd.Flags().String("end", "", "exclusive end key")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show storage statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			st := db.Stats()
			out := cmd.OutOrStdout()
			for i, l := range st.Levels {
				if l.Files == 0 {
					continue
				}
				fmt.Fprintf(out, "L%d: %d files, %d bytes\n", i, l.Files, l.Bytes)
			}
			fmt.Fprintf(out, "total: %d bytes on disk, %d bytes in memtable, %d sealed\n",
				st.TotalBytes, st.MemtableBytes, st.SealedMemtables)
			fmt.Fprintf(out, "bloom: %d skipped, %d passed, %d false positives\n",
				st.BloomNegatives, st.BloomPositives, st.BloomFalsePositives)
			return nil
		},
	}
}

func newCompactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Merge all tables and purge deleted entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Compact(cmd.Context())
		},
	}
}
