package main

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/alecthomas/units"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/MrElectrify/memscan/internal/config"
	"github.com/MrElectrify/memscan/scanner"
)

var errFilesFailed = errors.New("some files could not be scanned")

func newFileCmd(stdout, stderr io.Writer) *cobra.Command {
	chunk := config.Default().Scan.ChunkSize
	var workers int
	cmd := &cobra.Command{
		Use:   "file <pattern> <path>...",
		Short: "Stream files through the search without loading them whole",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			p, err := parsePattern(args[0], stderr)
			if err != nil {
				return err
			}
			s := scanner.NewStreamingScanner(scanner.NewScanner(), int(chunk))
			pool := scanner.NewWorkerPool(cmd.Context(), s, p, workers)

			done := make(chan []scanner.StreamResult)
			go func() {
				var results []scanner.StreamResult
				for r := range pool.Results() {
					results = append(results, r)
				}
				done <- results
			}()
			for _, path := range args[1:] {
				pool.SubmitFile(path)
			}
			pool.Close()
			results := <-done

			sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
			failed := false
			for _, r := range results {
				if r.Err != nil {
					failed = true
					fmt.Fprintf(stderr, "%s: %v\n", r.ID, r.Err)
					continue
				}
				for _, m := range r.Matches {
					fmt.Fprintf(stdout, "%s: offset=0x%x len=%d\n", r.ID, m.Offset, m.Length)
				}
			}
			if failed {
				return errFilesFailed
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "w", 4, "files scanned concurrently")
	cmd.Flags().Var(&bytesValue{&chunk}, "chunk", "read size per chunk, e.g. 64KiB")
	return cmd
}

// bytesValue adapts units.Base2Bytes to pflag.Value.
type bytesValue struct{ b *units.Base2Bytes }

var _ pflag.Value = (*bytesValue)(nil)

func (v *bytesValue) String() string {
	if v.b == nil {
		return "0B"
	}
	return v.b.String()
}

func (v *bytesValue) Set(s string) error {
	n, err := units.ParseBase2Bytes(s)
	if err != nil {
		return err
	}
	if n <= 0 {
		return fmt.Errorf("chunk size must be positive: %s", s)
	}
	*v.b = n
	return nil
}

func (v *bytesValue) Type() string { return "bytes" }
