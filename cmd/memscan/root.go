package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrElectrify/memscan/internal/logging"
	"github.com/MrElectrify/memscan/pattern"
	"github.com/MrElectrify/memscan/scanner"
)

const serviceName = "memscan"

var errInvalidHex = errors.New("invalid buffer hex")

type rootFlags struct {
	parallel int
	json     bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var flags rootFlags
	root := &cobra.Command{
		Use:   "memscan <buffer-hex> <pattern>",
		Short: "Search a byte buffer for a wildcard signature",
		Long: `memscan finds every window of a buffer matching a byte signature such as
"E8 ? ? ? ? 48 8B D8", where "?" matches any byte.`,
		Args: cobra.ExactArgs(2),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.InitWriter(stderr, serviceName)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runSearch(cmd, args[0], args[1], flags, stdout, stderr)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.Flags().IntVarP(&flags.parallel, "parallel", "p", 0, "search with this many goroutines (0: sequential)")
	root.Flags().BoolVar(&flags.json, "json", false, "print matches as JSON")

	root.AddCommand(newFileCmd(stdout, stderr), newServeCmd(), newEventsCmd(stdout))
	return root
}

func runSearch(cmd *cobra.Command, bufHex, text string, flags rootFlags, stdout, stderr io.Writer) error {
	buf, err := hex.DecodeString(strings.Join(strings.Fields(bufHex), ""))
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidHex, err)
	}
	p, err := parsePattern(text, stderr)
	if err != nil {
		return err
	}

	var matches []scanner.Match
	if flags.parallel > 0 {
		matches, err = scanner.FindPatternParallel(cmd.Context(), buf, p, flags.parallel)
	} else {
		matches, err = scanner.FindPattern(buf, p)
	}
	if err != nil {
		return err
	}

	if flags.json {
		return json.NewEncoder(stdout).Encode(map[string]any{"matches": matches, "count": len(matches)})
	}
	for _, m := range matches {
		fmt.Fprintf(stdout, "offset=0x%x len=%d bytes=% x\n", m.Offset, m.Length, m.Window(buf))
	}
	fmt.Fprintf(stdout, "%d match(es)\n", len(matches))
	return nil
}

// parsePattern parses text and, on failure, points at the offending token.
func parsePattern(text string, stderr io.Writer) (pattern.Pattern, error) {
	p, err := pattern.Parse(text)
	if err != nil {
		var pe *pattern.ParseError
		if errors.As(err, &pe) {
			fmt.Fprintln(stderr, pe.Caret(text))
		}
		return pattern.Pattern{}, err
	}
	if p.IsEmpty() {
		return pattern.Pattern{}, scanner.ErrInvalidPattern
	}
	return p, nil
}
