package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/caffeineduck/gorute/executor"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Compile every configured route and probe",
	Long: `Validate the config file and compile every route and probe without
serving. Diagnostics are printed one per line. Script errors are marked FAIL and
host errors ERR; the exit status is non-zero when anything fails.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	h, err := buildHost(cfg, zap.NewNop())
	if err != nil {
		return err
	}
	defer h.Stop(context.Background())

	err = h.Configure(cmd.Context())
	out := cmd.OutOrStdout()
	for _, rt := range h.Routes().Routes() {
		fmt.Fprintf(out, "ok   %-7s %s\n", rt.Verb, rt.Pattern)
	}
	if err == nil {
		return nil
	}

	var failed []error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		failed = joined.Unwrap()
	} else {
		failed = []error{err}
	}
	for _, e := range failed {
		label := "ERR "
		if executor.Invalid(e) {
			label = "FAIL"
		}
		fmt.Fprintf(out, "%s %v\n", label, e)
		var ce *executor.CompilationError
		if errors.As(e, &ce) {
			for _, d := range ce.Errors() {
				fmt.Fprintf(out, "     %s\n", d)
			}
		}
	}
	return fmt.Errorf("%d feature(s) failed", len(failed))
}
