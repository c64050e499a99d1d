package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caffeineduck/gorute/executor"
	"github.com/caffeineduck/gorute/session"
	"github.com/spf13/cobra"
)

// TaskFeature names the pool ad-hoc runs use.
const TaskFeature = "task"

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run a handler once",
	Long: `Compile a handler and invoke it once with a synthetic request.

Code can be provided via:
  - File argument: gorute run hello.lua
  - Inline flag: gorute run --lang lua -c 'return "Hi"'
  - Stdin: echo 'return "Hi"' | gorute run --lang lua

The response body is printed to stdout. A status of 400 or more exits
non-zero.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringP("code", "c", "", "Code to execute")
	runCmd.Flags().String("lang", "", "Language (default: from file extension)")
	runCmd.Flags().Duration("timeout", 30*time.Second, "Execution timeout")
	runCmd.Flags().StringP("method", "X", http.MethodGet, "Request method")
	runCmd.Flags().String("path", "/", "Request path, may include a query")
	runCmd.Flags().StringP("data", "d", "", "Request body")
	runCmd.Flags().StringArrayP("header", "H", nil, "Request header Name: value (repeatable)")
	runCmd.Flags().StringToString("arg", nil, "Handler argument name=value (repeatable)")
	rootCmd.AddCommand(runCmd)
}

func readSource(cmd *cobra.Command, args []string) (code, filename string, err error) {
	if c, _ := cmd.Flags().GetString("code"); c != "" {
		return c, "", nil
	}
	if len(args) > 0 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", "", err
		}
		return string(data), args[0], nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", "", err
	}
	return string(data), "", nil
}

func buildRequest(cmd *cobra.Command) (*executor.Request, error) {
	method, _ := cmd.Flags().GetString("method")
	path, _ := cmd.Flags().GetString("path")
	body, _ := cmd.Flags().GetString("data")
	headers, _ := cmd.Flags().GetStringArray("header")

	u, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}
	req := &executor.Request{
		Method: strings.ToUpper(method),
		Path:   u.Path,
		Header: http.Header{},
		Query:  u.Query(),
		Body:   []byte(body),
	}
	for _, h := range headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("invalid header %q (expected Name: value)", h)
		}
		req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return req, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	code, filename, err := readSource(cmd, args)
	if err != nil {
		return err
	}
	if strings.TrimSpace(code) == "" {
		return cmd.Help()
	}
	langFlag, _ := cmd.Flags().GetString("lang")
	lang, err := getLanguage(langFlag, filename)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cs, err := compilers(cfg, logger)
	if err != nil {
		return err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	exec, err := executor.New(
		executor.WithCompilers(cs...),
		executor.WithTimeout(timeout),
		executor.WithLogger(logger.Named("executor")),
		executor.WithTemplate(&session.Builder{
			Identity: session.Identity{
				Name:        cfg.Host.Name,
				Version:     cfg.Host.Version,
				Environment: cfg.Host.Environment,
			},
			Variables: cfg.Variables,
		}),
	)
	if err != nil {
		return err
	}
	defer exec.Drain(context.Background())

	argFlags, _ := cmd.Flags().GetStringToString("arg")
	handlerArgs := make(map[string]any, len(argFlags))
	for k, v := range argFlags {
		handlerArgs[k] = v
	}

	ctx := cmd.Context()
	h, err := exec.Compile(ctx, executor.Source{
		Language: lang,
		Code:     code,
		Name:     filename,
		Args:     handlerArgs,
	}, executor.ForFeature(TaskFeature, 0, 1))
	if err != nil {
		return err
	}

	req, err := buildRequest(cmd)
	if err != nil {
		return err
	}
	resp := executor.NewResponse()
	if err := h.Invoke(ctx, req, resp); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	out.Write(resp.Body())
	if status := resp.Status(); status >= 400 {
		return fmt.Errorf("handler returned status %d", status)
	}
	return nil
}
