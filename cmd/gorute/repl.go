package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/caffeineduck/gorute/executor"
	"github.com/caffeineduck/gorute/hostfunc"
	"github.com/caffeineduck/gorute/session"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

// ReplFeature names the single-runtime pool the REPL evaluates in, so
// interpreted languages keep their globals between inputs.
const ReplFeature = "repl"

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Evaluate handler snippets interactively",
	Long: `Start an interactive loop that compiles each input as a handler and
invokes it against the current request. Lua and javascript inputs share
one runtime, so globals persist between inputs.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)

Request commands:
  .method VERB    set the request method
  .path /p?q=1    set the request path and query
  .body text      set the request body
  .request        show the current request

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
	Args: cobra.NoArgs,
	RunE: runRepl,
}

func init() {
	replCmd.Flags().String("lang", "lua", "Language")
	replCmd.Flags().String("history", "", "History file path (default: ~/.gorute_history)")
	rootCmd.AddCommand(replCmd)
}

// lineReader is the part of *readline.Instance the loop uses.
type lineReader interface {
	Readline() (string, error)
	SetPrompt(string)
}

const (
	prompt     = ">>> "
	contPrompt = "... "
)

func runRepl(cmd *cobra.Command, args []string) error {
	langFlag, _ := cmd.Flags().GetString("lang")
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".gorute_history")
	}

	lang, err := getLanguage(langFlag, "")
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
	cs, err := compilers(cfg, logger)
	if err != nil {
		return err
	}

	store := hostfunc.NewStore(hostfunc.DefaultStoreConfig())
	funcs := hostfunc.NewRegistry()
	funcs.Register("time_now", hostfunc.TimeNow)
	store.Register(funcs)

	exec, err := executor.New(
		executor.WithCompilers(cs...),
		executor.WithTimeout(cfg.GetExecutionTimeout()),
		executor.WithLogger(logger.Named("executor")),
		executor.WithTemplate(&session.Builder{
			Identity:  session.Identity{Name: cfg.Host.Name, Version: cfg.Host.Version, Environment: "repl"},
			Store:     store,
			Variables: cfg.Variables,
			Functions: funcs,
		}),
	)
	if err != nil {
		return err
	}
	defer exec.Drain(context.Background())

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            prompt,
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(cmd.ErrOrStderr(), "gorute %s REPL (type 'exit' to quit, Ctrl+D to exit)\n", lang)
	return repl(cmd.Context(), exec, lang, rl, cmd.OutOrStdout(), cmd.ErrOrStderr())
}

func repl(ctx context.Context, exec *executor.Executor, lang executor.Language, rl lineReader, out, errOut io.Writer) error {
	req := &executor.Request{Method: http.MethodGet, Path: "/", Header: http.Header{}}

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				multiLine.Reset()
				inMultiLine = false
				rl.SetPrompt(prompt)
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(out)
				return nil
			}
			return err
		}

		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt(contPrompt)
			continue
		}
		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt(prompt)
		}

		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == "exit" || line == "quit":
			return nil
		case strings.HasPrefix(line, "."):
			if err := requestCommand(req, line, out); err != nil {
				fmt.Fprintf(errOut, "Error: %v\n", err)
			}
			continue
		}

		h, err := exec.Compile(ctx, executor.Source{Language: lang, Code: line, Name: "repl"}, executor.ForFeature(ReplFeature, 0, 1))
		if err != nil {
			fmt.Fprintf(errOut, "Error: %v\n", err)
			continue
		}
		resp := executor.NewResponse()
		if err := h.Invoke(ctx, req, resp); err != nil {
			fmt.Fprintf(errOut, "Error: %v\n", err)
			continue
		}
		body := string(resp.Body())
		if status := resp.Status(); status != http.StatusOK {
			fmt.Fprintf(out, "[%d] ", status)
		}
		fmt.Fprint(out, body)
		if !strings.HasSuffix(body, "\n") {
			fmt.Fprintln(out)
		}
	}
}

func requestCommand(req *executor.Request, line string, out io.Writer) error {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case ".method":
		req.Method = strings.ToUpper(arg)
	case ".path":
		r, err := http.NewRequest(http.MethodGet, arg, nil)
		if err != nil {
			return err
		}
		req.Path, req.Query = r.URL.Path, r.URL.Query()
	case ".body":
		req.Body = []byte(arg)
	case ".request":
		fmt.Fprintf(out, "%s %s?%s (%d bytes)\n", req.Method, req.Path, req.Query.Encode(), len(req.Body))
	default:
		return fmt.Errorf("unknown command %s", name)
	}
	return nil
}
