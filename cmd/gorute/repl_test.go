package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/caffeineduck/gorute/executor"
	"github.com/caffeineduck/gorute/language/lua"
	"github.com/chzyer/readline"
)

type scriptedReader struct {
	lines   []string
	prompts []string
}

func (r *scriptedReader) Readline() (string, error) {
	if len(r.lines) == 0 {
		return "", io.EOF
	}
	line := r.lines[0]
	r.lines = r.lines[1:]
	if line == "^C" {
		return "", readline.ErrInterrupt
	}
	return line, nil
}

func (r *scriptedReader) SetPrompt(p string) { r.prompts = append(r.prompts, p) }

func runScripted(t *testing.T, lines ...string) (string, string, *scriptedReader) {
	t.Helper()
	exec, err := executor.New(executor.WithCompilers(executor.Interpreted(lua.New())))
	if err != nil {
		t.Fatal(err)
	}
	defer exec.Drain(context.Background())

	rl := &scriptedReader{lines: lines}
	var out, errOut bytes.Buffer
	if err := repl(context.Background(), exec, executor.Lua, rl, &out, &errOut); err != nil {
		t.Fatalf("repl failed: %v", err)
	}
	return out.String(), errOut.String(), rl
}

func TestReplPersistsGlobals(t *testing.T) {
	out, errOut, _ := runScripted(t,
		"x = 41",
		"return x + 1",
		"exit",
		"return 'never'",
	)
	if errOut != "" {
		t.Errorf("unexpected errors: %s", errOut)
	}
	if out != "\n42\n" {
		t.Errorf("unexpected output %q", out)
	}
}

func TestReplMultiLine(t *testing.T) {
	out, _, rl := runScripted(t,
		`local a = 1 \`,
		"return a + 1",
	)
	if !strings.Contains(out, "2\n") {
		t.Errorf("unexpected output %q", out)
	}
	if len(rl.prompts) != 2 || rl.prompts[0] != contPrompt || rl.prompts[1] != prompt {
		t.Errorf("unexpected prompts %q", rl.prompts)
	}
}

func TestReplInterruptDropsPartialInput(t *testing.T) {
	out, errOut, _ := runScripted(t,
		`return (\`,
		"^C",
		"return 'clean'",
	)
	if errOut != "" {
		t.Errorf("partial input should be dropped, got %s", errOut)
	}
	if !strings.Contains(out, "clean") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestReplRequestCommands(t *testing.T) {
	out, errOut, _ := runScripted(t,
		".method post",
		".path /items?id=7",
		".body hello",
		`return request.method .. " " .. request.path .. " " .. request.query.id .. " " .. request.body`,
		".request",
		".bogus",
	)
	if !strings.Contains(out, "POST /items 7 hello\n") {
		t.Errorf("unexpected output %q", out)
	}
	if !strings.Contains(out, "POST /items?id=7 (5 bytes)") {
		t.Errorf(".request output missing: %q", out)
	}
	if !strings.Contains(errOut, "unknown command .bogus") {
		t.Errorf("expected unknown command error, got %q", errOut)
	}
}

func TestReplReportsErrors(t *testing.T) {
	out, errOut, _ := runScripted(t,
		"return (",
		`error("boom")`,
		"return 'still alive'",
	)
	if strings.Count(errOut, "Error:") != 2 {
		t.Errorf("expected two errors, got %q", errOut)
	}
	if !strings.Contains(out, "still alive") {
		t.Errorf("unexpected output %q", out)
	}
}
