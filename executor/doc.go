// Package executor turns scripts into reusable HTTP request handlers.
//
// # Overview
//
// Every [Source] carries a [Language] tag. The [Executor] keeps one
// [Compiler] per tag and dispatches on it; adding a language means
// registering another strategy:
//
//	exec, err := executor.New(
//	    executor.WithCompilers(language.Builtin()...),
//	    executor.WithPoolSize(1, 4),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer exec.Drain(context.Background())
//
//	h, err := exec.Compile(ctx, executor.Source{
//	    Language: executor.Lua,
//	    Code:     `response.write("Hi")`,
//	})
//
// # Compiled and pooled languages
//
// Compiled languages build their artifact synchronously inside Compile and
// report problems as a [*CompilationError] with per-line diagnostics.
//
// Pooled languages implement [Interpreter] and are adapted with
// [Interpreted]. Their runtimes are stateful and single-owner, so each
// invocation checks one out of a [pool.Pool], runs, and hands it back.
// Pools are created lazily, one per language and feature area, from the
// session template available at that moment:
//
//	exec.Compile(ctx, src, executor.ForFeature("task", 0, 1))
//
// # Requests
//
// Handlers read a [Request] and write a buffered [Response]; nothing reaches
// the client until the handler returns.
package executor
