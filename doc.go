// Package gorute hosts HTTP routes whose handlers are scripts.
//
// # Overview
//
// A handler is compiled once at registration and invoked per request.
// Interpreted languages (lua, javascript) borrow a runtime from a bounded
// pool; compiled languages (go, starlark, expr, wasm) are invoked directly.
// Every runtime starts from the same session template: host identity,
// configured variables, a snapshot of the shared store and the host
// functions.
//
// # Basic Usage
//
//	h, _ := host.New(host.Options{
//	    Identity: session.Identity{Name: "demo"},
//	})
//	h.RegisterScript("/hello/{name}", []string{"GET"}, executor.Source{
//	    Language: executor.Lua,
//	    Code:     `return "Hello, " .. request.params.name`,
//	}, route.Metadata{})
//
//	if err := h.Configure(ctx); err != nil {
//	    log.Print(err) // failed routes are left out
//	}
//	h.Start(ctx, ":8080")
//	defer h.Stop(ctx)
//
// # Standalone execution
//
//	exec, _ := executor.New(executor.WithCompilers(expr.New()))
//	handler, _ := exec.Compile(ctx, executor.Source{Language: executor.Expr, Code: `"Hi"`})
//	resp := executor.NewResponse()
//	handler.Invoke(ctx, &executor.Request{Method: "GET", Path: "/"}, resp)
//
// See the [executor], [pool], [session], [route], [host] and [language]
// packages for detailed API documentation.
package gorute
