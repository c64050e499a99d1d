// Package hostfunc provides the Go functions and shared state that scripts
// can reach from inside their runtime.
//
// # Registry
//
// The [Registry] maps names to [Func] values. Every script language binds
// the registered functions as read-only callables taking one table/object
// argument:
//
//	registry := hostfunc.NewRegistry()
//	registry.Register("greet", func(ctx context.Context, args map[string]any) (any, error) {
//	    return "Hello, " + args["name"].(string), nil
//	})
//
//	-- Lua:        greet({name = "World"})
//	// JavaScript: greet({name: "World"})
//	# Starlark:    greet(name = "World")
//
// # Shared Store
//
// [Store] is the process-wide key-value state shared by all scripts and
// application code. It is versioned: [Store.Snapshot] returns a copy and the
// version it reflects. Runtime pools take one snapshot when they are created,
// so later mutations only reach new pools. Live access goes through the
// shared_get/shared_set/shared_delete/shared_keys functions bound by
// [Store.Register].
//
// # HTTP
//
// [HTTP] gives scripts outbound access to explicitly allowed hosts only:
//
//	hostfunc.NewHTTP(hostfunc.HTTPConfig{
//	    AllowedHosts: []string{"api.example.com"},
//	}).Register(registry)
//
// # Files
//
// [Files] exposes host directories under script-visible paths. Each mount is
// read-only (ro), read-write (rw) or read-write-create (rwc), and every path
// is resolved inside an [os.Root], so ".." and symlinks cannot leave it:
//
//	files, err := hostfunc.NewFiles(hostfunc.FilesConfig{
//	    Mounts: []hostfunc.Mount{{Path: "/data", Dir: "./data", Mode: hostfunc.MountReadOnly}},
//	})
//	files.Register(registry)
//
//	-- Lua: file_read({path = "/data/config.json"})
package hostfunc
