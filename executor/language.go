package executor

import (
	"strings"
)

// Language is the tag a Source is dispatched on. The set is closed; each
// tag is served by exactly one registered Compiler.
type Language string

const (
	Lua        Language = "lua"
	JavaScript Language = "javascript"
	Go         Language = "go"
	Starlark   Language = "starlark"
	Expr       Language = "expr"
	Wasm       Language = "wasm"
)

// Languages lists every tag in a stable order.
func Languages() []Language {
	return []Language{Lua, JavaScript, Go, Starlark, Expr, Wasm}
}

var aliases = map[string]Language{
	"lua":        Lua,
	"javascript": JavaScript,
	"js":         JavaScript,
	"go":         Go,
	"golang":     Go,
	"starlark":   Starlark,
	"star":       Starlark,
	"expr":       Expr,
	"wasm":       Wasm,
}

// ParseLanguage resolves a tag or alias, case-insensitively.
func ParseLanguage(s string) (Language, error) {
	if lang, ok := aliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lang, nil
	}
	return "", &UnsupportedLanguageError{Language: Language(s)}
}

// LanguageForFile guesses the language from a file extension.
func LanguageForFile(name string) (Language, bool) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return "", false
	}
	switch strings.ToLower(name[i+1:]) {
	case "lua":
		return Lua, true
	case "js", "mjs":
		return JavaScript, true
	case "go":
		return Go, true
	case "star", "bzl":
		return Starlark, true
	case "expr":
		return Expr, true
	case "wasm":
		return Wasm, true
	}
	return "", false
}

func (l Language) String() string { return string(l) }
