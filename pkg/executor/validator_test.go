package executor

import (
	"context"
	"log/slog"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/edgecoder/edgecoder/pkg/models"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	return NewValidator("python3", 5*time.Second, slog.Default())
}

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
}

func TestDenylist_Python(t *testing.T) {
	tests := []struct {
		name string
		code string
		safe bool
	}{
		{"plain arithmetic", "x = 1 + 2\nprint(x)", true},
		{"import os", "import os\nos.system('ls')", false},
		{"from subprocess", "from subprocess import run", false},
		{"dunder import", "__import__('os')", false},
		{"eval call", "eval('1+1')", false},
		{"exec call", "exec('pass')", false},
		{"open call", "f = open('/etc/passwd')", false},
		{"indented import", "def f():\n    import socket", false},
		{"import json not prefiltered", "import json", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := applyDenylist(pythonDenylist, tt.code)
			assert.Equal(t, tt.safe, verdict.Safe, "reason: %s", verdict.Reason)
		})
	}
}

func TestDenylist_JavaScript(t *testing.T) {
	tests := []struct {
		name string
		code string
		safe bool
	}{
		{"plain function", "function add(a, b) { return a + b; }", true},
		{"require fs", "const fs = require('fs');", false},
		{"process member", "process.exit(1);", false},
		{"static import", "import fs from 'fs';", false},
		{"dynamic import", "const m = await import('fs');", false},
		{"eval call", "eval('1+1');", false},
		{"function constructor", "new Function('return 1')();", false},
		{"globalThis", "globalThis.x = 1;", false},
		{"fetch", "fetch('http://example.com');", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := applyDenylist(javascriptDenylist, tt.code)
			assert.Equal(t, tt.safe, verdict.Safe, "reason: %s", verdict.Reason)
		})
	}
}

func TestJavaScriptAST(t *testing.T) {
	tests := []struct {
		name string
		code string
		safe bool
	}{
		{
			name: "functions loops and templates",
			code: "function fib(n) {\n  let a = 0, b = 1;\n  for (let i = 0; i < n; i++) {\n    const t = a + b;\n    a = b;\n    b = t;\n  }\n  return a;\n}\nconsole.log(`fib: ${fib(10)}`);",
			safe: true,
		},
		{
			name: "arrow functions and arrays",
			code: "const xs = [1, 2, 3].map((x) => x * 2);\nconsole.log(xs.join(','));",
			safe: true,
		},
		{
			// Passes the regex stage (no dot after process) but the AST
			// stage rejects the bare identifier.
			name: "bare process reference",
			code: "const p = process;",
			safe: false,
		},
		{
			name: "aliased eval",
			code: "const e = eval;",
			safe: false,
		},
		{
			name: "bare Function reference",
			code: "const F = Function;",
			safe: false,
		},
		{
			name: "class declaration outside subset",
			code: "class Point { }",
			safe: false,
		},
		{
			name: "parse error",
			code: "function {",
			safe: false,
		},
		{
			name: "own property named like a global",
			code: "const obj = {};\nobj.x = 1;\nconsole.log(obj.x);",
			safe: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := validateJavaScriptAST(tt.code)
			assert.Equal(t, tt.safe, verdict.Safe, "reason: %s", verdict.Reason)
		})
	}
}

func TestPythonAST(t *testing.T) {
	requirePython(t)
	v := newTestValidator(t)
	ctx := context.Background()

	tests := []struct {
		name string
		code string
		safe bool
	}{
		{
			name: "functions and loops",
			code: "def fib(n):\n    a, b = 0, 1\n    for _ in range(n):\n        a, b = b, a + b\n    return a\n\nprint(fib(10))",
			safe: true,
		},
		{
			name: "comprehensions",
			code: "xs = [x * x for x in range(10) if x % 2 == 0]\nprint(sum(xs))",
			safe: true,
		},
		{
			// The regex stage does not list json; the AST stage rejects any
			// Import node.
			name: "import json",
			code: "import json\nprint(json.dumps({}))",
			safe: false,
		},
		{
			name: "getattr",
			code: "x = getattr([], 'append')",
			safe: false,
		},
		{
			name: "dunder attribute",
			code: "d = {}.__class__",
			safe: false,
		},
		{
			name: "parse error",
			code: "def f(:",
			safe: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := v.Validate(ctx, models.LangPython, tt.code)
			assert.Equal(t, tt.safe, verdict.Safe, "reason: %s", verdict.Reason)
		})
	}
}

func TestValidate_UnsupportedLanguage(t *testing.T) {
	v := newTestValidator(t)
	verdict := v.Validate(context.Background(), models.Language("ruby"), "puts 1")
	assert.False(t, verdict.Safe)
	assert.Contains(t, verdict.Reason, "unsupported language")
}
