package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// pythonASTScript is the out-of-process analysis helper. It reads the
// candidate code on stdin and prints a one-line JSON verdict. The verdict is
// always exit code 0; a non-zero exit means the helper itself broke.
//
// The walk allowlists node types by name and additionally blocks calls to
// escape-hatch builtins and any dunder attribute access. Import nodes are
// simply absent from the allow set.
const pythonASTScript = `
import ast, json, sys

ALLOWED = {
    "Module", "Expr", "Expression", "Interactive",
    "FunctionDef", "arguments", "arg", "Lambda", "Return",
    "Assign", "AugAssign", "AnnAssign", "NamedExpr",
    "For", "While", "If", "Break", "Continue", "Pass",
    "BoolOp", "And", "Or",
    "BinOp", "Add", "Sub", "Mult", "Div", "Mod", "Pow", "FloorDiv",
    "LShift", "RShift", "BitOr", "BitXor", "BitAnd", "MatMult",
    "UnaryOp", "Invert", "Not", "UAdd", "USub",
    "IfExp", "Dict", "Set", "List", "Tuple",
    "ListComp", "SetComp", "DictComp", "GeneratorExp", "comprehension",
    "Compare", "Eq", "NotEq", "Lt", "LtE", "Gt", "GtE",
    "Is", "IsNot", "In", "NotIn",
    "Call", "keyword",
    "Constant", "JoinedStr", "FormattedValue",
    "Attribute", "Subscript", "Slice", "Starred", "Name",
    "Load", "Store", "Del", "Delete",
    "Assert", "Raise", "Try", "ExceptHandler", "With", "withitem",
    "Yield", "YieldFrom", "Global", "Nonlocal",
}

BLOCKED_CALLS = {
    "open", "exec", "eval", "compile", "__import__",
    "globals", "locals", "vars", "dir",
    "getattr", "setattr", "delattr",
    "input", "breakpoint", "exit", "quit", "help",
}

def verdict(safe, reason=""):
    sys.stdout.write(json.dumps({"safe": safe, "reason": reason}))
    sys.exit(0)

src = sys.stdin.read()
try:
    tree = ast.parse(src)
except SyntaxError as e:
    verdict(False, "parse error: %s" % e)

for node in ast.walk(tree):
    name = type(node).__name__
    if name not in ALLOWED:
        verdict(False, "disallowed syntax: %s" % name)
    if isinstance(node, ast.Call):
        f = node.func
        if isinstance(f, ast.Name) and f.id in BLOCKED_CALLS:
            verdict(False, "blocked builtin: %s" % f.id)
    if isinstance(node, ast.Attribute) and node.attr.startswith("__"):
        verdict(False, "dunder attribute access: %s" % node.attr)
    if isinstance(node, ast.Name) and node.id == "__builtins__":
        verdict(False, "blocked name: __builtins__")

verdict(True)
`

// validatePythonAST shells out to the analysis helper. The caller supplies a
// context already bounded by the validator timeout.
func (v *Validator) validatePythonAST(ctx context.Context, code string) Verdict {
	cmd := exec.CommandContext(ctx, v.pythonBin, "-c", pythonASTScript)
	cmd.Stdin = strings.NewReader(code)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Verdict{Safe: false, Reason: "validator timeout"}
		}
		return Verdict{Safe: false, Reason: fmt.Sprintf("validator unavailable: %v", err)}
	}

	var verdict Verdict
	if err := json.Unmarshal(stdout.Bytes(), &verdict); err != nil {
		return Verdict{Safe: false, Reason: fmt.Sprintf("validator produced malformed verdict: %v", err)}
	}
	return verdict
}
