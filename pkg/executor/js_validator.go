package executor

import (
	"fmt"
	"reflect"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
)

func nodeSet(names ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// allowedJSNodes is the authoritative allow set for JavaScript syntax, keyed
// by the parser's node type names. Unknown node types reject: a parser
// upgrade that introduces new syntax keeps the gate closed until the set is
// extended deliberately.
var allowedJSNodes = nodeSet(
	"Program", "BlockStatement", "EmptyStatement", "LabelledStatement",
	"ExpressionStatement", "VariableStatement", "LexicalDeclaration",
	"VariableDeclaration", "Binding",
	"FunctionDeclaration", "FunctionLiteral", "ArrowFunctionLiteral",
	"ParameterList", "ExpressionBody", "ConciseBody", "ReturnStatement",
	"IfStatement", "SwitchStatement", "CaseStatement",
	"ForStatement", "ForInStatement", "ForOfStatement",
	"WhileStatement", "DoWhileStatement", "BranchStatement",
	"ThrowStatement", "TryStatement", "CatchStatement",
	"ForLoopInitializerExpression", "ForLoopInitializerVarDeclList",
	"ForLoopInitializerLexicalDecl", "ForIntoVar", "ForIntoExpression",
	"ForDeclaration",
	"AssignExpression", "BinaryExpression", "UnaryExpression",
	"ConditionalExpression", "SequenceExpression", "CallExpression",
	"NewExpression", "DotExpression", "BracketExpression", "ThisExpression",
	"Identifier", "NumberLiteral", "StringLiteral", "BooleanLiteral",
	"NullLiteral", "RegExpLiteral", "ArrayLiteral", "ObjectLiteral",
	"ObjectPattern", "ArrayPattern", "PropertyKeyed", "PropertyShort",
	"SpreadElement", "TemplateLiteral", "TemplateElement",
)

// blockedJSGlobals reject by identifier name anywhere an identifier is used
// as an expression. require and import are also denied structurally (their
// node types are not in the allow set); the identifier check closes indirect
// references like aliasing.
var blockedJSGlobals = nodeSet(
	"process", "require", "globalThis", "eval", "Function", "Proxy", "Reflect",
)

// validateJavaScriptAST parses in-process and walks every node reachable
// from the program root via reflection. Walking by reflection keeps the
// traversal exhaustive without enumerating each node type's children.
func validateJavaScriptAST(code string) Verdict {
	program, err := parser.ParseFile(nil, "", code, 0)
	if err != nil {
		return Verdict{Safe: false, Reason: fmt.Sprintf("parse error: %v", err)}
	}

	verdict := Verdict{Safe: true}
	walkJS(reflect.ValueOf(program), &verdict)
	return verdict
}

func walkJS(val reflect.Value, verdict *Verdict) {
	if !verdict.Safe || !val.IsValid() {
		return
	}

	switch val.Kind() {
	case reflect.Ptr:
		if val.IsNil() || !val.CanInterface() {
			return
		}
		if node, ok := val.Interface().(ast.Node); ok {
			checkJSNode(node, verdict)
			if !verdict.Safe {
				return
			}
		}
		walkJS(val.Elem(), verdict)

	case reflect.Interface:
		if val.IsNil() || !val.CanInterface() {
			return
		}
		walkJS(reflect.ValueOf(val.Interface()), verdict)

	case reflect.Struct:
		for i := 0; i < val.NumField(); i++ {
			f := val.Field(i)
			if !f.CanInterface() {
				continue
			}
			walkJS(f, verdict)
		}

	case reflect.Slice, reflect.Array:
		for i := 0; i < val.Len(); i++ {
			walkJS(val.Index(i), verdict)
		}
	}
}

// checkJSNode rejects node types outside the allow set and expression-level
// identifiers naming blocked globals. Property names in member expressions
// are value fields, not expression nodes, so obj.process stays legal while a
// bare process reference does not.
func checkJSNode(node ast.Node, verdict *Verdict) {
	t := reflect.TypeOf(node)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	if _, ok := allowedJSNodes[t.Name()]; !ok {
		verdict.Safe = false
		verdict.Reason = fmt.Sprintf("disallowed syntax: %s", t.Name())
		return
	}

	if id, ok := node.(*ast.Identifier); ok {
		if _, blocked := blockedJSGlobals[string(id.Name)]; blocked {
			verdict.Safe = false
			verdict.Reason = fmt.Sprintf("blocked global: %s", id.Name)
		}
	}
}
