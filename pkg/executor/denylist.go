package executor

import "regexp"

// denyPattern is one stage-one rejection rule. The reason string is surfaced
// on the RunResult so escalation payloads say why the code never ran.
type denyPattern struct {
	re     *regexp.Regexp
	reason string
}

func compileDenylist(rules [][2]string) []denyPattern {
	out := make([]denyPattern, 0, len(rules))
	for _, r := range rules {
		out = append(out, denyPattern{re: regexp.MustCompile(r[0]), reason: r[1]})
	}
	return out
}

// Stage one is a cheap pre-filter: it catches the obvious escapes without
// parsing. The AST stage behind it is authoritative, so false negatives here
// are caught later; false positives only cost an escalation.
var pythonDenylist = compileDenylist([][2]string{
	{`(?m)^\s*(?:import|from)\s+(?:os|sys|subprocess|socket|shutil|pathlib|ctypes|multiprocessing|threading|http|urllib|requests)\b`, "imports a system module"},
	{`\b__import__\s*\(`, "calls __import__"},
	{`\beval\s*\(`, "calls eval"},
	{`\bexec\s*\(`, "calls exec"},
	{`\bcompile\s*\(`, "calls compile"},
	{`\bopen\s*\(`, "calls open"},
	{`\bglobals\s*\(`, "calls globals"},
	{`\bbreakpoint\s*\(`, "calls breakpoint"},
})

var javascriptDenylist = compileDenylist([][2]string{
	{`\brequire\s*\(`, "calls require"},
	{`(?m)^\s*import\s`, "uses import"},
	{`\bimport\s*\(`, "uses dynamic import"},
	{`\bprocess\s*\.`, "accesses process"},
	{`\bchild_process\b`, "references child_process"},
	{`\bfs\s*\.`, "accesses fs"},
	{`\beval\s*\(`, "calls eval"},
	{`\bFunction\s*\(`, "calls the Function constructor"},
	{`\bglobalThis\b`, "accesses globalThis"},
	{`\bXMLHttpRequest\b|\bfetch\s*\(`, "performs network I/O"},
})
