package agent

import (
	"fmt"
	"strings"

	"github.com/edgecoder/edgecoder/pkg/models"
)

// The prompts keep the model inside the executable subset: self-contained
// programs, no imports, no I/O beyond stdout. The rules mirror what the
// subset validator enforces so a cooperative model rarely trips it.

// planPromptTemplate asks for a short numbered plan.
// %s = language, %s = task.
const planPromptTemplate = `You are planning a small %s program.

Task:
%s

Write a short numbered plan (3-5 steps) for solving this task. Plan only, no code.`

// codePromptTemplate asks for the program itself.
// %s = language, %s = task, %s = optional plan section, %s = subset rules.
const codePromptTemplate = `Write a complete %s program for this task.

Task:
%s
%s
Rules:
%s

Reply with a single fenced code block and nothing else.`

// reflectPromptTemplate asks for a corrected program given the previous
// failure. %s = language, %s = task, %s = language again for the fence,
// %s = previous code, %s = error output, %s = subset rules.
const reflectPromptTemplate = `Your previous %s program failed. Fix it.

Task:
%s

Previous attempt:
` + "```%s\n%s\n```" + `

Error output:
%s

Rules:
%s

Reply with the corrected program in a single fenced code block and nothing else.`

// maxReflectStderr bounds how much error output rides in a reflect prompt.
const maxReflectStderr = 2000

// PlanPrompt builds the iteration-one planning prompt.
func PlanPrompt(task string, lang models.Language) string {
	return fmt.Sprintf(planPromptTemplate, lang, strings.TrimSpace(task))
}

// CodePrompt builds the code-generation prompt. The plan section is omitted
// when planning failed or produced nothing.
func CodePrompt(task, plan string, lang models.Language) string {
	planSection := ""
	if plan = strings.TrimSpace(plan); plan != "" {
		planSection = "\nPlan:\n" + plan + "\n"
	}
	return fmt.Sprintf(codePromptTemplate, lang, strings.TrimSpace(task), planSection, subsetRules(lang))
}

// ReflectPrompt builds the fix-it prompt from the previous code and stderr.
func ReflectPrompt(task, code, stderr string, lang models.Language) string {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		stderr = "(no error output; the program exited non-zero)"
	}
	if len(stderr) > maxReflectStderr {
		stderr = stderr[:maxReflectStderr] + "\n... [truncated]"
	}
	return fmt.Sprintf(reflectPromptTemplate, lang, strings.TrimSpace(task), lang, code, stderr, subsetRules(lang))
}

func subsetRules(lang models.Language) string {
	if lang == models.LangJavaScript {
		return `- Self-contained JavaScript, no require or import.
- No file, network, process or environment access.
- No eval or Function constructors.
- Print results with console.log.`
	}
	return `- Self-contained Python, no import statements.
- No file, network, process or environment access.
- No exec, eval or dunder attribute tricks.
- Print results with print().`
}
