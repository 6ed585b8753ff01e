// Package script evaluates JavaScript for Browser.EvalJavaScript.
//
// The engine is single-threaded: every evaluation runs on one Worker
// goroutine, the way the browser engine runs script on its renderer thread.
package script

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// DefaultTimeout bounds one evaluation.
const DefaultTimeout = 5 * time.Second

// EvalError describes a script that threw or failed to compile. It travels as
// the error payload of a failed Reply.
type EvalError struct {
	EndColumn          int    `json:"endColumn"`
	EndPosition        int    `json:"endPosition"`
	LineNumber         int    `json:"lineNumber"`
	Message            string `json:"message"`
	ScriptResourceName string `json:"scriptResourceName"`
	SourceLine         string `json:"sourceLine"`
	StartColumn        int    `json:"startColumn"`
	StartPosition      int    `json:"startPosition"`
}

func (e *EvalError) Error() string {
	if e.ScriptResourceName != "" {
		return fmt.Sprintf("%s:%d:%d: %s", e.ScriptResourceName, e.LineNumber, e.StartColumn, e.Message)
	}
	return fmt.Sprintf("line %d: %s", e.LineNumber, e.Message)
}

// Evaluator runs code and returns its result encoded as JSON text.
type Evaluator interface {
	Eval(ctx context.Context, code, scriptURL string, startLine int) (string, *EvalError)
}

// GojaEvaluator keeps one goja runtime, so globals persist between calls
// like they do within a page.
type GojaEvaluator struct {
	mu      sync.Mutex
	vm      *goja.Runtime
	timeout time.Duration
}

// NewGojaEvaluator creates an evaluator. A zero timeout means DefaultTimeout.
func NewGojaEvaluator(timeout time.Duration) *GojaEvaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	vm := goja.New()
	vm.SetMaxCallStackSize(1024)
	vm.Set("require", goja.Undefined())
	return &GojaEvaluator{vm: vm, timeout: timeout}
}

// Eval compiles and runs code. The result is JSON.stringify of the completion
// value; undefined becomes "null". startLine shifts reported line numbers.
func (g *GojaEvaluator) Eval(ctx context.Context, code, scriptURL string, startLine int) (string, *EvalError) {
	g.mu.Lock()
	defer g.mu.Unlock()

	prog, err := goja.Compile(scriptURL, padLines(code, startLine), false)
	if err != nil {
		return "", toEvalError(err, code, scriptURL, startLine)
	}

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-timer.C:
			g.vm.Interrupt("execution timeout exceeded")
		case <-ctx.Done():
			g.vm.Interrupt("context cancelled")
		case <-finished:
		}
	}()

	val, err := g.vm.RunProgram(prog)
	if err != nil {
		g.vm.ClearInterrupt()
		return "", toEvalError(err, code, scriptURL, startLine)
	}

	out, err := stringify(g.vm, val)
	if err != nil {
		return "", &EvalError{Message: err.Error(), ScriptResourceName: scriptURL, LineNumber: startLine}
	}
	return out, nil
}

func stringify(vm *goja.Runtime, val goja.Value) (string, error) {
	if val == nil || goja.IsUndefined(val) {
		return "null", nil
	}
	jsonObj := vm.Get("JSON").ToObject(vm)
	fn, ok := goja.AssertFunction(jsonObj.Get("stringify"))
	if !ok {
		return "", errors.New("JSON.stringify unavailable")
	}
	out, err := fn(jsonObj, val)
	if err != nil {
		return "", fmt.Errorf("result is not serializable: %w", err)
	}
	if goja.IsUndefined(out) {
		return "null", nil
	}
	return out.String(), nil
}

// padLines prefixes blank lines so goja reports positions relative to startLine.
func padLines(code string, startLine int) string {
	if startLine <= 1 {
		return code
	}
	return strings.Repeat("\n", startLine-1) + code
}

// Positions are taken from the error text: "name:line:col(pc)" stack frames for runtime
// exceptions and "Line l:c" for syntax errors.
var (
	runtimePos = regexp.MustCompile(`:(\d+):(\d+)\(`)
	syntaxPos  = regexp.MustCompile(`Line (\d+):(\d+)`)
)

func toEvalError(err error, code, scriptURL string, startLine int) *EvalError {
	e := &EvalError{Message: err.Error(), ScriptResourceName: scriptURL}

	var exc *goja.Exception
	var syntax *goja.CompilerSyntaxError
	var interrupted *goja.InterruptedError
	switch {
	case errors.As(err, &interrupted):
		e.Message = fmt.Sprint(interrupted.Value())
	case errors.As(err, &exc):
		e.Message = exc.Value().String()
		e.LineNumber, e.StartColumn = position(runtimePos, err.Error())
	case errors.As(err, &syntax):
		e.Message = syntax.Message
		e.LineNumber, e.StartColumn = position(syntaxPos, err.Error())
	}

	if e.StartColumn > 0 {
		e.EndColumn = e.StartColumn + 1
	}
	if e.LineNumber == 0 {
		e.LineNumber = max(startLine, 1)
	}
	e.SourceLine = sourceLine(code, e.LineNumber-max(startLine, 1)+1)
	if e.SourceLine != "" && e.StartColumn > 0 {
		e.StartPosition = offsetOf(code, e.LineNumber-max(startLine, 1)+1, e.StartColumn)
		e.EndPosition = e.StartPosition + 1
	}
	return e
}

func position(re *regexp.Regexp, text string) (line, col int) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0, 0
	}
	line, _ = strconv.Atoi(m[1])
	col, _ = strconv.Atoi(m[2])
	return line, col
}

// offsetOf converts a 1-based line and column of code into a byte offset.
func offsetOf(code string, line, col int) int {
	off := 0
	for i, l := range strings.SplitAfter(code, "\n") {
		if i == line-1 {
			return off + col - 1
		}
		off += len(l)
	}
	return off
}

func sourceLine(code string, n int) string {
	lines := strings.Split(code, "\n")
	if n < 1 || n > len(lines) {
		return ""
	}
	return lines[n-1]
}
