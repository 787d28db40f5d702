// Package lua runs user scripts against an adapter through the global ble
// table. The Lua state is only ever touched by the goroutine executing the
// script.
package lua

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
	"github.com/srg/bgatt/internal/ringchan"
)

const (
	SourceStdout = "stdout"
	SourceStderr = "stderr"
)

// DefaultOutputBuffer is the capacity of the engine's output stream.
const DefaultOutputBuffer = 256

// OutputRecord is one chunk of script output.
type OutputRecord struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// LuaError describes a failed script load or run.
type LuaError struct {
	Type       string // "syntax", "runtime", "api"
	Message    string
	Line       int
	Source     string
	Underlying error
}

func (e *LuaError) Error() string {
	var parts []string
	if e.Source != "" {
		parts = append(parts, "in "+e.Source)
	}
	if e.Line > 0 {
		parts = append(parts, fmt.Sprintf("line %d", e.Line))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("Lua %s error: %s", e.Type, e.Message)
	}
	return fmt.Sprintf("Lua %s error (%s): %s", e.Type, strings.Join(parts, ", "), e.Message)
}

func (e *LuaError) Unwrap() error {
	return e.Underlying
}

// Is matches LuaErrors of the same Type.
func (e *LuaError) Is(target error) bool {
	var t *LuaError
	if errors.As(target, &t) {
		return e.Type == t.Type
	}
	return false
}

// parseLuaMessage splits `chunk:line: message` into its line and message.
func parseLuaMessage(msg string) (int, string) {
	parts := strings.SplitN(msg, ":", 3)
	if len(parts) < 3 {
		return 0, msg
	}
	var line int
	if n, err := fmt.Sscanf(strings.TrimSpace(parts[1]), "%d", &line); err != nil || n != 1 {
		return 0, msg
	}
	return line, strings.TrimSpace(parts[2])
}

// Engine owns one Lua state with print() redirected to an output stream.
type Engine struct {
	mu     sync.Mutex
	state  *lua.State
	logger *logrus.Logger
	output *ringchan.RingChannel[OutputRecord]
}

func NewEngine(logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	e := &Engine{
		logger: logger,
		output: ringchan.New[OutputRecord](DefaultOutputBuffer),
	}
	e.Reset()
	return e
}

// Reset replaces the Lua state with a fresh one.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != nil {
		e.state.Close()
	}
	e.state = lua.NewState()
	e.state.OpenLibs()
	e.registerPrint(e.state)
}

// Do runs fn with the Lua state. It returns false when the engine is closed.
func (e *Engine) Do(fn func(L *lua.State)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return false
	}
	fn(e.state)
	return true
}

// OutputChannel streams everything the script prints. Old records are
// dropped when nobody drains it.
func (e *Engine) OutputChannel() <-chan OutputRecord {
	return e.output.C()
}

// Emit publishes a record on the output stream. It must run with the state
// held, i.e. inside Do or a function called from a script.
func (e *Engine) Emit(source, content string) {
	e.output.ForceSend(OutputRecord{Content: content, Timestamp: time.Now(), Source: source})
}

func (e *Engine) registerPrint(L *lua.State) {
	L.PushGoFunction(func(L *lua.State) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			switch {
			case L.IsNil(i):
				parts = append(parts, "nil")
			case L.IsBoolean(i):
				parts = append(parts, fmt.Sprintf("%t", L.ToBoolean(i)))
			case L.IsNumber(i):
				parts = append(parts, fmt.Sprintf("%v", L.ToNumber(i)))
			case L.IsString(i):
				parts = append(parts, L.ToString(i))
			default:
				L.GetGlobal("tostring")
				L.PushValue(i)
				L.Call(1, 1)
				parts = append(parts, L.ToString(-1))
				L.Pop(1)
			}
		}
		e.Emit(SourceStdout, strings.Join(parts, "\t")+"\n")
		return 0
	})
	L.SetGlobal("print")
}

// Execute loads and runs script. name is used in error messages.
func (e *Engine) Execute(script, name string) error {
	if strings.TrimSpace(script) == "" {
		return &LuaError{Type: "api", Message: "empty script", Source: name}
	}

	var runErr error
	ok := e.Do(func(L *lua.State) {
		if status := L.LoadString(script); status != 0 {
			msg := "unknown syntax error"
			if L.IsString(-1) {
				msg = L.ToString(-1)
			}
			L.Pop(1)
			line, text := parseLuaMessage(msg)
			runErr = &LuaError{Type: "syntax", Message: text, Line: line, Source: name}
			return
		}
		if err := L.Call(0, 0); err != nil {
			line, text := parseLuaMessage(err.Error())
			runErr = &LuaError{Type: "runtime", Message: text, Line: line, Source: name, Underlying: err}
			L.SetTop(0)
		}
		if runErr != nil {
			e.Emit(SourceStderr, runErr.Error()+"\n")
		}
	})
	if !ok {
		return &LuaError{Type: "api", Message: "engine closed", Source: name}
	}

	if runErr != nil {
		e.logger.WithError(runErr).Debug("Script failed")
	}
	return runErr
}

// ExecuteFile runs the script stored at path.
func (e *Engine) ExecuteFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read script %s: %w", path, err)
	}
	return e.Execute(string(content), path)
}

// SetGlobal sets a string, number or boolean global.
func (e *Engine) SetGlobal(name string, value any) error {
	var err error
	e.Do(func(L *lua.State) {
		switch v := value.(type) {
		case string:
			L.PushString(v)
		case int:
			L.PushInteger(int64(v))
		case int64:
			L.PushInteger(v)
		case float64:
			L.PushNumber(v)
		case bool:
			L.PushBoolean(v)
		default:
			err = fmt.Errorf("unsupported type %T for global %s", value, name)
			return
		}
		L.SetGlobal(name)
	})
	return err
}

// GetGlobalString returns a string global.
func (e *Engine) GetGlobalString(name string) (string, error) {
	var (
		out string
		err error
	)
	e.Do(func(L *lua.State) {
		L.GetGlobal(name)
		defer L.Pop(1)
		if !L.IsString(-1) {
			err = fmt.Errorf("global variable %s is not a string", name)
			return
		}
		out = L.ToString(-1)
	})
	return out, err
}

// Close releases the Lua state and ends the output stream.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != nil {
		e.state.Close()
		e.state = nil
		e.output.Close()
	}
}
