package attribution

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

// DefaultInstructionLimit caps the Lua opcodes a single Match may execute.
const DefaultInstructionLimit = 10_000

// replyFunc is the global a reply script must define.
const replyFunc = "is_reply"

// ErrNoReplyFunc is returned when a script does not define is_reply.
var ErrNoReplyFunc = errors.New("script does not define is_reply(text)")

// countingContext cancels itself after Done() has been called limit times.
// GopherLua calls Done() once per opcode, which makes this an exact
// instruction limit.
type countingContext struct {
	context.Context
	cancel    context.CancelFunc
	remaining *atomic.Int64
}

func (c *countingContext) Done() <-chan struct{} {
	if c.remaining.Add(-1) <= 0 {
		c.cancel()
	}
	return c.Context.Done()
}

func newCountingContext(limit int) (context.Context, context.CancelFunc) {
	base, cancel := context.WithCancel(context.Background())
	rem := &atomic.Int64{}
	rem.Store(int64(limit))
	return &countingContext{Context: base, cancel: cancel, remaining: rem}, cancel
}

// newSandboxedState creates an LState with only base, table, string and math
// loaded and the file/loader globals removed.
func newSandboxedState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range []string{"dofile", "loadfile", "load", "collectgarbage", "require", "print"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// LuaMatcher evaluates a sandboxed Lua predicate is_reply(text) -> boolean.
// It is safe for concurrent use; calls are serialized.
type LuaMatcher struct {
	mu    sync.Mutex
	L     *lua.LState
	fn    *lua.LFunction
	limit int
}

// NewLuaMatcher compiles source and resolves its is_reply function.
//
// Precondition: instLimit >= 0; 0 uses DefaultInstructionLimit.
// Postcondition: Returns ErrNoReplyFunc when source does not define is_reply.
func NewLuaMatcher(source string, instLimit int) (*LuaMatcher, error) {
	if instLimit <= 0 {
		instLimit = DefaultInstructionLimit
	}
	L := newSandboxedState()
	ctx, cancel := newCountingContext(instLimit)
	defer cancel()
	L.SetContext(ctx)
	if err := L.DoString(source); err != nil {
		L.Close()
		return nil, fmt.Errorf("loading reply script: %w", err)
	}
	fn, ok := L.GetGlobal(replyFunc).(*lua.LFunction)
	if !ok {
		L.Close()
		return nil, ErrNoReplyFunc
	}
	return &LuaMatcher{L: L, fn: fn, limit: instLimit}, nil
}

// LoadLuaMatcher reads a reply script from path.
func LoadLuaMatcher(path string, instLimit int) (*LuaMatcher, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading reply script: %w", err)
	}
	return NewLuaMatcher(string(data), instLimit)
}

// Match calls is_reply(text). A script error or an exhausted instruction
// budget counts as no match.
func (m *LuaMatcher) Match(text string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := newCountingContext(m.limit)
	defer cancel()
	m.L.SetContext(ctx)

	err := m.L.CallByParam(lua.P{Fn: m.fn, NRet: 1, Protect: true}, lua.LString(text))
	if err != nil {
		return false
	}
	ret := m.L.Get(-1)
	m.L.Pop(1)
	return lua.LVAsBool(ret)
}

// Close releases the Lua state.
func (m *LuaMatcher) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.L.Close()
}

// Any matches when at least one of its matchers does.
type Any []ReplyMatcher

// Match implements ReplyMatcher.
func (a Any) Match(text string) bool {
	for _, m := range a {
		if m.Match(text) {
			return true
		}
	}
	return false
}
