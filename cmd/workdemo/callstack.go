package workdemo

import (
	"path/filepath"
	"reflect"
	"regexp"
	"runtime"
	"strings"

	"github.com/Emyrk/callhook/hook/callsite"
)

// Tracer receives the call and return notifications a host would send.
// *hook.Session satisfies it.
type Tracer interface {
	Call(info callsite.DebugInfo, isTail bool)
	Return()
}

var workAmount = 200000

// closureName matches the names the compiler gives function literals.
var closureName = regexp.MustCompile(`\.func\d+(\.\d+)*$`)

// Describe builds the debug info for fn from the runtime symbol table.
// Function literals are reported without a name.
func Describe(fn any) callsite.DebugInfo {
	pc := reflect.ValueOf(fn).Pointer()
	f := runtime.FuncForPC(pc)
	if f == nil {
		return callsite.DebugInfo{LineDefined: callsite.LineUnknown, Identity: pc}
	}

	file, line := f.FileLine(f.Entry())
	info := callsite.DebugInfo{
		Source:      filepath.Base(file),
		LineDefined: line,
		Identity:    pc,
	}
	if full := f.Name(); !closureName.MatchString(full) {
		info.Name = full[strings.LastIndexByte(full, '.')+1:]
	}
	return info
}

// Root runs the call chains rounds times. CallStackThree reaches
// CallStackFour through a tail call, and every round also runs two
// function literals.
func Root(t Tracer, rounds int) int {
	count := 0
	for i := 0; i < rounds; i++ {
		count = CallStackOne(t, count)
		count = anonymous(t, double, count)
		count = anonymous(t, halve, count)
	}
	return count
}

func CallStackOne(t Tracer, count int) int {
	t.Call(Describe(CallStackOne), false)
	defer t.Return()

	return CallStackTwo(t, spin(count))
}

func CallStackTwo(t Tracer, count int) int {
	t.Call(Describe(CallStackTwo), false)
	defer t.Return()

	return CallStackThree(t, spin(count))
}

func CallStackThree(t Tracer, count int) int {
	t.Call(Describe(CallStackThree), false)
	defer t.Return()

	count = spin(count)
	// CallStackFour replaces this frame, the deferred return closes both.
	t.Call(Describe(CallStackFour), true)
	return CallStackFour(count)
}

func CallStackFour(count int) int {
	return spin(count)
}

func anonymous(t Tracer, fn func(int) int, count int) int {
	t.Call(Describe(fn), false)
	defer t.Return()
	return fn(count)
}

// Both literals start on one line so they share a call site unless told
// apart by identity.
var double, halve = func(count int) int { return spin(count * 2) }, func(count int) int { return spin(count / 2) }

func spin(count int) int {
	for i := 0; i < workAmount; i++ {
		count += i
		if i%2 == 0 {
			count = count / 2
		}
	}
	return count
}
