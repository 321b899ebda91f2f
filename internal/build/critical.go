package build

import (
	"fmt"
	"os"
	"runtime/debug"
)

// Critical should be called when an invariant the rest of the codebase
// depends on has been violated - a torn pointer, an intent record in an
// impossible state, a free-list that no longer sums to the tracked byte
// count. These are the conditions spec.md §7 calls Corruption: the pool is
// unsafe and the process should not continue operating on it.
func Critical(v ...interface{}) {
	s := "Critical error: " + fmt.Sprintln(v...) + "this pool is no longer safe to use\n"
	if Release != "testing" {
		debug.PrintStack()
		os.Stderr.WriteString(s)
	}
	if DEBUG {
		panic(s)
	}
}

// Severe is for failures that are likely environmental rather than a bug -
// a flush that returned an I/O error, a region that failed to map. These
// back spec.md's Transient kind once its retry budget is spent.
func Severe(v ...interface{}) {
	s := "Severe error: " + fmt.Sprintln(v...)
	if Release != "testing" {
		debug.PrintStack()
		os.Stderr.WriteString(s)
	}
	if DEBUG {
		panic(s)
	}
}
