package cmn

import "fmt"

// Assert panics with msg when cond is false. Reserved for invariants
// that indicate a programming error, never for data-dependent failures
// (those go through the Class taxonomy in errors.go instead).
func Assert(cond bool, msg ...interface{}) {
	if !cond {
		panic(fmt.Sprint("assertion failed: ", fmt.Sprint(msg...)))
	}
}

func AssertNoErr(err error) {
	if err != nil {
		panic("assertion failed: unexpected error: " + err.Error())
	}
}
