package common

import "fmt"

func PanicIfErr(err error) {
	if err != nil {
		panic(err)
	}
}

func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}
