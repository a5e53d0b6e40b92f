package kfmt

import (
	"gophervm/kernel"
)

var (
	// haltFn is invoked after the panic banner has been printed. Tests
	// replace it so Panic returns.
	haltFn = halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the output sink and halts
// the server. Panic is reserved for corruption of server-owned structures;
// errors caused by user processes must never reach it.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error()}
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Error())
	}
	Printf("*** vm server panic: system halted ***")
	Printf("\n-----------------------------------\n")

	haltFn(err)
}

func halt(err *kernel.Error) {
	if err == nil {
		err = errRuntimePanic
	}
	panic(err)
}
