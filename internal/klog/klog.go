// Package klog provides the kernel's subsystem-tagged logging convention
// and its fatal-error banner, on top of a pluggable Logger interface.
package klog

import (
	"fmt"
	"log"
	"os"
)

// Logger allows the use of custom loggers throughout the kernel. The
// log.Logger in the standard library implements this interface, the same
// contract fuse.Logger exposes.
type Logger interface {
	Println(v ...interface{})
	Printf(format string, v ...interface{})
}

// Default returns the standard library logger used when a subsystem is not
// configured with one explicitly.
func Default() Logger {
	return log.New(os.Stderr, "", log.LstdFlags)
}

// Tagged wraps a Logger with a "[SUBSYS]" prefix, mirroring the
// kprintf("[MEM] ...") convention used throughout ckernel.c.
type Tagged struct {
	Logger Logger
	Subsys string
}

func NewTagged(l Logger, subsys string) Tagged {
	if l == nil {
		l = Default()
	}
	return Tagged{Logger: l, Subsys: subsys}
}

func (t Tagged) Printf(format string, v ...interface{}) {
	t.Logger.Printf("[%s] "+format, append([]interface{}{t.Subsys}, v...)...)
}

func (t Tagged) Println(v ...interface{}) {
	t.Logger.Println(append([]interface{}{"[" + t.Subsys + "]"}, v...)...)
}

// HaltFunc is called by Panic after the fatal banner is printed. Tests
// substitute it to observe the fatal condition instead of exiting the
// process.
type HaltFunc func()

// osHalt is the production halt: disable nothing (there are no real
// interrupts to disable in a hosted process) and exit non-zero, the
// hosted-process analogue of "disable interrupts and halt".
func osHalt() { os.Exit(1) }

// Panic reports a class-3 fatal kernel error (see the error handling
// design): it prints the message, offending subsystem and location in the
// kernel's red-banner style and then halts. halt defaults to os.Exit(1)
// when nil.
func Panic(l Logger, subsys, location, msg string, halt HaltFunc) {
	if l == nil {
		l = Default()
	}
	if halt == nil {
		halt = osHalt
	}
	l.Printf("\x1b[31mFATAL KERNEL ERROR [%s] at %s: %s\x1b[0m", subsys, location, msg)
	halt()
}

// Fatalf is a convenience wrapper building the message with fmt.Sprintf.
func Fatalf(l Logger, subsys, location string, halt HaltFunc, format string, args ...interface{}) {
	Panic(l, subsys, location, fmt.Sprintf(format, args...), halt)
}
