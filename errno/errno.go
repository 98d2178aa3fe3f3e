// Package errno defines the closed error-kind enum returned across the
// kernel's syscall boundary. It plays the role syscall.Errno plays in the
// go-fuse tree: every recoverable, caller-visible failure is one of these
// values rather than an opaque error.
package errno

// Errno is a closed set of error kinds, one of which rides back to user
// space in the secondary syscall return register (see ksyscall).
type Errno uint32

const (
	None Errno = iota
	InvalidPtr
	FileNotFound
	FileOut
	FileFSInternal
	EOF
	IO
	Permission
	InvalidPID
	InvalidSignal
	HasNoChild
	NoDevice
	NoTTY
	IsAnotherSession
	Busy
	Unknown
)

var names = [...]string{
	None:             "none",
	InvalidPtr:       "invalid pointer",
	FileNotFound:     "file not found",
	FileOut:          "out of range",
	FileFSInternal:   "filesystem internal error",
	EOF:              "end of file",
	IO:               "i/o error",
	Permission:       "permission denied",
	InvalidPID:       "invalid pid",
	InvalidSignal:    "invalid signal",
	HasNoChild:       "no child process",
	NoDevice:         "no such device",
	NoTTY:            "not a tty",
	IsAnotherSession: "belongs to another session",
	Busy:             "resource busy, retry",
	Unknown:          "unknown error",
}

// Error implements the error interface so an Errno can be returned and
// compared the same way syscall.Errno is used throughout go-fuse.
func (e Errno) Error() string {
	if int(e) < len(names) && names[e] != "" {
		return names[e]
	}
	return "unknown error"
}

// Ok reports whether e represents success.
func (e Errno) Ok() bool {
	return e == None
}
