package worktree

import (
	"errors"
	"strings"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindInvalid
	KindAlreadyExists
	KindNotFound
	KindBranchConflict
	KindBranchInUse
	KindInUse
	KindCannotDeleteMain
	KindPathExists
	KindAlreadyRunning
	KindBackend
	KindProcess
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindInvalid:          "invalid request",
	KindAlreadyExists:    "already exists",
	KindNotFound:         "not found",
	KindBranchConflict:   "branch conflict",
	KindBranchInUse:      "branch in use",
	KindInUse:            "worktree in use",
	KindCannotDeleteMain: "cannot delete main worktree",
	KindPathExists:       "path exists",
	KindAlreadyRunning:   "already running",
	KindBackend:          "backend error",
	KindProcess:          "process error",
}

var kindCodes = map[Kind]string{
	KindUnknown:          "UNKNOWN",
	KindInvalid:          "INVALID",
	KindAlreadyExists:    "ALREADY_EXISTS",
	KindNotFound:         "NOT_FOUND",
	KindBranchConflict:   "BRANCH_CONFLICT",
	KindBranchInUse:      "BRANCH_IN_USE",
	KindInUse:            "IN_USE",
	KindCannotDeleteMain: "CANNOT_DELETE_MAIN",
	KindPathExists:       "PATH_EXISTS",
	KindAlreadyRunning:   "ALREADY_RUNNING",
	KindBackend:          "BACKEND_ERROR",
	KindProcess:          "PROCESS_ERROR",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnknown]
}

// Code is the stable identifier transports put on the wire.
func (k Kind) Code() string {
	if code, ok := kindCodes[k]; ok {
		return code
	}
	return kindCodes[KindUnknown]
}

// Sentinels for errors.Is. Only Kind is compared.
var (
	ErrInvalid          = &Error{Kind: KindInvalid}
	ErrAlreadyExists    = &Error{Kind: KindAlreadyExists}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrBranchConflict   = &Error{Kind: KindBranchConflict}
	ErrBranchInUse      = &Error{Kind: KindBranchInUse}
	ErrInUse            = &Error{Kind: KindInUse}
	ErrCannotDeleteMain = &Error{Kind: KindCannotDeleteMain}
	ErrPathExists       = &Error{Kind: KindPathExists}
	ErrAlreadyRunning   = &Error{Kind: KindAlreadyRunning}
	ErrBackend          = &Error{Kind: KindBackend}
	ErrProcess          = &Error{Kind: KindProcess}
)

type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Msg != "" {
		b.WriteString(e.Msg)
	} else {
		b.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func E(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the kind of err. Untyped errors count as backend failures.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindBackend
}
