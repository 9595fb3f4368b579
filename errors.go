// Package sqlite3 holds the SQLite result codes and error type shared by
// every package in this module. It mirrors the subset of SQLite's C API
// result codes that a VFS implementation can return; no SQL execution lives
// here, only the vocabulary the VFS contract (package vfs) speaks.
package sqlite3

import "fmt"

// Code is a SQLite result code, as returned from VFS methods and surfaced
// through [vfs.File]'s error returns.
type Code int

// Primary result codes.
const (
	OK         Code = 0
	ERROR      Code = 1
	BUSY       Code = 5
	NOTFOUND   Code = 12
	CANTOPEN   Code = 14
	IOERR      Code = 10
	MISUSE     Code = 21
)

// Extended codes used by the VFS layer. SQLite extended codes are
// (primary | (specific << 8)); the values below are the real SQLite
// constants so they remain bit-exact with anything that inspects them.
const (
	IOERR_READ         Code = IOERR | (1 << 8)
	IOERR_SHORT_READ   Code = IOERR | (2 << 8)
	IOERR_WRITE        Code = IOERR | (3 << 8)
	IOERR_FSYNC        Code = IOERR | (4 << 8)
	IOERR_LOCK         Code = IOERR | (15 << 8)
	IOERR_DELETE_NOENT Code = IOERR | (23 << 8)

	BUSY_RECOVERY Code = BUSY | (1 << 8)
	BUSY_TIMEOUT  Code = BUSY | (3 << 8)
)

func (c Code) Error() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("sqlite3: code %d", int(c))
}

// Temporary reports whether retrying the call that produced this code is
// expected to eventually succeed without external intervention (BUSY and
// its extended variants).
func (c Code) Temporary() bool {
	return c&0xff == BUSY
}

var codeNames = map[Code]string{
	OK:                 "not an error",
	ERROR:              "SQL logic error",
	BUSY:               "database is locked",
	NOTFOUND:           "not found",
	CANTOPEN:           "unable to open database file",
	IOERR:              "disk I/O error",
	MISUSE:             "bad parameter or other API misuse",
	IOERR_READ:         "disk I/O error (read)",
	IOERR_SHORT_READ:   "disk I/O error (short read)",
	IOERR_WRITE:        "disk I/O error (write)",
	IOERR_FSYNC:        "disk I/O error (fsync)",
	IOERR_LOCK:         "disk I/O error (lock)",
	IOERR_DELETE_NOENT: "disk I/O error (delete-noent)",
	BUSY_RECOVERY:      "database is locked (recovery)",
	BUSY_TIMEOUT:       "database is locked (timeout)",
}

// AsCode extracts a Code from err, if any wraps one, defaulting to IOERR for
// any other non-nil error. A nil error yields OK.
func AsCode(err error) Code {
	if err == nil {
		return OK
	}
	var c Code
	if ok := asCode(err, &c); ok {
		return c
	}
	return IOERR
}

func asCode(err error, out *Code) bool {
	type coder interface{ Code() Code }
	for err != nil {
		if c, ok := err.(Code); ok {
			*out = c
			return true
		}
		if c, ok := err.(coder); ok {
			*out = c.Code()
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
