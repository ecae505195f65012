package core

import (
	"errors"
	"fmt"
)

// Compile stages reported by CompileError.
const (
	StageParse   = "parse"
	StageCompile = "compile"
)

// CompileError is a model that could not be read or that the backend failed
// to compile.
type CompileError struct {
	Device string
	Stage  string
	Err    error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Stage, e.Device, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// IsCompile reports whether err is a parse or backend compile failure.
func IsCompile(err error) bool {
	var e *CompileError
	return errors.As(err, &e)
}

// CacheWriteError is returned when compilation succeeded but the result
// could not be stored. The entry has been removed.
type CacheWriteError struct {
	Device string
	Key    string
	Err    error
}

func (e *CacheWriteError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cache write on %s: %v", e.Device, e.Err)
	}
	return fmt.Sprintf("cache write %s on %s: %v", e.Key, e.Device, e.Err)
}

func (e *CacheWriteError) Unwrap() error { return e.Err }

// IsCacheWrite reports whether err is a cache write failure.
func IsCacheWrite(err error) bool {
	var e *CacheWriteError
	return errors.As(err, &e)
}
