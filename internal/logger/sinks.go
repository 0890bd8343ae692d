package logger

import (
	"io"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults for execution capture files.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// SinkConfig controls rotation of execution output files.
type SinkConfig struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// ExecutionSinks returns write-closers capturing one execution's stdout
// and stderr at the given paths, creating the parent directory. The
// caller owns closing them once the child process has exited.
func (c SinkConfig) ExecutionSinks(stdoutPath, stderrPath string) (io.WriteCloser, io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(stdoutPath), 0o750); err != nil {
		return nil, nil, err
	}
	out := &lj.Logger{
		Filename:   stdoutPath,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
	errW := &lj.Logger{
		Filename:   stderrPath,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
	return out, errW, nil
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
