package record

import (
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewFile writes records into rotating file, or stdout when Path is empty.
// Rotated files are for log size control, not sample history.
func NewFile(opt FileOptions) *Writer {
	if opt.Path == "" || opt.Path == "-" {
		return NewWriter(nopCloser{os.Stdout})
	}
	return NewWriter(&lumberjack.Logger{
		Filename:   opt.Path,
		MaxSize:    opt.MaxSizeMB,
		MaxBackups: opt.MaxBackups,
		MaxAge:     opt.MaxAgeDays,
	})
}

type nopCloser struct{ *os.File }

func (nopCloser) Close() error { return nil }
