// Package logging builds the zap logger shared by the commands: a console
// core for humans and a daily JSON file for later inspection.
package logging

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const filePrefix = "knockdoor_"

// Options configures New.
type Options struct {
	Level        string    // debug, info, warn or error; empty means info
	ConsoleLevel string    // console threshold; empty means Level
	Dir          string    // log directory; empty disables the file core
	Console      io.Writer // console sink; nil disables the console core
	Now          func() time.Time
}

func parseLevel(s string, def zapcore.Level) (zapcore.Level, error) {
	if s == "" {
		return def, nil
	}
	l, err := zapcore.ParseLevel(s)
	if err != nil {
		return def, fmt.Errorf("log level: %w", err)
	}
	return l, nil
}

// FileName returns the log file name for the day containing t.
func FileName(t time.Time) string {
	return filePrefix + t.Format("20060102") + ".log"
}

// New builds a logger. The returned close function flushes and closes the
// log file.
func New(opts Options) (*zap.Logger, func() error, error) {
	level, err := parseLevel(opts.Level, zapcore.InfoLevel)
	if err != nil {
		return nil, nil, err
	}
	consoleLevel, err := parseLevel(opts.ConsoleLevel, level)
	if err != nil {
		return nil, nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	var cores []zapcore.Core
	closeFile := func() error { return nil }

	if opts.Console != nil {
		enc := zap.NewDevelopmentEncoderConfig()
		enc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(opts.Console), consoleLevel))
	}

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		path := filepath.Join(opts.Dir, FileName(now()))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		enc := zap.NewProductionEncoderConfig()
		enc.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(f), level))
		closeFile = f.Close
	}

	if len(cores) == 0 {
		return zap.NewNop(), closeFile, nil
	}

	logger := zap.New(zapcore.NewTee(cores...))
	closer := func() error {
		_ = logger.Sync()
		return closeFile()
	}
	return logger, closer, nil
}

// Files lists the log files in dir, newest first.
func Files(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".log") {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	// YYYYMMDD sorts lexically
	sort.Sort(sort.Reverse(sort.StringSlice(files)))
	return files, nil
}

// Tail returns the last n lines of the file at path.
func Tail(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if n <= 0 {
		return nil, nil
	}
	ring := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, sc.Text())
	}
	return ring, sc.Err()
}
