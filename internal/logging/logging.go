// Package logging builds the process logger.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultMaxFiles is the number of log files kept in Options.Dir.
const DefaultMaxFiles = 3

const fileTimeLayout = "20060102-150405"

// Options configures New.
type Options struct {
	// Debug selects a colored console logger at debug level instead of
	// JSON at info level.
	Debug bool

	// Dir, when set, receives a timestamped log file in addition to stderr.
	Dir string

	// MaxFiles bounds the number of files kept in Dir, counting the new one.
	// Zero means DefaultMaxFiles.
	MaxFiles int

	// now is replaced in tests.
	now func() time.Time
}

// New builds a logger from opts.
func New(opts Options) (*zap.Logger, error) {
	var conf zap.Config
	if opts.Debug {
		conf = zap.NewDevelopmentConfig()
		conf.Encoding = "console"
		conf.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		conf = zap.NewProductionConfig()
		conf.Encoding = "json"
		conf.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		conf.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	if opts.Dir != "" {
		path, err := prepareDir(opts)
		if err != nil {
			return nil, err
		}
		conf.OutputPaths = append(conf.OutputPaths, path)
	}

	logger, err := conf.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build logger: %w", err)
	}
	return logger, nil
}

// prepareDir creates the log directory, prunes the oldest files and returns
// the path of the new log file.
func prepareDir(opts Options) (string, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return "", fmt.Errorf("logging: create log directory %s: %w", opts.Dir, err)
	}

	maxFiles := opts.MaxFiles
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}
	// Keep room for the file about to be created.
	if err := prune(opts.Dir, maxFiles-1); err != nil {
		return "", err
	}

	now := time.Now
	if opts.now != nil {
		now = opts.now
	}
	return filepath.Join(opts.Dir, now().Format(fileTimeLayout)+".log"), nil
}

// prune deletes the oldest *.log files in dir until at most keep remain.
func prune(dir string, keep int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("logging: read log directory %s: %w", dir, err)
	}

	type logFile struct {
		name    string
		modTime time.Time
	}
	var files []logFile
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".log" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{e.Name(), info.ModTime()})
	}
	if len(files) <= keep {
		return nil
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].modTime.Equal(files[j].modTime) {
			return files[i].name < files[j].name
		}
		return files[i].modTime.Before(files[j].modTime)
	})
	for _, f := range files[:len(files)-max(keep, 0)] {
		if err := os.Remove(filepath.Join(dir, f.name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("logging: remove old log file %s: %w", f.name, err)
		}
	}
	return nil
}
