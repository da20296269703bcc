package jb

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// frameLog writes one line per jitter buffer event to a file of its own.
type frameLog struct {
	file   *os.File
	logger *logrus.Logger
}

func frameLogPath(dir, impl, name, peer string) string {
	name = strings.ReplaceAll(name, "/", "#")
	if peer != "" {
		name = strings.ReplaceAll(peer, "/", "#") + "--" + name
	}
	return filepath.Join(dir, fmt.Sprintf("pbx_%s_jb_%s.log", impl, name))
}

// openFrameLog replaces any previous log at path. The file is created
// exclusively so a planted symlink is not followed.
func openFrameLog(path string) (*frameLog, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.Out = file
	l.Level = logrus.InfoLevel
	l.Formatter = &logrus.TextFormatter{
		DisableColors:    true,
		DisableQuote:     true,
		DisableTimestamp: true,
	}
	return &frameLog{file: file, logger: l}, nil
}

func (f *frameLog) Printf(format string, args ...interface{}) {
	if f == nil {
		return
	}
	f.logger.Infof(format, args...)
}

func (f *frameLog) Close() error {
	if f == nil {
		return nil
	}
	return f.file.Close()
}
