package metrics

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Logger interface {
	Log(info *MetricsInfo)
}

type StdoutLogger struct{}

func NewStdoutLogger() *StdoutLogger {
	return &StdoutLogger{}
}

func (l *StdoutLogger) Log(info *MetricsInfo) {
	infoStr, err := info.ToJSON()
	if err == nil {
		log.Print(infoStr)
	} else {
		log.Printf("StdoutLogger: error: %v", err)
	}
}

const defaultQueueSize = 2000
const defaultLogWriters = 2

// sizes in megabytes
const defaultMaxLogFileSize = 1024
const defaultMaxLogFiles = 10

// FileLogger writes one JSON document per line into log0..logN-1 under
// LogDir, one file per writer goroutine. Files are rotated by lumberjack.
type FileLogger struct {
	MetricsQueue   chan *MetricsInfo
	LogDir         string
	MaxLogFileSize int
	MaxLogFiles    int
	Verbose        bool

	wg sync.WaitGroup
}

func NewFileLogger(logDir string, maxLogFileSize int, maxLogFiles int, verbose bool) *FileLogger {
	if maxLogFileSize <= 0 {
		maxLogFileSize = defaultMaxLogFileSize
	}
	if maxLogFiles <= 0 {
		maxLogFiles = defaultMaxLogFiles
	}
	logger := &FileLogger{
		MetricsQueue:   make(chan *MetricsInfo, defaultQueueSize),
		LogDir:         logDir,
		MaxLogFileSize: maxLogFileSize,
		MaxLogFiles:    maxLogFiles,
		Verbose:        verbose,
	}

	for i := 0; i < defaultLogWriters; i++ {
		logger.wg.Add(1)
		go logger.startLogWriter(i)
	}

	return logger
}

func (l *FileLogger) Log(info *MetricsInfo) {
	l.MetricsQueue <- info
}

// Close drains the queue and closes the log files. Log must not be
// called afterwards.
func (l *FileLogger) Close() {
	close(l.MetricsQueue)
	l.wg.Wait()
}

func (l *FileLogger) startLogWriter(idx int) {
	defer l.wg.Done()
	w := &lumberjack.Logger{
		Filename:   filepath.Join(l.LogDir, fmt.Sprintf("log%d", idx)),
		MaxSize:    l.MaxLogFileSize,
		MaxBackups: l.MaxLogFiles,
	}
	defer w.Close()

	for info := range l.MetricsQueue {
		infoStr, err := info.ToJSON()
		if err != nil {
			log.Printf("FileLogger%d: info.ToJSON() error: %v", idx, err)
			continue
		}
		if _, err := w.Write([]byte(infoStr)); err != nil {
			log.Printf("FileLogger%d: write error: %v", idx, err)
			continue
		}
		if l.Verbose {
			log.Printf("FileLogger%d: logged %s", idx, info.URL.RawURL)
		}
	}
}
