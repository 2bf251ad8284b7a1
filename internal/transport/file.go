package transport

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	logTimestampLayout = "2006-01-02 15:04:05"
	defaultYieldEvery  = 100
	maxLineBytes       = 1024 * 1024
)

type FileConfig struct {
	Path       string
	YieldEvery int
	YieldDelay time.Duration
	Location   *time.Location
	Logger     *zap.Logger
}

// FileAdapter replays a log file line by line and returns nil at end of file.
type FileAdapter struct {
	path       string
	yieldEvery int
	yieldDelay time.Duration
	location   *time.Location
	logger     *zap.Logger
}

func NewFileAdapter(cfg FileConfig) *FileAdapter {
	adapter := &FileAdapter{
		path:       cfg.Path,
		yieldEvery: cfg.YieldEvery,
		yieldDelay: cfg.YieldDelay,
		location:   cfg.Location,
		logger:     cfg.Logger,
	}
	if adapter.yieldEvery <= 0 {
		adapter.yieldEvery = defaultYieldEvery
	}
	if adapter.yieldDelay <= 0 {
		adapter.yieldDelay = time.Millisecond
	}
	if adapter.location == nil {
		adapter.location = time.UTC
	}
	if adapter.logger == nil {
		adapter.logger = zap.NewNop()
	}
	return adapter
}

func (a *FileAdapter) Run(ctx context.Context, emit Emit) error {
	file, err := os.Open(a.path)
	if err != nil {
		return fmt.Errorf("transport: open file %s: %w", a.path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	processed := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line, ok := ParseLogLine(scanner.Text(), a.location)
		if !ok {
			continue
		}
		if err := emit(line); err != nil {
			return nil
		}
		processed++
		if processed%a.yieldEvery == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(a.yieldDelay):
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("transport: read file %s: %w", a.path, err)
	}
	a.logger.Info("file source exhausted", zap.String("path", a.path), zap.Int("lines", processed))
	return nil
}

// ParseLogLine splits an optional "YYYY-MM-DD HH:MM:SS " prefix from the sentence.
func ParseLogLine(raw string, location *time.Location) (Line, bool) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Line{}, false
	}
	if len(text) > len(logTimestampLayout) && text[4] == '-' && text[7] == '-' && text[10] == ' ' {
		stamp, err := time.ParseInLocation(logTimestampLayout, text[:len(logTimestampLayout)], location)
		if err == nil {
			rest := strings.TrimSpace(text[len(logTimestampLayout):])
			if rest == "" {
				return Line{}, false
			}
			return Line{Text: rest, LoggedAt: stamp.UTC()}, true
		}
	}
	return Line{Text: text}, true
}
