package mirror

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
)

// whiteoutLog is the append-only tombstone journal at
// overlay_root/deleted. One logical path per line; duplicates are
// tolerated and membership is the union over time. The descriptor is
// opened once and retained for the process lifetime.
type whiteoutLog struct {
	mu sync.Mutex
	f  *os.File
}

// openWhiteoutLog opens the log for append, creating it if absent, and
// replays every trimmed non-empty line through fn before returning.
func openWhiteoutLog(path string, fn func(string)) (*whiteoutLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open whiteout log: %w", err)
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fn(line)
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read whiteout log: %w", err)
	}

	return &whiteoutLog{f: f}, nil
}

// Append records one logical path. Each entry is a short line, so the
// host's atomic-append guarantee keeps concurrent writers from
// interleaving.
func (l *whiteoutLog) Append(p string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.WriteString(p + "\n"); err != nil {
		return fmt.Errorf("failed to append whiteout: %w", err)
	}
	return nil
}

func (l *whiteoutLog) Close() error {
	return l.f.Close()
}
