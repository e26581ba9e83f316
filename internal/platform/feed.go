package platform

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Feed drives a Virtual platform from a text file. Each appended line
// is a switch command:
//
//	<switch-name> on|off
//
// Lines starting with '#' are ignored. The feed tails the file with
// fsnotify, so an operator (or a test fixture) can poke switches on a
// bench machine by appending lines, without any hardware attached.
type Feed struct {
	path    string
	virtual *Virtual
	watcher *fsnotify.Watcher
	log     *slog.Logger

	mu     sync.Mutex
	offset int64
	done   chan struct{}
}

// NewFeed starts tailing path and applying switch commands to v. The
// file is created if it does not exist. Pre-existing content is
// applied once at startup.
func NewFeed(path string, v *Virtual, log *slog.Logger) (*Feed, error) {
	if log == nil {
		log = slog.Default()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open switch feed: %w", err)
	}
	f.Close()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create feed watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch switch feed: %w", err)
	}

	feed := &Feed{
		path:    path,
		virtual: v,
		watcher: watcher,
		log:     log,
		done:    make(chan struct{}),
	}
	feed.consume()
	go feed.run()
	return feed, nil
}

func (f *Feed) run() {
	defer close(f.done)
	for {
		select {
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
				f.consume()
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.log.Warn("switch feed watcher error", "error", err)
		}
	}
}

// consume reads any new lines past the last offset and applies them.
func (f *Feed) consume() {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if err != nil {
		f.log.Warn("switch feed open failed", "error", err)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return
	}
	if info.Size() < f.offset {
		// file was truncated, start over
		f.offset = 0
	}
	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		return
	}

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		f.offset += int64(len(scanner.Bytes())) + 1
		f.apply(strings.TrimSpace(scanner.Text()))
	}
}

func (f *Feed) apply(line string) {
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}
	fields := strings.Fields(line)
	if len(fields) != 2 {
		f.log.Warn("switch feed line ignored", "line", line)
		return
	}
	var active bool
	switch strings.ToLower(fields[1]) {
	case "on", "1", "active":
		active = true
	case "off", "0", "inactive":
		active = false
	default:
		f.log.Warn("switch feed line ignored", "line", line)
		return
	}
	if err := f.virtual.SetSwitch(fields[0], active); err != nil {
		f.log.Warn("switch feed command failed", "line", line, "error", err)
	}
}

// Close stops tailing the feed file.
func (f *Feed) Close() error {
	err := f.watcher.Close()
	<-f.done
	return err
}
