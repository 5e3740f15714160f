package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

type fileState struct {
	offset int64
	lines  int
}

// Watcher tails every feed file in a directory and hands each complete new
// line to a Reader exactly once. A trailing partial line is held back until
// its newline arrives.
type Watcher struct {
	dir       string
	pattern   string
	fromStart bool
	reader    *Reader
	logger    zerolog.Logger

	mu    sync.Mutex
	files map[string]*fileState
}

// NewWatcher creates a watcher for files in dir matching pattern (a
// filepath.Match glob). With fromStart unset, files already present are
// only read from their current end.
func NewWatcher(dir, pattern string, fromStart bool, reader *Reader, logger zerolog.Logger) *Watcher {
	if pattern == "" {
		pattern = "*.jsonl"
	}
	return &Watcher{
		dir:       dir,
		pattern:   pattern,
		fromStart: fromStart,
		reader:    reader,
		logger:    logger.With().Str("component", "ingest_watcher").Str("dir", dir).Logger(),
		files:     make(map[string]*fileState),
	}
}

// Run watches the directory until ctx is cancelled, delivering events to
// sink. It returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context, sink Sink) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	if err := w.scanExisting(ctx, sink); err != nil {
		return err
	}
	w.logger.Info().Str("pattern", w.pattern).Msg("Watching for events")

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !w.matches(event.Name) {
				continue
			}
			switch {
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.forget(event.Name)
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				if err := w.readNew(ctx, event.Name, sink); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					w.logger.Error().Err(err).Str("file", event.Name).Msg("Failed to read feed")
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Filesystem watcher error")
		case <-ctx.Done():
			w.logger.Info().Msg("Watcher stopped")
			return nil
		}
	}
}

func (w *Watcher) matches(path string) bool {
	ok, _ := filepath.Match(w.pattern, filepath.Base(path))
	return ok
}

func (w *Watcher) scanExisting(ctx context.Context, sink Sink) error {
	paths, err := filepath.Glob(filepath.Join(w.dir, w.pattern))
	if err != nil {
		return fmt.Errorf("invalid feed pattern %q: %w", w.pattern, err)
	}
	for _, path := range paths {
		if w.fromStart {
			if err := w.readNew(ctx, path, sink); err != nil {
				w.logger.Error().Err(err).Str("file", path).Msg("Failed to read feed")
			}
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		w.mu.Lock()
		w.files[path] = &fileState{offset: info.Size()}
		w.mu.Unlock()
	}
	return nil
}

func (w *Watcher) forget(path string) {
	w.mu.Lock()
	delete(w.files, path)
	w.mu.Unlock()
}

// readNew delivers the complete lines appended to path since the last call.
func (w *Watcher) readNew(ctx context.Context, path string, sink Sink) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	state, ok := w.files[path]
	if !ok {
		state = &fileState{}
		w.files[path] = state
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() < state.offset {
		w.logger.Warn().Str("file", path).Msg("Feed truncated, reading from start")
		*state = fileState{}
	}

	if _, err := f.Seek(state.offset, io.SeekStart); err != nil {
		return err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}

	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil
	}
	chunk := data[:end+1]

	_, err = w.reader.Read(ctx, path, bytes.NewReader(chunk), state.lines, sink)
	state.offset += int64(len(chunk))
	state.lines += bytes.Count(chunk, []byte{'\n'})
	return err
}

// Offset returns how many bytes of path have been consumed.
func (w *Watcher) Offset(path string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if state, ok := w.files[path]; ok {
		return state.offset
	}
	return 0
}
