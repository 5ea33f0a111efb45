package monitor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Change tells the monitor that Path may have grown, shrunk or vanished.
// The monitor stats the file itself to find out which.
type Change struct {
	Path string
}

// FileObserver delivers change notifications for a set of files.
type FileObserver interface {
	Add(path string) error
	Remove(path string) error
	Changes() <-chan Change
	Errors() <-chan error
	Close() error
}

// NewObserver builds the observer named by kind.
func NewObserver(kind string, pollInterval time.Duration) (FileObserver, error) {
	switch kind {
	case "", ObserverFSNotify:
		return NewFSNotifyObserver()
	case ObserverPoll:
		return NewPollingObserver(pollInterval), nil
	default:
		return nil, fmt.Errorf("unknown observer %q", kind)
	}
}

// FSNotifyObserver watches the parent directory of every file so that a file
// replaced by rotation keeps producing notifications.
type FSNotifyObserver struct {
	fsw *fsnotify.Watcher

	mu    sync.Mutex
	files map[string]struct{}
	dirs  map[string]int

	changes chan Change
	errs    chan error
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func NewFSNotifyObserver() (*FSNotifyObserver, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	o := &FSNotifyObserver{
		fsw:     fsw,
		files:   make(map[string]struct{}),
		dirs:    make(map[string]int),
		changes: make(chan Change, 256),
		errs:    make(chan error, 16),
		done:    make(chan struct{}),
	}
	o.wg.Add(1)
	go o.loop()
	return o, nil
}

func (o *FSNotifyObserver) Add(path string) error {
	path = filepath.Clean(path)
	dir := filepath.Dir(path)

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.files[path]; ok {
		return nil
	}
	if o.dirs[dir] == 0 {
		if err := o.fsw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	o.dirs[dir]++
	o.files[path] = struct{}{}
	return nil
}

func (o *FSNotifyObserver) Remove(path string) error {
	path = filepath.Clean(path)
	dir := filepath.Dir(path)

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.files[path]; !ok {
		return nil
	}
	delete(o.files, path)
	o.dirs[dir]--
	if o.dirs[dir] > 0 {
		return nil
	}
	delete(o.dirs, dir)
	if err := o.fsw.Remove(dir); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		return fmt.Errorf("unwatch %s: %w", dir, err)
	}
	return nil
}

func (o *FSNotifyObserver) Changes() <-chan Change {
	return o.changes
}

func (o *FSNotifyObserver) Errors() <-chan error {
	return o.errs
}

func (o *FSNotifyObserver) Close() error {
	var err error
	o.once.Do(func() {
		close(o.done)
		err = o.fsw.Close()
		o.wg.Wait()
	})
	return err
}

func (o *FSNotifyObserver) loop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.done:
			return
		case ev, ok := <-o.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			path := filepath.Clean(ev.Name)
			o.mu.Lock()
			_, watched := o.files[path]
			o.mu.Unlock()
			if !watched {
				continue
			}
			select {
			case o.changes <- Change{Path: path}:
			case <-o.done:
				return
			}
		case err, ok := <-o.fsw.Errors:
			if !ok {
				return
			}
			select {
			case o.errs <- fmt.Errorf("fsnotify: %w", err):
			default:
			}
		}
	}
}

type pollStat struct {
	exists bool
	size   int64
	mod    time.Time
}

// PollingObserver stats every file on a fixed interval and reports the ones
// whose size, modification time or existence changed.
type PollingObserver struct {
	interval time.Duration

	mu    sync.Mutex
	files map[string]pollStat

	changes chan Change
	errs    chan error
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func NewPollingObserver(interval time.Duration) *PollingObserver {
	if interval <= 0 {
		interval = time.Second
	}
	o := &PollingObserver{
		interval: interval,
		files:    make(map[string]pollStat),
		changes:  make(chan Change, 256),
		errs:     make(chan error, 16),
		done:     make(chan struct{}),
	}
	o.wg.Add(1)
	go o.loop()
	return o
}

func (o *PollingObserver) Add(path string) error {
	path = filepath.Clean(path)
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.files[path]; !ok {
		o.files[path] = statFile(path)
	}
	return nil
}

func (o *PollingObserver) Remove(path string) error {
	o.mu.Lock()
	delete(o.files, filepath.Clean(path))
	o.mu.Unlock()
	return nil
}

func (o *PollingObserver) Changes() <-chan Change {
	return o.changes
}

func (o *PollingObserver) Errors() <-chan error {
	return o.errs
}

func (o *PollingObserver) Close() error {
	o.once.Do(func() {
		close(o.done)
		o.wg.Wait()
	})
	return nil
}

func (o *PollingObserver) loop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			for _, path := range o.scan() {
				select {
				case o.changes <- Change{Path: path}:
				case <-o.done:
					return
				}
			}
		}
	}
}

func (o *PollingObserver) scan() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var changed []string
	for path, prev := range o.files {
		cur := statFile(path)
		if cur != prev {
			o.files[path] = cur
			changed = append(changed, path)
		}
	}
	return changed
}

func statFile(path string) pollStat {
	info, err := os.Stat(path)
	if err != nil {
		return pollStat{}
	}
	return pollStat{exists: true, size: info.Size(), mod: info.ModTime()}
}
