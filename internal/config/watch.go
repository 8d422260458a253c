package config

import (
	"log"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads Config from path whenever the file changes on disk.
// It never writes back to path — configuration remains external input.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	current Config
	updates chan Config
	closed  chan struct{}
}

// Watch starts watching path for changes and returns a Watcher seeded with
// the config as it exists now. Call Updates() to receive reloaded configs.
func Watch(path string, initial Config) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:    path,
		watcher: fw,
		current: initial,
		updates: make(chan Config, 1),
		closed:  make(chan struct{}),
	}
	go w.watchLoop()
	return w, nil
}

// Updates returns a channel that receives a new Config each time path is
// modified and reloads successfully. Invalid reloads are logged and
// skipped — the previous config remains in effect.
func (w *Watcher) Updates() <-chan Config {
	return w.updates
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				log.Printf("CONFIG: reload of %s failed, keeping previous config: %v", w.path, err)
				continue
			}
			w.current = cfg
			select {
			case w.updates <- cfg:
			default:
				// Drain the stale pending update before pushing the fresh one.
				select {
				case <-w.updates:
				default:
				}
				w.updates <- cfg
			}
			log.Printf("CONFIG: reloaded %s", w.path)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("CONFIG: watcher error: %v", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() {
	select {
	case <-w.closed:
		return
	default:
		close(w.closed)
	}
	w.watcher.Close()
}
