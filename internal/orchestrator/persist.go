package orchestrator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	cerrors "cockpit/internal/errors"
	"cockpit/internal/logging"
)

const snapshotFile = "orchestrators.json"

// persister is the single writer of the snapshot file. Schedule marks the
// state dirty; writes happen at most once per debounce window.
type persister struct {
	path     string
	debounce time.Duration
	snapshot func() ([]byte, error)
	logger   logging.Logger

	mu    sync.Mutex
	dirty bool
	timer *time.Timer

	closeOnce sync.Once
}

func newPersister(dataDir string, debounce time.Duration, snapshot func() ([]byte, error), logger logging.Logger) *persister {
	return &persister{
		path:     filepath.Join(dataDir, snapshotFile),
		debounce: debounce,
		snapshot: snapshot,
		logger:   logger,
	}
}

// schedule arms the debounce timer. Repeated calls within the window
// coalesce into one write.
func (p *persister) schedule() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dirty = true
	if p.timer != nil {
		return
	}
	p.timer = time.AfterFunc(p.debounce, p.flush)
}

func (p *persister) flush() {
	p.mu.Lock()
	p.timer = nil
	if !p.dirty {
		p.mu.Unlock()
		return
	}
	p.dirty = false
	p.mu.Unlock()

	if err := p.write(); err != nil {
		p.logger.Warn("Snapshot write failed: %v", err)
	}
}

func (p *persister) write() error {
	data, err := p.snapshot()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return cerrors.Wrap(cerrors.Internal, err, "create data dir")
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return cerrors.Wrap(cerrors.Internal, err, "write snapshot")
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return cerrors.Wrap(cerrors.Internal, err, "replace snapshot")
	}
	return nil
}

// stop flushes any pending write.
func (p *persister) stop() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
		dirty := p.dirty
		p.dirty = false
		p.mu.Unlock()
		if dirty {
			if err := p.write(); err != nil {
				p.logger.Warn("Final snapshot write failed: %v", err)
			}
		}
	})
}

// snapshot serializes every orchestrator. Active runs carry their live
// status in _resume_status so a restart can tell them apart.
func (e *Engine) snapshot() ([]byte, error) {
	e.mu.Lock()
	list := make([]*Orchestrator, 0, len(e.orchestrators))
	for _, o := range e.orchestrators {
		c := o.copy()
		if !c.Status.Terminal() {
			c.ResumeStatus = string(c.Status)
		}
		list = append(list, c)
	}
	e.mu.Unlock()
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return json.MarshalIndent(map[string]any{"orchestrators": list}, "", "  ")
}

// load reads the snapshot before any request is served. Runs that were
// mid-flight come back paused.
func (e *Engine) load() error {
	data, err := os.ReadFile(e.persister.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return cerrors.Wrap(cerrors.Internal, err, "read snapshot")
	}
	var doc struct {
		Orchestrators []*Orchestrator `json:"orchestrators"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		e.logger.Warn("Snapshot file unreadable, starting empty: %v", err)
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	restored := 0
	for _, o := range doc.Orchestrators {
		if o == nil || o.ID == "" {
			continue
		}
		if !o.Status.Terminal() {
			if o.ResumeStatus == "" {
				o.ResumeStatus = string(o.Status)
			}
			o.PrevStatus = o.Status
			o.Status = StatusPaused
		}
		if o.Workers == nil {
			o.Workers = make(map[string]string)
		}
		e.orchestrators[o.ID] = o
		restored++
	}
	if restored > 0 {
		e.logger.Info("Restored %d orchestrator(s) from snapshot", restored)
	}
	return nil
}
