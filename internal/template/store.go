package template

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	cerrors "cockpit/internal/errors"
	"cockpit/internal/logging"
)

// Store loads templates from a read-only system directory and a writable user
// directory, resolves single-parent inheritance and serves CRUD for custom
// templates. System templates are immutable.
type Store struct {
	systemDir string
	userDir   string
	logger    logging.Logger

	mu       sync.RWMutex
	raw      map[string]map[string]any
	system   map[string]bool
	resolved map[string]map[string]any

	schema    *schemaValidator
	watcher   *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
}

// NewStore creates a store and loads both directories. The user directory is
// created when missing and watched for external edits.
func NewStore(systemDir, userDir string, logger logging.Logger) (*Store, error) {
	validator, err := newSchemaValidator()
	if err != nil {
		return nil, cerrors.Wrap(cerrors.Internal, err, "compile template schema")
	}
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		return nil, cerrors.Wrap(cerrors.Internal, err, "create user template dir")
	}

	s := &Store{
		systemDir: systemDir,
		userDir:   userDir,
		logger:    logging.OrNop(logger),
		raw:       make(map[string]map[string]any),
		system:    make(map[string]bool),
		resolved:  make(map[string]map[string]any),
		schema:    validator,
		done:      make(chan struct{}),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	s.startWatcher()
	return s, nil
}

// Close stops the directory watcher. Safe to call more than once.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.watcher != nil {
			_ = s.watcher.Close()
		}
	})
}

func (s *Store) startWatcher() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("Template watcher disabled: %v", err)
		return
	}
	if err := watcher.Add(s.userDir); err != nil {
		s.logger.Warn("Template watcher disabled: %v", err)
		_ = watcher.Close()
		return
	}
	s.watcher = watcher
	go func() {
		for {
			select {
			case <-s.done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.reload(); err != nil {
					s.logger.Warn("Template reload after %s failed: %v", ev.Name, err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("Template watcher error: %v", err)
			}
		}
	}()
}

// reload re-reads both directories and clears the resolved cache.
func (s *Store) reload() error {
	raw := make(map[string]map[string]any)
	system := make(map[string]bool)

	load := func(dir string, isSystem bool) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return cerrors.Wrap(cerrors.Internal, err, "read template dir %s", dir)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				s.logger.Warn("Skipping unreadable template %s: %v", path, err)
				continue
			}
			var doc map[string]any
			if err := json.Unmarshal(data, &doc); err != nil {
				s.logger.Warn("Skipping malformed template %s: %v", path, err)
				continue
			}
			id, _ := doc["id"].(string)
			if id == "" {
				s.logger.Warn("Skipping template %s: missing id", path)
				continue
			}
			if err := s.schema.validate(doc); err != nil {
				s.logger.Warn("Skipping invalid template %s: %v", path, err)
				continue
			}
			raw[id] = doc
			system[id] = isSystem
		}
		return nil
	}

	if err := load(s.systemDir, true); err != nil {
		return err
	}
	if err := load(s.userDir, false); err != nil {
		return err
	}

	s.mu.Lock()
	s.raw = raw
	s.system = system
	s.resolved = make(map[string]map[string]any)
	s.mu.Unlock()
	s.logger.Info("Loaded %d templates (%s, %s)", len(raw), s.systemDir, s.userDir)
	return nil
}

// List returns raw templates ordered by id, system templates first.
func (s *Store) List() []*Template {
	s.mu.RLock()
	ids := make([]string, 0, len(s.raw))
	for id := range s.raw {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool {
		si, sj := s.IsSystem(ids[i]), s.IsSystem(ids[j])
		if si != sj {
			return si
		}
		return ids[i] < ids[j]
	})

	out := make([]*Template, 0, len(ids))
	for _, id := range ids {
		if t, err := s.typed(id, false); err == nil {
			out = append(out, t)
		}
	}
	return out
}

// IsSystem reports whether id names a shipped, immutable template.
func (s *Store) IsSystem(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.system[id]
}

// GetRaw returns the unresolved document for id.
func (s *Store) GetRaw(id string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.raw[id]
	if !ok {
		return nil, cerrors.New(cerrors.NotFound, "template %q not found", id)
	}
	return deepCopy(doc), nil
}

// Resolve returns the deep-merged document for id, walking the extends chain.
// Revisiting an id during the walk fails with a cyclic-inheritance conflict.
func (s *Store) Resolve(id string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(id, map[string]bool{})
}

func (s *Store) resolveLocked(id string, visited map[string]bool) (map[string]any, error) {
	if cached, ok := s.resolved[id]; ok {
		return deepCopy(cached), nil
	}
	if visited[id] {
		return nil, cerrors.New(cerrors.Conflict, "cyclic inheritance at template %q", id)
	}
	visited[id] = true

	doc, ok := s.raw[id]
	if !ok {
		return nil, cerrors.New(cerrors.NotFound, "template %q not found", id)
	}

	parentID, _ := doc["extends"].(string)
	if parentID == "" {
		out := deepCopy(doc)
		s.resolved[id] = deepCopy(out)
		return out, nil
	}

	parent, err := s.resolveLocked(parentID, visited)
	if err != nil {
		return nil, err
	}
	merged := deepMerge(parent, doc)
	// Identity fields always come from the child.
	merged["id"] = doc["id"]
	if name, ok := doc["name"]; ok {
		merged["name"] = name
	}
	s.resolved[id] = deepCopy(merged)
	return merged, nil
}

// Get returns the typed template for id, resolved when resolved is true.
func (s *Store) Get(id string, resolved bool) (*Template, error) {
	return s.typed(id, resolved)
}

func (s *Store) typed(id string, resolved bool) (*Template, error) {
	var doc map[string]any
	var err error
	if resolved {
		doc, err = s.Resolve(id)
	} else {
		doc, err = s.GetRaw(id)
	}
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.Internal, err, "encode template %q", id)
	}
	var t Template
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, cerrors.Wrap(cerrors.Internal, err, "decode template %q", id)
	}
	t.System = s.IsSystem(id)
	return &t, nil
}

// Create stores a new custom template.
func (s *Store) Create(doc map[string]any) (*Template, error) {
	id, _ := doc["id"].(string)
	if id == "" {
		return nil, cerrors.New(cerrors.Validation, "template id is required")
	}
	if err := s.schema.validate(doc); err != nil {
		return nil, cerrors.Wrap(cerrors.Validation, err, "template %q failed validation", id)
	}

	s.mu.Lock()
	if _, exists := s.raw[id]; exists {
		s.mu.Unlock()
		return nil, cerrors.New(cerrors.Conflict, "template %q already exists", id)
	}
	if parent, _ := doc["extends"].(string); parent != "" {
		if _, ok := s.raw[parent]; !ok {
			s.mu.Unlock()
			return nil, cerrors.New(cerrors.Validation, "parent template %q not found", parent)
		}
	}
	s.raw[id] = deepCopy(doc)
	s.system[id] = false
	s.resolved = make(map[string]map[string]any)
	s.mu.Unlock()

	if err := s.persist(id, doc); err != nil {
		return nil, err
	}
	// Resolving after create catches cycles introduced through extends.
	if _, err := s.Resolve(id); err != nil {
		s.rollbackCreate(id)
		return nil, err
	}
	return s.typed(id, false)
}

func (s *Store) rollbackCreate(id string) {
	s.mu.Lock()
	delete(s.raw, id)
	delete(s.system, id)
	s.resolved = make(map[string]map[string]any)
	s.mu.Unlock()
	_ = os.Remove(s.userPath(id))
}

// Update replaces a custom template document.
func (s *Store) Update(id string, doc map[string]any) (*Template, error) {
	if s.IsSystem(id) {
		return nil, cerrors.New(cerrors.Conflict, "system template %q is immutable", id)
	}
	docID, _ := doc["id"].(string)
	if docID != "" && docID != id {
		return nil, cerrors.New(cerrors.Validation, "template id mismatch: %q vs %q", docID, id)
	}
	doc["id"] = id
	if err := s.schema.validate(doc); err != nil {
		return nil, cerrors.Wrap(cerrors.Validation, err, "template %q failed validation", id)
	}

	s.mu.Lock()
	prev, exists := s.raw[id]
	if !exists {
		s.mu.Unlock()
		return nil, cerrors.New(cerrors.NotFound, "template %q not found", id)
	}
	s.raw[id] = deepCopy(doc)
	s.resolved = make(map[string]map[string]any)
	s.mu.Unlock()

	if _, err := s.Resolve(id); err != nil {
		s.mu.Lock()
		s.raw[id] = prev
		s.resolved = make(map[string]map[string]any)
		s.mu.Unlock()
		return nil, err
	}
	if err := s.persist(id, doc); err != nil {
		return nil, err
	}
	return s.typed(id, false)
}

// Delete removes a custom template. Templates still referenced as a parent
// cannot be deleted.
func (s *Store) Delete(id string) error {
	if s.IsSystem(id) {
		return cerrors.New(cerrors.Conflict, "system template %q is immutable", id)
	}

	s.mu.Lock()
	if _, exists := s.raw[id]; !exists {
		s.mu.Unlock()
		return cerrors.New(cerrors.NotFound, "template %q not found", id)
	}
	for otherID, doc := range s.raw {
		if otherID == id {
			continue
		}
		if parent, _ := doc["extends"].(string); parent == id {
			s.mu.Unlock()
			return cerrors.New(cerrors.Conflict, "template %q is still referenced by %q", id, otherID)
		}
	}
	delete(s.raw, id)
	delete(s.system, id)
	s.resolved = make(map[string]map[string]any)
	s.mu.Unlock()

	if err := os.Remove(s.userPath(id)); err != nil && !os.IsNotExist(err) {
		return cerrors.Wrap(cerrors.Internal, err, "remove template file")
	}
	return nil
}

// Duplicate copies an existing template (system or custom) under a new id.
func (s *Store) Duplicate(id, newID, newName string) (*Template, error) {
	doc, err := s.GetRaw(id)
	if err != nil {
		return nil, err
	}
	if newID == "" {
		return nil, cerrors.New(cerrors.Validation, "new template id is required")
	}
	doc["id"] = newID
	if newName != "" {
		doc["name"] = newName
	} else {
		name, _ := doc["name"].(string)
		doc["name"] = name + " (copy)"
	}
	return s.Create(doc)
}

// Export returns the raw document as pretty-printed JSON.
func (s *Store) Export(id string) ([]byte, error) {
	doc, err := s.GetRaw(id)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(doc, "", "  ")
}

// Import creates a custom template from an exported document.
func (s *Store) Import(data []byte) (*Template, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, cerrors.Wrap(cerrors.Validation, err, "parse imported template")
	}
	return s.Create(doc)
}

func (s *Store) userPath(id string) string {
	return filepath.Join(s.userDir, id+".json")
}

func (s *Store) persist(id string, doc map[string]any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return cerrors.Wrap(cerrors.Internal, err, "encode template %q", id)
	}
	tmp := s.userPath(id) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return cerrors.Wrap(cerrors.Internal, err, "write template %q", id)
	}
	if err := os.Rename(tmp, s.userPath(id)); err != nil {
		return cerrors.Wrap(cerrors.Internal, err, "rename template %q", id)
	}
	return nil
}

// deepMerge merges child over parent: objects recurse, arrays are replaced
// wholesale, scalars take the child value. Neither input is mutated.
func deepMerge(parent, child map[string]any) map[string]any {
	out := deepCopy(parent)
	for key, childVal := range child {
		parentVal, exists := out[key]
		childMap, childIsMap := childVal.(map[string]any)
		parentMap, parentIsMap := parentVal.(map[string]any)
		if exists && childIsMap && parentIsMap {
			out[key] = deepMerge(parentMap, childMap)
			continue
		}
		out[key] = deepCopyValue(childVal)
	}
	return out
}

func deepCopy(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopy(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return val
	}
}
