package probability

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/maniabrasil/raspadinha-rgs/gamemath"
)

// FileRepository keeps tables in data/probability_tables.json and the audit
// trail in data/probability_audit.json.
type FileRepository struct {
	mu      sync.Mutex
	tables  map[string]*gamemath.Table
	audit   []AuditRecord
	dataDir string
}

func NewFileRepository(dataDir string) (*FileRepository, error) {
	if dataDir == "" {
		dataDir = "data"
	}
	r := &FileRepository{
		tables:  make(map[string]*gamemath.Table),
		dataDir: dataDir,
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRepository) tablesPath() string {
	return filepath.Join(r.dataDir, "probability_tables.json")
}

func (r *FileRepository) auditPath() string {
	return filepath.Join(r.dataDir, "probability_audit.json")
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeJSON replaces path atomically through a temp file.
func writeJSON(dir, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (r *FileRepository) load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var list []*gamemath.Table
	if err := readJSON(r.tablesPath(), &list); err != nil {
		return err
	}
	for _, t := range list {
		if t != nil && t.GameKey != "" {
			r.tables[tableKey(t.GameKey, t.Mode)] = t
		}
	}
	return readJSON(r.auditPath(), &r.audit)
}

// saveLocked writes both files. Caller must hold r.mu.
func (r *FileRepository) saveLocked() error {
	list := make([]*gamemath.Table, 0, len(r.tables))
	for _, t := range r.tables {
		list = append(list, t)
	}
	if err := writeJSON(r.dataDir, r.tablesPath(), list); err != nil {
		return err
	}
	return writeJSON(r.dataDir, r.auditPath(), r.audit)
}

func (r *FileRepository) LoadTable(_ context.Context, gameKey string, mode gamemath.Mode) (*gamemath.Table, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tables[tableKey(gameKey, mode)]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (r *FileRepository) ReplaceTable(_ context.Context, next *gamemath.Table, rec AuditRecord) (*gamemath.Table, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := tableKey(next.GameKey, next.Mode)
	prev, hadPrev := r.tables[key]
	stored := next.Clone()
	stored.Version = 1
	if hadPrev {
		stored.Version = prev.Version + 1
		rec.Before = append([]gamemath.Entry(nil), prev.Entries...)
	}
	rec.ID = int64(len(r.audit)) + 1
	rec.GameKey, rec.Mode, rec.Version = next.GameKey, next.Mode, stored.Version
	rec.After = append([]gamemath.Entry(nil), stored.Entries...)
	rec.SweepstakeTarget = stored.Clone().SweepstakeTarget

	r.tables[key] = stored
	r.audit = append(r.audit, rec)
	if err := r.saveLocked(); err != nil {
		if hadPrev {
			r.tables[key] = prev
		} else {
			delete(r.tables, key)
		}
		r.audit = r.audit[:len(r.audit)-1]
		return nil, err
	}
	return stored.Clone(), nil
}

func (r *FileRepository) AuditLog(_ context.Context, gameKey string, mode gamemath.Mode, limit int) ([]AuditRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []AuditRecord
	for i := len(r.audit) - 1; i >= 0; i-- {
		rec := r.audit[i]
		if rec.GameKey != gameKey || rec.Mode != mode {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
