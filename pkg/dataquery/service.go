package dataquery

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// allowedExtensions are the file types the service accepts and loads.
var allowedExtensions = map[string]bool{
	".csv": true, ".json": true, ".xlsx": true, ".xls": true,
}

// FileInfo describes one stored file; Rows and Columns are filled once the
// frame has been loaded.
type FileInfo struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	Extension string `json:"extension"`
	Rows      int    `json:"rows,omitempty"`
	Columns   int    `json:"columns,omitempty"`
}

// FrameInfo is the per-file summary handed to the model as tool context.
type FrameInfo struct {
	Filename string                   `json:"filename"`
	Rows     int                      `json:"rows"`
	Columns  []string                 `json:"columns"`
	Dtypes   map[string]string        `json:"dtypes"`
	Sample   []map[string]interface{} `json:"sample"`
}

// Service stores per-agent data files on disk and keeps parsed frames in
// memory. Queries always run against the concatenation of the agent's
// loaded frames.
type Service struct {
	baseDir string

	mu     sync.RWMutex
	frames map[string]map[string]*Frame
}

// NewService roots agent file storage at baseDir, typically "data/agents".
func NewService(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		frames:  make(map[string]map[string]*Frame),
	}
}

func (s *Service) filesDir(agentID string) string {
	return filepath.Join(s.baseDir, agentID, "files")
}

// SaveFile persists an uploaded file and loads its frame. The name is
// reduced to its base name so callers cannot write outside the agent dir.
func (s *Service) SaveFile(agentID, name string, content []byte) (*FileInfo, error) {
	name = filepath.Base(name)
	ext := strings.ToLower(filepath.Ext(name))
	if !allowedExtensions[ext] {
		return nil, fmt.Errorf("dataquery: file type %q not allowed", ext)
	}

	dir := s.filesDir(agentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("dataquery: create files dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return nil, fmt.Errorf("dataquery: write file: %w", err)
	}

	frame, err := LoadFrame(name, bytes.NewReader(content))
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.frames[agentID] == nil {
		s.frames[agentID] = make(map[string]*Frame)
	}
	s.frames[agentID][name] = frame
	s.mu.Unlock()

	slog.Info("dataquery: file saved",
		"agent_id", agentID, "filename", name, "rows", frame.NumRows())
	return &FileInfo{
		Filename:  name,
		Size:      int64(len(content)),
		Extension: ext,
		Rows:      frame.NumRows(),
		Columns:   len(frame.Columns),
	}, nil
}

// ListFiles returns the stored files for an agent, sorted by name.
func (s *Service) ListFiles(agentID string) ([]FileInfo, error) {
	entries, err := os.ReadDir(s.filesDir(agentID))
	if os.IsNotExist(err) {
		return []FileInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dataquery: read files dir: %w", err)
	}

	s.mu.RLock()
	cached := s.frames[agentID]
	s.mu.RUnlock()

	out := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		stat, err := entry.Info()
		if err != nil {
			continue
		}
		info := FileInfo{
			Filename:  entry.Name(),
			Size:      stat.Size(),
			Extension: strings.ToLower(filepath.Ext(entry.Name())),
		}
		if frame, ok := cached[entry.Name()]; ok {
			info.Rows = frame.NumRows()
			info.Columns = len(frame.Columns)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

// DeleteFile removes a stored file and drops its cached frame.
func (s *Service) DeleteFile(agentID, name string) error {
	name = filepath.Base(name)
	path := filepath.Join(s.filesDir(agentID), name)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("dataquery: file %q not found", name)
		}
		return fmt.Errorf("dataquery: remove file: %w", err)
	}
	s.mu.Lock()
	delete(s.frames[agentID], name)
	s.mu.Unlock()
	return nil
}

// LoadFrames reads every stored file for an agent into the cache. Broken
// files are logged and skipped.
func (s *Service) LoadFrames(agentID string) error {
	dir := s.filesDir(agentID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("dataquery: read files dir: %w", err)
	}

	frames := make(map[string]*Frame)
	for _, entry := range entries {
		if entry.IsDir() || !allowedExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			slog.Error("dataquery: read file failed",
				"agent_id", agentID, "filename", entry.Name(), "error", err)
			continue
		}
		frame, err := LoadFrame(entry.Name(), bytes.NewReader(data))
		if err != nil {
			slog.Error("dataquery: parse file failed",
				"agent_id", agentID, "filename", entry.Name(), "error", err)
			continue
		}
		frames[entry.Name()] = frame
	}

	s.mu.Lock()
	s.frames[agentID] = frames
	s.mu.Unlock()
	return nil
}

// Info summarizes every loaded frame: row count, columns, dtypes and a
// five-row sample. Loads from disk on first use.
func (s *Service) Info(agentID string) ([]FrameInfo, error) {
	frames, err := s.agentFrames(agentID)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(frames))
	for name := range frames {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]FrameInfo, 0, len(names))
	for _, name := range names {
		frame := frames[name]
		out = append(out, FrameInfo{
			Filename: name,
			Rows:     frame.NumRows(),
			Columns:  frame.Columns,
			Dtypes:   frame.Dtypes(),
			Sample:   frame.Head(5).Records(),
		})
	}
	return out, nil
}

// ExecuteQuery evaluates a restricted query over the agent's frames. With
// more than one file loaded the frames are concatenated first.
func (s *Service) ExecuteQuery(agentID, query string) Result {
	frames, err := s.agentFrames(agentID)
	if err != nil {
		return errorResult(err.Error())
	}
	if len(frames) == 0 {
		return errorResult("No data files loaded for this agent")
	}

	all := make([]*Frame, 0, len(frames))
	names := make([]string, 0, len(frames))
	for name := range frames {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		all = append(all, frames[name])
	}
	return Evaluate(Concat(all), query)
}

// agentFrames returns the cached frames, loading them on first access.
func (s *Service) agentFrames(agentID string) (map[string]*Frame, error) {
	s.mu.RLock()
	frames, ok := s.frames[agentID]
	s.mu.RUnlock()
	if ok {
		return frames, nil
	}
	if err := s.LoadFrames(agentID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frames[agentID], nil
}
