package agent_config

import (
	"os"
	"path/filepath"
)

// Config files pull other files in through include blocks. FullReader
// resolves those names and loads their content; the mock keeps tests off
// the filesystem.
type FullReader interface {
	Normalize(name string) string
	// nil,nil means the file does not exist
	ReadAll(name string) ([]byte, error)
}

// OsFullReader resolves relative include names against a base directory,
// typically the directory of the top config file.
type OsFullReader struct {
	base string
}

func NewOsFullReader(base string) *OsFullReader { return &OsFullReader{base: base} }

func (r *OsFullReader) Normalize(name string) string {
	if filepath.IsAbs(name) {
		return filepath.Clean(name)
	}
	return filepath.Clean(filepath.Join(r.base, name))
}

func (r *OsFullReader) ReadAll(name string) ([]byte, error) {
	b, err := os.ReadFile(name)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return b, err
}

// MockFullReader serves sources from a map keyed by cleaned name.
type MockFullReader struct {
	Map map[string]string
}

func NewMockFullReader(sources map[string]string) *MockFullReader {
	return &MockFullReader{Map: sources}
}

func (r *MockFullReader) Normalize(name string) string { return filepath.Clean(name) }

func (r *MockFullReader) ReadAll(name string) ([]byte, error) {
	if s, ok := r.Map[name]; ok {
		return []byte(s), nil
	}
	return nil, nil
}
