package risk

import (
	"context"
	"os"
	"sync"
)

// PolicySource поставляет текущую политику при создании шлюза и на ReloadPolicy
type PolicySource interface {
	Load(ctx context.Context) (*Policy, error)
}

// StaticSource источник политики в памяти
type StaticSource struct {
	mu     sync.RWMutex
	policy *Policy
}

// NewStaticSource создает источник с начальной политикой
func NewStaticSource(p *Policy) *StaticSource {
	return &StaticSource{policy: p.Clone()}
}

// Set заменяет политику, отдаваемую при следующей загрузке
func (s *StaticSource) Set(p *Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p.Clone()
}

// Load реализует PolicySource
func (s *StaticSource) Load(ctx context.Context) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.policy == nil {
		return nil, newPolicyError("static source has no policy", nil)
	}
	return s.policy.Clone(), nil
}

// FileSource читает политику из YAML файла
type FileSource struct {
	Path string
}

// NewFileSource создает файловый источник
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Load реализует PolicySource
func (s *FileSource) Load(ctx context.Context) (*Policy, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, newPolicyError("failed to read policy file "+s.Path, err)
	}
	return ParsePolicy(data)
}
