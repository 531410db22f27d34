package repo

import (
	"context"
	"fmt"
	"sync"

	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/domain"
)

// MemoryPackageStore keeps package records in process memory. It is used
// when no database is configured.
type MemoryPackageStore struct {
	mu        sync.RWMutex
	progress  map[string]domain.GenerationProgress
	manifests map[string]*domain.AssetManifest
	results   map[string]*domain.PackageResult
}

func NewMemoryPackageStore() *MemoryPackageStore {
	return &MemoryPackageStore{
		progress:  make(map[string]domain.GenerationProgress),
		manifests: make(map[string]*domain.AssetManifest),
		results:   make(map[string]*domain.PackageResult),
	}
}

func (s *MemoryPackageStore) SaveProgress(ctx context.Context, progress domain.GenerationProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[progress.PackageID] = progress
	return nil
}

func (s *MemoryPackageStore) GetProgress(ctx context.Context, packageID string) (*domain.GenerationProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.progress[packageID]
	if !ok {
		return nil, notFound(packageID)
	}
	return &p, nil
}

func (s *MemoryPackageStore) SaveManifest(ctx context.Context, manifest *domain.AssetManifest) error {
	if manifest == nil {
		return domain.Validationf("manifest is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests[manifest.PackageID] = manifest.Clone()
	return nil
}

func (s *MemoryPackageStore) GetManifest(ctx context.Context, packageID string) (*domain.AssetManifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.manifests[packageID]
	if !ok {
		return nil, notFound(packageID)
	}
	return m.Clone(), nil
}

func (s *MemoryPackageStore) SaveResult(ctx context.Context, result *domain.PackageResult) error {
	if result == nil {
		return domain.Validationf("result is required")
	}
	stored := *result
	stored.Manifest = result.Manifest.Clone()
	stored.Failures = append([]domain.FailureRecord(nil), result.Failures...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.PackageID] = &stored
	return nil
}

func (s *MemoryPackageStore) GetResult(ctx context.Context, packageID string) (*domain.PackageResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[packageID]
	if !ok {
		return nil, notFound(packageID)
	}
	out := *r
	out.Manifest = r.Manifest.Clone()
	out.Failures = append([]domain.FailureRecord(nil), r.Failures...)
	return &out, nil
}

func notFound(packageID string) error {
	return fmt.Errorf("repo: package %s: %w", packageID, domain.ErrNotFound)
}

var _ domain.PackageStore = (*MemoryPackageStore)(nil)
