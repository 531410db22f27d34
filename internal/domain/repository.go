package domain

import "context"

// PackageStore persists package progress, manifests and results so the
// caller-facing API can answer after the run finished.
type PackageStore interface {
	SaveProgress(ctx context.Context, progress GenerationProgress) error
	GetProgress(ctx context.Context, packageID string) (*GenerationProgress, error)
	SaveManifest(ctx context.Context, manifest *AssetManifest) error
	GetManifest(ctx context.Context, packageID string) (*AssetManifest, error)
	SaveResult(ctx context.Context, result *PackageResult) error
	GetResult(ctx context.Context, packageID string) (*PackageResult, error)
}
