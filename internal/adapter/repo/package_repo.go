package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/domain"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/infra"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/sqlinline"
)

// PackageRepositoryPG implements domain.PackageStore on PostgreSQL. Records
// are stored as jsonb documents keyed by package id.
type PackageRepositoryPG struct {
	sql infra.SQLExecutor
}

func NewPackageRepository(sql infra.SQLExecutor) *PackageRepositoryPG {
	return &PackageRepositoryPG{sql: sql}
}

// EnsureSchema creates the package table when missing.
func (r *PackageRepositoryPG) EnsureSchema(ctx context.Context) error {
	if _, err := r.sql.Exec(ctx, sqlinline.QEnsurePackageSchema); err != nil {
		return fmt.Errorf("repo: ensure package schema: %w", err)
	}
	return nil
}

func (r *PackageRepositoryPG) SaveProgress(ctx context.Context, progress domain.GenerationProgress) error {
	payload, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("repo: encode progress: %w", err)
	}
	_, err = r.sql.Exec(ctx, sqlinline.QUpsertPackageProgress, progress.PackageID, string(progress.State), payload)
	return err
}

func (r *PackageRepositoryPG) GetProgress(ctx context.Context, packageID string) (*domain.GenerationProgress, error) {
	var progress domain.GenerationProgress
	if err := r.getJSON(ctx, sqlinline.QGetPackageProgress, packageID, &progress); err != nil {
		return nil, err
	}
	return &progress, nil
}

func (r *PackageRepositoryPG) SaveManifest(ctx context.Context, manifest *domain.AssetManifest) error {
	if manifest == nil {
		return domain.Validationf("manifest is required")
	}
	payload, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("repo: encode manifest: %w", err)
	}
	tag, err := r.sql.Exec(ctx, sqlinline.QSavePackageManifest, manifest.PackageID, payload, manifest.MissionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("repo: package %s: %w", manifest.PackageID, domain.ErrNotFound)
	}
	return nil
}

func (r *PackageRepositoryPG) GetManifest(ctx context.Context, packageID string) (*domain.AssetManifest, error) {
	var manifest domain.AssetManifest
	if err := r.getJSON(ctx, sqlinline.QGetPackageManifest, packageID, &manifest); err != nil {
		return nil, err
	}
	return &manifest, nil
}

func (r *PackageRepositoryPG) SaveResult(ctx context.Context, result *domain.PackageResult) error {
	if result == nil {
		return domain.Validationf("result is required")
	}
	// The manifest has its own column.
	stored := *result
	stored.Manifest = nil
	payload, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("repo: encode result: %w", err)
	}
	tag, err := r.sql.Exec(ctx, sqlinline.QSavePackageResult, result.PackageID, payload)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("repo: package %s: %w", result.PackageID, domain.ErrNotFound)
	}
	return nil
}

func (r *PackageRepositoryPG) GetResult(ctx context.Context, packageID string) (*domain.PackageResult, error) {
	var result domain.PackageResult
	if err := r.getJSON(ctx, sqlinline.QGetPackageResult, packageID, &result); err != nil {
		return nil, err
	}
	if manifest, err := r.GetManifest(ctx, packageID); err == nil {
		result.Manifest = manifest
	}
	return &result, nil
}

func (r *PackageRepositoryPG) getJSON(ctx context.Context, query, packageID string, dest any) error {
	var raw []byte
	if err := r.sql.QueryRow(ctx, query, packageID).Scan(&raw); err != nil {
		if infra.IsNoRows(err) {
			return fmt.Errorf("repo: package %s: %w", packageID, domain.ErrNotFound)
		}
		return err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("repo: decode package %s: %w", packageID, err)
	}
	return nil
}

var _ domain.PackageStore = (*PackageRepositoryPG)(nil)
