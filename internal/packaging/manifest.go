package packaging

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/domain"
)

// ManifestBuilder accumulates items phase by phase. It is the only writer of
// a package manifest.
type ManifestBuilder struct {
	mu       sync.Mutex
	manifest domain.AssetManifest
	sealed   bool
}

func NewManifestBuilder(packageID, missionID string, createdAt time.Time) *ManifestBuilder {
	return &ManifestBuilder{manifest: domain.AssetManifest{
		PackageID: packageID,
		MissionID: missionID,
		CreatedAt: createdAt.UTC(),
		Items:     []domain.AssetManifestItem{},
		Phases:    []domain.PhaseStats{},
	}}
}

// AppendPhase records the items and statistics of one finished phase.
func (b *ManifestBuilder) AppendPhase(stats domain.PhaseStats, items []domain.AssetManifestItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return fmt.Errorf("packaging: manifest %s already sealed", b.manifest.PackageID)
	}
	for _, item := range items {
		b.manifest.Items = append(b.manifest.Items, item)
		b.manifest.TotalBytes += item.Size
	}
	b.manifest.TotalAssets = len(b.manifest.Items)
	b.manifest.Phases = append(b.manifest.Phases, stats)
	return nil
}

// Items returns a copy of the items appended so far.
func (b *ManifestBuilder) Items() []domain.AssetManifestItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.AssetManifestItem(nil), b.manifest.Items...)
}

// Snapshot returns a deep copy of the manifest in its current state.
func (b *ManifestBuilder) Snapshot() *domain.AssetManifest {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.manifest
	return m.Clone()
}

// Seal freezes the manifest and signs it. With an empty key the signature is
// a plain sha256 digest of the unsigned document.
func (b *ManifestBuilder) Seal(partial bool, key []byte) (*domain.AssetManifest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sealed = true
	b.manifest.Partial = partial
	b.manifest.Signature = ""
	sig, err := Sign(&b.manifest, key)
	if err != nil {
		return nil, err
	}
	b.manifest.Signature = sig
	m := b.manifest
	return m.Clone(), nil
}

// Sign computes the signature over m with its Signature field cleared.
// HMAC signatures are prefixed "hmac-sha256:", plain digests "sha256:".
func Sign(m *domain.AssetManifest, key []byte) (string, error) {
	unsigned := *m
	unsigned.Signature = ""
	payload, err := json.Marshal(&unsigned)
	if err != nil {
		return "", fmt.Errorf("packaging: encode manifest for signing: %w", err)
	}
	if len(key) == 0 {
		sum := sha256.Sum256(payload)
		return "sha256:" + hex.EncodeToString(sum[:]), nil
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return "hmac-sha256:" + hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether m carries a valid signature for key.
func Verify(m *domain.AssetManifest, key []byte) bool {
	if m == nil || m.Signature == "" {
		return false
	}
	want, err := Sign(m, key)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(m.Signature))
}

// Checksum is the hex sha256 of data, as stored in manifest items.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
