package zip

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Entry is one file placed into an archive.
type Entry struct {
	Name string
	Path string
}

// Collect lists the regular files under root with slash-separated names,
// sorted so archives are reproducible. Paths for which skip returns true are
// left out.
func Collect(root string, skip func(name string) bool) ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if skip != nil && skip(name) {
			return nil
		}
		entries = append(entries, Entry{Name: name, Path: path})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("zip: walk %s: %w", root, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Write streams entries into w as a deflate-compressed archive.
func Write(ctx context.Context, w io.Writer, entries []Entry) error {
	zw := zip.NewWriter(w)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			_ = zw.Close()
			return err
		}
		if err := addFile(zw, entry); err != nil {
			_ = zw.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("zip: finalize: %w", err)
	}
	return nil
}

// ArchiveDir compresses every file under root into dest and returns the
// archive size. dest is written through a temporary file and renamed.
func ArchiveDir(ctx context.Context, root, dest string) (int64, error) {
	absDest, err := filepath.Abs(dest)
	if err != nil {
		return 0, fmt.Errorf("zip: resolve destination: %w", err)
	}
	entries, err := Collect(root, func(name string) bool {
		p, _ := filepath.Abs(filepath.Join(root, filepath.FromSlash(name)))
		return p == absDest
	})
	if err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(absDest), "."+filepath.Base(absDest)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("zip: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()
	if err := Write(ctx, tmp, entries); err != nil {
		_ = tmp.Close()
		return 0, err
	}
	info, err := tmp.Stat()
	if err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("zip: stat archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("zip: close archive: %w", err)
	}
	if err := os.Rename(tmpName, absDest); err != nil {
		return 0, fmt.Errorf("zip: rename archive: %w", err)
	}
	tmpName = ""
	return info.Size(), nil
}

func addFile(zw *zip.Writer, entry Entry) error {
	f, err := os.Open(entry.Path)
	if err != nil {
		return fmt.Errorf("zip: open %s: %w", entry.Name, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("zip: stat %s: %w", entry.Name, err)
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("zip: header %s: %w", entry.Name, err)
	}
	header.Name = entry.Name
	header.Method = zip.Deflate
	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("zip: create %s: %w", entry.Name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("zip: copy %s: %w", entry.Name, err)
	}
	return nil
}
