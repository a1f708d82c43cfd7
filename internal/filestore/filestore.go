// Package filestore implements the storage collaborator: final image
// locations, thumbnails, metadata exports, and download scratch space on a
// local filesystem root.
package filestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // thumbnail sources may be PNG
	"io"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"

	"github.com/histoflow/histoflow/internal/types"
)

// Store is the storage collaborator contract. The pipeline and the exporter
// only depend on this interface; Local is the filesystem implementation.
type Store interface {
	ProjectOutbox(project *types.Project) (string, error)
	StoreImage(ctx context.Context, project *types.Project, img *types.Item, sourceDir string, usePseudonym bool) (string, error)
	StoreThumbnail(ctx context.Context, project *types.Project, img *types.Item, data []byte, usePseudonym bool) (string, error)
	// GetThumbnail returns nil bytes when no thumbnail is stored. A positive
	// size bounds the longer edge; the thumbnail is resized on read.
	GetThumbnail(ctx context.Context, img *types.Item, size int) ([]byte, error)
	StoreMetadata(ctx context.Context, project *types.Project, files map[string]io.Reader) error
	StorePseudonyms(ctx context.Context, project *types.Project, pseudonyms map[string]string) error
	CreateDownloadImagePath(project *types.Project, img *types.Item) (string, error)
	CleanupDownload(project *types.Project, img *types.Item) error
	CleanupProject(ctx context.Context, project *types.Project) error
}

// Local stores everything under a single base directory:
//
//	<base>/projects/<project-uid>/outbox
//	<base>/projects/<project-uid>/images/<name>
//	<base>/projects/<project-uid>/thumbnails/<name>.jpg
//	<base>/projects/<project-uid>/downloads/<image-uid>
type Local struct {
	base string
}

var _ Store = (*Local)(nil)

// NewLocal creates a filesystem store rooted at base.
func NewLocal(base string) (*Local, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve base path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create base path: %w", err)
	}
	return &Local{base: abs}, nil
}

func (l *Local) projectDir(project *types.Project) string {
	return filepath.Join(l.base, "projects", project.UID.String())
}

// targetName picks the externally visible name for an image's artifacts.
// Pseudonym when requested and present, identifier otherwise.
func targetName(img *types.Item, usePseudonym bool) string {
	if usePseudonym && img.Pseudonym != "" {
		return img.Pseudonym
	}
	return img.Identifier
}

// ProjectOutbox returns (creating if needed) the project's export staging
// directory.
func (l *Local) ProjectOutbox(project *types.Project) (string, error) {
	dir := filepath.Join(l.projectDir(project), "outbox")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create outbox: %w", err)
	}
	return dir, nil
}

// StoreImage moves the processed directory to its final location. A rename
// is attempted first; cross-device moves fall back to a copy. Calling it
// again for the same image replaces the previous content, so retries
// converge on the same final path.
func (l *Local) StoreImage(ctx context.Context, project *types.Project, img *types.Item, sourceDir string, usePseudonym bool) (string, error) {
	target := filepath.Join(l.projectDir(project), "images", targetName(img, usePseudonym))
	if sourceDir == target {
		return target, nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return "", fmt.Errorf("create images dir: %w", err)
	}
	if err := os.RemoveAll(target); err != nil {
		return "", fmt.Errorf("clear previous image dir: %w", err)
	}
	if err := os.Rename(sourceDir, target); err != nil {
		if err := copyTree(ctx, sourceDir, target); err != nil {
			return "", err
		}
	}
	return target, nil
}

// StoreThumbnail writes the thumbnail bytes and returns the stored path.
func (l *Local) StoreThumbnail(ctx context.Context, project *types.Project, img *types.Item, data []byte, usePseudonym bool) (string, error) {
	dir := filepath.Join(l.projectDir(project), "thumbnails")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create thumbnails dir: %w", err)
	}
	path := filepath.Join(dir, targetName(img, usePseudonym)+".jpg")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write thumbnail: %w", err)
	}
	return path, nil
}

// GetThumbnail reads the stored thumbnail, scaling it down when the longer
// edge exceeds size. Absent thumbnails return nil without error.
func (l *Local) GetThumbnail(ctx context.Context, img *types.Item, size int) ([]byte, error) {
	if img.ThumbnailPath == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(img.ThumbnailPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read thumbnail: %w", err)
	}
	if size <= 0 {
		return raw, nil
	}

	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode thumbnail for %s: %w", img.UID, err)
	}
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= size && h <= size {
		return raw, nil
	}
	if w >= h {
		h = h * size / w
		w = size
	} else {
		w = w * size / h
		h = size
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, nil); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// StoreMetadata writes export metadata streams into the project outbox under
// their sub-paths.
func (l *Local) StoreMetadata(ctx context.Context, project *types.Project, files map[string]io.Reader) error {
	outbox, err := l.ProjectOutbox(project)
	if err != nil {
		return err
	}
	for subPath, r := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := filepath.Join(outbox, filepath.FromSlash(subPath))
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return fmt.Errorf("create metadata dir: %w", err)
		}
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create %s: %w", subPath, err)
		}
		if _, err := io.Copy(f, r); err != nil {
			_ = f.Close()
			return fmt.Errorf("write %s: %w", subPath, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close %s: %w", subPath, err)
		}
	}
	return nil
}

// StorePseudonyms writes the identifier→pseudonym map next to the export so
// the receiving side can resolve names.
func (l *Local) StorePseudonyms(ctx context.Context, project *types.Project, pseudonyms map[string]string) error {
	raw, err := json.MarshalIndent(pseudonyms, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pseudonyms: %w", err)
	}
	return l.StoreMetadata(ctx, project, map[string]io.Reader{
		"pseudonyms.json": bytes.NewReader(raw),
	})
}

// CreateDownloadImagePath returns (creating if needed) the scratch directory
// an image downloads into.
func (l *Local) CreateDownloadImagePath(project *types.Project, img *types.Item) (string, error) {
	dir := filepath.Join(l.projectDir(project), "downloads", img.UID.String())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	return dir, nil
}

// CleanupDownload removes an image's download scratch directory.
func (l *Local) CleanupDownload(project *types.Project, img *types.Item) error {
	return os.RemoveAll(filepath.Join(l.projectDir(project), "downloads", img.UID.String()))
}

// CleanupProject removes every artifact stored for the project.
func (l *Local) CleanupProject(ctx context.Context, project *types.Project) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.RemoveAll(l.projectDir(project))
}

func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		in, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer in.Close()
		out, err := os.Create(target)
		if err != nil {
			return fmt.Errorf("create %s: %w", target, err)
		}
		if _, err := io.Copy(out, in); err != nil {
			_ = out.Close()
			return fmt.Errorf("copy to %s: %w", target, err)
		}
		return out.Close()
	})
}
