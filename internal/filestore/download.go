package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/histoflow/histoflow/internal/types"
)

// LocalDownloader fetches image sources from a local inbox tree laid out as
// <inbox>/<image identifier>/. The source folder is copied into the image's
// download scratch directory so pipeline steps may consume or delete it.
type LocalDownloader struct {
	Inbox string
	Store *Local
}

// Download copies the image's source folder into scratch space and returns
// the scratch path plus the file names found at its top level.
func (d *LocalDownloader) Download(ctx context.Context, project *types.Project, img *types.Item) (string, []string, error) {
	src := filepath.Join(d.Inbox, img.Identifier)
	info, err := os.Stat(src)
	if err != nil {
		return "", nil, fmt.Errorf("download %s: %w", img.Identifier, err)
	}
	if !info.IsDir() {
		return "", nil, fmt.Errorf("download %s: %s is not a directory", img.Identifier, src)
	}

	dst, err := d.Store.CreateDownloadImagePath(project, img)
	if err != nil {
		return "", nil, err
	}
	if err := copyTree(ctx, src, dst); err != nil {
		return "", nil, fmt.Errorf("download %s: %w", img.Identifier, err)
	}

	entries, err := os.ReadDir(dst)
	if err != nil {
		return "", nil, fmt.Errorf("download %s: %w", img.Identifier, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return dst, names, nil
}
