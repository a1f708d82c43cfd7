// Package codec abstracts the WSI conversion backend. The pipeline's
// Dicomize step drives a Dicomizer; production deployments plug in a real
// converter, tests and local runs use the copy codec.
package codec

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Options configures one conversion run.
type Options struct {
	// Levels selects which pyramid levels to include; empty means all.
	Levels           []int
	IncludeLabels    bool
	IncludeOverviews bool
	WorkerThreads    int
}

// Metadata is the key/value block embedded into the converted output,
// derived from the item schema and the image's attributes.
type Metadata map[string]string

// Result describes the converted output inside the scratch directory.
type Result struct {
	Files  []string
	Format string
}

// Dicomizer converts a source image directory into the target WSI format.
type Dicomizer interface {
	// Dicomize reads sourceDir and writes the converted files into
	// scratchDir. The caller owns both directories.
	Dicomize(ctx context.Context, sourceDir, scratchDir string, meta Metadata, opts Options) (*Result, error)
}

// CopyDicomizer is a pass-through codec: it copies the source files into the
// scratch directory under a .dcm suffix and records the metadata block as a
// sidecar. It exists so the pipeline can run end to end without a converter
// binary installed.
type CopyDicomizer struct{}

var _ Dicomizer = (*CopyDicomizer)(nil)

// Dicomize copies every regular file from sourceDir into scratchDir.
func (CopyDicomizer) Dicomize(ctx context.Context, sourceDir, scratchDir string, meta Metadata, opts Options) (*Result, error) {
	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		return nil, fmt.Errorf("read source %s: %w", sourceDir, err)
	}

	result := &Result{Format: "dicom"}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if !opts.IncludeLabels && strings.HasPrefix(name, "label") {
			continue
		}
		if !opts.IncludeOverviews && strings.HasPrefix(name, "overview") {
			continue
		}
		out := strings.TrimSuffix(name, filepath.Ext(name)) + ".dcm"
		if err := copyFile(filepath.Join(sourceDir, name), filepath.Join(scratchDir, out)); err != nil {
			return nil, err
		}
		result.Files = append(result.Files, out)
	}
	if len(result.Files) == 0 {
		return nil, fmt.Errorf("source %s contains no convertible files", sourceDir)
	}

	if len(meta) > 0 {
		raw, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		sidecar := "metadata.json"
		if err := os.WriteFile(filepath.Join(scratchDir, sidecar), raw, 0o644); err != nil {
			return nil, fmt.Errorf("write metadata sidecar: %w", err)
		}
		result.Files = append(result.Files, sidecar)
	}
	return result, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	return out.Close()
}
