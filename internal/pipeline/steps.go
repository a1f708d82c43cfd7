package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // source folders may carry PNG previews
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"

	"github.com/histoflow/histoflow/internal/codec"
	"github.com/histoflow/histoflow/internal/filestore"
	"github.com/histoflow/histoflow/internal/idgen"
	"github.com/histoflow/histoflow/internal/schema"
	"github.com/histoflow/histoflow/internal/types"
)

// Task is the per-image unit of work threaded through the steps. Steps
// mutate Image and Path; the runner persists the result after the last step
// succeeds.
type Task struct {
	Project *types.Project
	Image   *types.Item
	// Path is the directory the next step reads from. It starts at the
	// image's download folder and moves as steps produce output.
	Path string
	// SourcePath is the original download folder, kept so Finish can remove
	// it after the content has moved on.
	SourcePath string

	scratch []string
}

// AddScratch registers a temporary directory for removal during cleanup.
func (t *Task) AddScratch(dir string) {
	t.scratch = append(t.scratch, dir)
}

func (t *Task) takeScratch() []string {
	dirs := t.scratch
	t.scratch = nil
	return dirs
}

// Step is one stage of image processing. Run may replace t.Path and update
// t.Image; Cleanup must tolerate being called whether or not Run ran and
// must not fail.
type Step interface {
	Name() string
	Run(ctx context.Context, t *Task) error
	Cleanup(t *Task)
}

// DicomizeStep converts the source folder into the target WSI format in a
// scratch directory and embeds a metadata block derived from the item's
// schema and attributes.
type DicomizeStep struct {
	Codec codec.Dicomizer
	Opts  codec.Options
	Reg   *schema.Registry
}

func (s *DicomizeStep) Name() string { return "dicomize" }

func (s *DicomizeStep) Run(ctx context.Context, t *Task) error {
	scratch, err := os.MkdirTemp("", "hf-dicomize-")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	t.AddScratch(scratch)

	res, err := s.Codec.Dicomize(ctx, t.Path, scratch, s.metadata(t.Image), s.Opts)
	if err != nil {
		return err
	}
	files := make([]types.ImageFile, 0, len(res.Files))
	for _, name := range res.Files {
		files = append(files, types.ImageFile{UID: idgen.New(), Filename: name})
	}
	t.Image.Files = files
	t.Image.Format = res.Format
	t.Path = scratch
	return nil
}

// metadata renders the block embedded into the converted output: the item
// schema name plus the display value of every public attribute.
func (s *DicomizeStep) metadata(img *types.Item) codec.Metadata {
	meta := codec.Metadata{}
	if is, ok := s.Reg.ItemSchema(img.SchemaUID); ok {
		meta["schema"] = is.Name
	}
	for tag, a := range img.Attributes {
		if a != nil && a.DisplayValue != "" {
			meta[tag] = a.DisplayValue
		}
	}
	return meta
}

func (s *DicomizeStep) Cleanup(t *Task) {
	for _, dir := range t.takeScratch() {
		_ = os.RemoveAll(dir)
	}
}

// ThumbnailStep renders a JPEG preview from the first decodable image file
// in the original download folder and stores it. Folders without a preview
// source are skipped, not failed.
type ThumbnailStep struct {
	Files        filestore.Store
	MaxSize      int
	UsePseudonym bool
}

func (s *ThumbnailStep) Name() string { return "thumbnail" }

func (s *ThumbnailStep) Run(ctx context.Context, t *Task) error {
	// The conversion step has already repointed t.Path at its output, where
	// every file carries the target format's extension. Preview sources live
	// in the download folder.
	dir := t.SourcePath
	if dir == "" {
		dir = t.Path
	}
	src, err := findPreview(dir)
	if err != nil {
		return err
	}
	if src == nil {
		return nil
	}

	data, err := encodeThumbnail(src, s.MaxSize)
	if err != nil {
		return err
	}
	path, err := s.Files.StoreThumbnail(ctx, t.Project, t.Image, data, s.UsePseudonym)
	if err != nil {
		return err
	}
	t.Image.ThumbnailPath = path
	return nil
}

func (s *ThumbnailStep) Cleanup(t *Task) {}

func findPreview(dir string) (image.Image, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read folder %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".png", ".jpg", ".jpeg":
		default:
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read preview %s: %w", entry.Name(), err)
		}
		img, _, err := image.Decode(bytes.NewReader(raw))
		if err != nil {
			continue
		}
		return img, nil
	}
	return nil, nil
}

func encodeThumbnail(src image.Image, maxSize int) ([]byte, error) {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if maxSize > 0 && (w > maxSize || h > maxSize) {
		if w >= h {
			h = h * maxSize / w
			w = maxSize
		} else {
			w = w * maxSize / h
			h = maxSize
		}
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
		src = dst
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, nil); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// StoreStep moves the processed folder to its final location.
type StoreStep struct {
	Files        filestore.Store
	UsePseudonym bool
}

func (s *StoreStep) Name() string { return "store" }

func (s *StoreStep) Run(ctx context.Context, t *Task) error {
	final, err := s.Files.StoreImage(ctx, t.Project, t.Image, t.Path, s.UsePseudonym)
	if err != nil {
		return err
	}
	t.Path = final
	return nil
}

func (s *StoreStep) Cleanup(t *Task) {}

// FinishStep removes the original download folder once its content has been
// stored elsewhere.
type FinishStep struct {
	DeleteSource bool
}

func (s *FinishStep) Name() string { return "finish" }

func (s *FinishStep) Run(ctx context.Context, t *Task) error {
	if s.DeleteSource && t.SourcePath != "" && t.SourcePath != t.Path {
		if err := os.RemoveAll(t.SourcePath); err != nil {
			return fmt.Errorf("remove source folder: %w", err)
		}
	}
	return nil
}

func (s *FinishStep) Cleanup(t *Task) {}
