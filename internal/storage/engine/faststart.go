package engine

import (
	"context"
	"io"

	"github.com/kk-code-lab/medialake/internal/storage/isobmff"
)

// ExportFastStart writes the current version of a logical path to w
// with its moov box relocated ahead of the media data, for progressive
// playback. Non-container files are streamed unchanged.
func (e *Engine) ExportFastStart(ctx context.Context, logicalPath string, w io.Writer) error {
	rc, man, err := e.Get(ctx, logicalPath)
	if err != nil {
		return err
	}
	defer rc.Close()

	if !man.Media.Container {
		_, err := io.Copy(w, rc)
		return err
	}
	// Box reordering needs the whole file; manifests describe media
	// assets, so this buffers one asset.
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	patched, err := isobmff.FastStart(data)
	if err != nil {
		return err
	}
	_, err = w.Write(patched)
	return err
}
