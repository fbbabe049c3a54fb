package zip

import (
	"archive/zip"
	"bytes"
	"strings"
)

type Asset struct {
	Filename string
	MIME     string
	Data     []byte
}

// storedMIMEs are formats that are already compressed; deflating them again
// wastes CPU for no size gain, so they go into the archive uncompressed.
var storedMIMEs = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"video/mp4":  true,
}

// ArchiveAssets packs the assets into a single zip. Assets without a
// filename are skipped. Returns nil when a write fails.
func ArchiveAssets(assets []Asset) []byte {
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for _, asset := range assets {
		if asset.Filename == "" {
			continue
		}
		hdr := &zip.FileHeader{
			Name:   asset.Filename,
			Method: zip.Deflate,
		}
		if storedMIMEs[strings.ToLower(asset.MIME)] {
			hdr.Method = zip.Store
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			continue
		}
		if _, err := w.Write(asset.Data); err != nil {
			return nil
		}
	}
	if err := zw.Close(); err != nil {
		return nil
	}
	return buf.Bytes()
}
