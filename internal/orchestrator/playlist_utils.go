package orchestrator

import (
	"os"
	"path/filepath"

	"github.com/livepeer/m3u8"
	"github.com/pkg/errors"
)

// MasterManifestName is the file written next to the rendition directories.
const MasterManifestName = "master.m3u"

// BuildMasterManifest renders a master playlist with one variant per profile,
// in profile order. Each variant points at the rendition's own playlist.
func BuildMasterManifest(profiles []QualityProfile) string {
	pl := m3u8.NewMasterPlaylist()
	for _, q := range profiles {
		pl.Append(q.PlaylistPath(), nil, m3u8.VariantParams{
			Bandwidth:  uint32(q.Bandwidth()),
			Resolution: q.Resolution(),
		})
	}
	return pl.String()
}

// WriteMasterManifest writes the master playlist into dir. The file is
// written under a temporary name and renamed so players never read a
// partial manifest.
func WriteMasterManifest(dir string, profiles []QualityProfile) error {
	path := filepath.Join(dir, MasterManifestName)
	tmp, err := os.CreateTemp(dir, ".master-*")
	if err != nil {
		return errors.Wrap(err, "create master manifest")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(BuildMasterManifest(profiles)); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write master manifest")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close master manifest")
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return errors.Wrap(err, "chmod master manifest")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "publish master manifest")
}
