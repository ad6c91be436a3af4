package orchestrator

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

const (
	segmentPattern = "segment%05d.ts"
	playlistName   = "playlist.m3u8"
)

var sourceReplacer = strings.NewReplacer("/", "_", ":", "_", "?", "_", "&", "_", `\`, "_")

// SanitizeSource turns a source locator into a single path element by
// replacing path and URL separators, e.g. "rtsp://cam1/live" becomes
// "rtsp___cam1_live".
func SanitizeSource(source string) string {
	s := sourceReplacer.Replace(source)
	if strings.Trim(s, ".") == "" {
		s = strings.Repeat("_", len(s)+1)
	}
	return s
}

// LayoutManager owns the on-disk layout of segmented output:
//
//	<root>/<sanitized-source>/<height>p/segment%05d.ts
//	<root>/<sanitized-source>/<height>p/playlist.m3u8
//	<root>/<sanitized-source>/master.m3u
type LayoutManager struct {
	root string

	mu    sync.Mutex
	locks map[string]*dirLock
}

// dirLock serializes work on one source directory. Entries live only while
// someone holds or waits for them.
type dirLock struct {
	mu   sync.Mutex
	refs int
}

// NewLayoutManager returns a manager rooted at root.
func NewLayoutManager(root string) *LayoutManager {
	return &LayoutManager{root: root, locks: make(map[string]*dirLock)}
}

// Root returns the output root directory.
func (m *LayoutManager) Root() string { return m.root }

// Dir returns the directory holding all output for source.
func (m *LayoutManager) Dir(source string) string {
	return filepath.Join(m.root, SanitizeSource(source))
}

// QualityDir returns the directory of one rendition.
func (m *LayoutManager) QualityDir(source string, q QualityProfile) string {
	return filepath.Join(m.Dir(source), q.Dir())
}

// SegmentLocation is the printf-style segment path handed to the segment sink.
func (m *LayoutManager) SegmentLocation(source string, q QualityProfile) string {
	return filepath.Join(m.QualityDir(source, q), segmentPattern)
}

// PlaylistLocation is the rendition playlist path handed to the segment sink.
func (m *LayoutManager) PlaylistLocation(source string, q QualityProfile) string {
	return filepath.Join(m.QualityDir(source, q), playlistName)
}

// Prepare resets the output directory for source: any previous output is
// removed, one directory per rendition of mode is created and the master
// manifest is written. It returns the renditions in manifest order.
// Concurrent calls for the same source are serialized.
func (m *LayoutManager) Prepare(source string, mode OutputMode) ([]QualityProfile, error) {
	return m.PrepareIf(source, mode, nil)
}

// PrepareIf is Prepare for a caller that may have been replaced while it
// waited. current runs under the directory lock; when it reports false
// nothing is touched and ErrSuperseded is returned. A nil current always
// proceeds.
func (m *LayoutManager) PrepareIf(source string, mode OutputMode, current func() bool) ([]QualityProfile, error) {
	if source == "" {
		return nil, ErrEmptySource
	}

	dir := m.Dir(source)
	unlock := m.lock(dir)
	defer unlock()

	if current != nil && !current() {
		return nil, ErrSuperseded
	}

	profiles := Ladder(mode)

	if err := os.RemoveAll(dir); err != nil {
		return nil, errors.Wrapf(err, "remove stale output %s", dir)
	}
	for _, q := range profiles {
		qdir := filepath.Join(dir, q.Dir())
		if err := os.MkdirAll(qdir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create rendition dir %s", qdir)
		}
	}
	if err := WriteMasterManifest(dir, profiles); err != nil {
		return nil, err
	}
	return profiles, nil
}

func (m *LayoutManager) lock(dir string) func() {
	m.mu.Lock()
	l, ok := m.locks[dir]
	if !ok {
		l = &dirLock{}
		m.locks[dir] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(m.locks, dir)
		}
		m.mu.Unlock()
	}
}
