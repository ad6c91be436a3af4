package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"stream-orchestrator/internal/media"
)

// Defaults applied when a request carries no retention policy.
const (
	DefaultMaxFiles        = 17280
	DefaultSegmentDuration = 2
)

// OutputKind selects how a session's output is delivered.
type OutputKind int

const (
	// KindSegmented writes rolling HLS segments and playlists to disk.
	KindSegmented OutputKind = iota
	// KindPeerDelivered hands the stream to a WebRTC sink.
	KindPeerDelivered
)

// String returns the stream type name used in stream keys and requests.
func (k OutputKind) String() string {
	switch k {
	case KindSegmented:
		return "HLS"
	case KindPeerDelivered:
		return "WebRTC"
	default:
		return fmt.Sprintf("OutputKind(%d)", int(k))
	}
}

// ParseOutputKind accepts "HLS" or "WebRTC" in any case.
func ParseOutputKind(s string) (OutputKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hls":
		return KindSegmented, nil
	case "webrtc":
		return KindPeerDelivered, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownOutputKind, s)
	}
}

// OutputMode determines whether and how the source is transcoded.
type OutputMode int

const (
	// ModeNoTranscode remuxes the source as-is.
	ModeNoTranscode OutputMode = iota
	// ModeSingleQuality produces one transcoded rendition.
	ModeSingleQuality
	// ModeMultiQuality fans out to the full quality ladder.
	ModeMultiQuality
)

// String returns the request spelling of the mode.
func (m OutputMode) String() string {
	switch m {
	case ModeNoTranscode:
		return "none"
	case ModeSingleQuality:
		return "single"
	case ModeMultiQuality:
		return "multi"
	default:
		return fmt.Sprintf("OutputMode(%d)", int(m))
	}
}

// ParseOutputMode accepts "none", "single" or "multi". An empty string means none.
func ParseOutputMode(s string) (OutputMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return ModeNoTranscode, nil
	case "single":
		return ModeSingleQuality, nil
	case "multi":
		return ModeMultiQuality, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownOutputMode, s)
	}
}

// QualityProfile is one adaptive-bitrate rendition. Bitrate is in kbit/s.
type QualityProfile struct {
	Width   int
	Height  int
	Bitrate int
}

// Dir is the rendition's directory name, e.g. "720p".
func (q QualityProfile) Dir() string {
	return fmt.Sprintf("%dp", q.Height)
}

// Bandwidth is the bitrate in bit/s as advertised in the master manifest.
func (q QualityProfile) Bandwidth() int {
	return q.Bitrate * 1000
}

// Resolution renders WIDTHxHEIGHT.
func (q QualityProfile) Resolution() string {
	return fmt.Sprintf("%dx%d", q.Width, q.Height)
}

// PlaylistPath is the rendition playlist relative to the master manifest.
func (q QualityProfile) PlaylistPath() string {
	return q.Dir() + "/playlist.m3u8"
}

var (
	Profile1080p = QualityProfile{Width: 1920, Height: 1080, Bitrate: 4000}
	Profile720p  = QualityProfile{Width: 1280, Height: 720, Bitrate: 2500}
	Profile480p  = QualityProfile{Width: 640, Height: 480, Bitrate: 1000}
)

// Ladder returns the renditions for a mode, highest quality first. Layout and
// topology both derive their renditions from here.
func Ladder(mode OutputMode) []QualityProfile {
	if mode == ModeMultiQuality {
		return []QualityProfile{Profile1080p, Profile720p, Profile480p}
	}
	return []QualityProfile{Profile1080p}
}

// RetentionPolicy bounds the segments kept per rendition.
type RetentionPolicy struct {
	MaxFiles        int
	SegmentDuration int // seconds
}

// DefaultRetention returns the policy used when a request specifies none.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{MaxFiles: DefaultMaxFiles, SegmentDuration: DefaultSegmentDuration}
}

// OrDefault fills zero or negative fields from def.
func (r RetentionPolicy) OrDefault(def RetentionPolicy) RetentionPolicy {
	if r.MaxFiles <= 0 {
		r.MaxFiles = def.MaxFiles
	}
	if r.SegmentDuration <= 0 {
		r.SegmentDuration = def.SegmentDuration
	}
	return r
}

// StreamKey identifies a session: the source locator and the output kind.
type StreamKey string

// NewStreamKey formats "<source>-<kind>".
func NewStreamKey(source string, kind OutputKind) StreamKey {
	return StreamKey(source + "-" + kind.String())
}

// Split recovers the source and output kind from a key.
func (k StreamKey) Split() (string, OutputKind, error) {
	i := strings.LastIndex(string(k), "-")
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed stream key %q", string(k))
	}
	kind, err := ParseOutputKind(string(k)[i+1:])
	if err != nil {
		return "", 0, err
	}
	return string(k)[:i], kind, nil
}

// Phase is the coarse lifecycle position of a session.
type Phase int

const (
	PhaseStarting Phase = iota
	PhaseRunning
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StopReason records why a session reached PhaseStopped.
type StopReason int

const (
	ReasonNone StopReason = iota
	ReasonNormalEnd
	ReasonConstructionError
	ReasonRuntimeError
	ReasonSinkUnavailable
)

// String returns a metric-label friendly name.
func (r StopReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonNormalEnd:
		return "normal_end"
	case ReasonConstructionError:
		return "construction_error"
	case ReasonRuntimeError:
		return "runtime_error"
	case ReasonSinkUnavailable:
		return "sink_unavailable"
	default:
		return "unknown"
	}
}

// SessionState is the registry entry for one stream key.
type SessionState struct {
	Key StreamKey
	// SessionID distinguishes successive sessions registered under one key.
	SessionID string
	Source    string
	Kind      OutputKind
	Mode      OutputMode

	Phase  Phase
	Reason StopReason
	Detail string

	// Graph is set only while Phase is PhaseRunning.
	Graph media.Graph

	UpdatedAt time.Time
}

// Running returns a copy of s in PhaseRunning holding g.
func (s SessionState) Running(g media.Graph) SessionState {
	s.Phase = PhaseRunning
	s.Graph = g
	s.Reason = ReasonNone
	s.Detail = ""
	return s
}

// Stopped returns a copy of s in PhaseStopped with no graph handle.
func (s SessionState) Stopped(reason StopReason, detail string) SessionState {
	s.Phase = PhaseStopped
	s.Graph = nil
	s.Reason = reason
	s.Detail = detail
	return s
}

// Message is the short human-readable phrase reported by listings.
func (s SessionState) Message() string {
	switch s.Phase {
	case PhaseStarting:
		return "Starting"
	case PhaseRunning:
		return "Started"
	}
	if s.Detail != "" {
		return s.Detail
	}
	switch s.Reason {
	case ReasonNormalEnd:
		return "Pipeline Ended"
	case ReasonSinkUnavailable:
		return "Bus not initialized"
	case ReasonRuntimeError:
		return "Pipeline error"
	default:
		return "Failed to build pipeline"
	}
}

// StreamStatus is the listing projection of a SessionState.
type StreamStatus struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
}

// Status projects s for listings.
func (s SessionState) Status() StreamStatus {
	return StreamStatus{Status: s.Phase == PhaseRunning, Message: s.Message()}
}
