// Package source checks that a network source is reachable and carries a
// video stream the orchestrator can package before a graph is built for it.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
)

var (
	// ErrUnreachable means the source did not answer a DESCRIBE.
	ErrUnreachable = errors.New("source unreachable")
	// ErrNoVideo means the source answered but offers no H.264 or H.265 track.
	ErrNoVideo = errors.New("source has no supported video track")
)

// Prober checks a source before a graph is built for it.
type Prober interface {
	Probe(ctx context.Context, locator string) error
}

// NopProber accepts every source.
type NopProber struct{}

func (NopProber) Probe(context.Context, string) error { return nil }

// RTSPProber issues an RTSP DESCRIBE and inspects the advertised medias.
// Locators with other schemes are accepted without a check.
type RTSPProber struct {
	Timeout time.Duration
}

// Probe implements Prober.
func (p RTSPProber) Probe(ctx context.Context, locator string) error {
	scheme := strings.ToLower(strings.SplitN(locator, "://", 2)[0])
	if scheme != "rtsp" && scheme != "rtsps" {
		return nil
	}

	u, err := base.ParseURL(locator)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}

	c := gortsplib.Client{
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}

	type result struct {
		desc *description.Session
		err  error
	}
	done := make(chan result, 1)
	go func() {
		if err := c.Start(u.Scheme, u.Host); err != nil {
			done <- result{err: err}
			return
		}
		defer c.Close()
		desc, _, err := c.Describe(u)
		done <- result{desc: desc, err: err}
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrUnreachable, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("%w: %v", ErrUnreachable, r.err)
		}
		if !HasSupportedVideo(r.desc) {
			return ErrNoVideo
		}
		return nil
	}
}

// HasSupportedVideo reports whether desc advertises an H.264 or H.265 format.
func HasSupportedVideo(desc *description.Session) bool {
	if desc == nil {
		return false
	}
	for _, m := range desc.Medias {
		for _, f := range m.Formats {
			switch f.(type) {
			case *format.H264, *format.H265:
				return true
			}
		}
	}
	return false
}
