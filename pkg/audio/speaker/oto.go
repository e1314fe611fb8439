//go:build !nocgo

package speaker

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

// contextReadyTimeout bounds the wait for the audio backend to initialise.
const contextReadyTimeout = 5 * time.Second

var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
)

// New opens the default sound device. Without [WithFormat] it uses
// [DefaultFormat].
func New(opts ...Option) (*Speaker, error) {
	cfg := config{format: DefaultFormat}
	for _, o := range opts {
		o(&cfg)
	}

	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   cfg.format.SampleRate,
			ChannelCount: cfg.format.Channels,
			Format:       oto.FormatSignedInt16LE,
		})
		if err != nil {
			otoErr = fmt.Errorf("speaker: create audio context: %w", err)
			return
		}
		select {
		case <-ready:
			otoCtx = ctx
		case <-time.After(contextReadyTimeout):
			otoErr = fmt.Errorf("speaker: audio context not ready after %s", contextReadyTimeout)
		}
	})
	if otoErr != nil {
		return nil, otoErr
	}

	pr, pw := io.Pipe()
	player := otoCtx.NewPlayer(pr)
	player.Play()

	s := NewWriter(pw, cfg.format)
	s.closer = func() error {
		player.Pause()
		err := player.Close()
		pr.Close()
		return err
	}
	return s, nil
}
