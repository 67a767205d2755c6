//go:build portaudio

package main

import (
	"github.com/MrWong99/radiocast/internal/config"
	"github.com/MrWong99/radiocast/pkg/audio"
	"github.com/MrWong99/radiocast/pkg/audio/portaudio"
)

func registerPortAudio(reg *config.Registry) {
	reg.RegisterSource("portaudio", func(c config.CaptureConfig) (audio.Source, error) {
		var opts []portaudio.Option
		if c.PortAudio.Device != "" {
			opts = append(opts, portaudio.WithDevice(c.PortAudio.Device))
		}
		if c.PortAudio.FramesPerBuffer > 0 {
			opts = append(opts, portaudio.WithFramesPerBuffer(c.PortAudio.FramesPerBuffer))
		}
		return portaudio.New(opts...), nil
	})
}
