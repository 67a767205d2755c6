//go:build !portaudio

package main

import "github.com/MrWong99/radiocast/internal/config"

// registerPortAudio is a no-op unless built with -tags portaudio.
func registerPortAudio(*config.Registry) {}
