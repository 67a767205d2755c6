package settings

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/radiocast/internal/filewatch"
)

// Watch polls the settings file every interval and calls onChange after an
// external edit changed its content. Writes made through [Store.Update] do
// not trigger onChange. Watch blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, interval time.Duration, onChange func(old, new Settings)) {
	filewatch.Poll(ctx, interval, func() {
		old, cur, changed, err := s.Reload()
		if err != nil {
			slog.Warn("settings: reload rejected", "path", s.Path(), "err", err)
			return
		}
		if !changed {
			return
		}
		slog.Info("settings: reloaded after external edit", "path", s.Path())
		if onChange != nil {
			onChange(old, cur)
		}
	})
}
