package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"stevedore/internal/config"
	"stevedore/internal/daemon"
	"stevedore/internal/store"
)

// RunLocal executes one request in-process, without a running daemon. It
// takes the daemon lock for the duration, so it fails while a daemon is up.
// onProgress, when set, is polled with the item's view until it finishes.
func RunLocal(ctx context.Context, cfg *config.Config, logger *slog.Logger, req daemon.SubmitRequest, onProgress func(daemon.ItemView)) (daemon.ItemView, error) {
	local := *cfg
	local.Paths.APIBind = ""
	local.Metrics.Enabled = false

	st, err := store.Open(&local)
	if err != nil {
		return daemon.ItemView{}, err
	}
	defer st.Close()

	d, err := daemon.New(&local, st, logger)
	if err != nil {
		return daemon.ItemView{}, err
	}
	if err := d.Start(ctx); err != nil {
		return daemon.ItemView{}, fmt.Errorf("local mode: %w", err)
	}
	defer d.Stop()

	view, err := d.Submit(ctx, req)
	if err != nil {
		return daemon.ItemView{}, err
	}

	done := make(chan struct{})
	defer close(done)
	if onProgress != nil {
		go func() {
			ticker := time.NewTicker(250 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if current, err := d.Describe(ctx, view.Handle); err == nil {
						onProgress(current)
					}
				}
			}
		}()
	}

	final, err := d.Await(ctx, view.Handle)
	if err != nil {
		// Interrupted: cancel the item and report however it ended.
		_, _ = d.Cancel(context.Background(), view.Handle)
		final, err = d.Await(context.Background(), view.Handle)
		if err != nil {
			return view, err
		}
	}
	return final, nil
}
