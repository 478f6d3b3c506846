package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/elliotnunn/streamplay/internal/cachedfile"
	"github.com/elliotnunn/streamplay/internal/config"
	"github.com/elliotnunn/streamplay/internal/fetcher"
	"github.com/elliotnunn/streamplay/internal/fetcherpool"
	"github.com/elliotnunn/streamplay/internal/messagesource"
	"github.com/elliotnunn/streamplay/internal/seekindex"
)

// openedSource bundles a BagSource with the resources that must outlive
// it and be released together: the seekindex store (if any). The shared
// connection pool is not part of it and is not released by Close.
type openedSource struct {
	src   *messagesource.BagSource
	hints *seekindex.Store
}

func (o *openedSource) Close() error {
	var err error
	if o.src != nil {
		err = o.src.Terminate()
	}
	if o.hints != nil {
		if cerr := o.hints.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

var sharedPool *fetcherpool.Pool

func poolFor(cfg config.Config) *fetcherpool.Pool {
	if sharedPool == nil {
		sharedPool = fetcherpool.New(cfg.Network.MaxOpenConnections, cfg.Network.MaxOpenConnections*8)
	}
	return sharedPool
}

// openRecording resolves recordingArg (a URL, or a local path when mock
// is set) into an open BagSource through the same cachedfile/fetcherpool
// pipeline the playback core itself depends on.
func openRecording(ctx context.Context, recordingArg string, cfg config.Config, mock bool) (*openedSource, error) {
	var f fetcher.RangedFetcher
	var identity string
	if mock {
		data, err := readFile(recordingArg)
		if err != nil {
			return nil, err
		}
		m := fetcher.NewMock(data)
		f = m
		identity = recordingArg
	} else {
		hf := fetcher.NewHTTPFetcher(recordingArg)
		f = hf
		identity = recordingArg
	}

	pool := poolFor(cfg)
	key := identity
	cf := cachedfile.New(f, cfg.Cache.BudgetBytes,
		cachedfile.WithBlockSize(cfg.Cache.BlockSizeBytes),
		cachedfile.WithCloseEnough(cfg.Cache.CloseEnoughBytes),
		cachedfile.WithHardFailureWindow(cfg.Playback.HardFailureWindow),
		cachedfile.WithPool(pool, key),
	)
	if _, err := cf.Open(ctx); err != nil {
		return nil, fmt.Errorf("streamplay: opening %s: %w", recordingArg, err)
	}

	var hints *seekindex.Store
	if cfg.SeekIndexPath != "" {
		h, err := seekindex.Open(cfg.SeekIndexPath)
		if err != nil {
			cf.Close()
			return nil, fmt.Errorf("streamplay: opening seek index at %s: %w", cfg.SeekIndexPath, err)
		}
		hints = h
	}

	src, err := messagesource.Open(ctx, cf, identity, hints)
	if err != nil {
		cf.Close()
		if hints != nil {
			hints.Close()
		}
		return nil, err
	}

	return &openedSource{src: src, hints: hints}, nil
}

// parseSeconds parses a "12.5"-style CLI argument into clocktime's
// (sec, nsec) pair.
func parseSeconds(s string) (sec, nsec int64, err error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	sec = int64(f)
	nsec = int64((f - float64(sec)) * 1e9)
	return sec, nsec, nil
}
