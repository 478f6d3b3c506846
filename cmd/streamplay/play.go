package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/elliotnunn/streamplay/internal/clocktime"
	"github.com/elliotnunn/streamplay/internal/config"
	"github.com/elliotnunn/streamplay/internal/messagesource"
	"github.com/elliotnunn/streamplay/internal/playback"
)

func newPlayCmd(configPath *string, mock *bool) *cobra.Command {
	var topicGlobs []string
	var speed float64
	var startAt, untilAt string

	c := &cobra.Command{
		Use:   "play <recording>",
		Short: "Play a recording's messages to stdout in time order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			sessionID := uuid.New().String()
			log := slog.Default().With("session", sessionID)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opened, err := openRecording(ctx, args[0], cfg, *mock)
			if err != nil {
				return err
			}
			defer opened.Close()

			core := playback.New(opened.src, playback.WithConfig(toPlaybackConfig(cfg)), playback.WithLogger(log))
			defer core.Close()

			done := make(chan struct{})
			var subscribed bool
			if err := core.SetListener(func(s playback.PlayerState) error {
				if !subscribed && len(s.Topics) > 0 {
					subscribed = true
					names := make([]string, 0, len(s.Topics))
					for _, t := range s.Topics {
						names = append(names, t.Name)
					}
					topics := resolveTopics(topicGlobs, names)
					if err := core.SetSubscriptions(topics); err != nil {
						log.Error("set subscriptions failed", "err", err)
					}
					if startAt != "" {
						sec, nsec, err := parseSeconds(startAt)
						if err != nil {
							log.Error("invalid --start", "err", err)
						} else if err := core.SeekPlayback(clocktime.New(sec, nsec)); err != nil {
							log.Error("seek playback failed", "err", err)
						}
					}
					if speed != 1 {
						if err := core.SetPlaybackSpeed(speed); err != nil {
							log.Error("set playback speed failed", "err", err)
						}
					}
					if err := core.StartPlayback(); err != nil {
						log.Error("start playback failed", "err", err)
					}
				}

				for _, item := range s.Messages {
					fmt.Fprintln(cmd.OutOrStdout(), describeItem(item))
				}

				if untilAt != "" {
					sec, nsec, err := parseSeconds(untilAt)
					if err == nil {
						until := clocktime.New(sec, nsec)
						if !s.CurrentTime.Before(until) {
							close1(done)
							return nil
						}
					}
				}
				if !s.IsPlaying && subscribed && !s.CurrentTime.Before(s.EndTime) {
					close1(done)
				}
				return nil
			}); err != nil {
				return err
			}

			select {
			case <-done:
			case <-ctx.Done():
			}
			return nil
		},
	}
	c.Flags().StringArrayVar(&topicGlobs, "topics", nil, "doublestar glob(s) selecting which topics to play; default all")
	c.Flags().Float64Var(&speed, "speed", 1, "playback speed multiplier")
	c.Flags().StringVar(&startAt, "start", "", "seek to this recording time, in seconds, before playing")
	c.Flags().StringVar(&untilAt, "until", "", "stop once currentTime reaches this many seconds")
	return c
}

// close1 closes a done channel exactly once, tolerating a double call
// from both the untilAt and end-of-recording branches in the same tick.
func close1(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func resolveTopics(globs []string, all []string) []string {
	if len(globs) == 0 {
		return all
	}
	var out []string
	for _, name := range all {
		for _, g := range globs {
			if doublestar.MatchUnvalidated(g, name) {
				out = append(out, name)
				break
			}
		}
	}
	return out
}

func describeItem(item messagesource.IterItem) string {
	switch v := item.(type) {
	case messagesource.ItemMessage:
		return fmt.Sprintf("%s\t%s\t%dB", v.Message.ReceiveTime, v.Message.Topic, v.Message.SizeBytes)
	case messagesource.ItemProblem:
		return fmt.Sprintf("problem[%s]\t%s\t%s", v.Severity, v.ConnectionID, v.Message)
	case messagesource.ItemStamp:
		return fmt.Sprintf("stamp\t%s", v.Time)
	default:
		return fmt.Sprintf("%+v", v)
	}
}

func toPlaybackConfig(cfg config.Config) playback.Config {
	return playback.Config{
		SeekBufferingDelay: cfg.Playback.SeekBufferingDelay,
		TickBufferingDelay: cfg.Playback.TickBufferingDelay,
		FramePace:          cfg.Playback.FramePace,
		StartSkip:          cfg.Playback.StartSkip,
		MinSpeed:           cfg.Playback.MinSpeed,
		MaxSpeed:           cfg.Playback.MaxSpeed,
	}
}
