package main

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/yanet-platform/amq/amq"
	"github.com/yanet-platform/amq/amq/amqtest"
	"github.com/yanet-platform/amq/internal/logging"
	"github.com/yanet-platform/amq/internal/xcmd"
)

const (
	echoHandlerID    int64 = 1
	counterHandlerID int64 = 2
)

var runCmdArgs struct {
	ConfigPath   string
	Participants int
	Messages     int
	PayloadSize  int
	MaxPayload   int
	MsgCount     int
	Debug        bool
	LogLevel     string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Spin up N participants over an in-memory substrate and exchange messages",
	Long: `run opens an inbox per participant on an amqtest.Substrate, has every
participant send the same number of messages to every other participant via
BufferedSend, quiesces the whole group with ProcessBlocking, and reports how
many messages each participant's handlers observed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := defaultRunConfig()
		if runCmdArgs.ConfigPath != "" {
			loaded, err := loadRunConfig(runCmdArgs.ConfigPath)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		applyChangedFlags(cmd, cfg)
		return runDemo(cfg)
	},
}

func init() {
	flags := runCmd.Flags()
	flags.StringVar(&runCmdArgs.ConfigPath, "config", "", "Path to a YAML run configuration; flags override its values")
	flags.IntVar(&runCmdArgs.Participants, "participants", 4, "Number of participants in the group")
	flags.IntVar(&runCmdArgs.Messages, "messages", 20, "Messages each participant sends to each peer")
	flags.IntVar(&runCmdArgs.PayloadSize, "payload-size", 24, "Payload size in bytes for echo messages")
	flags.IntVar(&runCmdArgs.MaxPayload, "max-payload", 256, "max_payload passed to amq.Open")
	flags.IntVar(&runCmdArgs.MsgCount, "msg-count", 256, "msg_count passed to amq.Open")
	flags.BoolVar(&runCmdArgs.Debug, "debug", false, "Enable per-message debug logging")
	flags.StringVar(&runCmdArgs.LogLevel, "log-level", "info", "zap level: debug, info, warn, error")
}

// applyChangedFlags overlays onto cfg only the flags the user actually
// passed, so an unset flag never clobbers a value loaded from --config.
func applyChangedFlags(cmd *cobra.Command, cfg *runConfig) {
	flags := cmd.Flags()
	if flags.Changed("participants") {
		cfg.Participants = runCmdArgs.Participants
	}
	if flags.Changed("messages") {
		cfg.Messages = runCmdArgs.Messages
	}
	if flags.Changed("payload-size") {
		cfg.PayloadSize = runCmdArgs.PayloadSize
	}
	if flags.Changed("max-payload") {
		cfg.MaxPayload = runCmdArgs.MaxPayload
	}
	if flags.Changed("msg-count") {
		cfg.MsgCount = runCmdArgs.MsgCount
	}
	if flags.Changed("debug") {
		cfg.Debug = runCmdArgs.Debug
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = runCmdArgs.LogLevel
	}
}

func runDemo(cfg *runConfig) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	participants := cfg.Participants
	if participants < 2 {
		return fmt.Errorf("participants must be at least 2, got %d", participants)
	}

	maxPayload := datasize.ByteSize(cfg.MaxPayload)
	windowSize := amq.RequiredWindowSize(maxPayload, cfg.MsgCount)
	sub := amqtest.NewSubstrate(participants, windowSize)

	counters := make([]*atomic.Int64, participants)
	for i := range counters {
		counters[i] = new(atomic.Int64)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	go func() {
		if err := xcmd.WaitInterrupted(ctx); err != nil {
			if _, interrupted := err.(xcmd.Interrupted); interrupted {
				logger.Infow("interrupted, shutting down", "signal", err)
			}
			cancel()
		}
	}()

	inboxes := make([]*amq.Inbox, participants)
	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < participants; rank++ {
		rank := rank
		g.Go(func() error {
			counter := counters[rank]
			dispatcher := amq.DispatcherFunc(func(_ context.Context, handlerID int64, senderID int, payload []byte) error {
				switch handlerID {
				case counterHandlerID:
					counter.Add(1)
				case echoHandlerID:
					logger.Debugw("received", "recipient", rank, "sender", senderID, "payload", string(payload))
					counter.Add(1)
				default:
					return fmt.Errorf("unknown handler id %d", handlerID)
				}
				return nil
			})

			ib, err := amq.Open(gctx, sub.Group(rank), sub.Window(rank), dispatcher, maxPayload, cfg.MsgCount, amq.Options{
				Logger: logger,
				Debug:  cfg.Debug,
			})
			if err != nil {
				return fmt.Errorf("open rank %d: %w", rank, err)
			}
			inboxes[rank] = ib
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	payload := make([]byte, cfg.PayloadSize)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}

	sendGroup, sendCtx := errgroup.WithContext(ctx)
	for rank := 0; rank < participants; rank++ {
		rank := rank
		sendGroup.Go(func() error {
			for target := 0; target < participants; target++ {
				if target == rank {
					continue
				}
				for i := 0; i < cfg.Messages; i++ {
					if err := inboxes[rank].BufferedSend(sendCtx, target, echoHandlerID, payload); err != nil {
						return fmt.Errorf("rank %d send to %d: %w", rank, target, err)
					}
				}
			}
			return nil
		})
	}
	if err := sendGroup.Wait(); err != nil {
		return err
	}

	quiesceGroup, quiesceCtx := errgroup.WithContext(ctx)
	for rank := 0; rank < participants; rank++ {
		rank := rank
		quiesceGroup.Go(func() error {
			return inboxes[rank].ProcessBlocking(quiesceCtx)
		})
	}
	if err := quiesceGroup.Wait(); err != nil {
		return err
	}

	closeGroup, closeCtx := errgroup.WithContext(ctx)
	for rank := 0; rank < participants; rank++ {
		rank := rank
		closeGroup.Go(func() error {
			return inboxes[rank].Close(closeCtx)
		})
	}
	if err := closeGroup.Wait(); err != nil {
		return err
	}

	expectedPerParticipant := int64(cfg.Messages) * int64(participants-1)
	for rank, ib := range inboxes {
		stats := ib.Stats()
		fmt.Fprintf(os.Stdout, "rank %d: received=%d (want %d) sent=%d try_again=%d delivered=%d\n",
			rank, counters[rank].Load(), expectedPerParticipant, stats.Sent, stats.TryAgain, stats.Delivered)
	}

	return nil
}

func newLogger(level string) (*zap.SugaredLogger, error) {
	var lvl zapcore.Level
	if err := lvl.Set(level); err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	logger, _, err := logging.Init(&logging.Config{Level: lvl})
	if err != nil {
		return nil, err
	}
	return logger, nil
}
