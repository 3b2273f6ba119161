package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/voicemesh/internal/adapters/device"
	"github.com/dkeye/voicemesh/internal/adapters/presence"
	"github.com/dkeye/voicemesh/internal/adapters/rtc"
	"github.com/dkeye/voicemesh/internal/config"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/playback"
	"github.com/dkeye/voicemesh/internal/voice"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	flags := pflag.NewFlagSet("voicemesh", pflag.ExitOnError)
	flags.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "-", "_"))
	})
	flags.String("server-url", "", "rendezvous server base URL")
	flags.String("room", "", "room code")
	flags.Int64("player", 0, "player id in the room")
	flags.String("name", "", "display name")
	flags.String("color", "", "display color")
	flags.String("log-level", "", "trace, debug, info, warn or error")
	flags.StringSlice("ice-servers", nil, "STUN/TURN urls")
	flags.String("camera-file", "", "IVF file played as the camera")
	flags.Duration("retry-delay", 0, "delay before re-dialing a closed call")
	flags.Float64("speaking-threshold", 0, "mean spectrum level that counts as speech")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.LoadClient(flags)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("voicemesh stopped")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ClientConfig) error {
	room, self := domain.RoomCode(cfg.Room), domain.PlayerID(cfg.Player)
	name := cfg.Name
	if name == "" {
		name = "Player " + self.String()
	}

	dir := presence.New(cfg.ServerURL)
	if _, err := dir.Join(ctx, room, domain.Participant{ID: self, Name: name, Color: cfg.Color}); err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := dir.Leave(leaveCtx, room, self); err != nil {
			log.Warn().Err(err).Msg("leave room")
		}
	}()

	devs, err := device.New(device.Config{CameraFile: cfg.CameraFile})
	if err != nil {
		return err
	}
	defer devs.Close()
	speaker, err := devs.OpenSpeaker()
	if err != nil {
		return err
	}
	defer speaker.Close()

	signalURL := websocketURL(cfg.ServerURL) + "/peerjs"
	client := voice.New(voice.Options{
		Room:      room,
		Self:      self,
		Devices:   devs,
		Directory: dir,
		NewChannel: func() (core.Channel, error) {
			ch, err := rtc.NewChannel(rtc.Config{URL: signalURL, ICEServers: cfg.ICEServers, PingPeriod: cfg.PingPeriod})
			if err != nil {
				return nil, err
			}
			return ch, nil
		},
		Output:         speaker,
		Video:          newVideoLog(),
		NewDecoder:     playback.NewOpusDecoder,
		Mesh:           cfg.Mesh,
		Speaking:       cfg.Speaking,
		RosterInterval: cfg.RosterInterval,
		Camera:         core.VideoConstraints{Width: cfg.CameraWidth, Height: cfg.CameraHeight},
	})

	p := &printer{}
	unsubscribe := client.Subscribe(p.print)
	defer unsubscribe()

	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Disconnect()
	fmt.Println("connected: m = toggle mute, v = toggle video, d = dismiss error, q = quit")

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- strings.TrimSpace(sc.Text())
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch line {
			case "m":
				if err := client.ToggleMute(ctx); err != nil {
					log.Warn().Err(err).Msg("toggle mute")
				}
			case "v":
				if err := client.ToggleVideo(ctx); err != nil {
					log.Warn().Err(err).Msg("toggle video")
				}
			case "d":
				client.DismissError()
			case "q":
				return nil
			case "":
			default:
				fmt.Println("unknown command:", line)
			}
		}
	}
}

func websocketURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}
