// Command peer is a headless meeting participant: it joins a room over
// the signaling socket, meshes with every other member, and publishes a
// silent audio track. Useful for load tests and as a reference client.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"

	"github.com/meshmeet/meshmeet/internal/v1/config"
	"github.com/meshmeet/meshmeet/internal/v1/logging"
	"github.com/meshmeet/meshmeet/internal/v1/protocol"
	"github.com/meshmeet/meshmeet/pkg/rtc"
	"github.com/meshmeet/meshmeet/pkg/signal"
)

func main() {
	roomID := flag.String("room", "lobby", "room to join")
	userID := flag.String("user", "", "stable user id (random if empty)")
	nickname := flag.String("nickname", "headless", "display name")
	flag.Parse()

	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}
	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	log := logging.GetLogger()

	self := *userID
	if self == "" {
		self = uuid.NewString()
	}

	audio, err := silentAudioTrack()
	if err != nil {
		log.Fatal("creating audio track failed", zap.Error(err))
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var mgr *rtc.Manager

	client := signal.New(cfg.PeerServerURL, self, *nickname, signal.Handlers{
		OnExistingParticipants: func(participants []protocol.ParticipantInfo) {
			for _, p := range participants {
				if p.UserID != self {
					mgr.Initiate(p.UserID)
				}
			}
		},
		OnUserJoined: func(p protocol.ParticipantInfo) {
			mgr.Initiate(p.UserID)
		},
		OnUserRejoined: func(p protocol.ParticipantInfo) {
			// The remote came back on a fresh socket; its old link is dead.
			mgr.Remove(p.UserID)
			mgr.Initiate(p.UserID)
		},
		OnUserLeft: func(userID string) {
			mgr.Remove(userID)
		},
		OnSignal: func(from string, raw json.RawMessage) {
			mgr.IngestSignal(from, raw)
		},
		OnReceiveMessage: func(msg protocol.ReceiveMessage) {
			log.Info("chat",
				zap.String("sender", msg.SenderNickname),
				zap.String("content", msg.Content))
		},
	}, log)

	mgr = rtc.NewManager(self, client, rtc.NewPionFactory(rtc.PionConfig{
		STUNURLs: cfg.STUNURLs,
		Log:      log,
	}), log)
	mgr.SetLocalTracks([]webrtc.TrackLocal{audio})
	go mgr.Run(ctx)
	go pumpSilence(ctx, audio, log)

	// Recorded now, sent once the socket is up.
	_ = client.Join(*roomID)

	log.Info("headless peer starting",
		zap.String("user_id", self),
		zap.String("room_id", *roomID),
		zap.String("server", cfg.PeerServerURL))

	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("signaling client exited", zap.Error(err))
	}

	mgr.Close()
	log.Info("headless peer exiting")
}

// silentAudioTrack builds an opus track that carries silence so remote
// peers negotiate a real audio section.
func silentAudioTrack() (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio-"+uuid.NewString(),
		"meshmeet-peer",
	)
}

// Minimal opus frame encoding silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

func pumpSilence(ctx context.Context, track *webrtc.TrackLocalStaticSample, log *zap.Logger) {
	const frame = 20 * time.Millisecond
	ticker := time.NewTicker(frame)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: frame}); err != nil {
				log.Warn("writing audio sample failed", zap.Error(err))
			}
		}
	}
}
