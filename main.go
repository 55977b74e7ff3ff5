package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/tomaslejdung/roomcast/pkg/media"
	"github.com/tomaslejdung/roomcast/pkg/peer"
	"github.com/tomaslejdung/roomcast/pkg/session"
	"github.com/tomaslejdung/roomcast/pkg/settings"
	"github.com/tomaslejdung/roomcast/pkg/signalstore"
)

// Config holds runtime configuration
type Config struct {
	Room      string
	Name      string
	RedisAddr string
	RedisPass string
	STUN      string
	Demo      bool
	Help      bool
}

func parseFlags() Config {
	saved, err := settings.Load()
	if err != nil {
		log.Printf("Loading settings: %v (using defaults)", err)
		saved = settings.DefaultSettings()
	}

	config := Config{}

	flag.StringVar(&config.Room, "room", saved.Room, "Chat room to stream in")
	flag.StringVar(&config.Room, "r", saved.Room, "Chat room to stream in (shorthand)")

	flag.StringVar(&config.Name, "name", saved.DisplayName, "Display name shown to other participants")
	flag.StringVar(&config.Name, "n", saved.DisplayName, "Display name (shorthand)")

	flag.StringVar(&config.RedisAddr, "redis", saved.RedisAddr, "Redis address for the signaling store")
	flag.StringVar(&config.RedisPass, "redis-pass", "", "Redis password")

	flag.StringVar(&config.STUN, "stun", saved.STUNServer, "STUN server URL")

	flag.BoolVar(&config.Demo, "demo", false, "Use an in-process signaling store (single machine demo)")

	flag.BoolVar(&config.Help, "help", false, "Show help")
	flag.BoolVar(&config.Help, "h", false, "Show help (shorthand)")

	flag.Parse()
	return config
}

func printUsage() {
	fmt.Println("roomcast - broadcast live audio/video to a chat room over WebRTC")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  roomcast [flags]")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Keys:")
	fmt.Println("  s  start streaming in the room")
	fmt.Println("  x  stop streaming / stop viewing")
	fmt.Println("  q  quit")
}

func main() {
	config := parseFlags()
	if config.Help {
		printUsage()
		return
	}
	if !signalstore.ValidateRoomID(config.Room) {
		log.Fatalf("Invalid room name: %q", config.Room)
	}
	if config.Name == "" {
		config.Name = "anonymous"
	}

	ctx := context.Background()

	var store signalstore.Store
	var status signalstore.StatusStore
	if config.Demo {
		mem := signalstore.NewMemoryStore()
		store, status = mem, mem
		log.Println("Using in-process signaling store (demo mode)")
	} else {
		rs, err := signalstore.NewRedisStore(ctx, config.RedisAddr, config.RedisPass, 0)
		if err != nil {
			log.Fatalf("Failed to connect to the signaling store: %v", err)
		}
		defer rs.Close()
		store, status = rs, rs
		log.Printf("Signaling store connected (%s)", config.RedisAddr)
	}

	// Synthetic capture sources stand in for platform camera/microphone
	// capture; the transport and negotiation paths are the real thing.
	device := media.NewCaptureDevice(
		media.NewSyntheticVideo(33*time.Millisecond),
		media.NewSyntheticAudio(20*time.Millisecond),
	)

	events := make(chan uiEvent, 64)

	ctrl, err := session.NewController(session.Config{
		RoomID:     config.Room,
		UserID:     uuid.New().String(),
		UserName:   config.Name,
		Store:      store,
		Status:     status,
		Device:     device,
		Peers:      peer.WebRTCFactory{},
		PeerConfig: peer.Config{STUNServers: []string{config.STUN}},
		Notify: func(level session.Level, message string) {
			select {
			case events <- uiEvent{note: message, level: level}:
			default:
			}
		},
	})
	if err != nil {
		log.Fatalf("Failed to create session controller: %v", err)
	}

	reconciler := session.NewReconciler(ctrl)
	if err := reconciler.Run(ctx); err != nil {
		log.Fatalf("Failed to start the room reconciler: %v", err)
	}
	defer reconciler.Stop()

	// Feed room status changes into the TUI alongside notifications.
	unsubStatus, err := status.SubscribeStatus(ctx, config.Room, func(st signalstore.RoomStatus, err error) {
		if err != nil {
			return
		}
		select {
		case events <- uiEvent{status: &st}:
		default:
		}
	})
	if err != nil {
		log.Fatalf("Failed to watch room status: %v", err)
	}
	defer unsubStatus()

	if err := RunTUI(ctrl, config, events); err != nil {
		log.Printf("TUI error: %v", err)
		os.Exit(1)
	}

	// Leave nothing behind in the room on the way out.
	ctrl.StopStreaming(ctx)
	ctrl.StopViewing(ctx)
}
