package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/livekit/protocol/logger"

	collab "github.com/livekit/collab-server"
	"github.com/livekit/collab-server/pkg/chat"
	"github.com/livekit/collab-server/pkg/config"
	"github.com/livekit/collab-server/pkg/mediaengine"
	"github.com/livekit/collab-server/pkg/whiteboard"
	"github.com/livekit/collab-server/signalling"
)

const shutdownTimeout = 10 * time.Second

func main() {
	app := &cli.App{
		Name:  "collab-server",
		Usage: "Signalling server for rooms with audio, video, chat and a shared whiteboard",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to YAML config file",
				EnvVars: []string{"COLLAB_CONFIG_FILE"},
			},
			&cli.UintFlag{
				Name:  "port",
				Usage: "HTTP port, overrides config",
			},
			&cli.StringFlag{
				Name:    "announced-ip",
				Usage:   "IP advertised in ICE candidates, overrides config",
				EnvVars: []string{"ANNOUNCED_IP"},
			},
			&cli.BoolFlag{
				Name:  "dev",
				Usage: "debug logging",
			},
		},
		Action:  run,
		Version: collab.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	conf, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	if port := c.Uint("port"); port != 0 {
		conf.Port = uint32(port)
	}
	if ip := c.String("announced-ip"); ip != "" {
		conf.RTC.AnnouncedIP = ip
	}
	if c.Bool("dev") {
		conf.Logging.Level = "debug"
	}

	logger.InitFromConfig(&conf.Logging, "collab-server")
	l := logger.GetLogger()
	collab.SetLogger(l)

	engine, err := mediaengine.NewLocalEngine(mediaengine.LocalEngineParams{
		ListenIP:       conf.RTC.ListenIP,
		AnnouncedIP:    conf.RTC.AnnouncedIP,
		PortRangeStart: conf.RTC.PortRangeStart,
		PortRangeEnd:   conf.RTC.PortRangeEnd,
		Logger:         l,
	})
	if err != nil {
		return err
	}

	rooms := collab.NewRoomManager(collab.RoomManagerParams{
		Engine:           engine,
		MediaCodecs:      conf.MediaCodecs(),
		TransportOptions: conf.TransportOptions(),
		Logger:           l,
	})
	chats := chat.NewManager(chat.ManagerParams{
		HistorySize:      conf.Chat.HistorySize,
		TypingTimeout:    conf.Chat.TypingTimeout,
		MaxMessageLength: conf.Chat.MaxMessageLength,
		Logger:           l,
	})
	boards := whiteboard.NewManager(whiteboard.ManagerParams{
		MaxFrameBytes: conf.Whiteboard.MaxFrameBytes,
		Logger:        l,
	})
	handler := collab.NewSignalHandler(collab.SignalHandlerParams{
		RoomManager: rooms,
		Chat:        chats,
		Whiteboard:  boards,
		Logger:      l,
	})
	signalServer := signalling.NewServer(signalling.ServerParams{
		ConnectionParams: signalling.ConnectionParams{
			Logger:           l,
			Handler:          handler,
			WriteTimeout:     conf.Signal.WriteTimeout,
			PongWait:         conf.Signal.PongWait,
			PingInterval:     conf.Signal.PingInterval,
			ReadLimit:        conf.Signal.ReadLimit,
			SendQueueSize:    conf.Signal.SendQueueSize,
			RequestQueueSize: conf.Signal.RequestQueueSize,
		},
		AllowedOrigins: conf.AllowedOrigins,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", signalServer)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/debug/rooms", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"rooms":            rooms.Stats(),
			"connections":      signalServer.ConnectionCount(),
			"totalConnections": signalServer.TotalConnections(),
			"routers":          engine.RouterCount(),
			"transports":       engine.TransportCount(),
			"chatRooms":        chats.RoomCount(),
			"chatMessages":     chats.MessagesRelayed(),
			"boards":           boards.BoardCount(),
			"boardFrames":      boards.FramesRelayed(),
		})
	})

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addresses := conf.BindAddresses
	if len(addresses) == 0 {
		addresses = []string{""}
	}
	servers := make([]*http.Server, 0, len(addresses))
	for _, addr := range addresses {
		servers = append(servers, &http.Server{
			Addr:              net.JoinHostPort(addr, strconv.Itoa(int(conf.Port))),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			l.Infow("collab server listening", "addr", srv.Addr, "version", collab.Version)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		l.Infow("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		signalServer.Close()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				l.Warnw("server shutdown failed", err, "addr", srv.Addr)
			}
		}
		return nil
	})
	return g.Wait()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
