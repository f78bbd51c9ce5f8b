package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/udisondev/phi/client"
	"github.com/udisondev/phi/p2p"
)

var (
	roomsVerbose bool
	roomsName    string
)

var roomsCmd = &cobra.Command{
	Use:   "rooms [room]",
	Short: "List open rooms or show one room",
	Args:  cobra.MaximumNArgs(1),
	Run:   runRooms,
}

func init() {
	roomsCmd.Flags().BoolVarP(&roomsVerbose, "verbose", "v", false, "Log to stderr")
	roomsCmd.Flags().StringVarP(&roomsName, "name", "n", "phi-cli", "Username to sign in with")
	rootCmd.AddCommand(roomsCmd)
}

func runRooms(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		exitWithError("Invalid configuration", err)
	}

	var out io.Writer = io.Discard
	if roomsVerbose || os.Getenv("DEBUG") != "" {
		out = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cl := client.New(client.Options{
		ICE:            cfg.ICE(),
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	})

	events, unsubscribe := cl.Subscribe(64)
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := cl.Connect(ctx, cfg.Server); err != nil {
		exitWithError("Failed to connect", err)
	}
	defer cl.Close()

	// сервер отвечает на запросы о комнатах только после INIT
	if err := cl.SetUsername(ctx, roomsName); err != nil {
		exitWithError("Failed to sign in", err)
	}
	if err := waitEvent(ctx, events, p2p.EventUsernameSynced); err != nil {
		exitWithError("Failed to sign in", err)
	}

	if len(args) == 1 {
		info, err := cl.RoomInfo(ctx, args[0])
		if err != nil {
			exitWithError("Room info failed", err)
		}
		fmt.Printf("Room:     %s\n", args[0])
		fmt.Printf("Host:     %s (%s)\n", info.HostUsername, info.HostID)
		fmt.Printf("Peers:    %d", info.CurrentPeers)
		if info.MaxPeers > 0 {
			fmt.Printf("/%d", info.MaxPeers)
		}
		fmt.Println()
		fmt.Printf("Password: %v\n", info.PasswordRequired)
		return
	}

	rooms, err := cl.RoomList(ctx)
	if err != nil {
		exitWithError("Room list failed", err)
	}
	if len(rooms) == 0 {
		fmt.Println("No open rooms")
		return
	}
	for _, name := range rooms {
		fmt.Println(name)
	}
}

// waitEvent ждет событие typ. Отключение от сервера прерывает ожидание.
func waitEvent(ctx context.Context, events <-chan p2p.Event, typ p2p.EventType) error {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return errors.New("event stream closed")
			}
			switch ev.Type {
			case typ:
				return nil
			case p2p.EventDisconnected:
				return errors.New("disconnected by server")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
