package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/masterbook/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// history
	historyPage     int
	historyPageSize int
	historyJSON     bool

	// send
	sendReplyTo int64
	sendJSON    bool

	// listen
	listenHistory int
)

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <room-id>",
	Short: "Show one page of a room's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := parseID("room", args[0])
		if err != nil {
			return err
		}
		cfg, err := requireToken()
		if err != nil {
			return err
		}
		client := newAPIClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := client.FetchHistory(ctx, chatsync.HistoryRequest{
			RoomID: roomID, Page: historyPage, PageSize: historyPageSize,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		timeline := chatsync.MergeTimeline(msgs, nil)

		if historyJSON {
			return printJSON(timeline)
		}
		if len(timeline) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range timeline {
			printMessage(m)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <room-id> <text>",
	Short: "Send a text message to a room",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := parseID("room", args[0])
		if err != nil {
			return err
		}
		cfg, err := requireToken()
		if err != nil {
			return err
		}
		client := newAPIClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		req := chatsync.SendRequest{
			RoomID:      roomID,
			MessageType: chatsync.MessageText,
			Content:     strings.Join(args[1:], " "),
		}
		if sendReplyTo > 0 {
			req.ReplyToID = &sendReplyTo
		}

		msg, err := client.SendMessage(ctx, req)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Message sent (id: %d)\n", msg.ID)
		return nil
	},
}

// ============================================================================
// read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <room-id> [message-id]",
	Short: "Mark a message, or the whole room, as read",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := parseID("room", args[0])
		if err != nil {
			return err
		}
		var messageID int64
		if len(args) == 2 {
			if messageID, err = parseID("message", args[1]); err != nil {
				return err
			}
		}
		cfg, err := requireToken()
		if err != nil {
			return err
		}
		client := newAPIClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.MarkRead(ctx, chatsync.ReadRequest{RoomID: roomID, MessageID: messageID}); err != nil {
			return fmt.Errorf("mark read failed: %w", err)
		}
		if messageID == 0 {
			fmt.Printf("Room %d marked as read.\n", roomID)
		} else {
			fmt.Printf("Message %d marked as read.\n", messageID)
		}
		return nil
	},
}

// ============================================================================
// listen
// ============================================================================

var listenCmd = &cobra.Command{
	Use:   "listen <room-id>",
	Short: "Follow a room live until interrupted",
	Long:  "Connect to the gateway, join the room and print messages, typing and read receipts as they arrive.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := parseID("room", args[0])
		if err != nil {
			return err
		}
		cfg, err := requireToken()
		if err != nil {
			return err
		}
		if cfg.Default.GatewayURL == "" {
			return fmt.Errorf("no gateway configured; run 'chatsync config set default.gateway_url <url>' or set %s", envGatewayURL)
		}

		log := newLogger()
		sess, err := chatsync.NewSession(chatsync.Config{
			GatewayURL: cfg.Default.GatewayURL,
			Token:      cfg.Auth.Token,
			SelfID:     cfg.Auth.UserID,
			Logger:     &log,
		}, newAPIClient(cfg))
		if err != nil {
			return err
		}
		defer sess.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sess.Connection().OnStateChange(func(ev chatsync.StateEvent) {
			switch {
			case ev.Terminal:
				fmt.Printf("-- connection lost after %d attempts\n", ev.Attempt)
				stop()
			case ev.New == chatsync.StateReconnecting:
				fmt.Printf("-- reconnecting in %s (attempt %d)\n", ev.Delay, ev.Attempt)
			default:
				fmt.Printf("-- %s\n", ev.New)
			}
		})

		room := sess.Rooms().Subscribe(roomID)
		room.OnMessage(printMessage)
		room.OnEdit(func(e chatsync.MessageEdit) {
			fmt.Printf("-- message %d edited: %s\n", e.ID, e.Content)
		})
		room.OnDelete(func(d chatsync.MessageDelete) {
			fmt.Printf("-- message %d deleted\n", d.ID)
		})
		room.OnRead(func(rr chatsync.ReadReceipt) {
			if rr.MessageID == 0 {
				fmt.Printf("-- user %d read the room\n", rr.UserID)
				return
			}
			fmt.Printf("-- user %d read message %d\n", rr.UserID, rr.MessageID)
		})
		sess.Typing().OnChange(func(id int64) {
			if id != roomID {
				return
			}
			if label := sess.Typing().Label(id); label != "" {
				fmt.Printf("-- %s typing...\n", label)
			}
		})

		if err := room.Join(ctx); err != nil {
			return err
		}
		if listenHistory > 0 {
			timeline, err := sess.Store().LoadHistory(ctx, roomID, 1, listenHistory)
			if err != nil {
				return fmt.Errorf("load history: %w", err)
			}
			for _, m := range timeline {
				printMessage(m)
			}
		}
		if err := sess.Connect(ctx); err != nil {
			log.Warn().Err(err).Msg("initial connect failed; retrying in background")
		}

		<-ctx.Done()
		return nil
	},
}

// ============================================================================
// Output helpers
// ============================================================================

func printMessage(m chatsync.ChatMessage) {
	flags := ""
	if m.IsEdited {
		flags += " (edited)"
	}
	if m.IsRead {
		flags += " ✓"
	}
	fmt.Printf("[%s] #%d user %d: %s%s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), m.ID, m.SenderID, m.Content, flags)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func init() {
	historyCmd.Flags().IntVar(&historyPage, "page", 1, "Page number")
	historyCmd.Flags().IntVarP(&historyPageSize, "page-size", "n", 50, "Messages per page")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().Int64Var(&sendReplyTo, "reply-to", 0, "Message id this message replies to")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	listenCmd.Flags().IntVar(&listenHistory, "history", 20, "Messages of history to print before following (0 to skip)")

	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(listenCmd)
}
