// Command client is a terminal chat client: it signs in, keeps the chat list
// and one open conversation in sync over the realtime feed, and accepts
// line commands on stdin.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/stepup/flick/internal/chatstore"
	"github.com/stepup/flick/internal/logger"
	"github.com/stepup/flick/internal/model"
	"github.com/stepup/flick/internal/presence"
)

func main() {
	logger.SetPrefix("client")
	server := flag.String("server", "http://localhost:8080", "API base URL")
	email := flag.String("email", "", "account email")
	password := flag.String("password", "", "account password")
	flag.Parse()

	if *email == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "usage: client -email you@example.com -password secret [-server url]")
		os.Exit(2)
	}

	token, userID, err := login(*server, *email, *password)
	if err != nil {
		logger.Errorf("login: %v", err)
		os.Exit(1)
	}
	logger.Infof("signed in as %s", userID)

	backend := chatstore.NewRemote(*server, token, userID)
	feed, err := chatstore.NewWSFeed(*server, token)
	if err != nil {
		logger.Errorf("feed: %v", err)
		os.Exit(1)
	}
	defer feed.Close()

	agg := chatstore.NewAggregator(backend)
	bridge := chatstore.NewBridge(feed, userID,
		chatstore.WithPresenceObserver(func(uid string, status presence.Status) {
			fmt.Printf("* %s is %s\n", uid, status)
		}))
	bridge.AttachAggregator(agg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridge.Run(ctx)

	if err := agg.Load(ctx); err != nil {
		logger.Errorf("load chats: %v", err)
		os.Exit(1)
	}
	printChats(agg)

	var current *chatstore.Store
	sc := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "":
		case "chats":
			printChats(agg)
		case "open":
			if arg == "" {
				fmt.Println("usage: open <chat-id>")
				break
			}
			if current != nil {
				bridge.DetachStore(current.ChatID())
			}
			store := chatstore.NewStore(backend, arg)
			if err := store.LoadInitial(ctx); err != nil {
				logger.Errorf("open: %v", err)
				break
			}
			bridge.AttachStore(store)
			current = store
			printMessages(store)
			if err := store.MarkRead(ctx); err != nil {
				logger.Errorf("mark read: %v", err)
			}
		case "more":
			if current == nil {
				fmt.Println("no open chat")
				break
			}
			if err := current.LoadMore(ctx); err != nil {
				logger.Errorf("more: %v", err)
				break
			}
			printMessages(current)
		case "send":
			if current == nil {
				fmt.Println("no open chat")
				break
			}
			feed.Input()
			tag, err := current.Send(ctx, chatstore.Draft{Content: arg, Format: model.FormatPlain})
			if err != nil {
				logger.Errorf("send failed (tag %s): %v", tag, err)
				fmt.Printf("send failed; `retry %s` or `drop %s`\n", tag, tag)
			}
		case "retry":
			if current == nil {
				break
			}
			if err := current.Retry(ctx, arg); err != nil {
				logger.Errorf("retry: %v", err)
			}
		case "drop":
			if current != nil {
				current.Discard(arg)
			}
		case "read":
			if current == nil {
				break
			}
			if err := current.MarkRead(ctx); err != nil {
				logger.Errorf("read: %v", err)
			}
		case "show":
			if current != nil {
				printMessages(current)
			}
		case "quit", "exit":
			return
		default:
			fmt.Println("commands: chats, open <id>, show, more, send <text>, retry <tag>, drop <tag>, read, quit")
		}
		fmt.Print("> ")
	}
}

func login(server, email, password string) (token, userID string, err error) {
	body, _ := json.Marshal(map[string]string{"email": email, "password": password})
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Post(strings.TrimSuffix(server, "/")+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("status %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
		User  struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", err
	}
	return out.Token, out.User.ID, nil
}

func printChats(agg *chatstore.Aggregator) {
	rows := agg.Summaries()
	if len(rows) == 0 {
		fmt.Println("no chats yet")
		return
	}
	for _, row := range rows {
		last := "(empty)"
		if row.LastMessage != nil {
			last = row.LastMessage.Content
			if len(last) > 40 {
				last = last[:40] + "…"
			}
		}
		unread := ""
		if row.UnreadCount > 0 {
			unread = fmt.Sprintf(" [%d unread]", row.UnreadCount)
		}
		fmt.Printf("%s  %-20s %s%s\n", row.Chat.ID, row.Chat.Title, last, unread)
	}
	if total := agg.TotalUnread(); total > 0 {
		fmt.Printf("total unread: %d\n", total)
	}
}

func printMessages(store *chatstore.Store) {
	for _, e := range store.Visible() {
		mark := " "
		switch e.State {
		case chatstore.StatePending:
			mark = "…"
		case chatstore.StateFailed:
			mark = "!"
		}
		sender := "system"
		if e.Message.SenderID != nil {
			sender = *e.Message.SenderID
		}
		content := e.Message.Content
		if e.Message.IsDeleted {
			content = "(deleted)"
		}
		fmt.Printf("%s %s  %-12s %s\n", mark, e.Message.CreatedAt.Format("15:04"), sender, content)
	}
	if store.HasMore() {
		fmt.Println("-- `more` for older history --")
	}
}
