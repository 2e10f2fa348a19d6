package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"bazarchat/internal/adapter/rest"
	"bazarchat/internal/domain/entity"
	"bazarchat/internal/infrastructure/reconnect"
	ws "bazarchat/internal/infrastructure/websocket"
	"bazarchat/internal/usecase"
	"bazarchat/pkg/config"
	"bazarchat/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration: %v", err)
	}

	policy := reconnect.DefaultPolicy()
	policy.MaxAttempts = uint64(cfg.ReconnectAttempts)

	registry := ws.NewRegistry(cfg.ReleaseGrace)
	defer registry.CleanupAll()

	backend := rest.NewClient(cfg.APIBaseURL, cfg.AuthToken)
	session := usecase.NewSession(registry, backend, usecase.SessionOptions{
		Role:              entity.Role(cfg.Role),
		UserID:            cfg.UserID,
		Endpoint:          cfg.WSEndpoint,
		Token:             cfg.AuthToken,
		Policy:            policy,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReadDwell:         cfg.ReadDwell,
		TypingIdle:        cfg.TypingIdle,
	})
	session.OnStatus = func(channel string, status ws.Status) {
		fmt.Printf("<< %s channel: %s\n", channel, status)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := session.Mount(ctx); err != nil {
		logger.Fatal("Mount failed: %v", err)
	}
	defer session.Unmount()

	repl := &repl{session: session}
	session.OnChange = repl.onChange

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})
	group.Go(func() error {
		repl.run(ctx)
		stop()
		return nil
	})

	group.Wait()
	fmt.Println("bye")
}

type repl struct {
	session *usecase.Session
	active  entity.ID
}

func (r *repl) run(ctx context.Context) {
	fmt.Println("commands: /list, /open <id>, /refresh, /quit; anything else sends a message")
	scanner := bufio.NewScanner(os.Stdin)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/list":
			r.list()
		case line == "/refresh":
			r.session.Refresh(ctx)
			r.list()
		case strings.HasPrefix(line, "/open "):
			r.open(ctx, entity.ID(strings.TrimSpace(strings.TrimPrefix(line, "/open "))))
		default:
			r.send(ctx, line)
		}
	}
}

func (r *repl) list() {
	store := r.session.Store()
	for _, conversation := range store.Conversations() {
		marker := " "
		if conversation.ID == r.active {
			marker = "*"
		}
		preview := ""
		if conversation.LastMessage != nil {
			preview = conversation.LastMessage.Content
		}
		fmt.Printf("%s %s (unread %d) %s\n", marker, conversation.ID, store.UnreadCount(conversation.ID), preview)
	}
}

func (r *repl) open(ctx context.Context, conversationID entity.ID) {
	if err := r.session.OpenConversation(ctx, conversationID); err != nil {
		fmt.Printf("!! open failed: %v\n", err)
		return
	}
	r.active = conversationID
	for _, message := range r.session.Store().MessagesFor(conversationID) {
		printMessage(message)
	}
}

func (r *repl) send(ctx context.Context, content string) {
	if r.active == "" {
		fmt.Println("!! open a conversation first")
		return
	}
	r.session.NotifyTyping(r.active)
	if _, err := r.session.SendMessage(ctx, r.active, content); err != nil {
		fmt.Printf("!! send failed: %v\n", err)
	}
}

// onChange prints the tail of the active conversation so inbound messages
// and receipt changes show up without a full redraw.
func (r *repl) onChange() {
	if r.active == "" {
		return
	}
	messages := r.session.Store().MessagesFor(r.active)
	if len(messages) == 0 {
		return
	}
	printMessage(messages[len(messages)-1])
}

func printMessage(message entity.Message) {
	flag := ""
	if message.Failed {
		flag = " [failed]"
	} else if message.Pending {
		flag = " [sending]"
	}
	fmt.Printf("[%s] %s_%s: %s (%s)%s\n",
		message.CreatedAt.Format("15:04:05"),
		message.SenderType, message.SenderID, message.Content, message.Status, flag)
}
