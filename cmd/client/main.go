package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/HMasataka/relay/internal/auth"
	"github.com/HMasataka/relay/internal/logging"
	"github.com/HMasataka/relay/pkg/client"
	"github.com/HMasataka/relay/pkg/domain"
	"github.com/HMasataka/relay/pkg/transport/protocol"
)

func main() {
	var (
		serverAddr = flag.String("server", "ws://localhost:4000/ws", "relay server URL")
		token      = flag.String("token", "", "session token")
		secret     = flag.String("secret", os.Getenv("RELAY_JWT_SECRET"), "mint a token with this secret when -token is empty")
		userID     = flag.String("user", "", "user id for a minted token")
		username   = flag.String("name", "", "username for a minted token")
		logLevel   = flag.String("log-level", "warn", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	logger := logging.New(logging.Config{
		Level:  *logLevel,
		Format: "text",
	})

	if *token == "" {
		if *secret == "" || *userID == "" {
			log.Fatal("either -token or -secret with -user is required")
		}
		name := *username
		if name == "" {
			name = *userID
		}
		minted, err := auth.Sign([]byte(*secret), domain.Identity{UserID: *userID, Username: name}, 24*time.Hour)
		if err != nil {
			log.Fatalf("failed to mint token: %v", err)
		}
		*token = minted
	}

	opts := client.DefaultOptions()
	opts.Logger = logger
	opts.Token = *token

	c, err := client.New(*serverAddr, opts)
	if err != nil {
		log.Fatalf("invalid server URL: %v", err)
	}

	c.OnPresence(func(_ context.Context, online []domain.Identity) {
		names := make([]string, 0, len(online))
		for _, id := range online {
			names = append(names, id.Username+" ("+id.UserID+")")
		}
		fmt.Printf("* online: %s\n", strings.Join(names, ", "))
	})
	c.OnDelivery(func(_ context.Context, msg protocol.DeliveryFrame) {
		line := fmt.Sprintf("[%s] %s", msg.Sender, msg.Text)
		if msg.File != nil {
			line += fmt.Sprintf(" <file %s>", *msg.File)
		}
		fmt.Println(line)
	})
	c.OnError(func(_ context.Context, message string) {
		fmt.Printf("! %s\n", message)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Connect(ctx); err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer c.Close()

	fmt.Println("type `recipient: text` or `/file recipient path`")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := handleLine(ctx, c, strings.TrimSpace(line)); err != nil {
				fmt.Printf("! %v\n", err)
			}
		}
	}
}

func handleLine(ctx context.Context, c *client.Client, line string) error {
	if line == "" {
		return nil
	}

	if rest, ok := strings.CutPrefix(line, "/file "); ok {
		fields := strings.Fields(rest)
		if len(fields) != 2 {
			return fmt.Errorf("usage: /file recipient path")
		}
		data, err := os.ReadFile(fields[1])
		if err != nil {
			return err
		}
		name := filepath.Base(fields[1])
		return c.SendFile(ctx, fields[0], "", name, mime.TypeByExtension(filepath.Ext(name)), data)
	}

	recipient, text, ok := strings.Cut(line, ":")
	if !ok {
		return fmt.Errorf("usage: recipient: text")
	}
	return c.SendText(ctx, strings.TrimSpace(recipient), strings.TrimSpace(text))
}
