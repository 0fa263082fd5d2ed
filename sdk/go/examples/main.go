package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	"PolyChat/sdk/go/polychat"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "PolyChat server address")
	user := flag.String("user", "demo", "user id sent in the identity header")
	models := flag.String("models", "gpt-4o,claude-sonnet-4-5", "comma separated model ids")
	conversation := flag.String("conversation", "", "continue an existing conversation")
	flag.Parse()

	message := strings.Join(flag.Args(), " ")
	if message == "" {
		message = "Hi"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client, err := polychat.NewClient(*baseURL, *user, nil)
	if err != nil {
		log.Fatal(err)
	}
	stream, err := client.StreamChat(ctx, polychat.ChatRequest{
		Message:        message,
		Models:         strings.Split(*models, ","),
		ConversationID: *conversation,
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("conversation %s\n", stream.ConversationID)

	replies := map[string]*strings.Builder{}
	for e, err := range stream.Events() {
		if err != nil {
			log.Fatal(err)
		}
		switch e.Event {
		case "start":
			replies[e.Model] = &strings.Builder{}
		case "chunk":
			replies[e.Model].WriteString(e.Content)
		case "complete":
			fmt.Printf("\n[%s]\n%s\n", e.Model, replies[e.Model].String())
		case "error":
			fmt.Printf("\n[%s] failed: %s\n", e.Model, e.Error)
		}
	}
}
