// Diagnostic subscriber: connects to the push channel and prints updates so
// the feed can be inspected without running the full gateway.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"minidesk/pkg/ws"

	"github.com/sirupsen/logrus"
)

func main() {
	log := logrus.New()

	url := os.Getenv("HYPERLIQUID_WS_URL")
	if url == "" {
		url = "wss://api.hyperliquid.xyz/ws"
	}
	symbol := os.Getenv("WATCH_SYMBOL")
	if symbol == "" {
		symbol = "BTC"
	}

	client := ws.NewClient(url, log)

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer client.Close()

	// Give the connection a moment before subscribing.
	time.Sleep(2 * time.Second)

	err := client.Subscribe(ws.Subscription{Type: "allMids"}, func(data json.RawMessage) {
		var payload ws.AllMidsData
		if err := json.Unmarshal(data, &payload); err != nil {
			return
		}
		log.WithField("mids", len(payload.Mids)).Info("allMids update")
	})
	if err != nil {
		log.Warnf("failed to subscribe to allMids: %v", err)
	}

	err = client.Subscribe(ws.Subscription{Type: "l2Book", Coin: symbol}, func(data json.RawMessage) {
		log.WithField("symbol", symbol).Infof("book update: %d bytes", len(data))
	})
	if err != nil {
		log.Warnf("failed to subscribe to book: %v", err)
	}

	log.Info("subscribed, press ctrl+c to exit")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
}
