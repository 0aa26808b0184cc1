package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Client handles the WebSocket connection to the Hyperliquid push channel.
// Handlers are keyed by subscription so updates for the same symbol are
// dispatched in delivery order from the single reader goroutine.
type Client struct {
	url         string
	log         logrus.FieldLogger
	conn        *websocket.Conn
	mu          sync.RWMutex
	handlers    map[string]func(json.RawMessage)
	subs        map[string]Subscription
	stopCh      chan struct{}
	reconnectCh chan struct{}
	closeOnce   sync.Once
}

// Subscription identifies one push feed. Coin and Interval are only set for
// the feeds that need them.
type Subscription struct {
	Type     string `json:"type"`
	Coin     string `json:"coin,omitempty"`
	Interval string `json:"interval,omitempty"`
}

// Key returns the routing key for this subscription.
func (s Subscription) Key() string {
	key := s.Type
	if s.Coin != "" {
		key += ":" + s.Coin
	}
	if s.Interval != "" {
		key += ":" + s.Interval
	}
	return key
}

type wsRequest struct {
	Method       string        `json:"method"`
	Subscription *Subscription `json:"subscription,omitempty"`
}

type wsMessage struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// AllMidsData is the payload of an allMids push message.
type AllMidsData struct {
	Mids map[string]string `json:"mids"`
}

// BookLevelData is one price level of an l2Book push message.
type BookLevelData struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

// L2BookData is the payload of an l2Book push message. Levels[0] holds bids
// descending, Levels[1] asks ascending.
type L2BookData struct {
	Coin   string            `json:"coin"`
	Time   int64             `json:"time"`
	Levels [][]BookLevelData `json:"levels"`
}

// CandleData is the payload of a candle push message.
type CandleData struct {
	OpenMillis  int64  `json:"t"`
	CloseMillis int64  `json:"T"`
	Coin        string `json:"s"`
	Interval    string `json:"i"`
	Open        string `json:"o"`
	Close       string `json:"c"`
	High        string `json:"h"`
	Low         string `json:"l"`
	Volume      string `json:"v"`
	Trades      int    `json:"n"`
}

func NewClient(url string, log logrus.FieldLogger) *Client {
	return &Client{
		url:         url,
		log:         log,
		handlers:    make(map[string]func(json.RawMessage)),
		subs:        make(map[string]Subscription),
		stopCh:      make(chan struct{}),
		reconnectCh: make(chan struct{}, 1),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to hyperliquid websocket: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.log.WithField("url", c.url).Info("websocket connected")

	go c.handleMessages()
	go c.handlePing()
	go c.handleReconnect(ctx)

	return nil
}

// Subscribe registers a handler for one feed and sends the subscribe request.
func (c *Client) Subscribe(sub Subscription, handler func(json.RawMessage)) error {
	c.mu.Lock()
	c.handlers[sub.Key()] = handler
	c.subs[sub.Key()] = sub
	c.mu.Unlock()

	return c.sendMessage(wsRequest{Method: "subscribe", Subscription: &sub})
}

// Unsubscribe removes the handler and tells the venue to stop the feed. No
// further updates are dispatched for the subscription once it returns.
func (c *Client) Unsubscribe(sub Subscription) error {
	c.mu.Lock()
	delete(c.handlers, sub.Key())
	delete(c.subs, sub.Key())
	c.mu.Unlock()

	return c.sendMessage(wsRequest{Method: "unsubscribe", Subscription: &sub})
}

func (c *Client) sendMessage(msg interface{}) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("websocket not connected")
	}

	return conn.WriteJSON(msg)
}

func (c *Client) handleMessages() {
	for {
		select {
		case <-c.stopCh:
			return
		default:
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()

			if conn == nil {
				time.Sleep(time.Second)
				continue
			}

			var msg wsMessage
			if err := conn.ReadJSON(&msg); err != nil {
				select {
				case <-c.stopCh:
					return
				default:
				}
				c.log.WithError(err).Warn("websocket read error")
				select {
				case c.reconnectCh <- struct{}{}:
				default:
				}
				time.Sleep(time.Second)
				continue
			}

			c.dispatch(msg)
		}
	}
}

func (c *Client) dispatch(msg wsMessage) {
	switch msg.Channel {
	case "pong":
		// Keepalive reply, nothing to route.

	case "subscriptionResponse":
		c.log.Debug("subscription acknowledged")

	case "error":
		c.log.WithField("data", string(msg.Data)).Warn("websocket error message")

	default:
		key, ok := c.routingKey(msg)
		if !ok {
			return
		}
		c.mu.RLock()
		handler := c.handlers[key]
		c.mu.RUnlock()

		if handler != nil {
			handler(msg.Data)
		}
	}
}

// routingKey reconstructs the subscription key from the message payload.
func (c *Client) routingKey(msg wsMessage) (string, bool) {
	switch msg.Channel {
	case "allMids":
		return "allMids", true
	case "l2Book":
		var probe struct {
			Coin string `json:"coin"`
		}
		if err := json.Unmarshal(msg.Data, &probe); err != nil {
			return "", false
		}
		return Subscription{Type: "l2Book", Coin: probe.Coin}.Key(), true
	case "candle":
		var probe struct {
			Coin     string `json:"s"`
			Interval string `json:"i"`
		}
		if err := json.Unmarshal(msg.Data, &probe); err != nil {
			return "", false
		}
		return Subscription{Type: "candle", Coin: probe.Coin, Interval: probe.Interval}.Key(), true
	default:
		return "", false
	}
}

func (c *Client) handlePing() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.sendMessage(wsRequest{Method: "ping"}); err != nil {
				c.log.WithError(err).Warn("websocket ping error")
			}
		}
	}
}

func (c *Client) handleReconnect(ctx context.Context) {
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.reconnectCh:
			c.mu.Lock()
			if c.conn != nil {
				c.conn.Close()
				c.conn = nil
			}
			c.mu.Unlock()

			dialer := websocket.DefaultDialer
			conn, _, err := dialer.DialContext(ctx, c.url, nil)
			if err != nil {
				c.log.WithError(err).Warn("websocket reconnect failed")
				time.Sleep(5 * time.Second)
				select {
				case c.reconnectCh <- struct{}{}:
				default:
				}
				continue
			}

			c.mu.Lock()
			c.conn = conn
			subs := make([]Subscription, 0, len(c.subs))
			for _, sub := range c.subs {
				subs = append(subs, sub)
			}
			c.mu.Unlock()

			c.log.Info("websocket reconnected, restoring subscriptions")
			for _, sub := range subs {
				s := sub
				if err := c.sendMessage(wsRequest{Method: "subscribe", Subscription: &s}); err != nil {
					c.log.WithError(err).Warn("resubscribe failed")
				}
			}
		}
	}
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopCh)

		c.mu.Lock()
		defer c.mu.Unlock()

		if c.conn != nil {
			err = c.conn.Close()
			c.conn = nil
		}
	})
	return err
}
