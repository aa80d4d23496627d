// Package main provides a load and smoke testing tool for the realtime
// websocket gateway. Each simulated client authenticates with a supplied
// token, joins a room, and exercises the frame surface (messages, typing,
// heartbeats, presence reads) until the test ends.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// Metrics tracks the probe results.
type Metrics struct {
	ConnectionsAttempted int64
	ConnectionsSuccess   int64
	ConnectionsFailed    int64
	FramesSent           int64
	FramesReceived       int64
	ErrorFrames          int64
	Errors               int64
}

var metrics Metrics

type frame struct {
	Type    string          `json:"type"`
	Ack     uint64          `json:"ack,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	host := flag.String("host", "localhost:8420", "gateway host")
	token := flag.String("token", "", "access token (required)")
	roomID := flag.Uint("room", 1, "room id to join")
	clients := flag.Int("clients", 10, "number of concurrent clients")
	duration := flag.Duration("duration", 30*time.Second, "probe duration")
	flag.Parse()

	if *token == "" {
		log.Fatal("a -token is required")
	}

	log.Printf("Starting gateway probe")
	log.Printf("Target: %s room %d", *host, *roomID)
	log.Printf("Clients: %d", *clients)
	log.Printf("Duration: %v", *duration)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup
	stopChan := make(chan struct{})

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go runClient(*host, *token, uint(*roomID), i, stopChan, &wg)
		time.Sleep(50 * time.Millisecond)
	}

	select {
	case <-time.After(*duration):
		log.Println("Probe duration reached")
	case <-interrupt:
		log.Println("Interrupted by user")
	}

	close(stopChan)
	log.Println("Waiting for clients to disconnect...")
	wg.Wait()

	printMetrics()
}

func sendFrame(c *websocket.Conn, frameType string, ack uint64, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f := frame{Type: frameType, Ack: ack, Payload: raw}
	msg, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
		return err
	}
	atomic.AddInt64(&metrics.FramesSent, 1)
	return nil
}

func runClient(host, token string, roomID uint, id int, stopChan <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	atomic.AddInt64(&metrics.ConnectionsAttempted, 1)

	u := url.URL{Scheme: "ws", Host: host, Path: "/ws", RawQuery: "token=" + url.QueryEscape(token)}

	dialer := websocket.DefaultDialer
	c, resp, err := dialer.Dial(u.String(), nil)
	if err != nil {
		atomic.AddInt64(&metrics.ConnectionsFailed, 1)
		atomic.AddInt64(&metrics.Errors, 1)
		return
	}
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	defer func() { _ = c.Close() }()

	atomic.AddInt64(&metrics.ConnectionsSuccess, 1)

	// Read loop: count everything, surface error frames.
	go func() {
		for {
			_, raw, err := c.ReadMessage()
			if err != nil {
				return
			}
			atomic.AddInt64(&metrics.FramesReceived, 1)
			var f frame
			if json.Unmarshal(raw, &f) == nil && f.Type == "error" {
				atomic.AddInt64(&metrics.ErrorFrames, 1)
				log.Printf("client %d: error frame: %s", id, string(f.Payload))
			}
		}
	}()

	var ack uint64 = 1
	if err := sendFrame(c, "room:join", ack, map[string]uint{"roomId": roomID}); err != nil {
		atomic.AddInt64(&metrics.Errors, 1)
		return
	}

	msgTicker := time.NewTicker(5 * time.Second)
	heartbeatTicker := time.NewTicker(25 * time.Second)
	typingTicker := time.NewTicker(11 * time.Second)
	defer msgTicker.Stop()
	defer heartbeatTicker.Stop()
	defer typingTicker.Stop()

	for {
		select {
		case <-stopChan:
			_ = sendFrame(c, "room:leave", 0, map[string]uint{"roomId": roomID})
			_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-msgTicker.C:
			ack++
			err := sendFrame(c, "message:send", ack, map[string]interface{}{
				"roomId":  roomID,
				"content": fmt.Sprintf("probe message from client %d", id),
			})
			if err != nil {
				atomic.AddInt64(&metrics.Errors, 1)
				return
			}
		case <-heartbeatTicker.C:
			if err := sendFrame(c, "heartbeat", 0, struct{}{}); err != nil {
				atomic.AddInt64(&metrics.Errors, 1)
				return
			}
		case <-typingTicker.C:
			_ = sendFrame(c, "typing:start", 0, map[string]uint{"roomId": roomID})
			time.Sleep(time.Second)
			_ = sendFrame(c, "typing:stop", 0, map[string]uint{"roomId": roomID})
		}
	}
}

func printMetrics() {
	log.Println("\nProbe Results")
	log.Println("=============")
	log.Printf("Connections Attempted: %d", atomic.LoadInt64(&metrics.ConnectionsAttempted))
	log.Printf("Connections Successful: %d", atomic.LoadInt64(&metrics.ConnectionsSuccess))
	log.Printf("Connections Failed: %d", atomic.LoadInt64(&metrics.ConnectionsFailed))
	log.Printf("Frames Sent: %d", atomic.LoadInt64(&metrics.FramesSent))
	log.Printf("Frames Received: %d", atomic.LoadInt64(&metrics.FramesReceived))
	log.Printf("Error Frames: %d", atomic.LoadInt64(&metrics.ErrorFrames))
	log.Printf("Total Errors: %d", atomic.LoadInt64(&metrics.Errors))
}
