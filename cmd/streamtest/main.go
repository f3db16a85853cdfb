// streamtest connects to a running multiplexer as a consumer, subscribes to
// instruments and prints the events it receives.
// Usage: go run ./cmd/streamtest --url ws://localhost:8080/ws --instruments 005930.KS,035720.KQ
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/tickmux/internal/downstream"
	"github.com/rickgao/tickmux/internal/logging"
	"github.com/rickgao/tickmux/internal/model"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "multiplexer downstream URL")
	instruments := flag.String("instruments", "005930.KS", "comma-separated instruments to subscribe to")
	duration := flag.Duration("duration", 0, "stop after this long (0 runs until interrupted)")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	flag.Parse()

	// Setup logger
	logger, flush, err := logging.New(logging.Config{Level: "debug", Format: logging.FormatConsole})
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer flush()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if *duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, *duration)
		defer stop()
	}

	if err := stream(ctx, *url, splitInstruments(*instruments), *verbose, logger); err != nil {
		logger.Error("stream failed", "error", err)
		flush()
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func stream(ctx context.Context, url string, instruments []string, verbose bool, logger *slog.Logger) error {
	if len(instruments) == 0 {
		return fmt.Errorf("no instruments given")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	logger.Info("connected", "url", url)

	for _, inst := range instruments {
		cmd := downstream.Command{Action: downstream.ActionSubscribe, Instrument: inst}
		if err := conn.WriteJSON(cmd); err != nil {
			return fmt.Errorf("send subscribe %s: %w", inst, err)
		}
	}

	// Unblock the read loop on shutdown.
	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	var events atomic.Int64

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logger.Info("stats", "events", events.Load())
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop", "instruments", instruments)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		kind, err := printMessage(data, verbose)
		if err != nil {
			logger.Warn("unreadable message", "error", err, "raw", string(data))
			continue
		}
		if kind == "event" {
			events.Add(1)
		}
	}
}

// printMessage prints a reply or event and reports which it was.
func printMessage(data []byte, verbose bool) (string, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", err
	}

	if probe.Type != "" {
		var r downstream.Reply
		if err := json.Unmarshal(data, &r); err != nil {
			return "", err
		}
		if r.Type == downstream.ReplyError {
			fmt.Printf("[ERROR] %s: %s\n", r.Code, r.Error)
		} else {
			fmt.Printf("[%s] %s\n", strings.ToUpper(r.Type), r.Instrument)
		}
		return "reply", nil
	}

	var ev model.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return "", err
	}
	if verbose {
		out, _ := json.MarshalIndent(ev, "", "  ")
		fmt.Printf("[TICK] %s\n", out)
	} else {
		fmt.Printf("[TICK] %s %s price=%s chg=%s (%s%%) vol=%d\n",
			ev.Instrument, ev.EventTime, ev.Price, ev.ChangeAmount, ev.ChangePercent, ev.Volume)
	}
	return "event", nil
}

func splitInstruments(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
