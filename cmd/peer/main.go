// Command peer is an interactive drift participant. It connects a relay
// pool over the configured transport, runs the matchmaking machine, and
// bridges stdin/stdout to the active chat session.
//
// Commands:
//
//	/look    start looking for a partner
//	/skip    leave the current chat and look again
//	/quit    disconnect and exit
//
// Any other input line is sent as a chat message.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/driftchat/drift/internal/chat"
	"github.com/driftchat/drift/internal/localbus"
	"github.com/driftchat/drift/internal/match"
	"github.com/driftchat/drift/internal/metrics"
	"github.com/driftchat/drift/internal/relay"
)

func main() {
	transport := "ws"
	if v := os.Getenv("TRANSPORT"); v != "" {
		transport = v
	}

	poolCfg := relay.DefaultConfig()
	pool := relay.NewPool(poolCfg)

	switch transport {
	case "ws":
		relays := "ws://localhost:7447/ws"
		if v := os.Getenv("RELAYS"); v != "" {
			relays = v
		}
		for _, url := range strings.Split(relays, ",") {
			url = strings.TrimSpace(url)
			if url != "" {
				pool.AddEndpoint(relay.NewWSEndpoint(url))
			}
		}

	case "nats":
		url := "nats://localhost:4222"
		if v := os.Getenv("NATS_URL"); v != "" {
			url = v
		}
		pool.AddEndpoint(relay.NewNATSEndpoint(url))

	case "local":
		// Same-machine fallback: a shared Redis bridges processes; without
		// Redis the bus is in-memory and only same-process peers can meet.
		var store localbus.Store
		if addr := os.Getenv("REDIS_ADDR"); addr != "" {
			rs, err := localbus.NewRedisStore(addr)
			if err != nil {
				log.Fatalf("failed to connect to Redis: %v", err)
			}
			store = rs
		} else {
			store = localbus.NewMemoryStore()
		}
		pool.AddEndpoint(localbus.NewEndpoint(store, 0))

	default:
		log.Fatalf("unknown TRANSPORT %q (want ws, nats, or local)", transport)
	}

	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Printf("metrics server error: %v", err)
			}
		}()
	}

	matchCfg := match.DefaultConfig()
	if v := os.Getenv("ENCRYPT"); v == "false" || v == "0" {
		matchCfg.Encrypt = false
	}

	machine := match.New(pool, matchCfg)
	machine.OnStateChange(func(s match.State) {
		fmt.Printf("* %s\n", s)
	})
	machine.OnConnected(func(sess *chat.Session) {
		fmt.Printf("* paired with %s, say hi\n", sess.Partner()[:8])
	})
	machine.OnMessage(func(msg chat.Message) {
		if msg.Mine {
			return
		}
		if msg.Reaction != "" {
			fmt.Printf("partner reacted %s\n", msg.Reaction)
			return
		}
		fmt.Printf("partner: %s\n", msg.Content)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	pool.Connect(ctx)
	cancel()

	log.Printf("drift peer starting")
	log.Printf("  transport: %s", transport)
	log.Printf("  endpoints: %d", pool.EndpointCount())
	log.Printf("  encrypt:   %v", matchCfg.Encrypt)
	fmt.Println("type /look to find a partner, /skip to move on, /quit to exit")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down...", sig)
		machine.Disconnect()
		pool.Close()
		os.Exit(0)
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/look":
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			if err := machine.StartLooking(ctx); err != nil {
				fmt.Printf("! %v\n", err)
			}
			cancel()

		case "/skip":
			machine.Skip()

		case "/quit":
			machine.Disconnect()
			pool.Close()
			return

		default:
			sess := machine.Session()
			if sess == nil {
				fmt.Println("! not in a chat, type /look first")
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			_, err := sess.Send(ctx, line)
			cancel()
			if err == relay.ErrDegraded {
				fmt.Println("! sent locally, relays degraded")
			} else if err != nil {
				fmt.Printf("! %v\n", err)
			}
		}
	}
}
