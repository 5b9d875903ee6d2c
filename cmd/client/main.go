// Command client is a headless voice participant. It fetches the ICE
// configuration over HTTP, opens the signaling websocket, joins one room and
// keeps the full mesh alive until interrupted. Useful for soak testing rooms
// without a browser.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harborchat/harbor/internal/adapters/client"
	"github.com/harborchat/harbor/internal/domain"
	"github.com/harborchat/harbor/internal/mesh"
	"github.com/harborchat/harbor/internal/voice"
)

const heartbeatInterval = 30 * time.Second

func main() {
	server := flag.String("server", "http://localhost:8080", "base URL of the signaling server")
	room := flag.String("room", "lobby", "voice room to join")
	name := flag.String("name", "soakbot", "display name")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *server, domain.RoomID(*room), *name); err != nil {
		log.Error().Err(err).Msg("client exited")
		os.Exit(1)
	}
}

func run(ctx context.Context, server string, room domain.RoomID, name string) error {
	base, err := url.Parse(server)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}

	// The jar keeps the ct cookie minted by the ICE request, so the websocket
	// handshake carries the same user identity.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("cookie jar: %w", err)
	}
	httpc := &http.Client{Jar: jar, Timeout: 10 * time.Second}

	ice, err := fetchICE(ctx, httpc, base)
	if err != nil {
		return fmt.Errorf("fetch ice config: %w", err)
	}

	wsURL := *base
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = "/api/ws/signal"
	wsURL.RawQuery = url.Values{"name": {name}}.Encode()

	dialer := websocket.Dialer{Jar: jar, HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return fmt.Errorf("dial signaling socket: %w", err)
	}
	defer conn.Close()

	engine := mesh.NewPionEngine()
	// The session sends from the read goroutine (answers, candidates) while
	// the main loop sends heartbeats; gorilla allows one writer at a time.
	var writeMu sync.Mutex
	session := client.NewSession(engine, ice.Servers(), func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	})

	if err := session.RequestIdentity(); err != nil {
		return fmt.Errorf("request identity: %w", err)
	}
	if err := session.JoinRoom(room); err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	log.Info().Str("room", string(room)).Str("name", name).Msg("joined, relaying audio")

	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			session.HandleMessage(data)
		}
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := session.LeaveRoom(); err != nil {
				log.Warn().Err(err).Msg("send leave")
			}
			writeMu.Lock()
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			writeMu.Unlock()
			return nil
		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("signaling socket: %w", err)
		case <-ticker.C:
			if err := session.Heartbeat(); err != nil {
				log.Warn().Err(err).Msg("send heartbeat")
			}
		}
	}
}

func fetchICE(ctx context.Context, httpc *http.Client, base *url.URL) (voice.ICEConfig, error) {
	var cfg voice.ICEConfig

	iceURL := *base
	iceURL.Path = "/api/ice"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iceURL.String(), nil)
	if err != nil {
		return cfg, err
	}
	resp, err := httpc.Do(req)
	if err != nil {
		return cfg, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return cfg, fmt.Errorf("unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
