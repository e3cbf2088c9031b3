package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"broker-sim/internal/fanout"
	"broker-sim/pkg/idgen"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket upgrades the connection and speaks whichever vendor
// handshake the client asked for via ?flavor=, per spec.md §6's three
// protocol-specific handshakes. Regardless of flavor, delivery goes
// through the uniform Fanout contract (bounded outbox, overflow
// policy, batching).
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	flavor := flavorFromQuery(c.Query("flavor"))
	sessionID := c.Query("session_id")
	if sessionID == "" {
		sessionID = c.GetHeader("X-Session-ID")
	}

	sub := fanout.NewSubscriber(idgen.New(), sessionID, flavor, fanout.OverflowPolicy(s.Config.WSOverflowPolicy), s.Config.WSQueueSize)
	s.Fanout.Register(sub)
	defer s.Fanout.Unregister(sub.ConnID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for payload := range sub.Send() {
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}()

	switch flavor {
	case fanout.FlavorFinnhub:
		// Finnhub authenticates via the `token` query param rather than a
		// message; nothing further to send before subscribes arrive.
	default:
		writeHandshakeAck(conn, flavor)
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		handleClientMessage(sub, flavor, msg)
	}
	<-done
}

func flavorFromQuery(v string) fanout.Flavor {
	switch strings.ToLower(v) {
	case "alpaca":
		return fanout.FlavorAlpaca
	case "polygon":
		return fanout.FlavorPolygon
	case "finnhub":
		return fanout.FlavorFinnhub
	default:
		return fanout.FlavorGeneric
	}
}

func writeHandshakeAck(conn *websocket.Conn, flavor fanout.Flavor) {
	switch flavor {
	case fanout.FlavorAlpaca:
		_ = conn.WriteJSON([]map[string]string{{"T": "success", "msg": "connected"}})
	case fanout.FlavorPolygon:
		_ = conn.WriteJSON([]map[string]string{{"ev": "status", "status": "connected", "message": "Connected Successfully"}})
	}
}

// handleClientMessage parses an inbound control frame in the dialect
// the flavor expects and updates the subscriber's subscriptions.
func handleClientMessage(sub *fanout.Subscriber, flavor fanout.Flavor, msg []byte) {
	switch flavor {
	case fanout.FlavorAlpaca:
		handleAlpacaMessage(sub, msg)
	case fanout.FlavorPolygon:
		handlePolygonMessage(sub, msg)
	case fanout.FlavorFinnhub:
		handleFinnhubMessage(sub, msg)
	default:
		handleGenericMessage(sub, msg)
	}
}

// Alpaca: {"action":"auth","key":...,"secret":...} then
// {"action":"subscribe","trades":["AAPL"],"quotes":[...],"bars":[...]}.
func handleAlpacaMessage(sub *fanout.Subscriber, msg []byte) {
	var req struct {
		Action string   `json:"action"`
		Trades []string `json:"trades"`
		Quotes []string `json:"quotes"`
		Bars   []string `json:"bars"`
	}
	if err := json.Unmarshal(msg, &req); err != nil {
		return
	}
	switch req.Action {
	case "auth":
		sub.Authed = true
	case "subscribe":
		for _, sym := range req.Trades {
			sub.Subscribe(fanout.SubTrades, sym)
		}
		for _, sym := range req.Quotes {
			sub.Subscribe(fanout.SubQuotes, sym)
		}
		for _, sym := range req.Bars {
			sub.Subscribe(fanout.SubBars, sym)
		}
	}
}

// Polygon: {"action":"auth","params":"API_KEY"} then
// {"action":"subscribe","params":"T.AAPL,Q.MSFT,AM.TSLA"}.
func handlePolygonMessage(sub *fanout.Subscriber, msg []byte) {
	var req struct {
		Action string `json:"action"`
		Params string `json:"params"`
	}
	if err := json.Unmarshal(msg, &req); err != nil {
		return
	}
	switch req.Action {
	case "auth":
		sub.Authed = true
	case "subscribe":
		for _, channel := range strings.Split(req.Params, ",") {
			channel = strings.TrimSpace(channel)
			parts := strings.SplitN(channel, ".", 2)
			if len(parts) != 2 {
				continue
			}
			kind := polygonChannelKind(parts[0])
			if kind == "" {
				continue
			}
			sub.Subscribe(kind, parts[1])
		}
	}
}

func polygonChannelKind(prefix string) fanout.SubKind {
	switch prefix {
	case "T":
		return fanout.SubTrades
	case "Q":
		return fanout.SubQuotes
	case "A", "AM":
		return fanout.SubBars
	default:
		return ""
	}
}

// Finnhub: {"type":"subscribe","symbol":"AAPL"}; Finnhub has no
// separate quote/bar channel, trades cover all three kinds.
func handleFinnhubMessage(sub *fanout.Subscriber, msg []byte) {
	var req struct {
		Type   string `json:"type"`
		Symbol string `json:"symbol"`
	}
	if err := json.Unmarshal(msg, &req); err != nil {
		return
	}
	if req.Type == "subscribe" && req.Symbol != "" {
		sub.Subscribe(fanout.SubAll, req.Symbol)
	}
}

// Generic: {"action":"subscribe","kind":"TRADES","symbol":"AAPL"}.
func handleGenericMessage(sub *fanout.Subscriber, msg []byte) {
	var req struct {
		Action string `json:"action"`
		Kind   string `json:"kind"`
		Symbol string `json:"symbol"`
	}
	if err := json.Unmarshal(msg, &req); err != nil {
		return
	}
	if req.Action == "subscribe" && req.Symbol != "" {
		kind := fanout.SubKind(req.Kind)
		if kind == "" {
			kind = fanout.SubAll
		}
		sub.Subscribe(kind, req.Symbol)
	}
}
