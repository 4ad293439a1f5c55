// Package chat serves the chatbot feature over websockets and translates
// billing failures into user-facing replies.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/tapfolio/tapfolio/internal/ai"
	"github.com/tapfolio/tapfolio/internal/billing"
)

const (
	maxHistory   = 20
	writeTimeout = 10 * time.Second
)

// Responder produces a chatbot reply for one user turn.
type Responder interface {
	ChatReply(ctx context.Context, accountID string, history []ai.Message, text string) (string, error)
}

// InboundMessage is one user turn received over the socket.
type InboundMessage struct {
	Text string `json:"text"`
}

// OutboundMessage is one reply sent over the socket.
type OutboundMessage struct {
	Text string `json:"text"`
	// Kind distinguishes replies the UI routes differently: "reply",
	// "insufficient_tokens" (top-up flow) or "error" (try-again flow).
	Kind string `json:"kind"`
}

// Gateway upgrades HTTP requests to websocket chat sessions.
type Gateway struct {
	responder Responder
}

// NewGateway creates a chat gateway over the given responder.
func NewGateway(responder Responder) *Gateway {
	return &Gateway{responder: responder}
}

// ServeHTTP handles one chat session. The account is identified by the
// account query parameter; session auth is handled upstream.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account")
	if accountID == "" {
		http.Error(w, "account is required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "session ended")

	slog.Info("chat session started", "account_id", accountID)
	g.serve(r.Context(), conn, accountID)
	conn.Close(websocket.StatusNormalClosure, "")
}

func (g *Gateway) serve(ctx context.Context, conn *websocket.Conn, accountID string) {
	var history []ai.Message

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				return
			}
			slog.Debug("chat read ended", "account_id", accountID, "error", err)
			return
		}

		var in InboundMessage
		if err := json.Unmarshal(data, &in); err != nil || in.Text == "" {
			g.write(ctx, conn, OutboundMessage{Kind: "error", Text: "I couldn't read that message."})
			continue
		}

		reply := g.respond(ctx, accountID, history, in.Text)
		if reply.Kind == "reply" {
			history = append(history,
				ai.Message{Role: "user", Content: in.Text},
				ai.Message{Role: "assistant", Content: reply.Text},
			)
			if len(history) > maxHistory {
				history = history[len(history)-maxHistory:]
			}
		}

		if !g.write(ctx, conn, reply) {
			return
		}
	}
}

// respond maps the billing failure taxonomy onto distinct reply kinds so
// the UI can route to a top-up flow versus a try-again flow.
func (g *Gateway) respond(ctx context.Context, accountID string, history []ai.Message, text string) OutboundMessage {
	content, err := g.responder.ChatReply(ctx, accountID, history, text)
	switch {
	case err == nil:
		return OutboundMessage{Kind: "reply", Text: content}
	case errors.Is(err, billing.ErrInsufficientTokens):
		return OutboundMessage{
			Kind: "insufficient_tokens",
			Text: "You're out of tokens. Top up to keep chatting.",
		}
	case errors.Is(err, billing.ErrBillingRace):
		return OutboundMessage{
			Kind: "error",
			Text: "Something collided on our side. Please send that again.",
		}
	default:
		slog.Error("chat reply failed", "account_id", accountID, "error", err)
		return OutboundMessage{
			Kind: "error",
			Text: "I'm having trouble right now. Please try again shortly.",
		}
	}
}

func (g *Gateway) write(ctx context.Context, conn *websocket.Conn, msg OutboundMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		slog.Debug("chat write failed", "error", err)
		return false
	}
	return true
}
