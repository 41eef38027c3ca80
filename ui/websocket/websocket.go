package websocket

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/AzielCF/az-filter/filter/domain/event"
	"github.com/AzielCF/az-filter/infrastructure/valkey"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	valkeylib "github.com/valkey-io/valkey-go"
)

// client keeps the per-connection subscription state. An empty owner set
// means the connection receives every event.
type client struct {
	owners map[string]struct{}
}

// BroadcastMessage is the frame pushed to websocket clients and propagated
// across servers through Valkey pub/sub.
type BroadcastMessage struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Owner    string `json:"owner,omitempty"`
	Result   any    `json:"result"`
	SenderID string `json:"sender_id,omitempty"`
}

// clientCommand is what connected clients may send: subscribe to one or more
// owners' event feeds.
type clientCommand struct {
	Code   string   `json:"code"`
	Owners []string `json:"owners"`
}

type subscription struct {
	conn   *websocket.Conn
	owners []string
}

var (
	Clients    = make(map[*websocket.Conn]*client)
	Register   = make(chan *websocket.Conn)
	Broadcast  = make(chan BroadcastMessage)
	Unregister = make(chan *websocket.Conn)
	Subscribe  = make(chan subscription)

	vkClient *valkey.Client
	wsChan   = "azfilter:ws_broadcast"
	localID  string
)

// SetValkeyClient initializes the distributed broadcast system
func SetValkeyClient(cli *valkey.Client, serverID string) {
	vkClient = cli
	localID = serverID
}

// BroadcastEvent pushes a filter event to the hub.
func BroadcastEvent(ev event.FilterEvent) {
	Broadcast <- BroadcastMessage{
		Code:    "FILTER_EVENT",
		Message: string(ev.Type),
		Owner:   ev.Owner,
		Result:  ev,
	}
}

func handleRegister(conn *websocket.Conn) {
	Clients[conn] = &client{}
	logrus.Debug("[WS] Connection registered")
}

func handleUnregister(conn *websocket.Conn) {
	delete(Clients, conn)
	logrus.Debug("[WS] Connection unregistered")
}

func handleSubscribe(sub subscription) {
	c, ok := Clients[sub.conn]
	if !ok {
		return
	}
	if c.owners == nil {
		c.owners = make(map[string]struct{})
	}
	for _, owner := range sub.owners {
		c.owners[owner] = struct{}{}
	}
	logrus.Debugf("[WS] Connection subscribed to %d owner(s)", len(sub.owners))
}

func wantsMessage(c *client, message BroadcastMessage) bool {
	if len(c.owners) == 0 || message.Owner == "" {
		return true
	}
	_, ok := c.owners[message.Owner]
	return ok
}

func broadcastToLocal(message BroadcastMessage) {
	marshalMessage, err := json.Marshal(message)
	if err != nil {
		logrus.Errorf("[WS] Marshal error: %v", err)
		return
	}

	for conn, c := range Clients {
		if !wantsMessage(c, message) {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, marshalMessage); err != nil {
			logrus.Errorf("[WS] Write error: %v", err)
			closeConnection(conn)
		}
	}
}

func publishToValkey(message BroadcastMessage) {
	if vkClient == nil {
		return
	}

	// Attach local ID as sender
	message.SenderID = localID

	data, err := json.Marshal(message)
	if err != nil {
		return
	}

	ctx := context.Background()
	cmd := vkClient.Inner().B().Publish().Channel(wsChan).Message(string(data)).Build()
	if err := vkClient.Inner().Do(ctx, cmd).Error(); err != nil {
		logrus.Errorf("[WS] Failed to publish to Valkey: %v", err)
	}
}

func startValkeySubscriber() {
	if vkClient == nil {
		return
	}

	logrus.Info("[WS] Starting Valkey Pub/Sub subscriber for distributed events")
	go func() {
		err := vkClient.Inner().Receive(context.Background(), vkClient.Inner().B().Subscribe().Channel(wsChan).Build(), func(msg valkeylib.PubSubMessage) {
			var broadcastMsg BroadcastMessage
			if err := json.Unmarshal([]byte(msg.Message), &broadcastMsg); err == nil {
				// Avoid loops: ignore messages sent by this same instance
				if broadcastMsg.SenderID == localID {
					return
				}
				broadcastToLocal(broadcastMsg)
			}
		})
		if err != nil {
			logrus.Errorf("[WS] Valkey subscriber failed: %v", err)
		}
	}()
}

func closeConnection(conn *websocket.Conn) {
	_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
	_ = conn.Close()
	delete(Clients, conn)
}

func RunHub() {
	// If Valkey is enabled, start the subscriber
	if vkClient != nil {
		startValkeySubscriber()
	}

	for {
		select {
		case conn := <-Register:
			handleRegister(conn)

		case conn := <-Unregister:
			handleUnregister(conn)

		case sub := <-Subscribe:
			handleSubscribe(sub)

		case message := <-Broadcast:
			// 1. Send to local clients immediately
			broadcastToLocal(message)

			// 2. If Valkey is active, propagate to other servers
			if vkClient != nil {
				publishToValkey(message)
			}
		}
	}
}

func RegisterRoutes(app fiber.Router) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return c.SendStatus(fiber.StatusUpgradeRequired)
	})

	app.Get("/ws", websocket.New(func(conn *websocket.Conn) {
		defer func() {
			Unregister <- conn
			_ = conn.Close()
		}()

		Register <- conn

		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logrus.Println("read error:", err)
				}
				return
			}

			if messageType == websocket.TextMessage {
				var cmd clientCommand
				if err := json.Unmarshal(message, &cmd); err != nil {
					logrus.Println("unmarshal error:", err)
					continue
				}

				if cmd.Code == "SUBSCRIBE" && len(cmd.Owners) > 0 {
					Subscribe <- subscription{conn: conn, owners: cmd.Owners}
				}
			} else {
				logrus.Println("unsupported message type:", messageType)
			}
		}
	}))
}
