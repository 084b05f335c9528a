// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the built-in chat page.
package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// Gateway hosts the HTTP surface of the relay: the WebSocket upgrade
// endpoint plus read-only status endpoints reporting on the registry. It is
// constructed with everything it needs; no package-level state is involved.
type Gateway struct {
	cfg       Config
	registry  *Registry
	upgrader  websocket.Upgrader
	openConns atomic.Int64
}

// NewGateway wires the HTTP handlers to the given registry, using cfg for
// the origin policy, message size limit, and rate limiting.
func NewGateway(cfg Config, registry *Registry) *Gateway {
	cfg = cfg.sanitize()
	policy := newOriginPolicy(cfg.AllowedOrigins)

	return &Gateway{
		cfg:      cfg,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.checkRequest,
		},
	}
}

// ServeWS handles WebSocket upgrade requests. It validates the method,
// upgrades the connection, and starts the read/write pumps with a dispatcher
// bound to the registry. The connection joins a room only once the client
// sends its join frame.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := newWSClient(conn, g.cfg)
	dispatcher := NewDispatcher(g.registry, client)

	count := g.openConns.Add(1)
	log.Printf("Connection %s opened from %s. Open connections: %d", client.ID(), r.RemoteAddr, count)

	go client.writePump()
	go func() {
		client.readPump(dispatcher)
		remaining := g.openConns.Add(-1)
		log.Printf("Connection %s closed. Open connections: %d", client.ID(), remaining)
	}()
}

// ServeHealth provides a simple health check endpoint.
func (g *Gateway) ServeHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		log.Printf("Error writing health response: %v", err)
	}
}

// ServeStats reports a read-only snapshot of the relay: registered rooms and
// open WebSocket connections.
func (g *Gateway) ServeStats(w http.ResponseWriter, _ *http.Request) {
	rooms, _ := g.registry.Stats()

	w.Header().Set("Content-Type", "application/json")
	payload := map[string]int64{
		"rooms":   int64(rooms),
		"clients": g.openConns.Load(),
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Error writing stats response: %v", err)
	}
}

// ServeChatPage serves an HTML page for exercising the relay from a browser.
// The page encodes payloads client-side before sending; the server treats
// them as opaque either way.
func (g *Gateway) ServeChatPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, chatPageHTML); err != nil {
		log.Printf("Error writing HTML response: %v", err)
	}
}

const chatPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Cloakroom</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { padding: 5px; margin-right: 10px; }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .joined { background-color: #d4edda; color: #155724; }
        .left { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Cloakroom</h1>

    <div id="status" class="status left">Not in a room</div>

    <div>
        <input type="text" id="roomInput" placeholder="Room">
        <input type="text" id="userInput" placeholder="User id">
        <button id="joinButton" onclick="join()">Join</button>
    </div>
    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const statusDiv = document.getElementById('status');

        function addLine(text, color) {
            const line = document.createElement('div');
            line.style.margin = '5px 0';
            line.style.color = color || 'black';
            line.textContent = text;
            messagesDiv.appendChild(line);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function setJoined(joined, text) {
            statusDiv.textContent = text;
            statusDiv.className = joined ? 'status joined' : 'status left';
            messageInput.disabled = !joined;
            sendButton.disabled = !joined;
        }

        function handleFrame(frame) {
            switch (frame.type) {
                case 'joined':
                    setJoined(true, 'In room ' + frame.roomId + ' as #' + frame.userNumber);
                    break;
                case 'messages':
                    frame.messages.forEach(function(m) {
                        addLine('#' + m.userNumber + ': ' + atob(m.encrypted), 'green');
                    });
                    break;
                case 'user_count':
                    addLine('Members in room: ' + frame.count, 'gray');
                    break;
                case 'user_joined':
                    addLine('User #' + frame.userNumber + ' joined', 'gray');
                    break;
                case 'user_left':
                    addLine('User #' + frame.userNumber + ' left', 'gray');
                    break;
                case 'message':
                    addLine('#' + frame.message.userNumber + ': ' + atob(frame.message.encrypted), 'blue');
                    break;
                case 'error':
                    addLine('Error: ' + frame.message, 'red');
                    break;
            }
        }

        function join() {
            const roomId = document.getElementById('roomInput').value.trim();
            const userId = document.getElementById('userInput').value.trim();
            if (!roomId || !userId) {
                addLine('Room and user id are required', 'red');
                return;
            }

            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');

            ws.onopen = function() {
                ws.send(JSON.stringify({type: 'join', roomId: roomId, userId: userId}));
            };
            ws.onmessage = function(event) {
                handleFrame(JSON.parse(event.data));
            };
            ws.onclose = function() {
                setJoined(false, 'Not in a room');
                addLine('Connection closed', 'gray');
                ws = null;
            };
        }

        function sendMessage() {
            const text = messageInput.value.trim();
            if (text && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({type: 'message', encrypted: btoa(text)}));
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
