package viewer

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local dev
	},
}

// Handler serves the viewer page and its WebSocket feed. The page
// follows the session named by ?sessionId=, or every session.
func Handler(hub *Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
	})
	r.Get("/ws", wsHandler(hub))
	return r
}

func wsHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.logger.Warn().Err(err).Msg("WebSocket upgrade error")
			return
		}
		hub.Register(conn, r.URL.Query().Get("sessionId"))

		// Keep connection alive, handle disconnects
		go func() {
			defer hub.Unregister(conn)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}

const page = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Transcript Viewer</title>
<style>
body { font-family: sans-serif; margin: 2em; }
.session { margin-bottom: 1.5em; }
.session h3 { margin: 0 0 .3em; font-size: 1em; color: #555; }
.error { color: #b00; }
</style>
</head>
<body>
<h2>Transcripts</h2>
<div id="sessions"></div>
<script>
const params = new URLSearchParams(location.search);
const scheme = location.protocol === "https:" ? "wss" : "ws";
const ws = new WebSocket(scheme + "://" + location.host + "/ws?" + params.toString());
const root = document.getElementById("sessions");
function box(id) {
  let el = document.getElementById("s-" + id);
  if (!el) {
    el = document.createElement("div");
    el.id = "s-" + id;
    el.className = "session";
    el.innerHTML = "<h3></h3><p></p>";
    el.querySelector("h3").textContent = id;
    root.prepend(el);
  }
  return el;
}
ws.onmessage = (msg) => {
  const ev = JSON.parse(msg.data);
  const el = box(ev.sessionId);
  if (ev.eventType === "transcript.error") {
    const p = document.createElement("p");
    p.className = "error";
    p.textContent = ev.code + ": " + ev.message;
    el.appendChild(p);
  } else if (ev.transcript) {
    el.querySelector("p").textContent = ev.transcript;
  }
};
</script>
</body>
</html>
`
