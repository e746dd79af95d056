package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Panel Sync</title>
  <style>
    :root {
      --ink: #102223;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
      --shadow: 0 18px 36px rgba(16, 34, 35, 0.16);
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell { max-width: 1040px; margin: 0 auto; display: grid; gap: 14px; }

    .bar, .panel, .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 12px;
      box-shadow: 0 8px 18px rgba(16, 34, 35, 0.08);
    }

    .bar { box-shadow: var(--shadow); }
    h1 { margin: 0; font-size: 1.4rem; }
    .sub { margin-top: 6px; color: var(--muted); font-size: 0.9rem; }

    .controls { display: grid; gap: 10px; grid-template-columns: 1fr auto; margin-top: 12px; }
    .controls input {
      border-radius: 10px;
      border: 1px solid var(--line);
      padding: 10px 12px;
      font-size: 0.92rem;
    }

    button {
      border: 0;
      border-radius: 10px;
      padding: 8px 12px;
      font-family: inherit;
      font-weight: 700;
      cursor: pointer;
      background: linear-gradient(125deg, var(--accent), #2ab399);
      color: #ffffff;
    }

    .cards { display: grid; gap: 10px; grid-template-columns: repeat(5, minmax(120px, 1fr)); }
    .label { text-transform: uppercase; letter-spacing: 0.09em; font-size: 0.66rem; color: var(--muted); }
    .value { margin-top: 6px; font-size: 1.02rem; font-weight: 700; word-break: break-word; }
    .ok { color: var(--accent); }
    .bad { color: var(--danger); }

    .feed { margin: 0; padding: 0; list-style: none; display: grid; gap: 8px; }
    .feed li {
      border: 1px solid #e3d9c4;
      border-left: 5px solid var(--accent);
      border-radius: 10px;
      padding: 9px 10px;
      background: #fffcf7;
      font-size: 0.85rem;
      display: flex;
      justify-content: space-between;
      gap: 10px;
    }
    .feed li.read { border-left-color: var(--line); opacity: 0.7; }
    .meta { color: var(--muted); font-size: 0.75rem; }
  </style>
</head>
<body>
  <div class="shell">
    <section class="bar">
      <h1>Panel Sync</h1>
      <div class="sub">Live notifications for <span id="selection">no session</span></div>
      <div class="controls">
        <input id="token" type="password" placeholder="bearer token" />
        <button id="connect" type="button">Connect</button>
      </div>
    </section>

    <section class="cards">
      <div class="card"><div class="label">Push channel</div><div class="value" id="phase">-</div></div>
      <div class="card"><div class="label">Total</div><div class="value" id="total">-</div></div>
      <div class="card"><div class="label">Unread</div><div class="value" id="unread">-</div></div>
      <div class="card"><div class="label">Webhook</div><div class="value" id="webhook">-</div></div>
      <div class="card"><div class="label">Last</div><div class="value" id="last">-</div></div>
    </section>

    <section class="panel">
      <ul class="feed" id="feed"></ul>
    </section>
  </div>

  <script>
    (() => {
      const dom = {
        token: document.getElementById("token"),
        connect: document.getElementById("connect"),
        selection: document.getElementById("selection"),
        phase: document.getElementById("phase"),
        total: document.getElementById("total"),
        unread: document.getElementById("unread"),
        webhook: document.getElementById("webhook"),
        last: document.getElementById("last"),
        feed: document.getElementById("feed"),
      };
      let socket = null;

      const api = async (path, init = {}) => {
        const headers = Object.assign({ Authorization: "Bearer " + dom.token.value.trim() }, init.headers || {});
        const res = await fetch(path, Object.assign({}, init, { headers }));
        if (!res.ok) {
          throw new Error(res.status + " " + path);
        }
        return res.status === 204 ? null : res.json();
      };

      const renderConnection = (conn) => {
        dom.phase.textContent = conn.phase || "-";
        dom.phase.className = "value " + (conn.connected ? "ok" : "bad");
        if (conn.userId) {
          dom.selection.textContent = conn.userId + " / " + (conn.sessionName || conn.sessionId || "-");
        }
      };

      const renderStats = (stats) => {
        dom.total.textContent = stats.totalNotifications;
        dom.unread.textContent = stats.unreadNotifications;
        dom.webhook.textContent = stats.webhookActive ? "active" : "none";
        const last = stats.lastNotification;
        dom.last.textContent = !last ? "-" : (typeof last === "string" ? new Date(last).toLocaleTimeString() : (last.eventType || "-"));
      };

      const renderFeed = (items) => {
        dom.feed.innerHTML = "";
        for (const n of items) {
          const li = document.createElement("li");
          if (n.read) li.className = "read";
          const text = document.createElement("div");
          text.textContent = n.eventType + " " + (n.sessionId || "");
          const meta = document.createElement("div");
          meta.className = "meta";
          meta.textContent = new Date(n.timestamp).toLocaleString();
          text.appendChild(meta);
          li.appendChild(text);
          if (!n.read) {
            const btn = document.createElement("button");
            btn.textContent = "Mark read";
            btn.addEventListener("click", async () => {
              await api("/v1/notifications/" + encodeURIComponent(n.id) + "/read", { method: "POST" });
              refresh();
            });
            li.appendChild(btn);
          }
          dom.feed.appendChild(li);
        }
      };

      const refresh = async () => {
        try {
          const [conn, list] = await Promise.all([api("/v1/connection"), api("/v1/notifications?limit=50")]);
          renderConnection(conn);
          renderStats(list.stats);
          renderFeed(list.notifications || []);
        } catch (err) {
          dom.phase.textContent = err.message;
          dom.phase.className = "value bad";
        }
      };

      const openStream = () => {
        if (socket) socket.close();
        const proto = window.location.protocol === "https:" ? "wss://" : "ws://";
        socket = new WebSocket(proto + window.location.host + "/v1/stream?access_token=" + encodeURIComponent(dom.token.value.trim()));
        socket.onmessage = (msg) => {
          const frame = JSON.parse(msg.data);
          if (frame.connection) renderConnection(frame.connection);
          if (frame.stats) renderStats(frame.stats);
          if (frame.type === "notification") refresh();
        };
        socket.onclose = () => { dom.phase.className = "value bad"; };
      };

      dom.connect.addEventListener("click", () => {
        window.localStorage.setItem("panelsync_token", dom.token.value.trim());
        refresh();
        openStream();
      });

      dom.token.value = window.localStorage.getItem("panelsync_token") || "";
      if (dom.token.value) {
        refresh();
        openStream();
      }
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
