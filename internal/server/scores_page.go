package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// pageCSP relaxes the API policy for the single inline page.
const pageCSP = "default-src 'self'; style-src 'unsafe-inline'; script-src 'unsafe-inline'; connect-src 'self' ws: wss:; frame-ancestors 'none'"

const scoresPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Scores · creditscore</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        :root {
            --bg: #09090b; --bg-subtle: #18181b; --border: #27272a;
            --text: #fafafa; --text-secondary: #a1a1aa; --text-tertiary: #52525b;
            --accent: #22c55e; --down: #ef4444;
        }
        body {
            font-family: -apple-system, 'Segoe UI', sans-serif;
            background: var(--bg); color: var(--text);
            min-height: 100vh; font-size: 14px;
            -webkit-font-smoothing: antialiased;
        }
        .mono { font-family: ui-monospace, 'SFMono-Regular', monospace; }
        .container { max-width: 800px; margin: 0 auto; padding: 0 24px; }
        header { border-bottom: 1px solid var(--border); padding: 16px 0; }
        .logo { display: flex; align-items: center; gap: 10px; font-weight: 600; font-size: 15px; }
        .logo-mark { width: 24px; height: 24px; background: var(--accent); border-radius: 6px; }

        .page-header {
            padding: 48px 0 24px;
            display: flex; justify-content: space-between; align-items: flex-end;
            border-bottom: 1px solid var(--border);
        }
        .page-title { font-size: 24px; font-weight: 600; margin-bottom: 4px; }
        .page-desc { color: var(--text-secondary); }
        .live-badge {
            display: flex; align-items: center; gap: 8px;
            background: var(--bg-subtle); border: 1px solid var(--border);
            padding: 8px 14px; border-radius: 20px; font-size: 13px; color: var(--text-secondary);
        }
        .live-dot { width: 8px; height: 8px; background: var(--text-tertiary); border-radius: 50%; }
        .live-dot.on { background: var(--accent); animation: pulse 2s ease-in-out infinite; }
        @keyframes pulse { 0%, 100% { opacity: 1; } 50% { opacity: 0.4; } }

        .row {
            display: grid; grid-template-columns: 1fr auto;
            gap: 16px; padding: 20px 0; border-bottom: 1px solid var(--border);
        }
        .row.new { animation: slideIn 0.3s ease-out; }
        @keyframes slideIn { from { opacity: 0; transform: translateY(-8px); } to { opacity: 1; transform: translateY(0); } }
        .addr { background: var(--bg-subtle); padding: 6px 12px; border-radius: 6px; font-size: 13px; }
        .meta { color: var(--text-tertiary); font-size: 12px; margin-top: 8px; }
        .score { font-size: 22px; font-weight: 600; color: var(--accent); text-align: right; }
        .delta { font-size: 12px; text-align: right; margin-top: 4px; color: var(--text-secondary); }
        .delta.down { color: var(--down); }
        .empty { text-align: center; padding: 80px 24px; color: var(--text-tertiary); }
    </style>
</head>
<body>
    <header><div class="container"><div class="logo"><div class="logo-mark"></div><span>creditscore</span></div></div></header>
    <main class="container">
        <div class="page-header">
            <div>
                <h1 class="page-title">Credit scores</h1>
                <p class="page-desc">Most recently updated accounts</p>
            </div>
            <div class="live-badge"><span class="live-dot" id="dot"></span> Live</div>
        </div>
        <div id="list"><div class="empty">Loading...</div></div>
    </main>
    <script>
        const rows = new Map();
        const esc = s => String(s).replace(/[&<>"]/g, c => ({'&':'&amp;','<':'&lt;','>':'&gt;','"':'&quot;'}[c]));

        function row(p, fresh) {
            const d = p.previousScore === undefined ? '' : (p.creditScore - p.previousScore);
            return '<div class="row'+(fresh?' new':'')+'">'+
                '<div><span class="addr mono">'+esc(p.address)+'</span>'+
                '<div class="meta">v'+esc(p.version)+(p.kind ? ' · '+esc(p.kind) : '')+'</div></div>'+
                '<div><div class="score mono">'+esc(p.creditScore)+'</div>'+
                (d === '' ? '' : '<div class="delta mono'+(d<0?' down':'')+'">'+(d>=0?'+':'')+d+'</div>')+
                '</div></div>';
        }

        function render(freshAddr) {
            const el = document.getElementById('list');
            if (!rows.size) { el.innerHTML = '<div class="empty">No profiles yet.</div>'; return; }
            el.innerHTML = [...rows.values()].map(p => row(p, p.address === freshAddr)).join('');
        }

        fetch('/v1/accounts?limit=50').then(r => r.json()).then(data => {
            (data.profiles || []).forEach(p => rows.set(p.address.toLowerCase(), {
                address: p.address.toLowerCase(), creditScore: p.creditScore, version: p.version,
            }));
            render();
        });

        function connect() {
            const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
            const dot = document.getElementById('dot');
            ws.onopen = () => dot.classList.add('on');
            ws.onclose = () => { dot.classList.remove('on'); setTimeout(connect, 3000); };
            ws.onmessage = msg => {
                const ev = JSON.parse(msg.data);
                if (ev.type !== 'score_updated') return;
                const u = ev.data, prev = rows.get(u.address);
                rows.delete(u.address);
                const next = new Map([[u.address, {
                    address: u.address, creditScore: u.creditScore, version: u.version, kind: u.kind,
                    previousScore: prev ? prev.creditScore : 300,
                }]]);
                rows.forEach((v, k) => next.set(k, v));
                rows.clear(); next.forEach((v, k) => rows.set(k, v));
                render(u.address);
            };
        }
        connect();
    </script>
</body>
</html>`

func scoresPageHandler(c *gin.Context) {
	c.Header("Content-Security-Policy", pageCSP)
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, scoresPageHTML)
}
