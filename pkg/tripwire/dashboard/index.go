package dashboard

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Tripwire</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 0; padding: 20px; background: #f5f5f5; }
        .header { background: #2c3e50; color: white; padding: 20px; border-radius: 5px; margin-bottom: 20px; }
        .grid { display: grid; grid-template-columns: 1fr 1fr; gap: 20px; }
        .card { background: white; padding: 20px; border-radius: 5px; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
        .event { padding: 10px; margin: 5px 0; border-left: 4px solid #e74c3c; background: #ecf0f1; }
        .timestamp { font-size: 0.8em; color: #7f8c8d; }
        table { width: 100%; border-collapse: collapse; }
        td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ecf0f1; }
    </style>
</head>
<body>
    <div class="header">
        <h1>Tripwire</h1>
        <p>Windowed threshold detectors</p>
    </div>
    <div class="grid">
        <div class="card">
            <h2>Detectors</h2>
            <table>
                <thead><tr><th>Name</th><th>In window</th><th>Threshold</th><th>Window</th><th>Fired</th></tr></thead>
                <tbody id="detectors"></tbody>
            </table>
        </div>
        <div class="card">
            <h2>Alerts</h2>
            <div id="alerts"></div>
        </div>
    </div>
    <script>
        function text(tag, value) {
            const el = document.createElement(tag);
            el.textContent = value;
            return el;
        }
        function renderDetectors(list) {
            const body = document.getElementById('detectors');
            body.replaceChildren();
            (list || []).forEach(d => {
                const row = document.createElement('tr');
                [d.name, d.sum, d.threshold, d.window_seconds + 's', d.fired].forEach(v => row.appendChild(text('td', v)));
                body.appendChild(row);
            });
        }
        function addAlert(ev) {
            const box = document.createElement('div');
            box.className = 'event';
            box.appendChild(text('div', ev.message));
            box.appendChild(text('div', new Date(ev.timestamp).toLocaleTimeString())).className = 'timestamp';
            const alerts = document.getElementById('alerts');
            alerts.insertBefore(box, alerts.firstChild);
        }
        fetch('/api/detectors').then(r => r.json()).then(r => renderDetectors(r.data));
        const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
        ws.onmessage = msg => {
            const m = JSON.parse(msg.data);
            if (m.type === 'status') renderDetectors(m.data.detectors);
            if (m.type === 'event' && m.data.type === 'alert') addAlert(m.data);
        };
    </script>
</body>
</html>`
