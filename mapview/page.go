package mapview

import (
	"bytes"
	"html/template"
)

type PageData struct {
	Title          string
	PollIntervalMs int64
	Gallery        bool
}

var page = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<link rel="stylesheet" href="https://unpkg.com/leaflet@1.9.4/dist/leaflet.css">
<link rel="stylesheet" href="https://unpkg.com/leaflet.markercluster@1.5.3/dist/MarkerCluster.Default.css">
<style>
body { margin: 0; display: flex; font-family: sans-serif; height: 100vh; }
#side { width: 300px; padding: 12px; overflow-y: auto; border-right: 1px solid #ddd; }
#main { flex: 1; display: flex; flex-direction: column; }
#map { flex: 1; }
#blocked { padding: 24px; }
.err { color: #b00; }
</style>
</head>
<body>
<div id="side">
  <p id="hello">Please sign in</p>
  <form id="signin">
    <input name="username" placeholder="Username">
    <input name="password" type="password" placeholder="Password">
    <button>Sign in</button>
  </form>
  <details>
    <summary>Sign up</summary>
    <form id="signup">
      <input name="email" type="email" placeholder="Email">
      <input name="organization" placeholder="Organization">
      <input name="username" placeholder="Username">
      <input name="password" type="password" placeholder="Password">
      <button>Sign up</button>
    </form>
  </details>
  <hr>
  <input id="city" placeholder="Search city" autocomplete="off">
  <ul id="suggestions"></ul>
  <input id="image" type="file" accept="image/*">
  <button id="submit">Submit</button>
  <p id="result"></p>
  <p><a href="/">Map</a> | <a href="/gallery">Gallery</a></p>
</div>
<div id="main">
  <h1>Welcome to the African Swine Fever Analysis App</h1>
  {{if .Gallery}}<div id="gallery"></div>{{else}}<div id="map"></div><div id="blocked" hidden>Map features unavailable.</div>{{end}}
</div>
<script src="https://unpkg.com/leaflet@1.9.4/dist/leaflet.js"></script>
<script src="https://unpkg.com/leaflet.markercluster@1.5.3/dist/leaflet.markercluster.js"></script>
<script>
const pollMs = {{.PollIntervalMs}};
const $ = (id) => document.getElementById(id);
const esc = (s) => { const t = document.createElement("div"); t.textContent = String(s); return t.innerHTML; };
const say = (msg, bad) => { $("result").textContent = msg; $("result").className = bad ? "err" : ""; };

async function api(method, path, body) {
  const opts = { method, credentials: "same-origin" };
  if (body instanceof FormData) opts.body = body;
  else if (body) { opts.body = JSON.stringify(body); opts.headers = { "Content-Type": "application/json" }; }
  const res = await fetch(path, opts);
  const data = await res.json().catch(() => ({}));
  if (!res.ok) throw new Error(data.error || res.statusText);
  return data;
}

async function refreshSession() {
  const s = await api("GET", "/api/session");
  $("hello").textContent = s.session.signedIn ? "Hello, " + s.session.username + "!" : "Please sign in";
  await api("POST", "/api/location/input", { id: "city" });
}

$("signin").addEventListener("submit", async (e) => {
  e.preventDefault();
  const f = new FormData(e.target);
  try {
    await api("POST", "/api/signin", { username: f.get("username"), password: f.get("password") });
    await refreshSession();
  } catch (err) { say(err.message, true); }
});

$("signup").addEventListener("submit", async (e) => {
  e.preventDefault();
  const f = new FormData(e.target);
  try {
    await api("POST", "/api/signup", {
      email: f.get("email"), organization: f.get("organization"),
      username: f.get("username"), password: f.get("password"),
    });
    await refreshSession();
  } catch (err) { say(err.message, true); }
});

let typing;
$("city").addEventListener("input", () => {
  clearTimeout(typing);
  typing = setTimeout(async () => {
    const q = encodeURIComponent($("city").value);
    const list = $("suggestions");
    list.innerHTML = "";
    try {
      const data = await api("GET", "/api/places/suggest?input=" + q);
      for (const s of data.suggestions) {
        const li = document.createElement("li");
        li.textContent = s.description;
        li.onclick = async () => {
          const sel = await api("POST", "/api/places/select", { placeId: s.place_id });
          $("city").value = sel.label;
          list.innerHTML = "";
        };
        list.appendChild(li);
      }
    } catch (err) { say(err.message, true); }
  }, 250);
});
$("city").addEventListener("change", () => api("POST", "/api/places/commit", { text: $("city").value }).catch(() => {}));

$("submit").addEventListener("click", async () => {
  const fd = new FormData();
  const file = $("image").files[0];
  if (file) fd.append("image", file);
  try {
    const p = await api("POST", "/api/submit", fd);
    say("Prediction: " + p.tagName + " (" + p.probability + ")");
  } catch (err) { say(err.message, true); }
});

{{if .Gallery}}
async function loadGallery() {
  const data = await api("GET", "/api/gallery");
  const root = $("gallery");
  root.innerHTML = "";
  for (const img of data.items) {
    const fig = document.createElement("figure");
    const el = document.createElement("img");
    el.src = img.url; el.width = 200;
    const cap = document.createElement("figcaption");
    cap.textContent = img.metadata.result + " " + img.metadata.probability + "% " + img.metadata.user + " " + img.metadata.date;
    fig.append(el, cap);
    root.appendChild(fig);
  }
}
loadGallery().catch((err) => say(err.message, true));
{{else}}
let map, tiles, group;
async function loadMap() {
  const v = await api("GET", "/api/map");
  if (v.blocked) { $("blocked").hidden = false; return; }
  $("blocked").hidden = true;
  if (!map) {
    map = L.map("map").setView(v.center, v.zoom);
    tiles = L.tileLayer(v.tileUrl, { attribution: v.attribution }).addTo(map);
    group = L.markerClusterGroup().addTo(map);
  }
  group.clearLayers();
  for (const m of v.markers) {
    const d = m.detail;
    const html = "<h3>Case Details</h3><p>Positive Case</p>" +
      "<p>Probability: " + esc(d.prob) + "</p><p>Username: " + esc(d.user) + "</p>" +
      "<p>Organization: " + esc(d.org) + "</p><p>Date: " + esc(d.date) + "</p>" +
      "<p>Priority: " + esc(d.priority) + "</p>";
    group.addLayer(L.marker([m.lat, m.lng]).bindPopup(html));
  }
}
loadMap().catch((err) => say(err.message, true));
setInterval(() => loadMap().catch(() => {}), pollMs);
{{end}}
refreshSession().catch(() => {});
</script>
</body>
</html>
`))

// Page renders the map page, or the gallery page when data.Gallery is set.
func Page(data PageData) ([]byte, error) {
	if data.Title == "" {
		data.Title = "African Swine Fever Analysis"
	}
	var buf bytes.Buffer
	if err := page.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
