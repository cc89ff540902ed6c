// internal/browser/jsbind/scripts.go
package jsbind

// Script names. Capture scripts take no argument.
const (
	PageInfo       Name = "capture.page_info"
	LocalStorage   Name = "capture.local_storage"
	SessionStorage Name = "capture.session_storage"
	IndexedDB      Name = "capture.indexeddb"
	CacheStorage   Name = "capture.cache_storage"
	ServiceWorkers Name = "capture.service_workers"
	DOMState       Name = "capture.dom_state"
	Security       Name = "capture.security"

	// WriteStorage takes {area, entries} and returns the resulting item count.
	WriteStorage Name = "restore.storage"
	// WriteIndexedDB takes one schemas.Database and returns the number of records written.
	WriteIndexedDB Name = "restore.indexeddb"
	// OpenCaches takes a list of cache names.
	OpenCaches Name = "restore.cache_storage"
	// ApplyDOMState takes a schemas.DOMState and returns the number of fields restored.
	ApplyDOMState Name = "restore.dom_state"

	// ConsoleLog takes {level, message}.
	ConsoleLog Name = "replay.console_log"
)

// StorageArea selects window.localStorage or window.sessionStorage.
type StorageArea string

const (
	AreaLocal   StorageArea = "localStorage"
	AreaSession StorageArea = "sessionStorage"
)

// WriteStorageArg is the argument of WriteStorage.
type WriteStorageArg struct {
	Area    StorageArea       `json:"area"`
	Entries map[string]string `json:"entries"`
}

// ConsoleLogArg is the argument of ConsoleLog.
type ConsoleLogArg struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

var bodies = map[Name]string{
	PageInfo: `
function() {
  return {
    url: location.href,
    title: document.title,
    origin: location.origin,
    viewport: { width: window.innerWidth, height: window.innerHeight, device_pixel_ratio: window.devicePixelRatio || 1 },
    user_agent: navigator.userAgent,
    language: navigator.language || '',
    platform: navigator.platform || '',
    cookie_enabled: !!navigator.cookieEnabled,
    online: !!navigator.onLine,
    ready_state: document.readyState
  };
}`,

	LocalStorage: storageReader("localStorage"),

	SessionStorage: storageReader("sessionStorage"),

	IndexedDB: `
async function() {
  if (!window.indexedDB || typeof indexedDB.databases !== 'function') return [];
  const req = (r) => new Promise((resolve, reject) => {
    r.onsuccess = () => resolve(r.result);
    r.onerror = () => reject(r.error);
  });
  const out = [];
  for (const info of await indexedDB.databases()) {
    if (!info.name) continue;
    const db = await req(indexedDB.open(info.name));
    const stores = [];
    for (const storeName of Array.from(db.objectStoreNames)) {
      const store = db.transaction(storeName, 'readonly').objectStore(storeName);
      const indexes = Array.from(store.indexNames).map((n) => {
        const ix = store.index(n);
        return { name: ix.name, key_path: ix.keyPath, unique: ix.unique, multi_entry: ix.multiEntry };
      });
      const keys = await req(store.getAllKeys());
      const values = await req(store.getAll());
      stores.push({
        name: store.name,
        key_path: store.keyPath,
        auto_increment: store.autoIncrement,
        indexes: indexes,
        records: keys.map((k, i) => ({ key: k, value: values[i] === undefined ? null : values[i] }))
      });
    }
    out.push({ name: db.name, version: db.version, object_stores: stores });
    db.close();
  }
  return out;
}`,

	CacheStorage: `
async function() {
  if (!window.caches) return [];
  const out = [];
  for (const name of await caches.keys()) {
    const cache = await caches.open(name);
    const requests = (await cache.keys()).map((r) => ({ url: r.url, method: r.method }));
    out.push({ name: name, requests: requests });
  }
  return out;
}`,

	ServiceWorkers: `
async function() {
  if (!navigator.serviceWorker || typeof navigator.serviceWorker.getRegistrations !== 'function') return [];
  const regs = await navigator.serviceWorker.getRegistrations();
  return regs.map((r) => {
    const w = r.active || r.waiting || r.installing;
    return { scope: r.scope, script_url: w ? w.scriptURL : '', state: w ? w.state : '' };
  });
}`,

	DOMState: `
function() {
  const selectorFor = (el) => {
    if (el.id) return '#' + CSS.escape(el.id);
    if (el.name) return el.tagName.toLowerCase() + '[name="' + CSS.escape(el.name) + '"]';
    return '';
  };
  const skip = ['submit', 'button', 'reset', 'image', 'file'];
  const forms = Array.from(document.forms).map((f) => ({
    id: f.id || '',
    name: f.getAttribute('name') || '',
    action: f.getAttribute('action') || '',
    fields: Array.from(f.elements)
      .filter((e) => (e.name || e.id) && !skip.includes((e.type || '').toLowerCase()))
      .map((e) => {
        const type = (e.type || e.tagName || '').toLowerCase();
        return {
          name: e.name || '',
          id: e.id || '',
          type: type,
          value: type === 'password' ? '' : (e.value == null ? '' : String(e.value)),
          checked: !!e.checked,
          selector: selectorFor(e)
        };
      })
  }));
  const active = document.activeElement && document.activeElement !== document.body ? selectorFor(document.activeElement) : '';
  return { forms: forms, scroll: { x: window.scrollX, y: window.scrollY }, active_element: active };
}`,

	Security: `
function() {
  const meta = document.querySelector('meta[http-equiv="Content-Security-Policy" i]');
  const csp = meta ? (meta.getAttribute('content') || '') : '';
  return {
    protocol: location.protocol.replace(':', ''),
    secure: !!window.isSecureContext,
    has_csp: csp !== '',
    csp: csp,
    referrer: document.referrer || ''
  };
}`,

	WriteStorage: `
function(arg) {
  const store = window[arg.area];
  store.clear();
  for (const [k, v] of Object.entries(arg.entries || {})) store.setItem(k, v);
  return store.length;
}`,

	WriteIndexedDB: `
async function(db) {
  const ensure = (idb, tx) => {
    for (const s of db.object_stores || []) {
      let store;
      if (!idb.objectStoreNames.contains(s.name)) {
        const opts = { autoIncrement: !!s.auto_increment };
        if (s.key_path !== null && s.key_path !== undefined) opts.keyPath = s.key_path;
        store = idb.createObjectStore(s.name, opts);
      } else {
        store = tx.objectStore(s.name);
      }
      for (const ix of s.indexes || []) {
        if (!store.indexNames.contains(ix.name)) {
          store.createIndex(ix.name, ix.key_path, { unique: !!ix.unique, multiEntry: !!ix.multi_entry });
        }
      }
    }
  };
  const open = (version) => new Promise((resolve, reject) => {
    const r = version === undefined ? indexedDB.open(db.name) : indexedDB.open(db.name, version);
    r.onupgradeneeded = () => ensure(r.result, r.transaction);
    r.onsuccess = () => resolve(r.result);
    r.onerror = () => reject(r.error);
  });
  const complete = (idb) => (db.object_stores || []).every((s) =>
    idb.objectStoreNames.contains(s.name) &&
    (s.indexes || []).every((ix) => idb.transaction(s.name, 'readonly').objectStore(s.name).indexNames.contains(ix.name)));

  let idb = await open(undefined);
  if (!complete(idb)) {
    const next = Math.max(idb.version + 1, db.version || 1);
    idb.close();
    idb = await open(next);
  }
  let written = 0;
  for (const s of db.object_stores || []) {
    if (!(s.records || []).length) continue;
    await new Promise((resolve, reject) => {
      const tx = idb.transaction(s.name, 'readwrite');
      const store = tx.objectStore(s.name);
      for (const rec of s.records) {
        if (store.keyPath !== null) store.put(rec.value); else store.put(rec.value, rec.key);
        written++;
      }
      tx.oncomplete = () => resolve();
      tx.onerror = () => reject(tx.error);
      tx.onabort = () => reject(tx.error);
    });
  }
  idb.close();
  return written;
}`,

	OpenCaches: `
async function(names) {
  if (!window.caches) throw new Error('Cache Storage is not available');
  for (const n of names || []) await caches.open(n);
  return (names || []).length;
}`,

	ApplyDOMState: `
function(state) {
  let restored = 0;
  for (const form of state.forms || []) {
    for (const f of form.fields || []) {
      if ((f.type || '').toLowerCase() === 'password') continue;
      let el = null;
      if (f.selector) { try { el = document.querySelector(f.selector); } catch (e) { el = null; } }
      if (!el && f.id) el = document.getElementById(f.id);
      if (!el && f.name) el = document.querySelector('[name="' + CSS.escape(f.name) + '"]');
      if (!el) continue;
      if (f.type === 'checkbox' || f.type === 'radio') el.checked = !!f.checked; else el.value = f.value;
      el.dispatchEvent(new Event('input', { bubbles: true }));
      el.dispatchEvent(new Event('change', { bubbles: true }));
      restored++;
    }
  }
  if (state.scroll) window.scrollTo(state.scroll.x || 0, state.scroll.y || 0);
  return restored;
}`,

	ConsoleLog: `
function(arg) {
  const fn = console[arg.level] || console.log;
  fn.call(console, arg.message);
  return true;
}`,
}

func storageReader(area string) string {
	return `
function() {
  const out = {};
  const s = window.` + area + `;
  for (let i = 0; i < s.length; i++) {
    const k = s.key(i);
    if (k !== null) out[k] = s.getItem(k);
  }
  return out;
}`
}
