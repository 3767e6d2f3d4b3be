package sandbox

// modulePrefix and moduleSuffix wrap a CommonJS scene script in a function so
// exports and require are local to the scene.
const (
	modulePrefix = "(function (exports, require, module) {\n"
	moduleSuffix = "\n})"
)

// fetchShim adapts the Fetch.fetch op to the familiar fetch() shape.
const fetchShim = `(function (fetchOp) {
	return function fetch(url, init) {
		init = init || {};
		var req = { url: String(url), method: init.method || "GET" };
		if (init.headers) { req.headers = init.headers; }
		if (init.body !== undefined && init.body !== null) { req.body = String(init.body); }
		return fetchOp(req).then(function (r) {
			return {
				ok: r.ok,
				status: r.status,
				statusText: r.statusText,
				headers: r.headers,
				url: r.url,
				text: function () { return Promise.resolve(r.body); },
				json: function () { return Promise.resolve(JSON.parse(r.body)); }
			};
		});
	};
})`
