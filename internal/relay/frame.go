package relay

import (
	"context"
	"net/http"
	"net/url"
)

// Frame is the hidden surface that loads the token service's callback page.
// Messages it receives are handed to a Bridge as Envelopes for serviceID.
// Load returns once the source is set; the frame is released when ctx ends.
type Frame interface {
	Load(ctx context.Context, serviceID, src string) error
}

// HostPagePath is where HostPageHandler is mounted.
const HostPagePath = "/relay"

// BindingName is the page function the host page calls with each message.
const BindingName = "iabRelay"

// hostPage registers its message listener before assigning the iframe src,
// so a callback page that posts on load cannot beat it.
const hostPage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>relay</title></head>
<body>
<iframe id="relay-frame" title="message frame" style="display:none"></iframe>
<script>
(function () {
  var params = new URLSearchParams(window.location.search);
  var src = params.get("src");
  window.addEventListener("message", function (event) {
    var payload = JSON.stringify({origin: event.origin, data: event.data});
    if (typeof window.` + BindingName + ` === "function") {
      window.` + BindingName + `(payload);
    }
  });
  if (src) {
    document.getElementById("relay-frame").src = src;
  }
})();
</script>
</body>
</html>
`

// HostPageHandler serves the page the hidden frame lives in. It must be
// served from the host origin so the callback page's postMessage targets it.
func HostPageHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Referrer-Policy", "no-referrer")
		_, _ = w.Write([]byte(hostPage))
	})
}

// HostPageURL is the address a frame navigates to in order to load src.
func HostPageURL(origin, src string) string {
	return origin + HostPagePath + "?src=" + url.QueryEscape(src)
}
