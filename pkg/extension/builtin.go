package extension

import (
	"mime"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Built-in extension names.
const (
	SuccessfulStatusFilter = "successfulStatusResponseFilter"
	SuccessClassFilter     = "successStatusClassResponseFilter"
	JSONContentFilter      = "jsonContentResponseFilter"
	VoidManipulator        = "voidHeaderManipulator"
	HopByHopManipulator    = "hopByHopHeaderManipulator"
	RelayHeaderManipulator = "relayHeaderManipulator"
)

// Hop-by-hop headers, RFC 7230 section 6.1.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveHopByHop deletes hop-by-hop headers from h, including any named
// in its Connection header.
func RemoveHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// RegisterBuiltins adds the stock filters and manipulators to r.
func RegisterBuiltins(r *Registry) {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}

	must(r.RegisterResponseFilter(SuccessfulStatusFilter, func() ResponseFilter {
		return ResponseFilterFunc(func(res *http.Response) bool {
			return res.StatusCode == http.StatusOK
		})
	}))
	must(r.RegisterResponseFilter(SuccessClassFilter, func() ResponseFilter {
		return ResponseFilterFunc(func(res *http.Response) bool {
			return res.StatusCode >= 200 && res.StatusCode < 300
		})
	}))
	must(r.RegisterResponseFilter(JSONContentFilter, func() ResponseFilter {
		return ResponseFilterFunc(isJSON)
	}))

	log := r.log
	must(r.RegisterHeaderManipulator(VoidManipulator, func() HeaderManipulator {
		return HeaderManipulatorFunc(func(h http.Header) {
			log.Debug("response headers", zap.Any("headers", h))
		})
	}))
	must(r.RegisterHeaderManipulator(HopByHopManipulator, func() HeaderManipulator {
		return HeaderManipulatorFunc(RemoveHopByHop)
	}))
	must(r.RegisterHeaderManipulator(RelayHeaderManipulator, func() HeaderManipulator {
		return HeaderManipulatorFunc(func(h http.Header) {
			h.Set("X-Relay", "True")
		})
	}))
}

func isJSON(res *http.Response) bool {
	ct := res.Header.Get("Content-Type")
	if ct == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
