package ops

import (
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func metricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func mountPprof(r chi.Router, prefix string) {
	base := strings.TrimSuffix(prefix, "/")
	r.Get(base, func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, prefix, http.StatusPermanentRedirect)
	})
	r.Get(base+"/cmdline", hpprof.Cmdline)
	r.Get(base+"/profile", hpprof.Profile)
	r.Get(base+"/symbol", hpprof.Symbol)
	r.Post(base+"/symbol", hpprof.Symbol)
	r.Get(base+"/trace", hpprof.Trace)
	r.Get(prefix+"*", pprofIndexAt(prefix))
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index assumes requests are rooted at /debug/pprof/.
func pprofIndexAt(prefix string) http.HandlerFunc {
	canon := normalizePrefix(prefix)
	return func(w http.ResponseWriter, r *http.Request) {
		suffix := strings.TrimPrefix(r.URL.Path, canon)
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + suffix
		hpprof.Index(w, r2)
	}
}
