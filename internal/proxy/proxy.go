// Package proxy serves built artifacts by mapping the request hostname to a
// deployment's output prefix in blob storage.
package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/narvanalabs/buildstream/pkg/logger"
)

// OutputsPrefix is the path segment under which build outputs are stored.
const OutputsPrefix = "__outputs"

// Proxy forwards "<project>.<domain>/<path>" to
// "<base>/__outputs/<project>/<path>".
type Proxy struct {
	base   *url.URL
	rp     *httputil.ReverseProxy
	logger *logger.Logger
}

// New creates a proxy in front of basePath, the public URL of the bucket
// holding the build outputs.
func New(basePath string, log *logger.Logger) (*Proxy, error) {
	base, err := url.Parse(strings.TrimRight(basePath, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base path: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, errors.New("base path must be an absolute URL")
	}

	p := &Proxy{
		base:   base,
		logger: log.WithComponent("proxy"),
	}
	p.rp = &httputil.ReverseProxy{
		Rewrite:      p.rewrite,
		ErrorHandler: p.handleError,
	}
	return p, nil
}

// Subdomain returns the first label of host, without any port.
func Subdomain(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	label, _, _ := strings.Cut(host, ".")
	return strings.ToLower(label)
}

// Target returns the upstream prefix for a project.
func (p *Proxy) Target(project string) *url.URL {
	return p.base.JoinPath(OutputsPrefix, project)
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if Subdomain(r.Host) == "" {
		http.NotFound(w, r)
		return
	}
	p.rp.ServeHTTP(w, r)
}

func (p *Proxy) rewrite(pr *httputil.ProxyRequest) {
	pr.SetURL(p.Target(Subdomain(pr.In.Host)))
	if pr.In.URL.Path == "" || pr.In.URL.Path == "/" {
		pr.Out.URL.Path = strings.TrimRight(pr.Out.URL.Path, "/") + "/index.html"
		pr.Out.URL.RawPath = ""
	}
}

func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	p.logger.Warn("upstream request failed",
		"host", r.Host,
		"path", r.URL.Path,
		"error", err,
	)
	w.WriteHeader(http.StatusBadGateway)
}
