package server

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// csrfMiddleware rejects cross-site mutations. The preview page identifies
// itself with Origin or Referer, which must name this server. Editor
// integrations call the API without a browser and send neither header; such
// requests are accepted from the loopback interface only.
func csrfMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if safeMethod(r.Method) || csrfExempt(r.URL.Path) || sameSite(r) {
			next.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Forbidden: Invalid origin", http.StatusForbidden)
	})
}

func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

func csrfExempt(path string) bool {
	return path == "/healthz" || strings.HasPrefix(path, "/static/")
}

func sameSite(r *http.Request) bool {
	source := r.Header.Get("Origin")
	if source == "" {
		source = r.Header.Get("Referer")
	}
	if source == "" {
		return isLoopback(r.RemoteAddr)
	}

	u, err := url.Parse(source)
	if err != nil || u.Host == "" {
		return false
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	return normalizeHost(u.Host) == normalizeHost(host)
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// normalizeHost drops the port and folds loopback names together, so a page
// opened as localhost may post to 127.0.0.1.
func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	if host == "localhost" {
		return host
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return "localhost"
	}
	return host
}
