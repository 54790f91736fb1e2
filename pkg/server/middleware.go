package server

import (
	"bufio"
	"crypto/subtle"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// statusRecorder keeps Flush and Hijack reachable so event streams and
// websocket upgrades work behind the logging middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, req)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		log.Info().
			Str("component", "http").
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Int("status", status).
			Int("bytes", rec.bytes).
			Dur("duration", time.Since(start)).
			Str("remote", req.RemoteAddr).
			Msg("request")
	})
}

// PasswordFile checks basic auth credentials against a file of user:password
// lines. The file is read on every check so edits apply without a restart.
type PasswordFile struct {
	Path string
}

func (p PasswordFile) load() (map[string]string, error) {
	raw, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "read password file %s", p.Path)
	}
	users := map[string]string{}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimRight(line, "\r")
		user, pass, ok := strings.Cut(line, ":")
		if !ok || user == "" {
			continue
		}
		users[user] = pass
	}
	return users, nil
}

func (p PasswordFile) Check(user, pass string) bool {
	users, err := p.load()
	if err != nil {
		log.Error().Err(err).Str("component", "http").Msg("basic auth unavailable")
		return false
	}
	want, ok := users[user]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(pass)) == 1
}

// Authenticator validates a basic auth user/password pair.
type Authenticator interface {
	Check(user, pass string) bool
}

func withBasicAuth(auth Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		user, pass, ok := req.BasicAuth()
		if !ok || !auth.Check(user, pass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="chatproxy", charset="UTF-8"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, req)
	})
}
