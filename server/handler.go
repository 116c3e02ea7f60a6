package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/beyondstorage/beyond-fetch/fetch"
)

// maxAdhocBody limits the JSON body of POST /download.
const maxAdhocBody = 64 << 10

// AdhocRequest is the body of POST /download.
type AdhocRequest struct {
	Protocol string `json:"protocol"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Dir      string `json:"dir"`
	Name     string `json:"name"`
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "ok")
}

func (s *HTTPServer) handleSourceFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "source")
	src, ok := s.sources[name]
	if !ok {
		http.Error(w, "unknown source "+name, http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	if q.Get("name") == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	s.download(w, r, src.fetcher, src.request(q.Get("dir"), q.Get("name")))
}

func (s *HTTPServer) handleAdhoc(w http.ResponseWriter, r *http.Request) {
	if !s.setting.AllowAdhoc {
		http.Error(w, "ad hoc downloads are disabled", http.StatusForbidden)
		return
	}

	var body AdhocRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxAdhocBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}

	f, ok := s.adhoc[strings.ToLower(body.Protocol)]
	if !ok {
		http.Error(w, "unsupported protocol "+body.Protocol, http.StatusBadRequest)
		return
	}
	if body.Host == "" || body.Port <= 0 || body.Name == "" {
		http.Error(w, "host, port and name are required", http.StatusBadRequest)
		return
	}

	s.download(w, r, f, &fetch.Request{
		Host:     body.Host,
		Port:     body.Port,
		User:     body.User,
		Password: body.Password,
		Dir:      body.Dir,
		Name:     body.Name,
	})
}

// download streams req into w. Failures before the first byte become an
// error status; later ones abort the response.
func (s *HTTPServer) download(w http.ResponseWriter, r *http.Request, f fetch.Fetcher, req *fetch.Request) {
	log := logger(r).With(
		zap.String("host", req.Host),
		zap.String("dir", req.Dir),
		zap.String("name", req.Name))
	log.Info("Download started")

	res, err := f.Fetch(r.Context(), req, w)
	if err == nil && res.Status == fetch.Success {
		log.Info("Download finished",
			zap.Int64("bytes", res.Bytes), zap.Duration("elapsed", res.Elapsed))
		return
	}

	status := fetch.StatusOf(err)
	if err == nil {
		status = res.Status
	}
	log = log.With(zap.Stringer("status", status), zap.Int64("bytes", res.Bytes), zap.Error(err))

	if fetch.HeadersCommitted(w.Header()) {
		log.Warn("Download interrupted after headers were sent")
		// Abort the connection so the client cannot take the body as complete.
		panic(http.ErrAbortHandler)
	}
	log.Warn("Download failed")

	msg := status.String()
	if err != nil {
		msg = err.Error()
	}
	http.Error(w, msg, httpStatus(status, err))
}

// httpStatus maps a transfer outcome to a response code.
func httpStatus(status fetch.Status, err error) int {
	if errors.Is(err, fetch.ErrInvalidRequest) {
		return http.StatusBadRequest
	}
	switch status {
	case fetch.InvalidRequest:
		return http.StatusBadRequest
	case fetch.FileNotFound:
		return http.StatusNotFound
	case fetch.AuthFailed, fetch.ConnectionFailed, fetch.TransferInterrupted:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
