package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/gitvault/gitvault/internal/gateway"
	"github.com/gitvault/gitvault/internal/protocol"
)

// maxRequestBody bounds a buffered push/fetch body.
const maxRequestBody = 1 << 30

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos", s.handleListRepos)
	mux.HandleFunc("POST /repos", s.handleCreateRepo)
	mux.HandleFunc("GET /{owner}/{repo}/info/refs", s.handleInfoRefs)
	mux.HandleFunc("POST /{owner}/{repo}/git-upload-pack", s.handleUploadPack)
	mux.HandleFunc("POST /{owner}/{repo}/git-receive-pack", s.handleReceivePack)
	return s.logRequests(mux)
}

func repositoryID(r *http.Request) gateway.RepositoryID {
	return gateway.RepositoryID{
		Owner: r.PathValue("owner"),
		Name:  strings.TrimSuffix(r.PathValue("repo"), ".git"),
	}
}

// handleInfoRefs answers GET /{owner}/{repo}/info/refs?service=...
// The advertisement is buffered so any failure can still become a clean
// HTTP error instead of a truncated 200.
func (s *Server) handleInfoRefs(w http.ResponseWriter, r *http.Request) {
	service, err := protocol.ParseService(r.FormValue("service"))
	if err != nil {
		s.protocolError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := s.gw.Advertise(r.Context(), repositoryID(r), service, &buf); err != nil {
		s.internalError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", fmt.Sprintf("application/x-%s-advertisement", service))
	w.Header().Set("Cache-Control", "no-cache")
	io.Copy(w, &buf)
}

func (s *Server) handleUploadPack(w http.ResponseWriter, r *http.Request) {
	body, err := s.requestBody(w, r)
	if err != nil {
		s.protocolError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := s.gw.Fetch(r.Context(), repositoryID(r), body, &buf); err != nil {
		s.serviceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
	w.Header().Set("Cache-Control", "no-cache")
	io.Copy(w, &buf)
}

func (s *Server) handleReceivePack(w http.ResponseWriter, r *http.Request) {
	body, err := s.requestBody(w, r)
	if err != nil {
		s.protocolError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := s.gw.Push(r.Context(), repositoryID(r), body, &buf); err != nil {
		s.serviceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-git-receive-pack-result")
	w.Header().Set("Cache-Control", "no-cache")
	io.Copy(w, &buf)
}

func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	ids, err := s.gw.List()
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, id.String())
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleCreateRepo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner string `json:"owner"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Owner == "" || req.Name == "" {
		http.Error(w, "owner and name are required", http.StatusBadRequest)
		return
	}

	id := gateway.RepositoryID{Owner: req.Owner, Name: req.Name}
	if err := s.gw.Create(r.Context(), id); err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"message": fmt.Sprintf("repository %s created", id),
	})
}

// requestBody buffers the request body, transparently inflating
// gzip-encoded uploads, which git clients send for larger requests.
func (s *Server) requestBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	var reader io.Reader = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, &protocol.Error{Reason: "bad gzip body"}
		}
		defer gz.Close()
		reader = gz
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, &protocol.Error{Reason: "unreadable request body"}
	}
	return body, nil
}

// serviceError distinguishes protocol errors (the client's fault) from
// local failures.
func (s *Server) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		s.protocolError(w, r, err)
		return
	}
	s.internalError(w, r, err)
}

func (s *Server) protocolError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Warn().Err(err).Str("path", r.URL.Path).Msg("rejected request")
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
