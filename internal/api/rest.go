// Package api serves the cloud API actions as JSON over HTTP and the
// instance metadata tree guests read from /latest/.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/controlplane/internal/fault"
	"github.com/devghori1264/aerophoenix/controlplane/internal/metadata"
	"github.com/devghori1264/aerophoenix/controlplane/internal/server"
)

const (
	maxBodyBytes = 1 << 20
	userDataKey  = "user-data"
)

// MetadataSource returns the document of the instance holding an
// address.
type MetadataSource interface {
	GetMetadata(ctx context.Context, ip string) (*metadata.Document, error)
}

type Handler struct {
	srv    *server.Server
	meta   MetadataSource
	logger *zap.Logger
}

func NewHTTPHandler(srv *server.Server, meta MetadataSource, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{srv: srv, meta: meta, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", h.handlePing)
	mux.HandleFunc("POST /api/{action}", h.handleAction)
	mux.HandleFunc("GET /latest", h.handleMetadata)
	mux.HandleFunc("GET /latest/{path...}", h.handleMetadata)
	return mux
}

func (h *Handler) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"msg": "pong from aerophoenix controlplane"})
}

func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("action")
	a, err := h.srv.Lookup(name)
	if err != nil {
		h.writeFault(w, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeFault(w, fault.Wrap(err, fault.BadRequest, "reading request body"))
		return
	}
	req := a.NewRequest()
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, req); err != nil {
			h.writeFault(w, fault.Wrap(err, fault.BadRequest, "invalid JSON payload"))
			return
		}
	}

	id := server.Identity{
		UserID:    r.Header.Get(server.HeaderUserID),
		ProjectID: r.Header.Get(server.HeaderProjectID),
		Secret:    r.Header.Get(server.HeaderSecret),
		RequestID: r.Header.Get(server.HeaderRequestID),
	}
	resp, err := h.srv.Run(r.Context(), a, id, req)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": resp})
}

// handleMetadata answers for the instance whose private address made the
// request. Directories list their entries one per line, nested ones with
// a trailing slash; leaves are returned as text.
func (h *Handler) handleMetadata(w http.ResponseWriter, r *http.Request) {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	doc, err := h.meta.GetMetadata(r.Context(), ip)
	if fault.Is(err, fault.NotFound) {
		h.logger.Debug("metadata requested by unknown address", zap.String("ip", ip))
		http.NotFound(w, r)
		return
	}
	if err != nil {
		h.writeFault(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	path := r.PathValue("path")
	// User data is opaque bytes; the JSON tree would replace invalid UTF-8.
	if strings.Trim(path, "/") == userDataKey {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = io.WriteString(w, doc.UserData)
		return
	}

	tree, err := toTree(doc)
	if err != nil {
		h.writeFault(w, fault.Wrap(err, fault.Internal, "rendering metadata"))
		return
	}
	node, ok := walk(tree, path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = io.WriteString(w, render(node))
}

func toTree(doc *metadata.Document) (map[string]any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var tree map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func walk(node any, path string) (any, bool) {
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		dir, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		if node, ok = dir[part]; !ok {
			return nil, false
		}
	}
	return node, true
}

func render(node any) string {
	switch v := node.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			if !strings.HasPrefix(k, "_") {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		lines := make([]string, 0, len(keys))
		for _, k := range keys {
			child, isDir := v[k].(map[string]any)
			switch {
			case isDir && child["_name"] != nil:
				// Public keys list as "<index>=<key name>".
				lines = append(lines, k+"="+render(child["_name"]))
			case isDir:
				lines = append(lines, k+"/")
			default:
				lines = append(lines, k)
			}
		}
		return strings.Join(lines, "\n")
	case []any:
		lines := make([]string, 0, len(v))
		for _, item := range v {
			lines = append(lines, render(item))
		}
		return strings.Join(lines, "\n")
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	}
	return ""
}

var kindStatus = map[fault.Kind]int{
	fault.NotFound:      http.StatusNotFound,
	fault.Conflict:      http.StatusConflict,
	fault.InvalidState:  http.StatusUnprocessableEntity,
	fault.BadRequest:    http.StatusBadRequest,
	fault.RemoteFailure: http.StatusBadGateway,
	fault.Forbidden:     http.StatusForbidden,
	fault.Internal:      http.StatusInternalServerError,
}

func (h *Handler) writeFault(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": kind.String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
