package server

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"

	"github.com/coffersTech/sessionlog/internal/logstore"
)

//go:embed web/index.html
var indexPage []byte

// Options configures an IngestServer.
type Options struct {
	WebDir          string // static landing page directory; empty uses the built-in page
	MaxUploadBytes  int64
	UploadTokenHash string // bcrypt hash; empty disables auth
}

// IngestServer serves log uploads and the log listing over HTTP.
type IngestServer struct {
	store *logstore.Store
	opts  Options
	srv   *http.Server
}

// NewIngestServer creates a server over store. A non-positive
// MaxUploadBytes defaults to 32 MiB.
func NewIngestServer(store *logstore.Store, opts Options) *IngestServer {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 32 << 20
	}
	return &IngestServer{
		store: store,
		opts:  opts,
	}
}

// Handler returns the routed handler.
func (s *IngestServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/logs", s.AuthMiddleware(gzhttp.GzipHandler(http.HandlerFunc(s.handleLogs))))
	mux.Handle("/upload", s.AuthMiddleware(http.HandlerFunc(s.handleUpload)))

	if s.opts.WebDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.opts.WebDir)))
	} else {
		mux.HandleFunc("/", s.handleIndex)
	}

	return RequestID(mux)
}

// Start runs the HTTP server.
func (s *IngestServer) Start(addr string) error {
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *IngestServer) Shutdown(ctx context.Context) error {
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}

func (s *IngestServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexPage)
}

// handleLogs returns every stored log, newest first.
func (s *IngestServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	records, err := s.store.List()
	if err != nil {
		log.Printf("Error listing logs: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	for _, rec := range records {
		if rec.Err != nil {
			log.Printf("Error processing %s: %v", rec.Filename, rec.Err)
		}
	}

	writeJSON(w, http.StatusOK, records)
}

// handleUpload stores a multipart "file" field as a new log record.
func (s *IngestServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "File too large")
		case r.MultipartForm != nil && len(r.MultipartForm.Value["file"]) > 0:
			// Browsers send the field with an empty filename when nothing was chosen.
			writeError(w, http.StatusBadRequest, "No selected file")
		default:
			writeError(w, http.StatusBadRequest, "No file part in the request")
		}
		return
	}
	defer file.Close()

	if header.Filename == "" {
		writeError(w, http.StatusBadRequest, "No selected file")
		return
	}
	if !strings.HasSuffix(header.Filename, logstore.Ext) {
		writeError(w, http.StatusBadRequest, "Invalid file type. Must be .json")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		log.Printf("[Upload] %s: failed to read %s: %v", RequestIDFrom(r.Context()), header.Filename, err)
		writeError(w, http.StatusInternalServerError, "Failed to save file")
		return
	}

	name, err := s.store.Save(header.Filename, data)
	if errors.Is(err, logstore.ErrInvalidName) {
		writeError(w, http.StatusBadRequest, "Invalid file name")
		return
	}
	if err != nil {
		log.Printf("[Upload] %s: failed to save uploaded file: %v", RequestIDFrom(r.Context()), err)
		writeError(w, http.StatusInternalServerError, "Failed to save file")
		return
	}

	log.Printf("[Upload] %s: saved %s (%d bytes) from %s", RequestIDFrom(r.Context()), name, len(data), r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{
		"message":  "File uploaded successfully",
		"filename": name,
	})
}

type requestIDKey struct{}

// RequestID tags each request with an X-Request-ID, keeping the client's
// value when present.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// RequestIDFrom returns the request ID stored by RequestID, or "-".
func RequestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return "-"
}

// writeJSON encodes v before writing the header so an encode failure can
// still be reported as a 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		log.Printf("JSON encode error: %v", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"error":"Failed to encode response"}`+"\n")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
