package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shibukawa/dbreconcile"
)

const MAX_MEMORY_BYTES = 1024 * 1024

// server holds what all handlers share: the data set directory and the
// database connector every request reuses.
type server struct {
	fsys fs.FS
	dir  string
	dbc  dbreconcile.DBConnector
	port uint16
}

// Start validates the data set directory and the database connection, then
// serves the control API until the context is cancelled. One connector is
// opened up front and shared across requests; its lifetime is tied to the
// server context.
func Start(ctx context.Context, dir, dbconn string, port uint16) error {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return err
	}
	s := &server{fsys: root.FS(), dir: dir, port: port}
	if len(getDataSetList(s.fsys)) == 0 {
		return fmt.Errorf("No data set found in '%s'. Data set should be YAML file.", dir)
	}
	s.dbc, err = dbreconcile.NewDBConnector(ctx, dbconn)
	if err != nil {
		return err
	}
	if _, err := s.dbc.TableNames(ctx); err != nil {
		return err
	}

	m := http.NewServeMux()
	m.HandleFunc("GET /api/list", s.handleList)
	m.HandleFunc("POST /api/apply/{path...}", s.handleApply)
	m.HandleFunc("GET /api/verify/{path...}", s.handleVerify)

	hs := &http.Server{
		Addr:    ":" + strconv.Itoa(int(port)),
		Handler: m,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hs.Shutdown(sctx)
	}()
	fmt.Printf(`dbreconcile API server

	GET  http://localhost:%[1]d/api/list                    : Show data set file list
	POST http://localhost:%[1]d/api/apply/{data set path}   : Apply the specified data set to the database
	GET  http://localhost:%[1]d/api/verify/{data set path}  : Verify database content against the specified data set
	`, port)

	fmt.Printf("start receiving at :%d\n", port)
	return hs.ListenAndServe()
}

// negotiate picks the response format from the Accept header and sets the
// Content-Type up front.
func negotiate(w http.ResponseWriter, r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		w.Header().Set("Content-Type", "application/json")
		return true
	}
	w.Header().Set("Content-Type", "text/plain")
	return false
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	dumpDataSetList(negotiate(w, r), w, s.fsys, s.port)
}

func (s *server) handleApply(w http.ResponseWriter, r *http.Request) {
	opt, err := parseApplyRequest(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error parsing request: %v", err), http.StatusBadRequest)
		return
	}
	useJson := negotiate(w, r)
	err = applyDataSet(r.Context(), s.dbc, useJson, w, filepath.Join(s.dir, r.PathValue("path")), *opt)
	if err != nil {
		w.Header().Set("Content-Type", "text/plain")
		http.Error(w, fmt.Sprintf("apply error: %v", err), http.StatusInternalServerError)
	}
}

func (s *server) handleVerify(w http.ResponseWriter, r *http.Request) {
	opt := parseVerifyRequest(r)
	useJson := negotiate(w, r)
	_, err := verifyDataSet(r.Context(), s.dbc, useJson, w, filepath.Join(s.dir, r.PathValue("path")), opt)
	if err != nil {
		w.Header().Set("Content-Type", "text/plain")
		http.Error(w, fmt.Sprintf("verify error: %v", err), http.StatusInternalServerError)
	}
}

func parseApplyRequest(r *http.Request) (*ApplyOpt, error) {
	var opt ApplyOpt
	contentType := r.Header.Get("Content-Type")
	var err error
	switch {
	case strings.HasPrefix(contentType, "application/json"):
		err = parseApplyJSON(r, &opt)
	case strings.HasPrefix(contentType, "application/x-www-form-urlencoded"),
		strings.HasPrefix(contentType, "multipart/form-data"):
		err = parseApplyForm(r, &opt)
	}
	if err != nil {
		return nil, err
	}
	slices.Sort(opt.IncludeTags)
	slices.Sort(opt.ExcludeTags)
	slices.Sort(opt.Targets)
	if opt.BatchSize == 0 {
		opt.BatchSize = dbreconcile.DefaultBatchSize
	}
	return &opt, nil
}

func parseApplyJSON(r *http.Request, opt *ApplyOpt) error {
	decoder := json.NewDecoder(r.Body)
	defer r.Body.Close()
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(opt); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func parseApplyForm(r *http.Request, opt *ApplyOpt) error {
	var err error
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		err = r.ParseMultipartForm(MAX_MEMORY_BYTES)
	} else {
		err = r.ParseForm()
	}
	if err != nil {
		return err
	}
	opt.IncludeTags = append(r.Form["i"], r.Form["include_tag"]...)
	opt.ExcludeTags = append(r.Form["e"], r.Form["exclude_tag"]...)
	opt.Targets = append(r.Form["t"], r.Form["target"]...)
	opt.Operation = r.Form.Get("operation")
	if batchSize := r.Form.Get("batch_size"); batchSize != "" {
		opt.BatchSize, err = strconv.Atoi(batchSize)
		if err != nil {
			return err
		}
	}
	return nil
}

func parseVerifyRequest(r *http.Request) VerifyOpt {
	params := r.URL.Query()
	opt := VerifyOpt{
		IncludeTags: append(params["i"], params["include-tag"]...),
		ExcludeTags: append(params["e"], params["exclude-tag"]...),
		Targets:     append(params["t"], params["target"]...),
	}
	slices.Sort(opt.IncludeTags)
	slices.Sort(opt.ExcludeTags)
	slices.Sort(opt.Targets)
	return opt
}
