// Package fakepb is an in-memory stand-in for the record backend, used by
// tests and by `fleetctl --fake` demos. It speaks the same list, record,
// auth and error shapes as the real API for the subset of the query language
// the services emit.
package fakepb

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const DefaultBasePath = "/pb/api"

type Record = map[string]any

type user struct {
	password string
	record   Record
}

type failure struct {
	status    int
	remaining int
}

// Backend holds collections in memory and serves them over chi.
type Backend struct {
	basePath string
	router   chi.Router

	mu          sync.RWMutex
	collections map[string][]Record
	required    map[string][]string
	users       map[string]user
	tokens      map[string]string
	logs        []Record
	failures    map[string]*failure
	requireAuth bool
	activity    bool
	requests    []RequestInfo
	now         func() time.Time
}

// RequestInfo is one request the backend served.
type RequestInfo struct {
	Method string
	Path   string
	Query  map[string][]string
	Auth   string
}

func New(basePath string) *Backend {
	if basePath == "" {
		basePath = DefaultBasePath
	}

	b := &Backend{
		basePath:    strings.TrimRight(basePath, "/"),
		collections: make(map[string][]Record),
		required:    make(map[string][]string),
		users:       make(map[string]user),
		tokens:      make(map[string]string),
		failures:    make(map[string]*failure),
		now:         time.Now,
	}
	b.router = b.routes()
	return b
}

func (b *Backend) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(b.recordRequest)
	r.Use(b.activityLogger())

	r.Route(b.basePath, func(r chi.Router) {
		r.Get("/health", b.handleHealth)
		r.Get("/logs", b.handleLogs)

		r.Route("/collections/{collection}", func(r chi.Router) {
			r.Post("/auth-with-password", b.handleAuthWithPassword)
			r.Post("/auth-refresh", b.handleAuthRefresh)

			r.Group(func(r chi.Router) {
				r.Use(b.injectFailures)
				r.Use(b.authenticate)
				r.Get("/records", b.handleList)
				r.Post("/records", b.handleCreate)
				r.Get("/records/{id}", b.handleView)
				r.Patch("/records/{id}", b.handleUpdate)
				r.Delete("/records/{id}", b.handleDelete)
			})
		})
	})

	return r
}

func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.router.ServeHTTP(w, r)
}

// Seed appends records to a collection. Records without an id get one.
func (b *Backend) Seed(collection string, records ...Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, rec := range records {
		rec = cloneRecord(rec)
		if id, _ := rec["id"].(string); id == "" {
			rec["id"] = newID()
		}
		b.stamp(rec, true)
		b.collections[collection] = append(b.collections[collection], rec)
	}
}

// Records returns a copy of a collection's contents in insertion order.
func (b *Backend) Records(collection string) []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Record, 0, len(b.collections[collection]))
	for _, rec := range b.collections[collection] {
		out = append(out, cloneRecord(rec))
	}
	return out
}

// Record returns one stored record, or nil.
func (b *Backend) Record(collection, id string) Record {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if idx := b.indexOf(collection, id); idx >= 0 {
		return cloneRecord(b.collections[collection][idx])
	}
	return nil
}

// Require makes create and update reject records missing any of fields.
func (b *Backend) Require(collection string, fields ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.required[collection] = fields
}

// AddUser registers credentials for auth-with-password on the users
// collection.
func (b *Backend) AddUser(identity, password string, record Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	record = cloneRecord(record)
	if id, _ := record["id"].(string); id == "" {
		record["id"] = newID()
	}
	if _, ok := record["email"]; !ok {
		record["email"] = identity
	}
	b.users[identity] = user{password: password, record: record}
}

// RequireAuth rejects record requests without a token issued by this backend.
func (b *Backend) RequireAuth(required bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requireAuth = required
}

// IssueToken registers a token for the given user id without a login.
func (b *Backend) IssueToken(userID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.issueTokenLocked(userID)
}

// AddLog appends an entry to the /logs feed.
func (b *Backend) AddLog(entry Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry = cloneRecord(entry)
	if id, _ := entry["id"].(string); id == "" {
		entry["id"] = newID()
	}
	if _, ok := entry["created"]; !ok {
		entry["created"] = formatTime(b.now())
	}
	b.logs = append(b.logs, entry)
}

// FailNext makes the next n record requests to collection answer with status.
// n < 0 fails until ClearFailures.
func (b *Backend) FailNext(collection string, status, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[collection] = &failure{status: status, remaining: n}
}

func (b *Backend) ClearFailures() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = make(map[string]*failure)
}

// SetClock replaces the clock used for created/updated stamps.
func (b *Backend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Requests returns every request served so far.
func (b *Backend) Requests() []RequestInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]RequestInfo(nil), b.requests...)
}

// RequestCount counts requests whose method matches (empty matches all) and
// whose path contains fragment.
func (b *Backend) RequestCount(method, fragment string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, req := range b.requests {
		if (method == "" || req.Method == method) && strings.Contains(req.Path, fragment) {
			n++
		}
	}
	return n
}

func (b *Backend) ResetRequests() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = nil
}

func (b *Backend) recordRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.requests = append(b.requests, RequestInfo{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Auth:   r.Header.Get("Authorization"),
		})
		b.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		collection := chi.URLParam(r, "collection")

		b.mu.Lock()
		f, ok := b.failures[collection]
		status := 0
		if ok && f.remaining != 0 {
			status = f.status
			if f.remaining > 0 {
				f.remaining--
			}
		}
		b.mu.Unlock()

		if status != 0 {
			writeError(w, status, "Injected failure.", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.RLock()
		required := b.requireAuth
		_, known := b.tokens[r.Header.Get("Authorization")]
		b.mu.RUnlock()

		if required && !known {
			writeError(w, http.StatusUnauthorized, "The request requires valid record authorization token to be set.", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"code": 200, "message": "API is healthy.", "data": map[string]any{}})
}

func (b *Backend) handleList(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	query := r.URL.Query()

	filter, err := parseFilter(query.Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter parameters.", nil)
		return
	}

	b.mu.RLock()
	matched := make([]Record, 0)
	for _, rec := range b.collections[collection] {
		if filter.matches(rec) {
			matched = append(matched, cloneRecord(rec))
		}
	}
	b.mu.RUnlock()

	sortRecords(matched, query.Get("sort"))
	writeJSON(w, http.StatusOK, paginate(matched, query))
}

func (b *Backend) handleView(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	id := chi.URLParam(r, "id")

	rec := b.Record(collection, id)
	if rec == nil {
		writeError(w, http.StatusNotFound, "The requested resource wasn't found.", nil)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (b *Backend) handleCreate(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")

	body, err := decodeBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to load the submitted data due to invalid formatting.", nil)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if missing := b.missingRequired(collection, body); len(missing) > 0 {
		writeValidationError(w, missing)
		return
	}

	id, _ := body["id"].(string)
	if id == "" {
		id = newID()
		body["id"] = id
	}
	if b.indexOf(collection, id) >= 0 {
		writeValidationError(w, nil, "id")
		return
	}

	b.stamp(body, true)
	b.collections[collection] = append(b.collections[collection], body)
	writeJSON(w, http.StatusOK, cloneRecord(body))
}

func (b *Backend) handleUpdate(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	id := chi.URLParam(r, "id")

	body, err := decodeBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to load the submitted data due to invalid formatting.", nil)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	idx := b.indexOf(collection, id)
	if idx < 0 {
		writeError(w, http.StatusNotFound, "The requested resource wasn't found.", nil)
		return
	}

	rec := cloneRecord(b.collections[collection][idx])
	for k, v := range body {
		if k == "id" {
			continue
		}
		rec[k] = v
	}

	if missing := b.missingRequired(collection, rec); len(missing) > 0 {
		writeValidationError(w, missing)
		return
	}

	b.stamp(rec, false)
	b.collections[collection][idx] = rec
	writeJSON(w, http.StatusOK, cloneRecord(rec))
}

func (b *Backend) handleDelete(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	id := chi.URLParam(r, "id")

	b.mu.Lock()
	defer b.mu.Unlock()

	idx := b.indexOf(collection, id)
	if idx < 0 {
		writeError(w, http.StatusNotFound, "The requested resource wasn't found.", nil)
		return
	}

	records := b.collections[collection]
	b.collections[collection] = append(records[:idx], records[idx+1:]...)
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleAuthWithPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Identity string `json:"identity"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to authenticate.", nil)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	u, ok := b.users[body.Identity]
	if !ok || u.password != body.Password {
		writeError(w, http.StatusBadRequest, "Failed to authenticate.", nil)
		return
	}

	token := b.issueTokenLocked(u.record["id"].(string))
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "record": cloneRecord(u.record)})
}

func (b *Backend) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	userID, ok := b.tokens[r.Header.Get("Authorization")]
	if !ok {
		writeError(w, http.StatusUnauthorized, "The request requires valid record authorization token to be set.", nil)
		return
	}

	for _, u := range b.users {
		if u.record["id"] == userID {
			token := b.issueTokenLocked(userID)
			writeJSON(w, http.StatusOK, map[string]any{"token": token, "record": cloneRecord(u.record)})
			return
		}
	}

	writeError(w, http.StatusNotFound, "Missing auth record context.", nil)
}

func (b *Backend) handleLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	b.mu.RLock()
	entries := make([]Record, 0, len(b.logs))
	for _, e := range b.logs {
		entries = append(entries, cloneRecord(e))
	}
	b.mu.RUnlock()

	sortRecords(entries, query.Get("sort"))
	writeJSON(w, http.StatusOK, paginate(entries, query))
}

// issueTokenLocked builds a three-segment token whose payload carries the
// user id, the way the real backend's JWTs do.
func (b *Backend) issueTokenLocked(userID string) string {
	payload, _ := json.Marshal(map[string]any{"id": userID, "type": "auth", "exp": b.now().Add(time.Hour).Unix()})
	token := "fake." + base64URL(payload) + "." + newID()
	b.tokens[token] = userID
	return token
}

func (b *Backend) missingRequired(collection string, rec Record) []string {
	var missing []string
	for _, field := range b.required[collection] {
		if isBlank(rec[field]) {
			missing = append(missing, field)
		}
	}
	return missing
}

func (b *Backend) indexOf(collection, id string) int {
	for i, rec := range b.collections[collection] {
		if rec["id"] == id {
			return i
		}
	}
	return -1
}

func (b *Backend) stamp(rec Record, created bool) {
	now := formatTime(b.now())
	if created {
		if _, ok := rec["created"]; !ok {
			rec["created"] = now
		}
	}
	rec["updated"] = now
}

func paginate(items []Record, query map[string][]string) map[string]any {
	page := atoiDefault(first(query["page"]), 1)
	perPage := atoiDefault(first(query["perPage"]), 30)
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 30
	}

	total := len(items)
	totalPages := (total + perPage - 1) / perPage

	start := (page - 1) * perPage
	if start > total {
		start = total
	}
	end := start + perPage
	if end > total {
		end = total
	}

	return map[string]any{
		"page":       page,
		"perPage":    perPage,
		"totalItems": total,
		"totalPages": totalPages,
		"items":      items[start:end],
	}
}

func sortRecords(items []Record, order string) {
	if order == "" {
		return
	}

	fields := strings.Split(order, ",")
	sort.SliceStable(items, func(i, j int) bool {
		for _, field := range fields {
			field = strings.TrimSpace(field)
			desc := strings.HasPrefix(field, "-")
			field = strings.TrimLeft(field, "-+")

			a, b := fmt.Sprint(items[i][field]), fmt.Sprint(items[j][field])
			if a == b {
				continue
			}
			if desc {
				return a > b
			}
			return a < b
		}
		return false
	})
}

func decodeBody(r *http.Request) (Record, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return nil, err
		}
		body := make(Record)
		for k, v := range r.MultipartForm.Value {
			body[k] = first(v)
		}
		for field, headers := range r.MultipartForm.File {
			if len(headers) > 0 {
				body[field] = headers[0].Filename
			}
		}
		return body, nil
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	body := make(Record)
	if len(raw) == 0 {
		return body, nil
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	writeJSON(w, status, map[string]any{"code": status, "message": message, "data": data})
}

func writeValidationError(w http.ResponseWriter, missing []string, duplicate ...string) {
	data := make(map[string]any)
	for _, field := range missing {
		data[field] = map[string]any{"code": "validation_required", "message": "Missing required value."}
	}
	for _, field := range duplicate {
		data[field] = map[string]any{"code": "validation_not_unique", "message": "Value must be unique."}
	}
	writeError(w, http.StatusBadRequest, "Failed to create record.", data)
}

func cloneRecord(rec Record) Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

func isBlank(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	}
	return false
}

func newID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)[:15]
}

func base64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05.000Z")
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
