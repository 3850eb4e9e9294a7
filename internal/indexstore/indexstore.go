// Package indexstore maintains the append-only local catalogue of
// completed items: row normalization, in-process dedup, periodic
// refresh from the shared repo, and batched atomic flush back to it.
//
// Grounded on index_sync.py's IndexSync class: the same env-var-shaped
// knobs (compact mode, asset/text column modes, drop-derivable-urls),
// the same sanitize-on-load-then-flush-if-changed startup sequence, and
// the same pending-count/age/force flush trigger.
package indexstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/nameearly/sharpsplat/internal/model"
	"github.com/nameearly/sharpsplat/internal/repogateway"
)

// Options configures row normalization and flush cadence, mirroring
// index_sync.py's HF_INDEX_* environment knobs (see
// internal/config.IndexConfig).
type Options struct {
	SaveDir     string
	RepoPath    string // remote path, e.g. "train.jsonl"
	FlushEvery  int
	FlushSecs   time.Duration
	RefreshSecs time.Duration

	Compact           bool
	CompactDropEmpty  bool
	AssetMode         string // url|path|both|none
	TextMode          string // full|minimal|none
	DropDerivableURLs bool
	DropUserName      bool
	DropUnsplashID    bool
}

// Store is the local catalogue: an in-memory, deduplicated row set
// backed by a local JSON-lines file and periodically reconciled with
// the remote repo copy.
type Store struct {
	gw   *repogateway.Client
	opts Options

	localPath string

	mu        sync.Mutex
	byID      map[string]model.Row
	pending   int
	lastFlush time.Time
	lastRefresh time.Time

	now func() time.Time
}

// New creates a Store. Call LoadOrInit before first use to seed it from
// the local file and, if empty, the remote copy.
func New(gw *repogateway.Client, opts Options) *Store {
	if opts.RepoPath == "" {
		opts.RepoPath = "train.jsonl"
	}

	return &Store{
		gw:        gw,
		opts:      opts,
		localPath: filepath.Join(opts.SaveDir, filepath.Base(opts.RepoPath)),
		byID:      make(map[string]model.Row),
		now:       time.Now,
	}
}

// LoadOrInit reads the local file if present; otherwise it downloads
// the remote copy. Either way, every loaded row is re-normalized and
// deduplicated by ImageID, and whenever at least one row was loaded the
// resulting set is rewritten to the local file. Nothing is committed to
// the remote copy here.
func (s *Store) LoadOrInit(ctx context.Context) error {
	if err := os.MkdirAll(s.opts.SaveDir, 0o755); err != nil {
		return fmt.Errorf("indexstore: create save dir: %w", err)
	}

	rows, err := s.readLocal()
	if err != nil {
		return err
	}

	if rows == nil {
		data, dlErr := s.gw.Download(ctx, s.opts.RepoPath)
		if dlErr == nil {
			rows, err = decodeJSONLines(data)
			if err != nil {
				return err
			}
		}
	}

	changed := false

	s.mu.Lock()
	for _, r := range rows {
		norm := s.normalizeRow(r)
		if _, exists := s.byID[norm.ImageID]; !exists {
			changed = true
		}
		s.byID[norm.ImageID] = norm
	}
	s.mu.Unlock()

	if changed {
		return s.flushLocked(ctx, true)
	}

	return nil
}

func (s *Store) readLocal() ([]model.Row, error) {
	f, err := os.Open(s.localPath)
	if os.IsNotExist(err) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("indexstore: open %s: %w", s.localPath, err)
	}
	defer f.Close()

	var rows []model.Row

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var r model.Row
		if err := json.Unmarshal(line, &r); err != nil {
			continue // skip malformed lines rather than failing the whole load
		}

		rows = append(rows, r)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("indexstore: scan %s: %w", s.localPath, err)
	}

	return rows, nil
}

func decodeJSONLines(data []byte) ([]model.Row, error) {
	var rows []model.Row

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var r model.Row
		if err := json.Unmarshal(line, &r); err != nil {
			continue
		}

		rows = append(rows, r)
	}

	return rows, scanner.Err()
}

// Add normalizes and upserts row, deduplicating by ImageID. It returns
// true if this was a new id. The first time an id is seen, IndexedAt is
// stamped; normalizeRow itself stays a pure function of its input so
// repeated normalization is idempotent.
func (s *Store) Add(row model.Row) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	norm := s.normalizeRow(row)

	prev, exists := s.byID[norm.ImageID]
	if exists {
		norm.IndexedAt = prev.IndexedAt
	} else {
		norm.IndexedAt = s.now()
	}

	s.byID[norm.ImageID] = norm

	if !exists {
		s.pending++
	}

	return !exists
}

// normalizeRow applies the AssetMode/TextMode/Drop* column policies and
// the tags/topics/gsplat_model_file_url folding, matching
// index_sync.py's _normalize_row. It is a pure function of r: calling it
// twice on its own output must produce byte-identical JSON.
func (s *Store) normalizeRow(r model.Row) model.Row {
	tagsTokens := foldTokens(r.Tags, r.TagsText)
	topicsTokens := foldTokens(r.Topics, r.TopicsText)

	r.Tags = tagsTokens
	r.Topics = topicsTokens
	r.TagsText = strings.Join(tagsTokens, " ")
	r.TopicsText = strings.Join(topicsTokens, " ")

	r.GsplatModelFileURL = reduceGsplatModelFileURL(r.GsplatModelFileURL)

	switch s.opts.AssetMode {
	case "url":
		r.ImagePath, r.PLYPath, r.SPZPath = "", "", ""
	case "path":
		r.ImageURL, r.PLYURL, r.SPZURL = "", "", ""
	case "none":
		r.ImagePath, r.ImageURL = "", ""
		r.PLYPath, r.PLYURL = "", ""
		r.SPZPath, r.SPZURL = "", ""
	case "both", "":
		// keep both columns
	}

	switch s.opts.TextMode {
	case "minimal":
		r.Description, r.AltDescription = "", ""
	case "none":
		r.Description, r.AltDescription = "", ""
		r.Tags, r.Topics = nil, nil
		r.TagsText, r.TopicsText = "", ""
	case "full", "":
	}

	if s.opts.DropDerivableURLs {
		r.ImageURL, r.PLYURL, r.SPZURL = "", "", ""
		r.GsplatURL, r.UnsplashURL = "", ""
	}

	if s.opts.DropUserName {
		r.UserName = ""
	}

	if s.opts.DropUnsplashID {
		r.UnsplashID = ""
	}

	if s.opts.CompactDropEmpty {
		r.Extra = dropEmptyValues(r.Extra)
	}

	return r
}

// foldTokens reproduces index_sync.py's _tokenize/_dedupe pass: split
// items and extraText on whitespace, commas, and the ideographic comma
// (、), then fold case-insensitively, preserving first-seen order
// and original casing.
func foldTokens(items []string, extraText string) []string {
	seen := make(map[string]struct{}, len(items))

	var out []string

	add := func(tok string) {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			return
		}

		key := strings.ToLower(tok)
		if _, ok := seen[key]; ok {
			return
		}

		seen[key] = struct{}{}
		out = append(out, tok)
	}

	for _, it := range items {
		for _, tok := range splitTokens(it) {
			add(tok)
		}
	}

	for _, tok := range splitTokens(extraText) {
		add(tok)
	}

	return out
}

func splitTokens(s string) []string {
	s = strings.ReplaceAll(s, "、", ",")

	return strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == ','
	})
}

// reduceGsplatModelFileURL reduces a gsplat_model_file_url value to its
// terminal token, matching index_sync.py's _normalize_row: strip any
// query/fragment, strip a leading "/share/file/" prefix, keep only the
// last path segment, and drop a trailing ".ply" suffix. Idempotent: an
// already-reduced token has no query/fragment, no "/share/file/"
// prefix, no further path separators, and no ".ply" suffix to strip.
func reduceGsplatModelFileURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}

	s = strings.TrimPrefix(strings.TrimSpace(s), "/")

	if _, after, found := strings.Cut("/"+s, "/share/file/"); found {
		s = after
	}

	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}

	s = strings.TrimSuffix(s, ".ply")

	return strings.TrimSpace(s)
}

func dropEmptyValues(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}

	out := make(map[string]string, len(m))

	for k, v := range m {
		if v != "" {
			out[k] = v
		}
	}

	if len(out) == 0 {
		return nil
	}

	return out
}

// MaybeFlush flushes to local disk and the remote repo if pending
// writes meet FlushEvery/FlushSecs, or if force is set. Matches
// index_sync.py's maybe_flush gating.
func (s *Store) MaybeFlush(ctx context.Context, force bool) error {
	s.mu.Lock()
	due := force ||
		(s.opts.FlushEvery > 0 && s.pending >= s.opts.FlushEvery) ||
		(s.opts.FlushSecs > 0 && s.now().Sub(s.lastFlush) >= s.opts.FlushSecs && s.pending > 0)
	s.mu.Unlock()

	if !due {
		return nil
	}

	return s.flushLocked(ctx, false)
}

func (s *Store) flushLocked(ctx context.Context, skipRemote bool) error {
	s.mu.Lock()
	rows := make([]model.Row, 0, len(s.byID))
	for _, r := range s.byID {
		rows = append(rows, r)
	}
	s.mu.Unlock()

	data, err := encodeJSONLines(rows)
	if err != nil {
		return err
	}

	if err := writeFileAtomic(s.localPath, data); err != nil {
		return fmt.Errorf("indexstore: flush local: %w", err)
	}

	s.mu.Lock()
	s.pending = 0
	s.lastFlush = s.now()
	s.mu.Unlock()

	if skipRemote {
		return nil
	}

	return s.gw.Commit(ctx, repogateway.CommitRequest{
		Operations: []repogateway.CommitOp{{PathInRepo: s.opts.RepoPath, Data: data}},
		Message:    "update index",
	})
}

func encodeJSONLines(rows []model.Row) ([]byte, error) {
	var buf []byte

	for _, r := range rows {
		b, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("indexstore: marshal row %s: %w", r.ImageID, err)
		}

		buf = append(buf, b...)
		buf = append(buf, '\n')
	}

	return buf, nil
}

// writeFileAtomic rewrites path via temp-file-then-rename, matching
// spec.md §4.8's atomic local-rewrite requirement (adapted from the
// teacher's non-atomic pkg/persist.SaveState, which writes directly via
// os.Create without a rename step).
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return err
	}

	return os.Rename(tmpName, path)
}

// Len returns the number of distinct ids currently held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.byID)
}

// Has reports whether id is already in the catalogue.
func (s *Store) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.byID[id]

	return ok
}

// MaybeRefresh re-downloads the remote copy if RefreshSecs has elapsed
// since the last refresh, merging in any rows not already present.
func (s *Store) MaybeRefresh(ctx context.Context) error {
	s.mu.Lock()
	due := s.opts.RefreshSecs > 0 && s.now().Sub(s.lastRefresh) >= s.opts.RefreshSecs
	s.mu.Unlock()

	if !due {
		return nil
	}

	data, err := s.gw.Download(ctx, s.opts.RepoPath)

	s.mu.Lock()
	s.lastRefresh = s.now()
	s.mu.Unlock()

	if err != nil {
		return nil // best-effort: a failed refresh is not fatal
	}

	rows, err := decodeJSONLines(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, r := range rows {
		if _, exists := s.byID[r.ImageID]; !exists {
			s.byID[r.ImageID] = s.normalizeRow(r)
		}
	}
	s.mu.Unlock()

	return nil
}

// VerifyReport reconciles the local catalogue against the remote done/
// set, grounded on verify_manifest.py.
type VerifyReport struct {
	MissingFromCatalogue []string // done but absent from the catalogue
	MissingFromDone      []string // in the catalogue but not recorded done
}

// Verify compares the catalogue's ids against the done-prefix listing
// under doneDir.
func (s *Store) Verify(ctx context.Context, doneDir string) (VerifyReport, error) {
	files, err := s.gw.ListFiles(ctx)
	if err != nil {
		return VerifyReport{}, fmt.Errorf("indexstore: verify: list files: %w", err)
	}

	prefix := doneDir + "/"

	doneIDs := make(map[string]struct{})

	for _, f := range files {
		if id, ok := cutPrefix(f, prefix); ok && id != "" {
			doneIDs[id] = struct{}{}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var report VerifyReport

	for id := range doneIDs {
		if _, ok := s.byID[id]; !ok {
			report.MissingFromCatalogue = append(report.MissingFromCatalogue, id)
		}
	}

	for id := range s.byID {
		if _, ok := doneIDs[id]; !ok {
			report.MissingFromDone = append(report.MissingFromDone, id)
		}
	}

	return report, nil
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || s[:len(prefix)] != prefix {
		return "", false
	}

	return s[len(prefix):], true
}
