// Package pipeline wires the harvester's concurrent discover → predict
// → commit stages together: a single discoverer walks a claimed offset
// range page by page, a single predictor runs the external Gaussian-
// splat model on whatever the discoverer downloaded, and a small pool
// of committers encode and publish finished artifacts to the shared
// repository.
//
// Grounded on pipeline.py's worker-thread/queue shape (download_loop,
// the predict loop, the upload/commit loop) and the framework package's
// channel-pipeline idiom (internal/framework/uast_pipeline.go: bounded
// channels, one goroutine per stage, context-cancellable sends) —
// goroutines and channels stand in for pipeline.py's threads and
// queue.Queue.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nameearly/sharpsplat/internal/claimstore"
	"github.com/nameearly/sharpsplat/internal/control"
	"github.com/nameearly/sharpsplat/internal/encoder"
	"github.com/nameearly/sharpsplat/internal/indexstore"
	"github.com/nameearly/sharpsplat/internal/metrics"
	"github.com/nameearly/sharpsplat/internal/model"
	"github.com/nameearly/sharpsplat/internal/predictor"
	"github.com/nameearly/sharpsplat/internal/progress"
	"github.com/nameearly/sharpsplat/internal/rangestore"
	"github.com/nameearly/sharpsplat/internal/repogateway"
	"github.com/nameearly/sharpsplat/internal/shareupload"
	"github.com/nameearly/sharpsplat/internal/upstream"
)

// candidateAttempts is the number of hash-strided candidate ranges
// tried per page before advancing the page, per spec.md §4.7's
// six-candidate scan.
const candidateAttempts = 6

// maxPageAdvances bounds how many times selectRange slides its page
// search window forward before concluding no range is currently
// available (every candidate in every window is claimed or done).
const maxPageAdvances = 256

// Config holds the pipeline's tunable shape: queue capacities, worker
// counts, range geometry, and per-run caps.
type Config struct {
	PageSize int
	RangeSize int

	DownloadQueueCap int
	UploadQueueCap   int
	CommitWorkers    int

	UploadBatchSize int
	UploadBatchWait time.Duration

	KeepLocalFiles int

	Order string // upstream list ordering, e.g. "latest"
	Query string // non-empty switches discovery to SearchPhotos

	ShareUpload bool

	// InjectExif mirrors pipeline.py's inject_focal_exif_if_missing_fn
	// call site: downloaded JPEGs missing a FocalLength EXIF tag get one
	// synthesized from the upstream photo's reported focal length.
	InjectExif bool
}

// DefaultConfig returns the spec's default queue/worker sizing.
func DefaultConfig() Config {
	return Config{
		PageSize:         30,
		RangeSize:        300,
		DownloadQueueCap: 8,
		UploadQueueCap:   256,
		CommitWorkers:    2,
		UploadBatchSize:  4,
		UploadBatchWait:  200 * time.Millisecond,
		KeepLocalFiles:   32,
		Order:            "latest",
		InjectExif:       true,
	}
}

// Deps are the collaborators the pipeline drives. Share may be nil,
// which disables the share-view upload side effect.
type Deps struct {
	Upstream  *upstream.Client
	Claims    *claimstore.Store
	Ranges    *rangestore.Store
	Repo      *repogateway.Client
	Index     *indexstore.Store
	Predictor *predictor.Predictor
	Encoder   *encoder.Encoder
	Share     *shareupload.Client
	ShareMeta shareupload.Metadata
	Gate      *control.Gate
	Budget    *control.Budget
	Metrics   *metrics.Registry
	Logger    *slog.Logger
	WorkDir   string
}

type downloadTask struct {
	item      model.Item
	imagePath string
}

type uploadTask struct {
	item      model.Item
	imagePath string
	plyPath   string
}

// Runtime executes the discover/predict/commit pipeline over a
// sequence of claimed ranges until the control gate stops it or no
// further range can be claimed.
type Runtime struct {
	cfg  Config
	deps Deps
}

// New builds a Runtime.
func New(cfg Config, deps Deps) *Runtime {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 30
	}

	if cfg.RangeSize <= 0 {
		cfg.RangeSize = 300
	}

	if cfg.DownloadQueueCap <= 0 {
		cfg.DownloadQueueCap = 8
	}

	if cfg.UploadQueueCap <= 0 {
		cfg.UploadQueueCap = 256
	}

	if cfg.CommitWorkers <= 0 {
		cfg.CommitWorkers = 2
	}

	return &Runtime{cfg: cfg, deps: deps}
}

// Run claims and works ranges one at a time until the gate is stopped
// or selectRange finds nothing left to claim.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.deps.Claims.Preload(ctx); err != nil {
		return fmt.Errorf("pipeline: preload claims: %w", err)
	}

	if _, err := r.deps.Ranges.RefreshDonePrefix(ctx); err != nil {
		return fmt.Errorf("pipeline: refresh done prefix: %w", err)
	}

	for {
		if r.deps.Gate.Stopped() {
			return nil
		}

		rng, prog, err := r.selectRange(ctx)
		if err != nil {
			return fmt.Errorf("pipeline: select range: %w", err)
		}

		if rng == nil {
			r.deps.Logger.Info("no claimable range found, stopping")

			return nil
		}

		if err := r.runRange(ctx, *rng, prog); err != nil {
			return err
		}
	}
}

// selectRange implements spec.md §4.7: derive a worker-deterministic
// stride from the instance id, scan candidateAttempts ranges per page
// window, and slide the window forward on repeated contention.
func (r *Runtime) selectRange(ctx context.Context) (*model.Range, *progress.Progress, error) {
	pp := int64(r.cfg.PageSize)
	size := roundUpToMultiple(int64(r.cfg.RangeSize), pp)
	step := 1 + int64(hashMod3(r.deps.Ranges.InstanceID()))

	donePrefix := int64(r.deps.Ranges.DonePrefix())
	page := donePrefix/pp + 1

	if page < 1 {
		page = 1
	}

	for advance := 0; advance < maxPageAdvances; advance++ {
		if !r.deps.Gate.ShouldProceed() {
			return nil, nil, nil
		}

		offset := (page - 1) * pp
		baseIdx := offset / size

		var lastCand int64

		for i := int64(0); i < candidateAttempts; i++ {
			cand := baseIdx + i*step
			lastCand = cand

			a := model.Offset(cand * size)
			b := model.Offset(cand*size + size - 1)
			rng := model.Range{Start: a, End: b}

			ok, err := r.deps.Ranges.TryLockRange(ctx, rng)
			if err != nil {
				return nil, nil, err
			}

			if !ok {
				continue
			}

			prog := progress.New(a, b, a)

			if snap, found, err := r.deps.Ranges.ReadProgress(ctx, rng); err == nil && found {
				prog.ApplySnapshot(snap)
			}

			alignedPage := int64(prog.Frontier)/pp + 1
			if alignedPage < int64(a)/pp+1 {
				alignedPage = int64(a)/pp + 1
			}

			r.deps.Logger.Info("claimed range", "start", a, "end", b, "page", alignedPage)

			return &rng, prog, nil
		}

		endPage := (lastCand*size+size-1)/pp + 1
		if endPage <= page {
			endPage = page + 1
		}

		page = endPage
	}

	return nil, nil, nil
}

// hashMod3 derives the deterministic candidate stride from owner, per
// spec.md §4.7's `step = 1 + hash(owner_id) mod 3`.
func hashMod3(owner string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(owner))

	return h.Sum32() % 3
}

func roundUpToMultiple(n, multiple int64) int64 {
	if multiple <= 0 {
		return n
	}

	rem := n % multiple
	if rem == 0 {
		return n
	}

	return n + (multiple - rem)
}

// runRange works a single claimed range end to end: discover feeds
// download tasks to predict, predict feeds upload tasks to commit, and
// runRange blocks until every stage has drained.
func (r *Runtime) runRange(ctx context.Context, rng model.Range, prog *progress.Progress) error {
	downloadQ := make(chan downloadTask, r.cfg.DownloadQueueCap)
	uploadQ := make(chan uploadTask, r.cfg.UploadQueueCap)

	var wg sync.WaitGroup

	var abandonReason model.AbandonReason

	wg.Add(1)

	go func() {
		defer wg.Done()
		defer close(downloadQ)

		abandonReason = r.discover(ctx, rng, prog, downloadQ)
	}()

	wg.Add(1)

	go func() {
		defer wg.Done()
		defer close(uploadQ)

		r.predict(ctx, downloadQ, uploadQ)
	}()

	var commitWG sync.WaitGroup

	commitWG.Add(r.cfg.CommitWorkers)

	for w := 0; w < r.cfg.CommitWorkers; w++ {
		go func() {
			defer commitWG.Done()

			r.commit(ctx, rng, prog, uploadQ)
		}()
	}

	wg.Add(1)

	go func() {
		defer wg.Done()
		commitWG.Wait()
	}()

	wg.Wait()

	if err := r.persistRangeOutcome(ctx, rng, prog, abandonReason); err != nil {
		return err
	}

	return nil
}

func (r *Runtime) persistRangeOutcome(ctx context.Context, rng model.Range, prog *progress.Progress, reason model.AbandonReason) error {
	if reason == model.AbandonUnknown && !prog.HasPending() && prog.Frontier > rng.End {
		if err := r.deps.Ranges.MarkDoneRange(ctx, rng); err != nil {
			return err
		}

		if r.deps.Metrics != nil {
			r.deps.Metrics.RangesDone.Inc()
		}

		return nil
	}

	if err := r.deps.Ranges.Heartbeat(ctx, rng, prog.ToSnapshot()); err != nil {
		r.deps.Logger.Warn("final heartbeat failed", "range", rng, "err", err)
	}

	if reason == model.AbandonUnknown {
		reason = model.AbandonLoopExit
	}

	return r.deps.Ranges.MarkAbandonedRange(ctx, rng, reason)
}

// discover walks pages of the claimed range, resolving each new photo
// through the claim store before downloading it. It returns the reason
// the range ended early, or AbandonUnknown if it was fully scanned.
func (r *Runtime) discover(ctx context.Context, rng model.Range, prog *progress.Progress, out chan<- downloadTask) model.AbandonReason {
	pp := int64(r.cfg.PageSize)

	startPage := int64(prog.Frontier)/pp + 1
	endPage := int64(rng.End)/pp + 1

	for page := startPage; page <= endPage; page++ {
		if r.deps.Gate.Stopped() {
			return model.AbandonStopped
		}

		for !r.deps.Gate.ShouldProceed() {
			if r.deps.Gate.Stopped() {
				return model.AbandonStopped
			}

			if !sleepCtx(ctx, time.Second) {
				return model.AbandonStopped
			}
		}

		if r.deps.Budget != nil && !r.deps.Budget.AllowDiscoverScan() {
			return model.AbandonMaxScan
		}

		photos, err := r.fetchPage(ctx, int(page))
		if err != nil {
			r.deps.Logger.Warn("discover: page fetch failed", "page", page, "err", err)

			continue
		}

		for idx, photo := range photos {
			offset := model.Offset((page-1)*pp + int64(idx))
			if offset < rng.Start {
				continue
			}

			if offset > rng.End {
				break
			}

			prog.Remember(offset, photo.ID)

			reason, ok := r.processCandidate(ctx, photo, offset, out)
			if !ok {
				return reason
			}
		}

		_ = r.deps.Ranges.Heartbeat(ctx, rng, prog.ToSnapshot())
	}

	return model.AbandonUnknown
}

func (r *Runtime) fetchPage(ctx context.Context, page int) ([]upstream.Photo, error) {
	if r.cfg.Query != "" {
		return r.deps.Upstream.SearchPhotos(ctx, r.cfg.Query, page, r.cfg.Order)
	}

	return r.deps.Upstream.ListPhotos(ctx, page, r.cfg.Order)
}

// processCandidate resolves, downloads, and enqueues a single photo.
// The returned bool is false when the caller must stop the whole
// discover loop (a stop request observed mid-item).
func (r *Runtime) processCandidate(ctx context.Context, photo upstream.Photo, offset model.Offset, out chan<- downloadTask) (model.AbandonReason, bool) {
	if r.deps.Claims.IsDone(photo.ID) {
		return model.AbandonUnknown, true
	}

	if r.deps.Repo.FileExists(ctx, "done/"+photo.ID) {
		_ = r.deps.Claims.MarkDone(ctx, photo.ID)

		return model.AbandonUnknown, true
	}

	if !r.deps.Claims.TryLock(ctx, photo.ID, "") {
		return model.AbandonUnknown, true
	}

	details, err := r.deps.Upstream.PhotoDetails(ctx, photo.ID)
	if err != nil {
		r.deps.Logger.Warn("discover: photo details failed", "id", photo.ID, "err", err)

		return model.AbandonUnknown, true
	}

	item := itemFromPhoto(details, offset)

	imagePath, err := r.downloadImage(ctx, item)
	if err != nil {
		r.deps.Logger.Warn("discover: download failed", "id", item.ID, "err", err)

		return model.AbandonUnknown, true
	}

	task := downloadTask{item: item, imagePath: imagePath}

	select {
	case out <- task:
	case <-ctx.Done():
		return model.AbandonStopped, false
	}

	return model.AbandonUnknown, true
}

func itemFromPhoto(p upstream.Photo, offset model.Offset) model.Item {
	tags := make([]string, 0, len(p.Tags))
	for _, t := range p.Tags {
		tags = append(tags, t.Title)
	}

	topics := make([]string, 0, len(p.Topics))
	for _, t := range p.Topics {
		topics = append(topics, t.Slug)
	}

	return model.Item{
		ID:             p.ID,
		Offset:         offset,
		DownloadURL:    p.Links.Download,
		Width:          p.Width,
		Height:         p.Height,
		FocalLength:    p.Exif.FocalLength,
		Tags:           tags,
		Topics:         topics,
		AltDescription: p.AltDescription,
		Description:    p.Description,
		UnsplashID:     p.ID,
		UnsplashURL:    p.Links.HTML,
		CreatedAt:      p.CreatedAt,
		UserUsername:   p.User.Username,
		UserName:       p.User.Name,
	}
}

func (r *Runtime) downloadImage(ctx context.Context, item model.Item) (string, error) {
	location := item.DownloadURL

	resolved, err := r.deps.Upstream.ResolveDownload(ctx, location)
	if err == nil && resolved != "" {
		location = resolved
	}

	dir := filepath.Join(r.deps.WorkDir, "images")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("pipeline: make image dir: %w", err)
	}

	var buf bytes.Buffer

	if err := r.deps.Upstream.DownloadFile(ctx, location, &buf); err != nil {
		return "", err
	}

	data := buf.Bytes()

	if r.cfg.InjectExif {
		injected, err := upstream.InjectFocalLengthIfMissing(data, item.FocalLength)
		if err != nil {
			r.deps.Logger.Warn("discover: exif injection failed, keeping original bytes", "id", item.ID, "err", err)
		} else {
			data = injected
		}
	}

	path := filepath.Join(dir, item.ID+".jpg")

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("pipeline: write %s: %w", path, err)
	}

	return path, nil
}

// predict pops download tasks, runs the external predictor, and
// forwards the produced artifact to the upload queue.
func (r *Runtime) predict(ctx context.Context, in <-chan downloadTask, out chan<- uploadTask) {
	dir := filepath.Join(r.deps.WorkDir, "ply")
	_ = os.MkdirAll(dir, 0o755)

	for task := range in {
		if r.deps.Gate.Stopped() {
			return
		}

		plyPath := filepath.Join(dir, task.item.ID+".ply")

		if _, err := r.deps.Predictor.Predict(ctx, task.item, task.imagePath, plyPath); err != nil {
			r.deps.Logger.Warn("predict: failed", "id", task.item.ID, "err", err)

			continue
		}

		upload := uploadTask{item: task.item, imagePath: task.imagePath, plyPath: plyPath}

		select {
		case out <- upload:
		case <-ctx.Done():
			return
		}
	}
}

// commit pops upload tasks, coalescing them into batches the gateway's
// adaptive RecommendedBatchSize sizes, and publishes each batch to the
// shared repository in one atomic multi-file commit.
func (r *Runtime) commit(ctx context.Context, rng model.Range, prog *progress.Progress, in <-chan uploadTask) {
	for {
		batch, more := r.collectBatch(ctx, in)

		if len(batch) > 0 {
			r.commitBatch(ctx, rng, prog, batch)
		}

		if !more {
			return
		}
	}
}

// collectBatch gathers upload tasks up to RecommendedBatchSize, waiting
// at most UploadBatchWait past the first arrival for the rest to fill
// in. It reports more=false once in has been drained and closed.
func (r *Runtime) collectBatch(ctx context.Context, in <-chan uploadTask) (batch []uploadTask, more bool) {
	size := r.deps.Repo.RecommendedBatchSize(r.cfg.UploadBatchSize)
	if size <= 0 {
		size = 1
	}

	first, ok := <-in
	if !ok {
		return nil, false
	}

	batch = append(batch, first)

	if size <= 1 {
		return batch, true
	}

	timer := time.NewTimer(r.cfg.UploadBatchWait)
	defer timer.Stop()

	for len(batch) < size {
		select {
		case task, ok := <-in:
			if !ok {
				return batch, false
			}

			batch = append(batch, task)
		case <-timer.C:
			return batch, true
		case <-ctx.Done():
			return batch, true
		}
	}

	return batch, true
}

// batchItem pairs an upload task with the commit op and catalogue row
// built for it, so a read failure for one item can drop it from the
// batch without misaligning the rest.
type batchItem struct {
	task    uploadTask
	row     model.Row
	spzPath string
}

// commitBatch encodes sidecar artifacts for every task in batch and
// publishes them all in a single commit, then marks each succeeded
// item done and indexes its row.
func (r *Runtime) commitBatch(ctx context.Context, rng model.Range, prog *progress.Progress, batch []uploadTask) {
	ops := make([]repogateway.CommitOp, 0, len(batch)*3)
	items := make([]batchItem, 0, len(batch))

	for _, task := range batch {
		spzPath := task.plyPath + ".spz"

		if err := r.deps.Encoder.ToSPZ(ctx, task.plyPath, spzPath); err != nil {
			r.deps.Logger.Warn("commit: spz export failed, continuing without sidecar", "id", task.item.ID, "err", err)

			spzPath = ""
		}

		imageData, err := os.ReadFile(task.imagePath)
		if err != nil {
			r.deps.Logger.Error("commit: read image failed, dropping from batch", "id", task.item.ID, "err", err)

			continue
		}

		plyData, err := os.ReadFile(task.plyPath)
		if err != nil {
			r.deps.Logger.Error("commit: read ply failed, dropping from batch", "id", task.item.ID, "err", err)

			continue
		}

		ops = append(ops,
			repogateway.CommitOp{PathInRepo: repoPath(task.item.ID, "jpg"), Data: imageData},
			repogateway.CommitOp{PathInRepo: repoPath(task.item.ID, "ply"), Data: plyData},
		)

		if spzPath != "" {
			if spzData, err := os.ReadFile(spzPath); err == nil {
				ops = append(ops, repogateway.CommitOp{PathInRepo: repoPath(task.item.ID, "spz"), Data: spzData})
			} else {
				spzPath = ""
			}
		}

		items = append(items, batchItem{
			task:    task,
			row:     rowFromItem(task.item, spzPath != "", r.deps.Repo.ResolveURL),
			spzPath: spzPath,
		})
	}

	if len(items) == 0 {
		return
	}

	msg := fmt.Sprintf("add %d items", len(items))
	if len(items) == 1 {
		msg = "add " + items[0].task.item.ID
	}

	if err := r.deps.Repo.Commit(ctx, repogateway.CommitRequest{Operations: ops, Message: msg}); err != nil {
		if r.deps.Metrics != nil {
			r.deps.Metrics.CommitOutcomes.WithLabelValues(metrics.OutcomeFailed).Add(float64(len(items)))
		}

		r.deps.Logger.Error("commit: batch failed", "size", len(items), "err", err)

		return
	}

	if r.deps.Metrics != nil {
		r.deps.Metrics.CommitOutcomes.WithLabelValues(metrics.OutcomeSuccess).Add(float64(len(items)))
		r.deps.Metrics.ItemsDone.Add(float64(len(items)))
	}

	for _, it := range items {
		if err := r.deps.Claims.MarkDone(ctx, it.task.item.ID); err != nil {
			r.deps.Logger.Error("commit: mark done failed", "id", it.task.item.ID, "err", err)

			continue
		}

		prog.MarkDone(it.task.item.Offset)

		r.deps.Index.Add(it.row)

		if r.cfg.ShareUpload && r.deps.Share != nil {
			go r.shareInBackground(it.task)
		}

		r.cleanupLocalFiles(it.task)
	}

	if err := r.deps.Index.MaybeFlush(ctx, false); err != nil {
		r.deps.Logger.Warn("commit: index flush failed", "err", err)
	}
}

func repoPath(id, ext string) string {
	return fmt.Sprintf("%s/%s.%s", id, id, ext)
}

// rowFromItem builds the catalogue row published for a committed item.
// resolve turns a repo-relative path into the public resolve/main/...
// download URL (repogateway.Client.ResolveURL), matching hf_upload.py's
// build_resolve_url.
func rowFromItem(item model.Item, hasSPZ bool, resolve func(string) string) model.Row {
	imagePath := repoPath(item.ID, "jpg")
	plyPath := repoPath(item.ID, "ply")

	row := model.Row{
		ImageID:        item.ID,
		ImagePath:      imagePath,
		ImageURL:       resolve(imagePath),
		PLYPath:        plyPath,
		PLYURL:         resolve(plyPath),
		Width:          item.Width,
		Height:         item.Height,
		Tags:           item.Tags,
		Topics:         item.Topics,
		Description:    item.Description,
		AltDescription: item.AltDescription,
		UnsplashID:     item.UnsplashID,
		UnsplashURL:    item.UnsplashURL,
		CreatedAt:      item.CreatedAt,
		UserUsername:   item.UserUsername,
		UserName:       item.UserName,
	}

	if hasSPZ {
		spzPath := repoPath(item.ID, "spz")
		row.SPZPath = spzPath
		row.SPZURL = resolve(spzPath)
	}

	return row
}

// shareInBackground runs the optional share-viewer upload after a
// successful commit. Its failure does not affect the catalogue entry:
// gsplat_share.py's upload_and_create_view is itself a best-effort
// side channel, not part of the publish contract.
func (r *Runtime) shareInBackground(task uploadTask) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	opts := shareupload.ViewOptions{
		Meta:             r.deps.ShareMeta,
		UseSmallPLY:      true,
		SplatTransform:   r.deps.Encoder,
		FilterVisibility: 1,
	}

	if _, err := r.deps.Share.UploadAndCreateView(ctx, task.plyPath, opts); err != nil {
		r.deps.Logger.Warn("share upload failed", "id", task.item.ID, "err", err)
	}
}

// cleanupLocalFiles removes the local working copies of a committed
// item's artifacts now that they live in the shared repo.
func (r *Runtime) cleanupLocalFiles(task uploadTask) {
	_ = os.Remove(task.imagePath)
	_ = os.Remove(task.plyPath)
	_ = os.Remove(task.plyPath + ".spz")
	_ = os.Remove(task.plyPath + ".small.ply")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
