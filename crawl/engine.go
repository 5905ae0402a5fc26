package crawl

import (
	"context"
	"io"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/NVIDIA/imgcrawld/download"
	"github.com/NVIDIA/imgcrawld/parse"
	"github.com/NVIDIA/imgcrawld/transport"
	"github.com/NVIDIA/imgcrawld/urlx"
)

// Options configures one crawl run, mirroring cmn.CrawlerConfig's limits.
type Options struct {
	MaxConcurrent   int
	MaxDepth        int
	MaxImages       int
	MaxPages        int
	MaxRetries      int
	FetchTimeout    time.Duration
	DownloadTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 10
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = 3
	}
	if o.MaxImages <= 0 {
		o.MaxImages = 1000
	}
	if o.MaxPages <= 0 {
		o.MaxPages = 100
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 15 * time.Second
	}
	if o.DownloadTimeout <= 0 {
		o.DownloadTimeout = 30 * time.Second
	}
	return o
}

// Callbacks are optional hooks invoked during a crawl; both are nil-checked
// before invocation, per §4.5.
type Callbacks struct {
	OnPage     func(url string, imageCount, linkCount int)
	OnProgress func(Stats)
}

// Stats is the live progress snapshot passed to Callbacks.OnProgress.
type Stats struct {
	PagesCrawled     int64
	ImagesFound      int64
	ImagesDownloaded int64
	ImagesFailed     int64
	TotalBytes       int64
}

// Result is the document returned when a crawl completes, per §4.5's
// "counts, duration, rates, success rate, found/downloaded/failed sets, and
// the URL->filename map" contract.
type Result struct {
	StartURL         string
	PagesCrawled     int64
	ImagesFound      int64
	ImagesDownloaded int64
	ImagesFailed     int64
	TotalBytes       int64
	Duration         time.Duration
	PagesPerSecond   float64
	ImagesPerSecond  float64
	SuccessRate      float64
	FoundImages      []string
	DownloadedImages []string
	FailedURLs       []string
	URLToFilename    map[string]string
}

// Engine owns the crawl's two work queues and every discovered/visited URL
// set; nothing outside it mutates them, per §4.1's ownership rule.
type Engine struct {
	opts       Options
	session    *transport.Session
	downloader *download.Downloader
	callbacks  Callbacks

	crawlQueue    *PriorityQueue[PageTask]
	downloadQueue *PriorityQueue[DownloadTask]

	visited          *stringSet
	foundImages      *stringSet
	downloadedImages *stringSet
	failedURLs       *stringSet
	urlToFilename    sync.Map // string -> string

	pagesCrawled     atomic.Int64
	imagesFound      atomic.Int64
	imagesDownloaded atomic.Int64
	imagesFailed     atomic.Int64
	totalBytes       atomic.Int64

	stopped atomic.Bool
}

// New builds an Engine bound to session/downloader for a single crawl run.
// A fresh Engine MUST be constructed per crawl: its sets and queues are not
// reusable across runs.
func New(session *transport.Session, downloader *download.Downloader, opts Options, callbacks Callbacks) *Engine {
	return &Engine{
		opts:             opts.withDefaults(),
		session:          session,
		downloader:       downloader,
		callbacks:        callbacks,
		crawlQueue:       NewPriorityQueue[PageTask](),
		downloadQueue:    NewPriorityQueue[DownloadTask](),
		visited:          newStringSet(),
		foundImages:      newStringSet(),
		downloadedImages: newStringSet(),
		failedURLs:       newStringSet(),
	}
}

// Stop raises the stop signal observed by every worker at the top of its
// loop, per §4.5's cancellation contract.
func (e *Engine) Stop() {
	e.stopped.Store(true)
}

func (e *Engine) done() bool {
	return e.stopped.Load() ||
		e.pagesCrawled.Load() >= int64(e.opts.MaxPages) ||
		e.downloadedImages.Len() >= e.opts.MaxImages
}

// Start runs the crawl to completion (or until ctx is cancelled) and
// returns the result document.
func (e *Engine) Start(ctx context.Context, startURL string) (Result, error) {
	begin := time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	startURL = urlx.Normalize(startURL)
	e.visited.Add(startURL)
	e.crawlQueue.Push(PageTask{URL: startURL, Depth: 0, Pri: 0})

	parseGroup := &errgroup.Group{}
	parseGroup.SetLimit(runtime.GOMAXPROCS(0))

	var wg sync.WaitGroup
	pageWorkers := e.opts.MaxConcurrent
	if pageWorkers > 5 {
		pageWorkers = 5
	}
	for i := 0; i < pageWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.pageWorker(runCtx, parseGroup)
		}()
	}
	for i := 0; i < e.opts.MaxConcurrent; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.downloadWorker(runCtx)
		}()
	}

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if e.done() || (e.crawlQueue.Len() == 0 && e.downloadQueue.Len() == 0 && e.pagesCrawled.Load() > 0) {
					cancel()
					e.crawlQueue.Close()
					e.downloadQueue.Close()
					return
				}
			}
		}
	}()

	wg.Wait()
	_ = parseGroup.Wait()
	<-monitorDone
	e.crawlQueue.Close()
	e.downloadQueue.Close()

	elapsed := time.Since(begin)
	result := Result{
		StartURL:         startURL,
		PagesCrawled:     e.pagesCrawled.Load(),
		ImagesFound:      e.imagesFound.Load(),
		ImagesDownloaded: e.imagesDownloaded.Load(),
		ImagesFailed:     e.imagesFailed.Load(),
		TotalBytes:       e.totalBytes.Load(),
		Duration:         elapsed,
		FoundImages:      e.foundImages.Snapshot(),
		DownloadedImages: e.downloadedImages.Snapshot(),
		FailedURLs:       e.failedURLs.Snapshot(),
		URLToFilename:    e.snapshotFilenames(),
	}
	secs := elapsed.Seconds()
	if secs > 0 {
		result.PagesPerSecond = float64(result.PagesCrawled) / secs
		result.ImagesPerSecond = float64(result.ImagesDownloaded) / secs
	}
	if attempted := result.ImagesDownloaded + result.ImagesFailed; attempted > 0 {
		result.SuccessRate = float64(result.ImagesDownloaded) / float64(attempted)
	}
	return result, nil
}

func (e *Engine) snapshotFilenames() map[string]string {
	out := make(map[string]string)
	e.urlToFilename.Range(func(k, v any) bool {
		out[k.(string)] = v.(string)
		return true
	})
	return out
}

func (e *Engine) reportProgress() {
	if e.callbacks.OnProgress == nil {
		return
	}
	e.callbacks.OnProgress(Stats{
		PagesCrawled:     e.pagesCrawled.Load(),
		ImagesFound:      e.imagesFound.Load(),
		ImagesDownloaded: e.imagesDownloaded.Load(),
		ImagesFailed:     e.imagesFailed.Load(),
		TotalBytes:       e.totalBytes.Load(),
	})
}

// pageWorker implements the §4.5 page-worker algorithm.
func (e *Engine) pageWorker(ctx context.Context, parseGroup *errgroup.Group) {
	for {
		if e.done() || ctx.Err() != nil {
			return
		}
		task, ok := e.crawlQueue.Pop(ctx)
		if !ok {
			return
		}
		if urlx.IsImage(task.URL, false, nil) || task.Depth > e.opts.MaxDepth || e.done() {
			continue
		}

		fetchCtx, cancel := context.WithTimeout(ctx, e.opts.FetchTimeout)
		resp, err := e.session.Get(fetchCtx, task.URL)
		cancel()
		if err != nil {
			e.onPageFailure(task)
			continue
		}
		if resp.StatusCode != http.StatusOK || !strings.Contains(resp.Header.Get("Content-Type"), "text") {
			resp.Body.Close()
			e.pagesCrawled.Inc()
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		resp.Body.Close()
		if err != nil {
			e.onPageFailure(task)
			continue
		}

		ct := resp.Header.Get("Content-Type")
		task := task
		parseGroup.Go(func() error {
			e.handleParsedPage(task, body, ct)
			return nil
		})
	}
}

func (e *Engine) onPageFailure(task PageTask) {
	e.failedURLs.Add(task.URL)
	if task.RetryCount < e.opts.MaxRetries {
		task.RetryCount++
		e.crawlQueue.Push(task)
		return
	}
	e.pagesCrawled.Inc()
}

// handleParsedPage is the CPU-bound continuation of the page worker,
// offloaded to the bounded parse pool: decode, parse, enqueue discoveries,
// report progress.
func (e *Engine) handleParsedPage(task PageTask, body []byte, contentTypeHeader string) {
	_, utf8Body := parse.DetectEncoding(body, contentTypeHeader)
	page, err := parse.Parse(utf8Body, task.URL)
	if err != nil {
		glog.Warningf("crawl: parse error for %s: %v", task.URL, err)
		e.pagesCrawled.Inc()
		return
	}

	imageCount, linkCount := 0, 0
	for _, img := range page.Images {
		if e.foundImages.Add(img) {
			e.imagesFound.Inc()
			imageCount++
			e.downloadQueue.Push(DownloadTask{URL: img, Pri: task.Depth})
		}
	}
	if task.Depth < e.opts.MaxDepth {
		for _, link := range page.Links {
			if !e.visited.Add(link) {
				continue
			}
			linkCount++
			e.crawlQueue.Push(PageTask{URL: link, Depth: task.Depth + 1, Pri: task.Depth + 1})
		}
	}

	e.pagesCrawled.Inc()
	if e.callbacks.OnPage != nil {
		e.callbacks.OnPage(task.URL, imageCount, linkCount)
	}
	e.reportProgress()
}

// downloadWorker implements the §4.5 download-worker algorithm: a mirror of
// the page worker against download_queue.
func (e *Engine) downloadWorker(ctx context.Context) {
	for {
		if e.done() || ctx.Err() != nil {
			return
		}
		task, ok := e.downloadQueue.Pop(ctx)
		if !ok {
			return
		}
		if e.downloadedImages.Len() >= e.opts.MaxImages {
			continue
		}

		result := e.downloader.Download(ctx, task.URL, "", 0, e.opts.DownloadTimeout)
		if !result.Success {
			if task.RetryCount < e.opts.MaxRetries {
				task.RetryCount++
				e.downloadQueue.Push(task)
				continue
			}
			e.failedURLs.Add(task.URL)
			e.imagesFailed.Inc()
			e.reportProgress()
			continue
		}

		e.downloadedImages.Add(task.URL)
		e.urlToFilename.Store(task.URL, filenameOf(result.LocalPath))
		e.totalBytes.Add(result.FileSize)
		e.reportProgress()
	}
}

func filenameOf(localPath string) string {
	idx := strings.LastIndexAny(localPath, "/\\")
	if idx < 0 {
		return localPath
	}
	return localPath[idx+1:]
}
