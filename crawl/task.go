package crawl

// PageTask is a crawl_queue entry: a page URL awaiting a fetch+parse pass.
type PageTask struct {
	URL        string
	Depth      int
	Pri        int
	RetryCount int
}

func (t PageTask) Priority() int { return t.Pri }

// DownloadTask is a download_queue entry: an image URL awaiting fetch.
type DownloadTask struct {
	URL        string
	Pri        int
	RetryCount int
}

func (t DownloadTask) Priority() int { return t.Pri }
