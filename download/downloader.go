// Package download fetches, validates, and deduplicates image files on
// disk. Grounded on original_source/crawler/core/downloader.py.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package download

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	image2 "image"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Registers stdlib image decoders used for validation in §4.3 step 3.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	// Formats the standard library doesn't cover, registered the same way.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"go.uber.org/atomic"

	"github.com/NVIDIA/imgcrawld/cmn"
	"github.com/NVIDIA/imgcrawld/transport"
	"github.com/NVIDIA/imgcrawld/urlx"
)

// Result is the structured outcome of a single download attempt, matching
// spec §4.3 step 4's result shape.
type Result struct {
	URL           string
	Success       bool
	LocalPath     string
	FileSize      int64
	Width, Height int
	Format        string
	MD5Hash       string
	DownloadTime  time.Duration
	Error         error
}

// extensionByContentType mirrors downloader.py's extension_map.
var extensionByContentType = map[string]string{
	"image/jpeg":    ".jpg",
	"image/jpg":     ".jpg",
	"image/png":     ".png",
	"image/gif":     ".gif",
	"image/webp":    ".webp",
	"image/bmp":     ".bmp",
	"image/tiff":    ".tiff",
	"image/svg+xml": ".svg",
}

// Downloader fetches image bytes through a *transport.Session, validates
// them, and writes them under DownloadPath using a temp-then-rename
// discipline so no partially-written file is ever visible under its final
// name (spec §5's "one writer at a time per filename" guarantee).
type Downloader struct {
	Session      *transport.Session
	DownloadPath string

	downloadedCount atomic.Uint64
	failedCount     atomic.Uint64
	totalSize       atomic.Uint64
}

func New(session *transport.Session, downloadPath string) (*Downloader, error) {
	if err := os.MkdirAll(downloadPath, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create download dir: %v", cmn.ErrFile, err)
	}
	return &Downloader{Session: session, DownloadPath: downloadPath}, nil
}

// Download implements spec §4.3's five-step contract.
func (d *Downloader) Download(ctx context.Context, url, filename string, maxRetries int, timeout time.Duration) Result {
	start := time.Now()
	result := Result{URL: url}
	defer func() { result.DownloadTime = time.Since(start) }()

	if filename == "" {
		filename = urlx.ExtractFilename(url)
		if !hasKnownImageExt(filename) {
			filename = d.resolveExtension(ctx, url, filename)
		}
	}
	localPath := filepath.Join(d.DownloadPath, filename)

	if info, err := os.Stat(localPath); err == nil && info.Size() > 0 {
		if existing, verr := validate(localPath); verr == nil {
			result.Success = true
			result.LocalPath = localPath
			result.Width, result.Height, result.Format = existing.width, existing.height, existing.format
			result.FileSize = info.Size()
			return result
		}
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		size, sum, err := d.fetchOnce(ctx, url, localPath, timeout)
		if err == nil {
			v, verr := validate(localPath)
			if verr == nil {
				result.Success = true
				result.LocalPath = localPath
				result.FileSize = size
				result.Width, result.Height, result.Format = v.width, v.height, v.format
				result.MD5Hash = sum
				d.downloadedCount.Inc()
				d.totalSize.Add(uint64(size))
				return result
			}
			_ = os.Remove(localPath)
			lastErr = fmt.Errorf("%w: %v", cmn.ErrFile, verr)
		} else {
			lastErr = err
		}

		if attempt < maxRetries {
			if berr := transport.Backoff(ctx, attempt); berr != nil {
				lastErr = berr
				break
			}
		}
	}

	d.failedCount.Inc()
	result.Error = fmt.Errorf("download failed after %d attempts: %w", maxRetries+1, lastErr)
	return result
}

func hasKnownImageExt(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return urlx.ImageExtensions[ext]
}

// resolveExtension issues a HEAD request to determine the canonical
// extension from Content-Type, matching downloader.py's
// _get_filename_with_extension. When the request fails or the Content-Type
// is not recognized, defaultFilename is returned unchanged if it contains a
// ".", and with .jpg appended otherwise.
func (d *Downloader) resolveExtension(ctx context.Context, url, defaultFilename string) string {
	resp, err := d.Session.Head(ctx, url)
	if err == nil {
		defer resp.Body.Close()
		ct := strings.ToLower(resp.Header.Get("Content-Type"))
		for key, ext := range extensionByContentType {
			if strings.Contains(ct, key) {
				return replaceExt(defaultFilename, ext)
			}
		}
	}
	if strings.Contains(defaultFilename, ".") {
		return defaultFilename
	}
	return defaultFilename + ".jpg"
}

func replaceExt(filename, ext string) string {
	if idx := strings.LastIndex(filename, "."); idx >= 0 {
		return filename[:idx] + ext
	}
	return filename + ext
}

// fetchOnce streams one attempt's bytes to a temp file, renames it into
// place on success, and returns the byte count and md5 hex digest.
func (d *Downloader) fetchOnce(ctx context.Context, url, localPath string, timeout time.Duration) (int64, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := d.Session.Get(reqCtx, url)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, "", fmt.Errorf("%w: HTTP %d for %s", cmn.ErrTransport, resp.StatusCode, url)
	}

	tmp := localPath + ".tmp." + cmn.GenTie()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, "", fmt.Errorf("%w: create temp file: %v", cmn.ErrFile, err)
	}

	hasher := md5.New()
	n, err := io.Copy(f, io.TeeReader(resp.Body, hasher))
	closeErr := f.Close()
	if err != nil {
		_ = os.Remove(tmp)
		return 0, "", fmt.Errorf("%w: write: %v", cmn.ErrFile, err)
	}
	if closeErr != nil {
		_ = os.Remove(tmp)
		return 0, "", fmt.Errorf("%w: close: %v", cmn.ErrFile, closeErr)
	}
	if err := os.Rename(tmp, localPath); err != nil {
		_ = os.Remove(tmp)
		return 0, "", fmt.Errorf("%w: rename into place: %v", cmn.ErrFile, err)
	}
	return n, hex.EncodeToString(hasher.Sum(nil)), nil
}

type validation struct {
	width, height int
	format        string
}

// validate enforces spec §4.3 step 3: non-empty, >= 100 bytes, decodable,
// and at least 10x10.
func validate(path string) (validation, error) {
	info, err := os.Stat(path)
	if err != nil {
		return validation{}, err
	}
	if info.Size() == 0 {
		return validation{}, fmt.Errorf("empty file")
	}
	if info.Size() < 100 {
		return validation{}, fmt.Errorf("file too small (%d bytes)", info.Size())
	}
	f, err := os.Open(path)
	if err != nil {
		return validation{}, err
	}
	defer f.Close()
	cfg, format, err := image2.DecodeConfig(f)
	if err != nil {
		return validation{}, fmt.Errorf("not a decodable image: %w", err)
	}
	if cfg.Width < 10 || cfg.Height < 10 {
		return validation{}, fmt.Errorf("image too small: %dx%d", cfg.Width, cfg.Height)
	}
	return validation{width: cfg.Width, height: cfg.Height, format: format}, nil
}

// Stats returns a snapshot of this downloader's running counters, matching
// downloader.py's get_statistics.
type Stats struct {
	Downloaded uint64
	Failed     uint64
	TotalBytes uint64
}

func (d *Downloader) Stats() Stats {
	return Stats{
		Downloaded: d.downloadedCount.Load(),
		Failed:     d.failedCount.Load(),
		TotalBytes: d.totalSize.Load(),
	}
}
