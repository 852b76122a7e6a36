// Package downloader fetches item links into a destination directory with
// bounded concurrency.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

const (
	userAgent = "feedgrab/1.0"

	// FallbackName is used when neither the response nor the URL names the file.
	FallbackName = "unknown"

	// MaxNameAttempts bounds the " (n)" suffixes tried for one file.
	MaxNameAttempts = 1000
)

// ErrDestinationUnavailable is returned when every candidate name is taken.
var ErrDestinationUnavailable = errors.New("no free destination name")

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DownloadError wraps any failure to fetch or store one URL.
type DownloadError struct {
	URL string
	Err error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Outcome is the terminal result of one download task.
type Outcome struct {
	URL  string
	Path string
	Size int64
	Err  error
}

// Downloader writes remote files into local directories.
type Downloader struct {
	client  HTTPClient
	fs      afero.Fs
	log     *slog.Logger
	timeout time.Duration
}

// New creates a Downloader writing to the OS filesystem.
// A zero timeout disables the per-request deadline.
func New(client HTTPClient, timeout time.Duration, log *slog.Logger) *Downloader {
	return NewWithFS(client, afero.NewOsFs(), timeout, log)
}

// NewWithFS creates a Downloader on an arbitrary filesystem.
func NewWithFS(client HTTPClient, fsys afero.Fs, timeout time.Duration, log *slog.Logger) *Downloader {
	return &Downloader{
		client:  client,
		fs:      fsys,
		log:     log,
		timeout: timeout,
	}
}

// DownloadAll fetches every url into dir with at most limit requests in
// flight. It returns once all tasks have finished; outcomes are in the
// order of urls. A failing task never affects the others.
func (d *Downloader) DownloadAll(ctx context.Context, urls []string, dir string, limit int) []Outcome {
	outcomes := make([]Outcome, len(urls))
	if len(urls) == 0 {
		return outcomes
	}
	if limit < 1 {
		limit = 1
	}

	if err := d.fs.MkdirAll(dir, 0o755); err != nil {
		for i, u := range urls {
			outcomes[i] = Outcome{URL: u, Err: &DownloadError{URL: u, Err: fmt.Errorf("create directory: %w", err)}}
		}
		d.log.Error("create destination directory", "path", dir, "error", err)
		return outcomes
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, u := range urls {
		g.Go(func() error {
			outcomes[i] = d.download(ctx, u, dir)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (d *Downloader) download(ctx context.Context, rawURL, dir string) Outcome {
	out := Outcome{URL: rawURL}

	dest, size, err := d.fetch(ctx, rawURL, dir)
	if err != nil {
		out.Err = &DownloadError{URL: rawURL, Err: err}
		d.log.Warn("download failed", "url", rawURL, "error", err)
		return out
	}

	out.Path = dest
	out.Size = size
	d.log.Info("downloaded", "url", rawURL, "path", dest, "size", humanize.Bytes(uint64(size)))
	return out
}

func (d *Downloader) fetch(ctx context.Context, rawURL, dir string) (string, int64, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	name := ResponseFilename(resp)
	f, dest, err := CreateUnique(d.fs, dir, name)
	if err != nil {
		return "", 0, err
	}

	n, err := io.Copy(f, resp.Body)
	if err != nil {
		_ = f.Close()
		_ = d.fs.Remove(dest)
		return "", 0, fmt.Errorf("write %s: %w", dest, err)
	}
	if err := f.Close(); err != nil {
		_ = d.fs.Remove(dest)
		return "", 0, fmt.Errorf("close %s: %w", dest, err)
	}
	return dest, n, nil
}

// ResponseFilename picks a name for the body of resp: the filename
// parameter of Content-Disposition, else the last non-empty path segment
// of the final request URL, else FallbackName.
func ResponseFilename(resp *http.Response) string {
	if name := dispositionFilename(resp.Header.Get("Content-Disposition")); name != "" {
		return name
	}
	if resp.Request != nil && resp.Request.URL != nil {
		if name := lastSegment(resp.Request.URL.Path); name != "" {
			return name
		}
	}
	return FallbackName
}

func dispositionFilename(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if errors.Is(err, mime.ErrInvalidMediaParameter) {
		return cleanName(rawDispositionFilename(header))
	}
	if err != nil {
		return ""
	}
	return cleanName(params["filename"])
}

// rawDispositionFilename extracts a filename parameter that does not follow
// the grammar, such as an unquoted value containing spaces.
func rawDispositionFilename(header string) string {
	i := strings.Index(strings.ToLower(header), "filename=")
	if i < 0 {
		return ""
	}
	v, _, _ := strings.Cut(header[i+len("filename="):], ";")
	return strings.Trim(strings.TrimSpace(v), `"'`)
}

func lastSegment(p string) string {
	for _, seg := range slices.Backward(strings.Split(p, "/")) {
		if seg != "" {
			return cleanName(seg)
		}
	}
	return ""
}

// cleanName reduces a server supplied name to a single path element.
func cleanName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Base(strings.TrimSpace(name))
	switch name {
	case ".", "..", "/":
		return ""
	}
	return name
}

// SplitName splits a file name at its last dot. The extension keeps the dot.
func SplitName(name string) (base, ext string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return name, ""
	}
	return name[:i], name[i:]
}

// CandidateName returns the n-th name tried for base and ext:
// "base.ext", "base (1).ext", "base (2).ext", ...
func CandidateName(base, ext string, n int) string {
	if n == 0 {
		return base + ext
	}
	return base + " (" + strconv.Itoa(n) + ")" + ext
}

// CreateUnique exclusively creates a file named after name inside dir,
// adding a numeric suffix while the name is taken. The check and the
// create are one atomic open, so concurrent writers never share a file.
func CreateUnique(fsys afero.Fs, dir, name string) (afero.File, string, error) {
	base, ext := SplitName(name)
	for n := range MaxNameAttempts {
		dest := filepath.Join(dir, CandidateName(base, ext, n))
		f, err := fsys.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, dest, nil
		}
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		return nil, "", fmt.Errorf("create %s: %w", dest, err)
	}
	return nil, "", fmt.Errorf("%s in %s: %w", name, dir, ErrDestinationUnavailable)
}
