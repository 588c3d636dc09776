package gateways

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/Opentrons/opentrons-python-packages/internal/domain/entities"
)

// Downloader streams source archives to local storage
type Downloader struct {
	httpClient *http.Client
	userAgent  string
	progress   io.Writer
}

// DownloaderOption configures a Downloader
type DownloaderOption func(*Downloader)

// WithDownloadClient replaces the default HTTP client
func WithDownloadClient(c *http.Client) DownloaderOption {
	return func(d *Downloader) { d.httpClient = c }
}

// WithProgress renders a byte progress bar on w while downloading
func WithProgress(w io.Writer) DownloaderOption {
	return func(d *Downloader) { d.progress = w }
}

// NewDownloader creates a new downloader
func NewDownloader(opts ...DownloaderOption) *Downloader {
	d := &Downloader{
		httpClient: &http.Client{
			Timeout: 30 * time.Minute, // Long timeout for large source archives
		},
		userAgent: "pybuilder/1.0",
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// FetchSource downloads src into downloadDir under src.ArchiveName() and
// returns the local path. A partial download never appears under the final
// name.
func (d *Downloader) FetchSource(ctx context.Context, src entities.SourceDescriptor, downloadDir string) (string, error) {
	if err := os.MkdirAll(downloadDir, 0750); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}

	url := src.URL()
	dest := filepath.Join(downloadDir, filepath.Base(src.ArchiveName()))
	if err := d.downloadFile(ctx, url, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func (d *Downloader) downloadFile(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &entities.FetchError{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return &entities.FetchError{URL: url, Err: err}
	}
	//nolint:errcheck // Defer close on HTTP response body
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &entities.FetchError{URL: url, StatusCode: resp.StatusCode}
	}

	part := dest + ".part"
	//nolint:gosec // G304: dest is built from the download directory and archive name
	out, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	var w io.Writer = out
	if d.progress != nil {
		bar := progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetWriter(d.progress),
			progressbar.OptionSetDescription(filepath.Base(dest)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionClearOnFinish(),
		)
		//nolint:errcheck // Progress rendering is best effort
		defer bar.Finish()
		w = io.MultiWriter(out, bar)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		_ = out.Close()
		_ = os.Remove(part)
		return &entities.FetchError{URL: url, Err: err}
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(part)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(part, dest); err != nil {
		return fmt.Errorf("failed to move download into place: %w", err)
	}
	return nil
}
