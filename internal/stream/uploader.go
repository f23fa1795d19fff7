package stream

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Uploader drains the spool directory: every complete WAV file is posted to
// the gateway's batch endpoint and removed on success. Failed uploads stay
// in place and are retried when the directory is next scanned or a new file
// appears, not in a tight loop.
type Uploader struct {
	dir        string
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *log.Logger
}

// NewUploader creates an uploader for the spool dir. httpClient may be nil.
func NewUploader(dir, baseURL, token string, httpClient *http.Client, logger *log.Logger) *Uploader {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Uploader{
		dir:        dir,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Run watches the spool directory until ctx is cancelled. An initial sweep
// picks up files left over from a previous run.
func (u *Uploader) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(u.dir); err != nil {
		return fmt.Errorf("watch spool dir: %w", err)
	}

	u.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// The spooler renames complete files into place, so Create and
			// Rename are the only events worth acting on.
			if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".wav") {
				continue
			}
			u.uploadOne(ctx, event.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			u.logger.Printf("uploader: watcher error: %v", err)
		}
	}
}

// sweep uploads everything already sitting in the spool dir.
func (u *Uploader) sweep(ctx context.Context) {
	entries, err := os.ReadDir(u.dir)
	if err != nil {
		u.logger.Printf("uploader: sweep failed: %v", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".wav") {
			continue
		}
		u.uploadOne(ctx, filepath.Join(u.dir, e.Name()))
	}
}

func (u *Uploader) uploadOne(ctx context.Context, path string) {
	sessionID, language, ok := SpoolFileSession(path)
	if !ok {
		u.logger.Printf("uploader: skipping unrecognized spool file %s", path)
		return
	}

	body, err := os.ReadFile(path)
	if err != nil {
		u.logger.Printf("uploader: read %s: %v", path, err)
		return
	}

	url := fmt.Sprintf("%s/api/sessions/%s/audio?language=%s", u.baseURL, sessionID, language)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		u.logger.Printf("uploader: build request for %s: %v", path, err)
		return
	}
	req.Header.Set("Authorization", "Bearer "+u.token)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		u.logger.Printf("uploader: upload %s failed, will retry on next scan: %v", path, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		u.logger.Printf("uploader: upload %s returned status %d, will retry on next scan", path, resp.StatusCode)
		return
	}

	if err := os.Remove(path); err != nil {
		u.logger.Printf("uploader: remove %s after upload: %v", path, err)
		return
	}
	u.logger.Printf("uploader: uploaded session %s audio from %s", sessionID, path)
}
