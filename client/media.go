package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"baatcheet/crypto"
	"baatcheet/worker"

	"gopkg.in/op/go-logging.v1"
)

const (
	DefaultMediaWorkers   = 2
	DefaultMediaQueueSize = 64
	mediaFetchTimeout     = 2 * time.Minute
)

const (
	MediaErrNoKey    = "no key for this media"
	MediaErrFetch    = "media download failed"
	MediaErrDecrypt  = "media decrypt failed"
	MediaErrQueue    = "media queue full"
	mediaFileMode    = 0o600
	mediaFallbackExt = "bin"
)

// MediaResult reports a finished attachment. Err is the inline text shown
// on the entry; Path is set on success.
type MediaResult struct {
	RoomID  string
	EntryID string
	Path    string
	Err     string
}

type mediaJob struct {
	roomID  string
	entryID string
	ref     MediaRef
}

// MediaPool downloads and decrypts attachments in the background. A failure
// only affects the entry it belongs to.
type MediaPool struct {
	worker.Worker

	api  *API
	dir  string
	log  *logging.Logger
	done func(MediaResult)

	jobs chan mediaJob
}

// NewMediaPool starts workers that write plaintext files into dir and
// report each outcome to done.
func NewMediaPool(api *API, dir string, workers int, log *logging.Logger, done func(MediaResult)) *MediaPool {
	if workers <= 0 {
		workers = DefaultMediaWorkers
	}
	p := &MediaPool{
		api:  api,
		dir:  dir,
		log:  log,
		done: done,
		jobs: make(chan mediaJob, DefaultMediaQueueSize),
	}
	for i := 0; i < workers; i++ {
		p.Go(p.worker)
	}
	return p
}

// Submit queues entry's attachment. Entries without media are ignored.
func (p *MediaPool) Submit(entry Entry) {
	if entry.Media == nil {
		return
	}
	job := mediaJob{roomID: entry.RoomID, entryID: entry.ID, ref: *entry.Media}
	select {
	case <-p.HaltCh():
		return
	default:
	}
	select {
	case p.jobs <- job:
	default:
		p.log.Warningf("Media queue full, skipping %s", entry.ID)
		p.report(MediaResult{RoomID: job.roomID, EntryID: job.entryID, Err: MediaErrQueue})
	}
}

// Close stops the workers. Queued jobs are abandoned.
func (p *MediaPool) Close() {
	p.Halt()
}

func (p *MediaPool) worker() {
	for {
		select {
		case <-p.HaltCh():
			return
		case job := <-p.jobs:
			p.report(p.process(job))
		}
	}
}

func (p *MediaPool) process(job mediaJob) MediaResult {
	result := MediaResult{RoomID: job.roomID, EntryID: job.entryID}

	ctx, cancel := context.WithTimeout(context.Background(), mediaFetchTimeout)
	defer cancel()
	go func() {
		select {
		case <-p.HaltCh():
			cancel()
		case <-ctx.Done():
		}
	}()

	objectURL := job.ref.FileURL
	if job.ref.FileKey != "" {
		resp, err := p.api.DownloadURL(ctx, job.ref.FileKey)
		if err != nil {
			p.log.Debugf("Download URL for %s failed: %v", job.entryID, err)
			result.Err = MediaErrFetch
			return result
		}
		objectURL = resp.DownloadURL
	}
	if objectURL == "" {
		result.Err = MediaErrFetch
		return result
	}

	ciphertext, err := p.api.GetObject(ctx, objectURL)
	if err != nil {
		p.log.Debugf("Fetching media %s failed: %v", job.entryID, err)
		result.Err = MediaErrFetch
		return result
	}
	plaintext, err := crypto.Decrypt(job.ref.sessionKey, job.ref.iv, ciphertext)
	if err != nil {
		result.Err = MediaErrDecrypt
		return result
	}

	path := filepath.Join(p.dir, mediaFileName(job.entryID, job.ref.Mime))
	if err := os.WriteFile(path, plaintext, mediaFileMode); err != nil {
		p.log.Warningf("Failed to write media %s: %v", path, err)
		result.Err = fmt.Sprintf("%s: %v", MediaErrFetch, err)
		return result
	}
	result.Path = path
	return result
}

func (p *MediaPool) report(result MediaResult) {
	if p.done != nil {
		p.done(result)
	}
}

// mediaFileName derives a local name from the entry id and the MIME subtype.
func mediaFileName(entryID, mime string) string {
	ext := mediaFallbackExt
	if _, subtype, ok := strings.Cut(mime, "/"); ok {
		subtype, _, _ = strings.Cut(subtype, ";")
		subtype = strings.ToLower(strings.TrimSpace(subtype))
		if subtype != "" {
			ext = subtype
		}
	}
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, entryID)
	return name + "." + ext
}
