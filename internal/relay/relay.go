// Package relay streams multipart upload bodies into a storage backend.
// Parts are consumed sequentially off the wire, but each file is handed to
// its own forwarding goroutine through a pipe, so backend round trips for
// earlier files overlap with reading later ones.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/copygo/uploader/internal/backend"
	"github.com/copygo/uploader/internal/logging"
	"github.com/copygo/uploader/internal/metrics"
	"github.com/copygo/uploader/internal/models"
)

// Sentinel errors for request-level rejections. Handlers map them onto
// HTTP status codes.
var (
	ErrFileTooLarge  = errors.New("file too large")
	ErrTooManyFiles  = errors.New("too many files")
	ErrTooManyFields = errors.New("too many fields")
)

// Limits bounds a single upload request.
type Limits struct {
	MaxFileBytes int64
	MaxFiles     int
	MaxFields    int
}

// Result is the outcome of forwarding one file part.
type Result struct {
	Name string
	Size int64
	File *models.File
	Err  error
}

// Relay forwards multipart file parts to a backend.
type Relay struct {
	client  backend.Client
	limits  Limits
	timeout time.Duration
}

// New creates a relay. timeout bounds each backend file-create call.
func New(client backend.Client, limits Limits, timeout time.Duration) *Relay {
	return &Relay{client: client, limits: limits, timeout: timeout}
}

// Process consumes the multipart stream and forwards every file part into
// folderID. The returned results are in wire order, one per file part. A
// non-nil error means the whole request was rejected and no results are
// meaningful: a limit was breached or the stream itself broke.
func (r *Relay) Process(ctx context.Context, mr *multipart.Reader, folderID string) ([]Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Each file gets its own heap-allocated Result so forwarding goroutines
	// never touch the slice, which the reading loop keeps appending to.
	var (
		wg      sync.WaitGroup
		results []*Result
		fields  int
	)

	abort := func(err error) ([]Result, error) {
		// Tear down in-flight forwards before returning so no goroutine
		// outlives the request.
		cancel()
		wg.Wait()
		return nil, err
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return abort(fmt.Errorf("read multipart stream: %w", err))
		}

		if part.FileName() == "" {
			// A file input left empty by the browser still carries a
			// filename attribute (`filename=""`); it is discarded without
			// counting against the field cap.
			if !hasFilenameParam(part) {
				fields++
				if fields > r.limits.MaxFields {
					part.Close()
					metrics.RecordUploadReject("too_many_fields")
					return abort(fmt.Errorf("%w: limit %d", ErrTooManyFields, r.limits.MaxFields))
				}
			}
			// Neither fields nor empty file inputs carry meaning here,
			// just drain them.
			io.Copy(io.Discard, part)
			part.Close()
			continue
		}

		if len(results) >= r.limits.MaxFiles {
			part.Close()
			metrics.RecordUploadReject("too_many_files")
			return abort(fmt.Errorf("%w: limit %d", ErrTooManyFiles, r.limits.MaxFiles))
		}

		res := &Result{Name: part.FileName()}
		results = append(results, res)

		pr, pw := io.Pipe()
		info := models.FileInfo{
			Name:        part.FileName(),
			ParentID:    folderID,
			ContentType: part.Header.Get("Content-Type"),
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			callCtx, callCancel := context.WithTimeout(ctx, r.timeout)
			defer callCancel()

			file, err := r.client.CreateFile(callCtx, info, pr)
			// Unblock the writer if the backend bailed mid-stream.
			pr.CloseWithError(err)

			res.File = file
			res.Err = err
			if file != nil {
				res.Size = file.Size
			}
		}()

		n, writeErr, readErr := copyToPipe(pw, io.LimitReader(part, r.limits.MaxFileBytes+1))
		if readErr != nil {
			part.Close()
			pw.CloseWithError(readErr)
			return abort(fmt.Errorf("read part %q: %w", info.Name, readErr))
		}
		if writeErr != nil {
			// The forwarding goroutine gave up mid-stream and holds its
			// own error; siblings are unaffected. Drain the rest of the
			// part so the stream stays parseable.
			pw.CloseWithError(writeErr)
			io.Copy(io.Discard, part)
			part.Close()
			continue
		}
		part.Close()
		if n > r.limits.MaxFileBytes {
			pw.CloseWithError(ErrFileTooLarge)
			metrics.RecordUploadReject("file_too_large")
			return abort(fmt.Errorf("%w: %q exceeds %d bytes", ErrFileTooLarge, info.Name, r.limits.MaxFileBytes))
		}
		pw.Close()
	}

	wg.Wait()

	out := make([]Result, 0, len(results))
	for _, res := range results {
		metrics.RecordFileUpload(res.Size, res.Err == nil)
		if res.Err != nil {
			logging.Warn("file forward failed",
				zap.String("name", res.Name),
				zap.Error(res.Err))
		}
		out = append(out, *res)
	}

	return out, nil
}

// hasFilenameParam reports whether the part's Content-Disposition carries a
// filename attribute, even an empty one. `filename=""` marks a file input,
// not a form field.
func hasFilenameParam(part *multipart.Part) bool {
	_, params, err := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
	if err != nil {
		return false
	}
	_, ok := params["filename"]
	return ok
}

// copyToPipe copies src into the pipe, keeping read-side and write-side
// failures apart: a write failure means the forwarding goroutine stopped
// consuming and already recorded why, a read failure means the client
// stream itself broke.
func copyToPipe(dst *io.PipeWriter, src io.Reader) (written int64, writeErr, readErr error) {
	buf := make([]byte, 32*1024)
	for {
		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[:nr])
			written += int64(nw)
			if ew != nil {
				return written, ew, nil
			}
			if nw < nr {
				return written, io.ErrShortWrite, nil
			}
		}
		if er == io.EOF {
			return written, nil, nil
		}
		if er != nil {
			return written, nil, er
		}
	}
}

// FileStatus is the per-file entry of an upload response.
type FileStatus struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	ID    string `json:"id,omitempty"`
	Link  string `json:"url,omitempty"`
	Size  int64  `json:"size,omitempty"`
	Error string `json:"error,omitempty"`
}

// Summary is the upload response envelope. OK is true only when every
// file forwarded successfully.
type Summary struct {
	OK    bool         `json:"ok"`
	Files []FileStatus `json:"files"`
	Error string       `json:"error,omitempty"`
}

// Summarize collapses per-file results into the response envelope,
// preserving wire order.
func Summarize(results []Result) Summary {
	s := Summary{OK: true, Files: make([]FileStatus, 0, len(results))}
	for _, res := range results {
		fs := FileStatus{Name: res.Name, OK: res.Err == nil}
		if res.Err != nil {
			s.OK = false
			fs.Error = res.Err.Error()
			if s.Error == "" {
				s.Error = res.Err.Error()
			}
		} else if res.File != nil {
			fs.ID = res.File.ID
			fs.Link = res.File.Link
			fs.Size = res.File.Size
		}
		s.Files = append(s.Files, fs)
	}
	return s
}
