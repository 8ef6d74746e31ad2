// Package blob uploads chat attachments and returns the public URL the
// message row will carry.
package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"roomsync/pkg/backend"
	"roomsync/pkg/logger"
)

// HTTPUploader PUTs attachment bytes to an object-storage endpoint and
// builds the public URL from a separate base (storage endpoints and CDN
// hosts usually differ).
type HTTPUploader struct {
	UploadBase string
	PublicBase string
	Client     *fasthttp.Client
	// Timeout bounds one upload round-trip; zero means the client's own
	// transport timeout applies.
	Timeout time.Duration
}

var _ backend.BlobStore = (*HTTPUploader)(nil)

func NewHTTPUploader(uploadBase, publicBase string) *HTTPUploader {
	return &HTTPUploader{
		UploadBase: strings.TrimSuffix(uploadBase, "/"),
		PublicBase: strings.TrimSuffix(publicBase, "/"),
		Client:     &fasthttp.Client{},
		Timeout:    30 * time.Second,
	}
}

// Upload PUTs data under path and returns its public URL.
func (u *HTTPUploader) Upload(ctx context.Context, path string, data []byte, mime string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(fasthttp.MethodPut)
	req.SetRequestURI(u.UploadBase + "/" + strings.TrimPrefix(path, "/"))
	if mime != "" {
		req.Header.SetContentType(mime)
	}
	req.SetBody(data)

	var err error
	if u.Timeout > 0 {
		err = u.Client.DoTimeout(req, resp, u.Timeout)
	} else {
		err = u.Client.Do(req, resp)
	}
	if err != nil {
		logger.Warn("blob_upload_failed", "path", path, "error", err)
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	if c := resp.StatusCode(); c < 200 || c > 299 {
		logger.Warn("blob_upload_rejected", "path", path, "status", c)
		return "", fmt.Errorf("upload %s: unexpected status %d", path, c)
	}
	return u.PublicBase + "/" + strings.TrimPrefix(path, "/"), nil
}

// DirUploader writes attachments under a local directory. Used by tests
// and the inspect tooling when no storage endpoint is configured.
type DirUploader struct {
	Dir string
	// BaseURL prefixes returned URLs; defaults to file://<dir>.
	BaseURL string
}

var _ backend.BlobStore = (*DirUploader)(nil)

func (d *DirUploader) Upload(ctx context.Context, path string, data []byte, mime string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	clean := filepath.Clean("/" + path)
	full := filepath.Join(d.Dir, clean)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", err
	}
	base := d.BaseURL
	if base == "" {
		base = "file://" + d.Dir
	}
	return strings.TrimSuffix(base, "/") + clean, nil
}
