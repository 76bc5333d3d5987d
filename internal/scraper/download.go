package scraper

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"harvester/internal/core/extraction"
)

// Download streams rawURL to destPath plus an extension taken from the URL or
// the response content type. The file appears only once fully written.
func Download(ctx context.Context, client *http.Client, rawURL, destPath string, header http.Header) (extraction.AttachmentResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return extraction.AttachmentResult{}, extraction.NewError(extraction.CodeDownload, fmt.Sprintf("bad attachment url %q", rawURL), err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return extraction.AttachmentResult{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return extraction.AttachmentResult{}, extraction.NewError(extraction.CodeRateLimit, "429 too many requests downloading attachment", nil)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return extraction.AttachmentResult{}, extraction.NewError(extraction.CodeAuth,
			fmt.Sprintf("attachment download refused with %d", resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		return extraction.AttachmentResult{}, extraction.NewError(extraction.CodeDownload,
			fmt.Sprintf("attachment download failed with status %d", resp.StatusCode), nil)
	}

	contentType := resp.Header.Get("Content-Type")
	dest := destPath + extension(resp.Request.URL, contentType)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return extraction.AttachmentResult{}, extraction.NewError(extraction.CodeDownload, "create attachment dir", err)
	}

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return extraction.AttachmentResult{}, extraction.NewError(extraction.CodeDownload, "create attachment file", err)
	}
	n, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmp)
		if copyErr == nil {
			copyErr = closeErr
		}
		return extraction.AttachmentResult{}, extraction.NewError(extraction.CodeDownload, "write attachment", copyErr)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return extraction.AttachmentResult{}, extraction.NewError(extraction.CodeDownload, "move attachment into place", err)
	}

	return extraction.AttachmentResult{Path: dest, ContentType: contentType, Bytes: n, RemoteURL: rawURL}, nil
}

func extension(u *url.URL, contentType string) string {
	if u != nil {
		if ext := path.Ext(u.Path); ext != "" && len(ext) <= 6 {
			return strings.ToLower(ext)
		}
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		if exts, _ := mime.ExtensionsByType(mt); len(exts) > 0 {
			return exts[0]
		}
	}
	return ""
}
