package converter

import (
	"bufio"
	"context"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// sniffLen は Content-Type 判定のために先読みするバイト数です。
const sniffLen = 3072

// Download は /mp3・/mp4 が返したバイナリです。呼び出し側が Body を閉じます。
type Download struct {
	Body        io.ReadCloser
	ContentType string
	Filename    string
	Size        int64 // 不明な場合は -1
}

// Close は Body を閉じます。
func (d *Download) Close() error {
	if d == nil || d.Body == nil {
		return nil
	}
	return d.Body.Close()
}

type bufferedBody struct {
	*bufio.Reader
	io.Closer
}

func (c *Client) download(ctx context.Context, path, fallbackName string) (*Download, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		_, err := readBody(resp)
		return nil, err
	}

	reader := bufio.NewReaderSize(resp.Body, sniffLen)
	contentType := resp.Header.Get("Content-Type")
	if needsSniff(contentType) {
		// Peek は短いボディでも読み取れた分を返す
		head, _ := reader.Peek(sniffLen)
		contentType = mimetype.Detect(head).String()
	}

	filename := filenameFromDisposition(resp.Header.Get("Content-Disposition"))
	if filename == "" {
		filename = fallbackName
		if ext := mimetype.Lookup(baseMediaType(contentType)); ext != nil && ext.Extension() != "" {
			filename = strings.TrimSuffix(fallbackName, extOf(fallbackName)) + ext.Extension()
		}
	}

	size := int64(-1)
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			size = n
		}
	}

	return &Download{
		Body:        bufferedBody{Reader: reader, Closer: resp.Body},
		ContentType: contentType,
		Filename:    filename,
		Size:        size,
	}, nil
}

func needsSniff(contentType string) bool {
	base := baseMediaType(contentType)
	return base == "" || base == "application/octet-stream" || base == "binary/octet-stream"
}

func baseMediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	base, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return base
}

func filenameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}

func extOf(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i:]
	}
	return ""
}
