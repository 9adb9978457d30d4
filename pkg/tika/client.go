// Package tika 提供了一个与 Apache Tika 服务器交互的客户端。
package tika

import (
	"context"
	"fmt"
	"html"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"

	"regaudit-go/internal/config"
)

// Client 是 Tika 服务器的客户端。
type Client struct {
	serverURL  string
	httpClient *http.Client
}

// NewClient 创建一个新的 Tika 客户端实例。
func NewClient(cfg config.TikaConfig) *Client {
	return &Client{serverURL: strings.TrimRight(cfg.ServerURL, "/"), httpClient: &http.Client{}}
}

// ExtractText 自动根据文件后缀推断 MIME 类型，并调用 Tika 提取纯文本。
func (c *Client) ExtractText(ctx context.Context, fileReader io.Reader, fileName string) (string, error) {
	return c.extract(ctx, fileReader, fileName, "text/plain")
}

// ExtractPages 以 XHTML 形式提取文本并按页拆分。
// Tika 对 PDF 输出 <div class="page">，其他格式没有分页时整篇作为一页返回。
func (c *Client) ExtractPages(ctx context.Context, fileReader io.Reader, fileName string) ([]string, error) {
	body, err := c.extract(ctx, fileReader, fileName, "text/html")
	if err != nil {
		return nil, err
	}
	return SplitPages(body), nil
}

func (c *Client) extract(ctx context.Context, fileReader io.Reader, fileName, accept string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.serverURL+"/tika", fileReader)
	if err != nil {
		return "", fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("Content-Type", detectMimeType(fileName))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("调用 Tika 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("tika returned status %d: %s", resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("读取 Tika 响应失败: %w", err)
	}
	return string(data), nil
}

var (
	pageDivRe    = regexp.MustCompile(`(?is)<div[^>]*class="page"[^>]*>`)
	bodyRe       = regexp.MustCompile(`(?is)<body[^>]*>(.*)</body>`)
	blockCloseRe = regexp.MustCompile(`(?i)</(p|div|h[1-6]|li|tr|br)>|<br\s*/?>`)
	tagRe        = regexp.MustCompile(`(?s)<[^>]+>`)
	blankLinesRe = regexp.MustCompile(`\n{2,}`)
)

// SplitPages 把 Tika 的 XHTML 输出拆成逐页的纯文本。
func SplitPages(xhtml string) []string {
	body := xhtml
	if m := bodyRe.FindStringSubmatch(xhtml); m != nil {
		body = m[1]
	}

	locs := pageDivRe.FindAllStringIndex(body, -1)
	if len(locs) == 0 {
		text := stripTags(body)
		if text == "" {
			return []string{}
		}
		return []string{text}
	}

	pages := make([]string, 0, len(locs))
	for i, loc := range locs {
		end := len(body)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		pages = append(pages, stripTags(body[loc[1]:end]))
	}
	return pages
}

func stripTags(fragment string) string {
	text := blockCloseRe.ReplaceAllString(fragment, "\n")
	text = tagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = blankLinesRe.ReplaceAllString(text, "\n")
	return strings.TrimSpace(text)
}

// detectMimeType 根据文件扩展名判断 Content-Type
func detectMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	mimeType := mime.TypeByExtension(ext)
	if mimeType == "" {
		return "application/octet-stream"
	}
	return mimeType
}
