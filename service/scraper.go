package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// ProductInfo 商品页抓取结果
type ProductInfo struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Images      []string `json:"images"`
}

var scraperClient = &http.Client{Timeout: 30 * time.Second}

// ScrapeProduct 抓取商品页的标题/描述/图片。
// 优先取 Open Graph 元信息，取不到时退回常规标签。
func ScrapeProduct(ctx context.Context, pageURL string) (*ProductInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request failed: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; ProductToVideo/1.0)")

	resp, err := scraperClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch product page failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("product page status: %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse product page failed: %w", err)
	}

	info := &ProductInfo{}

	if v, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
		info.Title = strings.TrimSpace(v)
	}
	if info.Title == "" {
		info.Title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	if info.Title == "" {
		info.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}

	if v, ok := doc.Find(`meta[property="og:description"]`).Attr("content"); ok {
		info.Description = strings.TrimSpace(v)
	}
	if info.Description == "" {
		if v, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok {
			info.Description = strings.TrimSpace(v)
		}
	}

	seen := map[string]bool{}
	addImage := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			return
		}
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return
		}
		seen[u] = true
		info.Images = append(info.Images, u)
	}

	doc.Find(`meta[property="og:image"]`).Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr("content"); ok {
			addImage(v)
		}
	})
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		if len(info.Images) >= 8 {
			return
		}
		if v, ok := s.Attr("data-src"); ok {
			addImage(v)
		} else if v, ok := s.Attr("src"); ok {
			addImage(v)
		}
	})

	if info.Title == "" && len(info.Images) == 0 {
		return nil, fmt.Errorf("页面中没有可用的商品信息")
	}
	return info, nil
}
