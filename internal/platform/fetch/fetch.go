package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/net/html"

	"github.com/omopmeds/omopmeds/internal/config"
)

// IndexName names a download whose URL has no last path segment.
const IndexName = "index.html"

const chunkSize = 8 << 10

// SessionFactory builds the session used for one download entry.
type SessionFactory func(src config.Source) *Session

// Fetcher downloads dataset trees.
type Fetcher struct {
	log        zerolog.Logger
	newSession SessionFactory
}

// New returns a Fetcher. A nil factory gives every entry a session with the
// default user agent, basic auth from the entry and no timeout.
func New(logger zerolog.Logger, factory SessionFactory) *Fetcher {
	if factory == nil {
		factory = func(src config.Source) *Session {
			return NewSession(src.Username, src.Password, 0)
		}
	}
	return &Fetcher{log: logger, newSession: factory}
}

func get(ctx context.Context, rawURL string, s *Session) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	s.prepare(req)
	resp, err := s.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", rawURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &TransportError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// fileName is the last path segment of rawURL, or IndexName.
func fileName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return IndexName
	}
	p := u.Path
	if p == "" || strings.HasSuffix(p, "/") {
		return IndexName
	}
	name := path.Base(p)
	if name == "." || name == "/" {
		return IndexName
	}
	return name
}

// DownloadFile fetches rawURL into outputDir and returns the written path.
// The body is streamed into <name>.part and renamed once complete.
func DownloadFile(ctx context.Context, rawURL, outputDir string, s *Session) (string, error) {
	resp, err := get(ctx, rawURL, s)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", outputDir, err)
	}
	dst := filepath.Join(outputDir, fileName(rawURL))
	tmp := dst + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", tmp, err)
	}
	_, err = io.CopyBuffer(f, resp.Body, make([]byte, chunkSize))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("write %s: %w", dst, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return "", fmt.Errorf("rename %s: %w", tmp, err)
	}
	return dst, nil
}

// ---------------------------------------------------------------------------
// Crawl
// ---------------------------------------------------------------------------

type crawlItem struct {
	url *url.URL
	dir string
}

// Crawl mirrors the tree rooted at baseURL into outputDir. A baseURL without
// a trailing slash is a single file. Otherwise each listing page is parsed for
// anchors: links below the listing that end in "/" are crawled as
// subdirectories, other links below it are downloaded, and everything else
// (parent links, other hosts) is ignored. A query string on a directory link
// marks a re-sorted view of a listing (Apache's ?C=N;O=D) and is skipped; a
// file link keeps its query for the request and is saved under its path's
// last segment. Subdirectories are drained depth-first in page order and no
// URL is visited twice.
//
// Listing pages themselves are not written, so the local tree holds exactly
// the files of the remote one. Only a baseURL that names no file, fetched
// through DownloadFile, lands as index.html.
func (f *Fetcher) Crawl(ctx context.Context, baseURL, outputDir string, s *Session) error {
	if !strings.HasSuffix(baseURL, "/") {
		_, err := DownloadFile(ctx, baseURL, outputDir, s)
		return err
	}
	root, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("parse %s: %w", baseURL, err)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", outputDir, err)
	}

	visited := make(map[string]bool)
	stack := []crawlItem{{url: stripFragment(root), dir: outputDir}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		key := item.url.String()
		if visited[key] {
			continue
		}
		visited[key] = true

		links, err := listing(ctx, key, s)
		if err != nil {
			return err
		}
		var subdirs []crawlItem
		for _, href := range links {
			ref, err := url.Parse(href)
			if err != nil {
				f.log.Debug().Str("href", href).Msg("skipping unparseable link")
				continue
			}
			abs := stripFragment(item.url.ResolveReference(ref))
			target := abs.String()
			if isListingView(abs) || target == key || !strings.HasPrefix(target, key) || visited[target] {
				f.log.Debug().Str("url", target).Msg("skipping link")
				continue
			}
			rel := strings.TrimPrefix(abs.EscapedPath(), item.url.EscapedPath())
			if strings.HasSuffix(rel, "/") {
				name, err := url.PathUnescape(strings.TrimSuffix(rel, "/"))
				if err != nil {
					name = strings.TrimSuffix(rel, "/")
				}
				dir := filepath.Join(item.dir, filepath.FromSlash(name))
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create %s: %w", dir, err)
				}
				subdirs = append(subdirs, crawlItem{url: abs, dir: dir})
				continue
			}
			visited[target] = true
			dst := item.dir
			if d := path.Dir(rel); d != "." {
				dst = filepath.Join(item.dir, filepath.FromSlash(d))
			}
			written, err := DownloadFile(ctx, target, dst, s)
			if err != nil {
				return err
			}
			f.log.Debug().Str("url", target).Str("path", written).Msg("downloaded")
		}
		for i := len(subdirs) - 1; i >= 0; i-- {
			stack = append(stack, subdirs[i])
		}
	}
	return nil
}

// isListingView reports a directory URL carrying a query, such as a sort
// link on an index page.
func isListingView(u *url.URL) bool {
	return u.RawQuery != "" && strings.HasSuffix(u.Path, "/")
}

func stripFragment(u *url.URL) *url.URL {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return &c
}

// listing returns the href of every anchor on the page at rawURL.
func listing(ctx context.Context, rawURL string, s *Session) ([]string, error) {
	resp, err := get(ctx, rawURL, s)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var hrefs []string
	z := html.NewTokenizer(resp.Body)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("parse listing %s: %w", rawURL, err)
			}
			return hrefs, nil
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if tok.Data != "a" {
				continue
			}
			for _, a := range tok.Attr {
				if a.Key == "href" && a.Val != "" {
					hrefs = append(hrefs, a.Val)
				}
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Dataset download
// ---------------------------------------------------------------------------

// DownloadData crawls every source of the dataset (the demo list when demo
// is set, then the common list) into outputDir, one session per source. The
// first failure stops the run.
func (f *Fetcher) DownloadData(ctx context.Context, outputDir string, info *config.DatasetInfo, demo bool) error {
	sources := info.Sources(demo)
	if len(sources) == 0 {
		f.log.Warn().Bool("demo", demo).Msg("no download urls configured")
		return nil
	}
	for _, src := range sources {
		f.log.Info().Str("url", src.URL).Bool("auth", src.Username != "").Msg("downloading")
		if err := f.Crawl(ctx, src.URL, outputDir, f.newSession(src)); err != nil {
			return fmt.Errorf("failed to download data from %s: %w", src.URL, err)
		}
	}
	return nil
}
