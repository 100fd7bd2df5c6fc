// Package mirror serves a local dataset directory the way dataset hosts do:
// plain files plus HTML index pages for directories. It backs the
// serve-mirror command and the crawler tests.
package mirror

import (
	"crypto/subtle"
	"errors"
	"html/template"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
)

// Options configures a mirror server.
type Options struct {
	// Username enables basic auth when set.
	Username string
	Password string
}

var listingTmpl = template.Must(template.New("listing").Parse(`<!DOCTYPE html>
<html>
<head><title>Index of {{.Path}}</title></head>
<body>
<h1>Index of {{.Path}}</h1>
<p><a href="?C=N;O=D">Name</a> <a href="?C=S;O=A">Size</a></p>
<hr>
<pre>
{{- if ne .Path "/"}}
<a href="../">Parent Directory</a>{{end}}
{{- range .Entries}}
<a href="{{.Href}}">{{.Name}}</a>{{if not .Dir}} {{.Size}}{{end}}{{end}}
</pre>
<hr>
</body>
</html>
`))

type entry struct {
	Name string
	Href string
	Dir  bool
	Size int64
}

type listingPage struct {
	Path    string
	Entries []entry
}

type renderer struct{}

func (renderer) Render(w io.Writer, name string, data interface{}, _ echo.Context) error {
	return listingTmpl.ExecuteTemplate(w, name, data)
}

type handler struct {
	root string
}

// New returns an echo server exposing root.
func New(root string, opts Options, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Renderer = renderer{}

	e.Use(Recovery(logger))
	e.Use(RequestID())
	e.Use(Logger(logger))
	if opts.Username != "" {
		e.Use(echomw.BasicAuth(func(user, pass string, _ echo.Context) (bool, error) {
			okUser := subtle.ConstantTimeCompare([]byte(user), []byte(opts.Username)) == 1
			okPass := subtle.ConstantTimeCompare([]byte(pass), []byte(opts.Password)) == 1
			return okUser && okPass, nil
		}))
	}

	h := &handler{root: root}
	e.GET("/*", h.serve)
	e.HEAD("/*", h.serve)
	return e
}

func (h *handler) serve(c echo.Context) error {
	urlPath := c.Request().URL.Path
	clean := path.Clean("/" + urlPath)
	fp := filepath.Join(h.root, filepath.FromSlash(clean))

	info, err := os.Stat(fp)
	if errors.Is(err, fs.ErrNotExist) {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return c.File(fp)
	}
	if !strings.HasSuffix(urlPath, "/") {
		return c.Redirect(http.StatusMovedPermanently, urlPath+"/")
	}

	dirents, err := os.ReadDir(fp)
	if err != nil {
		return err
	}
	page := listingPage{Path: strings.TrimSuffix(clean, "/") + "/"}
	for _, d := range dirents {
		if strings.HasPrefix(d.Name(), ".") {
			continue
		}
		en := entry{Name: d.Name(), Href: url.PathEscape(d.Name()), Dir: d.IsDir()}
		if en.Dir {
			en.Name += "/"
			en.Href += "/"
		} else if fi, err := d.Info(); err == nil {
			en.Size = fi.Size()
		}
		page.Entries = append(page.Entries, en)
	}
	sort.Slice(page.Entries, func(i, j int) bool { return page.Entries[i].Name < page.Entries[j].Name })
	return c.Render(http.StatusOK, "listing", page)
}
