// SPDX-License-Identifier: MPL-2.0

package proxy

import (
	"errors"
	"fmt"
	"html"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"gosh-builder/internal/gitcache"
	"gosh-builder/internal/ledger"
)

// handleDumb serves the static files of a cached repository for the dumb
// git HTTP protocol. Directories are rendered as an HTML index.
func (s *Service) handleDumb(c *gin.Context) {
	remote := s.cfg.RemoteURL(c.Param("contract"), c.Param("dao"), c.Param("repo"))

	root, err := s.registry.ExposeDumb(c.Request.Context(), remote)
	if err != nil {
		s.logger.Error("expose repository", "remote", remote, "error", err)
		code := http.StatusInternalServerError
		if gitcache.IsNotFound(err) {
			code = http.StatusNotFound
		}
		c.String(code, "%s\n", http.StatusText(code))
		return
	}

	target, ok := resolveWithin(root, c.Param("path"))
	if !ok {
		c.String(http.StatusNotFound, "%s\n", http.StatusText(http.StatusNotFound))
		return
	}

	info, err := os.Stat(target)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, fs.ErrNotExist) {
			code = http.StatusNotFound
		}
		c.String(code, "%s\n", http.StatusText(code))
		return
	}

	if info.IsDir() {
		body, err := directoryListing(target, c.Request.URL.Path)
		if err != nil {
			c.String(http.StatusInternalServerError, "%s\n", http.StatusText(http.StatusInternalServerError))
			return
		}
		s.record(ledger.Repository, remote)
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(body))
		return
	}

	s.record(ledger.Repository, remote)
	c.File(target)
}

// resolveWithin joins the request path onto root, refusing paths that
// escape it.
func resolveWithin(root, reqPath string) (string, bool) {
	clean := path.Clean("/" + reqPath)
	target := filepath.Join(root, filepath.FromSlash(clean))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return target, true
}

// directoryListing renders dir as an HTML index. Links are relative to the
// request path; directory names get a trailing slash.
func directoryListing(dir, reqPath string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	var items strings.Builder
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		name := e.Name()
		link := path.Join("/", reqPath, name)
		label := html.EscapeString(name)
		if info.IsDir() {
			link += "/"
			label += "/"
		}
		fmt.Fprintf(&items, `<li><a href="%s">%s</a></li>`, (&url.URL{Path: link}).EscapedPath(), label)
	}

	title := "Index of " + html.EscapeString(reqPath)
	return fmt.Sprintf("<html><head><title>%s</title></head><body><h1>%s</h1><ul>%s</ul></body>\n</html>",
		title, title, items.String()), nil
}
