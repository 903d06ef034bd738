package portal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/emribilemir/atlas-ois-tracker/internal/config"
	"github.com/emribilemir/atlas-ois-tracker/internal/grades"
)

// Extractor fetches the exam results page with an authenticated session and
// turns it into grade records.
type Extractor struct {
	gradesURL *url.URL
	loginPath string
	userAgent string
}

func NewExtractor(cfg config.PortalConfig) (*Extractor, error) {
	gradesURL, err := resolve(cfg.BaseURL, cfg.GradesPath)
	if err != nil {
		return nil, fmt.Errorf("portal: grades url: %w", err)
	}
	loginURL, err := resolve(cfg.BaseURL, cfg.LoginPath)
	if err != nil {
		return nil, fmt.Errorf("portal: login url: %w", err)
	}
	return &Extractor{
		gradesURL: gradesURL,
		loginPath: strings.TrimRight(loginURL.Path, "/"),
		userAgent: cfg.UserAgent,
	}, nil
}

// Extract returns ErrSessionExpired when the portal answers as if logged out,
// a *ParseError when the page is not recognizable and a *TransportError for
// network or HTTP failures.
func (e *Extractor) Extract(ctx context.Context, s *Session) ([]grades.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.gradesURL.String(), nil)
	if err != nil {
		return nil, err
	}
	setBrowserHeaders(req, e.userAgent)

	resp, err := s.HTTPClient().Do(req)
	if err != nil {
		return nil, &TransportError{Op: "fetch grades", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, ErrSessionExpired
	case strings.TrimRight(resp.Request.URL.Path, "/") == e.loginPath:
		return nil, ErrSessionExpired
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &TransportError{Op: "fetch grades", Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "read grades", Err: err}
	}
	// Some portals render the login form in place instead of redirecting.
	if doc.Find("input[type=password]").Length() > 0 {
		return nil, ErrSessionExpired
	}
	return ParseGrades(doc)
}
