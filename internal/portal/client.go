package portal

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/singleflight"

	"github.com/emribilemir/atlas-ois-tracker/internal/captcha"
	"github.com/emribilemir/atlas-ois-tracker/internal/config"
)

// Login form field ids on the portal.
const (
	usernameFieldID = "kullanici_adi"
	passwordFieldID = "kullanici_sifre"
	captchaFieldID  = "captcha"
	captchaImageID  = "img_captcha"
)

const maxCaptchaBytes = 1 << 20

var (
	errCaptchaUnreadable = errors.New("captcha: no usable OCR guess")
	errCaptchaRejected   = errors.New("captcha: rejected by portal")
)

// Credentials are the student's portal login. Fixed for the process lifetime.
type Credentials struct {
	Username string
	Password string
}

// Session is an authenticated cookie jar. It stays in use until a request
// made with it comes back unauthenticated.
type Session struct {
	client    *http.Client
	CreatedAt time.Time
}

// HTTPClient returns the client carrying the session cookies.
func (s *Session) HTTPClient() *http.Client { return s.client }

// Client logs into the portal and keeps the resulting session. Only one
// login runs at a time; concurrent callers share its outcome.
type Client struct {
	cfg       config.PortalConfig
	loginURL  *url.URL
	creds     Credentials
	solver    captcha.Solver
	transport http.RoundTripper // nil uses http.DefaultTransport

	mu      sync.Mutex
	current *Session

	group  singleflight.Group
	logins atomic.Int64
}

func NewClient(cfg config.PortalConfig, creds Credentials, solver captcha.Solver) (*Client, error) {
	loginURL, err := resolve(cfg.BaseURL, cfg.LoginPath)
	if err != nil {
		return nil, fmt.Errorf("portal: login url: %w", err)
	}
	if creds.Username == "" || creds.Password == "" {
		return nil, errors.New("portal: credentials required")
	}
	if solver == nil {
		return nil, errors.New("portal: captcha solver required")
	}
	if cfg.MaxLoginAttempts <= 0 {
		cfg.MaxLoginAttempts = 1
	}
	return &Client{
		cfg:      cfg,
		loginURL: loginURL,
		creds:    creds,
		solver:   solver,
	}, nil
}

// EnsureValid returns the held session, logging in first when there is none.
func (c *Client) EnsureValid(ctx context.Context) (*Session, error) {
	if s := c.Current(); s != nil {
		return s, nil
	}
	v, err, _ := c.group.Do("login", func() (interface{}, error) {
		if s := c.Current(); s != nil {
			return s, nil
		}
		s, err := c.Login(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Current returns the held session or nil when it is invalid.
func (c *Client) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Invalidate drops s if it is still the held session. A session replaced by
// a newer login is left alone.
func (c *Client) Invalidate(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s != nil && c.current == s {
		c.current = nil
		log.Printf("[portal] session from %s invalidated", s.CreatedAt.Format(time.RFC3339))
	}
}

// LoginCount reports how many login sequences have been started.
func (c *Client) LoginCount() int64 { return c.logins.Load() }

// Login runs up to MaxLoginAttempts CAPTCHA attempts, each with a fresh page
// and image, and stores the resulting session.
func (c *Client) Login(ctx context.Context) (*Session, error) {
	c.logins.Add(1)
	attempts := c.cfg.MaxLoginAttempts

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &TransportError{Op: "login", Err: err}
		}
		s, err := c.attempt(ctx)
		if err == nil {
			log.Printf("[portal] logged in on attempt %d/%d", attempt, attempts)
			c.mu.Lock()
			c.current = s
			c.mu.Unlock()
			return s, nil
		}
		var authErr *AuthError
		if errors.As(err, &authErr) {
			authErr.Attempts = attempt
			log.Printf("[portal] login rejected: %v", err)
			return nil, authErr
		}
		lastErr = err
		log.Printf("[portal] login attempt %d/%d failed: %v", attempt, attempts, err)
	}
	return nil, &AuthError{Reason: CaptchaExhausted, Attempts: attempts, Err: lastErr}
}

func (c *Client) attempt(ctx context.Context) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	hc := &http.Client{
		Jar:       jar,
		Timeout:   c.cfg.RequestTimeout,
		Transport: c.transport,
	}

	// Step 1: login page for cookies, hidden fields and the CAPTCHA location.
	resp, err := c.do(ctx, hc, http.MethodGet, c.loginURL.String(), nil, "")
	if err != nil {
		return nil, &TransportError{Op: "fetch login page", Err: err}
	}
	doc, err := readDocument(resp)
	if err != nil {
		return nil, &TransportError{Op: "fetch login page", Err: err}
	}
	pageURL := resp.Request.URL

	form := doc.Find("form").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.Find("input[type=password]").Length() > 0
	}).First()
	if form.Length() == 0 {
		return nil, &ParseError{Page: "login", Reason: "login form not found"}
	}

	// Step 2: CAPTCHA image, fetched with the same cookies so it belongs to this form.
	img, err := c.fetchCaptcha(ctx, hc, doc, pageURL)
	if err != nil {
		return nil, err
	}
	text := c.solver.Solve(ctx, img)
	if text == "" {
		return nil, errCaptchaUnreadable
	}

	// Step 3: submit.
	values := url.Values{}
	form.Find("input[type=hidden]").Each(func(_ int, s *goquery.Selection) {
		if name, ok := s.Attr("name"); ok && name != "" {
			values.Set(name, s.AttrOr("value", ""))
		}
	})
	values.Set(fieldName(form, usernameFieldID), c.creds.Username)
	values.Set(fieldName(form, passwordFieldID), c.creds.Password)
	values.Set(fieldName(form, captchaFieldID), text)

	action := pageURL
	if a := strings.TrimSpace(form.AttrOr("action", "")); a != "" {
		if u, err := pageURL.Parse(a); err == nil {
			action = u
		}
	}

	resp, err = c.do(ctx, hc, http.MethodPost, action.String(), strings.NewReader(values.Encode()), pageURL.String())
	if err != nil {
		return nil, &TransportError{Op: "submit login", Err: err}
	}
	finalURL := resp.Request.URL
	doc, err = readDocument(resp)
	if err != nil {
		return nil, &TransportError{Op: "submit login", Err: err}
	}

	if !c.isLoginPath(finalURL) {
		return &Session{client: hc, CreatedAt: time.Now()}, nil
	}

	msg := loginErrorText(doc)
	if c.isCredentialError(msg) {
		return nil, &AuthError{Reason: BadCredentials, Err: fmt.Errorf("portal says %q", msg)}
	}
	if msg != "" {
		return nil, fmt.Errorf("%w: %q", errCaptchaRejected, msg)
	}
	return nil, errCaptchaRejected
}

func (c *Client) fetchCaptcha(ctx context.Context, hc *http.Client, doc *goquery.Document, pageURL *url.URL) ([]byte, error) {
	src := strings.TrimSpace(doc.Find("#" + captchaImageID).AttrOr("src", ""))
	if src == "" {
		src = c.cfg.CaptchaPath
	}
	if strings.HasPrefix(src, "data:") {
		i := strings.Index(src, ";base64,")
		if i < 0 {
			return nil, &ParseError{Page: "login", Reason: "unsupported inline captcha encoding"}
		}
		data, err := base64.StdEncoding.DecodeString(src[i+len(";base64,"):])
		if err != nil {
			return nil, &ParseError{Page: "login", Reason: "bad inline captcha: " + err.Error()}
		}
		return data, nil
	}

	imgURL, err := pageURL.Parse(src)
	if err != nil {
		return nil, &ParseError{Page: "login", Reason: "bad captcha src " + src}
	}
	resp, err := c.do(ctx, hc, http.MethodGet, imgURL.String(), nil, pageURL.String())
	if err != nil {
		return nil, &TransportError{Op: "fetch captcha", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Op: "fetch captcha", Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCaptchaBytes))
	if err != nil {
		return nil, &TransportError{Op: "fetch captcha", Err: err}
	}
	return data, nil
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, target string, body io.Reader, referer string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	setBrowserHeaders(req, c.cfg.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	return hc.Do(req)
}

func (c *Client) isLoginPath(u *url.URL) bool {
	return strings.TrimRight(u.Path, "/") == strings.TrimRight(c.loginURL.Path, "/")
}

func (c *Client) isCredentialError(msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)
	if containsAny(lower, c.cfg.CaptchaErrorMarkers) {
		return false
	}
	return containsAny(lower, c.cfg.CredentialErrorMarkers)
}

func containsAny(lower string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// setBrowserHeaders makes requests look like a regular browser; the portal
// answers bare clients with 403.
func setBrowserHeaders(req *http.Request, userAgent string) {
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "tr-TR,tr;q=0.9,en-US;q=0.8,en;q=0.7")
}

func readDocument(resp *http.Response) (*goquery.Document, error) {
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return goquery.NewDocumentFromReader(resp.Body)
}

// fieldName returns the submitted name of the input with the given id.
func fieldName(form *goquery.Selection, id string) string {
	return form.Find("#" + id).AttrOr("name", id)
}

// loginErrorText collects visible error messages from a failed login page.
func loginErrorText(doc *goquery.Document) string {
	var parts []string
	doc.Find(".alert-danger, .alert, .error, .invalid-feedback, .text-danger, .help-block").Each(func(_ int, s *goquery.Selection) {
		if t := strings.Join(strings.Fields(s.Text()), " "); t != "" {
			parts = append(parts, t)
		}
	})
	return strings.Join(parts, " ")
}

func resolve(base, path string) (*url.URL, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", base)
	}
	return u.Parse(path)
}
