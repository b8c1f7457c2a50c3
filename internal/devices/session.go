package devices

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// SessionClient is an http.Client with a cookie jar scoped to one
// device's web interface. Embedded printer web servers identify the
// session entirely by cookies, so the jar is the session.
type SessionClient struct {
	base   *url.URL
	client *http.Client
}

func NewSessionClient(baseURL string, timeout time.Duration) (*SessionClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &SessionClient{
		base: u,
		client: &http.Client{
			Jar:     jar,
			Timeout: timeout,
			// Embedded web UIs answer logins with redirects; follow
			// them so the jar collects every Set-Cookie along the way.
		},
	}, nil
}

// SetCookies seeds the jar before the first request. Printer firmware
// rejects logins that arrive without its expected browser cookies.
func (c *SessionClient) SetCookies(cookies map[string]string) {
	list := make([]*http.Cookie, 0, len(cookies))
	for k, v := range cookies {
		list = append(list, &http.Cookie{Name: k, Value: v, Path: "/"})
	}
	c.client.Jar.SetCookies(c.base, list)
}

// ClearCookies drops the session, forcing the next Authenticate to
// start from a clean jar.
func (c *SessionClient) ClearCookies() {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return
	}
	c.client.Jar = jar
}

// Get issues a GET against a path on the device.
func (c *SessionClient) Get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(path), nil)
	if err != nil {
		return nil, err
	}
	return c.client.Do(req)
}

// PostForm issues a form-encoded POST against a path on the device.
func (c *SessionClient) PostForm(ctx context.Context, path string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(path), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.client.Do(req)
}

// Post issues a POST with an arbitrary body and content type.
func (c *SessionClient) Post(ctx context.Context, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(path), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.client.Do(req)
}

// GetBasicAuth issues a GET with HTTP basic credentials.
func (c *SessionClient) GetBasicAuth(ctx context.Context, path, username, password string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(path), nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(username, password)
	return c.client.Do(req)
}

func (c *SessionClient) resolve(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return c.base.String() + path
	}
	return c.base.ResolveReference(ref).String()
}

// ReadBody drains and closes a response body, capped so a chatty
// device cannot balloon memory.
func ReadBody(resp *http.Response) string {
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ""
	}
	return string(b)
}
