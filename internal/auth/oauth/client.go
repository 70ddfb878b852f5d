// Package oauth implements the Slack OAuth v2 code exchange.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/summarly/internal/config"
	"go.uber.org/zap"
)

const defaultBaseURL = "https://slack.com/api"

// Identity is the verified subject returned by the platform after a
// successful code exchange.
type Identity struct {
	UserID      string
	TeamID      string
	Email       string
	DisplayName string
}

// Client exchanges authorization codes for verified identities.
type Client interface {
	// AuthorizeURL builds the platform consent URL for the login redirect.
	AuthorizeURL(state string) string

	// ExchangeCode performs oauth.v2.access followed by users.identity.
	ExchangeCode(ctx context.Context, code string) (*Identity, error)
}

type client struct {
	http    *http.Client
	log     *zap.Logger
	baseURL string
	cfg     config.Config
}

func NewClient(cfg config.Config, log *zap.Logger) Client {
	return &client{
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log.Named("auth.oauth"),
		baseURL: defaultBaseURL,
		cfg:     cfg,
	}
}

func (c *client) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("client_id", c.cfg.SlackClientID)
	q.Set("user_scope", "identity.basic,identity.email")
	q.Set("redirect_uri", c.cfg.SlackRedirectURI)
	if state != "" {
		q.Set("state", state)
	}
	return "https://slack.com/oauth/v2/authorize?" + q.Encode()
}

type accessResponse struct {
	OK         bool   `json:"ok"`
	Error      string `json:"error"`
	AuthedUser struct {
		ID          string `json:"id"`
		AccessToken string `json:"access_token"`
	} `json:"authed_user"`
	Team struct {
		ID string `json:"id"`
	} `json:"team"`
}

type identityResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	User  struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"user"`
	Team struct {
		ID string `json:"id"`
	} `json:"team"`
}

func (c *client) ExchangeCode(ctx context.Context, code string) (*Identity, error) {
	form := url.Values{}
	form.Set("client_id", c.cfg.SlackClientID)
	form.Set("client_secret", c.cfg.SlackClientSecret)
	form.Set("code", code)
	if c.cfg.SlackRedirectURI != "" {
		form.Set("redirect_uri", c.cfg.SlackRedirectURI)
	}

	var access accessResponse
	if err := c.postForm(ctx, "/oauth.v2.access", form, &access); err != nil {
		return nil, err
	}
	if !access.OK {
		c.log.Warn("code exchange rejected", zap.String("error", access.Error))
		return nil, fmt.Errorf("oauth.v2.access: %s", access.Error)
	}
	if access.AuthedUser.ID == "" || access.AuthedUser.AccessToken == "" {
		return nil, fmt.Errorf("oauth.v2.access: missing authed_user")
	}

	var ident identityResponse
	if err := c.getJSON(ctx, "/users.identity", access.AuthedUser.AccessToken, &ident); err != nil {
		return nil, err
	}
	if !ident.OK {
		c.log.Warn("identity lookup rejected", zap.String("error", ident.Error))
		return nil, fmt.Errorf("users.identity: %s", ident.Error)
	}

	teamID := ident.Team.ID
	if teamID == "" {
		teamID = access.Team.ID
	}
	return &Identity{
		UserID:      access.AuthedUser.ID,
		TeamID:      teamID,
		Email:       ident.User.Email,
		DisplayName: ident.User.Name,
	}, nil
}

func (c *client) postForm(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

func (c *client) getJSON(ctx context.Context, path, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return c.do(req, out)
}

func (c *client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack api %s: status %d", req.URL.Path, resp.StatusCode)
	}
	return json.Unmarshal(body, out)
}
