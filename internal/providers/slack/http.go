package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const apiBaseURL = "https://slack.com/api"

// ErrDownloadFailed marks a platform-side fault fetching file content.
// Callers treat it as not the user's doing.
var ErrDownloadFailed = errors.New("file_download_failed")

// HTTPProvider talks to the Slack Web API with the bot token.
type HTTPProvider struct {
	http     *http.Client
	log      *zap.Logger
	baseURL  string
	botToken string
}

func NewHTTP(botToken string, log *zap.Logger) *HTTPProvider {
	return &HTTPProvider{
		http:     &http.Client{Timeout: 30 * time.Second},
		log:      log.Named("providers.slack"),
		baseURL:  apiBaseURL,
		botToken: botToken,
	}
}

type apiEnvelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (p *HTTPProvider) PostReply(ctx context.Context, channelID, threadTS, text string) error {
	payload := map[string]any{
		"channel": channelID,
		"text":    text,
	}
	if threadTS != "" {
		payload["thread_ts"] = threadTS
	}

	var envelope apiEnvelope
	if err := p.postJSON(ctx, "/chat.postMessage", payload, &envelope); err != nil {
		return err
	}
	if !envelope.OK {
		return fmt.Errorf("chat.postMessage: %s", envelope.Error)
	}
	return nil
}

func (p *HTTPProvider) FileInfo(ctx context.Context, fileID string) (*File, error) {
	var response struct {
		apiEnvelope
		File struct {
			ID         string `json:"id"`
			Name       string `json:"name"`
			Mimetype   string `json:"mimetype"`
			Filetype   string `json:"filetype"`
			URLPrivate string `json:"url_private"`
			Size       int64  `json:"size"`
		} `json:"file"`
	}

	url := fmt.Sprintf("%s/files.info?file=%s", p.baseURL, fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.botToken)
	if err := p.do(req, &response); err != nil {
		return nil, err
	}
	if !response.OK {
		return nil, fmt.Errorf("files.info: %s", response.Error)
	}

	return &File{
		ID:         response.File.ID,
		Name:       response.File.Name,
		Mimetype:   response.File.Mimetype,
		Filetype:   response.File.Filetype,
		URLPrivate: response.File.URLPrivate,
		Size:       response.File.Size,
	}, nil
}

func (p *HTTPProvider) DownloadFile(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.botToken)

	resp, err := p.http.Do(req)
	if err != nil {
		p.log.Warn("file download failed", zap.Error(err))
		return nil, ErrDownloadFailed
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.log.Warn("file download rejected", zap.Int("status", resp.StatusCode))
		return nil, ErrDownloadFailed
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ErrDownloadFailed
	}
	return body, nil
}

func (p *HTTPProvider) PublishHomeView(ctx context.Context, userID string, view map[string]any) error {
	payload := map[string]any{
		"user_id": userID,
		"view":    view,
	}

	var envelope apiEnvelope
	if err := p.postJSON(ctx, "/views.publish", payload, &envelope); err != nil {
		return err
	}
	if !envelope.OK {
		return fmt.Errorf("views.publish: %s", envelope.Error)
	}
	return nil
}

func (p *HTTPProvider) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.botToken)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	return p.do(req, out)
}

func (p *HTTPProvider) do(req *http.Request, out any) error {
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack api %s: status %d", req.URL.Path, resp.StatusCode)
	}
	return json.Unmarshal(data, out)
}
