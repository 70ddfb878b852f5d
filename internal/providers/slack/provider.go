// Package slack is the messaging surface back into the workspace.
package slack

import "context"

// File is the platform's metadata for an uploaded file.
type File struct {
	ID         string
	Name       string
	Mimetype   string
	Filetype   string
	URLPrivate string
	Size       int64
}

type Provider interface {
	// PostReply posts text into a channel, threaded when threadTS is set.
	PostReply(ctx context.Context, channelID, threadTS, text string) error

	// FileInfo resolves an uploaded file's metadata and download URL.
	FileInfo(ctx context.Context, fileID string) (*File, error)

	// DownloadFile fetches the private file content with bot credentials.
	DownloadFile(ctx context.Context, url string) ([]byte, error)

	// PublishHomeView renders the per-user app home tab.
	PublishHomeView(ctx context.Context, userID string, view map[string]any) error
}

type NoOpProvider struct{}

func (p *NoOpProvider) PostReply(ctx context.Context, channelID, threadTS, text string) error {
	return nil
}

func (p *NoOpProvider) FileInfo(ctx context.Context, fileID string) (*File, error) {
	return &File{ID: fileID}, nil
}

func (p *NoOpProvider) DownloadFile(ctx context.Context, url string) ([]byte, error) {
	return nil, nil
}

func (p *NoOpProvider) PublishHomeView(ctx context.Context, userID string, view map[string]any) error {
	return nil
}
