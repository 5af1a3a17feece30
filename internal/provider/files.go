package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/anthropics/anthropic-sdk-go"
)

// filesBeta gates the Files API endpoints.
var filesBeta = []anthropic.AnthropicBeta{anthropic.AnthropicBetaFilesAPI2025_04_14}

// UploadFile pushes bytes to the provider's Files API and returns the
// provider file id. Files expire server-side after roughly 24 hours; the
// caller records the expiry on the metadata row.
func (c *Client) UploadFile(ctx context.Context, data []byte, filename, mime string) (string, error) {
	meta, err := c.api.Beta.Files.Upload(ctx, anthropic.BetaFileUploadParams{
		File:  anthropic.File(bytes.NewReader(data), filename, mime),
		Betas: filesBeta,
	})
	if err != nil {
		return "", fmt.Errorf("upload file %q: %w", filename, err)
	}
	return meta.ID, nil
}

// DownloadFile fetches a file's bytes back from the Files API.
func (c *Client) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	res, err := c.api.Beta.Files.Download(ctx, fileID, anthropic.BetaFileDownloadParams{
		Betas: filesBeta,
	})
	if err != nil {
		return nil, fmt.Errorf("download file %s: %w", fileID, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read file %s body: %w", fileID, err)
	}
	return data, nil
}

// NewDocumentBlock references an uploaded file as a document content block.
// File sources only exist on the beta message surface, which is why the
// whole message path goes through Beta.Messages.
func NewDocumentBlock(fileID string) anthropic.BetaContentBlockParamUnion {
	return anthropic.NewBetaDocumentBlock(anthropic.BetaFileDocumentSourceParam{
		FileID: fileID,
	})
}

// NewImageBlock references an uploaded file as an image content block.
func NewImageBlock(fileID string) anthropic.BetaContentBlockParamUnion {
	return anthropic.NewBetaImageBlock(anthropic.BetaFileImageSourceParam{
		FileID: fileID,
	})
}
