package slack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	slackapi "github.com/slack-go/slack"

	kit "threadflow/internal/transport"
	logx "threadflow/pkg/logx"
)

type Config struct {
	Token string

	// UploadTimeout bounds the raw content transfer to the upload slot.
	// Defaults to 60s; API calls carry their own caller-side contexts.
	UploadTimeout time.Duration
}

// Adapter implements transport.Messenger on top of the Slack Web API.
//
// Rate-limit rejections (HTTP 429) are normalized to transport.RateLimited
// so the delivery engine can apply its retry/throttle policies without
// knowing about Slack error types.
type Adapter struct {
	cfg    Config
	log    logx.Logger
	client *slackapi.Client
	http   *http.Client
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("slack token is empty")
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 60 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		cfg:    cfg,
		log:    log,
		client: slackapi.New(cfg.Token),
		http:   &http.Client{Timeout: cfg.UploadTimeout},
	}, nil
}

func (a *Adapter) PostMessage(ctx context.Context, channel, text string, rich any) (kit.MessageRef, error) {
	opts := msgOptions(text, rich)
	ch, ts, err := a.client.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return kit.MessageRef{}, wrapErr("chat.postMessage", err)
	}
	return kit.MessageRef{Channel: ch, ID: ts}, nil
}

func (a *Adapter) UpdateMessage(ctx context.Context, ref kit.MessageRef, text string, rich any) error {
	opts := msgOptions(text, rich)
	_, _, _, err := a.client.UpdateMessageContext(ctx, ref.Channel, ref.ID, opts...)
	return wrapErr("chat.update", err)
}

func (a *Adapter) DeleteMessage(ctx context.Context, ref kit.MessageRef) error {
	_, _, err := a.client.DeleteMessageContext(ctx, ref.Channel, ref.ID)
	return wrapErr("chat.delete", err)
}

func (a *Adapter) RequestUploadSlot(ctx context.Context, filename string, size int) (kit.UploadSlot, error) {
	resp, err := a.client.GetUploadURLExternalContext(ctx, slackapi.GetUploadURLExternalParameters{
		FileName: filename,
		FileSize: size,
	})
	if err != nil {
		return kit.UploadSlot{}, wrapErr("files.getUploadURLExternal", err)
	}
	return kit.UploadSlot{URL: resp.UploadURL, FileID: resp.FileID}, nil
}

func (a *Adapter) TransferContent(ctx context.Context, slot kit.UploadSlot, content []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, slot.URL, bytes.NewReader(content))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload transfer: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusTooManyRequests {
		return kit.RateLimited(fmt.Errorf("upload transfer: status %d", resp.StatusCode), retryAfterHeader(resp))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upload transfer: status %d", resp.StatusCode)
	}
	return nil
}

func (a *Adapter) FinalizeUpload(ctx context.Context, fileID, channel, comment string) error {
	_, err := a.client.CompleteUploadExternalContext(ctx, slackapi.CompleteUploadExternalParameters{
		Files:          []slackapi.FileSummary{{ID: fileID}},
		Channel:        channel,
		InitialComment: comment,
	})
	return wrapErr("files.completeUploadExternal", err)
}

func (a *Adapter) FileMetadata(ctx context.Context, fileID string) (kit.FileInfo, error) {
	file, _, _, err := a.client.GetFileInfoContext(ctx, fileID, 0, 0)
	if err != nil {
		return kit.FileInfo{}, wrapErr("files.info", err)
	}

	info := kit.FileInfo{ID: file.ID}
	for ch := range file.Shares.Public {
		info.SharedIn = append(info.SharedIn, ch)
	}
	for ch := range file.Shares.Private {
		info.SharedIn = append(info.SharedIn, ch)
	}
	return info, nil
}

func msgOptions(text string, rich any) []slackapi.MsgOption {
	opts := []slackapi.MsgOption{slackapi.MsgOptionText(text, false)}
	if blocks, ok := rich.([]slackapi.Block); ok && len(blocks) > 0 {
		opts = append(opts, slackapi.MsgOptionBlocks(blocks...))
	}
	return opts
}

// wrapErr tags the failing Web API method and normalizes 429s.
func wrapErr(method string, err error) error {
	if err == nil {
		return nil
	}
	var rle *slackapi.RateLimitedError
	if errors.As(err, &rle) {
		return kit.RateLimited(fmt.Errorf("%s: %w", method, err), rle.RetryAfter)
	}
	return fmt.Errorf("%s: %w", method, err)
}

func retryAfterHeader(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
