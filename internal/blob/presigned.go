package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/alexjbarnes/mirrorsync/internal/errors"
	"github.com/alexjbarnes/mirrorsync/internal/remote"
)

// Functions the backend exposes for presigned transfers.
const (
	FuncIssueUpload   = "issueUploadUrl"
	FuncIssueDownload = "issueDownloadUrl"
	FuncDeleteUpload  = "deleteUpload"
)

const maxDownloadBytes = 64 << 20

type uploadRequest struct {
	Key         string `json:"key"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

type uploadResponse struct {
	UploadURL string `json:"uploadUrl"`
	Ref       string `json:"ref"`
}

type keyRequest struct {
	Key string `json:"key"`
}

type downloadResponse struct {
	URL string `json:"url"`
}

// PresignedStore uploads through URLs issued by a backend function. The
// backend sees the declared size before issuing a URL and may refuse it
// when the account is over quota.
type PresignedStore struct {
	invoker    remote.Invoker
	httpClient *http.Client
}

func NewPresignedStore(invoker remote.Invoker, httpClient *http.Client) *PresignedStore {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &PresignedStore{invoker: invoker, httpClient: httpClient}
}

func invokeError(err error) error {
	var fe *remote.FunctionError
	if errors.As(err, &fe) {
		switch fe.Code {
		case remote.CodeResourceExhausted:
			return fmt.Errorf("%w: %s", apperrors.ErrQuotaDenied, fe.Message)
		case remote.CodeNotFound:
			return fmt.Errorf("%s: %w", fe.Message, apperrors.ErrNotFound)
		}
	}

	return err
}

func httpStatusError(op string, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, apperrors.ErrNotFound)
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %w", apperrors.ErrRemoteRequest, statusError(op, resp))
	default:
		return fmt.Errorf("%w: %w", apperrors.ErrPermanent, statusError(op, resp))
	}
}

func (p *PresignedStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var issued uploadResponse

	err := p.invoker.Invoke(ctx, FuncIssueUpload, uploadRequest{Key: key, ContentType: contentType, Size: int64(len(data))}, &issued)
	if err != nil {
		return "", invokeError(err)
	}

	if issued.UploadURL == "" {
		return "", fmt.Errorf("%w: no upload url issued for %s", apperrors.ErrRemoteResponse, key)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, issued.UploadURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("creating upload request: %w", err)
	}

	req.Header.Set("Content-Type", contentType)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: uploading %s: %w", apperrors.ErrRemoteRequest, key, err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", httpStatusError("upload "+key, resp)
	}

	if issued.Ref == "" {
		return key, nil
	}

	return issued.Ref, nil
}

func (p *PresignedStore) Get(ctx context.Context, key string) ([]byte, error) {
	var issued downloadResponse
	if err := p.invoker.Invoke(ctx, FuncIssueDownload, keyRequest{Key: key}, &issued); err != nil {
		return nil, invokeError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issued.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating download request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: downloading %s: %w", apperrors.ErrRemoteRequest, key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, httpStatusError("download "+key, resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", apperrors.ErrRemoteRequest, key, err)
	}

	return data, nil
}

func (p *PresignedStore) Delete(ctx context.Context, key string) error {
	if err := p.invoker.Invoke(ctx, FuncDeleteUpload, keyRequest{Key: key}, nil); err != nil {
		err = invokeError(err)
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil
		}

		return err
	}

	return nil
}
