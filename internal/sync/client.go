// Package sync exchanges changesets and blobs with peer instances over the RPC surface.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mbme/arhiv-sub003/internal/auth"
	"github.com/mbme/arhiv-sub003/internal/blobs"
	"github.com/mbme/arhiv-sub003/internal/entities"
)

const (
	// DefaultRPCTimeout bounds a single RPC call.
	DefaultRPCTimeout  = 30 * time.Second
	changesetFormField = "changeset"
	maxErrorBodyBytes  = 4096
)

var (
	// ErrVersionMismatch indicates a peer running another data version.
	ErrVersionMismatch = errors.New("sync: data version mismatch")
	// ErrBlobMismatch indicates downloaded bytes that do not hash to the requested blob id.
	ErrBlobMismatch = errors.New("sync: blob content mismatch")
	errMissingBaseURL = errors.New("sync: peer url is required")
	errMissingIssuer  = errors.New("sync: token issuer is required")
)

// RemoteError is a non-2xx RPC response.
type RemoteError struct {
	Status int
	Code   string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("sync: peer responded with status %d", e.Status)
	}
	return fmt.Sprintf("sync: peer responded with status %d: %s", e.Status, e.Code)
}

// ClientConfig configures a Client for one peer.
type ClientConfig struct {
	BaseURL     string
	Tokens      *auth.TokenIssuer
	InstanceID  entities.InstanceID
	DataVersion uint8
	Timeout     time.Duration
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Client calls the RPC endpoints of one peer. Every call is bounded by the configured timeout.
type Client struct {
	baseURL     *url.URL
	tokens      *auth.TokenIssuer
	instanceID  entities.InstanceID
	dataVersion uint8
	timeout     time.Duration
	http        *http.Client
	logger      *zap.Logger
}

// NewClient validates cfg.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("sync: invalid peer url: %w", err)
	}
	if cfg.Tokens == nil {
		return nil, errMissingIssuer
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:     baseURL,
		tokens:      cfg.Tokens,
		instanceID:  cfg.InstanceID,
		dataVersion: cfg.DataVersion,
		timeout:     timeout,
		http:        httpClient,
		logger:      logger.With(zap.String("peer_url", baseURL.String())),
	}, nil
}

// BaseURL returns the peer address.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Ping fetches the peer's handshake.
func (c *Client) Ping(ctx context.Context) (entities.Ping, error) {
	var ping entities.Ping
	err := c.getJSON(ctx, "/rpc/ping", nil, &ping)
	return ping, err
}

// GetChangeset fetches the peer's committed documents not covered by baseRev.
func (c *Client) GetChangeset(ctx context.Context, baseRev entities.Revision) (entities.Changeset, error) {
	var changeset entities.Changeset
	query := url.Values{"base_rev": []string{baseRev.String()}}
	if err := c.getJSON(ctx, "/rpc/changeset", query, &changeset); err != nil {
		return entities.Changeset{}, err
	}
	c.logger.Debug("changeset fetched", zap.String("base_rev", baseRev.String()), zap.Int("documents", len(changeset.Documents)))
	return changeset, nil
}

// DownloadBlob streams a blob from the peer into target and checks its content address.
func (c *Client) DownloadBlob(ctx context.Context, blobID entities.BlobID, target *blobs.Store) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := c.newRequest(ctx, http.MethodGet, "/rpc/blobs/"+blobID.String(), nil, nil)
	if err != nil {
		return err
	}
	response, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("sync: download blob %s: %w", blobID, err)
	}
	defer response.Body.Close()
	if err := checkResponse(response); err != nil {
		return err
	}

	stored, err := target.PutReader(response.Body)
	if err != nil {
		return fmt.Errorf("sync: store blob %s: %w", blobID, err)
	}
	if stored != blobID {
		return fmt.Errorf("%w: requested %s, received %s", ErrBlobMismatch, blobID, stored)
	}
	c.logger.Debug("blob downloaded", zap.String("blob_id", blobID.String()))
	return nil
}

// PushChangeset uploads changeset and the files in attachments to the peer, which must be
// the prime. Attachments map blob ids to local file paths.
func (c *Client) PushChangeset(ctx context.Context, changeset entities.Changeset, attachments map[entities.BlobID]string) (entities.ChangesetResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, writer := io.Pipe()
	form := multipart.NewWriter(writer)
	go func() {
		writer.CloseWithError(writeChangesetForm(form, changeset, attachments))
	}()

	request, err := c.newRequest(ctx, http.MethodPost, "/rpc/changeset", nil, body)
	if err != nil {
		_ = body.Close()
		return entities.ChangesetResponse{}, err
	}
	request.Header.Set("Content-Type", form.FormDataContentType())

	response, err := c.http.Do(request)
	if err != nil {
		return entities.ChangesetResponse{}, fmt.Errorf("sync: push changeset: %w", err)
	}
	defer response.Body.Close()
	if err := checkResponse(response); err != nil {
		return entities.ChangesetResponse{}, err
	}

	var result entities.ChangesetResponse
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		return entities.ChangesetResponse{}, fmt.Errorf("sync: decode push response: %w", err)
	}
	c.logger.Debug("changeset pushed",
		zap.Int("documents", len(changeset.Documents)),
		zap.Int("blobs", len(attachments)),
		zap.Int("accepted", result.Count(entities.OutcomeAccepted)))
	return result, nil
}

func writeChangesetForm(form *multipart.Writer, changeset entities.Changeset, attachments map[entities.BlobID]string) error {
	part, err := form.CreateFormField(changesetFormField)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(part).Encode(changeset); err != nil {
		return err
	}
	for blobID, path := range attachments {
		if err := copyFilePart(form, blobID, path); err != nil {
			return err
		}
	}
	return form.Close()
}

func copyFilePart(form *multipart.Writer, blobID entities.BlobID, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("sync: open blob %s: %w", blobID, err)
	}
	defer file.Close()
	part, err := form.CreateFormFile(blobID.String(), blobID.String())
	if err != nil {
		return err
	}
	_, err = io.Copy(part, file)
	return err
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, target any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := c.newRequest(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	response, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("sync: %s: %w", path, err)
	}
	defer response.Body.Close()
	if err := checkResponse(response); err != nil {
		return err
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("sync: decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method string, path string, query url.Values, body io.Reader) (*http.Request, error) {
	target := c.baseURL.JoinPath(path)
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}
	request, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	if err := c.tokens.Authorize(request, c.instanceID, c.dataVersion); err != nil {
		return nil, fmt.Errorf("sync: authorize request: %w", err)
	}
	return request, nil
}

func checkResponse(response *http.Response) error {
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return nil
	}
	remote := &RemoteError{Status: response.StatusCode}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(response.Body, maxErrorBodyBytes)).Decode(&payload); err == nil {
		remote.Code = payload.Error
	}
	return remote
}
