// Package upload talks to the message server over HTTP: message upload,
// signed-URL requests, and the per-chunk PUT uploads, plus the
// coordinator that drives resumable chunked attachment delivery.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/alexjbarnes/courier/internal/outbox"
	"github.com/alexjbarnes/courier/internal/store"
	"github.com/alexjbarnes/courier/internal/types"
)

// Client talks to the message server REST API.
type Client struct {
	httpClient *http.Client
}

// NewClient creates an API client with the given http.Client. If
// httpClient is nil, http.DefaultClient is used.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{httpClient: httpClient}
}

type uploadMessageRequest struct {
	Identity         string                `json:"identity"`
	MessageUID       string                `json:"messageUid"`
	EncryptedContent []byte                `json:"encryptedContent"`
	ExtendedPayload  []byte                `json:"extendedPayload,omitempty"`
	Headers          []uploadMessageHeader `json:"headers"`
}

type uploadMessageHeader struct {
	ToIdentity string `json:"toIdentity"`
	DeviceUID  string `json:"deviceUid"`
	WrappedKey []byte `json:"wrappedKey"`
}

type uploadMessageResponse struct {
	UIDFromServer     string `json:"uidFromServer"`
	Nonce             []byte `json:"nonce"`
	TimestampOfServer int64  `json:"timestampOfServer"`
	Error             string `json:"error,omitempty"`
}

// UploadMessage posts the encrypted message and its per-device headers,
// returning the server-assigned UID, nonce and timestamp.
func (c *Client) UploadMessage(ctx context.Context, msg *store.OutboxMessage, headers []store.MessageHeader) (*outbox.ServerAck, error) {
	req := uploadMessageRequest{
		Identity:         msg.OwnedIdentity.Base64(),
		MessageUID:       msg.MessageUID.Base64(),
		EncryptedContent: msg.EncryptedContent,
		ExtendedPayload:  msg.EncryptedExtendedPayload,
	}
	for i := range headers {
		req.Headers = append(req.Headers, uploadMessageHeader{
			ToIdentity: headers[i].ToIdentity.Base64(),
			DeviceUID:  headers[i].DeviceUID.Base64(),
			WrappedKey: headers[i].WrappedKey,
		})
	}

	var resp uploadMessageResponse
	if err := c.post(ctx, msg.ServerURL+"/uploadMessageAndGetUid", req, &resp); err != nil {
		return nil, fmt.Errorf("uploading message: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("server refused message: %s", resp.Error)
	}

	serverUID, err := types.UIDFromBase64(resp.UIDFromServer)
	if err != nil {
		return nil, fmt.Errorf("parsing server uid: %w", err)
	}

	return &outbox.ServerAck{
		UID:         serverUID,
		Nonce:       resp.Nonce,
		TimestampMs: resp.TimestampOfServer,
	}, nil
}

type signedURLsRequest struct {
	Identity         string  `json:"identity"`
	MessageUID       string  `json:"messageUid"`
	AttachmentNumber int     `json:"attachmentNumber"`
	ChunkLengths     []int64 `json:"chunkLengths"`
}

type signedURLsResponse struct {
	SignedURLs []string `json:"signedUrls"`
	Error      string   `json:"error,omitempty"`
}

// RequestSignedURLs fetches one time-limited upload URL per chunk.
func (c *Client) RequestSignedURLs(ctx context.Context, serverURL string, owned types.Identity, messageUID types.UID, number int, chunkLengths []int64) ([]string, error) {
	req := signedURLsRequest{
		Identity:         owned.Base64(),
		MessageUID:       messageUID.Base64(),
		AttachmentNumber: number,
		ChunkLengths:     chunkLengths,
	}

	var resp signedURLsResponse
	if err := c.post(ctx, serverURL+"/uploadAttachmentChunksSignedUrls", req, &resp); err != nil {
		return nil, fmt.Errorf("requesting signed URLs: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("server refused signed URL request: %s", resp.Error)
	}
	if len(resp.SignedURLs) != len(chunkLengths) {
		return nil, fmt.Errorf("server returned %d signed URLs for %d chunks", len(resp.SignedURLs), len(chunkLengths))
	}

	return resp.SignedURLs, nil
}

// UploadChunk PUTs one encrypted chunk to its signed URL.
func (c *Client) UploadChunk(ctx context.Context, signedURL string, ciphertext []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, signedURL, bytes.NewReader(ciphertext))
	if err != nil {
		return fmt.Errorf("creating chunk request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(ciphertext))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("uploading chunk: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return fmt.Errorf("chunk upload returned status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// post sends a JSON POST request and decodes the response into result.
func (c *Client) post(ctx context.Context, url string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", url, err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d: %s", url, resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", url, err)
		}
	}

	return nil
}
