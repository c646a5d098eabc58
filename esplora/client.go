package esplora

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/wire"
)

// ErrClientShutdown is returned when the client has been shut down.
var ErrClientShutdown = errors.New("esplora client has been shut down")

// ClientConfig holds the configuration for the Esplora client.
type ClientConfig struct {
	// URL is the base URL of the Esplora API (e.g., http://localhost:3002).
	URL string

	// RequestTimeout is the timeout for individual HTTP requests.
	RequestTimeout time.Duration

	// MaxRetries is the maximum number of retries for failed requests.
	MaxRetries int
}

// Client is an HTTP client for the subset of the Esplora REST API this
// node needs: resolving a height into its block hash and raw header, for
// the fast-sync start-tip bootstrap (spec.md §6). The Esplora API exposes
// a much larger surface -- transactions, addresses, UTXOs, fee estimates,
// broadcast -- none of which this node indexes or serves, per spec.md §1's
// Non-goals, so only the block-header path is implemented here.
type Client struct {
	cfg        *ClientConfig
	httpClient *http.Client
	quit       chan struct{}
}

// NewClient creates a new Esplora client with the given configuration.
func NewClient(cfg *ClientConfig) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		quit: make(chan struct{}),
	}
}

// doRequest performs an HTTP GET with retries.
func (c *Client) doRequest(ctx context.Context, path string) (*http.Response, error) {
	url := c.cfg.URL + path

	var lastErr error
	for i := 0; i <= c.cfg.MaxRetries; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.quit:
			return nil, ErrClientShutdown
		default:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if i < c.cfg.MaxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
			}
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", c.cfg.MaxRetries+1, lastErr)
}

// doGet performs a GET request and returns the response body.
func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.doRequest(ctx, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// GetBlockHashByHeight fetches the block hash at a given height.
func (c *Client) GetBlockHashByHeight(ctx context.Context, height int64) (string, error) {
	body, err := c.doGet(ctx, fmt.Sprintf("/block-height/%d", height))
	if err != nil {
		return "", err
	}

	return string(body), nil
}

// GetBlockHeader fetches the raw block header by hash.
func (c *Client) GetBlockHeader(ctx context.Context, blockHash string) (*wire.BlockHeader, error) {
	body, err := c.doGet(ctx, "/block/"+blockHash+"/header")
	if err != nil {
		return nil, err
	}

	headerBytes, err := hex.DecodeString(string(body))
	if err != nil {
		return nil, fmt.Errorf("failed to decode header hex: %w", err)
	}

	header := &wire.BlockHeader{}
	if err := header.Deserialize(bytes.NewReader(headerBytes)); err != nil {
		return nil, fmt.Errorf("failed to deserialize header: %w", err)
	}

	return header, nil
}

// GetBlockHeaderByHeight fetches block header by height.
func (c *Client) GetBlockHeaderByHeight(ctx context.Context, height int64) (*wire.BlockHeader, error) {
	hash, err := c.GetBlockHashByHeight(ctx, height)
	if err != nil {
		return nil, err
	}

	return c.GetBlockHeader(ctx, hash)
}
