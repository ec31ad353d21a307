package subnet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kjstillabower/prediction-subnet/internal/keys"
	"github.com/kjstillabower/prediction-subnet/internal/models"
	"github.com/kjstillabower/prediction-subnet/internal/observability"
)

// Client talks to the registry service. Write calls are signed with the client's key.
type Client struct {
	baseURL string
	key     *keys.Keypair
	client  *http.Client
	now     func() time.Time
}

// NewClient returns a registry client for baseURL. key may be nil for read-only use.
func NewClient(baseURL string, key *keys.Keypair, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

// SubnetNames returns netuid to subnet name.
func (c *Client) SubnetNames(ctx context.Context) (map[int]string, error) {
	var out map[int]string
	if err := c.do(ctx, http.MethodGet, "/subnets", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Modules returns every module registered on netuid.
func (c *Client) Modules(ctx context.Context, netuid int) ([]models.Module, error) {
	var out struct {
		Modules []models.Module `json:"modules"`
	}
	if err := c.do(ctx, http.MethodGet, modulesPath(netuid), nil, &out); err != nil {
		return nil, err
	}
	return out.Modules, nil
}

// ModuleAddresses returns uid to address for netuid.
func (c *Client) ModuleAddresses(ctx context.Context, netuid int) (map[int]string, error) {
	mods, err := c.Modules(ctx, netuid)
	if err != nil {
		return nil, err
	}
	out := make(map[int]string, len(mods))
	for _, m := range mods {
		out[m.UID] = m.Address
	}
	return out, nil
}

// ModuleKeys returns uid to key for netuid.
func (c *Client) ModuleKeys(ctx context.Context, netuid int) (map[int]string, error) {
	mods, err := c.Modules(ctx, netuid)
	if err != nil {
		return nil, err
	}
	out := make(map[int]string, len(mods))
	for _, m := range mods {
		out[m.UID] = m.Key
	}
	return out, nil
}

// Register registers the client's key on netuid under name at address.
func (c *Client) Register(ctx context.Context, netuid int, name, address string) (models.Module, error) {
	var out struct {
		Module models.Module `json:"module"`
	}
	body := map[string]string{"name": name, "address": address}
	if err := c.do(ctx, http.MethodPost, modulesPath(netuid), body, &out); err != nil {
		return models.Module{}, err
	}
	return out.Module, nil
}

// Vote sets the client's weights on netuid.
func (c *Client) Vote(ctx context.Context, netuid int, uids, weights []int) error {
	body := map[string][]int{"uids": uids, "weights": weights}
	return c.do(ctx, http.MethodPost, weightsPath(netuid), body, nil)
}

// Votes returns the latest vote per validator on netuid.
func (c *Client) Votes(ctx context.Context, netuid int) ([]models.Vote, error) {
	var out struct {
		Votes []models.Vote `json:"votes"`
	}
	if err := c.do(ctx, http.MethodGet, weightsPath(netuid), nil, &out); err != nil {
		return nil, err
	}
	return out.Votes, nil
}

func modulesPath(netuid int) string { return "/subnets/" + strconv.Itoa(netuid) + "/modules" }
func weightsPath(netuid int) string { return "/subnets/" + strconv.Itoa(netuid) + "/weights" }

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	start := time.Now()
	var raw []byte
	if in != nil {
		var err error
		if raw, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
		if c.key == nil {
			return fmt.Errorf("%w: signing key required for %s %s", ErrRegistry, method, path)
		}
		keys.SignRequest(req, c.key, raw, c.now())
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.RecordUpstreamCall("registry", "error", time.Since(start))
		return fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		observability.RecordUpstreamCall("registry", "error", time.Since(start))
		return fmt.Errorf("read registry response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		observability.RecordUpstreamCall("registry", "error", time.Since(start))
		var eb errorBody
		if json.Unmarshal(body, &eb) == nil && eb.Error.Code != "" {
			return errorForCode(resp.StatusCode, eb.Error.Code, eb.Error.Message)
		}
		return fmt.Errorf("%w: HTTP %d", ErrRegistry, resp.StatusCode)
	}
	observability.RecordUpstreamCall("registry", "success", time.Since(start))
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse registry response: %w", err)
	}
	return nil
}
