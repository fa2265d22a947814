package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/netward/netward/pkg/core"
)

// APIClient is the structured management API of a device. It is the
// preferred transport; the adapter consults Probe before every call.
type APIClient interface {
	// Probe reports whether the device's version/configuration supports the
	// operation kind over the structured API.
	Probe(ctx context.Context, device *core.Device, creds core.Credentials, kind core.OperationKind) (bool, error)

	// Do executes an operation and returns the resulting device state.
	Do(ctx context.Context, device *core.Device, creds core.Credentials, op core.Operation) (json.RawMessage, error)
}

// HTTPAPIClient talks JSON over HTTP to the device management endpoint.
type HTTPAPIClient struct {
	client *http.Client
}

// NewHTTPAPIClient creates an API client with the given per-call timeout.
func NewHTTPAPIClient(timeout time.Duration) *HTTPAPIClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPAPIClient{
		client: &http.Client{Timeout: timeout},
	}
}

// Probe checks the device capability endpoint for the operation kind.
func (c *HTTPAPIClient) Probe(ctx context.Context, device *core.Device, creds core.Credentials, kind core.OperationKind) (bool, error) {
	url := fmt.Sprintf("http://%s/api/v1/capabilities/%s", device.Address, kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, core.WrapError(core.ErrInternal, "failed to build probe request", err).WithDevice(device.ID)
	}
	req.SetBasicAuth(creds.Username, creds.Secret)

	resp, err := c.client.Do(req)
	if err != nil {
		return false, classifyTransportError(device.ID, err)
	}
	defer resp.Body.Close()
	drain(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNotImplemented:
		return false, nil
	default:
		return false, classifyStatus(device.ID, resp)
	}
}

// Do executes an operation against the device API.
func (c *HTTPAPIClient) Do(ctx context.Context, device *core.Device, creds core.Credentials, op core.Operation) (json.RawMessage, error) {
	method := http.MethodGet
	var body io.Reader
	if op.Write {
		method = http.MethodPost
		body = bytes.NewReader(op.Payload)
	}
	url := fmt.Sprintf("http://%s/api/v1/operations/%s", device.Address, op.Kind)

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, core.WrapError(core.ErrInternal, "failed to build API request", err).WithDevice(device.ID)
	}
	req.SetBasicAuth(creds.Username, creds.Secret)
	if op.Write {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(device.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		drain(resp.Body)
		return nil, classifyStatus(device.ID, resp)
	}

	out, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, core.WrapError(core.ErrUnreachable, "failed to read device response", err).WithDevice(device.ID)
	}
	if !json.Valid(out) {
		return nil, core.NewError(core.ErrDeviceRejected, "device returned a malformed response").WithDevice(device.ID)
	}
	return out, nil
}

// classifyTransportError maps network failures to the taxonomy. The raw
// error is wrapped for internal chains but never surfaces in the message.
func classifyTransportError(deviceID string, err error) *core.CoreError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return core.WrapError(core.ErrTimeout, "device API call timed out", err).WithDevice(deviceID)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.WrapError(core.ErrTimeout, "device API call timed out", err).WithDevice(deviceID)
	}
	return core.WrapError(core.ErrUnreachable, "device API unreachable", err).WithDevice(deviceID)
}

// classifyStatus maps HTTP status codes to the taxonomy. Response bodies
// are never echoed into errors.
func classifyStatus(deviceID string, resp *http.Response) *core.CoreError {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return core.NewError(core.ErrDeviceAuth, "device rejected the supplied credentials").WithDevice(deviceID)
	case http.StatusTooManyRequests:
		e := core.NewError(core.ErrRateLimited, "device is rate limiting management calls").WithDevice(deviceID)
		if after := resp.Header.Get("Retry-After"); after != "" {
			if secs, err := strconv.Atoi(after); err == nil {
				e = e.WithRetryAfter(time.Duration(secs) * time.Second)
			}
		}
		return e
	case http.StatusNotFound:
		return core.NewError(core.ErrNotFound, "device API endpoint not found").WithDevice(deviceID)
	default:
		return core.NewError(core.ErrDeviceRejected,
			fmt.Sprintf("device rejected the operation (status %d)", resp.StatusCode)).
			WithDevice(deviceID)
	}
}

func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, 4096))
}
