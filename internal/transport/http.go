// Package transport implements TransportClient: the §6.1 request/response
// API over net/http, and the §6.2 bidirectional envelope stream over
// gorilla/websocket.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"mlschat/internal/domain"
)

// Client implements domain.TransportClient.
type Client struct {
	base       string
	httpClient *http.Client
	ws         *wsStream
}

// New constructs a Client against baseURL, an http://... or https://...
// origin with no trailing slash required. httpClient may be nil, in which
// case a new http.Client with a 30s per-request timeout is used.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: baseURL, httpClient: httpClient}
}

var _ domain.TransportClient = (*Client)(nil)

type registerUserRequest struct {
	Username   string `json:"username"`
	KeyPackage []byte `json:"key_package"`
}

func (c *Client) RegisterUser(ctx context.Context, username domain.Username, pkg domain.PublicKeyPackage) error {
	req := registerUserRequest{Username: username.String(), KeyPackage: pkg.PublicBytes}
	status, err := c.postJSON(ctx, "/users", req, nil)
	if err != nil {
		return err
	}
	if status == http.StatusConflict {
		return fmt.Errorf("transport: register_user: username %q already registered", username)
	}
	if status != http.StatusCreated {
		return fmt.Errorf("transport: register_user: unexpected status %d", status)
	}
	return nil
}

type fetchUserResponse struct {
	Username   string `json:"username"`
	KeyPackage []byte `json:"key_package"`
}

func (c *Client) FetchUser(ctx context.Context, username domain.Username) (domain.PublicKeyPackage, bool, error) {
	var out fetchUserResponse
	status, err := c.getJSON(ctx, "/users/"+url.PathEscape(username.String()), &out)
	if err != nil {
		return domain.PublicKeyPackage{}, false, err
	}
	if status == http.StatusNotFound {
		return domain.PublicKeyPackage{}, false, nil
	}
	if status != http.StatusOK {
		return domain.PublicKeyPackage{}, false, fmt.Errorf("transport: fetch_user: unexpected status %d", status)
	}
	return domain.PublicKeyPackage{Username: username, PublicBytes: out.KeyPackage}, true, nil
}

type uploadKeyPackagesRequest struct {
	Username     string   `json:"username"`
	KeyPackages  [][]byte `json:"keypackages"`
}

func (c *Client) UploadKeyPackages(ctx context.Context, username domain.Username, pkgs []domain.PublicKeyPackage) error {
	req := uploadKeyPackagesRequest{Username: username.String()}
	for _, p := range pkgs {
		req.KeyPackages = append(req.KeyPackages, p.PublicBytes)
	}
	status, err := c.postJSON(ctx, "/keypackages/upload", req, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("transport: upload_key_packages: unexpected status %d", status)
	}
	return nil
}

type reserveKeyPackageRequest struct {
	TargetUsername string `json:"target_username"`
	GroupID        []byte `json:"group_id"`
	CallerUsername string `json:"caller_username"`
}

type reserveKeyPackageResponse struct {
	KeyPackageRef []byte    `json:"keypackage_ref"`
	PublicBytes   []byte    `json:"public_bytes"`
	ReservationID string    `json:"reservation_id"`
	ExpiresAt     time.Time `json:"expires_at"`
}

func (c *Client) ReserveKeyPackage(ctx context.Context, target, caller domain.Username, groupID domain.GroupID) (domain.ReservedKeyPackage, error) {
	req := reserveKeyPackageRequest{TargetUsername: target.String(), GroupID: []byte(groupID), CallerUsername: caller.String()}
	var out reserveKeyPackageResponse
	status, err := c.postJSON(ctx, "/keypackages/reserve", req, &out)
	if err != nil {
		return domain.ReservedKeyPackage{}, err
	}
	if status == http.StatusConflict {
		return domain.ReservedKeyPackage{}, domain.PoolExhaustedError("reserve_key_package", target.String())
	}
	if status != http.StatusOK {
		return domain.ReservedKeyPackage{}, fmt.Errorf("transport: reserve_key_package: unexpected status %d", status)
	}
	return domain.ReservedKeyPackage{
		KeyPackageRef: domain.KeyPackageRef(out.KeyPackageRef),
		PublicBytes:   out.PublicBytes,
		ReservationID: domain.ReservationID(out.ReservationID),
		ExpiresAt:     out.ExpiresAt,
	}, nil
}

type spendKeyPackageRequest struct {
	KeyPackageRef  []byte `json:"keypackage_ref"`
	ReservationID  string `json:"reservation_id"`
	GroupID        []byte `json:"group_id"`
	CallerUsername string `json:"caller_username"`
}

func (c *Client) SpendKeyPackage(ctx context.Context, ref domain.KeyPackageRef, reservationID domain.ReservationID, groupID domain.GroupID, caller domain.Username) error {
	req := spendKeyPackageRequest{
		KeyPackageRef: []byte(ref), ReservationID: string(reservationID),
		GroupID: []byte(groupID), CallerUsername: caller.String(),
	}
	status, err := c.postJSON(ctx, "/keypackages/spend", req, nil)
	if err != nil {
		return err
	}
	if status == http.StatusConflict {
		return domain.DoubleSpendError("spend_key_package", fmt.Errorf("reservation %s already spent or expired", reservationID))
	}
	if status != http.StatusNoContent {
		return fmt.Errorf("transport: spend_key_package: unexpected status %d", status)
	}
	return nil
}

type keyPackageStatusResponse struct {
	Available int `json:"available"`
	Reserved  int `json:"reserved"`
	Spent     int `json:"spent"`
}

func (c *Client) KeyPackageStatus(ctx context.Context, username domain.Username) (domain.KeyPackageStatusCounts, error) {
	var out keyPackageStatusResponse
	status, err := c.getJSON(ctx, "/keypackages/status/"+url.PathEscape(username.String()), &out)
	if err != nil {
		return domain.KeyPackageStatusCounts{}, err
	}
	if status != http.StatusOK {
		return domain.KeyPackageStatusCounts{}, fmt.Errorf("transport: key_package_status: unexpected status %d", status)
	}
	return domain.KeyPackageStatusCounts{Available: out.Available, Reserved: out.Reserved, Spent: out.Spent}, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) (int, error) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(in); err != nil {
		return 0, fmt.Errorf("transport: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, buf)
	if err != nil {
		return 0, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, domain.NetworkErr(path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode/100 == 2 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("transport: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return 0, fmt.Errorf("transport: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, domain.NetworkErr(path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode/100 == 2 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("transport: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
