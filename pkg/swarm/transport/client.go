package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oldeucryptoboi/karnevil9/pkg/errkit"
	"github.com/oldeucryptoboi/karnevil9/pkg/policy"
	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/mesh"
	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/monitor"
)

// PeerResolver maps a node id to its API base URL. Backed by the peer table.
type PeerResolver func(nodeID string) (string, bool)

// ClientConfig tunes the outbound client.
type ClientConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	BearerToken string        `yaml:"bearer_token"`

	// AllowLoopback relaxes the SSRF guard for single-host development.
	AllowLoopback bool `yaml:"allow_loopback"`
}

// Client is the SSRF-screened swarm HTTP client.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	checker policy.URLChecker
	resolve PeerResolver
}

// Response is the uniform call outcome.
type Response struct {
	OK     bool            `json:"ok"`
	Status int             `json:"status"`
	Error  string          `json:"error,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// NewClient creates a client. resolve may be nil when only absolute URLs are
// used.
func NewClient(cfg ClientConfig, resolve PeerResolver) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{},
		checker: policy.URLChecker{AllowLoopback: cfg.AllowLoopback},
		resolve: resolve,
	}
}

// call performs one request. Timeouts map to {ok:false, status:408,
// error:"timed out"}.
func (c *Client) call(ctx context.Context, method, rawURL string, body any) Response {
	if err := c.checker.Check(rawURL); err != nil {
		return Response{OK: false, Status: http.StatusForbidden, Error: err.Error()}
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return Response{OK: false, Status: http.StatusBadRequest, Error: err.Error()}
		}
		reader = bytes.NewReader(encoded)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, reader)
	if err != nil {
		return Response{OK: false, Status: http.StatusBadRequest, Error: err.Error()}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || reqCtx.Err() == context.DeadlineExceeded {
			return Response{OK: false, Status: http.StatusRequestTimeout, Error: "timed out"}
		}
		return Response{OK: false, Status: 0, Error: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Response{OK: false, Status: resp.StatusCode, Error: err.Error()}
	}

	out := Response{OK: resp.StatusCode < 400, Status: resp.StatusCode, Body: data}
	if !out.OK {
		var errBody struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &errBody) == nil && errBody.Error != "" {
			out.Error = errBody.Error
		} else {
			out.Error = strings.TrimSpace(string(data))
		}
	}
	return out
}

// peerURL joins a peer's base URL with a route, URL-encoding path params
// before substitution is the caller's job via url.PathEscape.
func (c *Client) peerURL(nodeID, route string) (string, error) {
	if c.resolve == nil {
		return "", fmt.Errorf("no peer resolver configured")
	}
	base, ok := c.resolve(nodeID)
	if !ok {
		return "", errkit.Newf(errkit.CodeSwarmNoPeers, "unknown peer %s", nodeID)
	}
	return strings.TrimSuffix(base, "/") + BasePath + route, nil
}

func decodeInto[T any](resp Response) (T, error) {
	var out T
	if !resp.OK {
		if resp.Error == "" {
			return out, fmt.Errorf("request failed with status %d", resp.Status)
		}
		return out, errors.New(resp.Error)
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return out, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// FetchIdentity fetches a peer's identity.
func (c *Client) FetchIdentity(ctx context.Context, baseURL string) (mesh.Identity, error) {
	resp := c.call(ctx, http.MethodGet, strings.TrimSuffix(baseURL, "/")+BasePath+"/identity", nil)
	return decodeInto[mesh.Identity](resp)
}

// Join announces the local identity to a peer.
func (c *Client) Join(ctx context.Context, baseURL string, identity mesh.Identity) error {
	resp := c.call(ctx, http.MethodPost, strings.TrimSuffix(baseURL, "/")+BasePath+"/join", map[string]any{"identity": identity})
	if !resp.OK {
		return errors.New(resp.Error)
	}
	return nil
}

// Leave announces departure to a peer.
func (c *Client) Leave(ctx context.Context, nodeID, selfNodeID, reason string) error {
	target, err := c.peerURL(nodeID, "/leave")
	if err != nil {
		return err
	}
	resp := c.call(ctx, http.MethodPost, target, map[string]any{"node_id": selfNodeID, "reason": reason})
	if !resp.OK {
		return errors.New(resp.Error)
	}
	return nil
}

// Heartbeat sends a heartbeat to a peer.
func (c *Client) Heartbeat(ctx context.Context, nodeID string, hb HeartbeatMsg) error {
	target, err := c.peerURL(nodeID, "/heartbeat")
	if err != nil {
		return err
	}
	resp := c.call(ctx, http.MethodPost, target, hb)
	if !resp.OK {
		return errors.New(resp.Error)
	}
	return nil
}

// SendGossip implements mesh.GossipSender.
func (c *Client) SendGossip(ctx context.Context, peer mesh.PeerEntry, sample []mesh.PeerEntry) error {
	base := peer.Identity.APIURL
	if base == "" {
		return fmt.Errorf("peer %s has no api url", peer.Identity.NodeID)
	}
	msg := GossipMsg{SenderNodeID: "", Peers: sample}
	resp := c.call(ctx, http.MethodPost, strings.TrimSuffix(base, "/")+BasePath+"/gossip", msg)
	if !resp.OK {
		return errors.New(resp.Error)
	}
	return nil
}

// SubmitTask delivers a task request to a peer.
func (c *Client) SubmitTask(ctx context.Context, nodeID string, req TaskRequest) (TaskAck, error) {
	target, err := c.peerURL(nodeID, "/task")
	if err != nil {
		return TaskAck{}, err
	}
	return decodeInto[TaskAck](c.call(ctx, http.MethodPost, target, req))
}

// SubmitResult posts a finished task result back to the originator.
func (c *Client) SubmitResult(ctx context.Context, nodeID string, result TaskResult) error {
	target, err := c.peerURL(nodeID, "/result")
	if err != nil {
		return err
	}
	resp := c.call(ctx, http.MethodPost, target, result)
	if !resp.OK {
		return errors.New(resp.Error)
	}
	return nil
}

// TaskStatus implements monitor.StatusPoller.
func (c *Client) TaskStatus(ctx context.Context, peerNodeID, taskID string) (monitor.CheckpointStatus, error) {
	target, err := c.peerURL(peerNodeID, "/task/"+url.PathEscape(taskID)+"/status")
	if err != nil {
		return monitor.CheckpointStatus{}, err
	}
	return decodeInto[monitor.CheckpointStatus](c.call(ctx, http.MethodGet, target, nil))
}

// CancelTask cancels a delegated task on its peer.
func (c *Client) CancelTask(ctx context.Context, peerNodeID, taskID string) error {
	target, err := c.peerURL(peerNodeID, "/task/"+url.PathEscape(taskID)+"/cancel")
	if err != nil {
		return err
	}
	resp := c.call(ctx, http.MethodPost, target, map[string]any{})
	if !resp.OK {
		return errors.New(resp.Error)
	}
	return nil
}

// Checkpoints lists a task's checkpoints for resume.
func (c *Client) Checkpoints(ctx context.Context, peerNodeID, taskID string) ([]Checkpoint, error) {
	target, err := c.peerURL(peerNodeID, "/task/"+url.PathEscape(taskID)+"/checkpoints")
	if err != nil {
		return nil, err
	}
	body, err := decodeInto[struct {
		Checkpoints []Checkpoint `json:"checkpoints"`
	}](c.call(ctx, http.MethodGet, target, nil))
	if err != nil {
		return nil, err
	}
	return body.Checkpoints, nil
}

// Renegotiate requests a contract renegotiation on the counterparty.
func (c *Client) Renegotiate(ctx context.Context, peerNodeID, contractID string, req RenegotiateRequest) error {
	target, err := c.peerURL(peerNodeID, "/contracts/"+url.PathEscape(contractID)+"/renegotiate")
	if err != nil {
		return err
	}
	resp := c.call(ctx, http.MethodPost, target, req)
	if !resp.OK {
		return errors.New(resp.Error)
	}
	return nil
}

// Deposit funds a peer's escrow account.
func (c *Client) Deposit(ctx context.Context, peerNodeID string, req DepositRequest) error {
	target, err := c.peerURL(peerNodeID, "/escrow/deposit")
	if err != nil {
		return err
	}
	resp := c.call(ctx, http.MethodPost, target, req)
	if !resp.OK {
		return errors.New(resp.Error)
	}
	return nil
}
