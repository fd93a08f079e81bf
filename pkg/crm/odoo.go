// Package crm creates CRM opportunities for extracted drawing metadata via
// the Odoo JSON-RPC API.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/intralog/drawbridge/pkg/intake"
	"github.com/intralog/drawbridge/pkg/telemetry"
)

// Config points the client at an Odoo instance.
type Config struct {
	URL        string
	Database   string
	Username   string
	Password   string
	DefaultTag string
	Timeout    time.Duration
}

// Client implements intake.OpportunityService against Odoo. It is safe for
// concurrent use; executor workers share one client.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *telemetry.Logger

	// mu guards uid, which caches the authenticated user id for the life
	// of the client. Re-authentication happens lazily when it is zero.
	mu  sync.Mutex
	uid int
}

// NewClient creates an Odoo CRM client.
func NewClient(cfg Config, logger *telemetry.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: timeout},
		logger: logger.NewComponentLogger("crm"),
	}
}

// EnsureOpportunity creates a crm.lead opportunity for the metadata, or
// returns the existing one when a same-named opportunity is already present.
// The search-before-create makes the call safe to repeat after a crash that
// lost the checkpoint.
func (c *Client) EnsureOpportunity(ctx context.Context, md *intake.Metadata) (string, error) {
	if err := c.authenticate(ctx); err != nil {
		return "", err
	}

	name := opportunityName(md)

	existing, err := c.searchOpportunity(ctx, name)
	if err != nil {
		return "", err
	}
	if existing != 0 {
		c.logger.Zerolog().Info().Int("id", existing).Str("name", name).Msg("Reusing existing opportunity")
		return fmt.Sprintf("%d", existing), nil
	}

	fields := map[string]interface{}{
		"name":         name,
		"type":         "opportunity",
		"partner_name": md.Customer,
		"street":       md.Address,
		"description":  fmt.Sprintf("Created by drawbridge intake. Drafter: %s. Project manager: %s.", md.Drafter, md.ProjectManager),
	}

	var id int
	if err := c.executeKw(ctx, "crm.lead", "create", []interface{}{fields}, &id); err != nil {
		return "", err
	}

	if c.cfg.DefaultTag != "" {
		// Tagging is best effort; the opportunity exists either way.
		if err := c.applyTag(ctx, id, c.cfg.DefaultTag); err != nil {
			c.logger.Zerolog().Warn().Err(err).Int("id", id).Msg("Failed to tag opportunity")
		}
	}

	c.logger.Zerolog().Info().Int("id", id).Str("name", name).Msg("Opportunity created")
	return fmt.Sprintf("%d", id), nil
}

func opportunityName(md *intake.Metadata) string {
	if md.Title != "" {
		return md.Title
	}
	return "Project for " + md.Customer
}

func (c *Client) searchOpportunity(ctx context.Context, name string) (int, error) {
	domain := []interface{}{
		[]interface{}{"name", "=", name},
		[]interface{}{"type", "=", "opportunity"},
	}

	var ids []int
	if err := c.executeKw(ctx, "crm.lead", "search", []interface{}{domain}, &ids); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return ids[0], nil
}

func (c *Client) applyTag(ctx context.Context, leadID int, tag string) error {
	domain := []interface{}{[]interface{}{"name", "=", tag}}

	var tagIDs []int
	if err := c.executeKw(ctx, "crm.tag", "search", []interface{}{domain}, &tagIDs); err != nil {
		return err
	}

	var tagID int
	if len(tagIDs) > 0 {
		tagID = tagIDs[0]
	} else {
		if err := c.executeKw(ctx, "crm.tag", "create", []interface{}{map[string]interface{}{"name": tag}}, &tagID); err != nil {
			return err
		}
	}

	// Odoo many2many link command: (4, id).
	var ok bool
	return c.executeKw(ctx, "crm.lead", "write", []interface{}{
		[]interface{}{leadID},
		map[string]interface{}{"tag_ids": []interface{}{[]interface{}{4, tagID}}},
	}, &ok)
}

// authenticate resolves and caches the user id. The lock is held across the
// round trip so concurrent workers authenticate once, not once each.
func (c *Client) authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.uid != 0 {
		return nil
	}

	var uid interface{}
	err := c.call(ctx, "common", "authenticate", []interface{}{
		c.cfg.Database, c.cfg.Username, c.cfg.Password, map[string]interface{}{},
	}, &uid)
	if err != nil {
		return err
	}

	// Odoo returns false, not an error, for bad credentials.
	id, ok := uid.(float64)
	if !ok || id == 0 {
		return intake.NewPermanentError("odoo authentication rejected", nil)
	}

	c.uid = int(id)
	return nil
}

func (c *Client) executeKw(ctx context.Context, model, method string, args []interface{}, result interface{}) error {
	c.mu.Lock()
	uid := c.uid
	c.mu.Unlock()

	callArgs := []interface{}{c.cfg.Database, uid, c.cfg.Password, model, method, args}
	return c.call(ctx, "object", "execute_kw", callArgs, result)
}

type rpcRequest struct {
	JSONRPC string                 `json:"jsonrpc"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params"`
	ID      int64                  `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"data"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC round trip and maps transport and RPC failures
// into the shared error taxonomy.
func (c *Client) call(ctx context.Context, service, method string, args []interface{}, result interface{}) error {
	body, err := json.Marshal(&rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params: map[string]interface{}{
			"service": service,
			"method":  method,
			"args":    args,
		},
		ID: time.Now().UnixNano(),
	})
	if err != nil {
		return intake.NewPermanentError("failed to encode rpc request", err)
	}

	url := strings.TrimRight(c.cfg.URL, "/") + "/jsonrpc"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return intake.NewPermanentError("failed to build rpc request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return intake.NewTransientError("odoo request failed", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return err
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return intake.NewTransientError("failed to decode rpc response", err)
	}

	if rpcResp.Error != nil {
		return classifyRPCError(rpcResp.Error)
	}

	if result != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return intake.NewPermanentError("unexpected rpc result shape", err)
		}
	}
	return nil
}

func classifyStatus(status int) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return intake.NewPermanentError(fmt.Sprintf("odoo rejected request (status %d)", status), nil)
	case status == http.StatusTooManyRequests:
		return intake.NewThrottledError("odoo rate limited", nil)
	case status >= 500:
		return intake.NewTransientError(fmt.Sprintf("odoo server error (status %d)", status), nil)
	default:
		return intake.NewPermanentError(fmt.Sprintf("odoo request failed (status %d)", status), nil)
	}
}

func classifyRPCError(e *rpcError) error {
	name := strings.ToLower(e.Data.Name)
	msg := e.Message
	if e.Data.Message != "" {
		msg = e.Data.Message
	}

	switch {
	case strings.Contains(name, "accessdenied"), strings.Contains(name, "accesserror"):
		return intake.NewPermanentError("odoo access denied: "+msg, nil)
	case strings.Contains(name, "validationerror"), strings.Contains(name, "usererror"):
		return intake.NewPermanentError("odoo rejected data: "+msg, nil)
	default:
		return intake.NewTransientError("odoo rpc error: "+msg, nil)
	}
}
