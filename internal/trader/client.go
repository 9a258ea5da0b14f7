package trader

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"teller/internal/compliance"
	"teller/internal/tx"
	domainerrors "teller/pkg/domain-errors"
)

// Client is everything the controller needs from the backend.
type Client interface {
	// Poll fetches the current operator configuration snapshot.
	Poll(ctx context.Context) (PollResult, error)
	// PostTx posts a transaction update, idempotent by id and version,
	// and returns the server copy. Version conflicts surface as
	// stale-version or ratchet errors.
	PostTx(ctx context.Context, rec tx.Record) (tx.Record, error)
	// PhoneCode starts phone auth and returns the matched customer.
	PhoneCode(ctx context.Context, phone string) (compliance.Customer, error)
	// EmailCode starts email auth and returns the matched customer.
	EmailCode(ctx context.Context, email string) (compliance.Customer, error)
	UpdateCustomer(ctx context.Context, customerID string, patch CustomerPatch) (compliance.Customer, error)
	VerifyPromoCode(ctx context.Context, code string, rec tx.Record) (Promo, error)
	// NotifyCashboxRemoval reports the stacker was pulled.
	NotifyCashboxRemoval(ctx context.Context) error
	// WaitForDispense long-polls a pending cash-out until its status
	// moves past current. changed is false on a server-side poll
	// timeout; the caller just polls again.
	WaitForDispense(ctx context.Context, txID string, current tx.Status) (rec tx.Record, changed bool, err error)
	// StateChange reports the controller's screen for server-side
	// session bookkeeping.
	StateChange(ctx context.Context, state string, isIdle bool) error
}

const defaultRequestTimeout = 20 * time.Second

type client struct {
	http   *resty.Client
	logger *slog.Logger
}

// Option configures the HTTP client.
type Option func(*client)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *client) {
		c.http.SetTimeout(d)
	}
}

// NewClient builds a backend client authenticated with the pairing
// token as a bearer credential.
func NewClient(baseURL string, cred Credential, logger *slog.Logger, opts ...Option) Client {
	c := &client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetAuthToken(cred.Token).
			SetHeader("device-id", cred.DeviceID).
			SetTimeout(defaultRequestTimeout),
		logger: logger.With("component", "trader"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *client) Poll(ctx context.Context) (PollResult, error) {
	var result PollResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/poll")
	if err != nil {
		return PollResult{}, domainerrors.Wrap(err, domainerrors.CodeNetwork, "polling backend")
	}
	if resp.StatusCode() != http.StatusOK {
		return PollResult{}, statusErr(resp)
	}
	return result, nil
}

// conflictBody is the 409 payload distinguishing a version that fell
// behind the server from a monotonic field moving backwards.
type conflictBody struct {
	ErrorType string `json:"errorType"`
}

func (c *client) PostTx(ctx context.Context, rec tx.Record) (tx.Record, error) {
	var server tx.Record
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(rec).
		SetResult(&server).
		Post("/tx")
	if err != nil {
		return tx.Record{}, domainerrors.Wrap(err, domainerrors.CodeNetwork, "posting transaction")
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return server, nil
	case http.StatusConflict:
		var body conflictBody
		_ = json.Unmarshal(resp.Body(), &body)
		if body.ErrorType == "ratchet" {
			return tx.Record{}, domainerrors.New(domainerrors.CodeRatchet, "transaction field moved backwards")
		}
		return tx.Record{}, domainerrors.New(domainerrors.CodeStaleVersion, "transaction version behind server")
	default:
		return tx.Record{}, statusErr(resp)
	}
}

func (c *client) PhoneCode(ctx context.Context, phone string) (compliance.Customer, error) {
	return c.authCode(ctx, "/phone_code", map[string]string{"phone": phone})
}

func (c *client) EmailCode(ctx context.Context, email string) (compliance.Customer, error) {
	return c.authCode(ctx, "/email_code", map[string]string{"email": email})
}

func (c *client) authCode(ctx context.Context, path string, body map[string]string) (compliance.Customer, error) {
	var customer compliance.Customer
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&customer).
		Post(path)
	if err != nil {
		return compliance.Customer{}, domainerrors.Wrap(err, domainerrors.CodeNetwork, "requesting auth code")
	}
	if resp.StatusCode() != http.StatusOK {
		return compliance.Customer{}, statusErr(resp)
	}
	return customer, nil
}

func (c *client) UpdateCustomer(ctx context.Context, customerID string, patch CustomerPatch) (compliance.Customer, error) {
	var customer compliance.Customer
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(patch).
		SetResult(&customer).
		Patch("/customer/" + customerID)
	if err != nil {
		return compliance.Customer{}, domainerrors.Wrap(err, domainerrors.CodeNetwork, "updating customer")
	}
	if resp.StatusCode() != http.StatusOK {
		return compliance.Customer{}, statusErr(resp)
	}
	return customer, nil
}

func (c *client) VerifyPromoCode(ctx context.Context, code string, rec tx.Record) (Promo, error) {
	var promo Promo
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"codeInput": code, "tx": rec}).
		SetResult(&promo).
		Post("/verify_promo_code")
	if err != nil {
		return Promo{}, domainerrors.Wrap(err, domainerrors.CodeNetwork, "verifying promo code")
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return promo, nil
	case http.StatusNotFound:
		return Promo{}, domainerrors.New(domainerrors.CodeNotFound, "unknown promo code")
	default:
		return Promo{}, statusErr(resp)
	}
}

func (c *client) NotifyCashboxRemoval(ctx context.Context) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Post("/notify_cashbox_removal")
	if err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeNetwork, "notifying cashbox removal")
	}
	if resp.StatusCode() != http.StatusOK {
		return statusErr(resp)
	}
	return nil
}

func (c *client) WaitForDispense(ctx context.Context, txID string, current tx.Status) (tx.Record, bool, error) {
	var server tx.Record
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("status", string(current)).
		SetResult(&server).
		Get("/tx/" + txID)
	if err != nil {
		return tx.Record{}, false, domainerrors.Wrap(err, domainerrors.CodeNetwork, "awaiting dispense authorization")
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return server, true, nil
	case http.StatusNoContent:
		// server-side long-poll timeout, no change yet
		return tx.Record{}, false, nil
	default:
		return tx.Record{}, false, statusErr(resp)
	}
}

func (c *client) StateChange(ctx context.Context, state string, isIdle bool) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"state": state, "isIdle": isIdle}).
		Post("/state")
	if err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeNetwork, "reporting state change")
	}
	if resp.StatusCode() != http.StatusOK {
		return statusErr(resp)
	}
	return nil
}

func statusErr(resp *resty.Response) error {
	code := domainerrors.CodeInternal
	switch resp.StatusCode() {
	case http.StatusUnauthorized, http.StatusForbidden:
		code = domainerrors.CodeUnpaired
	case http.StatusNotFound:
		code = domainerrors.CodeNotFound
	case http.StatusBadRequest:
		code = domainerrors.CodeBadRequest
	}
	return domainerrors.New(code, fmt.Sprintf("backend returned %d for %s", resp.StatusCode(), resp.Request.URL))
}
