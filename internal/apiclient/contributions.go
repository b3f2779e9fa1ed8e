package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
)

// Contribution is one element of the backend's data array, kept as decoded
// JSON. The backend decides its shape: an object keyed by column, a row
// array, or a scalar.
type Contribution = any

// Contributions fetches every contribution recorded so far, initialising
// the client first if needed.
func (c *Client) Contributions(ctx context.Context) ([]Contribution, error) {
	if err := c.ensureReady(ctx); err != nil {
		return nil, err
	}
	env, err := c.Request(ctx, http.MethodGet, url.Values{"action": {"getData"}}, nil)
	if err != nil {
		return nil, err
	}
	if env.Result() != "success" {
		return nil, c.fail(&Error{Kind: KindInvalidFormat, Message: "Format de réponse invalide"})
	}

	raw, ok := env["data"]
	if !ok {
		return nil, c.fail(&Error{Kind: KindInvalidFormat, Message: "Format de réponse invalide"})
	}
	var items []Contribution
	if err := json.Unmarshal(raw, &items); err != nil || items == nil {
		return nil, c.fail(&Error{Kind: KindInvalidFormat, Message: "Format de réponse invalide", Err: err})
	}
	return items, nil
}

// SubmitContribution initialises the client if needed, validates form and
// posts it. An invalid form is never sent. When the backend rejects the CSRF
// token the token is refreshed and the same form resubmitted, once.
func (c *Client) SubmitContribution(ctx context.Context, form *ContributionForm) (Envelope, error) {
	if err := c.ensureReady(ctx); err != nil {
		return nil, err
	}
	if err := ValidateFormData(form); err != nil {
		return nil, c.fail(err)
	}

	payload := form.Fields()
	env, err := c.Request(ctx, http.MethodPost, nil, payload)
	if IsKind(err, KindInvalidToken) {
		c.logger.Info("csrf token rejected, refreshing and retrying")
		if rerr := c.RefreshToken(ctx); rerr != nil {
			return nil, rerr
		}
		env, err = c.Request(ctx, http.MethodPost, nil, payload)
	}
	if err != nil {
		return nil, err
	}
	return env, nil
}
