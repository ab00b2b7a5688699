package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
)

const maxBodyBytes = 1 << 20

// downstreamEnvelope mirrors httputil.Response as served by the other
// storefront services.
type downstreamEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewJSONRequest builds a request with body encoded as JSON. The body stays
// replayable so the client may retry it.
func NewJSONRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// DecodeData reads a 2xx response envelope and decodes its data field into
// out. Non-2xx responses are translated with ParseResponseError. The body is
// always closed.
func DecodeData(resp *http.Response, serviceName string, out any) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ParseResponseError(resp, serviceName)
	}
	defer func() { _ = resp.Body.Close() }()

	var env downstreamEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&env); err != nil {
		return fmt.Errorf("decode %s response: %w", serviceName, err)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", serviceName, err)
	}
	return nil
}

// ParseResponseError consumes a non-2xx response and returns an error that
// keeps the downstream semantics. Structured bodies keep their code and
// message; anything else becomes a plain error carrying the status.
func ParseResponseError(resp *http.Response, serviceName string) error {
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%s returned status %d (failed to read body: %w)", serviceName, resp.StatusCode, err)
	}

	var env downstreamEnvelope
	if json.Unmarshal(body, &env) == nil && env.Error != nil {
		return mapDownstreamError(resp.StatusCode, env.Error.Code, env.Error.Message, serviceName)
	}
	return fmt.Errorf("%s returned status %d: %s", serviceName, resp.StatusCode, string(body))
}

func mapDownstreamError(status int, code, message, serviceName string) error {
	qualified := fmt.Sprintf("%s: %s", serviceName, message)

	switch {
	case status == http.StatusNotFound:
		return apperrors.NotFound(serviceName, message)
	case status == http.StatusBadRequest:
		return apperrors.InvalidInput(qualified)
	case status == http.StatusConflict:
		return apperrors.Conflict(qualified)
	case status == http.StatusUnauthorized:
		return apperrors.Unauthorized(qualified)
	case status == http.StatusForbidden:
		return apperrors.Forbidden(qualified)
	case status == http.StatusGone:
		return apperrors.Gone(qualified)
	case status == http.StatusPaymentRequired, status == http.StatusUnprocessableEntity:
		if code == "" {
			return apperrors.PaymentFailed(qualified)
		}
		return apperrors.Payment(code, qualified)
	case status == http.StatusServiceUnavailable:
		return apperrors.ServiceUnavailable(qualified)
	case status >= 500:
		return fmt.Errorf("%s server error (%d/%s): %s", serviceName, status, code, message)
	default:
		return &apperrors.AppError{Code: code, Message: qualified, Status: status}
	}
}
