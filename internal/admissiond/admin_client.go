/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admissiond

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/restapi"
	"github.com/acronis/go-admission/settings"
)

// AdminAPIError is returned by AdminClient when the admin API responds with an error status code.
type AdminAPIError struct {
	StatusCode int
	Err        *restapi.Error
	ClientErr  *restapi.ClientError
}

func (e *AdminAPIError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("admin API responded with %d", e.StatusCode)
	}
	return fmt.Sprintf("admin API responded with %d: %s (%s)", e.StatusCode, e.Err.Message, e.Err.Code)
}

// Unwrap makes errors.Is(err, settings.ErrNotFound) work for missing settings.
func (e *AdminAPIError) Unwrap() []error {
	var errs []error
	if e.Err != nil && e.Err.Code == ErrCodeSettingNotFound {
		errs = append(errs, settings.ErrNotFound)
	}
	if e.ClientErr != nil {
		errs = append(errs, e.ClientErr)
	}
	return errs
}

// AdminClient calls the admin API of a running admissiond.
type AdminClient struct {
	baseURL string
	client  *http.Client
	logger  log.FieldLogger
}

// NewAdminClient creates a new AdminClient. The client is expected to be created by httpclient.New.
// Logger may be nil.
func NewAdminClient(baseURL string, client *http.Client, logger log.FieldLogger) *AdminClient {
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	return &AdminClient{baseURL: strings.TrimSuffix(baseURL, "/"), client: client, logger: logger}
}

// Limits returns the effective state of all limiters.
func (c *AdminClient) Limits(ctx context.Context) ([]LimitInfo, error) {
	var limits []LimitInfo
	if err := c.do(ctx, http.MethodGet, "/admin/limits", nil, &limits); err != nil {
		return nil, err
	}
	return limits, nil
}

// ListSettings returns all settings from the store of the service.
func (c *AdminClient) ListSettings(ctx context.Context) ([]settings.Setting, error) {
	var list []settings.Setting
	if err := c.do(ctx, http.MethodGet, "/admin/settings", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// GetSetting returns the setting by key.
func (c *AdminClient) GetSetting(ctx context.Context, key string) (settings.Setting, error) {
	var setting settings.Setting
	err := c.do(ctx, http.MethodGet, "/admin/settings/"+url.PathEscape(key), nil, &setting)
	return setting, err
}

// SetSetting creates or updates the setting.
func (c *AdminClient) SetSetting(ctx context.Context, key string, value int) error {
	return c.do(ctx, http.MethodPut, "/admin/settings/"+url.PathEscape(key), putSettingRequest{Value: &value}, nil)
}

func (c *AdminClient) do(ctx context.Context, method, path string, reqData, respData interface{}) error {
	var req *http.Request
	var err error
	if reqData != nil {
		req, err = restapi.NewJSONRequest(ctx, method, c.baseURL+path, reqData)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, http.NoBody)
	}
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	err = restapi.DoRequestAndUnmarshalJSON(c.client, req, respData, c.logger)
	var clientErr *restapi.ClientError
	if err == nil || !errors.As(err, &clientErr) || clientErr.StatusCode < http.StatusBadRequest {
		return err
	}
	return &AdminAPIError{StatusCode: clientErr.StatusCode, Err: clientErr.APIError(), ClientErr: clientErr}
}
