// Package dhphttp is the HTTP transport to the health data platform.
package dhphttp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/breathsync/breathsync/internal/dhp"
	"github.com/breathsync/breathsync/internal/provider"
)

// TokenSource returns the current bearer token.
type TokenSource func() string

// Options configures a Transport.
type Options struct {
	ID         string
	BaseURL    string
	Timeout    time.Duration
	RetryCount int
	Token      TokenSource
}

// Transport sends platform requests over HTTP with resty.
type Transport struct {
	id     string
	client *resty.Client
	token  TokenSource
	logger *zap.Logger
}

var _ provider.Transport = (*Transport)(nil)

// New creates an HTTP transport.
func New(opts Options, logger *zap.Logger) *Transport {
	if opts.ID == "" {
		opts.ID = "dhp"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	// only transport errors and 5xx are retried; platform failures come back as 200
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err != nil || r.StatusCode() >= http.StatusInternalServerError
	})

	return &Transport{
		id:     opts.ID,
		client: client,
		token:  opts.Token,
		logger: logger,
	}
}

func (t *Transport) ID() string   { return t.id }
func (t *Transport) Type() string { return "http" }

// Execute sends one request and returns the raw status and body.
func (t *Transport) Execute(ctx context.Context, req *dhp.Request) (*dhp.Result, error) {
	r := t.client.R().
		SetContext(ctx).
		SetBody(req.Body())
	if t.token != nil {
		if tok := t.token(); tok != "" {
			r.SetAuthToken(tok)
		}
	}

	start := time.Now()
	resp, err := r.Execute(req.API.Method, req.API.URI())
	if err != nil {
		t.logger.Error("DHP request failed",
			zap.String("uri", req.API.URI()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to execute %s: %w", req.API.URI(), err)
	}

	t.logger.Debug("DHP request completed",
		zap.String("uri", req.API.URI()),
		zap.Int("status_code", resp.StatusCode()),
		zap.Duration("duration", time.Since(start)),
	)

	return &dhp.Result{StatusCode: resp.StatusCode(), Body: resp.Body()}, nil
}

// CheckHealth asks the platform for its clock.
func (t *Transport) CheckHealth(ctx context.Context) provider.HealthState {
	res, err := t.Execute(ctx, &dhp.Request{
		API:     dhp.APIGetServerTime,
		Payload: dhp.ServerTimePayload{MessageID: dhp.APIGetServerTime.MessageID()},
	})
	if err != nil {
		return provider.HealthStateUnavailable
	}
	switch status, _ := dhp.ParseStatus(res); status {
	case dhp.StatusSuccess:
		return provider.HealthStateHealthy
	case dhp.StatusUnauthorized:
		return provider.HealthStateDegraded
	}
	if res.StatusCode >= http.StatusInternalServerError {
		return provider.HealthStateUnavailable
	}
	return provider.HealthStateDegraded
}
