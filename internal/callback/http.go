package callback

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultHTTPTimeout bounds one callback request.
const DefaultHTTPTimeout = 10 * time.Second

// HTTPSink posts payloads as JSON to a URL. Any non-2xx answer is an error.
type HTTPSink struct {
	url    string
	client *resty.Client
}

// NewHTTPSink creates an HTTPSink for url.
func NewHTTPSink(url string) *HTTPSink {
	return &HTTPSink{
		url:    url,
		client: resty.New().SetTimeout(DefaultHTTPTimeout),
	}
}

func (s *HTTPSink) Deliver(ctx context.Context, p Payload) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(p).
		Post(s.url)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("callback returned %s", resp.Status())
	}
	return nil
}

func (s *HTTPSink) Close() error {
	return nil
}
