package devserver

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const probeInterval = 100 * time.Millisecond

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// probe polls the endpoint until it answers any HTTP request, or ctx is done.
// Some dev servers print their banner slightly before the listener is accepting connections.
func probe(ctx context.Context, log *zap.SugaredLogger, e Endpoint) error {
	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{
		Transport: &http.Transport{
			// dev servers serve HTTPS with self-signed certs
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
		Timeout: 5 * time.Second,
	}
	client.Logger = &logAdapter{SugaredLogger: log.Named("probe")}
	client.RetryMax = 1 << 20
	client.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return probeInterval
	}
	// any response at all means the server is listening
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return err != nil, nil
	}
	defer client.HTTPClient.CloseIdleConnections()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, e.String(), nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	log.Debugw("probe succeeded", "Endpoint", e.String(), "Status", resp.StatusCode)
	return nil
}
