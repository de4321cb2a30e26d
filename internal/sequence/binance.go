package sequence

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	futures "github.com/adshao/go-binance/v2/futures"
)

// newExchangeClient wraps the pooled HTTP client in the exchange SDK's
// futures client, pointed at the host of the configured REST endpoint.
// The snapshot fetch itself goes through the raw HTTP client (the depth
// path differs between spot and futures hosts); the SDK client serves
// the exchangeInfo rate-limit lookup.
func newExchangeClient(restURL string, httpClient *http.Client) *futures.Client {
	client := futures.NewClient("", "")
	client.HTTPClient = httpClient
	if parsed, err := url.Parse(restURL); err == nil && parsed.Host != "" {
		client.SetApiEndpoint(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host))
	}
	return client
}

// fetchRequestWeightLimit queries the exchangeInfo endpoint for the
// REQUEST_WEIGHT per-minute limit, so used-weight gauges can be reported
// against the real budget. Returns 0 when the limit cannot be determined.
func fetchRequestWeightLimit(ctx context.Context, client *futures.Client) (int64, error) {
	info, err := client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return 0, err
	}
	for _, rl := range info.RateLimits {
		if rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "MINUTE" {
			return rl.Limit, nil
		}
	}
	return 0, nil
}
