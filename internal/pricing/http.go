package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const defaultRatePerSec = 20

// HTTPOracle queries a price service over HTTP:
//
//	GET {base}/v1/prices/{instrument}?at={unix seconds}
//	→ {"instrument":"SOL","price":"142.17","at":1723723200}
//
// Calls are rate limited. It does not retry: a failed lookup fails the
// current computation, which the caller may retry as a whole.
type HTTPOracle struct {
	http    *http.Client
	base    string
	limiter *rate.Limiter
}

// NewHTTPOracle creates an oracle against base. ratePerSec <= 0 uses the
// default limit.
func NewHTTPOracle(base string, ratePerSec float64, timeout time.Duration) *HTTPOracle {
	if ratePerSec <= 0 {
		ratePerSec = defaultRatePerSec
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPOracle{
		http:    &http.Client{Timeout: timeout},
		base:    base,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec)),
	}
}

type priceResponse struct {
	Instrument string          `json:"instrument"`
	Price      decimal.Decimal `json:"price"`
	At         int64           `json:"at"`
}

func (o *HTTPOracle) PriceAt(ctx context.Context, instrument string, at time.Time) (decimal.Decimal, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("%w: rate limiter: %v", ErrPriceUnavailable, err)
	}

	u := fmt.Sprintf("%s/v1/prices/%s?at=%s",
		o.base, url.PathEscape(instrument), strconv.FormatInt(at.Unix(), 10))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.http.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownInstrument, instrument)
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return decimal.Zero, fmt.Errorf("%w: status %d: %s", ErrPriceUnavailable, resp.StatusCode, string(body))
	}

	var pr priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return decimal.Zero, fmt.Errorf("%w: decode response: %v", ErrPriceUnavailable, err)
	}
	return pr.Price, nil
}
