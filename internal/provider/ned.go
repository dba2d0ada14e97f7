// Package provider fetches forecast records from the NED (Nationaal Energie
// Dashboard) utilizations API.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nedcast/forecast-engine/internal/model"
)

// Failure classes returned by Fetch. Unauthorized and Forbidden abort a
// refresh; Unavailable means "no data for this type this cycle".
var (
	ErrUnauthorized = errors.New("provider: invalid API key")
	ErrForbidden    = errors.New("provider: API access forbidden")
	ErrUnavailable  = errors.New("provider: unavailable")
)

// IsFatal reports whether err is a credential fault that should fail the
// whole refresh.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden)
}

// NED data type and activity identifiers.
const (
	TypeWindOnshore  = 1
	TypeSolar        = 2
	TypeWindOffshore = 51
	TypeConsumption  = 59

	ActivityProduction  = 1
	ActivityConsumption = 2

	granularityHourly  = 5
	granularityTZCET   = 1
	classificationFcst = 1
)

// DataType binds a canonical series key to its NED query parameters.
type DataType struct {
	Key      string
	TypeID   int
	Activity int
}

// DataTypes are the four canonical series fetched on every refresh.
var DataTypes = []DataType{
	{Key: model.KeyWindOnshore, TypeID: TypeWindOnshore, Activity: ActivityProduction},
	{Key: model.KeyWindOffshore, TypeID: TypeWindOffshore, Activity: ActivityProduction},
	{Key: model.KeySolar, TypeID: TypeSolar, Activity: ActivityProduction},
	{Key: model.KeyConsumption, TypeID: TypeConsumption, Activity: ActivityConsumption},
}

const (
	DefaultBaseURL = "https://api.ned.nl/v1"
	endpoint       = "/utilizations"
	dateLayout     = "2006-01-02"
)

// Config holds client settings.
type Config struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	RateLimit float64 // requests per second
	Burst     int
}

// Client is a rate-limited NED API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	now        func() time.Time
}

// NewClient creates a NED client. Zero-valued settings fall back to
// the production base URL, a 30s timeout and 1 req/s with burst 4.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 4
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		now:     time.Now,
	}
}

// Fetch returns the raw forecast records for one data type over the next
// horizonHours. The date window is day-granular, as the API expects.
func (c *Client) Fetch(ctx context.Context, typeID, activity, horizonHours int) ([]model.RawRecord, error) {
	now := c.now()
	params := baseParams(typeID, activity)
	params.Set("validfrom[after]", now.Format(dateLayout))
	params.Set("validfrom[strictly_before]", now.Add(time.Duration(horizonHours)*time.Hour).Format(dateLayout))

	resp, err := c.get(ctx, params)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case http.StatusForbidden:
		return nil, ErrForbidden
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: type %d: status %d: %s", ErrUnavailable, typeID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Members []model.RawRecord `json:"hydra:member"`
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: type %d: decode: %w", ErrUnavailable, typeID, err)
	}
	return payload.Members, nil
}

// Validate checks the API key with one small request. It reports true only
// for an HTTP 200; a transport failure is returned as an error.
func (c *Client) Validate(ctx context.Context) (bool, error) {
	resp, err := c.get(ctx, baseParams(TypeWindOnshore, ActivityProduction))
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK, nil
}

func (c *Client) get(ctx context.Context, params url.Values) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limit wait canceled: %w", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-AUTH-TOKEN", c.apiKey)
	req.Header.Set("Accept", "application/ld+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return resp, nil
}

func baseParams(typeID, activity int) url.Values {
	params := url.Values{}
	params.Set("point", "0")
	params.Set("type", strconv.Itoa(typeID))
	params.Set("granularity", strconv.Itoa(granularityHourly))
	params.Set("granularitytimezone", strconv.Itoa(granularityTZCET))
	params.Set("classification", strconv.Itoa(classificationFcst))
	params.Set("activity", strconv.Itoa(activity))
	return params
}
