// Package quote models the fundgz estimate payload and the rules for fund codes.
package quote

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/fundwatch/errs"
)

const (
	// ProviderCallback is the fixed function name the provider wraps payloads in.
	ProviderCallback = "jsonpgz"
	// DefaultBaseURL is the public fundgz endpoint.
	DefaultBaseURL = "https://fundgz.1234567.com.cn"

	estimateLayout = "2006-01-02 15:04"
	navDateLayout  = "2006-01-02"
)

var (
	codePattern = regexp.MustCompile(`^\d{6}$`)

	// Provider timestamps are China Standard Time.
	providerZone = time.FixedZone("CST", 8*60*60)
)

// Quote is a decoded live estimate for one fund.
type Quote struct {
	FundCode        string          `json:"fundcode"`
	Name            string          `json:"name"`
	NetValueDate    string          `json:"jzrq"`
	NetValue        decimal.Decimal `json:"dwjz"`
	EstimatedValue  decimal.Decimal `json:"gsz"`
	EstimatedChange decimal.Decimal `json:"gszzl"`
	EstimatedAt     string          `json:"gztime"`
}

// ValidCode reports whether code is a six digit fund code.
func ValidCode(code string) bool {
	return codePattern.MatchString(code)
}

// ValidateCode returns an invalid_request error for malformed codes.
func ValidateCode(code string) error {
	if ValidCode(code) {
		return nil
	}
	return errs.New("quote/code", errs.CodeInvalid,
		errs.WithMessage("fund code must be 6 digits"),
		errs.WithField("code", code))
}

// Endpoint builds the JSONP URL for code. The rt parameter defeats caches.
func Endpoint(baseURL, code, callback string, now time.Time) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	q := url.Values{}
	q.Set("rt", strconv.FormatInt(now.UnixMilli(), 10))
	if callback != "" {
		q.Set("callback", callback)
	}
	return fmt.Sprintf("%s/js/%s.js?%s", base, url.PathEscape(code), q.Encode())
}

// FromValue converts a callback argument exported from a script runtime.
func FromValue(v any) (Quote, error) {
	fields, ok := v.(map[string]any)
	if !ok || fields == nil {
		return Quote{}, errs.New("quote/decode", errs.CodeDataFormat,
			errs.WithMessage("payload is not an object"),
			errs.WithRawMessage(fmt.Sprintf("%T", v)))
	}
	return fromFields(fields)
}

// Decode parses a JSON object payload.
func Decode(raw []byte) (Quote, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Quote{}, errs.New("quote/decode", errs.CodeDataFormat,
			errs.WithMessage("payload is not valid json"),
			errs.WithRawMessage(string(raw)),
			errs.WithCause(err))
	}
	if fields == nil {
		return Quote{}, errs.New("quote/decode", errs.CodeDataFormat, errs.WithMessage("payload is null"))
	}
	return fromFields(fields)
}

func fromFields(fields map[string]any) (Quote, error) {
	code := text(fields["fundcode"])
	if code == "" {
		return Quote{}, errs.New("quote/decode", errs.CodeDataFormat, errs.WithMessage("fundcode missing"))
	}
	q := Quote{
		FundCode:     code,
		Name:         text(fields["name"]),
		NetValueDate: text(fields["jzrq"]),
		EstimatedAt:  text(fields["gztime"]),
	}
	var err error
	if q.NetValue, err = number(fields, "dwjz"); err != nil {
		return Quote{}, err
	}
	if q.EstimatedValue, err = number(fields, "gsz"); err != nil {
		return Quote{}, err
	}
	if q.EstimatedChange, err = number(fields, "gszzl"); err != nil {
		return Quote{}, err
	}
	return q, nil
}

// EstimatedTime parses the gztime stamp in provider time.
func (q Quote) EstimatedTime() (time.Time, error) {
	return time.ParseInLocation(estimateLayout, q.EstimatedAt, providerZone)
}

// NetValueTime parses the jzrq date in provider time.
func (q Quote) NetValueTime() (time.Time, error) {
	return time.ParseInLocation(navDateLayout, q.NetValueDate, providerZone)
}

// FormatChange renders the change rate with an explicit sign, e.g. "+1.25%".
func FormatChange(rate decimal.Decimal) string {
	if rate.IsPositive() {
		return "+" + rate.String() + "%"
	}
	return rate.String() + "%"
}

func text(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(typed, 10)
	default:
		return strings.TrimSpace(fmt.Sprint(typed))
	}
}

// number parses an optional numeric field; absent or blank values are zero.
func number(fields map[string]any, key string) (decimal.Decimal, error) {
	raw := text(fields[key])
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, errs.New("quote/decode", errs.CodeDataFormat,
			errs.WithMessage("invalid number in "+key),
			errs.WithRawMessage(raw),
			errs.WithCause(err))
	}
	return d, nil
}
