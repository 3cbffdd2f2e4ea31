package restapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIKeyHeader accompanies every authenticated call.
const APIKeyHeader = "X-MBX-APIKEY"

// Signer produces HMAC-SHA256 signed query strings.
type Signer struct {
	apiKey string
	secret []byte
	now    func() time.Time
}

// NewSigner builds a signer from explicitly supplied credentials.
func NewSigner(apiKey, secret string) (*Signer, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}
	if secret == "" {
		return nil, errors.New("API secret is required")
	}
	return &Signer{
		apiKey: apiKey,
		secret: []byte(secret),
		now:    time.Now,
	}, nil
}

func (s *Signer) APIKey() string {
	return s.apiKey
}

// Sign encodes params, appends the millisecond timestamp and then the
// signature over everything before it. The returned string is the full query.
func (s *Signer) Sign(params url.Values) string {
	p := url.Values{}
	for k, v := range params {
		if k == "timestamp" || k == "signature" {
			continue
		}
		p[k] = v
	}

	payload := encodeParams(p)
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)
	if payload != "" {
		payload += "&"
	}
	payload += "timestamp=" + ts

	return payload + "&signature=" + s.signature(payload)
}

func (s *Signer) signature(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// encodeParams form-encodes params in key order, leaving '@' unescaped.
func encodeParams(params url.Values) string {
	return strings.ReplaceAll(params.Encode(), "%40", "@")
}
