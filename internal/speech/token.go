package speech

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TokenProvider yields a bearer token for the transcription service. A static
// configured token short-circuits signing; otherwise a signed CreateToken
// request is issued against the token endpoint.
type TokenProvider struct {
	accessKeyID     string
	accessKeySecret string
	staticToken     string
	endpoint        string

	httpClient *http.Client
}

// NewTokenProvider builds a provider from the configured credentials.
func NewTokenProvider(accessKeyID, accessKeySecret, staticToken, endpoint string) *TokenProvider {
	return &TokenProvider{
		accessKeyID:     accessKeyID,
		accessKeySecret: accessKeySecret,
		staticToken:     staticToken,
		endpoint:        endpoint,
		httpClient:      &http.Client{Timeout: 10 * time.Second},
	}
}

type tokenResponse struct {
	Token struct {
		ID         string `json:"Id"`
		ExpireTime int64  `json:"ExpireTime"`
	} `json:"Token"`
	Message string `json:"Message"`
}

// Token returns a usable bearer token.
func (p *TokenProvider) Token() (string, error) {
	if p.staticToken != "" {
		return p.staticToken, nil
	}
	if p.accessKeyID == "" || p.accessKeySecret == "" {
		return "", fmt.Errorf("speech credentials not configured")
	}

	params := map[string]string{
		"AccessKeyId":      p.accessKeyID,
		"Action":           "CreateToken",
		"Format":           "JSON",
		"RegionId":         "cn-shanghai",
		"SignatureMethod":  "HMAC-SHA1",
		"SignatureNonce":   uuid.NewString(),
		"SignatureVersion": "1.0",
		"Timestamp":        time.Now().UTC().Format("2006-01-02T15:04:05Z"),
		"Version":          "2019-02-28",
	}
	params["Signature"] = Sign(params, p.accessKeySecret)

	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}

	requestURL := strings.TrimRight(p.endpoint, "/") + "/?" + query.Encode()
	resp, err := p.httpClient.Get(requestURL)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("token response malformed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request rejected: %s (%s)", resp.Status, body.Message)
	}
	if body.Token.ID == "" {
		return "", fmt.Errorf("token response missing token id")
	}
	return body.Token.ID, nil
}

// Sign computes the request signature: parameters sorted lexicographically by
// key, percent-encoded, assembled into the canonical string
// "GET&%2F&<encoded query>", HMAC-SHA1 signed with the secret plus a trailing
// ampersand, and base64-encoded.
func Sign(params map[string]string, secret string) string {
	canonical := CanonicalQuery(params)
	stringToSign := "GET&" + percentEncode("/") + "&" + percentEncode(canonical)

	mac := hmac.New(sha1.New, []byte(secret+"&"))
	mac.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// CanonicalQuery renders params as key=value pairs joined by "&", keys sorted
// lexicographically, both sides percent-encoded.
func CanonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "Signature" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, percentEncode(k)+"="+percentEncode(params[k]))
	}
	return strings.Join(pairs, "&")
}

// percentEncode applies RFC 3986 encoding with the service's deviations:
// "+" becomes %20, "*" becomes %2A, and %7E reverts to "~".
func percentEncode(s string) string {
	encoded := url.QueryEscape(s)
	encoded = strings.ReplaceAll(encoded, "+", "%20")
	encoded = strings.ReplaceAll(encoded, "*", "%2A")
	encoded = strings.ReplaceAll(encoded, "%7E", "~")
	return encoded
}
