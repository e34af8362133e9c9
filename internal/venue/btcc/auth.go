package btcc

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"tradeconn/internal/restclient"
	"tradeconn/pkg/exception"
)

const (
	_wsMethodAuthID  = 1
	_wsMethodOrderID = 3
	_wsMethodAssetID = 4
)

// Signer signs REST parameters with the account secret.
type Signer struct {
	AccessID  string
	SecretKey string
}

func (s Signer) Sign(req *restclient.Request, now time.Time) error {
	if s.AccessID == "" || s.SecretKey == "" {
		return exception.NewFatalConfig("btcc access id and secret key are required")
	}

	tm := strconv.FormatInt(now.Unix(), 10)
	var params map[string]string
	if req.Body != nil {
		req.Body["access_id"] = s.AccessID
		req.Body["tm"] = tm
		params = req.Body
	} else {
		if req.Query == nil {
			req.Query = url.Values{}
		}
		req.Query.Set("access_id", s.AccessID)
		req.Query.Set("tm", tm)
		params = make(map[string]string, len(req.Query))
		for k := range req.Query {
			params[k] = req.Query.Get(k)
		}
	}

	req.Header.Set("authorization", s.signature(params))
	return nil
}

func (s Signer) signature(params map[string]string) string {
	pairs := make([]string, 0, len(params)+1)
	for k, v := range params {
		pairs = append(pairs, k+"="+v)
	}
	pairs = append(pairs, "secret_key="+s.SecretKey)
	sort.Strings(pairs)
	hash := md5.Sum([]byte(strings.Join(pairs, "&")))
	return hex.EncodeToString(hash[:])
}

// StreamHandshake authenticates the private websocket and subscribes to
// order and asset pushes of the given markets.
func (s Signer) StreamHandshake(pairs []string) func(ctx context.Context) ([]any, error) {
	markets := make([]any, 0, len(pairs))
	for _, p := range pairs {
		markets = append(markets, Symbol(p))
	}
	return func(context.Context) ([]any, error) {
		sum := sha256.Sum256([]byte(s.SecretKey))
		return []any{
			map[string]any{
				"id":     _wsMethodAuthID,
				"method": "server.accessid_auth",
				"params": []any{s.AccessID, hex.EncodeToString(sum[:])},
			},
			map[string]any{
				"id":     _wsMethodOrderID,
				"method": "order.subscribe",
				"params": markets,
			},
			map[string]any{
				"id":     _wsMethodAssetID,
				"method": "asset.subscribe",
				"params": []any{},
			},
		}, nil
	}
}
