// Package fingerprint 定义文章身份指纹，缓存、存储和向量索引共用同一套推导。
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Fingerprint 64 位十六进制 SHA-256
type Fingerprint string

func (f Fingerprint) String() string { return string(f) }

// Short 日志中使用的短前缀
func (f Fingerprint) Short() string {
	if len(f) > 12 {
		return string(f[:12])
	}
	return string(f)
}

// trackingParams 规范化 URL 时丢弃的跟踪参数
var trackingParams = map[string]struct{}{
	"fbclid": {}, "gclid": {}, "mc_cid": {}, "mc_eid": {}, "ref": {}, "cmpid": {},
}

// Of 文章指纹：规范 URL + 规范正文
func Of(rawURL, body string) Fingerprint {
	return derive("article", CanonicalURL(rawURL), NormalizeText(body))
}

// OfText 文本指纹：只看规范化后的正文，相同正文必然命中同一缓存项
func OfText(body string) Fingerprint {
	return derive("text", NormalizeText(body))
}

func derive(kind string, parts ...string) Fingerprint {
	h := sha256.New()
	h.Write([]byte(kind))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// NormalizeText NFKC、小写、压缩空白
func NormalizeText(s string) string {
	s = norm.NFKC.String(s)
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// CanonicalURL 去掉 fragment、跟踪参数、默认端口和结尾斜杠，参数排序
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if port := u.Port(); port != "" && !(u.Scheme == "http" && port == "80") && !(u.Scheme == "https" && port == "443") {
		host = host + ":" + port
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	q := u.Query()
	for key := range q {
		lk := strings.ToLower(key)
		if strings.HasPrefix(lk, "utm_") {
			q.Del(key)
			continue
		}
		if _, ok := trackingParams[lk]; ok {
			q.Del(key)
		}
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		vals := q[k]
		sort.Strings(vals)
		for _, v := range vals {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	u.RawQuery = strings.Join(parts, "&")

	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u.String()
}
