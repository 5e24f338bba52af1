package cachekey

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strings"
)

// Key 是请求指纹，64 位小写十六进制 SHA-256。
type Key string

// String 返回指纹文本。
func (k Key) String() string {
	return string(k)
}

// Short 返回前 12 位，便于日志展示。
func (k Key) Short() string {
	if len(k) <= 12 {
		return string(k)
	}
	return string(k[:12])
}

var (
	// ErrNotCacheable 是所有“不可缓存”判定的公共父错误。
	ErrNotCacheable = errors.New("request not cacheable")
	// ErrMethodNotCacheable 表示方法不是 GET/HEAD。
	ErrMethodNotCacheable = fmt.Errorf("%w: method", ErrNotCacheable)
	// ErrNoStore 表示请求携带 Cache-Control: no-store。
	ErrNoStore = fmt.Errorf("%w: no-store", ErrNotCacheable)
	// ErrMalformedTarget 表示目标不是带 host 的绝对 http/https URL。
	ErrMalformedTarget = fmt.Errorf("%w: malformed target", ErrNotCacheable)
)

// DefaultKeyHeaders 与配置默认值保持一致。
var DefaultKeyHeaders = []string{
	"Accept",
	"Accept-Encoding",
	"Accept-Language",
	"Authorization",
	"Range",
}

// Request 描述参与指纹计算的请求视图。
type Request struct {
	Method string
	Target string
	Header http.Header
}

// Builder 依据固定的请求头集合计算指纹，可并发使用。
type Builder struct {
	headers []string
}

// NewBuilder 规范化请求头名称（Canonical、去重、排序）；传入空集合时使用默认值。
func NewBuilder(headers []string) *Builder {
	if len(headers) == 0 {
		headers = DefaultKeyHeaders
	}
	seen := make(map[string]struct{}, len(headers))
	names := make([]string, 0, len(headers))
	for _, name := range headers {
		canonical := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name))
		if canonical == "" {
			continue
		}
		if _, ok := seen[canonical]; ok {
			continue
		}
		seen[canonical] = struct{}{}
		names = append(names, canonical)
	}
	sort.Strings(names)
	return &Builder{headers: names}
}

// Headers 返回参与指纹的请求头名称副本。
func (b *Builder) Headers() []string {
	return append([]string(nil), b.headers...)
}

// Build 计算请求指纹；不可缓存时返回包装 ErrNotCacheable 的错误。
func (b *Builder) Build(req Request) (Key, error) {
	key, _, err := b.BuildTarget(req)
	return key, err
}

// BuildTarget 与 Build 相同，同时返回参与指纹的规范化目标。
func (b *Builder) BuildTarget(req Request) (Key, Target, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method != http.MethodGet && method != http.MethodHead {
		return "", Target{}, fmt.Errorf("%w: %s", ErrMethodNotCacheable, method)
	}
	if hasNoStore(req.Header) {
		return "", Target{}, ErrNoStore
	}

	target, err := Normalize(req.Target)
	if err != nil {
		return "", Target{}, err
	}

	h := sha256.New()
	writeField(h, method)
	writeField(h, target.Scheme)
	writeField(h, target.Host)
	writeField(h, target.Port)
	writeField(h, target.Path)
	writeUint(h, uint64(len(target.Query)))
	for _, pair := range target.Query {
		writeField(h, pair[0])
		writeField(h, pair[1])
	}
	for _, name := range b.headers {
		values := req.Header.Values(name)
		writeField(h, name)
		writeUint(h, uint64(len(values)))
		for _, value := range values {
			writeField(h, strings.TrimSpace(value))
		}
	}
	return Key(hex.EncodeToString(h.Sum(nil))), target, nil
}

// Target 是规范化后的请求目标。Port 为空表示协议默认端口。
type Target struct {
	Scheme string
	Host   string
	Port   string
	Path   string
	Query  [][2]string
}

// String 以 URL 形式重新拼接目标，用于请求日志。空格编码为 %20，字面量 + 编码为 %2B。
func (t Target) String() string {
	var sb strings.Builder
	sb.WriteString(t.Scheme)
	sb.WriteString("://")
	if t.Port != "" {
		sb.WriteString(net.JoinHostPort(t.Host, t.Port))
	} else if strings.Contains(t.Host, ":") {
		sb.WriteString("[" + t.Host + "]")
	} else {
		sb.WriteString(t.Host)
	}
	sb.WriteString(t.Path)
	for i, pair := range t.Query {
		if i == 0 {
			sb.WriteByte('?')
		} else {
			sb.WriteByte('&')
		}
		sb.WriteString(escapeQueryComponent(pair[0]))
		sb.WriteByte('=')
		sb.WriteString(escapeQueryComponent(pair[1]))
	}
	return sb.String()
}

// Normalize 解析绝对目标并执行大小写、默认端口、查询参数排序等规范化。
func Normalize(raw string) (Target, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", ErrMalformedTarget, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return Target{}, fmt.Errorf("%w: scheme %q", ErrMalformedTarget, parsed.Scheme)
	}
	host := strings.TrimSuffix(strings.ToLower(parsed.Hostname()), ".")
	if host == "" {
		return Target{}, fmt.Errorf("%w: missing host", ErrMalformedTarget)
	}
	port := parsed.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}

	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}

	query, err := sortedQuery(parsed.RawQuery)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", ErrMalformedTarget, err)
	}

	return Target{
		Scheme: scheme,
		Host:   host,
		Port:   port,
		Path:   path,
		Query:  query,
	}, nil
}

func escapeQueryComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// sortedQuery 按键稳定排序，同键多值保持原始顺序。
// 只解码百分号转义，+ 保持字面量：?q=c++ 与 ?q=c%20%20 是不同目标。
// ?a 与 ?a= 视为同一参数（值为空）。
func sortedQuery(raw string) ([][2]string, error) {
	if raw == "" {
		return nil, nil
	}
	var pairs [][2]string
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		key, err := url.PathUnescape(k)
		if err != nil {
			return nil, err
		}
		value, err := url.PathUnescape(v)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, [2]string{key, value})
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i][0] < pairs[j][0]
	})
	return pairs, nil
}

func hasNoStore(header http.Header) bool {
	for _, value := range header.Values("Cache-Control") {
		for _, directive := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(directive), "no-store") {
				return true
			}
		}
	}
	return false
}

func writeField(h hash.Hash, value string) {
	writeUint(h, uint64(len(value)))
	h.Write([]byte(value))
}

func writeUint(h hash.Hash, n uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	h.Write(buf[:])
}
