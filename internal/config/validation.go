package config

import (
	"errors"
	"fmt"
	"net/textproto"
	"net/url"
	"strings"
	"time"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	switch g.LogFormat {
	case "", "json", "text":
	default:
		return newFieldError("Global.LogFormat", "仅支持 json/text")
	}
	if strings.TrimSpace(g.CachePath) == "" {
		return newFieldError("Global.CachePath", "不能为空")
	}
	if g.CacheTTL.DurationValue() < 0 {
		return newFieldError("Global.CacheTTL", "不能为负数")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.MaxResponseBodySize < 0 {
		return newFieldError("Global.MaxResponseBodySize", "不能为负数")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	for _, name := range g.KeyHeaders {
		if err := validateHeaderName(name); err != nil {
			return newFieldError("Global.KeyHeaders", err.Error())
		}
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Passthrough {
		route := &c.Passthrough[i]
		if route.Name == "" {
			return newFieldError("Passthrough[].Name", "不能为空")
		}
		if _, exists := seenNames[route.Name]; exists {
			return newFieldError(passthroughField(route.Name, "Name"), "重复")
		}
		seenNames[route.Name] = struct{}{}

		if err := validateDomain(route.Domain); err != nil {
			return fmt.Errorf("%s: %w", passthroughField(route.Name, "Domain"), err)
		}
		domain := strings.ToLower(strings.TrimSpace(route.Domain))
		if _, exists := seenDomains[domain]; exists {
			return newFieldError(passthroughField(route.Name, "Domain"), "重复")
		}
		seenDomains[domain] = struct{}{}

		if err := validateUpstream(route.Upstream); err != nil {
			return fmt.Errorf("%s: %w", passthroughField(route.Name, "Upstream"), err)
		}
	}

	return nil
}

func validateHeaderName(name string) error {
	if name == "" {
		return errors.New("请求头名称不能为空")
	}
	if strings.ContainsAny(name, " :\t\r\n") {
		return fmt.Errorf("非法请求头名称: %q", name)
	}
	if textproto.CanonicalMIMEHeaderKey(name) == "" {
		return fmt.Errorf("非法请求头名称: %q", name)
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// EffectiveCacheTTL 返回缓存条目的保留时长，0 表示永不过期。
func (c *Config) EffectiveCacheTTL() time.Duration {
	if c == nil {
		return 0
	}
	return c.Global.CacheTTL.DurationValue()
}
