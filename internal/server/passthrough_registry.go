package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/any-hub/replayproxy/internal/config"
)

// PassthroughRoute 将直连映射配置与解析后的 Upstream 聚合在一起，
// 供路由/代理层直接复用，避免重复解析配置。
type PassthroughRoute struct {
	// Config 是 config.toml 中声明的字段副本，避免外部修改。
	Config config.PassthroughConfig
	// ListenPort 记录当前监听端口，方便日志输出。
	ListenPort int
	// UpstreamURL 在构造 Registry 时提前解析完成。
	UpstreamURL *url.URL
}

// Target 将直连请求的 RequestURI 拼接到 Upstream 之后，得到上游绝对地址。
func (r *PassthroughRoute) Target(requestURI string) string {
	base := strings.TrimSuffix(r.UpstreamURL.String(), "/")
	if requestURI == "" || requestURI[0] != '/' {
		requestURI = "/" + requestURI
	}
	return base + requestURI
}

// PassthroughRegistry 提供 Host/Host:port 到 PassthroughRoute 的查询能力，所有映射共享同一个监听端口。
type PassthroughRegistry struct {
	routes  map[string]*PassthroughRoute
	ordered []*PassthroughRoute
}

// NewPassthroughRegistry 根据配置构建 Host 映射。调用方应在启动阶段创建一次并复用。
func NewPassthroughRegistry(cfg *config.Config) (*PassthroughRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &PassthroughRegistry{
		routes: make(map[string]*PassthroughRoute, len(cfg.Passthrough)),
	}

	for _, entry := range cfg.Passthrough {
		normalizedHost := normalizeDomain(entry.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for passthrough %s", entry.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		upstreamURL, err := url.Parse(entry.Upstream)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream for passthrough %s: %w", entry.Name, err)
		}

		route := &PassthroughRoute{
			Config:      entry,
			ListenPort:  cfg.Global.ListenPort,
			UpstreamURL: upstreamURL,
		}
		registry.routes[normalizedHost] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 PassthroughRoute。
func (r *PassthroughRegistry) Lookup(host string) (*PassthroughRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// List 返回当前注册的映射（按配置定义的顺序），用于诊断输出。
func (r *PassthroughRegistry) List() []PassthroughRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]PassthroughRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

func normalizeDomain(domain string) string {
	return normalizeHost(domain)
}

// normalizeHost 去掉端口与末尾点号并转为小写，Host 头中的端口不参与匹配。
func normalizeHost(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	host := raw
	if strings.Contains(raw, ":") {
		if h, _, err := net.SplitHostPort(raw); err == nil {
			host = h
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if _, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	return strings.ToLower(host)
}
