package udpengine

import (
	"net"
	"testing"
)

func TestInboundRewriteDNSForward(t *testing.T) {
	cfg := RewriteConfig{DNSForward: net.IPv4(10, 0, 2, 3)}
	src, flags := InboundRewrite(cfg, 53, net.IPv4(8, 8, 8, 8), nil, false)
	if !src.Equal(cfg.DNSForward) {
		t.Fatalf("expected source rewritten to dns forward alias, got %v", src)
	}
	if flags&FlagDNSForward == 0 {
		t.Fatalf("expected FlagDNSForward set")
	}
}

func TestInboundRewriteLoopbackToGateway(t *testing.T) {
	cfg := RewriteConfig{Gateway: net.IPv4(192, 168, 1, 1)}
	src, flags := InboundRewrite(cfg, 8000, net.IPv4(127, 0, 0, 1), nil, false)
	if !src.Equal(cfg.Gateway) {
		t.Fatalf("expected rewrite to gateway, got %v", src)
	}
	if flags&FlagLocal == 0 || flags&FlagLoopback == 0 {
		t.Fatalf("expected LOCAL|LOOPBACK flags, got %d", flags)
	}
}

func TestOutboundRewriteGatewayToLastSeen(t *testing.T) {
	cfg := RewriteConfig{Gateway: net.IPv4(192, 168, 1, 1)}
	lastSeen := net.IPv4(203, 0, 113, 5)
	got := OutboundRewrite(cfg, cfg.Gateway, lastSeen)
	if !got.Equal(lastSeen) {
		t.Fatalf("expected rewrite to last-seen host address, got %v", got)
	}
}

func TestOutboundRewriteGatewayFallsBackToLoopback(t *testing.T) {
	cfg := RewriteConfig{Gateway: net.IPv4(192, 168, 1, 1)}
	got := OutboundRewrite(cfg, cfg.Gateway, nil)
	if !got.IsLoopback() {
		t.Fatalf("expected fallback to loopback, got %v", got)
	}
}

func TestOutboundRewriteNoMapGWDisables(t *testing.T) {
	cfg := RewriteConfig{Gateway: net.IPv4(192, 168, 1, 1), NoMapGW: true}
	got := OutboundRewrite(cfg, cfg.Gateway, nil)
	if !got.Equal(cfg.Gateway) {
		t.Fatalf("expected no rewrite when NoMapGW is set, got %v", got)
	}
}
