package udpengine

import "net"

// RewriteConfig carries the address-rewrite inputs spec.md §4.4 names:
// the configured gateway, the tap-facing DNS forward alias, and whether
// gateway-to-loopback rewriting is enabled (spec.md §6 --no-map-gw).
type RewriteConfig struct {
	Gateway      net.IP
	LinkLocal6   net.IP
	DNSHost      net.IP // the real host DNS resolver address
	DNSForward   net.IP // tap-facing alias address, triggers DNS rewrite
	NoMapGW      bool
}

// InboundRewrite implements spec.md §4.4's host->client datagram rewrite:
// dest/source substitution plus the reverse-port flags to record.
//
// destPort is the tap-side destination port the datagram is about to be
// delivered to; srcIP is the datagram's source address as seen from the host
// socket; lastSeenTap is the most recent tap-side source address observed
// for this port (the session's LastSeen field).
func InboundRewrite(cfg RewriteConfig, destPort uint16, srcIP net.IP, lastSeenTap net.IP, v6 bool) (rewrittenSrc net.IP, flags RewriteFlags) {
	if destPort == 53 && cfg.DNSForward != nil {
		return cfg.DNSForward, FlagDNSForward
	}

	if srcIP.IsLoopback() || (lastSeenTap != nil && srcIP.Equal(lastSeenTap)) {
		if v6 {
			flags |= FlagGUA
			return cfg.LinkLocal6, flags
		}
		flags |= FlagLocal
		if srcIP.IsLoopback() {
			flags |= FlagLoopback
		}
		return cfg.Gateway, flags
	}

	return srcIP, 0
}

// OutboundRewrite implements spec.md §4.4's client->host datagram rewrite:
// "Translate destination: DNS address -> host DNS; gateway address ->
// loopback or 'last seen' host address depending on prior observations."
func OutboundRewrite(cfg RewriteConfig, dstIP net.IP, lastSeenHost net.IP) net.IP {
	if cfg.DNSForward != nil && dstIP.Equal(cfg.DNSForward) {
		return cfg.DNSHost
	}
	if !cfg.NoMapGW && cfg.Gateway != nil && dstIP.Equal(cfg.Gateway) {
		if lastSeenHost != nil {
			return lastSeenHost
		}
		return net.IPv4(127, 0, 0, 1)
	}
	return dstIP
}
